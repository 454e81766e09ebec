// Package routing decides which backends participate in an operation.
//
// Both routers are static tables keyed by storage type. The storage
// router yields the ordered backend list a write must visit; the
// retrieval router yields a primary read strategy plus its fallback
// chain. Neither router talks to a backend itself.
package routing

import (
	ltmcerrors "ltmc/internal/errors"
	"ltmc/pkg/types"
)

// createOrder is the canonical write order: the relational catalog
// first (source of truth), then the vector layers, then graph, then
// cache. Delete walks the same set in reverse so the catalog row is
// the last thing to disappear.
var createOrder = []types.Backend{
	types.BackendRelational,
	types.BackendVector,
	types.BackendUniversal,
	types.BackendGraph,
	types.BackendCache,
}

var deleteOrder = []types.Backend{
	types.BackendCache,
	types.BackendGraph,
	types.BackendUniversal,
	types.BackendVector,
	types.BackendRelational,
}

// storageMatrix maps each storage type to the set of backends that
// receive its writes. Content-bearing types (document, memory, code,
// note) fan out everywhere; narrow types touch only the stores that
// can answer queries about them.
var storageMatrix = map[types.StorageType][]types.Backend{
	types.StorageTypeChat:           {types.BackendRelational, types.BackendCache, types.BackendUniversal},
	types.StorageTypeMemory:         {types.BackendRelational, types.BackendVector, types.BackendGraph, types.BackendCache, types.BackendUniversal},
	types.StorageTypeDocument:       {types.BackendRelational, types.BackendVector, types.BackendGraph, types.BackendCache, types.BackendUniversal},
	types.StorageTypeCode:           {types.BackendRelational, types.BackendVector, types.BackendGraph, types.BackendCache, types.BackendUniversal},
	types.StorageTypeNote:           {types.BackendRelational, types.BackendVector, types.BackendGraph, types.BackendCache, types.BackendUniversal},
	types.StorageTypeChainOfThought: {types.BackendRelational, types.BackendVector, types.BackendUniversal},
	types.StorageTypeBlueprint:      {types.BackendRelational, types.BackendGraph, types.BackendUniversal},
	types.StorageTypeTasks:          {types.BackendRelational, types.BackendCache, types.BackendUniversal},
	types.StorageTypeTodo:           {types.BackendRelational, types.BackendCache, types.BackendUniversal},
	types.StorageTypePattern:        {types.BackendRelational, types.BackendVector, types.BackendUniversal},
	types.StorageTypeCacheEntry:     {types.BackendCache, types.BackendUniversal},
	types.StorageTypeCoordination:   {types.BackendRelational, types.BackendGraph, types.BackendUniversal},
}

// homeOverride names the authoritative backend for types whose payload
// does not live in the relational catalog. cache_entry lives in the
// cache itself; losing the cache write loses the item.
var homeOverride = map[types.StorageType]types.Backend{
	types.StorageTypeCacheEntry: types.BackendCache,
}

// StoragePlan is the write-side routing decision for one storage type.
type StoragePlan struct {
	StorageType types.StorageType
	// Backends lists the prescribed backends in create order.
	Backends []types.Backend
	// Required is the backend whose failure aborts the whole write:
	// the relational catalog whenever prescribed, otherwise the type's
	// home backend.
	Required types.Backend
}

// Prescribes reports whether the plan routes writes to b.
func (p *StoragePlan) Prescribes(b types.Backend) bool {
	for _, pb := range p.Backends {
		if pb == b {
			return true
		}
	}
	return false
}

// DeleteOrder returns the prescribed backends in delete order: cache
// invalidated first, catalog row removed last.
func (p *StoragePlan) DeleteOrder() []types.Backend {
	out := make([]types.Backend, 0, len(p.Backends))
	for _, b := range deleteOrder {
		if p.Prescribes(b) {
			out = append(out, b)
		}
	}
	return out
}

// StorageRouter resolves storage types to write plans.
type StorageRouter struct{}

// NewStorageRouter returns the static write router.
func NewStorageRouter() *StorageRouter {
	return &StorageRouter{}
}

// Plan returns the write plan for a storage type. Unknown types are an
// input error, never a silent default.
func (r *StorageRouter) Plan(st types.StorageType) (*StoragePlan, error) {
	set, ok := storageMatrix[st]
	if !ok {
		return nil, ltmcerrors.NewInvalidInputf("unknown storage type %q", st)
	}

	member := make(map[types.Backend]bool, len(set))
	for _, b := range set {
		member[b] = true
	}

	ordered := make([]types.Backend, 0, len(set))
	for _, b := range createOrder {
		if member[b] {
			ordered = append(ordered, b)
		}
	}

	required := ordered[0]
	if member[types.BackendRelational] {
		required = types.BackendRelational
	} else if home, ok := homeOverride[st]; ok {
		required = home
	}
	return &StoragePlan{StorageType: st, Backends: ordered, Required: required}, nil
}

// Strategy names one way of answering a retrieval.
type Strategy string

const (
	// StrategyCacheFirst replays from the cache, falling back to the
	// relational catalog on a miss.
	StrategyCacheFirst Strategy = "cache_first"
	// StrategyVectorSemantic answers from the vector index.
	StrategyVectorSemantic Strategy = "vector_semantic"
	// StrategyVectorGraph answers from the vector index and enriches
	// hits with graph relationships.
	StrategyVectorGraph Strategy = "vector_semantic_graph"
	// StrategyGraphTraversal answers by walking graph adjacency.
	StrategyGraphTraversal Strategy = "graph_traversal"
	// StrategyRelationalIndexed answers from indexed catalog queries.
	StrategyRelationalIndexed Strategy = "relational_indexed"
	// StrategyCacheRealtime reads live cache state.
	StrategyCacheRealtime Strategy = "cache_realtime"
)

// RetrievalPlan is the read-side routing decision: a primary strategy
// and the ordered fallbacks tried when the primary cannot answer.
type RetrievalPlan struct {
	StorageType types.StorageType
	Primary     Strategy
	Fallbacks   []Strategy
}

// Chain returns the primary followed by the fallbacks.
func (p *RetrievalPlan) Chain() []Strategy {
	out := make([]Strategy, 0, 1+len(p.Fallbacks))
	out = append(out, p.Primary)
	out = append(out, p.Fallbacks...)
	return out
}

var retrievalMatrix = map[types.StorageType]RetrievalPlan{
	types.StorageTypeChat:           {Primary: StrategyCacheFirst, Fallbacks: []Strategy{StrategyRelationalIndexed}},
	types.StorageTypeMemory:         {Primary: StrategyVectorSemantic, Fallbacks: []Strategy{StrategyRelationalIndexed}},
	types.StorageTypeChainOfThought: {Primary: StrategyVectorSemantic, Fallbacks: []Strategy{StrategyRelationalIndexed}},
	types.StorageTypePattern:        {Primary: StrategyVectorSemantic, Fallbacks: []Strategy{StrategyRelationalIndexed}},
	types.StorageTypeCode:           {Primary: StrategyVectorSemantic, Fallbacks: []Strategy{StrategyRelationalIndexed}},
	types.StorageTypeNote:           {Primary: StrategyVectorSemantic, Fallbacks: []Strategy{StrategyRelationalIndexed}},
	types.StorageTypeDocument:       {Primary: StrategyVectorGraph, Fallbacks: []Strategy{StrategyVectorSemantic, StrategyRelationalIndexed}},
	types.StorageTypeBlueprint:      {Primary: StrategyGraphTraversal, Fallbacks: []Strategy{StrategyRelationalIndexed}},
	types.StorageTypeCoordination:   {Primary: StrategyGraphTraversal, Fallbacks: []Strategy{StrategyRelationalIndexed}},
	types.StorageTypeTasks:          {Primary: StrategyRelationalIndexed, Fallbacks: nil},
	types.StorageTypeTodo:           {Primary: StrategyCacheRealtime, Fallbacks: []Strategy{StrategyRelationalIndexed}},
	types.StorageTypeCacheEntry:     {Primary: StrategyCacheRealtime, Fallbacks: []Strategy{StrategyRelationalIndexed}},
}

// RetrievalRouter resolves storage types to read plans.
type RetrievalRouter struct{}

// NewRetrievalRouter returns the static read router.
func NewRetrievalRouter() *RetrievalRouter {
	return &RetrievalRouter{}
}

// Plan returns the retrieval plan for a storage type.
func (r *RetrievalRouter) Plan(st types.StorageType) (*RetrievalPlan, error) {
	plan, ok := retrievalMatrix[st]
	if !ok {
		return nil, ltmcerrors.NewInvalidInputf("unknown storage type %q", st)
	}
	plan.StorageType = st
	return &plan, nil
}
