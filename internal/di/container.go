// Package di assembles the service object graph: the backend clients,
// the chunking and embedding pipeline between them, and the memory and
// search services on top. Everything is built in dependency order and
// torn down in reverse.
package di

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ltmc/internal/chunking"
	"ltmc/internal/config"
	"ltmc/internal/coordinator"
	"ltmc/internal/embeddings"
	"ltmc/internal/logging"
	"ltmc/internal/memory"
	"ltmc/internal/routing"
	"ltmc/internal/search"
	"ltmc/internal/storage"
	"ltmc/pkg/types"
)

// Container holds the wired application dependencies.
type Container struct {
	Config *config.Config
	Logger *logging.Logger

	Catalog   *storage.SQLiteStore
	Vectors   *storage.VectorIndex
	Universal *storage.UniversalIndex
	Graph     storage.GraphStore // nil when the graph backend is disabled
	Cache     storage.CacheStore // nil when the cache backend is disabled

	Embedder embeddings.EmbeddingService
	Chunker  *chunking.Chunker

	Memory *memory.Service
	Search *search.Service

	// Raw handles kept for shutdown; the exported fields above carry
	// the resilience wrappers.
	neo4j *storage.Neo4jStore
	redis *storage.RedisStore
}

// NewContainer builds the object graph for the given configuration.
// Backends marked enabled must be reachable at startup; once running,
// their failures degrade individual operations instead.
func NewContainer(ctx context.Context, cfg *config.Config, log *logging.Logger) (*Container, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if log == nil {
		log = logging.NewNop()
	}
	c := &Container{Config: cfg, Logger: log}

	if err := c.buildStorage(ctx); err != nil {
		_ = c.Shutdown(ctx)
		return nil, err
	}
	if err := c.buildServices(); err != nil {
		_ = c.Shutdown(ctx)
		return nil, err
	}
	return c, nil
}

func (c *Container) buildStorage(ctx context.Context) error {
	cfg := c.Config

	catalog, err := storage.NewSQLiteStore(cfg.Database.DBPath, c.Logger)
	if err != nil {
		return err
	}
	c.Catalog = catalog

	vectors, err := storage.NewVectorIndex(
		cfg.Database.VectorIndexPath,
		cfg.Database.VectorDimension,
		cfg.FlushInterval(),
		c.Logger,
	)
	if err != nil {
		return err
	}
	c.Vectors = vectors

	c.Embedder = c.buildEmbedder()
	c.Universal = storage.NewUniversalIndex(vectors, c.Embedder, c.Logger)

	if cfg.Neo4j.Enabled {
		connectCtx, cancel := context.WithTimeout(ctx,
			time.Duration(cfg.Neo4j.ConnectionTimeout)*time.Second)
		neo, err := storage.NewNeo4jStore(connectCtx,
			cfg.Neo4j.URI, cfg.Neo4j.User, cfg.Neo4j.Password, cfg.Neo4j.Database, c.Logger)
		cancel()
		if err != nil {
			return err
		}
		c.neo4j = neo
		c.Graph = storage.NewBreakerGraphStore(storage.NewRetryingGraphStore(neo, nil), nil)
	} else {
		c.Logger.Info("graph store disabled by configuration")
	}

	if cfg.Redis.Enabled && cfg.Features.CacheEnabled {
		connectCtx, cancel := context.WithTimeout(ctx,
			time.Duration(cfg.Redis.ConnectionTimeout)*time.Second)
		rds, err := storage.NewRedisStore(connectCtx,
			cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB, cfg.CacheTTL(), c.Logger)
		cancel()
		if err != nil {
			return err
		}
		c.redis = rds
		c.Cache = storage.NewBreakerCacheStore(storage.NewRetryingCacheStore(rds, nil), nil)
	} else {
		c.Logger.Info("cache store disabled by configuration")
	}

	return nil
}

// buildEmbedder picks the embedding backend. Test mode swaps the
// OpenAI client for the deterministic hasher so nothing leaves the
// process; real mode caches recent embeddings in front of the API.
func (c *Container) buildEmbedder() embeddings.EmbeddingService {
	if c.Config.Features.TestMode {
		return embeddings.NewDeterministicEmbeddingService(c.Config.Database.VectorDimension)
	}
	openai := embeddings.NewOpenAIEmbeddingService(c.Config, c.Logger)
	return embeddings.NewCachedEmbeddingService(openai, c.Config.Performance.EmbeddingCacheSize)
}

func (c *Container) buildServices() error {
	cfg := c.Config

	chunker, err := chunking.NewChunker(cfg.Database.MaxChunkSize, cfg.Database.ChunkOverlap)
	if err != nil {
		return err
	}
	c.Chunker = chunker

	mem, err := memory.NewService(memory.Deps{
		Catalog:         c.Catalog,
		Vectors:         c.Vectors,
		Universal:       c.Universal,
		Graph:           c.Graph,
		Cache:           c.Cache,
		Chunker:         chunker,
		Embedder:        c.Embedder,
		StorageRouter:   routing.NewStorageRouter(),
		RetrievalRouter: routing.NewRetrievalRouter(),
		Coordinator:     coordinator.New(cfg.QueryTimeout(), c.Logger),
		CacheTTL:        cfg.CacheTTL(),
		Logger:          c.Logger,
	})
	if err != nil {
		return err
	}
	c.Memory = mem
	c.Search = search.NewService(c.Universal, c.Graph, c.Logger)
	return nil
}

// HealthCheck probes every wired backend concurrently and returns the
// first failure.
func (c *Container) HealthCheck(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Catalog.HealthCheck(ctx) })
	g.Go(func() error { return c.Vectors.HealthCheck(ctx) })
	g.Go(func() error { return c.Embedder.HealthCheck(ctx) })
	if c.Graph != nil {
		g.Go(func() error { return c.Graph.HealthCheck(ctx) })
	}
	if c.Cache != nil {
		g.Go(func() error { return c.Cache.HealthCheck(ctx) })
	}
	return g.Wait()
}

// BackendHealth probes each backend and reports its state: a nil error
// means healthy, a missing key means the backend is not wired.
func (c *Container) BackendHealth(ctx context.Context) map[types.Backend]error {
	var mu sync.Mutex
	health := make(map[types.Backend]error, 5)
	record := func(b types.Backend, err error) {
		mu.Lock()
		health[b] = err
		mu.Unlock()
	}

	var wg sync.WaitGroup
	probe := func(b types.Backend, check func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record(b, check(ctx))
		}()
	}
	probe(types.BackendRelational, c.Catalog.HealthCheck)
	probe(types.BackendVector, c.Vectors.HealthCheck)
	probe(types.BackendUniversal, c.Universal.HealthCheck)
	if c.Graph != nil {
		probe(types.BackendGraph, c.Graph.HealthCheck)
	}
	if c.Cache != nil {
		probe(types.BackendCache, c.Cache.HealthCheck)
	}
	wg.Wait()
	return health
}

// Shutdown releases every resource in reverse dependency order. The
// vector index flushes its dirty state to disk on close.
func (c *Container) Shutdown(ctx context.Context) error {
	var errs []error
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			errs = append(errs, err)
		}
		c.redis = nil
	}
	if c.neo4j != nil {
		if err := c.neo4j.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		c.neo4j = nil
	}
	if c.Vectors != nil {
		if err := c.Vectors.Close(); err != nil {
			errs = append(errs, err)
		}
		c.Vectors = nil
	}
	if c.Catalog != nil {
		if err := c.Catalog.Close(); err != nil {
			errs = append(errs, err)
		}
		c.Catalog = nil
	}
	return errors.Join(errs...)
}
