package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ltmcerrors "ltmc/internal/errors"
	"ltmc/pkg/types"
)

// journal records apply/compensate calls in order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) record(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func okStep(j *journal, backend types.Backend, name string, required bool) Step {
	return Step{
		Backend:  backend,
		Name:     name,
		Required: required,
		Apply: func(ctx context.Context) error {
			j.record("apply:" + name)
			return nil
		},
		Compensate: func(ctx context.Context) error {
			j.record("undo:" + name)
			return nil
		},
	}
}

func failStep(j *journal, backend types.Backend, name string, required bool, err error) Step {
	return Step{
		Backend:  backend,
		Name:     name,
		Required: required,
		Apply: func(ctx context.Context) error {
			j.record("apply:" + name)
			return err
		},
	}
}

func TestCommit_AllStepsSucceed(t *testing.T) {
	j := &journal{}
	c := New(0, nil)

	tx := c.Begin()
	tx.Enqueue(okStep(j, types.BackendRelational, "rs", true))
	tx.Enqueue(okStep(j, types.BackendVector, "vi", false))
	tx.Enqueue(okStep(j, types.BackendCache, "cs", false))

	result, err := tx.Commit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"apply:rs", "apply:vi", "apply:cs"}, j.list())
	assert.Equal(t,
		[]types.Backend{types.BackendRelational, types.BackendVector, types.BackendCache},
		result.AffectedBackends)
	assert.Empty(t, result.FallbackReasons)
	assert.NotEmpty(t, result.TransactionID)
	for _, b := range result.AffectedBackends {
		assert.True(t, result.PerBackendResults[b].Success)
	}
}

func TestCommit_RequiredFailureRollsBack(t *testing.T) {
	j := &journal{}
	c := New(0, nil)
	boom := errors.New("disk full")

	tx := c.Begin()
	tx.Enqueue(okStep(j, types.BackendRelational, "rs", true))
	tx.Enqueue(failStep(j, types.BackendVector, "vi", true, boom))
	tx.Enqueue(okStep(j, types.BackendCache, "cs", false))

	result, err := tx.Commit(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	// The later cache step never ran; the committed catalog step was undone.
	assert.Equal(t, []string{"apply:rs", "apply:vi", "undo:rs"}, j.list())
	assert.Empty(t, result.AffectedBackends)
	assert.False(t, result.PerBackendResults[types.BackendRelational].Success)
	assert.Equal(t, "rolled back", result.PerBackendResults[types.BackendRelational].Error)
	assert.False(t, result.PerBackendResults[types.BackendVector].Success)
}

func TestCommit_NonRequiredFailureContinues(t *testing.T) {
	j := &journal{}
	c := New(0, nil)
	down := ltmcerrors.NewBackendUnavailable(types.BackendGraph, errors.New("connection refused"))

	tx := c.Begin()
	tx.Enqueue(okStep(j, types.BackendRelational, "rs", true))
	tx.Enqueue(failStep(j, types.BackendGraph, "gs", false, down))
	tx.Enqueue(okStep(j, types.BackendCache, "cs", false))

	result, err := tx.Commit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"apply:rs", "apply:gs", "apply:cs"}, j.list())
	assert.Equal(t,
		[]types.Backend{types.BackendRelational, types.BackendCache},
		result.AffectedBackends)
	assert.False(t, result.Committed(types.BackendGraph))
	require.Contains(t, result.FallbackReasons, types.BackendGraph)
	assert.Contains(t, result.FallbackReasons[types.BackendGraph], "connection refused")
	assert.False(t, result.PerBackendResults[types.BackendGraph].Success)
}

func TestCommit_CompensationRunsInReverse(t *testing.T) {
	j := &journal{}
	c := New(0, nil)

	tx := c.Begin()
	tx.Enqueue(okStep(j, types.BackendRelational, "rs", true))
	tx.Enqueue(okStep(j, types.BackendVector, "vi", true))
	tx.Enqueue(okStep(j, types.BackendUniversal, "uil", true))
	tx.Enqueue(failStep(j, types.BackendGraph, "gs", true, errors.New("boom")))

	_, err := tx.Commit(context.Background())
	require.Error(t, err)

	assert.Equal(t, []string{
		"apply:rs", "apply:vi", "apply:uil", "apply:gs",
		"undo:uil", "undo:vi", "undo:rs",
	}, j.list())
}

func TestCommit_CompensationErrorsAreBestEffort(t *testing.T) {
	j := &journal{}
	c := New(0, nil)

	brokenUndo := Step{
		Backend:  types.BackendVector,
		Name:     "vi",
		Required: true,
		Apply: func(ctx context.Context) error {
			j.record("apply:vi")
			return nil
		},
		Compensate: func(ctx context.Context) error {
			j.record("undo:vi")
			return errors.New("index busy")
		},
	}

	tx := c.Begin()
	tx.Enqueue(okStep(j, types.BackendRelational, "rs", true))
	tx.Enqueue(brokenUndo)
	tx.Enqueue(failStep(j, types.BackendGraph, "gs", true, errors.New("boom")))

	result, err := tx.Commit(context.Background())
	require.Error(t, err)

	// The failing vi compensation does not stop the rs compensation.
	assert.Equal(t, []string{"apply:rs", "apply:vi", "apply:gs", "undo:vi", "undo:rs"}, j.list())
	assert.Contains(t, result.PerBackendResults[types.BackendVector].Error, "index busy")
	assert.Equal(t, "rolled back", result.PerBackendResults[types.BackendRelational].Error)
}

func TestCommit_StepTimeout(t *testing.T) {
	j := &journal{}
	c := New(20*time.Millisecond, nil)

	slow := Step{
		Backend:  types.BackendGraph,
		Name:     "create relationship",
		Required: true,
		Apply: func(ctx context.Context) error {
			select {
			case <-time.After(500 * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}

	tx := c.Begin()
	tx.Enqueue(okStep(j, types.BackendRelational, "rs", true))
	tx.Enqueue(slow)

	result, err := tx.Commit(context.Background())
	require.Error(t, err)
	assert.True(t, ltmcerrors.IsKind(err, ltmcerrors.KindTimeout))
	assert.Empty(t, result.AffectedBackends)
	assert.Equal(t, []string{"apply:rs", "undo:rs"}, j.list())
}

func TestCommit_Twice(t *testing.T) {
	c := New(0, nil)

	tx := c.Begin()
	tx.Enqueue(okStep(&journal{}, types.BackendRelational, "rs", true))

	_, err := tx.Commit(context.Background())
	require.NoError(t, err)

	_, err = tx.Commit(context.Background())
	require.Error(t, err)
	assert.True(t, ltmcerrors.IsKind(err, ltmcerrors.KindConflict))
}

func TestCommit_EmptyTransaction(t *testing.T) {
	c := New(0, nil)

	result, err := c.Begin().Commit(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.AffectedBackends)
	assert.Empty(t, result.PerBackendResults)
}

func TestCommit_DuplicateBackendCountedOnce(t *testing.T) {
	j := &journal{}
	c := New(0, nil)

	tx := c.Begin()
	tx.Enqueue(okStep(j, types.BackendRelational, "resource row", true))
	tx.Enqueue(okStep(j, types.BackendRelational, "chunk rows", true))

	result, err := tx.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.Backend{types.BackendRelational}, result.AffectedBackends)
}

func TestTransactions_RunIndependently(t *testing.T) {
	c := New(0, nil)

	var wg sync.WaitGroup
	ids := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j := &journal{}
			tx := c.Begin()
			tx.Enqueue(okStep(j, types.BackendRelational, "rs", true))
			tx.Enqueue(okStep(j, types.BackendCache, "cs", false))
			result, err := tx.Commit(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			ids <- result.TransactionID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "transaction id reused: %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, 20)
}
