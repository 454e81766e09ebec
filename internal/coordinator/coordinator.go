// Package coordinator executes multi-backend writes with compensation
// semantics. A transaction collects ordered steps, each pairing an
// apply with its inverse; commit runs the steps in order and, when a
// required step fails, unwinds the already-committed ones in reverse.
//
// The reported result never claims success for a backend that did not
// commit: AffectedBackends is exactly the committed set, and every
// prescribed backend missing from it carries a fallback reason.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	ltmcerrors "ltmc/internal/errors"
	"ltmc/internal/logging"
	"ltmc/pkg/types"
)

// Step is one backend operation inside a transaction.
type Step struct {
	// Backend names the store this step writes to.
	Backend types.Backend
	// Name describes the operation for logs and error messages.
	Name string
	// Required marks steps whose failure aborts the transaction.
	Required bool
	// Apply performs the write.
	Apply func(ctx context.Context) error
	// Compensate undoes a successful Apply. Nil means the step needs
	// no inverse (idempotent overwrite, cache set).
	Compensate func(ctx context.Context) error
}

// Coordinator builds transactions. Independent transactions run
// concurrently; the coordinator holds no cross-transaction state.
type Coordinator struct {
	stepTimeout time.Duration
	log         *logging.Logger
}

// New returns a coordinator applying the given per-step deadline.
// A zero timeout disables per-step deadlines.
func New(stepTimeout time.Duration, log *logging.Logger) *Coordinator {
	if log == nil {
		log = logging.NewNop()
	}
	return &Coordinator{
		stepTimeout: stepTimeout,
		log:         log.WithComponent("coordinator"),
	}
}

// Transaction is an ordered list of steps pending commit. Not safe for
// concurrent use; each caller builds and commits its own.
type Transaction struct {
	id        string
	steps     []Step
	coord     *Coordinator
	committed bool
}

// Begin opens a new transaction.
func (c *Coordinator) Begin() *Transaction {
	return &Transaction{
		id:    uuid.New().String(),
		coord: c,
	}
}

// ID returns the transaction id.
func (t *Transaction) ID() string { return t.id }

// Enqueue appends a step. Steps run in enqueue order.
func (t *Transaction) Enqueue(step Step) {
	t.steps = append(t.steps, step)
}

// committedStep pairs a completed apply with its inverse for the
// compensation stack.
type committedStep struct {
	backend    types.Backend
	name       string
	compensate func(ctx context.Context) error
}

// Commit executes the steps in order. Every successful step pushes its
// compensation; a required step failing pops and runs the stack in
// reverse, best-effort, then returns the step's error. Non-required
// failures are recorded as fallback reasons and execution continues.
func (t *Transaction) Commit(ctx context.Context) (*types.TransactionResult, error) {
	if t.committed {
		return nil, ltmcerrors.NewConflict("transaction already committed")
	}
	t.committed = true

	result := &types.TransactionResult{
		TransactionID:     t.id,
		PerBackendResults: make(map[types.Backend]types.BackendResult, len(t.steps)),
	}

	var stack []committedStep
	for _, step := range t.steps {
		start := time.Now()
		err := t.coord.runStep(ctx, step)
		elapsed := time.Since(start)

		if err != nil {
			result.PerBackendResults[step.Backend] = types.BackendResult{
				Backend:  step.Backend,
				Success:  false,
				Error:    err.Error(),
				Duration: elapsed,
			}
			if !step.Required {
				if result.FallbackReasons == nil {
					result.FallbackReasons = make(map[types.Backend]string)
				}
				result.FallbackReasons[step.Backend] = err.Error()
				t.coord.log.Warn("transaction step degraded",
					"transaction_id", t.id,
					"backend", string(step.Backend),
					"step", step.Name,
					"error", err.Error())
				continue
			}

			t.coord.log.Error("required transaction step failed, rolling back",
				"transaction_id", t.id,
				"backend", string(step.Backend),
				"step", step.Name,
				"committed", len(stack),
				"error", err.Error())
			t.rollback(ctx, stack, result)
			return result, err
		}

		result.PerBackendResults[step.Backend] = types.BackendResult{
			Backend:  step.Backend,
			Success:  true,
			Duration: elapsed,
		}
		if !result.Committed(step.Backend) {
			result.AffectedBackends = append(result.AffectedBackends, step.Backend)
		}
		if step.Compensate != nil {
			stack = append(stack, committedStep{
				backend:    step.Backend,
				name:       step.Name,
				compensate: step.Compensate,
			})
		}
	}
	return result, nil
}

// runStep applies a step under the per-step deadline, classifying a
// missed deadline as a timeout.
func (c *Coordinator) runStep(ctx context.Context, step Step) error {
	stepCtx := ctx
	if c.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, c.stepTimeout)
		defer cancel()
	}

	err := step.Apply(stepCtx)
	if err != nil && stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return ltmcerrors.NewTimeout(step.Backend, step.Name)
	}
	return err
}

// rollback runs the compensation stack in reverse, best-effort. A
// compensation that fails is logged and noted on the backend's result;
// the remaining compensations still run. Backends that were unwound no
// longer count as committed.
func (t *Transaction) rollback(ctx context.Context, stack []committedStep, result *types.TransactionResult) {
	// Compensations run even when the surrounding context is already
	// done; give them a fresh grace window in that case.
	compCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		compCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	for i := len(stack) - 1; i >= 0; i-- {
		cs := stack[i]
		prior := result.PerBackendResults[cs.backend]
		if err := cs.compensate(compCtx); err != nil {
			t.coord.log.Error("compensation failed",
				"transaction_id", t.id,
				"backend", string(cs.backend),
				"step", cs.name,
				"error", err.Error())
			prior.Error = fmt.Sprintf("rolled back with error: %v", err)
		} else {
			t.coord.log.Info("compensated step",
				"transaction_id", t.id,
				"backend", string(cs.backend),
				"step", cs.name)
			prior.Error = "rolled back"
		}
		prior.Success = false
		result.PerBackendResults[cs.backend] = prior
	}
	result.AffectedBackends = nil
	result.FallbackReasons = nil
}
