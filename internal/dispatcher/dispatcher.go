// Package dispatcher implements the coordinator's long-poll hot path: a
// runner blocks in HandlePoll until a matching run is claimed, a stop
// command is addressed to it, or max_wait elapses. The only suspension
// point is the wait on the runner's signal; the run-queue mutex is never
// held across it.
package dispatcher

import (
	"context"
	"time"

	"github.com/kandev/agentcoord/internal/common/apperrors"
	"github.com/kandev/agentcoord/internal/demand"
	v1 "github.com/kandev/agentcoord/pkg/api/v1"
)

// Registry is the subset of the runner registry the dispatcher needs.
type Registry interface {
	View(runnerID string) (demand.RunnerView, bool)
	Wait(ctx context.Context, runnerID string) bool
	PopStop(runnerID string) (string, bool)
}

// Queue is the subset of the run queue the dispatcher needs.
type Queue interface {
	ClaimOne(runnerID string, view demand.RunnerView) (*v1.Run, bool)
}

// Result is what a poll returns: exactly one of Run or StopRunID is set
// when Empty is false.
type Result struct {
	Run       *v1.Run
	StopRunID string
	Empty     bool
}

// Dispatcher implements the long-poll handler.
type Dispatcher struct {
	queue    Queue
	registry Registry
}

// New creates a Dispatcher over queue and registry.
func New(queue Queue, registry Registry) *Dispatcher {
	return &Dispatcher{queue: queue, registry: registry}
}

// HandlePoll blocks until a claimable run exists for runnerID, a stop
// command addressed to it is pending, or maxWait elapses.
func (d *Dispatcher) HandlePoll(ctx context.Context, runnerID string, maxWait time.Duration) (Result, error) {
	if _, ok := d.registry.View(runnerID); !ok {
		return Result{}, apperrors.NotFound("runner", runnerID)
	}

	deadline := time.Now().Add(maxWait)
	for {
		// Stop commands take priority over a new run on every poll.
		if runID, ok := d.registry.PopStop(runnerID); ok {
			return Result{StopRunID: runID}, nil
		}

		view, ok := d.registry.View(runnerID)
		if !ok {
			return Result{}, apperrors.NotFound("runner", runnerID)
		}
		if run, ok := d.queue.ClaimOne(runnerID, view); ok {
			return Result{Run: run}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Result{Empty: true}, nil
		}

		waitCtx, cancel := context.WithTimeout(ctx, remaining)
		d.registry.Wait(waitCtx, runnerID)
		cancel()

		if ctx.Err() != nil || !time.Now().Before(deadline) {
			return Result{Empty: true}, nil
		}
	}
}
