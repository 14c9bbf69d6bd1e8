// Package runqueue implements the coordinator's in-memory run queue: the
// ephemeral table of non-terminal runs, atomic first-match claim, and
// the demand-driven signaling that wakes polling runners. Deliberately
// not persisted — the session store is the source of truth for "what
// happened"; this table is the source of truth for "what is happening
// now".
package runqueue

import (
	"sort"
	"sync"
	"time"

	"github.com/kandev/agentcoord/internal/common/apperrors"
	"github.com/kandev/agentcoord/internal/demand"
	v1 "github.com/kandev/agentcoord/pkg/api/v1"
)

// Signaler is the subset of the runner registry the queue needs to wake
// runners on enqueue. Expressed as an interface so this package never
// imports internal/runner.
type Signaler interface {
	Satisfiers(demands v1.Demands) []string
	Signal(runnerID string)
}

// Queue holds all non-terminal runs, keyed by run_id, plus a secondary
// index by session_id enforcing the single-active-run invariant.
type Queue struct {
	mu        sync.Mutex
	runs      map[string]*v1.Run
	bySession map[string]string // session_id -> run_id, only while non-terminal

	signaler   Signaler
	noMatchTTL time.Duration
}

// New creates an empty run queue.
func New(signaler Signaler, noMatchTTL time.Duration) *Queue {
	return &Queue{
		runs:       make(map[string]*v1.Run),
		bySession:  make(map[string]string),
		signaler:   signaler,
		noMatchTTL: noMatchTTL,
	}
}

// Enqueue adds run in status pending. Rejects if the run's session
// already has an active (non-terminal) run. Signals every runner whose
// registered identity/tags satisfy the run's demands.
func (q *Queue) Enqueue(run *v1.Run) error {
	q.mu.Lock()
	if _, ok := q.bySession[run.SessionID]; ok {
		q.mu.Unlock()
		return apperrors.ActiveRunExists(run.SessionID)
	}

	run.Status = v1.RunStatusPending
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.TimeoutAt = run.CreatedAt.Add(q.noMatchTTL)

	q.runs[run.RunID] = run
	q.bySession[run.SessionID] = run.RunID
	q.mu.Unlock()

	if q.signaler != nil {
		for _, runnerID := range q.signaler.Satisfiers(run.Demands) {
			q.signaler.Signal(runnerID)
		}
	}
	return nil
}

// ClaimOne returns the first pending run (FIFO by created_at, tie-broken
// by run_id) that view satisfies, atomically flipping it to claimed. If
// no run matches, returns (nil, false) immediately — callers pair this
// with a wait on the runner's signal.
func (q *Queue) ClaimOne(runnerID string, view demand.RunnerView) (*v1.Run, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	candidates := make([]*v1.Run, 0, len(q.runs))
	for _, run := range q.runs {
		if run.Status == v1.RunStatusPending && demand.Satisfies(view, run.Demands) {
			candidates = append(candidates, run)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].RunID < candidates[j].RunID
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	claimed := candidates[0]
	now := time.Now().UTC()
	claimed.Status = v1.RunStatusClaimed
	claimed.RunnerID = &runnerID
	claimed.ClaimedAt = &now
	return claimed, true
}

// ReportStarted moves a run from claimed to running. Rejects if the run
// is not held in claimed by runnerID.
func (q *Queue) ReportStarted(runID, runnerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	run, ok := q.runs[runID]
	if !ok {
		return apperrors.NotFound("run", runID)
	}
	if run.Status != v1.RunStatusClaimed || run.RunnerID == nil || *run.RunnerID != runnerID {
		return apperrors.Conflict("run is not claimed by this runner")
	}

	now := time.Now().UTC()
	run.Status = v1.RunStatusRunning
	run.StartedAt = &now
	return nil
}

// ReportCompleted performs the terminal transition for a run. Returns a
// copy of the finished run so the caller can update the session store
// and notify the callback processor outside this lock.
func (q *Queue) ReportCompleted(runID, runnerID string, status v1.RunStatus, errMsg *string) (v1.Run, error) {
	if !status.IsTerminal() {
		return v1.Run{}, apperrors.ValidationError("status", "completion status must be terminal")
	}

	q.mu.Lock()
	run, ok := q.runs[runID]
	if !ok {
		q.mu.Unlock()
		return v1.Run{}, apperrors.NotFound("run", runID)
	}
	if run.RunnerID == nil || *run.RunnerID != runnerID {
		q.mu.Unlock()
		return v1.Run{}, apperrors.Conflict("run is not held by this runner")
	}

	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now
	run.Error = errMsg

	delete(q.bySession, run.SessionID)
	finished := *run
	delete(q.runs, runID)
	q.mu.Unlock()

	return finished, nil
}

// RequestStop moves a running run to stopping and returns it so the
// caller can enqueue a stop command on the owning runner.
func (q *Queue) RequestStop(runID string) (v1.Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	run, ok := q.runs[runID]
	if !ok {
		return v1.Run{}, apperrors.NotFound("run", runID)
	}
	if run.Status != v1.RunStatusRunning {
		return v1.Run{}, apperrors.Conflict("run is not running")
	}
	run.Status = v1.RunStatusStopping
	return *run, nil
}

// ForceStopped marks run stopped via the safety net after the stop grace
// window elapses without the runner reporting back.
func (q *Queue) ForceStopped(runID string) (v1.Run, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	run, ok := q.runs[runID]
	if !ok || run.Status != v1.RunStatusStopping {
		return v1.Run{}, false
	}
	now := time.Now().UTC()
	run.Status = v1.RunStatusStopped
	run.CompletedAt = &now
	delete(q.bySession, run.SessionID)
	finished := *run
	delete(q.runs, runID)
	return finished, true
}

// GetBySession returns the active (non-terminal) run for a session, if any.
func (q *Queue) GetBySession(sessionID string) (v1.Run, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	runID, ok := q.bySession[sessionID]
	if !ok {
		return v1.Run{}, false
	}
	return *q.runs[runID], true
}

// IsIdle reports whether sessionID currently has no non-terminal run.
// Used by the callback processor to decide whether a parent can receive
// a resume run immediately or must wait for its active run to finish.
func (q *Queue) IsIdle(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.bySession[sessionID]
	return !ok
}

// Get returns a run by id regardless of status.
func (q *Queue) Get(runID string) (v1.Run, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	run, ok := q.runs[runID]
	if !ok {
		return v1.Run{}, false
	}
	return *run, true
}

// List returns a snapshot of every non-terminal run, used by the admin
// inspection endpoint.
func (q *Queue) List() []v1.Run {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]v1.Run, 0, len(q.runs))
	for _, run := range q.runs {
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SweepNoMatch flips any run still pending past its timeout_at to failed
// with error kind NoMatchingRunner, returning the newly-failed runs so
// the caller can update their sessions.
func (q *Queue) SweepNoMatch(now time.Time) []v1.Run {
	q.mu.Lock()
	var expired []*v1.Run
	for _, run := range q.runs {
		if run.Status == v1.RunStatusPending && !now.Before(run.TimeoutAt) {
			run.Status = v1.RunStatusFailed
			msg := apperrors.NoMatchingRunner(run.RunID).Error()
			run.Error = &msg
			completedAt := now
			run.CompletedAt = &completedAt
			expired = append(expired, run)
		}
	}

	out := make([]v1.Run, 0, len(expired))
	for _, run := range expired {
		delete(q.bySession, run.SessionID)
		delete(q.runs, run.RunID)
		out = append(out, *run)
	}
	q.mu.Unlock()
	return out
}

// FailHeldByRunner transitions every claimed/running run held by
// runnerID to failed with error kind RunnerLost. Invoked when the
// registry removes that runner's record.
func (q *Queue) FailHeldByRunner(runnerID string) []v1.Run {
	q.mu.Lock()
	var lost []*v1.Run
	for _, run := range q.runs {
		if run.RunnerID == nil || *run.RunnerID != runnerID {
			continue
		}
		if run.Status != v1.RunStatusClaimed && run.Status != v1.RunStatusRunning && run.Status != v1.RunStatusStopping {
			continue
		}
		run.Status = v1.RunStatusFailed
		msg := apperrors.RunnerLost(run.RunID, runnerID).Error()
		run.Error = &msg
		now := time.Now().UTC()
		run.CompletedAt = &now
		lost = append(lost, run)
	}

	out := make([]v1.Run, 0, len(lost))
	for _, run := range lost {
		delete(q.bySession, run.SessionID)
		delete(q.runs, run.RunID)
		out = append(out, *run)
	}
	q.mu.Unlock()
	return out
}

// NextTimeout returns the soonest timeout_at among pending runs, used by
// the sweeper goroutine to pick its next wakeup instead of busy-polling.
func (q *Queue) NextTimeout() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var soonest time.Time
	found := false
	for _, run := range q.runs {
		if run.Status != v1.RunStatusPending {
			continue
		}
		if !found || run.TimeoutAt.Before(soonest) {
			soonest = run.TimeoutAt
			found = true
		}
	}
	return soonest, found
}
