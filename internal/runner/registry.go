// Package runner implements the runner registry (deterministic identity,
// heartbeat-based liveness) and the per-runner wake-signal/stop-command
// primitive the dispatcher's long-poll handler blocks on.
package runner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kandev/agentcoord/internal/common/apperrors"
	"github.com/kandev/agentcoord/internal/demand"
	"github.com/kandev/agentcoord/internal/identity"
	v1 "github.com/kandev/agentcoord/pkg/api/v1"
)

// record is a runner's registry entry. Each runner owns its own lock
// covering its signal state and pending stop-command list, per the
// coordinator's one-lock-per-resource discipline.
type record struct {
	mu sync.Mutex

	runnerID        string
	hostname        string
	projectDir      string
	executorType    string
	tags            []string
	status          v1.RunnerStatus
	registeredAt    time.Time
	lastHeartbeatAt time.Time

	signal    *wakeSignal
	stopQueue []string // run_ids awaiting stop-command delivery
}

func (r *record) snapshot() v1.Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	return v1.Runner{
		RunnerID:        r.runnerID,
		Hostname:        r.hostname,
		ProjectDir:      r.projectDir,
		ExecutorType:    r.executorType,
		Tags:            append([]string{}, r.tags...),
		Status:          r.status,
		RegisteredAt:    r.registeredAt,
		LastHeartbeatAt: r.lastHeartbeatAt,
	}
}

func (r *record) view() demand.RunnerView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return demand.RunnerView{
		Hostname:     r.hostname,
		ProjectDir:   r.projectDir,
		ExecutorType: r.executorType,
		Tags:         r.tags,
	}
}

// RemovedFunc is invoked with the runner_id of each record removed by the
// lifecycle sweeper, so the caller can look up the runs it was holding
// and surface them as failed with RunnerLost.
type RemovedFunc func(runnerID string)

// Registry holds all known runners keyed by their derived runner_id.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record
}

// NewRegistry creates an empty runner registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*record)}
}

// Register upserts a runner by its derived identity tuple. Whether this
// was a first registration or a reconnection, it fires the runner's wake
// signal so a waiting poll re-scans the queue for now-matching pending runs.
func (reg *Registry) Register(hostname, projectDir, executorType string, tags []string) string {
	runnerID := identity.DeriveRunnerID(hostname, projectDir, executorType)
	now := time.Now().UTC()

	reg.mu.Lock()
	rec, exists := reg.records[runnerID]
	if !exists {
		rec = &record{
			runnerID:     runnerID,
			registeredAt: now,
			signal:       newWakeSignal(),
		}
		reg.records[runnerID] = rec
	}
	reg.mu.Unlock()

	rec.mu.Lock()
	rec.hostname = hostname
	rec.projectDir = projectDir
	rec.executorType = executorType
	rec.tags = tags
	rec.status = v1.RunnerStatusOnline
	rec.lastHeartbeatAt = now
	rec.mu.Unlock()

	rec.signal.Fire()
	return runnerID
}

// Heartbeat refreshes a runner's liveness timestamp and flips it back
// online if it had gone stale.
func (reg *Registry) Heartbeat(runnerID string) error {
	reg.mu.RLock()
	rec, ok := reg.records[runnerID]
	reg.mu.RUnlock()
	if !ok {
		return apperrors.NotFound("runner", runnerID)
	}

	rec.mu.Lock()
	rec.lastHeartbeatAt = time.Now().UTC()
	rec.status = v1.RunnerStatusOnline
	rec.mu.Unlock()
	return nil
}

// Get returns a runner's current snapshot.
func (reg *Registry) Get(runnerID string) (v1.Runner, bool) {
	reg.mu.RLock()
	rec, ok := reg.records[runnerID]
	reg.mu.RUnlock()
	if !ok {
		return v1.Runner{}, false
	}
	return rec.snapshot(), true
}

// View returns the demand-matching view of a registered runner.
func (reg *Registry) View(runnerID string) (demand.RunnerView, bool) {
	reg.mu.RLock()
	rec, ok := reg.records[runnerID]
	reg.mu.RUnlock()
	if !ok {
		return demand.RunnerView{}, false
	}
	return rec.view(), true
}

// List returns every known runner, ordered by runner_id for deterministic
// output.
func (reg *Registry) List() []v1.Runner {
	reg.mu.RLock()
	recs := make([]*record, 0, len(reg.records))
	for _, rec := range reg.records {
		recs = append(recs, rec)
	}
	reg.mu.RUnlock()

	out := make([]v1.Runner, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunnerID < out[j].RunnerID })
	return out
}

// Satisfiers returns the ids of registered runners whose identity tuple
// and tags satisfy demands, used to decide which signals to fire on
// enqueue.
func (reg *Registry) Satisfiers(demands v1.Demands) []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var ids []string
	for id, rec := range reg.records {
		if demand.Satisfies(rec.view(), demands) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Signal fires the wake primitive for a single runner, if known.
func (reg *Registry) Signal(runnerID string) {
	reg.mu.RLock()
	rec, ok := reg.records[runnerID]
	reg.mu.RUnlock()
	if ok {
		rec.signal.Fire()
	}
}

// Wait blocks until the runner's signal fires or ctx is done. Returns
// false if ctx expired first. The run-queue mutex must never be held
// across this call.
func (reg *Registry) Wait(ctx context.Context, runnerID string) bool {
	reg.mu.RLock()
	rec, ok := reg.records[runnerID]
	reg.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case <-rec.signal.C():
		return true
	case <-ctx.Done():
		return false
	}
}

// EnqueueStop appends a stop command for runID addressed to runnerID and
// fires its wake signal so the next poll observes it with minimal
// latency.
func (reg *Registry) EnqueueStop(runnerID, runID string) bool {
	reg.mu.RLock()
	rec, ok := reg.records[runnerID]
	reg.mu.RUnlock()
	if !ok {
		return false
	}

	rec.mu.Lock()
	rec.stopQueue = append(rec.stopQueue, runID)
	rec.mu.Unlock()

	rec.signal.Fire()
	return true
}

// PopStop returns and removes the oldest pending stop command addressed
// to runnerID, if any. The dispatcher checks this before claiming a
// normal run so stop commands take priority on the next poll.
func (reg *Registry) PopStop(runnerID string) (string, bool) {
	reg.mu.RLock()
	rec, ok := reg.records[runnerID]
	reg.mu.RUnlock()
	if !ok {
		return "", false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.stopQueue) == 0 {
		return "", false
	}
	runID := rec.stopQueue[0]
	rec.stopQueue = rec.stopQueue[1:]
	return runID, true
}

// Sweep walks every runner: flips online->stale past staleAfter without a
// heartbeat, and removes the record entirely past removeAfter. onRemoved
// is invoked (outside any lock) for every removed runner.
func (reg *Registry) Sweep(now time.Time, staleAfter, removeAfter time.Duration, onRemoved RemovedFunc) {
	reg.mu.Lock()
	var removed []string
	for id, rec := range reg.records {
		rec.mu.Lock()
		age := now.Sub(rec.lastHeartbeatAt)
		switch {
		case age >= removeAfter:
			removed = append(removed, id)
		case age >= staleAfter:
			rec.status = v1.RunnerStatusStale
		}
		rec.mu.Unlock()
	}
	for _, id := range removed {
		delete(reg.records, id)
	}
	reg.mu.Unlock()

	if onRemoved != nil {
		for _, id := range removed {
			onRemoved(id)
		}
	}
}
