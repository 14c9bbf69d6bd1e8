package runqueue

import (
	"testing"
	"time"

	"github.com/kandev/agentcoord/internal/demand"
	"github.com/kandev/agentcoord/internal/identity"
	v1 "github.com/kandev/agentcoord/pkg/api/v1"
)

type fakeSignaler struct {
	signaled []string
	runners  map[string]demand.RunnerView
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{runners: make(map[string]demand.RunnerView)}
}

func (f *fakeSignaler) Satisfiers(demands v1.Demands) []string {
	var out []string
	for id, view := range f.runners {
		if demand.Satisfies(view, demands) {
			out = append(out, id)
		}
	}
	return out
}

func (f *fakeSignaler) Signal(runnerID string) {
	f.signaled = append(f.signaled, runnerID)
}

func newRun(sessionID string, demands v1.Demands) *v1.Run {
	return &v1.Run{
		RunID:     identity.NewRunID(),
		SessionID: sessionID,
		Type:      v1.RunTypeStartSession,
		Demands:   demands,
		CreatedAt: time.Now().UTC(),
	}
}

func TestEnqueueRejectsSecondActiveRun(t *testing.T) {
	q := New(newFakeSignaler(), time.Minute)

	if err := q.Enqueue(newRun("ses_1", v1.Demands{})); err != nil {
		t.Fatalf("unexpected error on first enqueue: %v", err)
	}
	if err := q.Enqueue(newRun("ses_1", v1.Demands{})); err == nil {
		t.Fatalf("expected ActiveRunExists for second enqueue on same session")
	}
}

func TestClaimOneFIFOOrder(t *testing.T) {
	q := New(newFakeSignaler(), time.Minute)

	r1 := newRun("ses_1", v1.Demands{})
	r2 := newRun("ses_2", v1.Demands{})
	r2.CreatedAt = r1.CreatedAt.Add(time.Millisecond)

	if err := q.Enqueue(r1); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(r2); err != nil {
		t.Fatal(err)
	}

	claimed, ok := q.ClaimOne("runner-1", demand.RunnerView{})
	if !ok || claimed.RunID != r1.RunID {
		t.Fatalf("expected first-enqueued run to be claimed first, got %+v", claimed)
	}
}

func TestClaimOneRespectsDemands(t *testing.T) {
	q := New(newFakeSignaler(), time.Minute)

	gpuOnly := newRun("ses_1", v1.Demands{Tags: []string{"gpu"}})
	if err := q.Enqueue(gpuOnly); err != nil {
		t.Fatal(err)
	}

	if _, ok := q.ClaimOne("no-gpu", demand.RunnerView{Tags: []string{"python"}}); ok {
		t.Fatalf("runner without gpu tag should not claim a gpu-demanding run")
	}
	claimed, ok := q.ClaimOne("has-gpu", demand.RunnerView{Tags: []string{"gpu"}})
	if !ok || claimed.RunID != gpuOnly.RunID {
		t.Fatalf("expected gpu runner to claim the run")
	}
}

func TestAtomicClaimOnlyOneWinner(t *testing.T) {
	q := New(newFakeSignaler(), time.Minute)
	run := newRun("ses_1", v1.Demands{})
	if err := q.Enqueue(run); err != nil {
		t.Fatal(err)
	}

	type result struct {
		run *v1.Run
		ok  bool
	}
	results := make(chan result, 8)
	for i := 0; i < 8; i++ {
		go func(n int) {
			r, ok := q.ClaimOne("runner", demand.RunnerView{})
			results <- result{r, ok}
		}(i)
	}

	wins := 0
	for i := 0; i < 8; i++ {
		res := <-results
		if res.ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner among concurrent claimants, got %d", wins)
	}
}

func TestReportCompletedFreesSessionSlot(t *testing.T) {
	q := New(newFakeSignaler(), time.Minute)
	run := newRun("ses_1", v1.Demands{})
	if err := q.Enqueue(run); err != nil {
		t.Fatal(err)
	}
	claimed, _ := q.ClaimOne("runner-1", demand.RunnerView{})
	if err := q.ReportStarted(claimed.RunID, "runner-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.ReportCompleted(claimed.RunID, "runner-1", v1.RunStatusCompleted, nil); err != nil {
		t.Fatal(err)
	}

	if err := q.Enqueue(newRun("ses_1", v1.Demands{})); err != nil {
		t.Fatalf("expected a new run to be enqueueable after completion, got %v", err)
	}
}

func TestSweepNoMatchExpiresPendingRuns(t *testing.T) {
	q := New(newFakeSignaler(), time.Millisecond)
	run := newRun("ses_1", v1.Demands{})
	if err := q.Enqueue(run); err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	expired := q.SweepNoMatch(time.Now().UTC())
	if len(expired) != 1 || expired[0].RunID != run.RunID {
		t.Fatalf("expected run to expire, got %+v", expired)
	}
	if expired[0].Status != v1.RunStatusFailed {
		t.Fatalf("expected failed status, got %v", expired[0].Status)
	}
}
