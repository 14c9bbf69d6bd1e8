package runner

import (
	"context"
	"testing"
	"time"

	v1 "github.com/kandev/agentcoord/pkg/api/v1"
)

func TestRegisterIsDeterministicUpsert(t *testing.T) {
	reg := NewRegistry()

	id1 := reg.Register("A", "/x", "claude-code", []string{"python"})
	id2 := reg.Register("A", "/x", "claude-code", []string{"python", "gpu"})

	if id1 != id2 {
		t.Fatalf("expected same runner_id across re-registration, got %q and %q", id1, id2)
	}
	if len(reg.List()) != 1 {
		t.Fatalf("expected exactly one registry row, got %d", len(reg.List()))
	}

	got, ok := reg.Get(id1)
	if !ok {
		t.Fatalf("expected to find registered runner")
	}
	if len(got.Tags) != 2 {
		t.Fatalf("expected re-register to update tags, got %v", got.Tags)
	}
}

func TestSignalWaitWakeup(t *testing.T) {
	reg := NewRegistry()
	id := reg.Register("A", "/x", "claude-code", nil)

	// Drain the registration-time fire so we can observe a fresh one.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	reg.Wait(ctx, id)
	cancel()

	done := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- reg.Wait(ctx, id)
	}()

	time.Sleep(20 * time.Millisecond)
	reg.Signal(id)

	if !<-done {
		t.Fatalf("expected Wait to observe the fired signal before its deadline")
	}
}

func TestStopQueueFIFO(t *testing.T) {
	reg := NewRegistry()
	id := reg.Register("A", "/x", "claude-code", nil)

	reg.EnqueueStop(id, "run_1")
	reg.EnqueueStop(id, "run_2")

	got, ok := reg.PopStop(id)
	if !ok || got != "run_1" {
		t.Fatalf("expected run_1 first, got %q ok=%v", got, ok)
	}
	got, ok = reg.PopStop(id)
	if !ok || got != "run_2" {
		t.Fatalf("expected run_2 second, got %q ok=%v", got, ok)
	}
	if _, ok := reg.PopStop(id); ok {
		t.Fatalf("expected stop queue to be drained")
	}
}

func TestSweepStaleThenRemoved(t *testing.T) {
	reg := NewRegistry()
	id := reg.Register("A", "/x", "claude-code", nil)

	base := time.Now().UTC()
	reg.Sweep(base.Add(3*time.Minute), 2*time.Minute, 10*time.Minute, nil)

	got, ok := reg.Get(id)
	if !ok || got.Status != v1.RunnerStatusStale {
		t.Fatalf("expected runner to go stale, got %+v ok=%v", got, ok)
	}

	var removedIDs []string
	reg.Sweep(base.Add(11*time.Minute), 2*time.Minute, 10*time.Minute, func(rid string) {
		removedIDs = append(removedIDs, rid)
	})

	if _, ok := reg.Get(id); ok {
		t.Fatalf("expected runner record to be removed")
	}
	if len(removedIDs) != 1 || removedIDs[0] != id {
		t.Fatalf("expected removal callback for %q, got %v", id, removedIDs)
	}
}

func TestSatisfiersFiltersByDemands(t *testing.T) {
	reg := NewRegistry()
	r1 := reg.Register("A", "/x", "claude-code", []string{"python"})
	reg.Register("B", "/y", "claude-code", []string{"gpu"})

	ids := reg.Satisfiers(v1.Demands{Tags: []string{"python"}})
	if len(ids) != 1 || ids[0] != r1 {
		t.Fatalf("expected only %q to satisfy, got %v", r1, ids)
	}
}
