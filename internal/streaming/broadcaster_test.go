package streaming

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	v1 "github.com/kandev/agentcoord/pkg/api/v1"
)

func TestSubscribeReceivesOnlyItsSession(t *testing.T) {
	b := NewBroadcaster(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	subA := b.Subscribe("a", "ses_a")
	defer subA.Close()
	subB := b.Subscribe("b", "ses_b")
	defer subB.Close()

	time.Sleep(10 * time.Millisecond) // let registration land before publishing
	b.Publish(v1.SessionEvent{SessionID: "ses_a", EventType: "message"})

	select {
	case ev := <-subA.Events:
		if ev.SessionID != "ses_a" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session-scoped event")
	}

	select {
	case ev := <-subB.Events:
		t.Fatalf("subscriber for a different session should not receive this event, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEveryEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	subAll := b.Subscribe("all", "")
	defer subAll.Close()

	time.Sleep(10 * time.Millisecond)
	b.Publish(v1.SessionEvent{SessionID: "ses_x", EventType: "message"})

	select {
	case ev := <-subAll.Events:
		if ev.SessionID != "ses_x" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for admin-stream event")
	}
}

func TestServeSSEStopsWhenRequestContextCanceled(t *testing.T) {
	b := NewBroadcaster(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	sub := b.Subscribe("c", "ses_c")
	defer sub.Close()

	reqCtx, reqCancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/sse/sessions?session_id=ses_c", nil).WithContext(reqCtx)
	rec := httptest.NewRecorder()

	done := make(chan error, 1)
	go func() {
		done <- ServeSSE(rec, req, sub)
	}()

	reqCancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error from ServeSSE: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ServeSSE did not return after request context was canceled")
	}
}
