// Package streaming fans session events out to in-process subscribers,
// typically SSE handlers on the HTTP surface. The coordinator makes no
// network calls of its own here; it only distributes what session.Store
// already persisted.
package streaming

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentcoord/internal/common/logger"
	v1 "github.com/kandev/agentcoord/pkg/api/v1"
)

// subscriber is one registered listener. sessionID is empty for a
// subscriber interested in every session (the admin/all stream).
type subscriber struct {
	id        string
	sessionID string
	ch        chan v1.SessionEvent
}

// Broadcaster distributes SessionEvents to per-session and all-session
// subscribers. Registration/unregistration/broadcast all funnel through
// a single goroutine's channel-select loop; that loop is the only writer
// of the subscriber maps.
type Broadcaster struct {
	clients    map[*subscriber]bool
	bySession  map[string]map[*subscriber]bool
	register   chan *subscriber
	unregister chan *subscriber
	broadcast  chan v1.SessionEvent

	mu     sync.RWMutex // guards the maps so SubscriberCount can read them outside the loop
	logger *logger.Logger
}

// NewBroadcaster creates a Broadcaster. Call Run in its own goroutine to
// start the distribution loop.
func NewBroadcaster(log *logger.Logger) *Broadcaster {
	if log == nil {
		log = logger.Default()
	}
	return &Broadcaster{
		clients:    make(map[*subscriber]bool),
		bySession:  make(map[string]map[*subscriber]bool),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		broadcast:  make(chan v1.SessionEvent, 256),
		logger:     log.WithFields(zap.String("component", "streaming_broadcaster")),
	}
}

// Run processes registration, unregistration, and broadcast until ctx is
// canceled, at which point every subscriber channel is closed.
func (b *Broadcaster) Run(ctx context.Context) {
	b.logger.Info("streaming broadcaster started")
	defer b.logger.Info("streaming broadcaster stopped")

	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			for c := range b.clients {
				close(c.ch)
			}
			b.clients = make(map[*subscriber]bool)
			b.bySession = make(map[string]map[*subscriber]bool)
			b.mu.Unlock()
			return

		case c := <-b.register:
			b.mu.Lock()
			b.clients[c] = true
			if c.sessionID != "" {
				if b.bySession[c.sessionID] == nil {
					b.bySession[c.sessionID] = make(map[*subscriber]bool)
				}
				b.bySession[c.sessionID][c] = true
			}
			b.mu.Unlock()

		case c := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[c]; ok {
				delete(b.clients, c)
				close(c.ch)
				if c.sessionID != "" {
					if set, ok := b.bySession[c.sessionID]; ok {
						delete(set, c)
						if len(set) == 0 {
							delete(b.bySession, c.sessionID)
						}
					}
				}
			}
			b.mu.Unlock()

		case event := <-b.broadcast:
			b.mu.RLock()
			targets := make([]*subscriber, 0, len(b.clients))
			for c := range b.clients {
				if c.sessionID == "" || c.sessionID == event.SessionID {
					targets = append(targets, c)
				}
			}
			b.mu.RUnlock()

			for _, c := range targets {
				select {
				case c.ch <- event:
				default:
					// Slow subscriber; drop rather than block the broadcaster.
					b.logger.Warn("dropping event for slow subscriber", zap.String("session_id", event.SessionID))
				}
			}
		}
	}
}

// Publish satisfies internal/session.EventPublisher: it hands the event
// to the broadcast loop without blocking the caller's store transaction.
func (b *Broadcaster) Publish(event v1.SessionEvent) {
	select {
	case b.broadcast <- event:
	default:
		b.logger.Warn("broadcaster queue full, dropping event", zap.String("session_id", event.SessionID))
	}
}

// Subscription is a live handle on a subscriber's event stream.
type Subscription struct {
	Events <-chan v1.SessionEvent
	cancel func()
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Subscribe registers for events on a single session. Pass an empty
// sessionID to receive every session's events (the admin stream).
func (b *Broadcaster) Subscribe(id, sessionID string) *Subscription {
	c := &subscriber{id: id, sessionID: sessionID, ch: make(chan v1.SessionEvent, 32)}
	b.register <- c

	var once sync.Once
	cancel := func() {
		once.Do(func() { b.unregister <- c })
	}
	return &Subscription{Events: c.ch, cancel: cancel}
}

// SubscriberCount returns the number of live subscribers, for admin
// inspection endpoints.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
