// Package callback implements the background processor that delivers a
// completed child session's result back to its parent as a resume run,
// batching multiple children that complete while the parent is busy.
package callback

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kandev/agentcoord/internal/blueprint"
	"github.com/kandev/agentcoord/internal/common/apperrors"
	"github.com/kandev/agentcoord/internal/common/logger"
	"github.com/kandev/agentcoord/internal/identity"
	v1 "github.com/kandev/agentcoord/pkg/api/v1"

	"go.uber.org/zap"
)

// SessionStore is the subset of internal/session.Store the processor needs.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*v1.Session, error)
}

// Resolver is the subset of internal/blueprint.Loader the processor needs
// to turn a resume prompt into a dispatch-ready run.
type Resolver interface {
	Resolve(req blueprint.ResolveRequest) (*blueprint.ResolveResult, error)
}

// Queue is the subset of internal/runqueue.Queue the processor needs.
type Queue interface {
	IsIdle(sessionID string) bool
	Enqueue(run *v1.Run) error
}

type pendingChild struct {
	sessionID string
	failed    bool
	result    string
}

// Processor buffers completed ASYNC_CALLBACK children per busy parent and
// drains them into a single resume run once the parent goes idle.
type Processor struct {
	mu      sync.Mutex
	pending map[string][]pendingChild

	store    SessionStore
	resolver Resolver
	queue    Queue
	log      *logger.Logger
}

// New creates a Processor wired to the session store, blueprint resolver,
// and run queue it coordinates across.
func New(store SessionStore, resolver Resolver, queue Queue, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.Default()
	}
	return &Processor{
		pending:  make(map[string][]pendingChild),
		store:    store,
		resolver: resolver,
		queue:    queue,
		log:      log,
	}
}

// NotifyChildCompleted is invoked after a session's terminal status has
// been persisted. It no-ops unless the session has a parent in
// ASYNC_CALLBACK mode; otherwise it buffers the result and attempts
// immediate delivery if the parent is idle.
func (p *Processor) NotifyChildCompleted(ctx context.Context, childSessionID string) error {
	child, err := p.store.GetSession(ctx, childSessionID)
	if err != nil {
		return err
	}
	if child.ParentSessionID == nil || child.ExecutionMode != v1.ExecutionModeAsyncCallback {
		return nil
	}
	parentID := *child.ParentSessionID

	pc := pendingChild{sessionID: child.SessionID, failed: child.Status == v1.SessionStatusError}
	if pc.failed {
		if child.ResultText != nil {
			pc.result = *child.ResultText
		} else {
			pc.result = "(no error detail recorded)"
		}
	} else {
		pc.result = formatResult(child)
	}

	p.mu.Lock()
	p.pending[parentID] = append(p.pending[parentID], pc)
	p.mu.Unlock()

	return p.tryDeliver(ctx, parentID)
}

// tryDeliver drains and delivers pending children for parentID if it is
// currently idle. If the deliver races a run being enqueued for the
// parent through another path, the children are put back for a later
// attempt rather than dropped.
func (p *Processor) tryDeliver(ctx context.Context, parentID string) error {
	if !p.queue.IsIdle(parentID) {
		return nil
	}

	p.mu.Lock()
	children := p.pending[parentID]
	if len(children) == 0 {
		p.mu.Unlock()
		return nil
	}
	delete(p.pending, parentID)
	p.mu.Unlock()

	message := formatMessage(children)

	if err := p.createResumeRun(ctx, parentID, message); err != nil {
		if apperrors.IsActiveRunExists(err) {
			p.mu.Lock()
			p.pending[parentID] = append(children, p.pending[parentID]...)
			p.mu.Unlock()
			return nil
		}
		p.log.WithError(err).WithFields(zap.String("parent_session_id", parentID)).
			Error("failed to enqueue callback resume run")
		return err
	}
	return nil
}

// RunIdleSweeper periodically retries delivery for every parent with a
// non-empty buffer. A child's own completion already triggers an
// immediate attempt, but the parent can also go idle on its own (its
// active run finishes for reasons unrelated to any child), and nothing
// else would wake a buffer sitting behind that parent. interval is the
// coordinator's dispatch.callbackIdleCheckMillis setting.
func (p *Processor) RunIdleSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.SweepOnce(ctx)
		}
	}
}

// SweepOnce attempts delivery for every parent currently holding a
// buffered batch, logging (rather than returning) individual failures so
// one stuck parent never blocks the rest of the sweep. Exported so tests
// can force a sweep without waiting on RunIdleSweeper's ticker.
func (p *Processor) SweepOnce(ctx context.Context) {
	p.mu.Lock()
	parents := make([]string, 0, len(p.pending))
	for parentID := range p.pending {
		parents = append(parents, parentID)
	}
	p.mu.Unlock()

	for _, parentID := range parents {
		if err := p.tryDeliver(ctx, parentID); err != nil {
			p.log.WithError(err).WithFields(zap.String("parent_session_id", parentID)).
				Error("idle sweep delivery attempt failed")
		}
	}
}

// createResumeRun resolves a resume_session run for parentID carrying
// message as the prompt, and enqueues it. The parent's bound affinity
// tuple, if any, becomes the run's identity demands, as for any other resume.
func (p *Processor) createResumeRun(ctx context.Context, parentID, message string) error {
	parent, err := p.store.GetSession(ctx, parentID)
	if err != nil {
		return err
	}

	var affinity *v1.Affinity
	if aff := parent.Affinity(); aff.Bound() {
		affinity = &aff
	}
	res, err := p.resolver.Resolve(blueprint.ResolveRequest{
		RunType:    v1.RunTypeResumeSession,
		AgentName:  parent.AgentName,
		Parameters: map[string]any{"prompt": message},
		Runtime:    map[string]any{"session_id": parent.SessionID},
		Affinity:   affinity,
	})
	if err != nil {
		return err
	}

	run := &v1.Run{
		RunID:     identity.NewRunID(),
		SessionID: parent.SessionID,
		Type:      v1.RunTypeResumeSession,
		Demands:   res.Demands,
		Payload:   res.Payload,
	}
	return p.queue.Enqueue(run)
}

func formatResult(s *v1.Session) string {
	if s.ResultText != nil {
		return *s.ResultText
	}
	if s.ResultData != nil {
		return fmt.Sprintf("%v", s.ResultData)
	}
	return ""
}

// formatMessage renders the tagged callback envelope: a single-child
// shell for exactly one pending result, an aggregated shell for more
// than one. Delimiters let the parent agent programmatically tell a
// callback apart from ordinary user input.
func formatMessage(children []pendingChild) string {
	if len(children) == 1 {
		c := children[0]
		if c.failed {
			return fmt.Sprintf(
				"<agent-callback session=%q status=\"failed\">\n## Error\n\n%s\n</agent-callback>\n\nPlease continue with the orchestration based on this result.",
				c.sessionID, c.result,
			)
		}
		return fmt.Sprintf(
			"<agent-callback session=%q status=\"completed\">\n## Child Result\n\n%s\n</agent-callback>\n\nPlease continue with the orchestration based on this result.",
			c.sessionID, c.result,
		)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<agent-callback type=\"aggregated\" count=\"%d\">\n", len(children))
	for _, c := range children {
		status := "completed"
		heading := "Result"
		if c.failed {
			status = "failed"
			heading = "Error"
		}
		fmt.Fprintf(&b, "<child session=%q status=%q>\n## %s\n\n%s\n</child>\n", c.sessionID, status, heading, c.result)
	}
	b.WriteString("</agent-callback>\n\nPlease continue with the orchestration based on these results.")
	return b.String()
}
