// Package httpapi wires the coordinator's internal components (session
// store, run queue, runner registry, dispatcher, blueprint resolver,
// callback processor, event broadcaster) into the HTTP surface described
// in the external interfaces section: runs, sessions, runners, relations,
// and session event streaming.
package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentcoord/internal/blueprint"
	"github.com/kandev/agentcoord/internal/callback"
	"github.com/kandev/agentcoord/internal/common/apperrors"
	"github.com/kandev/agentcoord/internal/common/logger"
	"github.com/kandev/agentcoord/internal/dispatcher"
	"github.com/kandev/agentcoord/internal/identity"
	"github.com/kandev/agentcoord/internal/runner"
	"github.com/kandev/agentcoord/internal/runqueue"
	"github.com/kandev/agentcoord/internal/session"
	"github.com/kandev/agentcoord/internal/streaming"
	v1 "github.com/kandev/agentcoord/pkg/api/v1"
)

// Service holds the coordinator's wired components and exposes the
// business operations the HTTP handlers call into. It is the single
// place where run creation, completion, and stop touch more than one
// component, so the ordering invariants (enqueue only after the session
// exists, notify callbacks only after the session store reflects the
// terminal status) live in one place.
type Service struct {
	sessions    *session.Store
	queue       *runqueue.Queue
	registry    *runner.Registry
	dispatcher  *dispatcher.Dispatcher
	blueprints  *blueprint.Loader
	callbacks   *callback.Processor
	broadcaster *streaming.Broadcaster
	stopGrace   time.Duration
	log         *logger.Logger
}

// NewService wires a Service over the coordinator's components. stopGrace
// is the safety-net window armed after a stop command is enqueued (see
// scheduleStopGrace).
func NewService(
	sessions *session.Store,
	queue *runqueue.Queue,
	registry *runner.Registry,
	disp *dispatcher.Dispatcher,
	blueprints *blueprint.Loader,
	callbacks *callback.Processor,
	broadcaster *streaming.Broadcaster,
	stopGrace time.Duration,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		sessions:    sessions,
		queue:       queue,
		registry:    registry,
		dispatcher:  disp,
		blueprints:  blueprints,
		callbacks:   callbacks,
		broadcaster: broadcaster,
		stopGrace:   stopGrace,
		log:         log.WithFields(zap.String("component", "httpapi_service")),
	}
}

// CreateRun implements the data flow for a new run: persist/load the
// session, resolve the blueprint, enqueue the run. For
// resume_session the session's bound affinity tuple becomes hard
// demands; for start_session/execute_task a fresh session is created.
func (s *Service) CreateRun(ctx context.Context, req CreateRunRequest) (*v1.Run, error) {
	mode := req.ExecutionMode
	if mode == "" {
		mode = v1.ExecutionModeSync
	}

	var sessionID, agentName string
	var affinity *v1.Affinity

	switch req.Type {
	case v1.RunTypeStartSession, v1.RunTypeExecuteTask:
		sessionID = identity.NewSessionID()
		var parentPtr *string
		if req.ParentSessionID != "" {
			parentPtr = &req.ParentSessionID
		}
		if _, err := s.sessions.CreateSession(ctx, sessionID, req.AgentName, parentPtr, mode); err != nil {
			return nil, err
		}
		agentName = req.AgentName

	case v1.RunTypeResumeSession:
		if req.SessionID == "" {
			return nil, apperrors.ValidationError("session_id", "session_id is required for resume_session")
		}
		sess, err := s.sessions.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		sessionID = sess.SessionID
		agentName = sess.AgentName
		if aff := sess.Affinity(); aff.Bound() {
			affinity = &aff
		}

	default:
		return nil, apperrors.ValidationError("type", "unknown run type")
	}

	runID := identity.NewRunID()
	res, err := s.blueprints.Resolve(blueprint.ResolveRequest{
		RunType:           req.Type,
		AgentName:         agentName,
		Parameters:        req.Parameters,
		AdditionalDemands: req.AdditionalDemands,
		Scope:             req.Scope,
		Runtime: map[string]any{
			"session_id":        sessionID,
			"run_id":            runID,
			"parent_session_id": req.ParentSessionID,
		},
		Affinity: affinity,
	})
	if err != nil {
		return nil, err
	}

	run := &v1.Run{
		RunID:     runID,
		SessionID: sessionID,
		Type:      req.Type,
		Demands:   res.Demands,
		Payload:   res.Payload,
	}
	if err := s.queue.Enqueue(run); err != nil {
		return nil, err
	}

	if req.Type == v1.RunTypeResumeSession {
		_ = s.sessions.TouchResumed(ctx, sessionID)
	}

	return run, nil
}

// BindSession is the one-shot executor_session_id binding.
func (s *Service) BindSession(ctx context.Context, sessionID string, req BindRequest) error {
	return s.sessions.BindExecutor(ctx, sessionID, req.ExecutorSessionID, req.ExecutorType, req.Hostname, req.ProjectDir)
}

// AppendEvent records a session event; the store fans it out to the
// broadcaster after a successful write.
func (s *Service) AppendEvent(ctx context.Context, sessionID string, req AppendEventRequest) (*v1.SessionEvent, error) {
	return s.sessions.AppendEvent(ctx, sessionID, req.EventType, req.Payload, req.RunID)
}

// StopSession moves a session's active run to stopping, signals its
// owning runner, and arms the stop-grace safety net.
func (s *Service) StopSession(sessionID string) error {
	run, ok := s.queue.GetBySession(sessionID)
	if !ok {
		return apperrors.NotFound("active run for session", sessionID)
	}
	stopped, err := s.queue.RequestStop(run.RunID)
	if err != nil {
		return err
	}
	if stopped.RunnerID != nil {
		s.registry.EnqueueStop(*stopped.RunnerID, stopped.RunID)
	}
	s.scheduleStopGrace(stopped.RunID)
	return nil
}

// scheduleStopGrace arms the stop safety net: a runner is expected to
// report the stopped run back via ReportCompleted, but if it never does
// (crashed, network partition, lost the stop command), the run would sit
// in stopping forever and the caller's orchestration would hang with it.
// After stopGrace elapses, ForceStopped force-transitions the run to
// stopped if it is still in stopping, and the session is marked stopped
// to match. Detached from any request context: the coordinator's
// responsibility for this run outlives the HTTP request that stopped it.
func (s *Service) scheduleStopGrace(runID string) {
	time.AfterFunc(s.stopGrace, func() {
		finished, ok := s.queue.ForceStopped(runID)
		if !ok {
			return
		}
		errMsg := "run declared stopped by the stop-grace safety net; runner never reported completion"
		if err := s.sessions.UpdateSessionStatus(context.Background(), finished.SessionID, v1.SessionStatusStopped, &errMsg, nil); err != nil {
			s.log.WithError(err).Error("failed to mark session stopped after stop-grace safety net", zap.String("session_id", finished.SessionID))
		}
		if s.callbacks != nil {
			if err := s.callbacks.NotifyChildCompleted(context.Background(), finished.SessionID); err != nil {
				s.log.WithError(err).Error("callback notification failed after stop-grace safety net", zap.String("session_id", finished.SessionID))
			}
		}
	})
}

// GetSession, ListSessions, DeleteSession pass through to the store.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*v1.Session, error) {
	return s.sessions.GetSession(ctx, sessionID)
}

func (s *Service) ListSessions(ctx context.Context, parentSessionID *string) ([]*v1.Session, error) {
	return s.sessions.ListSessions(ctx, session.ListSessionsFilter{ParentSessionID: parentSessionID})
}

func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	return s.sessions.CascadeDelete(ctx, sessionID)
}

// RegisterRunner upserts a runner record and wakes its poll channel.
func (s *Service) RegisterRunner(req RegisterRunnerRequest) string {
	return s.registry.Register(req.Hostname, req.ProjectDir, req.ExecutorType, req.Tags)
}

func (s *Service) Heartbeat(runnerID string) error {
	return s.registry.Heartbeat(runnerID)
}

// PollRuns is the long-poll claim handler.
func (s *Service) PollRuns(ctx context.Context, runnerID string, maxWait time.Duration) (dispatcher.Result, error) {
	return s.dispatcher.HandlePoll(ctx, runnerID, maxWait)
}

func (s *Service) ReportStarted(runID, runnerID string) error {
	return s.queue.ReportStarted(runID, runnerID)
}

// ReportCompleted performs the terminal run transition, updates the
// session's durable status/result, and notifies the callback processor.
// Per spec.md's output-schema design note, the coordinator does not
// itself validate result_data against the blueprint's output_schema —
// that is the executor's responsibility; OutputSchemaValidationError is
// only ever reported to us by the executor, carried verbatim in err.
func (s *Service) ReportCompleted(ctx context.Context, runID, runnerID string, req ReportCompletedRequest) error {
	finished, err := s.queue.ReportCompleted(runID, runnerID, req.Status, req.Error)
	if err != nil {
		return err
	}

	var sessionStatus v1.SessionStatus
	switch req.Status {
	case v1.RunStatusCompleted:
		sessionStatus = v1.SessionStatusFinished
	case v1.RunStatusFailed:
		sessionStatus = v1.SessionStatusError
	case v1.RunStatusStopped:
		sessionStatus = v1.SessionStatusStopped
	default:
		return apperrors.ValidationError("status", "completion status must be terminal")
	}

	resultText := req.ResultText
	if sessionStatus == v1.SessionStatusError && resultText == nil {
		resultText = req.Error
	}

	if err := s.sessions.UpdateSessionStatus(ctx, finished.SessionID, sessionStatus, resultText, req.ResultData); err != nil {
		return err
	}

	if s.callbacks != nil {
		if err := s.callbacks.NotifyChildCompleted(ctx, finished.SessionID); err != nil {
			s.log.WithError(err).Error("callback notification failed", zap.String("session_id", finished.SessionID))
		}
	}
	return nil
}

// RelationDefinitions, CreateRelation, PatchRelation, DeleteRelation,
// ListRelations pass through to the store.
func (s *Service) RelationDefinitions() []v1.RelationDefinition {
	return session.RelationDefinitions()
}

func (s *Service) CreateRelation(ctx context.Context, req CreateRelationRequest) ([]v1.RelationEdge, error) {
	return s.sessions.CreateRelation(ctx, req.Definition, req.FromDocumentID, req.ToDocumentID, req.FromToNote, req.ToFromNote)
}

func (s *Service) PatchRelation(ctx context.Context, id string, req PatchRelationRequest) error {
	return s.sessions.PatchRelation(ctx, id, req.DocumentID, req.Note)
}

func (s *Service) DeleteRelation(ctx context.Context, id string) error {
	return s.sessions.DeleteRelation(ctx, id)
}

// ListRunners and ListRuns back the admin inspection endpoints.
func (s *Service) ListRunners() []v1.Runner {
	return s.registry.List()
}

func (s *Service) ListRuns() []v1.Run {
	return s.queue.List()
}

// SubscribeEvents registers a new SSE subscriber. sessionID empty means
// every session's events (the admin stream).
func (s *Service) SubscribeEvents(id, sessionID string) *streaming.Subscription {
	return s.broadcaster.Subscribe(id, sessionID)
}

// RunNoMatchSweeper wraps runqueue.RunNoMatchSweeper, updating the
// owning session's status to error whenever a run expires unclaimed, and
// notifying the callback processor so an ASYNC_CALLBACK parent waiting on
// this session is resumed rather than left hanging.
func (s *Service) RunNoMatchSweeper(ctx context.Context) {
	runqueue.RunNoMatchSweeper(ctx, s.queue, func(runID, sessionID, errMsg string) {
		msg := &errMsg
		if err := s.sessions.UpdateSessionStatus(ctx, sessionID, v1.SessionStatusError, msg, nil); err != nil {
			s.log.WithError(err).Error("failed to mark session errored after no-match sweep", zap.String("session_id", sessionID))
		}
		if s.callbacks != nil {
			if err := s.callbacks.NotifyChildCompleted(ctx, sessionID); err != nil {
				s.log.WithError(err).Error("callback notification failed after no-match sweep", zap.String("session_id", sessionID))
			}
		}
	})
}

// RunRunnerSweeper periodically removes runners that have missed
// heartbeats past removeAfter, failing any runs they held and notifying
// the callback processor for each so a waiting ASYNC_CALLBACK parent
// isn't left hanging on a child whose runner disappeared.
func (s *Service) RunRunnerSweeper(ctx context.Context, interval, staleAfter, removeAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.registry.Sweep(time.Now().UTC(), staleAfter, removeAfter, func(runnerID string) {
				lost := s.queue.FailHeldByRunner(runnerID)
				for _, run := range lost {
					if err := s.sessions.UpdateSessionStatus(ctx, run.SessionID, v1.SessionStatusError, run.Error, nil); err != nil {
						s.log.WithError(err).Error("failed to mark session errored after runner loss", zap.String("session_id", run.SessionID))
					}
					if s.callbacks != nil {
						if err := s.callbacks.NotifyChildCompleted(ctx, run.SessionID); err != nil {
							s.log.WithError(err).Error("callback notification failed after runner loss", zap.String("session_id", run.SessionID))
						}
					}
				}
			})
		}
	}
}
