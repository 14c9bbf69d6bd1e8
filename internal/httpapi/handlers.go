package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentcoord/internal/common/apperrors"
	"github.com/kandev/agentcoord/internal/common/logger"
	"github.com/kandev/agentcoord/internal/streaming"
)

// Handler holds the gin route handlers for the coordinator's HTTP API.
// Every handler binds/validates its request, delegates to Service, and
// maps the result (or error) onto the response.
type Handler struct {
	service         *Service
	longPollCeiling time.Duration
	logger          *logger.Logger
}

// NewHandler builds a Handler over service. longPollCeiling is the
// dispatcher's configured ceiling on a runner's max_wait_ms (§6.5
// longPollTimeoutSeconds) — PollRuns clamps any client-supplied max_wait
// to it and uses it as the default when the client supplies none.
func NewHandler(service *Service, longPollCeiling time.Duration, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		service:         service,
		longPollCeiling: longPollCeiling,
		logger:          log.WithFields(zap.String("component", "httpapi_handler")),
	}
}

// CreateRun handles POST /runs.
func (h *Handler) CreateRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationError("body", err.Error()))
		return
	}

	run, err := h.service.CreateRun(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, CreateRunResponse{RunID: run.RunID, SessionID: run.SessionID})
}

// BindSession handles POST /sessions/:sessionID/bind.
func (h *Handler) BindSession(c *gin.Context) {
	sessionID := c.Param("sessionID")
	var req BindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	if err := h.service.BindSession(c.Request.Context(), sessionID, req); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AppendEvent handles POST /sessions/:sessionID/events.
func (h *Handler) AppendEvent(c *gin.Context) {
	sessionID := c.Param("sessionID")
	var req AppendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	event, err := h.service.AppendEvent(c.Request.Context(), sessionID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, event)
}

// StopSession handles POST /sessions/:sessionID/stop.
func (h *Handler) StopSession(c *gin.Context) {
	sessionID := c.Param("sessionID")
	if err := h.service.StopSession(sessionID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// GetSession handles GET /sessions/:sessionID.
func (h *Handler) GetSession(c *gin.Context) {
	sessionID := c.Param("sessionID")
	sess, err := h.service.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// ListSessions handles GET /sessions?parent=....
func (h *Handler) ListSessions(c *gin.Context) {
	var parent *string
	if p := c.Query("parent"); p != "" {
		parent = &p
	}
	sessions, err := h.service.ListSessions(c.Request.Context(), parent)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// DeleteSession handles DELETE /sessions/:sessionID.
func (h *Handler) DeleteSession(c *gin.Context) {
	sessionID := c.Param("sessionID")
	if err := h.service.DeleteSession(c.Request.Context(), sessionID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RegisterRunner handles POST /runner/register.
func (h *Handler) RegisterRunner(c *gin.Context) {
	var req RegisterRunnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	runnerID := h.service.RegisterRunner(req)
	c.JSON(http.StatusCreated, RegisterRunnerResponse{RunnerID: runnerID})
}

// Heartbeat handles POST /runner/heartbeat?runner_id=....
func (h *Handler) Heartbeat(c *gin.Context) {
	runnerID := c.Query("runner_id")
	if runnerID == "" {
		respondError(c, apperrors.ValidationError("runner_id", "runner_id is required"))
		return
	}
	if err := h.service.Heartbeat(runnerID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PollRuns handles GET /runner/runs?runner_id=...&max_wait_ms=....
// It blocks for up to max_wait_ms waiting for a matching run, per the
// long-poll contract between the coordinator and its runners.
func (h *Handler) PollRuns(c *gin.Context) {
	runnerID := c.Query("runner_id")
	if runnerID == "" {
		respondError(c, apperrors.ValidationError("runner_id", "runner_id is required"))
		return
	}

	maxWait := h.longPollCeiling
	if raw := c.Query("max_wait_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			respondError(c, apperrors.ValidationError("max_wait_ms", "must be a non-negative integer"))
			return
		}
		maxWait = time.Duration(ms) * time.Millisecond
	}
	if maxWait > h.longPollCeiling {
		maxWait = h.longPollCeiling
	}

	result, err := h.service.PollRuns(c.Request.Context(), runnerID, maxWait)
	if err != nil {
		respondError(c, err)
		return
	}
	switch {
	case result.Empty:
		c.Status(http.StatusNoContent)
	case result.StopRunID != "":
		c.JSON(http.StatusOK, gin.H{"kind": "stop", "run_id": result.StopRunID})
	default:
		c.JSON(http.StatusOK, gin.H{"kind": "run", "run": result.Run})
	}
}

// ReportStarted handles POST /runner/runs/:runID/started.
func (h *Handler) ReportStarted(c *gin.Context) {
	runID := c.Param("runID")
	var req ReportStartedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	if err := h.service.ReportStarted(runID, req.RunnerID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ReportCompleted handles POST /runner/runs/:runID/completed.
func (h *Handler) ReportCompleted(c *gin.Context) {
	runID := c.Param("runID")
	runnerID := c.Query("runner_id")
	if runnerID == "" {
		respondError(c, apperrors.ValidationError("runner_id", "runner_id is required"))
		return
	}
	var req ReportCompletedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	if err := h.service.ReportCompleted(c.Request.Context(), runID, runnerID, req); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListRelationDefinitions handles GET /relations/definitions.
func (h *Handler) ListRelationDefinitions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"definitions": h.service.RelationDefinitions()})
}

// CreateRelation handles POST /relations.
func (h *Handler) CreateRelation(c *gin.Context) {
	var req CreateRelationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	edges, err := h.service.CreateRelation(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"edges": edges})
}

// PatchRelation handles PATCH /relations/:id.
func (h *Handler) PatchRelation(c *gin.Context) {
	id := c.Param("id")
	var req PatchRelationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationError("body", err.Error()))
		return
	}
	if err := h.service.PatchRelation(c.Request.Context(), id, req); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteRelation handles DELETE /relations/:id.
func (h *Handler) DeleteRelation(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.DeleteRelation(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StreamSessionEvents handles GET /sse/sessions[?session_id=...]. Omitting
// session_id subscribes to every session's events; the spec's created_by
// filter has no backing field on v1.Session (identity/auth is out of
// scope) so it is not accepted here.
func (h *Handler) StreamSessionEvents(c *gin.Context) {
	sessionID := c.Query("session_id")
	sub := h.service.SubscribeEvents(uuid.New().String(), sessionID)
	defer sub.Close()

	if err := streaming.ServeSSE(c.Writer, c.Request, sub); err != nil {
		h.logger.WithError(err).Warn("sse stream ended with error")
	}
}

// ListRunners handles GET /admin/runners, an admin inspection endpoint.
func (h *Handler) ListRunners(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runners": h.service.ListRunners()})
}

// ListRuns handles GET /admin/runqueue, an admin inspection endpoint.
func (h *Handler) ListRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": h.service.ListRuns()})
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
