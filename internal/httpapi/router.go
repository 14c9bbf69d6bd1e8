package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kandev/agentcoord/internal/common/logger"
)

// SetupRouter builds the coordinator's gin engine: runs, sessions,
// runner protocol, relations, event streaming, and admin inspection.
// longPollCeiling bounds PollRuns' max_wait_ms, per dispatch.longPollTimeoutSeconds.
func SetupRouter(service *Service, longPollCeiling time.Duration, log *logger.Logger) *gin.Engine {
	handler := NewHandler(service, longPollCeiling, log)

	router := gin.New()
	router.Use(Recovery(log), RequestLogger(log), CORS(), ErrorHandler(log))

	router.GET("/healthz", handler.Healthz)

	router.POST("/runs", handler.CreateRun)

	sessions := router.Group("/sessions")
	{
		sessions.GET("", handler.ListSessions)
		sessions.GET("/:sessionID", handler.GetSession)
		sessions.DELETE("/:sessionID", handler.DeleteSession)
		sessions.POST("/:sessionID/bind", handler.BindSession)
		sessions.POST("/:sessionID/events", handler.AppendEvent)
		sessions.POST("/:sessionID/stop", handler.StopSession)
	}

	runner := router.Group("/runner")
	{
		runner.POST("/register", handler.RegisterRunner)
		runner.POST("/heartbeat", handler.Heartbeat)
		runner.GET("/runs", handler.PollRuns)
		runner.POST("/runs/:runID/started", handler.ReportStarted)
		runner.POST("/runs/:runID/completed", handler.ReportCompleted)
	}

	relations := router.Group("/relations")
	{
		relations.GET("/definitions", handler.ListRelationDefinitions)
		relations.POST("", handler.CreateRelation)
		relations.PATCH("/:id", handler.PatchRelation)
		relations.DELETE("/:id", handler.DeleteRelation)
	}

	router.GET("/sse/sessions", handler.StreamSessionEvents)

	admin := router.Group("/admin")
	{
		admin.GET("/runners", handler.ListRunners)
		admin.GET("/runqueue", handler.ListRuns)
	}

	return router
}
