package ingestion

import (
	"time"

	"github.com/aevon-lab/calcengine/internal/core/storage"
	"github.com/aevon-lab/calcengine/internal/debug"
	"github.com/aevon-lab/calcengine/internal/metrics"
	"github.com/aevon-lab/calcengine/internal/reprocess"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const defaultProcessTimeout = 30 * time.Second

// Reprocessor queues reprocessing tasks and reports their progress.
type Reprocessor interface {
	Submit(task reprocess.Task) (uuid.UUID, error)
	Job(id uuid.UUID) (reprocess.Job, bool)
}

// Deps are the collaborators of the HTTP API. Reprocess, Debug and Metrics are optional.
type Deps struct {
	Engine      Engine
	Telemetry   storage.TelemetryWriter
	Definitions storage.DefinitionStore
	Writer      storage.DefinitionWriter
	Directory   storage.DirectoryWriter
	Reprocess   Reprocessor
	Debug       *debug.Recorder
	Metrics     *metrics.Metrics
}

type Service struct {
	deps             Deps
	maxBodySizeBytes int
	timeout          time.Duration
	now              func() time.Time
}

// NewService builds the HTTP API. timeout bounds how long a request waits for the
// engine to finish processing the change it submitted.
func NewService(deps Deps, maxBodySizeMB int, timeout time.Duration) *Service {
	if deps.Engine == nil {
		panic("ingestion: engine must not be nil")
	}
	if deps.Telemetry == nil {
		panic("ingestion: telemetry writer must not be nil")
	}
	if deps.Definitions == nil || deps.Writer == nil {
		panic("ingestion: definition store must not be nil")
	}
	if deps.Directory == nil {
		panic("ingestion: directory must not be nil")
	}
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 1
	}
	if timeout <= 0 {
		timeout = defaultProcessTimeout
	}
	return &Service{
		deps:             deps,
		maxBodySizeBytes: maxBodySizeMB * 1024 * 1024,
		timeout:          timeout,
		now:              time.Now,
	}
}

// RegisterRoutes registers the engine API under /api/v1.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	api := r.Group("/api/v1")
	api.GET("/stats", s.StatsHandler)

	t := api.Group("/tenants/:tenant")
	t.POST("/envelopes", s.EnvelopeHandler)

	t.POST("/entities/:entityType/:entityId/timeseries", s.SaveTimeseriesHandler)
	t.DELETE("/entities/:entityType/:entityId/timeseries", s.DeleteTimeseriesHandler)
	t.POST("/entities/:entityType/:entityId/attributes/:scope", s.SaveAttributesHandler)
	t.DELETE("/entities/:entityType/:entityId/attributes/:scope", s.DeleteAttributesHandler)
	t.POST("/entities/:entityType/:entityId/actions", s.EntityActionHandler)

	t.PUT("/entities", s.SaveEntityHandler)
	t.DELETE("/entities/:entityType/:entityId", s.DeleteEntityHandler)
	t.POST("/relations", s.SaveRelationHandler)
	t.DELETE("/relations", s.DeleteRelationHandler)

	t.PUT("/fields", s.SaveFieldHandler)
	t.GET("/fields/:fieldId", s.GetFieldHandler)
	t.DELETE("/fields/:fieldId", s.DeleteFieldHandler)
	t.POST("/fields/:fieldId/reprocess", s.ReprocessHandler)
	t.GET("/reprocess/:jobId", s.ReprocessStatusHandler)
	t.GET("/debug/events", s.DebugEventsHandler)
}
