package ingestion

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aevon-lab/calcengine/internal/actor"
	v1 "github.com/aevon-lab/calcengine/internal/api/v1"
	"github.com/aevon-lab/calcengine/internal/core/calc"
	"github.com/aevon-lab/calcengine/internal/core/entity"
	httperr "github.com/aevon-lab/calcengine/internal/core/errors"
	"github.com/aevon-lab/calcengine/internal/core/field"
	"github.com/aevon-lab/calcengine/internal/core/quorum"
	"github.com/aevon-lab/calcengine/internal/debug"
	"github.com/aevon-lab/calcengine/internal/reprocess"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	msgReadBodyFailed  = "Failed to read request body"
	msgInvalidJSON     = "Invalid JSON body"
	msgPersistFailed   = "Failed to persist change"
	msgFieldNotFound   = "Calculated field not found"
	msgJobNotFound     = "Reprocessing job not found"
	msgReprocessingOff = "Reprocessing is not enabled"
	msgQueueFull       = "Reprocessing queue is full"

	defaultDebugLimit = 100
)

// apiError carries the structured HTTP error shape from a helper back to the handler.
// Helpers return this instead of writing to gin.Context directly.
type apiError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
}

func (e *apiError) Error() string {
	return e.message
}

// asError avoids handing a typed nil to callers that test err != nil.
func asError(e *apiError) error {
	if e == nil {
		return nil
	}
	return e
}

func badRequest(errorType, message string) *apiError {
	return &apiError{statusCode: http.StatusBadRequest, errorType: errorType, message: message}
}

// EnvelopeHandler accepts a change notification in queue envelope form. The change
// must already be stored; only the engine is notified.
func (s *Service) EnvelopeHandler(c *gin.Context) {
	tenantID, apiErr := tenantParam(c)
	if apiErr != nil {
		writeError(c, apiErr)
		return
	}

	var env v1.Envelope
	if apiErr := s.bindJSON(c, &env); apiErr != nil {
		writeError(c, apiErr)
		return
	}
	if env.TenantID == "" {
		env.TenantID = tenantID.String()
	}
	if err := env.Validate(); err != nil {
		writeError(c, badRequest(httperr.HttpValidationError, err.Error()))
		return
	}
	if env.Tenant() != tenantID {
		writeError(c, badRequest(httperr.HttpValidationError, "tenant_id does not match the request path"))
		return
	}

	var dispatchErr error
	apiErr = s.await(c, func(cb quorum.Callback) {
		if err := Dispatch(s.deps.Engine, &env, s.now(), cb); err != nil {
			dispatchErr = err
			cb.OnFailure(err)
		}
	})
	s.deps.Metrics.Inbound("http", string(env.Type), asError(apiErr))
	if dispatchErr != nil {
		writeError(c, badRequest(httperr.HttpValidationError, dispatchErr.Error()))
		return
	}
	if apiErr != nil {
		writeError(c, apiErr)
		return
	}

	slog.Info("[Ingestion] Envelope processed", "tenant_id", tenantID, "type", env.Type)
	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}

// SaveTimeseriesHandler stores time series values and waits until every calculated
// field depending on them has been recalculated.
func (s *Service) SaveTimeseriesHandler(c *gin.Context) {
	s.saveTelemetry(c, calc.TimeSeries, "")
}

func (s *Service) SaveAttributesHandler(c *gin.Context) {
	s.saveTelemetry(c, calc.Attributes, c.Param("scope"))
}

func (s *Service) saveTelemetry(c *gin.Context, kind calc.UpdateKind, scope string) {
	tenantID, id, apiErr := tenantEntityParams(c)
	if apiErr != nil {
		writeError(c, apiErr)
		return
	}

	var p v1.TelemetryPayload
	if apiErr := s.bindJSON(c, &p); apiErr != nil {
		writeError(c, apiErr)
		return
	}
	p.Entity = v1.NewEntityRef(id)
	p.Kind = string(kind)
	p.Scope = scope
	p.Removed = nil
	if err := p.Validate(); err != nil {
		writeError(c, badRequest(httperr.HttpValidationError, err.Error()))
		return
	}
	_, u, err := p.ToUpdate(s.now())
	if err != nil {
		writeError(c, badRequest(httperr.HttpValidationError, err.Error()))
		return
	}

	ctx := c.Request.Context()
	if kind == calc.Attributes {
		err = s.deps.Telemetry.SaveAttributes(ctx, tenantID, id, scope, u.Entries)
	} else {
		err = s.deps.Telemetry.SaveSeries(ctx, tenantID, id, u.Entries)
	}
	if err != nil {
		slog.Error("[Ingestion] Failed to store telemetry", "tenant_id", tenantID, "entity", id.String(), "error", err)
		writeError(c, persistError())
		return
	}

	s.notifyTelemetry(c, tenantID, id, u)
}

func (s *Service) DeleteTimeseriesHandler(c *gin.Context) {
	s.deleteTelemetry(c, calc.TimeSeries, "")
}

func (s *Service) DeleteAttributesHandler(c *gin.Context) {
	s.deleteTelemetry(c, calc.Attributes, c.Param("scope"))
}

func (s *Service) deleteTelemetry(c *gin.Context, kind calc.UpdateKind, scope string) {
	tenantID, id, apiErr := tenantEntityParams(c)
	if apiErr != nil {
		writeError(c, apiErr)
		return
	}
	keys := splitKeys(c.Query("keys"))
	if len(keys) == 0 {
		writeError(c, badRequest(httperr.HttpValidationError, "keys query parameter is required"))
		return
	}

	ctx := c.Request.Context()
	var err error
	if kind == calc.Attributes {
		err = s.deps.Telemetry.DeleteAttributes(ctx, tenantID, id, scope, keys)
	} else {
		err = s.deps.Telemetry.DeleteLatest(ctx, tenantID, id, keys)
	}
	if err != nil {
		slog.Error("[Ingestion] Failed to delete telemetry", "tenant_id", tenantID, "entity", id.String(), "error", err)
		writeError(c, persistError())
		return
	}

	s.notifyTelemetry(c, tenantID, id, calc.Update{Kind: kind, Scope: scope, Removed: keys, Ts: s.now().UnixMilli()})
}

func (s *Service) notifyTelemetry(c *gin.Context, tenantID uuid.UUID, id entity.ID, u calc.Update) {
	msgID := uuid.New()
	apiErr := s.await(c, func(cb quorum.Callback) {
		s.deps.Engine.OnTelemetry(tenantID, actor.TelemetryEvent{MsgID: msgID, Entity: id, Update: u}, cb)
	})
	s.deps.Metrics.Inbound("http", string(v1.TypeTelemetry), asError(apiErr))
	if apiErr != nil {
		writeError(c, apiErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "processed", "msg_id": msgID})
}

func (s *Service) EntityActionHandler(c *gin.Context) {
	tenantID, id, apiErr := tenantEntityParams(c)
	if apiErr != nil {
		writeError(c, apiErr)
		return
	}
	var body struct {
		Action string `json:"action"`
	}
	if apiErr := s.bindJSON(c, &body); apiErr != nil {
		writeError(c, apiErr)
		return
	}
	if strings.TrimSpace(body.Action) == "" {
		writeError(c, badRequest(httperr.HttpValidationError, "action is required"))
		return
	}

	apiErr = s.await(c, func(cb quorum.Callback) {
		s.deps.Engine.OnEntityAction(tenantID, actor.EntityActionEvent{MsgID: uuid.New(), Entity: id, Action: body.Action}, cb)
	})
	if apiErr != nil {
		writeError(c, apiErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}

// SaveEntityHandler creates or updates an entity's profile and owner.
func (s *Service) SaveEntityHandler(c *gin.Context) {
	tenantID, apiErr := tenantParam(c)
	if apiErr != nil {
		writeError(c, apiErr)
		return
	}
	var p v1.EntityPayload
	if apiErr := s.bindJSON(c, &p); apiErr != nil {
		writeError(c, apiErr)
		return
	}
	if p.Event == "" {
		p.Event = v1.EventUpdated
	}
	if p.Event == v1.EventDeleted {
		writeError(c, badRequest(httperr.HttpValidationError, "use DELETE to remove an entity"))
		return
	}
	if err := p.Validate(); err != nil {
		writeError(c, badRequest(httperr.HttpValidationError, err.Error()))
		return
	}
	info, _ := p.ToInfo()

	if err := s.deps.Directory.SaveEntity(c.Request.Context(), tenantID, info); err != nil {
		slog.Error("[Ingestion] Failed to save entity", "tenant_id", tenantID, "entity", info.ID.String(), "error", err)
		writeError(c, persistError())
		return
	}

	apiErr = s.await(c, func(cb quorum.Callback) {
		s.deps.Engine.OnEntityEvent(tenantID, actor.EntityEvent{Type: actor.EntityEventType(p.Event), Info: info}, cb)
	})
	if apiErr != nil {
		writeError(c, apiErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}

func (s *Service) DeleteEntityHandler(c *gin.Context) {
	tenantID, id, apiErr := tenantEntityParams(c)
	if apiErr != nil {
		writeError(c, apiErr)
		return
	}
	if err := s.deps.Directory.DeleteEntity(c.Request.Context(), tenantID, id); err != nil {
		slog.Error("[Ingestion] Failed to delete entity", "tenant_id", tenantID, "entity", id.String(), "error", err)
		writeError(c, persistError())
		return
	}

	apiErr = s.await(c, func(cb quorum.Callback) {
		s.deps.Engine.OnEntityEvent(tenantID, actor.EntityEvent{Type: actor.EntityDeleted, Info: entity.Info{ID: id}}, cb)
	})
	if apiErr != nil {
		writeError(c, apiErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}

func (s *Service) SaveRelationHandler(c *gin.Context) {
	s.changeRelation(c, false)
}

func (s *Service) DeleteRelationHandler(c *gin.Context) {
	s.changeRelation(c, true)
}

func (s *Service) changeRelation(c *gin.Context, deleted bool) {
	tenantID, apiErr := tenantParam(c)
	if apiErr != nil {
		writeError(c, apiErr)
		return
	}
	var p v1.RelationPayload
	if apiErr := s.bindJSON(c, &p); apiErr != nil {
		writeError(c, apiErr)
		return
	}
	rel, err := p.ToRelation()
	if err != nil {
		writeError(c, badRequest(httperr.HttpValidationError, err.Error()))
		return
	}

	ctx := c.Request.Context()
	if deleted {
		err = s.deps.Directory.DeleteRelation(ctx, tenantID, rel)
	} else {
		err = s.deps.Directory.SaveRelation(ctx, tenantID, rel)
	}
	if err != nil {
		slog.Error("[Ingestion] Failed to change relation", "tenant_id", tenantID, "type", rel.Type, "deleted", deleted, "error", err)
		writeError(c, persistError())
		return
	}

	apiErr = s.await(c, func(cb quorum.Callback) {
		s.deps.Engine.OnRelation(tenantID, actor.RelationEvent{Relation: rel, Deleted: deleted}, cb)
	})
	if apiErr != nil {
		writeError(c, apiErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}

// SaveFieldHandler creates or replaces a calculated field definition. The definition
// is compiled before it is stored: one that fails to initialize is rejected with 422
// and the stored version, if any, is left in place.
func (s *Service) SaveFieldHandler(c *gin.Context) {
	tenantID, apiErr := tenantParam(c)
	if apiErr != nil {
		writeError(c, apiErr)
		return
	}
	var doc field.Document
	if apiErr := s.bindJSON(c, &doc); apiErr != nil {
		writeError(c, apiErr)
		return
	}
	if doc.TenantID == "" {
		doc.TenantID = tenantID.String()
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	cf, err := doc.ToField()
	if err != nil {
		writeError(c, badRequest(httperr.HttpValidationError, err.Error()))
		return
	}
	if cf.TenantID != tenantID {
		writeError(c, badRequest(httperr.HttpValidationError, "tenant_id does not match the request path"))
		return
	}
	if err := calc.NewContext(cf, 0, 0).Init(); err != nil {
		slog.Warn("[Ingestion] Calculated field failed to initialize, not saving", "field_id", cf.ID, "error", err)
		writeError(c, engineError(err))
		return
	}

	ctx := c.Request.Context()
	eventType := actor.FieldUpdated
	previous, err := s.deps.Definitions.FindByID(ctx, tenantID, cf.ID)
	if errors.Is(err, field.ErrNotFound) {
		eventType = actor.FieldCreated
	} else if err != nil {
		slog.Error("[Ingestion] Failed to load calculated field", "field_id", cf.ID, "error", err)
		writeError(c, persistError())
		return
	}

	saved, err := s.deps.Writer.Save(ctx, cf)
	if err != nil {
		slog.Error("[Ingestion] Failed to save calculated field", "field_id", cf.ID, "error", err)
		writeError(c, persistError())
		return
	}

	apiErr = s.await(c, func(cb quorum.Callback) {
		s.deps.Engine.OnFieldEvent(tenantID, actor.FieldEvent{Type: eventType, FieldID: saved.ID, Field: saved}, cb)
	})
	if apiErr != nil {
		if apiErr.errorType == httperr.HttpInitFailedError {
			s.restoreField(ctx, tenantID, saved.ID, previous)
		}
		writeError(c, apiErr)
		return
	}

	slog.Info("[Ingestion] Calculated field saved",
		"tenant_id", tenantID,
		"field_id", saved.ID,
		"version", saved.Version,
		"event", eventType)

	status := http.StatusOK
	if eventType == actor.FieldCreated {
		status = http.StatusCreated
	}
	c.JSON(status, field.NewDocument(saved))
}

// restoreField puts back the definition the engine kept running after it refused a
// new one. previous is nil when the refused save was a create.
func (s *Service) restoreField(ctx context.Context, tenantID, fieldID uuid.UUID, previous *field.CalculatedField) {
	var err error
	if previous == nil {
		err = s.deps.Writer.Delete(ctx, tenantID, fieldID)
	} else {
		_, err = s.deps.Writer.Save(ctx, previous)
	}
	if err != nil && !errors.Is(err, field.ErrNotFound) {
		slog.Error("[Ingestion] Failed to restore calculated field after init failure", "field_id", fieldID, "error", err)
	}
}

func (s *Service) GetFieldHandler(c *gin.Context) {
	tenantID, fieldID, apiErr := tenantFieldParams(c)
	if apiErr != nil {
		writeError(c, apiErr)
		return
	}
	cf, err := s.deps.Definitions.FindByID(c.Request.Context(), tenantID, fieldID)
	if errors.Is(err, field.ErrNotFound) {
		writeError(c, &apiError{statusCode: http.StatusNotFound, errorType: httperr.HttpNotFoundError, message: msgFieldNotFound})
		return
	}
	if err != nil {
		slog.Error("[Ingestion] Failed to load calculated field", "field_id", fieldID, "error", err)
		writeError(c, &apiError{statusCode: http.StatusInternalServerError, errorType: httperr.HttpInternalError, message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, field.NewDocument(cf))
}

func (s *Service) DeleteFieldHandler(c *gin.Context) {
	tenantID, fieldID, apiErr := tenantFieldParams(c)
	if apiErr != nil {
		writeError(c, apiErr)
		return
	}
	err := s.deps.Writer.Delete(c.Request.Context(), tenantID, fieldID)
	if errors.Is(err, field.ErrNotFound) {
		writeError(c, &apiError{statusCode: http.StatusNotFound, errorType: httperr.HttpNotFoundError, message: msgFieldNotFound})
		return
	}
	if err != nil {
		slog.Error("[Ingestion] Failed to delete calculated field", "field_id", fieldID, "error", err)
		writeError(c, persistError())
		return
	}

	apiErr = s.await(c, func(cb quorum.Callback) {
		s.deps.Engine.OnFieldEvent(tenantID, actor.FieldEvent{Type: actor.FieldDeleted, FieldID: fieldID}, cb)
	})
	if apiErr != nil {
		writeError(c, apiErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type reprocessRequest struct {
	Entity  v1.EntityRef `json:"entity"`
	StartTs int64        `json:"start_ts"`
	EndTs   int64        `json:"end_ts"`
}

// ReprocessHandler queues a rebuild of a field's state on one entity from stored history.
func (s *Service) ReprocessHandler(c *gin.Context) {
	if s.deps.Reprocess == nil {
		writeError(c, &apiError{statusCode: http.StatusServiceUnavailable, errorType: httperr.HttpServiceUnavailable, message: msgReprocessingOff})
		return
	}
	tenantID, fieldID, apiErr := tenantFieldParams(c)
	if apiErr != nil {
		writeError(c, apiErr)
		return
	}
	var req reprocessRequest
	if apiErr := s.bindJSON(c, &req); apiErr != nil {
		writeError(c, apiErr)
		return
	}
	id, err := req.Entity.Parse()
	if err != nil {
		writeError(c, badRequest(httperr.HttpValidationError, err.Error()))
		return
	}

	task := reprocess.Task{TenantID: tenantID, Entity: id, FieldID: fieldID, StartTs: req.StartTs, EndTs: req.EndTs}
	if err := task.Validate(); err != nil {
		writeError(c, badRequest(httperr.HttpReprocessingRejected, err.Error()))
		return
	}

	jobID, err := s.deps.Reprocess.Submit(task)
	if errors.Is(err, reprocess.ErrQueueFull) {
		writeError(c, &apiError{statusCode: http.StatusServiceUnavailable, errorType: httperr.HttpServiceUnavailable, message: msgQueueFull})
		return
	}
	if err != nil {
		writeError(c, &apiError{statusCode: http.StatusInternalServerError, errorType: httperr.HttpInternalError, message: err.Error()})
		return
	}

	slog.Info("[Ingestion] Reprocessing queued", "job_id", jobID, "field_id", fieldID, "entity", id.String())
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": reprocess.StatusQueued})
}

func (s *Service) ReprocessStatusHandler(c *gin.Context) {
	if s.deps.Reprocess == nil {
		writeError(c, &apiError{statusCode: http.StatusServiceUnavailable, errorType: httperr.HttpServiceUnavailable, message: msgReprocessingOff})
		return
	}
	tenantID, apiErr := tenantParam(c)
	if apiErr != nil {
		writeError(c, apiErr)
		return
	}
	jobID, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		writeError(c, badRequest(httperr.HttpValidationError, "job id must be a uuid"))
		return
	}
	job, ok := s.deps.Reprocess.Job(jobID)
	if !ok || job.Task.TenantID != tenantID {
		writeError(c, &apiError{statusCode: http.StatusNotFound, errorType: httperr.HttpNotFoundError, message: msgJobNotFound})
		return
	}
	c.JSON(http.StatusOK, job)
}

// DebugEventsHandler lists recent debug events of the tenant, newest first.
func (s *Service) DebugEventsHandler(c *gin.Context) {
	tenantID, apiErr := tenantParam(c)
	if apiErr != nil {
		writeError(c, apiErr)
		return
	}
	filter := debug.Filter{TenantID: tenantID, Limit: defaultDebugLimit}
	if raw := c.Query("field_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(c, badRequest(httperr.HttpValidationError, "field_id must be a uuid"))
			return
		}
		filter.FieldID = id
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(c, badRequest(httperr.HttpValidationError, "limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}
	filter.OnlyErrors = c.Query("errors") == "true"

	events := []calc.DebugEvent{}
	if s.deps.Debug != nil {
		events = s.deps.Debug.Events(filter)
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Service) StatsHandler(c *gin.Context) {
	stats, err := s.deps.Engine.Stats(c.Request.Context())
	if err != nil {
		writeError(c, engineError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenants": stats})
}

// await submits a change to the engine and waits for its outcome, bounded by the
// service timeout.
func (s *Service) await(c *gin.Context, submit func(cb quorum.Callback)) *apiError {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()

	f := quorum.NewFuture()
	submit(f)
	if err := f.Wait(ctx); err != nil {
		return engineError(err)
	}
	return nil
}

// engineError maps an engine failure to its HTTP shape.
func engineError(err error) *apiError {
	if errors.Is(err, httperr.ErrStopped) {
		return &apiError{statusCode: http.StatusServiceUnavailable, errorType: httperr.HttpServiceUnavailable, message: err.Error()}
	}

	kind := httperr.Kind(err)
	status := http.StatusInternalServerError
	switch kind {
	case httperr.HttpStateSizeExceeded, httperr.HttpInitFailedError:
		status = http.StatusUnprocessableEntity
	case httperr.HttpTimeoutError:
		status = http.StatusGatewayTimeout
	case httperr.HttpReprocessingRejected:
		status = http.StatusBadRequest
	}
	return &apiError{statusCode: status, errorType: kind, message: err.Error(), details: httperr.Details(err)}
}

func persistError() *apiError {
	return &apiError{statusCode: http.StatusInternalServerError, errorType: httperr.HttpInternalError, message: msgPersistFailed}
}

// bindJSON reads at most maxBodySizeBytes of the body into dst.
func (s *Service) bindJSON(c *gin.Context, dst interface{}) *apiError {
	maxBytes := int64(s.maxBodySizeBytes)
	bodyBytes, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBytes+1))
	if err != nil {
		slog.Error("[Ingestion] Failed to read request body", "error", err)
		return &apiError{statusCode: http.StatusInternalServerError, errorType: httperr.HttpInternalError, message: msgReadBodyFailed}
	}
	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("[Ingestion] Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		return &apiError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpInvalidJsonError,
			message:    "Request body exceeds maximum allowed size",
			details:    map[string]interface{}{"max_size_mb": maxBytes / (1024 * 1024)},
		}
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	if err := c.ShouldBindJSON(dst); err != nil {
		slog.Warn("[Ingestion] Invalid JSON body received", "error", err, "payload_size", len(bodyBytes))
		return badRequest(httperr.HttpInvalidJsonError, msgInvalidJSON)
	}
	return nil
}

func tenantParam(c *gin.Context) (uuid.UUID, *apiError) {
	id, err := uuid.Parse(c.Param("tenant"))
	if err != nil {
		return uuid.Nil, badRequest(httperr.HttpValidationError, "tenant id must be a uuid")
	}
	return id, nil
}

func tenantEntityParams(c *gin.Context) (uuid.UUID, entity.ID, *apiError) {
	tenantID, apiErr := tenantParam(c)
	if apiErr != nil {
		return uuid.Nil, entity.ID{}, apiErr
	}
	id, err := entity.Parse(c.Param("entityType"), c.Param("entityId"))
	if err != nil {
		return uuid.Nil, entity.ID{}, badRequest(httperr.HttpValidationError, err.Error())
	}
	return tenantID, id, nil
}

func tenantFieldParams(c *gin.Context) (uuid.UUID, uuid.UUID, *apiError) {
	tenantID, apiErr := tenantParam(c)
	if apiErr != nil {
		return uuid.Nil, uuid.Nil, apiErr
	}
	fieldID, err := uuid.Parse(c.Param("fieldId"))
	if err != nil {
		return uuid.Nil, uuid.Nil, badRequest(httperr.HttpValidationError, "field id must be a uuid")
	}
	return tenantID, fieldID, nil
}

func splitKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// writeError serializes an apiError as the JSON HTTP response.
func writeError(c *gin.Context, err *apiError) {
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}
