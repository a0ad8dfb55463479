package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aevon-lab/calcengine/internal/actor"
	v1 "github.com/aevon-lab/calcengine/internal/api/v1"
	"github.com/aevon-lab/calcengine/internal/core/calc"
	"github.com/aevon-lab/calcengine/internal/core/entity"
	httperr "github.com/aevon-lab/calcengine/internal/core/errors"
	"github.com/aevon-lab/calcengine/internal/core/field"
	"github.com/aevon-lab/calcengine/internal/core/partition"
	"github.com/aevon-lab/calcengine/internal/core/quorum"
	"github.com/aevon-lab/calcengine/internal/core/storage/memory"
	"github.com/aevon-lab/calcengine/internal/debug"
	"github.com/aevon-lab/calcengine/internal/reprocess"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// errNoReply makes mockEngine leave the callback pending.
var errNoReply = errors.New("no reply")

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) complete(args mock.Arguments, cb quorum.Callback) {
	err := args.Error(0)
	switch {
	case errors.Is(err, errNoReply):
	case err != nil:
		cb.OnFailure(err)
	default:
		cb.OnSuccess()
	}
}

func (m *mockEngine) OnTelemetry(tenantID uuid.UUID, ev actor.TelemetryEvent, cb quorum.Callback) {
	m.complete(m.Called(tenantID, ev), cb)
}

func (m *mockEngine) OnLinkedTelemetry(tenantID uuid.UUID, ev actor.LinkedTelemetryEvent, cb quorum.Callback) {
	m.complete(m.Called(tenantID, ev), cb)
}

func (m *mockEngine) OnFieldEvent(tenantID uuid.UUID, ev actor.FieldEvent, cb quorum.Callback) {
	m.complete(m.Called(tenantID, ev), cb)
}

func (m *mockEngine) OnEntityEvent(tenantID uuid.UUID, ev actor.EntityEvent, cb quorum.Callback) {
	m.complete(m.Called(tenantID, ev), cb)
}

func (m *mockEngine) OnRelation(tenantID uuid.UUID, ev actor.RelationEvent, cb quorum.Callback) {
	m.complete(m.Called(tenantID, ev), cb)
}

func (m *mockEngine) OnEntityAction(tenantID uuid.UUID, ev actor.EntityActionEvent, cb quorum.Callback) {
	m.complete(m.Called(tenantID, ev), cb)
}

func (m *mockEngine) OnTenantProfile(tenantID uuid.UUID, interval time.Duration, cb quorum.Callback) {
	m.complete(m.Called(tenantID, interval), cb)
}

func (m *mockEngine) Stats(ctx context.Context) ([]actor.Stats, error) {
	args := m.Called(ctx)
	stats, _ := args.Get(0).([]actor.Stats)
	return stats, args.Error(1)
}

type fakeReprocessor struct {
	submitted []reprocess.Task
	jobs      map[uuid.UUID]reprocess.Job
	err       error
}

func (f *fakeReprocessor) Submit(task reprocess.Task) (uuid.UUID, error) {
	if f.err != nil {
		return uuid.Nil, f.err
	}
	task.ID = uuid.New()
	f.submitted = append(f.submitted, task)
	if f.jobs == nil {
		f.jobs = make(map[uuid.UUID]reprocess.Job)
	}
	f.jobs[task.ID] = reprocess.Job{Task: task, Status: reprocess.StatusQueued}
	return task.ID, nil
}

func (f *fakeReprocessor) Job(id uuid.UUID) (reprocess.Job, bool) {
	j, ok := f.jobs[id]
	return j, ok
}

type testEnv struct {
	engine      *mockEngine
	telemetry   *memory.TelemetryStore
	definitions *memory.DefinitionStore
	directory   *memory.Directory
	reprocessor *fakeReprocessor
	recorder    *debug.Recorder
	router      *gin.Engine
	tenantID    uuid.UUID
}

func newTestEnv(t *testing.T, timeout time.Duration) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &testEnv{
		engine:      &mockEngine{},
		telemetry:   memory.NewTelemetryStore(),
		definitions: memory.NewDefinitionStore(),
		directory:   memory.NewDirectory(),
		reprocessor: &fakeReprocessor{},
		recorder:    debug.NewRecorder(16),
		tenantID:    uuid.New(),
	}
	svc := NewService(Deps{
		Engine:      env.engine,
		Telemetry:   env.telemetry,
		Definitions: env.definitions,
		Writer:      env.definitions,
		Directory:   env.directory,
		Reprocess:   env.reprocessor,
		Debug:       env.recorder,
	}, 1, timeout)

	env.router = gin.New()
	svc.RegisterRoutes(env.router)
	t.Cleanup(func() { env.engine.AssertExpectations(t) })
	return env
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, "/api/v1/tenants/"+e.tenantID.String()+path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) httperr.ErrorResponse {
	t.Helper()
	var errResp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
	return errResp
}

func testField(tenantID uuid.UUID) *field.CalculatedField {
	return &field.CalculatedField{
		ID:         uuid.New(),
		TenantID:   tenantID,
		EntityID:   entity.New(entity.Device, uuid.New()),
		Name:       "fahrenheit",
		Type:       field.Simple,
		Arguments:  map[string]field.Argument{"t": {Key: field.ReferencedKey{Name: "temperature", Type: field.TsLatest}}},
		Expression: "t * 1.8 + 32",
		Output:     field.Output{Type: field.OutputTimeSeries, Name: "temperatureF"},
	}
}

func TestSaveTimeseriesHandler_StoresAndNotifies(t *testing.T) {
	env := newTestEnv(t, time.Second)
	dev := entity.New(entity.Device, uuid.New())

	env.engine.On("OnTelemetry", env.tenantID, mock.MatchedBy(func(ev actor.TelemetryEvent) bool {
		return ev.Entity == dev &&
			ev.Update.Kind == calc.TimeSeries &&
			len(ev.Update.Entries) == 1 &&
			ev.Update.Entries[0].Key == "temperature" &&
			ev.Update.Entries[0].Ts == 1000
	})).Return(nil).Once()

	resp := env.do(http.MethodPost, "/entities/DEVICE/"+dev.UUID.String()+"/timeseries",
		`{"ts": 1000, "values": {"temperature": 21.5}}`)
	require.Equal(t, http.StatusOK, resp.Code)

	var result map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.Equal(t, "processed", result["status"])
	assert.NotEmpty(t, result["msg_id"])

	latest, err := env.telemetry.FindLatest(context.Background(), env.tenantID, dev, []string{"temperature"})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, 21.5, latest[0].Value)
}

func TestSaveTimeseriesHandler_EngineErrors(t *testing.T) {
	dev := entity.New(entity.Device, uuid.New())
	calcErr := &httperr.CalculationError{
		FieldID:   uuid.New(),
		FieldName: "fahrenheit",
		Entity:    dev,
		Cause:     errors.New("division by zero"),
	}

	tests := []struct {
		name       string
		engineErr  error
		wantStatus int
		wantType   string
	}{
		{
			name:       "state size exceeded",
			engineErr:  fmt.Errorf("persist: %w", httperr.ErrStateSizeExceeded),
			wantStatus: http.StatusUnprocessableEntity,
			wantType:   httperr.HttpStateSizeExceeded,
		},
		{
			name:       "calculation failure",
			engineErr:  calcErr,
			wantStatus: http.StatusInternalServerError,
			wantType:   httperr.HttpCalculationFailed,
		},
		{
			name:       "engine stopped",
			engineErr:  httperr.ErrStopped,
			wantStatus: http.StatusServiceUnavailable,
			wantType:   httperr.HttpServiceUnavailable,
		},
		{
			name:       "calculation timeout",
			engineErr:  httperr.ErrCalculationTimeout,
			wantStatus: http.StatusGatewayTimeout,
			wantType:   httperr.HttpTimeoutError,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, time.Second)
			env.engine.On("OnTelemetry", env.tenantID, mock.Anything).Return(tc.engineErr).Once()

			resp := env.do(http.MethodPost, "/entities/DEVICE/"+dev.UUID.String()+"/timeseries",
				`{"values": {"temperature": 1}}`)
			require.Equal(t, tc.wantStatus, resp.Code)
			assert.Equal(t, tc.wantType, decodeError(t, resp).ErrorType)
		})
	}
}

func TestSaveTimeseriesHandler_CalculationErrorDetails(t *testing.T) {
	env := newTestEnv(t, time.Second)
	dev := entity.New(entity.Device, uuid.New())
	fieldID := uuid.New()
	env.engine.On("OnTelemetry", env.tenantID, mock.Anything).Return(&httperr.CalculationError{
		FieldID:   fieldID,
		FieldName: "fahrenheit",
		Entity:    dev,
		Cause:     errors.New("boom"),
	}).Once()

	resp := env.do(http.MethodPost, "/entities/DEVICE/"+dev.UUID.String()+"/timeseries", `{"values": {"t": 1}}`)
	require.Equal(t, http.StatusInternalServerError, resp.Code)

	details, ok := decodeError(t, resp).Details.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, fieldID.String(), details["field_id"])
	assert.Equal(t, "fahrenheit", details["field_name"])
}

func TestSaveTimeseriesHandler_WaitTimesOut(t *testing.T) {
	env := newTestEnv(t, 20*time.Millisecond)
	dev := entity.New(entity.Device, uuid.New())
	env.engine.On("OnTelemetry", env.tenantID, mock.Anything).Return(errNoReply).Once()

	resp := env.do(http.MethodPost, "/entities/DEVICE/"+dev.UUID.String()+"/timeseries", `{"values": {"t": 1}}`)
	require.Equal(t, http.StatusGatewayTimeout, resp.Code)
	assert.Equal(t, httperr.HttpTimeoutError, decodeError(t, resp).ErrorType)
}

func TestSaveTimeseriesHandler_RejectsBadRequests(t *testing.T) {
	dev := uuid.NewString()

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantType   string
	}{
		{
			name:       "malformed json",
			path:       "/entities/DEVICE/" + dev + "/timeseries",
			body:       "not json",
			wantStatus: http.StatusBadRequest,
			wantType:   httperr.HttpInvalidJsonError,
		},
		{
			name:       "no values",
			path:       "/entities/DEVICE/" + dev + "/timeseries",
			body:       `{"ts": 1}`,
			wantStatus: http.StatusBadRequest,
			wantType:   httperr.HttpValidationError,
		},
		{
			name:       "unknown entity type",
			path:       "/entities/ROBOT/" + dev + "/timeseries",
			body:       `{"values": {"t": 1}}`,
			wantStatus: http.StatusBadRequest,
			wantType:   httperr.HttpValidationError,
		},
		{
			name:       "entity id not a uuid",
			path:       "/entities/DEVICE/abc/timeseries",
			body:       `{"values": {"t": 1}}`,
			wantStatus: http.StatusBadRequest,
			wantType:   httperr.HttpValidationError,
		},
		{
			name:       "body too large",
			path:       "/entities/DEVICE/" + dev + "/timeseries",
			body:       `{"values": {"t": "` + strings.Repeat("x", 1024*1024) + `"}}`,
			wantStatus: http.StatusRequestEntityTooLarge,
			wantType:   httperr.HttpInvalidJsonError,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, time.Second)
			resp := env.do(http.MethodPost, tc.path, tc.body)
			require.Equal(t, tc.wantStatus, resp.Code)
			assert.Equal(t, tc.wantType, decodeError(t, resp).ErrorType)
			env.engine.AssertNotCalled(t, "OnTelemetry", mock.Anything, mock.Anything)
		})
	}
}

func TestInvalidTenant(t *testing.T) {
	env := newTestEnv(t, time.Second)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tenants/acme/debug/events", nil)
	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)

	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, httperr.HttpValidationError, decodeError(t, resp).ErrorType)
}

func TestDeleteTimeseriesHandler(t *testing.T) {
	env := newTestEnv(t, time.Second)
	dev := entity.New(entity.Device, uuid.New())
	path := "/entities/DEVICE/" + dev.UUID.String() + "/timeseries"

	resp := env.do(http.MethodDelete, path, nil)
	require.Equal(t, http.StatusBadRequest, resp.Code)

	env.engine.On("OnTelemetry", env.tenantID, mock.MatchedBy(func(ev actor.TelemetryEvent) bool {
		return assert.ObjectsAreEqual([]string{"a", "b"}, ev.Update.Removed) && len(ev.Update.Entries) == 0
	})).Return(nil).Once()

	resp = env.do(http.MethodDelete, path+"?keys=a,%20b,", nil)
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestSaveAttributesHandler_UsesScope(t *testing.T) {
	env := newTestEnv(t, time.Second)
	dev := entity.New(entity.Device, uuid.New())

	env.engine.On("OnTelemetry", env.tenantID, mock.MatchedBy(func(ev actor.TelemetryEvent) bool {
		return ev.Update.Kind == calc.Attributes && ev.Update.Scope == "SERVER_SCOPE"
	})).Return(nil).Once()

	resp := env.do(http.MethodPost, "/entities/DEVICE/"+dev.UUID.String()+"/attributes/SERVER_SCOPE",
		`{"values": {"threshold": 30}}`)
	require.Equal(t, http.StatusOK, resp.Code)

	attrs, err := env.telemetry.FindAttributes(context.Background(), env.tenantID, dev, "SERVER_SCOPE", []string{"threshold"})
	require.NoError(t, err)
	require.Len(t, attrs, 1)
}

func TestEnvelopeHandler(t *testing.T) {
	env := newTestEnv(t, time.Second)
	dev := entity.New(entity.Device, uuid.New())

	t.Run("dispatches telemetry", func(t *testing.T) {
		env.engine.On("OnTelemetry", env.tenantID, mock.MatchedBy(func(ev actor.TelemetryEvent) bool {
			return ev.Entity == dev
		})).Return(nil).Once()

		resp := env.do(http.MethodPost, "/envelopes", v1.Envelope{
			Type:      v1.TypeTelemetry,
			Telemetry: &v1.TelemetryPayload{Entity: v1.NewEntityRef(dev), Values: map[string]any{"t": 1.0}},
		})
		require.Equal(t, http.StatusOK, resp.Code)
	})

	t.Run("tenant must match path", func(t *testing.T) {
		resp := env.do(http.MethodPost, "/envelopes", v1.Envelope{
			TenantID:  uuid.NewString(),
			Type:      v1.TypeTelemetry,
			Telemetry: &v1.TelemetryPayload{Entity: v1.NewEntityRef(dev), Values: map[string]any{"t": 1.0}},
		})
		require.Equal(t, http.StatusBadRequest, resp.Code)
		assert.Contains(t, decodeError(t, resp).Message, "tenant_id")
	})

	t.Run("invalid envelope", func(t *testing.T) {
		resp := env.do(http.MethodPost, "/envelopes", v1.Envelope{Type: v1.TypeRelation})
		require.Equal(t, http.StatusBadRequest, resp.Code)
		assert.Equal(t, httperr.HttpValidationError, decodeError(t, resp).ErrorType)
	})

	t.Run("tenant profile", func(t *testing.T) {
		env.engine.On("OnTenantProfile", env.tenantID, time.Hour).Return(nil).Once()

		resp := env.do(http.MethodPost, "/envelopes", v1.Envelope{
			Type:          v1.TypeTenantProfile,
			TenantProfile: &v1.TenantProfilePayload{ReevaluationInterval: "1h"},
		})
		require.Equal(t, http.StatusOK, resp.Code)
	})
}

func TestEntityActionHandler(t *testing.T) {
	env := newTestEnv(t, time.Second)
	dev := entity.New(entity.Device, uuid.New())
	path := "/entities/DEVICE/" + dev.UUID.String() + "/actions"

	resp := env.do(http.MethodPost, path, `{"action": " "}`)
	require.Equal(t, http.StatusBadRequest, resp.Code)

	env.engine.On("OnEntityAction", env.tenantID, mock.MatchedBy(func(ev actor.EntityActionEvent) bool {
		return ev.Entity == dev && ev.Action == "ALARM_CLEAR"
	})).Return(nil).Once()
	resp = env.do(http.MethodPost, path, `{"action": "ALARM_CLEAR"}`)
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestSaveEntityHandler(t *testing.T) {
	env := newTestEnv(t, time.Second)
	dev := entity.New(entity.Device, uuid.New())
	customer := entity.New(entity.Customer, uuid.New())

	t.Run("defaults to update", func(t *testing.T) {
		env.engine.On("OnEntityEvent", env.tenantID, mock.MatchedBy(func(ev actor.EntityEvent) bool {
			return ev.Type == actor.EntityUpdated && ev.Info.OwnerID == customer
		})).Return(nil).Once()

		owner := v1.NewEntityRef(customer)
		resp := env.do(http.MethodPut, "/entities", v1.EntityPayload{Entity: v1.NewEntityRef(dev), Owner: &owner})
		require.Equal(t, http.StatusOK, resp.Code)

		info, err := env.directory.FindInfo(context.Background(), env.tenantID, dev)
		require.NoError(t, err)
		assert.Equal(t, customer, info.OwnerID)
	})

	t.Run("delete event rejected", func(t *testing.T) {
		resp := env.do(http.MethodPut, "/entities", v1.EntityPayload{Event: v1.EventDeleted, Entity: v1.NewEntityRef(dev)})
		require.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("delete", func(t *testing.T) {
		env.engine.On("OnEntityEvent", env.tenantID, mock.MatchedBy(func(ev actor.EntityEvent) bool {
			return ev.Type == actor.EntityDeleted && ev.Info.ID == dev
		})).Return(nil).Once()

		resp := env.do(http.MethodDelete, "/entities/DEVICE/"+dev.UUID.String(), nil)
		require.Equal(t, http.StatusOK, resp.Code)
	})
}

func TestRelationHandlers(t *testing.T) {
	env := newTestEnv(t, time.Second)
	asset := entity.New(entity.Asset, uuid.New())
	dev := entity.New(entity.Device, uuid.New())
	body := v1.RelationPayload{From: v1.NewEntityRef(asset), To: v1.NewEntityRef(dev), Type: "Contains"}

	env.engine.On("OnRelation", env.tenantID, mock.MatchedBy(func(ev actor.RelationEvent) bool {
		return !ev.Deleted && ev.Relation.From == asset
	})).Return(nil).Once()
	resp := env.do(http.MethodPost, "/relations", body)
	require.Equal(t, http.StatusOK, resp.Code)

	related, err := env.directory.FindRelated(context.Background(), env.tenantID, asset, entity.From, "Contains")
	require.NoError(t, err)
	assert.Equal(t, []entity.ID{dev}, related)

	env.engine.On("OnRelation", env.tenantID, mock.MatchedBy(func(ev actor.RelationEvent) bool {
		return ev.Deleted
	})).Return(nil).Once()
	resp = env.do(http.MethodDelete, "/relations", body)
	require.Equal(t, http.StatusOK, resp.Code)

	related, err = env.directory.FindRelated(context.Background(), env.tenantID, asset, entity.From, "Contains")
	require.NoError(t, err)
	assert.Empty(t, related)

	resp = env.do(http.MethodPost, "/relations", v1.RelationPayload{From: v1.NewEntityRef(asset), To: v1.NewEntityRef(dev)})
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestSaveFieldHandler_CreateThenUpdate(t *testing.T) {
	env := newTestEnv(t, time.Second)
	cf := testField(env.tenantID)
	doc := field.NewDocument(cf)

	env.engine.On("OnFieldEvent", env.tenantID, mock.MatchedBy(func(ev actor.FieldEvent) bool {
		return ev.Type == actor.FieldCreated && ev.FieldID == cf.ID && ev.Field.Version == 1
	})).Return(nil).Once()

	resp := env.do(http.MethodPut, "/fields", doc)
	require.Equal(t, http.StatusCreated, resp.Code)

	var saved field.Document
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &saved))
	assert.Equal(t, int64(1), saved.Version)
	assert.Equal(t, cf.ID.String(), saved.ID)

	env.engine.On("OnFieldEvent", env.tenantID, mock.MatchedBy(func(ev actor.FieldEvent) bool {
		return ev.Type == actor.FieldUpdated && ev.Field.Version == 2
	})).Return(nil).Once()

	doc.Expression = "t * 9 / 5 + 32"
	resp = env.do(http.MethodPut, "/fields", doc)
	require.Equal(t, http.StatusOK, resp.Code)

	stored, err := env.definitions.FindByID(context.Background(), env.tenantID, cf.ID)
	require.NoError(t, err)
	assert.Equal(t, "t * 9 / 5 + 32", stored.Expression)
}

func TestSaveFieldHandler_AssignsIDAndTenant(t *testing.T) {
	env := newTestEnv(t, time.Second)
	doc := field.NewDocument(testField(env.tenantID))
	doc.ID = ""
	doc.TenantID = ""

	env.engine.On("OnFieldEvent", env.tenantID, mock.Anything).Return(nil).Once()
	resp := env.do(http.MethodPut, "/fields", doc)
	require.Equal(t, http.StatusCreated, resp.Code)

	var saved field.Document
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &saved))
	_, err := uuid.Parse(saved.ID)
	require.NoError(t, err)
	assert.Equal(t, env.tenantID.String(), saved.TenantID)
}

func TestSaveFieldHandler_Rejects(t *testing.T) {
	env := newTestEnv(t, time.Second)

	t.Run("invalid definition", func(t *testing.T) {
		doc := field.NewDocument(testField(env.tenantID))
		doc.Output.Name = ""
		resp := env.do(http.MethodPut, "/fields", doc)
		require.Equal(t, http.StatusBadRequest, resp.Code)
		assert.Equal(t, httperr.HttpValidationError, decodeError(t, resp).ErrorType)
	})

	t.Run("other tenant", func(t *testing.T) {
		resp := env.do(http.MethodPut, "/fields", field.NewDocument(testField(uuid.New())))
		require.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("uncompilable expression", func(t *testing.T) {
		cf := testField(env.tenantID)
		cf.Expression = "t +* 1"

		resp := env.do(http.MethodPut, "/fields", field.NewDocument(cf))
		require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
		errResp := decodeError(t, resp)
		assert.Equal(t, httperr.HttpInitFailedError, errResp.ErrorType)
		assert.NotNil(t, errResp.Details)

		_, err := env.definitions.FindByID(context.Background(), env.tenantID, cf.ID)
		assert.ErrorIs(t, err, field.ErrNotFound)
	})

	t.Run("engine refuses create", func(t *testing.T) {
		cf := testField(env.tenantID)
		env.engine.On("OnFieldEvent", env.tenantID, mock.Anything).
			Return(&httperr.InitError{FieldID: cf.ID, Name: cf.Name, Cause: errors.New("bad expression")}).Once()

		resp := env.do(http.MethodPut, "/fields", field.NewDocument(cf))
		require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
		assert.Equal(t, httperr.HttpInitFailedError, decodeError(t, resp).ErrorType)

		_, err := env.definitions.FindByID(context.Background(), env.tenantID, cf.ID)
		assert.ErrorIs(t, err, field.ErrNotFound)
	})

	t.Run("engine refuses update", func(t *testing.T) {
		cf := testField(env.tenantID)
		_, err := env.definitions.Save(context.Background(), cf)
		require.NoError(t, err)
		env.engine.On("OnFieldEvent", env.tenantID, mock.Anything).
			Return(&httperr.InitError{FieldID: cf.ID, Name: cf.Name, Cause: errors.New("bad expression")}).Once()

		doc := field.NewDocument(cf)
		doc.Expression = "t * 2"
		resp := env.do(http.MethodPut, "/fields", doc)
		require.Equal(t, http.StatusUnprocessableEntity, resp.Code)

		stored, err := env.definitions.FindByID(context.Background(), env.tenantID, cf.ID)
		require.NoError(t, err)
		assert.Equal(t, "t * 1.8 + 32", stored.Expression)
	})
}

func TestSaveFieldHandler_BrokenUpdateKeepsRunningVersion(t *testing.T) {
	gin.SetMode(gin.TestMode)
	definitions := memory.NewDefinitionStore()
	telemetry := memory.NewTelemetryStore()
	directory := memory.NewDirectory()
	states := memory.NewStateStore()
	env := &testEnv{tenantID: uuid.New(), definitions: definitions, telemetry: telemetry}

	var sys *actor.System
	start := func() {
		sys = actor.NewSystem(actor.Deps{
			States:      states,
			Fetcher:     calc.NewFetcher(telemetry, directory),
			Definitions: definitions,
			Directory:   directory,
			Sink:        NewTelemetrySink(telemetry),
			Partitions:  partition.NewStaticResolver(nil),
		}, actor.Config{StateFetchTimeout: time.Second, CalculationTimeout: time.Second})
		require.NoError(t, sys.Start(context.Background()))
		env.router = gin.New()
		NewService(Deps{
			Engine:      sys,
			Telemetry:   telemetry,
			Definitions: definitions,
			Writer:      definitions,
			Directory:   directory,
		}, 1, 2*time.Second).RegisterRoutes(env.router)
	}
	t.Cleanup(func() { sys.Stop() })
	start()

	cf := testField(env.tenantID)
	doc := field.NewDocument(cf)
	resp := env.do(http.MethodPut, "/fields", doc)
	require.Equal(t, http.StatusCreated, resp.Code)

	doc.Expression = "t +* 1"
	resp = env.do(http.MethodPut, "/fields", doc)
	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	assert.Equal(t, httperr.HttpInitFailedError, decodeError(t, resp).ErrorType)

	stored, err := definitions.FindByID(context.Background(), env.tenantID, cf.ID)
	require.NoError(t, err)
	assert.Equal(t, "t * 1.8 + 32", stored.Expression)
	assert.Equal(t, int64(1), stored.Version)

	latestF := func() float64 {
		t.Helper()
		latest, err := telemetry.FindLatest(context.Background(), env.tenantID, cf.EntityID, []string{"temperatureF"})
		require.NoError(t, err)
		require.Len(t, latest, 1)
		v, ok := latest[0].Value.(float64)
		require.True(t, ok, "unexpected value %v", latest[0].Value)
		return v
	}

	path := "/entities/DEVICE/" + cf.EntityID.UUID.String() + "/timeseries"
	resp = env.do(http.MethodPost, path, `{"ts": 1000, "values": {"temperature": 20}}`)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.InDelta(t, 68.0, latestF(), 1e-9)

	sys.Stop()
	start()

	resp = env.do(http.MethodPost, path, `{"ts": 2000, "values": {"temperature": 30}}`)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.InDelta(t, 86.0, latestF(), 1e-9)
}

func TestGetAndDeleteFieldHandlers(t *testing.T) {
	env := newTestEnv(t, time.Second)
	cf := testField(env.tenantID)
	_, err := env.definitions.Save(context.Background(), cf)
	require.NoError(t, err)

	resp := env.do(http.MethodGet, "/fields/"+cf.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var doc field.Document
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &doc))
	assert.Equal(t, cf.Name, doc.Name)

	resp = env.do(http.MethodGet, "/fields/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, resp.Code)

	resp = env.do(http.MethodGet, "/fields/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, resp.Code)

	env.engine.On("OnFieldEvent", env.tenantID, actor.FieldEvent{Type: actor.FieldDeleted, FieldID: cf.ID}).Return(nil).Once()
	resp = env.do(http.MethodDelete, "/fields/"+cf.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = env.do(http.MethodDelete, "/fields/"+cf.ID.String(), nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestReprocessHandler(t *testing.T) {
	env := newTestEnv(t, time.Second)
	fieldID := uuid.New()
	dev := entity.New(entity.Device, uuid.New())
	path := "/fields/" + fieldID.String() + "/reprocess"

	resp := env.do(http.MethodPost, path, reprocessRequest{Entity: v1.NewEntityRef(dev), StartTs: 1000, EndTs: 2000})
	require.Equal(t, http.StatusAccepted, resp.Code)

	var accepted struct {
		JobID  uuid.UUID        `json:"job_id"`
		Status reprocess.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &accepted))
	assert.Equal(t, reprocess.StatusQueued, accepted.Status)
	require.Len(t, env.reprocessor.submitted, 1)
	assert.Equal(t, fieldID, env.reprocessor.submitted[0].FieldID)
	assert.Equal(t, dev, env.reprocessor.submitted[0].Entity)

	resp = env.do(http.MethodGet, "/reprocess/"+accepted.JobID.String(), nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = env.do(http.MethodGet, "/reprocess/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, resp.Code)

	resp = env.do(http.MethodPost, path, reprocessRequest{Entity: v1.NewEntityRef(dev), StartTs: 2000, EndTs: 1000})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, httperr.HttpReprocessingRejected, decodeError(t, resp).ErrorType)

	env.reprocessor.err = reprocess.ErrQueueFull
	resp = env.do(http.MethodPost, path, reprocessRequest{Entity: v1.NewEntityRef(dev), StartTs: 1000, EndTs: 2000})
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestReprocessStatusHandler_OtherTenant(t *testing.T) {
	env := newTestEnv(t, time.Second)
	jobID, err := env.reprocessor.Submit(reprocess.Task{TenantID: uuid.New(), FieldID: uuid.New()})
	require.NoError(t, err)

	resp := env.do(http.MethodGet, "/reprocess/"+jobID.String(), nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestDebugEventsHandler(t *testing.T) {
	env := newTestEnv(t, time.Second)
	fieldID := uuid.New()
	env.recorder.Record(calc.DebugEvent{TenantID: env.tenantID, FieldID: fieldID, MsgType: actor.MsgTelemetry})
	env.recorder.Record(calc.DebugEvent{TenantID: env.tenantID, FieldID: fieldID, MsgType: actor.MsgTelemetry, Error: "boom"})
	env.recorder.Record(calc.DebugEvent{TenantID: uuid.New(), FieldID: fieldID})

	var body struct {
		Events []calc.DebugEvent `json:"events"`
	}

	resp := env.do(http.MethodGet, "/debug/events?field_id="+fieldID.String(), nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Len(t, body.Events, 2)
	assert.Equal(t, "boom", body.Events[0].Error)

	resp = env.do(http.MethodGet, "/debug/events?errors=true", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)

	resp = env.do(http.MethodGet, "/debug/events?limit=0", nil)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestStatsHandler(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.engine.On("Stats", mock.Anything).Return([]actor.Stats{{TenantID: env.tenantID, Fields: 2}}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		Tenants []actor.Stats `json:"tenants"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Len(t, body.Tenants, 1)
	assert.Equal(t, 2, body.Tenants[0].Fields)
}
