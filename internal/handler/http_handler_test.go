package handler

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-escalation-approvals/internal/errors"
	"github.com/pesio-ai/be-escalation-approvals/internal/events"
	"github.com/pesio-ai/be-escalation-approvals/internal/logger"
	"github.com/pesio-ai/be-escalation-approvals/internal/metrics"
	"github.com/pesio-ai/be-escalation-approvals/internal/repository"
	"github.com/pesio-ai/be-escalation-approvals/internal/service"
)

type apiFixture struct {
	router *mux.Router
	bus    *events.LocalBus
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	log := logger.Nop()
	bus := events.NewLocalBus(log)
	templates := repository.NewMemoryTemplateStore()
	recorder := service.NewEventRecorder(repository.NewMemoryEventStore(), log)
	recorder.Attach(bus)

	reg := prometheus.NewRegistry()
	engine := service.NewWorkflowEngine(repository.NewMemoryWorkflowStore(), templates, bus, log,
		service.WithMetrics(metrics.New(reg)))

	router := mux.NewRouter()
	NewHTTPHandler(engine, service.NewTemplateService(templates, log), recorder, log).RegisterRoutes(router)
	RegisterOps(router, reg, HealthCheck{Name: "store", Check: func(context.Context) error { return nil }})
	return &apiFixture{router: router, bus: bus}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, httptest.NewRequest(method, path, &buf))

	out := map[string]any{}
	if rr.Body.Len() > 0 && rr.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	}
	return rr.Code, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHTTP_WorkflowLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	code, tpl := f.do(t, http.MethodPost, "/api/v1/templates", map[string]any{
		"name":                "Refund approval",
		"ownerId":             "agent-1",
		"globalDeadlineHours": 24,
		"allowDelegation":     true,
		"active":              true,
		"steps": []map[string]any{
			{"stepNumber": 1, "stepName": "Manager review", "approverRole": "manager", "approverEmail": "mgr@x.com"},
			{"stepNumber": 2, "stepName": "Director sign-off", "approverRole": "director"},
		},
	})
	require.Equal(t, http.StatusCreated, code)
	templateID := tpl["templateId"].(string)

	code, wf := f.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{
		"conversationId": "conv-1",
		"ownerId":        "agent-1",
		"templateId":     templateID,
	})
	require.Equal(t, http.StatusCreated, code)
	id := wf["workflowId"].(string)
	assert.Equal(t, "PENDING", wf["status"])

	code, body := f.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/approve", map[string]any{"approver": "intruder@x.com"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "FORBIDDEN", errorCode(body))

	code, wf = f.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/approve", map[string]any{"approver": "MGR@x.com", "stepIndex": 0})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "IN_PROGRESS", wf["status"])
	assert.EqualValues(t, 1, wf["currentStep"])

	code, body = f.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/approve", map[string]any{"approver": "mgr@x.com", "stepIndex": 0})
	assert.Equal(t, http.StatusConflict, code, "stale step pin")
	assert.Equal(t, false, body["actionable"])

	code, body = f.do(t, http.MethodGet, "/api/v1/approvers/someone@x.com/pending?role=director", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, wf = f.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/reject", map[string]any{"approver": "dir@x.com", "response": "too large"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "REJECTED", wf["status"])

	code, wf = f.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/rollback", map[string]any{"triggeredBy": "ops@x.com"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "IN_PROGRESS", wf["status"])

	code, wf = f.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/cancel", map[string]any{"cancelledBy": "agent-1", "reason": "resolved"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "CANCELLED", wf["status"])

	code, body = f.do(t, http.MethodGet, "/api/v1/workflows/"+id+"/history", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["history"], 4)

	code, wf = f.do(t, http.MethodGet, "/api/v1/conversations/conv-1/workflow", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, id, wf["workflowId"])

	f.bus.Wait()
	code, body = f.do(t, http.MethodGet, "/api/v1/workflows/"+id+"/events", nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["events"])

	code, body = f.do(t, http.MethodGet, "/api/v1/approvers/dir@x.com/completed", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])
}

func TestHTTP_Delegate(t *testing.T) {
	f := newAPIFixture(t)
	_, wf := f.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{"conversationId": "conv-1", "ownerId": "agent-1"})
	id := wf["workflowId"].(string)

	code, wf := f.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/delegate", map[string]any{
		"currentApprover": "lead@x.com", "delegateTo": "deputy@x.com", "reason": "leave",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "PENDING", wf["status"])
	steps := wf["steps"].([]any)
	assert.Equal(t, "DELEGATED", steps[0].(map[string]any)["status"])

	code, body := f.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/delegate", map[string]any{"currentApprover": "deputy@x.com"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "delegateTo", body["error"].(map[string]any)["field"])
	f.bus.Wait()
}

func TestHTTP_Errors(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"missing conversation", http.MethodPost, "/api/v1/workflows", map[string]any{"ownerId": "agent-1"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown workflow", http.MethodGet, "/api/v1/workflows/nope", nil, http.StatusNotFound, "NOT_FOUND"},
		{"rollback unknown", http.MethodPost, "/api/v1/workflows/nope/rollback", map[string]any{"triggeredBy": "ops"}, http.StatusNotFound, "NOT_FOUND"},
		{"cancel without actor", http.MethodPost, "/api/v1/workflows/nope/cancel", map[string]any{}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad template", http.MethodPost, "/api/v1/templates", map[string]any{"name": "x", "ownerId": "agent-1"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"list templates without owner", http.MethodGet, "/api/v1/templates", nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad activeOnly", http.MethodGet, "/api/v1/templates?ownerId=a&activeOnly=maybe", nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown template", http.MethodGet, "/api/v1/templates/nope", nil, http.StatusNotFound, "NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantErr, errorCode(body))
		})
	}

	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/workflows", bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHTTP_Templates(t *testing.T) {
	f := newAPIFixture(t)
	tpl := map[string]any{
		"name":    "Simple",
		"ownerId": "agent-1",
		"active":  true,
		"steps":   []map[string]any{{"stepNumber": 1, "stepName": "Review", "approverRole": "support_team"}},
	}

	code, _ := f.do(t, http.MethodPut, "/api/v1/templates/tpl-a", tpl)
	require.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, http.MethodPost, "/api/v1/templates/tpl-a/default", map[string]any{"ownerId": "agent-1"})
	require.Equal(t, http.StatusNoContent, code)

	code, body := f.do(t, http.MethodGet, "/api/v1/templates?ownerId=agent-1", nil)
	require.Equal(t, http.StatusOK, code)
	list := body["templates"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, true, list[0].(map[string]any)["isDefault"])

	code, wf := f.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{
		"conversationId": "conv-9", "ownerId": "agent-1", "useDefaultTemplate": true,
	})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "tpl-a", wf["templateId"])

	code, _ = f.do(t, http.MethodDelete, "/api/v1/templates/tpl-a", nil)
	require.Equal(t, http.StatusNoContent, code)

	code, body = f.do(t, http.MethodGet, "/api/v1/templates?ownerId=agent-1&activeOnly=false", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])
	f.bus.Wait()
}

func TestHTTP_Ops(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	router := mux.NewRouter()
	RegisterOps(router, prometheus.NewRegistry(), HealthCheck{Name: "database", Check: func(context.Context) error {
		return stderrors.New("connection refused")
	}})
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "connection refused")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, StatusFor(errors.ErrCodeConflict))
	assert.Equal(t, http.StatusConflict, StatusFor(errors.ErrCodeDelegationNotAllowed))
	assert.Equal(t, http.StatusConflict, StatusFor(errors.ErrCodeRollbackUnavailable))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.ErrCodeInternal))
}
