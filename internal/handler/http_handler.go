package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pesio-ai/be-escalation-approvals/internal/errors"
	"github.com/pesio-ai/be-escalation-approvals/internal/logger"
	"github.com/pesio-ai/be-escalation-approvals/internal/repository"
	"github.com/pesio-ai/be-escalation-approvals/internal/service"
)

// HTTPHandler serves the workflow and template JSON API.
type HTTPHandler struct {
	engine    *service.WorkflowEngine
	templates *service.TemplateService
	recorder  *service.EventRecorder
	validate  *validator.Validate
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	engine *service.WorkflowEngine,
	templates *service.TemplateService,
	recorder *service.EventRecorder,
	log *logger.Logger,
) *HTTPHandler {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &HTTPHandler{
		engine:    engine,
		templates: templates,
		recorder:  recorder,
		validate:  v,
		log:       log.Component("http_handler"),
	}
}

// RegisterRoutes registers all API routes
func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/workflows", h.CreateWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}", h.GetWorkflow).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/history", h.GetHistory).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/events", h.ListEvents).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/approve", h.ApproveStep).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/reject", h.RejectStep).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/delegate", h.DelegateApproval).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/cancel", h.CancelWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/rollback", h.RollbackWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{conversationId}/workflow", h.GetWorkflowByConversation).Methods(http.MethodGet)
	api.HandleFunc("/approvers/{approver}/pending", h.ListPending).Methods(http.MethodGet)
	api.HandleFunc("/approvers/{approver}/completed", h.ListCompleted).Methods(http.MethodGet)

	api.HandleFunc("/templates", h.UpsertTemplate).Methods(http.MethodPost)
	api.HandleFunc("/templates", h.ListTemplates).Methods(http.MethodGet)
	api.HandleFunc("/templates/{id}", h.UpsertTemplate).Methods(http.MethodPut)
	api.HandleFunc("/templates/{id}", h.GetTemplate).Methods(http.MethodGet)
	api.HandleFunc("/templates/{id}", h.DeactivateTemplate).Methods(http.MethodDelete)
	api.HandleFunc("/templates/{id}/default", h.SetDefaultTemplate).Methods(http.MethodPost)
}

// HealthCheck is one dependency probed by /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// RegisterOps mounts /health and /metrics.
func RegisterOps(router *mux.Router, gatherer prometheus.Gatherer, checks ...HealthCheck) {
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := "healthy", http.StatusOK
		results := make(map[string]string, len(checks))
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				results[c.Name] = err.Error()
				status, code = "unhealthy", http.StatusServiceUnavailable
				continue
			}
			results[c.Name] = "ok"
		}
		respondJSON(w, code, map[string]any{"status": status, "checks": results})
	}).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// ── Workflows ────────────────────────────────────────────────────────────────

func (h *HTTPHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req service.CreateWorkflowRequest
	if !h.decode(w, r, &req) {
		return
	}

	wf, err := h.engine.CreateWorkflow(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, wf)
}

func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.engine.GetWorkflow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

func (h *HTTPHandler) GetWorkflowByConversation(w http.ResponseWriter, r *http.Request) {
	wf, err := h.engine.GetWorkflowByConversation(r.Context(), mux.Vars(r)["conversationId"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.engine.GetHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if history == nil {
		history = []repository.StateSnapshot{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (h *HTTPHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.engine.GetWorkflow(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	evs, err := h.recorder.ListEvents(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if evs == nil {
		evs = []*repository.WorkflowEvent{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// ListPending handles GET /approvers/{approver}/pending?role=a&role=b.
func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	wfs, err := h.engine.ListPendingForApprover(r.Context(), mux.Vars(r)["approver"], r.URL.Query()["role"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondWorkflows(w, wfs)
}

func (h *HTTPHandler) ListCompleted(w http.ResponseWriter, r *http.Request) {
	wfs, err := h.engine.ListCompletedForApprover(r.Context(), mux.Vars(r)["approver"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondWorkflows(w, wfs)
}

func (h *HTTPHandler) ApproveStep(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.engine.ApproveStep)
}

func (h *HTTPHandler) RejectStep(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.engine.RejectStep)
}

func (h *HTTPHandler) decide(w http.ResponseWriter, r *http.Request,
	fn func(context.Context, service.ActionRequest) (*repository.Workflow, error)) {
	var req service.ActionRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	req.WorkflowID = mux.Vars(r)["id"]
	if !h.check(w, r, &req) {
		return
	}

	wf, err := fn(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

func (h *HTTPHandler) DelegateApproval(w http.ResponseWriter, r *http.Request) {
	var req service.DelegateRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	req.WorkflowID = mux.Vars(r)["id"]
	if !h.check(w, r, &req) {
		return
	}

	wf, err := h.engine.DelegateApproval(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

type cancelRequest struct {
	CancelledBy string `json:"cancelledBy" validate:"required"`
	Reason      string `json:"reason"`
}

func (h *HTTPHandler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !h.decode(w, r, &req) {
		return
	}

	wf, err := h.engine.CancelWorkflow(r.Context(), mux.Vars(r)["id"], req.CancelledBy, req.Reason)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

type rollbackRequest struct {
	TriggeredBy string `json:"triggeredBy" validate:"required"`
}

func (h *HTTPHandler) RollbackWorkflow(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if !h.decode(w, r, &req) {
		return
	}

	wf, err := h.engine.RollbackWorkflow(r.Context(), mux.Vars(r)["id"], req.TriggeredBy)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

// ── Templates ────────────────────────────────────────────────────────────────

// UpsertTemplate handles POST /templates and PUT /templates/{id}.
func (h *HTTPHandler) UpsertTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl repository.ApprovalTemplate
	if !h.decodeBody(w, r, &tpl) {
		return
	}
	if id, ok := mux.Vars(r)["id"]; ok {
		tpl.TemplateID = id
	}

	saved, err := h.templates.UpsertTemplate(r.Context(), &tpl)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	status := http.StatusOK
	if r.Method == http.MethodPost {
		status = http.StatusCreated
	}
	respondJSON(w, status, saved)
}

func (h *HTTPHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.templates.GetTemplate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, tpl)
}

// ListTemplates handles GET /templates?ownerId=...&activeOnly=false.
func (h *HTTPHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	activeOnly := true
	if raw := r.URL.Query().Get("activeOnly"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			h.respondError(w, r, errors.InvalidInput("activeOnly", "must be a boolean"))
			return
		}
		activeOnly = v
	}

	list, err := h.templates.ListTemplates(r.Context(), r.URL.Query().Get("ownerId"), activeOnly)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if list == nil {
		list = []*repository.ApprovalTemplate{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"templates": list, "count": len(list)})
}

func (h *HTTPHandler) DeactivateTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.templates.DeactivateTemplate(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setDefaultRequest struct {
	OwnerID string `json:"ownerId" validate:"required"`
}

func (h *HTTPHandler) SetDefaultTemplate(w http.ResponseWriter, r *http.Request) {
	var req setDefaultRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.templates.SetDefaultTemplate(r.Context(), req.OwnerID, mux.Vars(r)["id"]); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	return h.decodeBody(w, r, dst) && h.check(w, r, dst)
}

func (h *HTTPHandler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondError(w, r, errors.InvalidInput("body", "invalid request body"))
		return false
	}
	return true
}

func (h *HTTPHandler) check(w http.ResponseWriter, r *http.Request, v any) bool {
	err := h.validate.Struct(v)
	if err == nil {
		return true
	}
	if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		h.respondError(w, r, errors.InvalidInput(fe.Field(), "failed on '"+fe.Tag()+"' rule"))
		return false
	}
	h.respondError(w, r, errors.InvalidInput("body", err.Error()))
	return false
}

type errorBody struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code errors.Code) int {
	switch code {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeValidation:
		return http.StatusBadRequest
	case errors.ErrCodeForbidden:
		return http.StatusForbidden
	case errors.ErrCodeInvalidState, errors.ErrCodeDelegationNotAllowed,
		errors.ErrCodeRollbackUnavailable, errors.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPHandler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := StatusFor(code)

	body := errorBody{Code: code, Message: err.Error()}
	if appErr, ok := err.(*errors.AppError); ok {
		body.Message = appErr.Message
		body.Field = appErr.Field
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		body.Message = "internal server error"
	}

	resp := map[string]any{"error": body}
	if status == http.StatusConflict {
		resp["actionable"] = false
	}
	respondJSON(w, status, resp)
}

func respondWorkflows(w http.ResponseWriter, wfs []*repository.Workflow) {
	if wfs == nil {
		wfs = []*repository.Workflow{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"workflows": wfs, "count": len(wfs)})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
