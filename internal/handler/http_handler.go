package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/common/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/common/middleware"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// HTTPHandler serves the approvals REST API.
type HTTPHandler struct {
	engine   *service.ApprovalEngine
	matrices *service.MatrixService
	ping     func(ctx context.Context) error
	log      *logger.Logger
}

// NewHTTPHandler creates a handler. ping backs the health endpoint.
func NewHTTPHandler(engine *service.ApprovalEngine, matrices *service.MatrixService, ping func(ctx context.Context) error, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine:   engine,
		matrices: matrices,
		ping:     ping,
		log:      log.Component("http"),
	}
}

// Routes mounts every endpoint on a chi router.
func (h *HTTPHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/matrices", func(m chi.Router) {
			m.Get("/", h.ListMatrices)
			m.Post("/", h.CreateMatrix)
			m.Post("/resolve", h.ResolveMatrix)
			m.Get("/{id}", h.GetMatrix)
			m.Put("/{id}", h.UpdateMatrix)
			m.Delete("/{id}", h.DeleteMatrix)
		})

		api.Route("/workflows", func(w chi.Router) {
			w.Post("/", h.SubmitWorkflow)
			w.Get("/{id}", h.GetWorkflow)
			w.Get("/{id}/timeline", h.GetTimeline)
			w.Get("/{id}/audit", h.GetAuditTrail)
			w.Post("/{id}/actions", h.ProcessAction)
			w.Post("/{id}/cancel", h.CancelWorkflow)
		})

		api.Route("/approvals", func(a chi.Router) {
			a.Get("/pending", h.ListPending)
			a.Get("/overdue", h.ListOverdue)
			a.Get("/stats", h.GetStatistics)
		})

		api.Route("/delegations", func(d chi.Router) {
			d.Get("/", h.ListDelegations)
			d.Post("/", h.CreateDelegation)
			d.Post("/{id}/revoke", h.RevokeDelegation)
		})
	})
	return r
}

// Health reports whether the store is reachable.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		if err := h.ping(r.Context()); err != nil {
			h.log.Warn().Err(err).Msg("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ── Matrices ──────────────────────────────────────────────────────────────────

func (h *HTTPHandler) CreateMatrix(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req MatrixRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ID = ""
	m, err := req.toMatrix()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	saved, err := h.matrices.Create(r.Context(), m, actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, matrixResponse(saved))
}

func (h *HTTPHandler) GetMatrix(w http.ResponseWriter, r *http.Request) {
	m, err := h.matrices.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, matrixResponse(m))
}

func (h *HTTPHandler) ListMatrices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.matrices.List(r.Context(), repository.MatrixFilter{
		ModuleName: q.Get("module_name"),
		EntityType: q.Get("entity_type"),
		ActiveOnly: queryBool(q.Get("active_only")),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]MatrixRequest, 0, len(list))
	for _, m := range list {
		out = append(out, matrixResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"matrices": out, "total": len(out)})
}

func (h *HTTPHandler) UpdateMatrix(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireActor(w, r); !ok {
		return
	}
	var req MatrixRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ID = chi.URLParam(r, "id")
	m, err := req.toMatrix()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	updated, err := h.matrices.Update(r.Context(), m)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, matrixResponse(updated))
}

func (h *HTTPHandler) DeleteMatrix(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireActor(w, r); !ok {
		return
	}
	if err := h.matrices.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) ResolveMatrix(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.engine.ResolveMatrix(r.Context(), req.ModuleName, req.EntityType, req.Attributes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse(res))
}

// ── Workflows ─────────────────────────────────────────────────────────────────

// SubmitWorkflow resolves the governing matrix and starts its workflow, or
// instantiates the named matrix directly when matrix_id is given.
func (h *HTTPHandler) SubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req SubmitRequest
	if !h.decode(w, r, &req) {
		return
	}

	if req.MatrixID != "" {
		h.instantiateWithMatrix(w, r, actor, req)
		return
	}

	res, err := h.engine.Submit(r.Context(), service.SubmitRequest{
		ModuleName: req.ModuleName,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		ScopeID:    req.ScopeID,
		Attributes: req.Attributes,
		Initiator:  actor,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !res.ApprovalRequired {
		writeJSON(w, http.StatusOK, SubmitResponse{Reason: res.Resolution.Reason})
		return
	}
	writeJSON(w, http.StatusCreated, SubmitResponse{
		ApprovalRequired: true,
		Workflow:         workflowJSON(res.Workflow.Workflow, res.Workflow.Steps),
	})
}

func (h *HTTPHandler) instantiateWithMatrix(w http.ResponseWriter, r *http.Request, actor string, req SubmitRequest) {
	m, err := h.matrices.Get(r.Context(), req.MatrixID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	attrs := req.Attributes
	if attrs == nil {
		attrs, err = h.engine.Registry().Lookup(r.Context(), req.EntityType, req.EntityID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	view, err := h.engine.InstantiateWorkflow(r.Context(), m, service.EntityRef{
		ModuleName: req.ModuleName,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		ScopeID:    req.ScopeID,
		Attributes: attrs,
	}, actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitResponse{
		ApprovalRequired: true,
		Workflow:         workflowJSON(view.Workflow, view.Steps),
	})
}

func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workflowJSON(view.Workflow, view.Steps))
}

func (h *HTTPHandler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	tl, err := h.engine.Timeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := workflowJSON(tl.Workflow, nil)
	steps := make([]StepJSON, 0, len(tl.Entries))
	for _, e := range tl.Entries {
		steps = append(steps, stepJSON(e.Step, e.Urgency))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow": out, "steps": steps})
}

func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.AuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": auditJSON(entries)})
}

func (h *HTTPHandler) ProcessAction(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req ActionRequest
	if !h.decode(w, r, &req) {
		return
	}
	action, err := service.ParseAction(req.Action)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.engine.ProcessAction(r.Context(), chi.URLParam(r, "id"), actor, action, req.payload())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse(res))
}

func (h *HTTPHandler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req CancelRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := h.engine.CancelWorkflow(r.Context(), id, actor, req.Reason); err != nil {
		h.writeError(w, r, err)
		return
	}
	view, err := h.engine.GetWorkflow(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "workflow": workflowJSON(view.Workflow, view.Steps)})
}

// ── Inbox ─────────────────────────────────────────────────────────────────────

func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	items, err := h.engine.PendingSteps(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": pendingJSON(items), "total": len(items)})
}

// ListOverdue lists the caller's overdue steps, or every user's when
// all=true is passed.
func (h *HTTPHandler) ListOverdue(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	user := actor
	if queryBool(r.URL.Query().Get("all")) {
		user = ""
	}
	items, err := h.engine.OverdueSteps(r.Context(), user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": pendingJSON(items), "total": len(items)})
}

func (h *HTTPHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stats, err := h.engine.Statistics(r.Context(), repository.StatsFilter{
		UserID:     q.Get("user_id"),
		ScopeID:    q.Get("scope_id"),
		ModuleName: q.Get("module_name"),
		EntityType: q.Get("entity_type"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ── Delegations ───────────────────────────────────────────────────────────────

func (h *HTTPHandler) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req DelegationRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := h.engine.CreateDelegation(r.Context(), actor, service.DelegationRequest{
		ApproverID:          req.ApproverID,
		DelegateFromUserID:  req.DelegateFromUserID,
		DelegateToUserID:    req.DelegateToUserID,
		Reason:              req.Reason,
		StartDate:           req.StartDate,
		EndDate:             req.EndDate,
		MaxDelegationAmount: req.MaxDelegationAmount,
		CanFurtherDelegate:  req.CanFurtherDelegate,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, delegationJSON(d))
}

func (h *HTTPHandler) ListDelegations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.engine.ListDelegations(r.Context(), repository.DelegationFilter{
		ApproverID: q.Get("approver_id"),
		UserID:     q.Get("user_id"),
		ActiveOnly: queryBool(q.Get("active_only")),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]DelegationJSON, 0, len(list))
	for _, d := range list {
		out = append(out, delegationJSON(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"delegations": out, "total": len(out)})
}

func (h *HTTPHandler) RevokeDelegation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	d, err := h.engine.RevokeDelegation(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, delegationJSON(d))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// requireActor writes 401 when the gateway did not identify the caller.
func (h *HTTPHandler) requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := middleware.GetActor(r.Context())
	if actor == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{
			Code:    errors.ErrCodeUnauthorized,
			Message: middleware.HeaderActor + " header is required",
		}})
		return "", false
	}
	return actor, true
}

// decode reads a JSON body. Numbers inside free-form attribute maps are kept
// as json.Number.
func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body: "+err.Error()))
		return false
	}
	return true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := errors.HTTPStatus(code)
	detail := errorDetail{Code: code, Message: err.Error()}

	var appErr *errors.Error
	if errors.As(err, &appErr) {
		detail.Message = appErr.Message
		detail.Field = appErr.Field
	}
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("request_id", middleware.GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Request failed")
		detail.Message = "internal server error"
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}
