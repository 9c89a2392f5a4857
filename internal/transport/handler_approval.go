package transport

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/tessera/internal/approval"
)

// IdempotencyKeyHeader carries the client's idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

func (h *Handlers) createPolicy(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	var in approval.PolicyInput
	if !decodeBody(w, r, &in, false) {
		return
	}
	p, err := h.approvals.CreatePolicy(r.Context(), rctx, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, p)
}

func (h *Handlers) listPolicies(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	list, err := h.approvals.ListPolicies(r.Context(), rctx, approval.PolicyFilter{
		Key:    q.Get("key"),
		Status: q.Get("status"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteList(w, list)
}

func (h *Handlers) activatePolicy(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	var body struct {
		Version int `json:"version"`
	}
	if !decodeBody(w, r, &body, false) {
		return
	}
	p, err := h.approvals.ActivatePolicy(r.Context(), rctx, chi.URLParam(r, "key"), body.Version)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

func (h *Handlers) deactivatePolicy(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	p, err := h.approvals.DeactivatePolicy(r.Context(), rctx, chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

func (h *Handlers) requireApproval(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	var req approval.GateRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	req.IdempotencyKey = r.Header.Get(IdempotencyKeyHeader)

	res, err := h.approvals.RequireApproval(r.Context(), rctx, req)
	var recorded *approval.RecordedFailure
	if errors.As(err, &recorded) {
		writeStored(w, recorded.Status, recorded.Body)
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (h *Handlers) decideTask(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	var body struct {
		Decision string `json:"decision"`
		Comment  string `json:"comment,omitempty"`
	}
	if !decodeBody(w, r, &body, false) {
		return
	}
	task, err := h.approvals.DecideTask(r.Context(), rctx, chi.URLParam(r, "id"), body.Decision, body.Comment)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, task)
}
