package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/tessera/internal/workflow"
	"github.com/pitabwire/tessera/model"
)

// --- Definitions ---

func (h *Handlers) createDefinition(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	var in workflow.DefinitionInput
	if !decodeBody(w, r, &in, false) {
		return
	}
	def, err := h.engine.CreateDefinition(r.Context(), rctx, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteCreated(w, APIPrefix+"/definitions/"+def.ID, def)
}

func (h *Handlers) listDefinitions(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	defs, err := h.engine.ListDefinitions(r.Context(), rctx, model.DefinitionFilters{
		Key:    q.Get("key"),
		Type:   q.Get("type"),
		Status: q.Get("status"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteList(w, defs)
}

func (h *Handlers) getDefinition(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	def, err := h.engine.GetDefinition(r.Context(), rctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, def)
}

// --- Instances ---

func (h *Handlers) startInstance(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	var in workflow.StartInput
	if !decodeBody(w, r, &in, false) {
		return
	}
	inst, created, err := h.engine.StartInstance(r.Context(), rctx, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if created {
		WriteCreated(w, APIPrefix+"/instances/"+inst.ID, inst)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

func (h *Handlers) listInstances(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	list, err := h.engine.ListInstances(r.Context(), rctx, model.InstanceFilters{
		DefinitionID: q.Get("definitionId"),
		Status:       q.Get("status"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteList(w, list)
}

func (h *Handlers) getInstance(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	inst, err := h.engine.GetInstance(r.Context(), rctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

func (h *Handlers) sendEvent(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	var ev model.MachineEvent
	if !decodeBody(w, r, &ev, false) {
		return
	}
	recorded, err := h.engine.SendEvent(r.Context(), rctx, chi.URLParam(r, "id"), ev)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, recorded)
}

func (h *Handlers) cancelInstance(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body, true) {
		return
	}
	inst, err := h.engine.CancelInstance(r.Context(), rctx, chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

func (h *Handlers) listInstanceTasks(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	list, err := h.tasks.ListTasks(r.Context(), rctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteList(w, list)
}

func (h *Handlers) listInstanceEvents(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	events, err := h.engine.ListEvents(r.Context(), rctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteList(w, events)
}

// --- Tasks ---

func (h *Handlers) completeTask(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	var body struct {
		Output map[string]any      `json:"output"`
		Event  *model.MachineEvent `json:"event,omitempty"`
	}
	if !decodeBody(w, r, &body, true) {
		return
	}
	task, err := h.tasks.Complete(r.Context(), rctx, chi.URLParam(r, "id"), body.Output, body.Event)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, task)
}

func (h *Handlers) failTask(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	var body struct {
		Error string `json:"error"`
	}
	if !decodeBody(w, r, &body, true) {
		return
	}
	task, err := h.tasks.Fail(r.Context(), rctx, chi.URLParam(r, "id"), body.Error)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, task)
}
