package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/tessera/internal/approval"
	"github.com/pitabwire/tessera/internal/tasks"
	"github.com/pitabwire/tessera/internal/workflow"
	"github.com/pitabwire/tessera/model"
)

const maxBodyBytes = 1 << 20

// Handlers serves the workflow, task and approval commands.
type Handlers struct {
	engine    *workflow.Engine
	tasks     *tasks.Manager
	approvals *approval.Service
	logger    *zap.Logger
}

// NewHandlers creates the command handlers.
func NewHandlers(engine *workflow.Engine, tasks *tasks.Manager, approvals *approval.Service, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{engine: engine, tasks: tasks, approvals: approvals, logger: logger}
}

// requestContext returns the caller, writing 401 when the auth chain did
// not establish one.
func requestContext(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return rctx, true
}

// decodeBody reads a JSON body into dst. An empty body leaves dst untouched
// when optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		WriteError(w, model.NewBadRequestError("invalid JSON body"))
		return false
	}
	return true
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeFailure(w, r, h.logger, err)
}
