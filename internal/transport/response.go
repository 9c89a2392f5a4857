// Package transport contains the HTTP router, middleware chain, and request
// handlers of the workflow API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/tessera/internal/observability"
	"github.com/pitabwire/tessera/model"
)

type listResponse[T any] struct {
	Items []T `json:"items"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteCreated writes a 201 with a Location header pointing at the new
// resource.
func WriteCreated(w http.ResponseWriter, location string, body any) {
	w.Header().Set("Location", location)
	WriteJSON(w, http.StatusCreated, body)
}

// writeStored writes a response recorded earlier, byte for byte.
func writeStored(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// WriteList writes items wrapped as {"items": [...]}, never null.
func WriteList[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	WriteJSON(w, http.StatusOK, listResponse[T]{Items: items})
}

// WriteError writes an ErrorEnvelope as a JSON response with the matching
// HTTP status code. Wrapped envelopes are unwrapped; any other error becomes
// a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	WriteJSON(w, model.HTTPStatus(ee.Code), model.ErrorResponse{Error: ee})
}

// writeFailure logs errors that are not part of the error taxonomy, then
// writes the response stamped with the request's trace ID so callers can
// quote it.
func writeFailure(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) || ee.Code == model.ErrInternalError {
		observability.RequestLogger(r.Context(), logger).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		ee = model.NewInternalError()
	}

	stamped := *ee
	if stamped.TraceID == "" {
		stamped.TraceID = observability.TraceIDFromContext(r.Context())
	}
	if stamped.TraceID == "" {
		stamped.TraceID = CorrelationIDFrom(r.Context())
	}
	WriteJSON(w, model.HTTPStatus(stamped.Code), model.ErrorResponse{Error: &stamped})
}
