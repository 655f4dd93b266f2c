package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	dmerrors "github.com/dmcatalog/dmcat/internal/errors"
	"github.com/dmcatalog/dmcat/internal/reconcile"
)

// InvalidationPath is the route of the unregistered data invalidation API.
const InvalidationPath = "/v1/businessObjectData/unregistered/invalidation"

// Invalidator invalidates unregistered business object data.
type Invalidator interface {
	InvalidateUnregistered(ctx context.Context, req reconcile.Request) (*reconcile.Response, error)
}

// InvalidationHandler handles POST /v1/businessObjectData/unregistered/invalidation.
type InvalidationHandler struct {
	svc Invalidator
}

// NewInvalidationHandler creates a new invalidation handler.
func NewInvalidationHandler(svc Invalidator) *InvalidationHandler {
	return &InvalidationHandler{svc: svc}
}

// ServeHTTP handles the invalidation HTTP request.
func (h *InvalidationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	var req reconcile.Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}

	resp, err := h.svc.InvalidateUnregistered(r.Context(), req)
	if err != nil {
		writeCatalogError(w, err, requestID)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeCatalogError maps a service error onto an HTTP error response.
func writeCatalogError(w http.ResponseWriter, err error, requestID string) {
	status := StatusCode(err)
	resp := ErrorResponse{
		Error:     err.Error(),
		Category:  string(dmerrors.GetCategory(err)),
		Code:      dmerrors.GetCode(err),
		RequestID: requestID,
	}
	var ce *dmerrors.CatalogError
	if errors.As(err, &ce) && ce.Category != dmerrors.ErrCategoryInternal && ce.Category != dmerrors.ErrCategoryPersistence {
		resp.Error = ce.Message
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", requestID).Msg("invalidation failed")
	}
	writeJSON(w, status, resp)
}

// StatusCode returns the HTTP status for an error.
func StatusCode(err error) int {
	switch dmerrors.GetCategory(err) {
	case dmerrors.ErrCategoryValidation:
		return http.StatusBadRequest
	case dmerrors.ErrCategoryNotFound:
		return http.StatusNotFound
	case dmerrors.ErrCategoryPrecondition:
		return http.StatusPreconditionFailed
	case dmerrors.ErrCategoryStorage:
		return http.StatusBadGateway
	case dmerrors.ErrCategoryPersistence:
		if dmerrors.GetCode(err) == dmerrors.CodeWriteConflict {
			return http.StatusConflict
		}
		return http.StatusInternalServerError
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
