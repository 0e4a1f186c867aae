package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"bountyboard-backend/core/bounty"
	"bountyboard-backend/middleware"
	"bountyboard-backend/services"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// IdentityHeader names the caller of a mutation. Signing happens upstream;
// the value is an opaque address.
const IdentityHeader = "X-Identity"

// callerIdentity reads the caller from IdentityHeader. fallback, typically a
// body field, is used only when the header is absent, and must agree with the
// header when both are present.
func callerIdentity(r *http.Request, fallback string) (bounty.Address, error) {
	raw := strings.TrimSpace(r.Header.Get(IdentityHeader))
	if raw == "" {
		if strings.TrimSpace(fallback) == "" {
			return "", fmt.Errorf("%w: %s header required", bounty.ErrInvalidAddress, IdentityHeader)
		}
		return bounty.ParseAddress(fallback)
	}
	caller, err := bounty.ParseAddress(raw)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(fallback) != "" {
		claimed, err := bounty.ParseAddress(fallback)
		if err != nil {
			return "", err
		}
		if claimed != caller {
			return "", fmt.Errorf("%w: body address does not match %s", bounty.ErrInvalidInput, IdentityHeader)
		}
	}
	return caller, nil
}

// BaseHandler provides common functionality for all handlers
type BaseHandler struct{}

// NewBaseHandler creates a new base handler
func NewBaseHandler() *BaseHandler {
	return &BaseHandler{}
}

// sendJSON sends a JSON response
func (h *BaseHandler) sendJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	middleware.JSON(w, statusCode, data)
}

// sendError sends an error response
func (h *BaseHandler) sendError(w http.ResponseWriter, statusCode int, message string) {
	middleware.Error(w, statusCode, message)
}

// sendDomainError maps err to its status code and sends it.
func (h *BaseHandler) sendDomainError(w http.ResponseWriter, err error) {
	h.sendError(w, StatusFor(err), err.Error())
}

// parseJSON parses JSON from request
func (h *BaseHandler) parseJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return err
		}
		return fmt.Errorf("%w: malformed JSON body: %v", bounty.ErrInvalidInput, err)
	}
	return nil
}

// parseLimit reads ?limit=, applying the default and cap.
func (h *BaseHandler) parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", bounty.ErrInvalidInput)
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

// StatusFor translates domain errors into HTTP status codes. Anything it does
// not recognize is an internal error.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, bounty.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bounty.ErrAlreadyExists),
		errors.Is(err, bounty.ErrLedgerMismatch),
		errors.Is(err, bounty.ErrNotOpen):
		return http.StatusConflict
	case errors.Is(err, bounty.ErrNotCreator):
		return http.StatusForbidden
	case errors.Is(err, bounty.ErrInsufficientFunds),
		errors.Is(err, bounty.ErrInsufficientAuthorization):
		return http.StatusPaymentRequired
	case errors.Is(err, bounty.ErrCursorTooOld):
		return http.StatusGone
	case errors.Is(err, bounty.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, bounty.ErrInvalidInput),
		errors.Is(err, bounty.ErrInvalidID),
		errors.Is(err, bounty.ErrInvalidAddress),
		errors.Is(err, bounty.ErrInvalidAmount),
		errors.Is(err, bounty.ErrInvalidRecipient):
		return http.StatusBadRequest
	case errors.Is(err, bounty.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

// HealthHandler handles health check requests
type HealthHandler struct {
	*BaseHandler
	healthService *services.HealthService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(healthService *services.HealthService) *HealthHandler {
	return &HealthHandler{
		BaseHandler:   NewBaseHandler(),
		healthService: healthService,
	}
}

// HandleHealth handles health check requests
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	health := h.healthService.GetHealthStatus(r.Context())
	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	h.sendJSON(w, status, health)
}
