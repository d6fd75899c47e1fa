package guard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/giantswarm/bff-guard/security"
)

const (
	// DefaultEventsLimit is the number of events returned when ?limit is absent
	DefaultEventsLimit = 100

	// MaxEventsLimit caps ?limit on the audit endpoints
	MaxEventsLimit = 2000
)

// CheckFunc decides whether a request may proceed. It returns nil or an *Error.
type CheckFunc func(r *http.Request) error

// AdmitFunc admits a websocket for ip/deviceID.
type AdmitFunc func(r *http.Request, ip, deviceID string) (ReleaseFunc, error)

// Handler exposes the guard over HTTP: middlewares for the edge routes and the
// read-only audit endpoints. The audit endpoints expose security events and
// must be mounted behind admin authentication.
type Handler struct {
	guard  *Guard
	logger *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(guard *Guard, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		guard:  guard,
		logger: logger,
	}
}

// RequestID propagates or generates X-Request-ID for every request.
func (h *Handler) RequestID(next http.Handler) http.Handler {
	return security.RequestIDMiddleware(next)
}

// Limit runs check before next and writes the rejection if it fails.
func (h *Handler) Limit(check CheckFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := check(r); err != nil {
				h.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WebSocket admits the connection before next upgrades it and releases the
// admission when next returns. The device id is read from the device_id query
// parameter, falling back to the X-Device-ID header. Rejections are written as
// plain HTTP responses since the upgrade has not happened yet.
func (h *Handler) WebSocket(admit AdmitFunc, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))
		if deviceID == "" {
			deviceID = strings.TrimSpace(r.Header.Get(DeviceIDHeader))
		}

		release, err := admit(r, h.guard.ClientIP(r), deviceID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		defer release()

		next.ServeHTTP(w, r)
	})
}

// ChatWebSocket is an AdmitFunc for the chat socket.
func (h *Handler) ChatWebSocket(r *http.Request, ip, deviceID string) (ReleaseFunc, error) {
	return h.guard.AdmitChatWebSocket(r.Context(), ip, deviceID)
}

// CallWebSocket is an AdmitFunc for the call signalling socket.
func (h *Handler) CallWebSocket(r *http.Request, ip, deviceID string) (ReleaseFunc, error) {
	return h.guard.AdmitCallWebSocket(r.Context(), ip, deviceID)
}

// eventsResponse is the body of the audit endpoints
type eventsResponse struct {
	Events []security.Event `json:"events"`
	Count  int              `json:"count"`
}

// ServeAuditEvents returns the most recent audit events, oldest first.
// Query: limit (default 100, max 2000).
func (h *Handler) ServeAuditEvents(w http.ResponseWriter, r *http.Request) {
	h.serveEvents(w, r, "")
}

// ServeGuardrailEvents returns the most recent payment guardrail events.
func (h *Handler) ServeGuardrailEvents(w http.ResponseWriter, r *http.Request) {
	h.serveEvents(w, r, security.GuardrailActionMarker)
}

func (h *Handler) serveEvents(w http.ResponseWriter, r *http.Request, actionFilter string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		h.writeError(w, r, &Error{Code: "method_not_allowed", Detail: "method not allowed", Status: http.StatusMethodNotAllowed})
		return
	}

	limit := parseEventsLimit(r.URL.Query().Get("limit"))
	events := h.guard.Auditor().RecentMatching(limit, actionFilter)

	security.SetAPIHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(eventsResponse{Events: events, Count: len(events)}); err != nil {
		h.logger.Debug("Failed to encode audit events", "error", err)
	}
}

// parseEventsLimit clamps ?limit to [1, MaxEventsLimit]; invalid values use the default.
func parseEventsLimit(raw string) int {
	limit, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || limit <= 0 {
		return DefaultEventsLimit
	}
	if limit > MaxEventsLimit {
		return MaxEventsLimit
	}
	return limit
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if _, ok := AsError(err); !ok {
		h.logger.Error("Unexpected guard error",
			"path", r.URL.Path,
			"request_id", security.GetRequestID(r.Context()),
			"error", err)
	}
	WriteError(w, err)
}

// WriteError writes err as {"error": code, "detail": detail}. Errors that are
// not an *Error become a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	guardErr, ok := AsError(err)
	if !ok {
		guardErr = &Error{Code: "server_error", Detail: "internal error", Status: http.StatusInternalServerError}
	}

	security.SetAPIHeaders(w)
	if guardErr.Status == http.StatusTooManyRequests && guardErr.RetryAfter > 0 {
		security.SetRetryAfter(w, guardErr.RetryAfter)
	}
	w.WriteHeader(guardErr.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":  guardErr.Code,
		"detail": guardErr.Detail,
	})
}
