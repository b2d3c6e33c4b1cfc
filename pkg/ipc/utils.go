package ipc

import (
	"context"
	"encoding/json"
	stdliberrors "errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/odvcencio/sessiontap/pkg/browser"
)

// parseIntDefault parses a positive integer with a default fallback.
func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return def
}

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError sends a structured JSON error response.
func respondError(w http.ResponseWriter, status int, err error) {
	response := struct {
		Error     string `json:"error"`
		Status    int    `json:"status"`
		Code      string `json:"code,omitempty"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable,omitempty"`
		Timestamp string `json:"timestamp"`
	}{
		Error:     http.StatusText(status),
		Status:    status,
		Message:   http.StatusText(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	var engineErr *browser.EngineError
	if stdliberrors.As(err, &engineErr) {
		response.Code = engineErr.Code
	}
	if err != nil {
		response.Message = err.Error()
		response.Retryable = browser.IsRetryableError(err)
	}
	respondJSON(w, status, response)
}

// statusForError maps engine sentinels onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case stdliberrors.Is(err, browser.ErrNoSession), stdliberrors.Is(err, browser.ErrSessionClosed):
		return http.StatusNotFound
	case stdliberrors.Is(err, browser.ErrQueryTimeout), stdliberrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case stdliberrors.Is(err, browser.ErrSessionExists):
		return http.StatusConflict
	case stdliberrors.Is(err, browser.ErrInvalidMessage), stdliberrors.Is(err, errInvalidRequest):
		return http.StatusBadRequest
	case stdliberrors.Is(err, browser.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	var engineErr *browser.EngineError
	if stdliberrors.As(err, &engineErr) {
		switch engineErr.Code {
		case browser.CodeUnavailable, browser.CodeConnectionLost:
			return http.StatusServiceUnavailable
		case browser.CodeTimeout:
			return http.StatusGatewayTimeout
		default:
			return http.StatusBadGateway
		}
	}
	return http.StatusInternalServerError
}

// extractBearerToken reads the token from the Authorization header or,
// for websocket upgrades that cannot set headers, the token query parameter.
func extractBearerToken(r *http.Request) (token string, fromQuery bool) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[len("Bearer "):]), false
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, true
	}
	return "", false
}

// isLoopbackBindAddress reports whether addr only listens on loopback.
func isLoopbackBindAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	switch strings.ToLower(host) {
	case "localhost":
		return true
	case "0.0.0.0", "::":
		return false
	default:
		ip := net.ParseIP(host)
		return ip != nil && ip.IsLoopback()
	}
}
