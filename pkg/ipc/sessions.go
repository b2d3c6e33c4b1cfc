package ipc

import (
	"bytes"
	"encoding/json"
	stdliberrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/sessiontap/pkg/browser"
	"github.com/odvcencio/sessiontap/pkg/storage"
)

type openSessionRequest struct {
	ID        string            `json:"id,omitempty"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Intercept *bool             `json:"intercept,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Viewport  *browser.Viewport `json:"viewport,omitempty"`
}

type openSessionResponse struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Intercept bool   `json:"intercept"`
}

type changeURLRequest struct {
	URL string `json:"url"`
}

type ingestResponse struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

type cookiesResponse struct {
	SessionID string            `json:"session_id"`
	Domain    string            `json:"domain,omitempty"`
	Cookies   map[string]string `json:"cookies"`
}

type eventsResponse struct {
	SessionID string           `json:"session_id"`
	Events    []storage.Record `json:"events"`
}

func sessionIDParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "sessionID"))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.manager.List()})
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny, false); err != nil {
		respondError(w, status, err)
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		respondError(w, http.StatusBadRequest, fmt.Errorf("%w: url required", errInvalidRequest))
		return
	}

	cfg := s.cfg.SessionDefaults
	cfg.SessionID = strings.TrimSpace(req.ID)
	cfg.InitialURL = req.URL
	cfg.Headers = make(map[string]string, len(req.Headers))
	for k, v := range req.Headers {
		cfg.Headers[k] = v
	}
	if req.Intercept != nil {
		cfg.Intercept = *req.Intercept
	}
	if req.UserAgent != "" {
		cfg.UserAgent = req.UserAgent
	}
	if req.Viewport != nil {
		cfg.Viewport = *req.Viewport
	}

	sess, err := s.manager.OpenConfig(r.Context(), cfg)
	if err != nil {
		s.logger.Warn("open session failed", "url", req.URL, "error", err.Error())
		respondError(w, statusForError(err), err)
		return
	}
	opened := sess.Config()
	respondJSON(w, http.StatusCreated, openSessionResponse{
		ID:        sess.ID(),
		URL:       opened.InitialURL,
		Intercept: opened.Intercept,
	})
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.manager.Get(sessionIDParam(r))
	if !ok {
		respondError(w, http.StatusNotFound, browser.ErrNoSession)
		return
	}
	respondJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := sessionIDParam(r)
	defer s.ingest.Forget(id)
	if err := s.manager.Close(id); err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChangeURL(w http.ResponseWriter, r *http.Request) {
	var req changeURLRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny, false); err != nil {
		respondError(w, status, err)
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		respondError(w, http.StatusBadRequest, fmt.Errorf("%w: url required", errInvalidRequest))
		return
	}
	if err := s.manager.ChangeURL(r.Context(), sessionIDParam(r), req.URL); err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleIngest bridges instrumentation messages from an out-of-process
// page into a session router. The body is one message object or an array
// of them. Malformed messages are counted and skipped; the rest of the
// batch is still delivered.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	id := sessionIDParam(r)
	data, status, err := readBody(w, r, maxBodyBytesMessage)
	if err != nil {
		respondError(w, status, err)
		return
	}

	batch := []json.RawMessage{data}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		batch = nil
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			metricIngestRejected.WithLabelValues("decode").Inc()
			respondError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", browser.ErrInvalidMessage, err))
			return
		}
	}

	sess, ok := s.manager.Get(id)
	if !ok || !sess.Active() {
		s.ingest.Forget(id)
		respondError(w, http.StatusNotFound, browser.ErrNoSession)
		return
	}
	if !s.ingest.Allow(id, len(batch)) {
		metricIngestRejected.WithLabelValues("rate").Inc()
		respondError(w, http.StatusTooManyRequests, fmt.Errorf("ingest rate exceeded for session %s", id))
		return
	}

	var resp ingestResponse
	for _, raw := range batch {
		err := sess.DeliverRaw(raw)
		switch {
		case err == nil:
			resp.Accepted++
		case stdliberrors.Is(err, browser.ErrSessionClosed):
			s.ingest.Forget(id)
			respondError(w, http.StatusNotFound, fmt.Errorf("%w: %w", browser.ErrNoSession, err))
			return
		default:
			metricIngestRejected.WithLabelValues("decode").Inc()
			resp.Rejected++
			resp.Errors = append(resp.Errors, err.Error())
		}
	}
	respondJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleDomainCookies(w http.ResponseWriter, r *http.Request) {
	id := sessionIDParam(r)
	domain := strings.TrimSpace(r.URL.Query().Get("domain"))
	if domain == "" {
		respondError(w, http.StatusBadRequest, fmt.Errorf("%w: domain required", errInvalidRequest))
		return
	}
	cookies, err := s.cookies.CookiesForDomain(r.Context(), id, domain)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, cookiesResponse{SessionID: id, Domain: domain, Cookies: nonNil(cookies)})
}

func (s *Server) handleCurrentCookies(w http.ResponseWriter, r *http.Request) {
	id := sessionIDParam(r)
	cookies, err := s.cookies.CookiesForCurrentURL(r.Context(), id)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, cookiesResponse{SessionID: id, Cookies: nonNil(cookies)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respondError(w, http.StatusServiceUnavailable, fmt.Errorf("event journal disabled"))
		return
	}
	id := sessionIDParam(r)
	limit := parseIntDefault(r.URL.Query().Get("limit"), defaultEventsLimit)
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}
	records, err := s.journal.Events(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []storage.Record{}
	}
	respondJSON(w, http.StatusOK, eventsResponse{SessionID: id, Events: records})
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
