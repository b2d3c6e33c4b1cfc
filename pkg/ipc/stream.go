package ipc

import (
	"context"
	stdliberrors "errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/odvcencio/sessiontap/pkg/browser"
)

// handleEventStream streams one session's outbound events over a
// websocket until the client leaves or the session closes.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	id := sessionIDParam(r)
	sess, ok := s.manager.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, browser.ErrNoSession)
		return
	}
	if !s.isWebSocketOriginAllowed(r) {
		respondError(w, http.StatusForbidden, stdliberrors.New("origin not allowed"))
		return
	}
	if !s.eventConnLimiter.Acquire() {
		respondError(w, http.StatusServiceUnavailable, stdliberrors.New("too many event streams"))
		return
	}
	defer s.eventConnLimiter.Release()

	// Origin was checked above against the configured allow list.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("event stream accept failed", "session_id", id, "error", err.Error())
		return
	}
	conn.SetReadLimit(maxWSReadBytesEventStream)

	c := s.hub.register(conn, sessionFilter(id))

	// Cancelling a pending read drops the connection without a close frame,
	// so the read side stays up until c.close has run.
	readCtx, cancelRead := context.WithCancel(r.Context())
	defer cancelRead()
	writeCtx, cancelWrite := context.WithCancel(readCtx)
	defer cancelWrite()
	startWSPing(readCtx, conn)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		c.readLoop(readCtx)
	}()
	writeDone := make(chan error, 1)
	go func() {
		writeDone <- c.writeLoop(writeCtx)
	}()

	select {
	case <-readDone:
		s.hub.removeClient(c)
		c.close(websocket.StatusNormalClosure, "stream closed")
	case err := <-writeDone:
		// A nil error means the hub dropped the client and already hung up.
		if err != nil {
			s.logger.Debug("event stream write failed", "session_id", id, "error", err.Error())
			s.hub.removeClient(c)
			c.close(websocket.StatusInternalError, "write failed")
		}
	case <-sess.Closed():
		// Let the writer drain the close event before hanging up.
		s.hub.removeClient(c)
		select {
		case err := <-writeDone:
			if err != nil {
				s.logger.Debug("event stream write failed", "session_id", id, "error", err.Error())
			}
		case <-time.After(streamWriteTimeout):
		}
		c.close(websocket.StatusNormalClosure, "session closed")
	}
}
