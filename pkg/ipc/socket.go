package ipc

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/odvcencio/sessiontap/pkg/browser"
	"github.com/odvcencio/sessiontap/pkg/browser/emitter"
	"github.com/odvcencio/sessiontap/pkg/observability"
)

// ErrSocketClosed is returned by Emit after Close.
var ErrSocketClosed = errors.New("event socket closed")

// SocketSink writes framed outbound events to every consumer connected
// to a unix socket. A consumer that cannot keep up within the write
// timeout is disconnected.
type SocketSink struct {
	logger  *observability.Logger
	limiter *connLimiter
	now     func() time.Time

	mu     sync.Mutex
	ln     net.Listener
	path   string
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

var _ emitter.Sink = (*SocketSink)(nil)

// NewSocketSink creates a sink with no listener; use Listen or Serve.
func NewSocketSink(logger *observability.Logger) *SocketSink {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &SocketSink{
		logger:  logger.WithComponent("event_socket"),
		limiter: newConnLimiter(maxSocketClients, metricSocketClients),
		now:     time.Now,
		conns:   make(map[net.Conn]struct{}),
	}
}

// ListenSocket creates the socket at path, readable only by the owner,
// and starts accepting consumers. A stale socket file is replaced.
func ListenSocket(path string, logger *observability.Logger) (*SocketSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if info, err := os.Lstat(path); err == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("%s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	s := NewSocketSink(logger)
	s.path = path
	s.Serve(ln)
	return s, nil
}

// Serve accepts consumers from ln in the background.
func (s *SocketSink) Serve(ln net.Listener) {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.wg.Add(1)
	go s.acceptLoop(ln)
}

func (s *SocketSink) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept event socket consumer", "error", err.Error())
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if !s.limiter.Acquire() {
			s.logger.Warn("event socket consumer limit reached")
			_ = conn.Close()
			continue
		}
		if !s.attach(conn) {
			s.limiter.Release()
			_ = conn.Close()
			return
		}
	}
}

// attach registers conn as a consumer.
func (s *SocketSink) attach(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

// Consumers reports connected consumers.
func (s *SocketSink) Consumers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Emit implements emitter.Sink.
func (s *SocketSink) Emit(sessionID string, event browser.Event) error {
	msg, err := EventStruct(sessionID, event)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, msg); err != nil {
		return err
	}
	frame := buf.Bytes()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSocketClosed
	}
	for conn := range s.conns {
		_ = conn.SetWriteDeadline(s.now().Add(socketWriteTimeout))
		if _, err := conn.Write(frame); err != nil {
			s.logger.Debug("dropping event socket consumer", "error", err.Error())
			delete(s.conns, conn)
			s.limiter.Release()
			_ = conn.Close()
		}
	}
	return nil
}

// Close stops accepting, disconnects consumers, and removes the socket file.
func (s *SocketSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
		s.limiter.Release()
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	if s.path != "" {
		if rerr := os.Remove(s.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = errors.Join(err, rerr)
		}
	}
	return err
}
