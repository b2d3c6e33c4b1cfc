package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odvcencio/sessiontap/pkg/browser"
	"github.com/odvcencio/sessiontap/pkg/bus"
	"github.com/odvcencio/sessiontap/pkg/observability"
)

// Reply statuses on the query subject.
const (
	StatusOK        = "ok"
	StatusNoSession = "no_session"
	StatusTimeout   = "timeout"
	StatusError     = "error"
)

// QueryRequest is the bus payload for a cookie query.
type QueryRequest struct {
	SessionID  string `json:"session_id"`
	Domain     string `json:"domain,omitempty"`
	CurrentURL bool   `json:"current_url,omitempty"`
}

// QueryReply answers a QueryRequest.
type QueryReply struct {
	Status  string            `json:"status"`
	Cookies map[string]string `json:"cookies,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Service exposes a Gateway on bus.SubjectQueryCookies.
type Service struct {
	gw     *Gateway
	bus    bus.MessageBus
	logger *observability.Logger
	sub    bus.Subscription
	work   *bus.Dispatcher
}

// NewService creates a bus service for gw.
func NewService(gw *Gateway, b bus.MessageBus, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Service{gw: gw, bus: b, logger: logger.WithComponent("gateway_service")}
}

// Start subscribes to the query subject. Each query is answered on its own
// goroutine, so a silent session never delays queries to other sessions.
func (s *Service) Start(ctx context.Context) error {
	work := bus.NewDispatcher(ctx, s.bus, 0)
	sub, err := s.bus.Subscribe(ctx, bus.SubjectQueryCookies, work.Handle(s.handle))
	if err != nil {
		work.Close()
		return fmt.Errorf("subscribe %s: %w", bus.SubjectQueryCookies, err)
	}
	s.sub = sub
	s.work = work
	return nil
}

// Stop unsubscribes and cancels queries still in flight.
func (s *Service) Stop() error {
	if s.sub == nil {
		return nil
	}
	err := s.sub.Unsubscribe()
	s.work.Close()
	s.sub, s.work = nil, nil
	return err
}

func (s *Service) handle(ctx context.Context, msg *bus.Message) []byte {
	var req QueryRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("invalid query request", slog.String("error", err.Error()))
		return encodeReply(QueryReply{Status: StatusError, Error: "invalid request"})
	}

	var (
		cookies map[string]string
		err     error
	)
	if req.CurrentURL {
		cookies, err = s.gw.CookiesForCurrentURL(ctx, req.SessionID)
	} else {
		cookies, err = s.gw.CookiesForDomain(ctx, req.SessionID, req.Domain)
	}

	switch {
	case err == nil:
		if cookies == nil {
			cookies = map[string]string{}
		}
		return encodeReply(QueryReply{Status: StatusOK, Cookies: cookies})
	case errors.Is(err, browser.ErrNoSession):
		return encodeReply(QueryReply{Status: StatusNoSession})
	case errors.Is(err, browser.ErrQueryTimeout):
		return encodeReply(QueryReply{Status: StatusTimeout})
	default:
		return encodeReply(QueryReply{Status: StatusError, Error: err.Error()})
	}
}

func encodeReply(r QueryReply) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return []byte(`{"status":"error"}`)
	}
	return data
}

// RemoteGateway queries a Service across the bus. The request inbox is the
// correlation id; a reply for any other query can never reach this caller.
type RemoteGateway struct {
	bus     bus.MessageBus
	timeout time.Duration
}

// NewRemoteGateway creates a client. timeout is the server-side bound; the
// client waits slightly longer so the server's own timeout reply arrives.
func NewRemoteGateway(b bus.MessageBus, timeout time.Duration) *RemoteGateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RemoteGateway{bus: b, timeout: timeout}
}

// CookiesForDomain implements CookieSource.
func (r *RemoteGateway) CookiesForDomain(ctx context.Context, sessionID, domain string) (map[string]string, error) {
	return r.request(ctx, QueryRequest{SessionID: sessionID, Domain: domain})
}

// CookiesForCurrentURL implements CookieSource.
func (r *RemoteGateway) CookiesForCurrentURL(ctx context.Context, sessionID string) (map[string]string, error) {
	return r.request(ctx, QueryRequest{SessionID: sessionID, CurrentURL: true})
}

func (r *RemoteGateway) request(ctx context.Context, req QueryRequest) (map[string]string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	data, err := r.bus.Request(ctx, bus.SubjectQueryCookies, payload, r.timeout+r.timeout/2)
	switch {
	case errors.Is(err, bus.ErrTimeout):
		return nil, browser.ErrQueryTimeout
	case errors.Is(err, bus.ErrNoResponders):
		return nil, fmt.Errorf("%w: no gateway on %s", browser.ErrUnavailable, bus.SubjectQueryCookies)
	case err != nil:
		return nil, fmt.Errorf("query request: %w", err)
	}

	var reply QueryReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("decode query reply: %w", err)
	}
	switch reply.Status {
	case StatusOK:
		if reply.Cookies == nil {
			reply.Cookies = map[string]string{}
		}
		return reply.Cookies, nil
	case StatusNoSession:
		return nil, browser.ErrNoSession
	case StatusTimeout:
		return nil, browser.ErrQueryTimeout
	default:
		return nil, fmt.Errorf("gateway error: %s", reply.Error)
	}
}
