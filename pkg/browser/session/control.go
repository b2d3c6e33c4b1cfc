package session

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

// controlQueue load-balances open requests across sessiontap servers.
const controlQueue = "sessiontap-control"

// ControlRequest is the bus payload for lifecycle commands.
type ControlRequest struct {
	SessionID string            `json:"session_id,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Intercept bool              `json:"intercept,omitempty"`
}

// ControlReply answers a ControlRequest.
type ControlReply struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Reply codes for failures that callers distinguish.
const (
	ReplyCodeNoSession = "no_session"
	ReplyCodeExists    = "exists"
	ReplyCodeInvalid   = "invalid_request"
)

// ControlService drives a Manager from bus commands.
type ControlService struct {
	manager *Manager
	bus     bus.MessageBus
	logger  *observability.Logger
	timeout time.Duration
	subs    []bus.Subscription
	work    *bus.Dispatcher
}

// NewControlService creates a service. timeout bounds each command.
func NewControlService(m *Manager, b bus.MessageBus, logger *observability.Logger, timeout time.Duration) *ControlService {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ControlService{
		manager: m,
		bus:     b,
		logger:  logger.WithComponent("control_service"),
		timeout: timeout,
	}
}

// Start subscribes to the control subjects. Commands run concurrently, so a
// slow engine launch does not hold up commands for other sessions.
func (c *ControlService) Start(ctx context.Context) error {
	c.work = bus.NewDispatcher(ctx, c.bus, 0)
	open, err := c.bus.QueueSubscribe(ctx, bus.SubjectControlOpen, controlQueue, c.work.Handle(c.handleOpen))
	if err != nil {
		_ = c.Stop()
		return fmt.Errorf("subscribe %s: %w", bus.SubjectControlOpen, err)
	}
	c.subs = append(c.subs, open)

	for subject, handler := range map[string]bus.RequestHandler{
		bus.SubjectControlClose:     c.handleClose,
		bus.SubjectControlChangeURL: c.handleChangeURL,
	} {
		sub, err := c.bus.Subscribe(ctx, subject, c.work.Handle(handler))
		if err != nil {
			_ = c.Stop()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		c.subs = append(c.subs, sub)
	}
	return nil
}

// Stop unsubscribes from every control subject and waits for running
// commands.
func (c *ControlService) Stop() error {
	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	c.subs = nil
	if c.work != nil {
		c.work.Close()
		c.work = nil
	}
	return errors.Join(errs...)
}

func (c *ControlService) decode(msg *bus.Message) (ControlRequest, []byte, bool) {
	var req ControlRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.logger.Warn("invalid control request",
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()),
		)
		return req, encodeControl(ControlReply{Code: ReplyCodeInvalid, Error: err.Error()}), false
	}
	return req, nil, true
}

func (c *ControlService) handleOpen(ctx context.Context, msg *bus.Message) []byte {
	req, reply, ok := c.decode(msg)
	if !ok {
		return reply
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	opts := []OpenOption{WithIntercept(req.Intercept)}
	if req.SessionID != "" {
		opts = append(opts, WithSessionID(req.SessionID))
	}
	sess, err := c.manager.Open(ctx, req.URL, req.Headers, opts...)
	if err != nil {
		return encodeControl(errorReply(err))
	}
	return encodeControl(ControlReply{OK: true, SessionID: sess.ID()})
}

func (c *ControlService) handleClose(_ context.Context, msg *bus.Message) []byte {
	req, reply, ok := c.decode(msg)
	if !ok {
		return reply
	}
	if err := c.manager.Close(req.SessionID); err != nil {
		return encodeControl(errorReply(err))
	}
	return encodeControl(ControlReply{OK: true, SessionID: req.SessionID})
}

func (c *ControlService) handleChangeURL(ctx context.Context, msg *bus.Message) []byte {
	req, reply, ok := c.decode(msg)
	if !ok {
		return reply
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.manager.ChangeURL(ctx, req.SessionID, req.URL); err != nil {
		return encodeControl(errorReply(err))
	}
	return encodeControl(ControlReply{OK: true, SessionID: req.SessionID})
}

func errorReply(err error) ControlReply {
	reply := ControlReply{Error: err.Error()}
	var engErr *browser.EngineError
	switch {
	case errors.Is(err, browser.ErrNoSession), errors.Is(err, browser.ErrSessionClosed):
		reply.Code = ReplyCodeNoSession
	case errors.Is(err, browser.ErrSessionExists):
		reply.Code = ReplyCodeExists
	case errors.As(err, &engErr):
		reply.Code = engErr.Code
	}
	return reply
}

func encodeControl(r ControlReply) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return []byte(`{"ok":false}`)
	}
	return data
}

// ControlClient sends lifecycle commands to a ControlService.
type ControlClient struct {
	bus     bus.MessageBus
	timeout time.Duration
}

// NewControlClient creates a client with the given per-command timeout.
func NewControlClient(b bus.MessageBus, timeout time.Duration) *ControlClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ControlClient{bus: b, timeout: timeout}
}

// Open asks a server to open a session and returns its id.
func (c *ControlClient) Open(ctx context.Context, req ControlRequest) (string, error) {
	reply, err := c.send(ctx, bus.SubjectControlOpen, req)
	if err != nil {
		return "", err
	}
	return reply.SessionID, nil
}

// Close asks the owning server to close a session.
func (c *ControlClient) Close(ctx context.Context, sessionID string) error {
	_, err := c.send(ctx, bus.SubjectControlClose, ControlRequest{SessionID: sessionID})
	return err
}

// ChangeURL asks the owning server to navigate a session.
func (c *ControlClient) ChangeURL(ctx context.Context, sessionID, url string) error {
	_, err := c.send(ctx, bus.SubjectControlChangeURL, ControlRequest{SessionID: sessionID, URL: url})
	return err
}

func (c *ControlClient) send(ctx context.Context, subject string, req ControlRequest) (ControlReply, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return ControlReply{}, fmt.Errorf("marshal control request: %w", err)
	}
	data, err := c.bus.Request(ctx, subject, payload, c.timeout)
	if err != nil {
		if errors.Is(err, bus.ErrNoResponders) {
			return ControlReply{}, fmt.Errorf("%w: %v", browser.ErrUnavailable, err)
		}
		return ControlReply{}, fmt.Errorf("%s: %w", subject, err)
	}
	var reply ControlReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return ControlReply{}, fmt.Errorf("decode control reply: %w", err)
	}
	if reply.OK {
		return reply, nil
	}
	switch reply.Code {
	case ReplyCodeNoSession:
		return reply, browser.ErrNoSession
	case ReplyCodeExists:
		return reply, fmt.Errorf("%w: %s", browser.ErrSessionExists, reply.Error)
	case "":
		return reply, errors.New(reply.Error)
	default:
		return reply, browser.NewEngineError(reply.Code, reply.Error)
	}
}
