package bus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus implements MessageBus using NATS.
type NATSBus struct {
	conn   *nats.Conn
	config Config
	closed atomic.Bool
}

// NewNATSBus creates a new NATS-backed message bus.
func NewNATSBus(cfg Config) (*NATSBus, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.Username != "":
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &NATSBus{conn: conn, config: cfg}, nil
}

func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.conn.Publish(subject, data)
}

func (b *NATSBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub, err := b.conn.Subscribe(subject, natsHandler(handler))
	if err != nil {
		return nil, err
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSBus) QueueSubscribe(ctx context.Context, subject, queue string, handler MessageHandler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub, err := b.conn.QueueSubscribe(subject, queue, natsHandler(handler))
	if err != nil {
		return nil, err
	}
	return &natsSubscription{sub: sub}, nil
}

func natsHandler(handler MessageHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		m := &Message{
			Subject: msg.Subject,
			Data:    msg.Data,
			ReplyTo: msg.Reply,
		}
		reply := handler(m)
		if reply != nil && msg.Reply != "" {
			_ = msg.Respond(reply)
		}
	}
}

func (b *NATSBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if timeout <= 0 {
		timeout = b.config.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := b.conn.RequestWithContext(reqCtx, subject, data)
	if err != nil {
		switch {
		case errors.Is(err, nats.ErrNoResponders):
			return nil, ErrNoResponders
		case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return nil, ErrTimeout
		}
		return nil, err
	}

	return msg.Data, nil
}

func (b *NATSBus) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}
	b.conn.Close()
	return nil
}

// natsSubscription wraps a NATS subscription.
type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Subject() string {
	return s.sub.Subject
}
