package bus

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultDispatchLimit caps concurrently running request handlers.
const DefaultDispatchLimit = 256

// RequestHandler answers one request. Returning nil sends no reply.
type RequestHandler func(ctx context.Context, msg *Message) []byte

// Dispatcher runs request handlers on their own goroutines so a slow request
// never holds up the rest of its subscription. Replies are published to the
// request's reply subject.
type Dispatcher struct {
	bus    MessageBus
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
}

// NewDispatcher creates a dispatcher whose handlers run under ctx. At most
// limit handlers run at once; further requests wait for a free slot.
func NewDispatcher(ctx context.Context, b MessageBus, limit int) *Dispatcher {
	if limit <= 0 {
		limit = DefaultDispatchLimit
	}
	ctx, cancel := context.WithCancel(ctx)
	d := &Dispatcher{bus: b, ctx: ctx, cancel: cancel}
	d.group.SetLimit(limit)
	return d
}

// Handle adapts handler for Subscribe and QueueSubscribe.
func (d *Dispatcher) Handle(handler RequestHandler) MessageHandler {
	return func(msg *Message) []byte {
		if d.ctx.Err() != nil {
			return nil
		}
		d.group.Go(func() error {
			reply := handler(d.ctx, msg)
			if reply != nil && msg.ReplyTo != "" {
				_ = d.bus.Publish(d.ctx, msg.ReplyTo, reply)
			}
			return nil
		})
		return nil
	}
}

// Close cancels running handlers and waits for them to return.
func (d *Dispatcher) Close() {
	d.cancel()
	_ = d.group.Wait()
}
