package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// MemoryBus is an in-process implementation of MessageBus.
// It supports wildcards and request/reply but does not persist messages.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	queueCursor   map[string]uint64
	closed        atomic.Bool
	subCounter    atomic.Uint64
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySubscription),
		queueCursor:   make(map[string]uint64),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.deliver(&Message{Subject: subject, Data: data})
	return nil
}

// deliver hands msg to every matching plain subscriber and to one member of
// each matching queue group. It reports whether anyone received it.
func (b *MemoryBus) deliver(msg *Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := false
	groups := make(map[string][]*memorySubscription)
	for pattern, subs := range b.subscriptions {
		if !matchSubject(pattern, msg.Subject) {
			continue
		}
		for _, sub := range subs {
			if sub.closed.Load() {
				continue
			}
			if sub.queue != "" {
				key := pattern + "|" + sub.queue
				groups[key] = append(groups[key], sub)
				continue
			}
			if sub.offer(msg) {
				delivered = true
			}
		}
	}
	for key, members := range groups {
		n := b.queueCursor[key]
		b.queueCursor[key] = n + 1
		if members[n%uint64(len(members))].offer(msg) {
			delivered = true
		}
	}
	return delivered
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error) {
	return b.subscribe(ctx, subject, "", handler)
}

func (b *MemoryBus) QueueSubscribe(ctx context.Context, subject, queue string, handler MessageHandler) (Subscription, error) {
	return b.subscribe(ctx, subject, queue, handler)
}

func (b *MemoryBus) subscribe(ctx context.Context, subject, queue string, handler MessageHandler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		id:       fmt.Sprintf("sub-%d", b.subCounter.Add(1)),
		subject:  subject,
		queue:    queue,
		messages: make(chan *Message, 256),
		done:     make(chan struct{}),
		handler:  handler,
		bus:      b,
	}

	b.mu.Lock()
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	b.mu.Unlock()

	go sub.run(ctx)

	return sub, nil
}

func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	replySubject := fmt.Sprintf("_INBOX.%s", ulid.Make().String())
	replyChan := make(chan []byte, 1)

	sub, err := b.Subscribe(ctx, replySubject, func(msg *Message) []byte {
		select {
		case replyChan <- msg.Data:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if !b.deliver(&Message{Subject: subject, Data: data, ReplyTo: replySubject}) {
		return nil, ErrNoResponders
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyChan:
		return reply, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.stop()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	return nil
}

// memorySubscription implements Subscription for MemoryBus.
type memorySubscription struct {
	id       string
	subject  string
	queue    string
	messages chan *Message
	done     chan struct{}
	stopOnce sync.Once
	handler  MessageHandler
	bus      *MemoryBus
	closed   atomic.Bool
}

// offer is a non-blocking send; a full buffer drops the message.
func (s *memorySubscription) offer(msg *Message) bool {
	select {
	case s.messages <- msg:
		return true
	default:
		return false
	}
}

func (s *memorySubscription) stop() {
	s.closed.Store(true)
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *memorySubscription) Unsubscribe() error {
	if s.closed.Load() {
		s.stop()
		return nil
	}
	s.stop()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub.id == s.id {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.bus.subscriptions[s.subject]) == 0 {
		delete(s.bus.subscriptions, s.subject)
	}
	return nil
}

func (s *memorySubscription) Subject() string {
	return s.subject
}

func (s *memorySubscription) run(ctx context.Context) {
	for {
		select {
		case msg := <-s.messages:
			reply := s.handler(msg)
			if reply != nil && msg.ReplyTo != "" {
				_ = s.bus.Publish(ctx, msg.ReplyTo, reply)
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// matchSubject checks if a subject matches a pattern with wildcards.
// Supports "*" for single token and ">" for multiple tokens.
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	subjectParts := strings.Split(subject, ".")

	pi, si := 0, 0
	for pi < len(patternParts) && si < len(subjectParts) {
		switch patternParts[pi] {
		case "*":
			pi++
			si++
		case ">":
			return true
		default:
			if patternParts[pi] != subjectParts[si] {
				return false
			}
			pi++
			si++
		}
	}

	return pi == len(patternParts) && si == len(subjectParts)
}
