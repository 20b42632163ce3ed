// Package eventbus is the in-process publish/subscribe hub for execution
// progress and CI notifications.
//
// Every subscription owns a bounded mailbox drained by its own goroutine,
// so handlers run sequentially in publish order and a slow handler only
// ever delays itself. Publish never blocks on a handler. A subscriber whose
// mailbox is full is unhealthy: it is removed from the fan-out set, the
// removal is logged as a domain.TransportError and its OnEvict callback, if
// any, is told so it can resubscribe.
package eventbus

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qaflow-labs/qaflow-go/internal/domain"
	"github.com/qaflow-labs/qaflow-go/internal/platform/env"
)

const (
	ChannelExecutions = "executions"
	ChannelCI         = "ci"

	// AllTypes subscribes to every message type.
	AllTypes = "*"
)

var (
	ErrClosed      = errors.New("event bus closed")
	ErrMailboxFull = errors.New("mailbox full")
)

type Message struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

type Handler func(Message)

// Filter decides whether a subscription receives a message.
type Filter func(Message) bool

func FilterByType(types ...string) Filter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(m Message) bool {
		_, ok := set[m.Type]
		return ok
	}
}

func FilterByChannel(channel string) Filter {
	return func(m Message) bool { return m.Channel == channel }
}

type Metrics struct {
	Subscriptions int   `json:"subscriptions"`
	Published     int64 `json:"published"`
	Delivered     int64 `json:"delivered"`
	Dropped       int64 `json:"dropped"`
	Evicted       int64 `json:"evicted"`
	HandlerPanics int64 `json:"handlerPanics"`
}

type Config struct {
	MailboxSize int
}

func ConfigFromEnv() (Config, error) {
	size, err := env.Int("EVENTBUS_MAILBOX_SIZE", 256)
	if err != nil {
		return Config{}, err
	}
	if size < 1 {
		return Config{}, errors.New("EVENTBUS_MAILBOX_SIZE must be >= 1")
	}
	return Config{MailboxSize: size}, nil
}

type subscription struct {
	id      string
	filter  Filter
	handler Handler
	onEvict func(error)
	mailbox chan Message
	done    chan struct{}
	stopped chan struct{}
}

type SubscribeOption func(*subscription)

// OnEvict registers fn to run, on its own goroutine, when the bus removes
// the subscription because its mailbox overflowed.
func OnEvict(fn func(error)) SubscribeOption {
	return func(s *subscription) { s.onEvict = fn }
}

type Bus struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	evicted   atomic.Int64
	panics    atomic.Int64
}

func New(cfg Config, logger *slog.Logger) *Bus {
	if cfg.MailboxSize < 1 {
		cfg.MailboxSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		subs:   make(map[string]*subscription),
	}
}

// Publish enqueues msg for every matching subscription and returns. It is
// safe to call from inside a handler.
func (b *Bus) Publish(msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.published.Add(1)
	for _, s := range b.subs {
		if s.filter != nil && !s.filter(msg) {
			continue
		}
		select {
		case s.mailbox <- msg:
		default:
			b.dropped.Add(1)
			b.evictLocked(s, msg)
		}
	}
	return nil
}

func (b *Bus) evictLocked(s *subscription, msg Message) {
	delete(b.subs, s.id)
	close(s.done)
	b.evicted.Add(1)
	terr := &domain.TransportError{Channel: msg.Channel, ClientID: s.id, Err: ErrMailboxFull}
	b.logger.Warn("event bus subscriber removed",
		"subscription_id", s.id,
		"type", msg.Type,
		"error", terr,
	)
	if s.onEvict != nil {
		go s.onEvict(terr)
	}
}

// Subscribe registers handler for messages of eventType, or of every type
// when eventType is AllTypes.
func (b *Bus) Subscribe(eventType string, handler Handler, opts ...SubscribeOption) (string, error) {
	if eventType == "" || eventType == AllTypes {
		return b.SubscribeFilter(nil, handler, opts...)
	}
	return b.SubscribeFilter(FilterByType(eventType), handler, opts...)
}

func (b *Bus) SubscribeFilter(filter Filter, handler Handler, opts ...SubscribeOption) (string, error) {
	if handler == nil {
		return "", errors.New("handler is required")
	}
	s := &subscription{
		id:      uuid.NewString(),
		filter:  filter,
		handler: handler,
		mailbox: make(chan Message, b.cfg.MailboxSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}
	b.subs[s.id] = s
	go b.deliverLoop(s)
	return s.id, nil
}

// Unsubscribe stops delivery to the subscription. Messages still in its
// mailbox are discarded.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(s.done)
	}
}

func (b *Bus) Metrics() Metrics {
	b.mu.Lock()
	n := len(b.subs)
	b.mu.Unlock()
	return Metrics{
		Subscriptions: n,
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Dropped:       b.dropped.Load(),
		Evicted:       b.evicted.Load(),
		HandlerPanics: b.panics.Load(),
	}
}

// Close stops all subscriptions after their mailboxes drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for id, s := range b.subs {
		subs = append(subs, s)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, s := range subs {
		close(s.mailbox)
		<-s.stopped
	}
}

func (b *Bus) deliverLoop(s *subscription) {
	defer close(s.stopped)
	for {
		select {
		case msg, ok := <-s.mailbox:
			if !ok {
				return
			}
			b.invoke(s, msg)
		case <-s.done:
			return
		}
	}
}

func (b *Bus) invoke(s *subscription, msg Message) {
	defer func() {
		if v := recover(); v != nil {
			b.panics.Add(1)
			b.logger.Error("event bus handler panic", "subscription_id", s.id, "type", msg.Type, "panic", v)
		}
	}()
	s.handler(msg)
	b.delivered.Add(1)
}
