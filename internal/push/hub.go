// Package push streams event bus messages to websocket clients.
//
// A single Hub is mounted once under /ws/ and dispatches /ws/{channel} to
// independent Channel objects. Each connection gets exactly one writer
// goroutine. A new client first receives a connection_ack frame, then the
// channel's replay buffer and then live messages, with nothing lost or
// duplicated between replay and live.
package push

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/qaflow-labs/qaflow-go/internal/eventbus"
	"github.com/qaflow-labs/qaflow-go/internal/platform/env"
)

const (
	FrameAck   = "connection_ack"
	FrameEvent = "event"
)

// Frame is the JSON envelope written to clients.
type Frame struct {
	Type     string            `json:"type"`
	Channel  string            `json:"channel"`
	ClientID string            `json:"clientId,omitempty"`
	Replay   bool              `json:"replay,omitempty"`
	Message  *eventbus.Message `json:"message,omitempty"`
	SentAt   time.Time         `json:"sentAt"`
}

type Config struct {
	Channels     []string
	ReplaySize   int
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func ConfigFromEnv() (Config, error) {
	replay, err := env.Int("PUSH_REPLAY_SIZE", 50)
	if err != nil {
		return Config{}, err
	}
	sendBuffer, err := env.Int("PUSH_SEND_BUFFER", 64)
	if err != nil {
		return Config{}, err
	}
	writeTimeout, err := env.Duration("PUSH_WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	ping, err := env.Duration("PUSH_PING_INTERVAL", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Channels:     env.List("PUSH_CHANNELS", []string{eventbus.ChannelExecutions, eventbus.ChannelCI}),
		ReplaySize:   replay,
		SendBuffer:   sendBuffer,
		WriteTimeout: writeTimeout,
		PingInterval: ping,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if len(c.Channels) == 0 {
		return errors.New("PUSH_CHANNELS must name at least one channel")
	}
	if c.ReplaySize < 0 {
		return errors.New("PUSH_REPLAY_SIZE must be >= 0")
	}
	if c.SendBuffer < 1 {
		return errors.New("PUSH_SEND_BUFFER must be >= 1")
	}
	if c.WriteTimeout <= 0 || c.PingInterval <= 0 {
		return errors.New("PUSH_WRITE_TIMEOUT and PUSH_PING_INTERVAL must be positive")
	}
	return nil
}

type Hub struct {
	channels map[string]*Channel
	bus      *eventbus.Bus
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu     sync.Mutex
	subIDs map[string]string
	closed bool
}

// NewHub creates one Channel per configured name, each fed by its own bus
// subscription.
func NewHub(bus *eventbus.Bus, cfg Config, logger *slog.Logger) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		channels: make(map[string]*Channel, len(cfg.Channels)),
		subIDs:   make(map[string]string, len(cfg.Channels)),
		bus:      bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Authentication is handled in front of this service.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
	for _, name := range cfg.Channels {
		if _, exists := h.channels[name]; exists {
			h.Close()
			return nil, fmt.Errorf("duplicate push channel %q", name)
		}
		ch := newChannel(name, cfg, logger)
		h.channels[name] = ch
		if err := h.subscribe(ch); err != nil {
			h.Close()
			return nil, fmt.Errorf("subscribe %s: %w", name, err)
		}
	}
	return h, nil
}

// subscribe feeds ch from the bus. If the bus evicts the subscription the
// channel subscribes again; messages published in between are not replayed.
func (h *Hub) subscribe(ch *Channel) error {
	id, err := h.bus.SubscribeFilter(eventbus.FilterByChannel(ch.name), ch.broadcast,
		eventbus.OnEvict(func(cause error) {
			h.logger.Warn("push channel evicted from event bus, resubscribing", "channel", ch.name, "error", cause)
			if err := h.subscribe(ch); err != nil && !errors.Is(err, eventbus.ErrClosed) {
				h.logger.Error("push channel resubscribe failed", "channel", ch.name, "error", err)
			}
		}))
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		h.bus.Unsubscribe(id)
		return eventbus.ErrClosed
	}
	h.subIDs[ch.name] = id
	return nil
}

// ServeHTTP upgrades /ws/{channel}.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws"), "/")
	ch, ok := h.channels[name]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown channel %q", name), http.StatusNotFound)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("websocket upgrade failed", "channel", name, "error", err)
		return
	}
	ch.attach(conn)
}

func (h *Hub) Channel(name string) (*Channel, bool) {
	ch, ok := h.channels[name]
	return ch, ok
}

// Clients reports connected clients per channel.
func (h *Hub) Clients() map[string]int {
	out := make(map[string]int, len(h.channels))
	for name, ch := range h.channels {
		out[name] = ch.ClientCount()
	}
	return out
}

func (h *Hub) ChannelNames() []string {
	names := make([]string, 0, len(h.channels))
	for name := range h.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close unsubscribes from the bus and disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	ids := h.subIDs
	h.subIDs = map[string]string{}
	h.mu.Unlock()

	for _, id := range ids {
		h.bus.Unsubscribe(id)
	}
	for _, ch := range h.channels {
		ch.closeAll()
	}
}
