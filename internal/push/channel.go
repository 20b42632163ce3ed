package push

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/qaflow-labs/qaflow-go/internal/domain"
	"github.com/qaflow-labs/qaflow-go/internal/eventbus"
)

var errSlowClient = errors.New("send buffer full")

// Channel fans one bus channel out to its websocket clients and keeps the
// last ReplaySize messages for new connections.
type Channel struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	replay  []eventbus.Message
	dropped int64
}

func newChannel(name string, cfg Config, logger *slog.Logger) *Channel {
	return &Channel{
		name:    name,
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) ClientCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// Dropped counts clients removed because they fell behind or failed.
func (c *Channel) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Recent returns up to n buffered messages, oldest first.
func (c *Channel) Recent(n int) []eventbus.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n > len(c.replay) {
		n = len(c.replay)
	}
	return append([]eventbus.Message(nil), c.replay[len(c.replay)-n:]...)
}

// broadcast is the bus handler. It runs on the subscription goroutine, so
// messages arrive here one at a time in publish order.
func (c *Channel) broadcast(msg eventbus.Message) {
	frame, err := c.encode(FrameEvent, "", false, &msg)
	if err != nil {
		c.logger.Error("push frame encode failed", "channel", c.name, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.ReplaySize > 0 {
		c.replay = append(c.replay, msg)
		if over := len(c.replay) - c.cfg.ReplaySize; over > 0 {
			c.replay = append(c.replay[:0], c.replay[over:]...)
		}
	}
	for cl := range c.clients {
		if !cl.enqueue(frame) {
			c.removeLocked(cl, errSlowClient)
		}
	}
}

// attach registers conn. The ack and replay frames are queued under the
// channel lock, before any live frame can be.
func (c *Channel) attach(conn *websocket.Conn) {
	cl := &client{
		id:      uuid.NewString(),
		conn:    conn,
		channel: c,
		send:    make(chan []byte, c.cfg.ReplaySize+c.cfg.SendBuffer+1),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	ack, err := c.encode(FrameAck, cl.id, false, nil)
	if err == nil {
		cl.enqueue(ack)
		for i := range c.replay {
			frame, ferr := c.encode(FrameEvent, "", true, &c.replay[i])
			if ferr != nil {
				err = ferr
				break
			}
			cl.enqueue(frame)
		}
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("push replay encode failed", "channel", c.name, "error", err)
		_ = conn.Close()
		return
	}
	c.clients[cl] = struct{}{}
	c.mu.Unlock()

	c.logger.Info("push client connected", "channel", c.name, "client_id", cl.id)
	go cl.writeLoop()
	go cl.readLoop()
}

func (c *Channel) remove(cl *client, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(cl, cause)
}

func (c *Channel) removeLocked(cl *client, cause error) {
	if _, ok := c.clients[cl]; !ok {
		return
	}
	delete(c.clients, cl)
	cl.stop()
	if cause == nil || websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Info("push client disconnected", "channel", c.name, "client_id", cl.id)
		return
	}
	c.dropped++
	terr := &domain.TransportError{Channel: c.name, ClientID: cl.id, Err: cause}
	c.logger.Warn("push client removed", "channel", c.name, "client_id", cl.id, "error", terr)
}

func (c *Channel) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for cl := range c.clients {
		delete(c.clients, cl)
		cl.stop()
	}
}

func (c *Channel) encode(kind, clientID string, replay bool, msg *eventbus.Message) ([]byte, error) {
	return json.Marshal(Frame{
		Type:     kind,
		Channel:  c.name,
		ClientID: clientID,
		Replay:   replay,
		Message:  msg,
		SentAt:   time.Now().UTC(),
	})
}
