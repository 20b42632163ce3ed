package push

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxInboundMessage = 512

type client struct {
	id      string
	conn    *websocket.Conn
	channel *Channel
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

// enqueue never blocks; false means the client cannot keep up.
func (cl *client) enqueue(frame []byte) bool {
	select {
	case <-cl.done:
		return true
	default:
	}
	select {
	case cl.send <- frame:
		return true
	default:
		return false
	}
}

func (cl *client) stop() {
	cl.once.Do(func() { close(cl.done) })
}

// writeLoop is the only goroutine that writes to conn.
func (cl *client) writeLoop() {
	cfg := cl.channel.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = cl.conn.Close()
	}()

	for {
		select {
		case frame := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := cl.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				cl.channel.remove(cl, err)
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cl.channel.remove(cl, err)
				return
			}
		case <-cl.done:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			_ = cl.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readLoop discards client input and notices disconnects.
func (cl *client) readLoop() {
	cfg := cl.channel.cfg
	pongWait := cfg.PingInterval * 2
	cl.conn.SetReadLimit(maxInboundMessage)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			cl.channel.remove(cl, err)
			return
		}
	}
}
