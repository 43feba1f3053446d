package console

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The console is operator-facing and sits behind the bearer-authed
	// fulfillment server; cross-origin browsers are fine.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConsumer is one WebSocket viewer. All writes go through the send channel
// into writePump; readPump only watches for the client closing.
type wsConsumer struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// ServeWS upgrades the request and streams bus events as JSON text frames.
func (c *Console) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	consumer := &wsConsumer{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	ch := c.bus.Subscribe(filterTypes(r)...)
	c.log.Debug("websocket consumer connected", "remote", r.RemoteAddr)

	go consumer.writePump()
	go consumer.readPump()

	go func() {
		defer c.bus.Unsubscribe(ch)
		for {
			select {
			case <-consumer.done:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				raw, err := ev.JSON()
				if err != nil {
					continue
				}
				select {
				case consumer.send <- raw:
				default:
					// Slow viewer; skip rather than stall the bus drain.
				}
			}
		}
	}()
}

func (ws *wsConsumer) close() {
	ws.once.Do(func() {
		close(ws.done)
		ws.conn.Close()
	})
}

// writePump owns every write on the socket: event frames and pings.
func (ws *wsConsumer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.close()
	}()

	for {
		select {
		case <-ws.done:
			return
		case raw := <-ws.send:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; its job is pong handling and noticing
// the peer going away.
func (ws *wsConsumer) readPump() {
	defer ws.close()

	ws.conn.SetReadLimit(1024)
	ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	ws.conn.SetPongHandler(func(string) error {
		ws.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := ws.conn.ReadMessage(); err != nil {
			return
		}
	}
}
