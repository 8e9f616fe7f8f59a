package hub

import (
	"time"

	"github.com/gofiber/websocket/v2"
)

// MessageType selects the websocket frame type a Message is written as.
type MessageType int

const (
	JSONMessage MessageType = iota
	// BinaryMessage carries a JPEG frame preview. Only the newest queued
	// preview is written; older ones are skipped.
	BinaryMessage
)

// Message is one broadcast to every client of a hub.
type Message struct {
	Type MessageType
	Data []byte
}

func NewJSONMessage(data []byte) Message   { return Message{Type: JSONMessage, Data: data} }
func NewBinaryMessage(data []byte) Message { return Message{Type: BinaryMessage, Data: data} }

// SendBuffer is how many messages may queue for one client before the hub
// drops it as too slow.
const SendBuffer = 64

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// Dashboard viewers only send control frames.
	maxMessageSize = 4 * 1024
)

// Client is one dashboard viewer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Message
}

// NewClient registers conn with hub. If the hub has stopped the client
// starts out closed and Run returns as soon as the peer goes away.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	c := &Client{hub: hub, conn: conn, send: make(chan Message, SendBuffer)}
	select {
	case hub.register <- c:
	case <-hub.done:
		close(c.send)
	}
	return c
}

// Send queues msg for this client only, e.g. an initial snapshot.
// It reports false if the buffer is full or the hub already let go of
// the client.
func (c *Client) Send(msg Message) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Run serves the connection until the peer leaves or the hub drops it.
// It must be called from the websocket handler, which owns conn.
func (c *Client) Run() {
	go c.write()
	c.read()
}

func (c *Client) read() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// write is the only goroutine writing to conn.
func (c *Client) write() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			batch, open := drain(msg, c.send)
			for _, m := range batch {
				if err := c.writeMessage(m); err != nil {
					return
				}
			}
			if !open {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}

		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeMessage(m Message) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if m.Type == BinaryMessage {
		return c.conn.WriteMessage(websocket.BinaryMessage, m.Data)
	}
	return c.conn.WriteMessage(websocket.TextMessage, m.Data)
}

// drain collects first plus whatever is already queued, keeping JSON
// messages in order and only the newest preview frame. open is false if
// the channel was closed while draining.
func drain(first Message, queue <-chan Message) (batch []Message, open bool) {
	batch = []Message{first}
	preview := -1
	if first.Type == BinaryMessage {
		preview = 0
	}
	for {
		select {
		case m, ok := <-queue:
			if !ok {
				return batch, false
			}
			if m.Type == BinaryMessage && preview >= 0 {
				batch[preview] = m
				continue
			}
			if m.Type == BinaryMessage {
				preview = len(batch)
			}
			batch = append(batch, m)
		default:
			return batch, true
		}
	}
}
