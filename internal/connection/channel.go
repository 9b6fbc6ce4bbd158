package connection

import (
	"sync"
	"time"

	"github.com/quickhub/quickhub/internal/protocol"
)

// Channel is one virtual connection inside a physical websocket. Once a
// handler attached itself via SetMessageHandler it receives every message
// addressed to the channel's uuid; before that, messages go through the
// connection's router.
type Channel struct {
	uuid string
	conn *Connection

	mu             sync.Mutex
	handler        func(protocol.Message)
	onDisconnected []func()
	closed         bool
}

func newChannel(uuid string, conn *Connection) *Channel {
	return &Channel{uuid: uuid, conn: conn}
}

func (ch *Channel) UUID() string {
	return ch.uuid
}

// Send stamps the channel uuid onto the envelope and queues it on the
// shared writer.
func (ch *Channel) Send(msg protocol.Message) {
	msg.UUID = ch.uuid
	ch.conn.sendMessage(msg)
}

func (ch *Channel) SetMessageHandler(fn func(protocol.Message)) {
	ch.mu.Lock()
	ch.handler = fn
	ch.mu.Unlock()
}

func (ch *Channel) OnDisconnected(fn func()) {
	ch.mu.Lock()
	ch.onDisconnected = append(ch.onDisconnected, fn)
	ch.mu.Unlock()
}

func (ch *Channel) SetKeepAlive(interval, timeout time.Duration) {
	ch.conn.SetKeepAlive(interval, timeout)
}

// Close detaches the channel from its connection. The websocket itself
// stays open, other channels keep working.
func (ch *Channel) Close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	listeners := ch.onDisconnected
	ch.onDisconnected = nil
	ch.handler = nil
	ch.mu.Unlock()

	ch.conn.removeChannel(ch.uuid)
	for _, fn := range listeners {
		fn()
	}
}

func (ch *Channel) deliver(msg protocol.Message) {
	ch.mu.Lock()
	handler := ch.handler
	ch.mu.Unlock()
	if handler != nil {
		handler(msg)
		return
	}
	if ch.conn.router != nil {
		ch.conn.router.Route(msg, ch)
	}
}

// disconnected is called by the owning connection when the socket dies.
func (ch *Channel) disconnected() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	listeners := ch.onDisconnected
	ch.onDisconnected = nil
	ch.handler = nil
	ch.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}
