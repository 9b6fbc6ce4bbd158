// Package connection implements the websocket multiplexer. A single
// websocket carries any number of virtual channels, each addressed by a
// client chosen uuid inside the message envelope. Handlers attach to
// channels; the physical connection only moves envelopes.
package connection

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quickhub/quickhub/internal/logging"
	"github.com/quickhub/quickhub/internal/metrics"
	"github.com/quickhub/quickhub/internal/protocol"
)

const (
	registerCommand = "connection:register"
	writeBuffer     = 256
)

// Socket is the channel API handlers work against.
type Socket interface {
	UUID() string
	Send(msg protocol.Message)
	SetMessageHandler(fn func(protocol.Message))
	OnDisconnected(fn func())
	SetKeepAlive(interval, timeout time.Duration)
	Close()
}

// Router receives messages on channels that have no attached handler yet,
// usually the server's request handler chain.
type Router interface {
	Route(msg protocol.Message, socket Socket) bool
}

// wire is the subset of *websocket.Conn the connection needs. Tests plug
// in a fake.
type wire interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type outgoing struct {
	data []byte
}

// Connection owns one websocket and its virtual channels.
type Connection struct {
	ws     wire
	router Router
	log    zerolog.Logger

	send chan outgoing
	done chan struct{}

	mu       sync.Mutex
	channels map[string]*Channel
	closed   bool

	// Frame type of the last received message. Replies mirror it so
	// binary clients get binary frames back.
	frameMu   sync.Mutex
	frameType int

	keepAliveMu  sync.Mutex
	pingTicker   *time.Ticker
	pingInterval time.Duration
	pongTimeout  time.Duration
	pongTimer    *time.Timer
	stopPing     chan struct{}
}

func New(ws wire, router Router) *Connection {
	c := &Connection{
		ws:        ws,
		router:    router,
		log:       logging.Component("connection"),
		send:      make(chan outgoing, writeBuffer),
		done:      make(chan struct{}),
		channels:  map[string]*Channel{},
		frameType: websocket.TextMessage,
	}
	metrics.ConnectionsActive.Inc()
	return c
}

// Run pumps the connection until the socket dies. It blocks; callers
// usually run it in its own goroutine per accepted socket.
func (c *Connection) Run() {
	go c.writePump()
	c.readPump()
}

func (c *Connection) readPump() {
	defer c.Close()
	for {
		frameType, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("Websocket read error")
			}
			return
		}

		c.frameMu.Lock()
		c.frameType = frameType
		c.frameMu.Unlock()

		c.pongReceived()
		c.handleFrame(raw)
	}
}

func (c *Connection) handleFrame(raw []byte) {
	payload := string(raw)
	if payload == "" || payload == "ping" {
		c.sendRaw([]byte("pong"))
		return
	}
	if payload == "pong" {
		return
	}

	msg, err := protocol.Decode(raw)
	if err != nil {
		c.log.Warn().Err(err).Msg("Dropping malformed message")
		return
	}
	metrics.MessagesTotal.WithLabelValues(msg.Namespace()).Inc()

	if msg.Command == registerCommand {
		c.registerChannel(msg.UUID)
		return
	}

	if msg.UUID == "" {
		// Legacy clients without channel uuids talk to every channel.
		for _, ch := range c.channelList() {
			ch.deliver(msg)
		}
		return
	}

	c.mu.Lock()
	ch := c.channels[msg.UUID]
	c.mu.Unlock()
	if ch == nil {
		ch = c.registerChannel(msg.UUID)
	}
	ch.deliver(msg)
}

func (c *Connection) registerChannel(uuid string) *Channel {
	c.mu.Lock()
	ch, exists := c.channels[uuid]
	if !exists {
		ch = newChannel(uuid, c)
		c.channels[uuid] = ch
		metrics.ChannelsActive.Inc()
	}
	c.mu.Unlock()
	return ch
}

func (c *Connection) channelList() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	return channels
}

func (c *Connection) removeChannel(uuid string) {
	c.mu.Lock()
	_, ok := c.channels[uuid]
	if ok {
		delete(c.channels, uuid)
	}
	c.mu.Unlock()
	if ok {
		metrics.ChannelsActive.Dec()
	}
}

// sendMessage serializes and enqueues an envelope. Writes of one
// connection go through a single goroutine, so a direct reply enqueued
// before a broadcast is also delivered first.
func (c *Connection) sendMessage(msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return c.sendRaw(data)
}

func (c *Connection) sendRaw(data []byte) error {
	select {
	case c.send <- outgoing{data: data}:
		return nil
	case <-c.done:
		return errors.New("connection closed")
	}
}

func (c *Connection) writePump() {
	for {
		select {
		case out := <-c.send:
			c.frameMu.Lock()
			frameType := c.frameType
			c.frameMu.Unlock()
			if err := c.ws.WriteMessage(frameType, out.data); err != nil {
				c.log.Debug().Err(err).Msg("Websocket write error")
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// SetKeepAlive starts probing the peer: every interval a ping is sent and
// the peer has timeout to answer before the connection is dropped. Any
// received frame counts as an answer.
func (c *Connection) SetKeepAlive(interval, timeout time.Duration) {
	c.keepAliveMu.Lock()
	defer c.keepAliveMu.Unlock()
	if c.pingTicker != nil {
		c.pingTicker.Stop()
		close(c.stopPing)
	}
	if interval <= 0 {
		c.pingTicker = nil
		return
	}

	c.pingInterval = interval
	c.pongTimeout = timeout
	c.pingTicker = time.NewTicker(interval)
	c.stopPing = make(chan struct{})
	ticker := c.pingTicker
	stop := c.stopPing

	go func() {
		for {
			select {
			case <-ticker.C:
				c.sendRaw([]byte("ping"))
				c.armPongTimer()
			case <-stop:
				return
			case <-c.done:
				return
			}
		}
	}()
}

func (c *Connection) armPongTimer() {
	c.keepAliveMu.Lock()
	defer c.keepAliveMu.Unlock()
	if c.pongTimer != nil {
		return
	}
	c.pongTimer = time.AfterFunc(c.pongTimeout, func() {
		c.log.Info().Msg("Keepalive timeout, dropping connection")
		c.Close()
	})
}

// pongReceived treats any inbound frame as proof of life: the pending
// timeout is cancelled and the probe interval starts over.
func (c *Connection) pongReceived() {
	c.keepAliveMu.Lock()
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	if c.pingTicker != nil {
		c.pingTicker.Reset(c.pingInterval)
	}
	c.keepAliveMu.Unlock()
}

// Close tears down the socket and notifies every channel.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channels = map[string]*Channel{}
	c.mu.Unlock()

	close(c.done)
	c.keepAliveMu.Lock()
	if c.pingTicker != nil {
		c.pingTicker.Stop()
	}
	if c.pongTimer != nil {
		c.pongTimer.Stop()
	}
	c.keepAliveMu.Unlock()

	c.ws.Close()
	metrics.ConnectionsActive.Dec()
	for range channels {
		metrics.ChannelsActive.Dec()
	}
	for _, ch := range channels {
		ch.disconnected()
	}
}
