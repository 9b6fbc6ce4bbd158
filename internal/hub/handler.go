// Package hub wires the websocket surface of the server. Incoming messages
// run through a chain of request handlers until one claims them; resource
// handlers then own their channel for the rest of the session.
package hub

import (
	"github.com/quickhub/quickhub/internal/connection"
	"github.com/quickhub/quickhub/internal/protocol"
)

// RequestHandler is one station of the request chain. Returning true claims
// the message; later handlers are not consulted.
type RequestHandler interface {
	HandleRequest(msg protocol.Message, socket connection.Socket) bool
}

// Chain routes unclaimed channel messages through the registered handlers
// in order.
type Chain struct {
	handlers []RequestHandler
}

func NewChain(handlers ...RequestHandler) *Chain {
	return &Chain{handlers: handlers}
}

func (c *Chain) Append(h RequestHandler) {
	c.handlers = append(c.handlers, h)
}

func (c *Chain) Route(msg protocol.Message, socket connection.Socket) bool {
	for _, h := range c.handlers {
		if h.HandleRequest(msg, socket) {
			return true
		}
	}
	return false
}
