package hub

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quickhub/quickhub/internal/connection"
	"github.com/quickhub/quickhub/internal/logging"
	"github.com/quickhub/quickhub/internal/protocol"
	"github.com/quickhub/quickhub/internal/service"
)

// ServiceRequestHandler bridges "call:<service>/<call>" requests into the
// service layer. Results come back asynchronously and are matched to the
// calling channel by the uid the client put into the payload.
type ServiceRequestHandler struct {
	services *service.Manager
	log      zerolog.Logger

	mu      sync.Mutex
	sockets map[string]connection.Socket
}

func NewServiceRequestHandler(services *service.Manager) *ServiceRequestHandler {
	h := &ServiceRequestHandler{
		services: services,
		log:      logging.Component("service-requests"),
		sockets:  map[string]connection.Socket{},
	}
	services.OnResponse(h.sendAnswer)
	return h
}

func (h *ServiceRequestHandler) HandleRequest(msg protocol.Message, socket connection.Socket) bool {
	if !strings.HasPrefix(msg.Command, "call") {
		return false
	}

	tokens := msg.Tokens()
	if len(tokens) < 2 {
		return false
	}

	// call:<service>/<call>
	selector := tokens[1]
	serviceName, call, found := strings.Cut(selector, "/")
	if !found || serviceName == "" || call == "" {
		h.log.Error().Str("command", msg.Command).Msg("Incomplete service selector")
		return false
	}

	uid, _ := msg.Payload["uid"].(string)
	arg := msg.Payload["arg"]

	svc := h.services.Service(serviceName)
	if svc == nil {
		h.log.Warn().Str("service", serviceName).Msg("Unavailable service")
		return false
	}

	h.mu.Lock()
	h.sockets[uid] = socket
	h.mu.Unlock()

	if !svc.Call(call, msg.Token, uid, arg) {
		h.mu.Lock()
		delete(h.sockets, uid)
		h.mu.Unlock()
	}
	return false
}

func (h *ServiceRequestHandler) sendAnswer(uid string, result any) {
	h.mu.Lock()
	socket := h.sockets[uid]
	delete(h.sockets, uid)
	h.mu.Unlock()

	if socket != nil {
		socket.Send(protocol.Message{Payload: map[string]any{"uid": uid, "data": result}})
	}
}
