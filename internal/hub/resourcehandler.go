package hub

import (
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quickhub/quickhub/internal/connection"
	"github.com/quickhub/quickhub/internal/errcode"
	"github.com/quickhub/quickhub/internal/logging"
	"github.com/quickhub/quickhub/internal/metrics"
	"github.com/quickhub/quickhub/internal/protocol"
)

// ResourceHandler serves one resource instance to all channels attached to
// it.
type ResourceHandler interface {
	Attach(token string, socket connection.Socket) errcode.CloudError
	DynamicContent() bool
	OnEmpty(fn func())

	// Discard releases a handler that never served a channel.
	Discard()
}

// handlerBase carries the socket bookkeeping shared by all resource
// handlers. Concrete handlers configure it with their permission check,
// initial dump and message dispatch.
type handlerBase struct {
	typeName string
	log      zerolog.Logger
	dynamic  bool

	permitFn  func(token string) errcode.CloudError
	initFn    func(socket connection.Socket)
	messageFn func(msg protocol.Message, socket connection.Socket)
	closeFn   func()

	mu      sync.Mutex
	sockets map[connection.Socket]struct{}
	onEmpty []func()
}

// tokenPermit adapts a boolean token check to an attach error.
func tokenPermit(check func(token string) bool) func(token string) errcode.CloudError {
	return func(token string) errcode.CloudError {
		if check(token) {
			return errcode.NoError
		}
		return errcode.InvalidToken
	}
}

func newHandlerBase(typeName string) *handlerBase {
	return &handlerBase{
		typeName: typeName,
		log:      logging.Component(typeName + "-handler"),
		sockets:  map[connection.Socket]struct{}{},
	}
}

// Attach adds a channel to the handler's audience. The channel gets the
// attach confirmation first, then the initial state dump.
func (h *handlerBase) Attach(token string, socket connection.Socket) errcode.CloudError {
	if h.permitFn != nil {
		if err := h.permitFn(token); !err.OK() {
			return err
		}
	}

	h.mu.Lock()
	h.sockets[socket] = struct{}{}
	h.mu.Unlock()

	socket.SetMessageHandler(func(msg protocol.Message) { h.dispatch(msg, socket) })
	socket.OnDisconnected(func() { h.detach(socket) })

	socket.Send(protocol.Message{Command: h.typeName + ":attach:success"})
	if h.initFn != nil {
		h.initFn(socket)
	}
	return errcode.NoError
}

func (h *handlerBase) DynamicContent() bool { return h.dynamic }

// Discard releases a handler that never served a channel.
func (h *handlerBase) Discard() {
	if h.closeFn != nil {
		h.closeFn()
	}
}

// OnEmpty registers a callback for the moment the last channel detaches.
// The owning manager uses it to drop the handler and release the resource.
func (h *handlerBase) OnEmpty(fn func()) {
	h.mu.Lock()
	h.onEmpty = append(h.onEmpty, fn)
	h.mu.Unlock()
}

func (h *handlerBase) dispatch(msg protocol.Message, socket connection.Socket) {
	if msg.Command == "ACK" {
		return
	}

	tokens := msg.Tokens()
	if len(tokens) > 1 && tokens[1] == "detach" {
		socket.Send(protocol.Message{Command: h.typeName + ":detach:success"})
		h.detach(socket)
		return
	}
	if h.messageFn != nil {
		h.messageFn(msg, socket)
	}
}

func (h *handlerBase) detach(socket connection.Socket) {
	h.mu.Lock()
	if _, attached := h.sockets[socket]; !attached {
		h.mu.Unlock()
		return
	}
	delete(h.sockets, socket)
	empty := len(h.sockets) == 0
	var callbacks []func()
	if empty {
		callbacks = h.onEmpty
		h.onEmpty = nil
	}
	h.mu.Unlock()

	socket.SetMessageHandler(nil)
	if !empty {
		return
	}
	if h.closeFn != nil {
		h.closeFn()
	}
	for _, fn := range callbacks {
		fn()
	}
}

// deployToAll fans a message out to every attached channel. The sender's
// copy carries reply=true so the client can tell its own change apart from
// foreign ones.
func (h *handlerBase) deployToAll(msg protocol.Message, sender connection.Socket) {
	h.mu.Lock()
	sockets := make([]connection.Socket, 0, len(h.sockets))
	for s := range h.sockets {
		sockets = append(sockets, s)
	}
	h.mu.Unlock()

	for _, receiver := range sockets {
		receiver.Send(msg.WithReply(receiver == sender))
	}
}

// answer folds a resource error into a success or failed reply.
func (h *handlerBase) answer(command string, err errcode.CloudError, socket connection.Socket) {
	if !err.OK() {
		metrics.ErrorsTotal.WithLabelValues(strconv.Itoa(int(err))).Inc()
	}
	socket.Send(protocol.Answer(command, err))
}

func (h *handlerBase) answerDevice(command string, err errcode.DeviceError, socket connection.Socket) {
	if err.OK() {
		code := 0
		socket.Send(protocol.Message{Command: command + ":success", ErrorCode: &code})
		return
	}
	metrics.ErrorsTotal.WithLabelValues(strconv.Itoa(int(err))).Inc()
	socket.Send(protocol.DeviceFailed(command, err))
}
