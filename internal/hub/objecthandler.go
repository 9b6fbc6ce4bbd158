package hub

import (
	"github.com/quickhub/quickhub/internal/auth"
	"github.com/quickhub/quickhub/internal/connection"
	"github.com/quickhub/quickhub/internal/errcode"
	"github.com/quickhub/quickhub/internal/protocol"
	"github.com/quickhub/quickhub/internal/resource"
	"github.com/quickhub/quickhub/internal/resource/object"
)

type objectHandler struct {
	*handlerBase
	resource *object.Resource
	release  func()
}

func newObjectHandler(res *object.Resource, release func()) *objectHandler {
	h := &objectHandler{
		handlerBase: newHandlerBase("object"),
		resource:    res,
		release:     release,
	}
	h.dynamic = res.DynamicContent()
	h.permitFn = tokenPermit(res.IsPermittedToRead)
	h.initFn = h.initHandle
	h.messageFn = h.handleMessage
	h.closeFn = func() {
		res.Unsubscribe(h)
		if release != nil {
			release()
		}
	}
	res.Subscribe(h)
	return h
}

func (h *objectHandler) initHandle(socket connection.Socket) {
	socket.Send(protocol.Message{
		Command: "object:dump",
		Parameters: map[string]any{
			"data":     h.resource.ObjectData(),
			"metadata": h.resource.MetaData(),
		},
	})
}

func (h *objectHandler) handleMessage(msg protocol.Message, socket connection.Socket) {
	if msg.Command != "object:property:set" {
		return
	}
	parameters := msg.Parameters
	if parameters == nil {
		parameters = map[string]any{}
	}
	token := msg.Token
	msg.Token = ""

	property := msg.StringParam("property")
	wrapped, err := h.resource.SetProperty(property, parameters["data"], token, h)
	h.answer(msg.Command, err, socket)
	if err.OK() {
		parameters["data"] = wrapped
		msg.Parameters = parameters
		h.deployToAll(msg, socket)
	}
}

func (h *objectHandler) PropertyChanged(property string, value map[string]any, user auth.Identity) {
	h.deployToAll(protocol.Message{
		Command:    "object:property:set",
		Parameters: map[string]any{"property": property, "data": value},
	}, nil)
}

// ObjectHandlerFactory builds object handlers on top of the registry. It
// serves plain objects and settings objects alike; the registry picks the
// factory by descriptor prefix.
type ObjectHandlerFactory struct {
	registry *resource.Registry
}

func NewObjectHandlerFactory(registry *resource.Registry) *ObjectHandlerFactory {
	return &ObjectHandlerFactory{registry: registry}
}

func (f *ObjectHandlerFactory) ResourceType() string { return "object" }

func (f *ObjectHandlerFactory) ResourceID(descriptor, token string) string {
	return f.registry.ResourceID("object", descriptor, token)
}

func (f *ObjectHandlerFactory) CreateHandler(descriptor, token string) (ResourceHandler, errcode.CloudError) {
	res, release, err := f.registry.Acquire("object", descriptor, token)
	if !err.OK() {
		return nil, err
	}
	objRes, ok := res.(*object.Resource)
	if !ok {
		release()
		return nil, errcode.UnknownType
	}
	return newObjectHandler(objRes, release), errcode.NoError
}
