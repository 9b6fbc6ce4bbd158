package hub

import (
	"encoding/base64"

	"github.com/quickhub/quickhub/internal/auth"
	"github.com/quickhub/quickhub/internal/connection"
	"github.com/quickhub/quickhub/internal/errcode"
	"github.com/quickhub/quickhub/internal/protocol"
	"github.com/quickhub/quickhub/internal/resource"
	"github.com/quickhub/quickhub/internal/resource/image"
)

// imageHandler serves an image collection. Image bytes travel base64
// encoded inside the JSON envelope.
type imageHandler struct {
	*handlerBase
	resource *image.Resource
	release  func()
}

func newImageHandler(res *image.Resource, release func()) *imageHandler {
	h := &imageHandler{
		handlerBase: newHandlerBase("imgcoll"),
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

func (h *imageHandler) initHandle(socket connection.Socket) {
	socket.Send(protocol.Message{
		Command:    "imgcoll:dump",
		Parameters: map[string]any{"data": h.resource.AllMetadata()},
	})
}

func (h *imageHandler) handleMessage(msg protocol.Message, socket connection.Socket) {
	token := msg.Token
	uid := msg.StringParam("uid")

	switch msg.Command {
	case "imgcoll:insert":
		raw := msg.StringParam("data")
		data, err := base64.StdEncoding.DecodeString(raw)
		if err != nil || uid == "" {
			h.answer(msg.Command, errcode.InvalidData, socket)
			return
		}
		metadata := msg.MapParam("metadata")
		h.answer(msg.Command, h.resource.Insert(uid, data, metadata, token, h), socket)

	case "imgcoll:remove":
		h.answer(msg.Command, h.resource.Delete(uid, token, h), socket)

	case "imgcoll:get":
		data, err := h.resource.Image(uid)
		if !err.OK() {
			h.answer(msg.Command, err, socket)
			return
		}
		socket.Send(protocol.Message{
			Command: msg.Command,
			Parameters: map[string]any{
				"uid":  uid,
				"data": base64.StdEncoding.EncodeToString(data),
			},
		})
	}
}

func (h *imageHandler) ImageAdded(uid string, metadata map[string]any, user auth.Identity) {
	h.deployToAll(protocol.Message{
		Command: "imgcoll:new",
		Parameters: map[string]any{
			"data": map[string]any{"uid": uid, "metadata": metadata},
		},
	}, nil)
}

func (h *imageHandler) ImageRemoved(uid string, user auth.Identity) {
	h.deployToAll(protocol.Message{
		Command:    "imgcoll:remove",
		Parameters: map[string]any{"uid": uid},
	}, nil)
}

type ImageHandlerFactory struct {
	registry *resource.Registry
}

func NewImageHandlerFactory(registry *resource.Registry) *ImageHandlerFactory {
	return &ImageHandlerFactory{registry: registry}
}

func (f *ImageHandlerFactory) ResourceType() string { return "imgcoll" }

func (f *ImageHandlerFactory) ResourceID(descriptor, token string) string {
	return f.registry.ResourceID("imgcoll", descriptor, token)
}

func (f *ImageHandlerFactory) CreateHandler(descriptor, token string) (ResourceHandler, errcode.CloudError) {
	res, release, err := f.registry.Acquire("imgcoll", descriptor, token)
	if !err.OK() {
		return nil, err
	}
	imgRes, ok := res.(*image.Resource)
	if !ok {
		release()
		return nil, errcode.UnknownType
	}
	return newImageHandler(imgRes, release), errcode.NoError
}
