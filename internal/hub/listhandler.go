package hub

import (
	"github.com/quickhub/quickhub/internal/auth"
	"github.com/quickhub/quickhub/internal/connection"
	"github.com/quickhub/quickhub/internal/errcode"
	"github.com/quickhub/quickhub/internal/protocol"
	"github.com/quickhub/quickhub/internal/resource"
	"github.com/quickhub/quickhub/internal/resource/list"
)

// listHandler exposes one synchronized list on the wire. Changes made by
// attached clients fan out through deployToAll; changes from other holders
// of the resource arrive via the listener callbacks.
type listHandler struct {
	*handlerBase
	resource *list.Resource
	release  func()
}

func newListHandler(res *list.Resource, release func()) *listHandler {
	h := &listHandler{
		handlerBase: newHandlerBase("synclist"),
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

// initHandle sends the initial state. Large lists announce their count and
// let the client page through synclist:get; small ones are dumped whole.
func (h *listHandler) initHandle(socket connection.Socket) {
	parameters := map[string]any{"metadata": h.resource.Metadata()}
	command := "synclist:dump"
	if count := h.resource.Count(); count > 0 {
		command = "synclist:init"
		parameters["count"] = count
	} else {
		parameters["data"] = h.resource.ListData()
	}
	socket.Send(protocol.Message{Command: command, Parameters: parameters})
}

func (h *listHandler) handleMessage(msg protocol.Message, socket connection.Socket) {
	parameters := msg.Parameters
	if parameters == nil {
		parameters = map[string]any{}
	}
	data := parameters["data"]
	token := msg.Token
	msg.Token = ""

	switch msg.Command {
	case "synclist:dump":
		parameters["data"] = h.resource.ListData()
		parameters["metadata"] = h.resource.Metadata()
		msg.Parameters = parameters
		socket.Send(msg)

	case "synclist:get":
		from, _ := msg.IntParam("from")
		count, _ := msg.IntParam("count")
		if from < 0 || count <= 0 || from+count-1 >= h.resource.Count() {
			return
		}
		items := make([]any, 0, count)
		for i := from; i < from+count; i++ {
			if item, ok := h.resource.Item(i, ""); ok {
				items = append(items, item)
			}
		}
		parameters["data"] = items
		msg.Parameters = parameters
		socket.Send(msg)

	case "synclist:filter":
		query, _ := data.(map[string]any)
		if h.resource.DynamicContent() {
			h.resource.ApplyFilter(query)
		}

	case "synclist:append":
		result := h.resource.AppendItem(data, token, h)
		h.answer(msg.Command, result.Err, socket)
		if result.Err.OK() {
			parameters["data"] = result.Data
			msg.Parameters = parameters
			h.deployToAll(msg, socket)
		}

	case "synclist:insertat":
		index, ok := msg.IntParam("index")
		if !ok {
			h.log.Warn().Msg("Insert without valid index")
			return
		}
		result := h.resource.InsertAt(data, index, token, h)
		h.answer(msg.Command, result.Err, socket)
		if result.Err.OK() {
			parameters["data"] = result.Data
			msg.Parameters = parameters
			h.deployToAll(msg, socket)
		}

	case "synclist:appendlist":
		items, _ := data.([]any)
		result := h.resource.AppendList(items, token, h)
		h.answer(msg.Command, result.Err, socket)
		if result.Err.OK() {
			parameters["data"] = result.Data
			msg.Parameters = parameters
			h.deployToAll(msg, socket)
		}

	case "synclist:set":
		index, _ := msg.IntParam("index")
		uuid := msg.StringParam("uuid")
		result := h.resource.Set(data, index, uuid, token, h)
		h.answer(msg.Command, result.Err, socket)
		if result.Err.OK() {
			parameters["data"] = result.Data
			msg.Parameters = parameters
			h.deployToAll(msg, socket)
		}

	case "synclist:property:set":
		index, _ := msg.IntParam("index")
		uuid := msg.StringParam("uuid")
		property := msg.StringParam("property")
		result := h.resource.SetProperty(property, data, index, uuid, token, h)
		if item, ok := result.Data.(map[string]any); ok {
			parameters["lastupdate"] = item["lastupdate"]
			parameters["userid"] = item["userid"]
		}
		msg.Parameters = parameters
		h.answer(msg.Command, result.Err, socket)
		if result.Err.OK() {
			h.deployToAll(msg, socket)
		}

	case "synclist:remove":
		index, _ := msg.IntParam("index")
		uuid := msg.StringParam("uuid")
		result := h.resource.RemoveItem(uuid, index, token, h)
		h.answer(msg.Command, result.Err, socket)
		if result.Err.OK() {
			h.deployToAll(msg, socket)
		}

	case "synclist:clear":
		result := h.resource.ClearList(token, h)
		h.answer(msg.Command, result.Err, socket)
		if result.Err.OK() {
			h.deployToAll(msg, socket)
		}

	case "synclist:delete":
		result := h.resource.DeleteList(token, h)
		h.answer(msg.Command, result.Err, socket)
		if result.Err.OK() {
			h.deployToAll(msg, socket)
		}

	case "synclist:metadata:set":
		metadata, _ := parameters["metadata"].(map[string]any)
		result := h.resource.SetMetadata(metadata, token, h)
		h.answer(msg.Command, result.Err, socket)
		if result.Err.OK() {
			h.deployToAll(msg, socket)
		}
	}
}

// Listener callbacks: changes made by other holders of the resource.

func (h *listHandler) ItemAppended(item any, user auth.Identity) {
	h.deployToAll(protocol.Message{
		Command:    "synclist:append",
		Parameters: map[string]any{"data": item},
	}, nil)
}

func (h *listHandler) ItemInserted(item any, index int, user auth.Identity) {
	h.deployToAll(protocol.Message{
		Command:    "synclist:insertat",
		Parameters: map[string]any{"data": item, "index": index},
	}, nil)
}

func (h *listHandler) ListAppended(items []any, user auth.Identity) {
	h.deployToAll(protocol.Message{
		Command:    "synclist:appendlist",
		Parameters: map[string]any{"data": items},
	}, nil)
}

func (h *listHandler) ItemRemoved(index int, uuid string, user auth.Identity) {
	h.deployToAll(protocol.Message{
		Command:    "synclist:remove",
		Parameters: map[string]any{"uuid": uuid, "index": index},
	}, nil)
}

func (h *listHandler) ItemSet(item any, index int, uuid string, user auth.Identity) {
	h.deployToAll(protocol.Message{
		Command:    "synclist:set",
		Parameters: map[string]any{"uuid": uuid, "index": index, "data": item},
	}, nil)
}

func (h *listHandler) PropertySet(property string, item map[string]any, index int, uuid string, user auth.Identity, timestamp int64) {
	var value any
	if data, ok := item["data"].(map[string]any); ok {
		value = data[property]
	}
	parameters := map[string]any{
		"uuid":       uuid,
		"index":      index,
		"property":   property,
		"data":       value,
		"lastupdate": timestamp,
	}
	if user != nil {
		parameters["userid"] = user.IdentityID()
	}
	h.deployToAll(protocol.Message{Command: "synclist:property:set", Parameters: parameters}, nil)
}

func (h *listHandler) ListCleared(user auth.Identity) {
	h.deployToAll(protocol.Message{Command: "synclist:clear"}, nil)
}

func (h *listHandler) ListDeleted(user auth.Identity) {
	h.deployToAll(protocol.Message{Command: "synclist:delete"}, nil)
}

func (h *listHandler) MetadataChanged(metadata map[string]any) {
	h.deployToAll(protocol.Message{
		Command:    "synclist:metadata:set",
		Parameters: map[string]any{"metadata": metadata},
	}, nil)
}

func (h *listHandler) Reset(count int) {
	h.deployToAll(protocol.Message{
		Command:    "synclist:init",
		Parameters: map[string]any{"count": count},
	}, nil)
}

// ListHandlerFactory builds synclist handlers on top of the registry.
type ListHandlerFactory struct {
	registry *resource.Registry
}

func NewListHandlerFactory(registry *resource.Registry) *ListHandlerFactory {
	return &ListHandlerFactory{registry: registry}
}

func (f *ListHandlerFactory) ResourceType() string { return "synclist" }

func (f *ListHandlerFactory) ResourceID(descriptor, token string) string {
	return f.registry.ResourceID("synclist", descriptor, token)
}

func (f *ListHandlerFactory) CreateHandler(descriptor, token string) (ResourceHandler, errcode.CloudError) {
	res, release, err := f.registry.Acquire("synclist", descriptor, token)
	if !err.OK() {
		return nil, err
	}
	listRes, ok := res.(*list.Resource)
	if !ok {
		release()
		return nil, errcode.UnknownType
	}
	return newListHandler(listRes, release), errcode.NoError
}
