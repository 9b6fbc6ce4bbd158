package hub

import (
	"sort"
	"sync"

	"github.com/quickhub/quickhub/internal/auth"
	"github.com/quickhub/quickhub/internal/connection"
	"github.com/quickhub/quickhub/internal/device"
	"github.com/quickhub/quickhub/internal/errcode"
	"github.com/quickhub/quickhub/internal/protocol"
)

// adminList is the read model behind one administrative "list" resource.
// The wrappers rebuild their content from the owning manager and push a
// fresh dump when it changes.
type adminList interface {
	ListData() []any
	HandleMessage(msg protocol.Message, socket connection.Socket, h *adminListHandler)
}

// adminListHandler serves one administrative list. Content is server
// owned, so clients can only read it and issue the side commands the
// wrapper understands.
type adminListHandler struct {
	*handlerBase
	list adminList

	stateMu  sync.Mutex
	closed   bool
	releases []func()
}

func newAdminListHandler(list adminList, permit func(token string) errcode.CloudError) *adminListHandler {
	h := &adminListHandler{
		handlerBase: newHandlerBase("list"),
		list:        list,
	}
	h.permitFn = permit
	h.initFn = h.initHandle
	h.messageFn = func(msg protocol.Message, socket connection.Socket) {
		h.list.HandleMessage(msg, socket, h)
	}
	h.closeFn = func() {
		h.stateMu.Lock()
		h.closed = true
		releases := h.releases
		h.releases = nil
		h.stateMu.Unlock()
		for _, release := range releases {
			release()
		}
	}
	return h
}

// follow ties a change subscription to the handler's lifetime.
func (h *adminListHandler) follow(release func()) {
	h.stateMu.Lock()
	h.releases = append(h.releases, release)
	h.stateMu.Unlock()
}

func (h *adminListHandler) initHandle(socket connection.Socket) {
	socket.Send(protocol.Message{
		Command:    "list:dump",
		Parameters: map[string]any{"data": h.list.ListData()},
	})
}

// redeploy pushes the current content to every attached channel.
func (h *adminListHandler) redeploy() {
	h.stateMu.Lock()
	closed := h.closed
	h.stateMu.Unlock()
	if closed {
		return
	}
	h.deployToAll(protocol.Message{
		Command:    "list:dump",
		Parameters: map[string]any{"data": h.list.ListData()},
	}, nil)
}

// userList lists all accounts with their permissions and session counts.
// The reader identity is the user whose attach created the handler.
type userList struct {
	auth          *auth.Service
	authenticator *auth.DefaultAuthenticator
	reader        auth.Identity
}

func (l *userList) ListData() []any {
	users, _ := l.authenticator.Users(l.reader)
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })

	data := make([]any, 0, len(users))
	for _, u := range users {
		data = append(data, map[string]any{
			"userID":          u.UserID,
			"userName":        u.UserName,
			"eMail":           u.EMail,
			"userData":        u.UserData,
			"userPermissions": u.Permissions,
			"sessionCount":    l.auth.SessionCount(u.UserID),
		})
	}
	return data
}

func (l *userList) HandleMessage(msg protocol.Message, socket connection.Socket, h *adminListHandler) {
}

// deviceList lists currently connected devices and whether a mapping
// exists for them. It also accepts mapping manipulation commands.
type deviceList struct {
	devices *device.Manager
}

func (l *deviceList) ListData() []any {
	uuids := l.devices.Devices()
	sort.Strings(uuids)

	mapped := map[string]bool{}
	for _, uuid := range l.devices.Mappings() {
		mapped[uuid] = true
	}

	data := make([]any, 0, len(uuids))
	for _, uuid := range uuids {
		d := l.devices.DeviceByUUID(uuid)
		if d == nil {
			continue
		}
		data = append(data, map[string]any{
			"uuid":         uuid,
			"shortID":      d.ShortID(),
			"type":         d.Type(),
			"online":       d.State().Online(),
			"isRegistered": mapped[uuid],
		})
	}
	return data
}

func (l *deviceList) HandleMessage(msg protocol.Message, socket connection.Socket, h *adminListHandler) {
	switch msg.Command {
	case "mapping:set":
		mapping := msg.StringParam("mapping")
		uuid := msg.StringParam("uuid")
		err := l.devices.SetDeviceMapping(msg.Token, mapping, uuid, false)
		h.answer(msg.Command, err, socket)

	case "mapping:remove":
		mapping := msg.StringParam("mapping")
		err := l.devices.SetDeviceMapping(msg.Token, mapping, "", false)
		h.answer(msg.Command, err, socket)
	}
}

// handleList lists all provisioned device twins, online or not.
type handleList struct {
	devices *device.Manager
}

func (l *handleList) ListData() []any {
	handles := l.devices.Handles()
	sort.Slice(handles, func(i, j int) bool { return handles[i].UUID() < handles[j].UUID() })

	data := make([]any, 0, len(handles))
	for _, handle := range handles {
		uuid := handle.UUID()
		mappings := []string{}
		for mapping, mapped := range l.devices.Mappings() {
			if mapped == uuid {
				mappings = append(mappings, mapping)
			}
		}
		sort.Strings(mappings)
		data = append(data, map[string]any{
			"uuid":        uuid,
			"type":        handle.Type(),
			"description": handle.Description(),
			"online":      handle.State().Online(),
			"mappings":    mappings,
		})
	}
	return data
}

func (l *handleList) HandleMessage(msg protocol.Message, socket connection.Socket, h *adminListHandler) {
}

// AdminListFactory builds the users/devices/handles overview lists. Each
// attach gets its own handler instance that follows manager changes until
// the last channel detaches.
type AdminListFactory struct {
	auth          *auth.Service
	authenticator *auth.DefaultAuthenticator
	devices       *device.Manager
}

func NewAdminListFactory(service *auth.Service, authenticator *auth.DefaultAuthenticator, devices *device.Manager) *AdminListFactory {
	return &AdminListFactory{auth: service, authenticator: authenticator, devices: devices}
}

func (f *AdminListFactory) ResourceType() string { return "list" }

func (f *AdminListFactory) ResourceID(descriptor, token string) string {
	return descriptor
}

func (f *AdminListFactory) CreateHandler(descriptor, token string) (ResourceHandler, errcode.CloudError) {
	identity := f.auth.ValidateToken(token)
	if identity == nil {
		return nil, errcode.InvalidToken
	}

	permitted := func(permission string) func(string) errcode.CloudError {
		return func(token string) errcode.CloudError {
			user := f.auth.ValidateToken(token)
			if user == nil {
				return errcode.InvalidToken
			}
			if !user.IsAuthorizedTo(permission) {
				return errcode.PermissionDenied
			}
			return errcode.NoError
		}
	}

	switch descriptor {
	case "users":
		if !identity.IsAuthorizedTo(auth.PermMonitorUsers) {
			return nil, errcode.PermissionDenied
		}
		handler := newAdminListHandler(&userList{auth: f.auth, authenticator: f.authenticator, reader: identity}, permitted(auth.PermMonitorUsers))
		handler.follow(f.authenticator.OnUserAdded(func(*auth.User) { handler.redeploy() }))
		handler.follow(f.authenticator.OnUserDeleted(func(*auth.User) { handler.redeploy() }))
		return handler, errcode.NoError

	case "devices":
		if !identity.IsAuthorizedTo(auth.PermManageDevices) {
			return nil, errcode.PermissionDenied
		}
		handler := newAdminListHandler(&deviceList{devices: f.devices}, permitted(auth.PermManageDevices))
		handler.follow(f.devices.OnChanged(handler.redeploy))
		return handler, errcode.NoError

	case "handles", "deviceHandles":
		if !identity.IsAuthorizedTo(auth.PermManageDevices) {
			return nil, errcode.PermissionDenied
		}
		handler := newAdminListHandler(&handleList{devices: f.devices}, permitted(auth.PermManageDevices))
		handler.follow(f.devices.OnChanged(handler.redeploy))
		return handler, errcode.NoError
	}

	return nil, errcode.InvalidDescriptor
}
