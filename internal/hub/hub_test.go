package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickhub/quickhub/internal/auth"
	"github.com/quickhub/quickhub/internal/connection"
	"github.com/quickhub/quickhub/internal/device"
	"github.com/quickhub/quickhub/internal/errcode"
	"github.com/quickhub/quickhub/internal/protocol"
	"github.com/quickhub/quickhub/internal/resource"
	"github.com/quickhub/quickhub/internal/resource/list"
	"github.com/quickhub/quickhub/internal/resource/object"
	"github.com/quickhub/quickhub/internal/service"
	"github.com/quickhub/quickhub/internal/storage"
)

// fakeSocket stands in for a virtual channel.
type fakeSocket struct {
	uuid string

	mu           sync.Mutex
	sent         []protocol.Message
	handler      func(protocol.Message)
	disconnected []func()

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
}

var _ connection.Socket = (*fakeSocket)(nil)

func newFakeSocket(uuid string) *fakeSocket {
	return &fakeSocket{uuid: uuid}
}

func (s *fakeSocket) UUID() string { return s.uuid }

func (s *fakeSocket) Send(msg protocol.Message) {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
}

func (s *fakeSocket) SetMessageHandler(fn func(protocol.Message)) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

func (s *fakeSocket) OnDisconnected(fn func()) {
	s.mu.Lock()
	s.disconnected = append(s.disconnected, fn)
	s.mu.Unlock()
}

func (s *fakeSocket) SetKeepAlive(interval, timeout time.Duration) {
	s.keepAliveInterval = interval
	s.keepAliveTimeout = timeout
}

func (s *fakeSocket) Close() {}

// deliver pushes a message into the attached handler, like a frame
// arriving on the channel.
func (s *fakeSocket) deliver(t *testing.T, msg protocol.Message) {
	t.Helper()
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	require.NotNil(t, handler, "no message handler attached")
	handler(msg)
}

func (s *fakeSocket) drop() {
	s.mu.Lock()
	listeners := append([]func(){}, s.disconnected...)
	s.disconnected = nil
	s.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (s *fakeSocket) messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message{}, s.sent...)
}

func (s *fakeSocket) lastMessage(t *testing.T) protocol.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.sent)
	return s.sent[len(s.sent)-1]
}

func (s *fakeSocket) findCommand(command string) *protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sent {
		if s.sent[i].Command == command {
			return &s.sent[i]
		}
	}
	return nil
}

type testEnv struct {
	auth          *auth.Service
	authenticator *auth.DefaultAuthenticator
	paths         storage.Paths
	registry      *resource.Registry
	token         string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	paths := storage.NewPaths(t.TempDir())
	authenticator, err := auth.NewDefaultAuthenticator(paths.UsersFile())
	require.NoError(t, err)
	svc := auth.NewService(time.Hour)
	svc.RegisterAuthenticator(authenticator)
	token, code := svc.Login("admin", "password")
	require.Equal(t, auth.NoError, code)

	registry := resource.NewRegistry(svc)
	registry.AddFactory(list.NewFactory(svc, paths))
	registry.AddFactory(object.NewFactory(svc, paths))

	return &testEnv{
		auth:          svc,
		authenticator: authenticator,
		paths:         paths,
		registry:      registry,
		token:         token,
	}
}

func attach(t *testing.T, manager *ResourceManager, token, resourceType, descriptor string) *fakeSocket {
	t.Helper()
	socket := newFakeSocket("ch-" + descriptor)
	claimed := manager.HandleRequest(protocol.Message{
		Command: resourceType + ":attach",
		Token:   token,
		Payload: map[string]any{"descriptor": descriptor},
	}, socket)
	require.True(t, claimed)
	require.NotNil(t, socket.findCommand(resourceType+":attach:success"))
	return socket
}

func TestSessionLoginAndGuard(t *testing.T) {
	env := newTestEnv(t)
	handler := NewSessionHandler(env.auth, env.authenticator)

	socket := newFakeSocket("login")
	claimed := handler.HandleRequest(protocol.Message{
		Command: "user:login",
		Payload: map[string]any{"userID": "admin", "password": "password"},
	}, socket)
	require.True(t, claimed)

	answer := socket.lastMessage(t)
	assert.Equal(t, "user:login:success", answer.Command)
	assert.NotEmpty(t, answer.Payload["token"])
	assert.NotNil(t, answer.Payload["user"])

	// Wrong password.
	socket = newFakeSocket("badlogin")
	handler.HandleRequest(protocol.Message{
		Command: "user:login",
		Payload: map[string]any{"userID": "admin", "password": "nope"},
	}, socket)
	assert.Equal(t, "user:login:failed", socket.lastMessage(t).Command)
	assert.Equal(t, "Wrong password.", socket.lastMessage(t).ErrorString)

	// Commands beyond login and add need a valid token.
	socket = newFakeSocket("guarded")
	handler.HandleRequest(protocol.Message{Command: "user:delete", Token: "bogus"}, socket)
	answer = socket.lastMessage(t)
	assert.Equal(t, "user:delete:failed", answer.Command)
	assert.Equal(t, "Token invalid. Please log in and try again.", answer.ErrorString)
}

func TestSessionUserLifecycle(t *testing.T) {
	env := newTestEnv(t)
	handler := NewSessionHandler(env.auth, env.authenticator)

	socket := newFakeSocket("admin")
	handler.HandleRequest(protocol.Message{
		Command: "user:add",
		Token:   env.token,
		Payload: map[string]any{"userID": "carol", "password": "secret12", "name": "Carol", "eMail": "carol@example.org"},
	}, socket)
	assert.Equal(t, "user:add:success", socket.lastMessage(t).Command)

	carol := env.authenticator.GetUser("carol")
	require.NotNil(t, carol)
	assert.Equal(t, "Carol", carol.UserName)
	assert.Equal(t, "carol@example.org", carol.EMail)

	handler.HandleRequest(protocol.Message{
		Command: "user:setpermission",
		Token:   env.token,
		Payload: map[string]any{"userID": "carol", "permission": auth.PermMonitorUsers, "allowed": true},
	}, socket)
	assert.Equal(t, "user:setpermission:success", socket.lastMessage(t).Command)
	assert.True(t, env.authenticator.GetUser("carol").IsAuthorizedTo(auth.PermMonitorUsers))

	handler.HandleRequest(protocol.Message{
		Command: "user:delete",
		Token:   env.token,
		Payload: map[string]any{"userID": "carol", "password": "password"},
	}, socket)
	assert.Equal(t, "user:delete:success", socket.lastMessage(t).Command)
	assert.Nil(t, env.authenticator.GetUser("carol"))
}

func TestAnonymousRegistrationGate(t *testing.T) {
	env := newTestEnv(t)
	handler := NewSessionHandler(env.auth, env.authenticator)

	socket := newFakeSocket("anon")
	handler.HandleRequest(protocol.Message{
		Command: "user:add",
		Payload: map[string]any{"userID": "eve", "password": "secret12"},
	}, socket)
	assert.Equal(t, "user:add:failed", socket.lastMessage(t).Command)
	assert.Nil(t, env.authenticator.GetUser("eve"))

	handler.SetRegistrationPolicy(func() bool { return true })
	handler.HandleRequest(protocol.Message{
		Command: "user:add",
		Payload: map[string]any{"userID": "eve", "password": "secret12"},
	}, socket)
	assert.Equal(t, "user:add:success", socket.lastMessage(t).Command)
	assert.NotNil(t, env.authenticator.GetUser("eve"))
}

func TestSessionDisconnectLogsOut(t *testing.T) {
	env := newTestEnv(t)
	handler := NewSessionHandler(env.auth, env.authenticator)

	socket := newFakeSocket("volatile")
	handler.HandleRequest(protocol.Message{
		Command: "user:login",
		Payload: map[string]any{"userID": "admin", "password": "password"},
	}, socket)
	token, _ := socket.lastMessage(t).Payload["token"].(string)
	require.NotEmpty(t, token)
	require.NotNil(t, env.auth.ValidateToken(token))

	socket.drop()
	assert.Nil(t, env.auth.ValidateToken(token))
}

func TestListAttachAndFanOut(t *testing.T) {
	env := newTestEnv(t)
	manager := NewResourceManager()
	manager.RegisterFactory(NewListHandlerFactory(env.registry))

	alice := attach(t, manager, env.token, "synclist", "home.groceries")
	bob := attach(t, manager, env.token, "synclist", "home.groceries")

	// Empty list dumps whole content on attach.
	dump := alice.findCommand("synclist:dump")
	require.NotNil(t, dump)

	alice.deliver(t, protocol.Message{
		Command:    "synclist:append",
		Token:      env.token,
		Parameters: map[string]any{"data": map[string]any{"text": "milk"}},
	})

	require.NotNil(t, alice.findCommand("synclist:append:success"))

	aliceFan := alice.findCommand("synclist:append")
	require.NotNil(t, aliceFan)
	require.NotNil(t, aliceFan.Reply)
	assert.True(t, *aliceFan.Reply)

	bobFan := bob.findCommand("synclist:append")
	require.NotNil(t, bobFan)
	require.NotNil(t, bobFan.Reply)
	assert.False(t, *bobFan.Reply)

	item, ok := bobFan.Parameters["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "admin", item["userid"])
}

func TestListAttachSharesHandler(t *testing.T) {
	env := newTestEnv(t)
	manager := NewResourceManager()
	manager.RegisterFactory(NewListHandlerFactory(env.registry))

	attach(t, manager, env.token, "synclist", "home.notes")
	resourceID := env.registry.ResourceID("synclist", "home.notes", env.token)
	assert.True(t, env.registry.Loaded(resourceID))

	manager.mu.Lock()
	count := len(manager.handlers["synclist"])
	manager.mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestListDetachReleasesResource(t *testing.T) {
	env := newTestEnv(t)
	manager := NewResourceManager()
	manager.RegisterFactory(NewListHandlerFactory(env.registry))

	socket := attach(t, manager, env.token, "synclist", "home.todo")
	resourceID := env.registry.ResourceID("synclist", "home.todo", env.token)
	require.True(t, env.registry.Loaded(resourceID))

	socket.deliver(t, protocol.Message{Command: "synclist:detach", Token: env.token})
	assert.NotNil(t, socket.findCommand("synclist:detach:success"))
	assert.False(t, env.registry.Loaded(resourceID))

	manager.mu.Lock()
	count := len(manager.handlers["synclist"])
	manager.mu.Unlock()
	assert.Equal(t, 0, count)
}

func TestListInitAnnouncesCount(t *testing.T) {
	env := newTestEnv(t)
	manager := NewResourceManager()
	manager.RegisterFactory(NewListHandlerFactory(env.registry))

	first := attach(t, manager, env.token, "synclist", "home.paged")
	for _, text := range []string{"a", "b", "c"} {
		first.deliver(t, protocol.Message{
			Command:    "synclist:append",
			Token:      env.token,
			Parameters: map[string]any{"data": text},
		})
	}

	second := attach(t, manager, env.token, "synclist", "home.paged")
	initMsg := second.findCommand("synclist:init")
	require.NotNil(t, initMsg)
	assert.Equal(t, 3, initMsg.Parameters["count"])

	second.deliver(t, protocol.Message{
		Command:    "synclist:get",
		Token:      env.token,
		Parameters: map[string]any{"from": float64(1), "count": float64(2)},
	})
	page := second.findCommand("synclist:get")
	require.NotNil(t, page)
	items, ok := page.Parameters["data"].([]any)
	require.True(t, ok)
	assert.Len(t, items, 2)
}

func TestListAttachRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	manager := NewResourceManager()
	manager.RegisterFactory(NewListHandlerFactory(env.registry))

	socket := newFakeSocket("intruder")
	claimed := manager.HandleRequest(protocol.Message{
		Command: "synclist:attach",
		Token:   "bogus",
		Payload: map[string]any{"descriptor": "home.secret"},
	}, socket)
	assert.False(t, claimed)
	failed := socket.findCommand("synclist:attach:failed")
	require.NotNil(t, failed)
	assert.NotEmpty(t, failed.ErrorString)
	require.NotNil(t, failed.ErrorCode)
	assert.Equal(t, int(errcode.InvalidToken), *failed.ErrorCode)
}

func TestListFilterCommandReachesDynamicResource(t *testing.T) {
	env := newTestEnv(t)
	res := list.NewResource(env.auth, storage.NewMemoryListStorage())

	var queries []map[string]any
	res.SetFilterFunc(func(query map[string]any) bool {
		queries = append(queries, query)
		return true
	})

	handler := newListHandler(res, nil)
	socket := newFakeSocket("client")
	require.True(t, handler.Attach(env.token, socket).OK())

	filter := protocol.Message{
		Command:    "synclist:filter",
		Token:      env.token,
		Parameters: map[string]any{"data": map[string]any{"state": "open"}},
	}

	// Static lists ignore the query.
	socket.deliver(t, filter)
	assert.Empty(t, queries)

	res.SetDynamicContent(true)
	socket.deliver(t, filter)
	require.Len(t, queries, 1)
	assert.Equal(t, map[string]any{"state": "open"}, queries[0])
}

func TestLosingHandlerReleasesResource(t *testing.T) {
	env := newTestEnv(t)
	manager := NewResourceManager()
	factory := NewListHandlerFactory(env.registry)
	manager.RegisterFactory(factory)

	client := attach(t, manager, env.token, "synclist", "home.notes")
	resourceID := factory.ResourceID("home.notes", env.token)
	require.True(t, env.registry.Loaded(resourceID))

	// A second handler for the same resource that never serves a channel
	// must give its reference back.
	loser, code := factory.CreateHandler("home.notes", env.token)
	require.True(t, code.OK())
	loser.Discard()
	assert.True(t, env.registry.Loaded(resourceID))

	client.deliver(t, protocol.Message{Command: "synclist:detach", Token: env.token})
	require.NotNil(t, client.findCommand("synclist:detach:success"))
	assert.False(t, env.registry.Loaded(resourceID))
}

func TestObjectPropertyFanOut(t *testing.T) {
	env := newTestEnv(t)
	manager := NewResourceManager()
	manager.RegisterFactory(NewObjectHandlerFactory(env.registry))

	alice := attach(t, manager, env.token, "object", "home.thermostat")
	bob := attach(t, manager, env.token, "object", "home.thermostat")
	require.NotNil(t, alice.findCommand("object:dump"))

	alice.deliver(t, protocol.Message{
		Command:    "object:property:set",
		Token:      env.token,
		Parameters: map[string]any{"property": "target", "data": 21.5},
	})
	require.NotNil(t, alice.findCommand("object:property:set:success"))

	fan := bob.findCommand("object:property:set")
	require.NotNil(t, fan)
	wrapped, ok := fan.Parameters["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 21.5, wrapped["data"])
	assert.Equal(t, "admin", wrapped["userid"])
}

func TestServiceRequestRouting(t *testing.T) {
	services := service.NewManager()
	echo := &echoService{manager: services}
	require.True(t, services.RegisterService(echo))
	handler := NewServiceRequestHandler(services)

	socket := newFakeSocket("caller")
	handler.HandleRequest(protocol.Message{
		Command: "call:echo/shout",
		Payload: map[string]any{"uid": "cb-1", "arg": "hello"},
	}, socket)

	require.NotEmpty(t, socket.messages())
	answer := socket.lastMessage(t)
	assert.Equal(t, "cb-1", answer.Payload["uid"])
	assert.Equal(t, "HELLO: hello", answer.Payload["data"])

	// Unknown service is left unclaimed, nothing is sent.
	quiet := newFakeSocket("quiet")
	handler.HandleRequest(protocol.Message{
		Command: "call:missing/anything",
		Payload: map[string]any{"uid": "cb-2"},
	}, quiet)
	assert.Empty(t, quiet.messages())
}

type echoService struct {
	manager *service.Manager
}

func (e *echoService) Name() string    { return "echo" }
func (e *echoService) Calls() []string { return []string{"shout"} }

func (e *echoService) Call(call, token, cbID string, argument any) bool {
	if call != "shout" {
		return false
	}
	text, _ := argument.(string)
	e.manager.Respond(cbID, "HELLO: "+text)
	return true
}

func TestNodeRegisterAndTwin(t *testing.T) {
	env := newTestEnv(t)
	devices := device.NewManager(env.auth, env.paths)
	nodes := NewSocketDeviceHandler(devices)

	nodeSocket := newFakeSocket("node")
	claimed := nodes.HandleRequest(protocol.Message{
		Command: "node:register",
		Parameters: map[string]any{
			"id":   "aa:bb:cc",
			"sid":  "AB12",
			"type": "lamp",
			"functions": []any{
				map[string]any{"name": "setBrightness"},
				map[string]any{"name": "toggle"},
			},
			"properties": map[string]any{"brightness": float64(40)},
		},
	}, nodeSocket)
	require.True(t, claimed)
	assert.Equal(t, nodeKeepAliveInterval, nodeSocket.keepAliveInterval)
	assert.Equal(t, nodeKeepAliveTimeout, nodeSocket.keepAliveTimeout)

	dev := devices.DeviceByUUID("aa:bb:cc")
	require.NotNil(t, dev)
	assert.Equal(t, "lamp", dev.Type())
	assert.True(t, dev.State().Online())

	require.True(t, devices.SetDeviceMapping(env.token, "livingroom/lamp", "aa:bb:cc", false).OK())
	handle := devices.HandleByMapping("livingroom/lamp")
	require.NotNil(t, handle)

	manager := NewResourceManager()
	manager.RegisterFactory(NewDeviceHandlerFactory(devices))
	client := attach(t, manager, env.token, "device", "livingroom/lamp")

	dump := client.findCommand("device:dump")
	require.NotNil(t, dump)
	assert.Equal(t, "lamp", dump.Parameters["type"])
	assert.Equal(t, true, dump.Parameters["on"])

	// Client writes a property; the node receives the setter call.
	client.deliver(t, protocol.Message{
		Command:    "device:setproperty",
		Token:      env.token,
		Parameters: map[string]any{"property": "brightness", "value": float64(80)},
	})
	require.NotNil(t, client.findCommand("device:setproperty:success"))

	var setterSent bool
	for _, msg := range nodeSocket.messages() {
		if msg.Cmd == "call" {
			if params, ok := msg.Params.(map[string]any); ok {
				if _, found := params["setBrightness"]; found {
					setterSent = true
				}
			}
		}
	}
	assert.True(t, setterSent)

	// The node confirms; twin clears dirty and fans out the real value.
	nodeSocket.deliver(t, protocol.Message{
		Cmd:    "set",
		Params: map[string]any{"brightness": float64(80)},
	})
	value, ok := handle.PropertyValue("brightness")
	require.True(t, ok)
	assert.Equal(t, float64(80), value)
	assert.False(t, handle.Property("brightness").Dirty())
	require.NotNil(t, client.findCommand("device:prop:set"))

	confirmed := client.findCommand("device:prop:confirmed")
	require.NotNil(t, confirmed)
	data, ok := confirmed.Parameters["brightness"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, data["accepted"])

	// Node drops; twin goes offline and clients hear about it.
	nodeSocket.drop()
	assert.False(t, handle.State().Online())
	status := client.findCommand("device:statuschanged")
	require.NotNil(t, status)
}

func TestNodeReregisterRequiresAuthKey(t *testing.T) {
	env := newTestEnv(t)
	devices := device.NewManager(env.auth, env.paths)
	nodes := NewSocketDeviceHandler(devices)

	registration := map[string]any{
		"id":        "aa:bb:cc",
		"sid":       "AB12",
		"type":      "lamp",
		"functions": []any{map[string]any{"name": "toggle"}},
	}
	nodeSocket := newFakeSocket("node")
	require.True(t, nodes.HandleRequest(protocol.Message{Command: "node:register", Parameters: registration}, nodeSocket))

	// Provisioning assigns the auth key and arms the secure check.
	require.True(t, devices.SetDeviceMapping(env.token, "livingroom/lamp", "aa:bb:cc", false).OK())
	key := devices.HandleByUUID("aa:bb:cc").AuthKey()
	require.NotZero(t, key)

	lastCall := func(s *fakeSocket) *protocol.Message {
		msgs := s.messages()
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Cmd == "call" {
				return &msgs[i]
			}
		}
		return nil
	}

	// Same uuid, no key. The channel must stay bound to the old socket.
	hijack := newFakeSocket("hijack")
	require.True(t, nodes.HandleRequest(protocol.Message{Command: "node:register", Parameters: registration}, hijack))

	dev := devices.DeviceByUUID("aa:bb:cc")
	require.NotNil(t, dev)
	dev.TriggerFunction("toggle", nil, "")
	assert.NotNil(t, lastCall(nodeSocket))
	assert.Nil(t, lastCall(hijack))

	// A reconnect carrying the right key rebinds.
	reconnect := newFakeSocket("reconnect")
	withKey := map[string]any{"key": float64(key)}
	for name, value := range registration {
		withKey[name] = value
	}
	require.True(t, nodes.HandleRequest(protocol.Message{Command: "node:register", Parameters: withKey}, reconnect))
	dev.TriggerFunction("toggle", nil, "")
	assert.NotNil(t, lastCall(reconnect))
}

func TestDeviceCallRoutesResultToCaller(t *testing.T) {
	env := newTestEnv(t)
	devices := device.NewManager(env.auth, env.paths)
	nodes := NewSocketDeviceHandler(devices)

	nodeSocket := newFakeSocket("node")
	nodes.HandleRequest(protocol.Message{
		Command: "node:register",
		Parameters: map[string]any{
			"id":         "dd:ee:ff",
			"sid":        "CD34",
			"type":       "sensor",
			"functions":  []any{map[string]any{"name": "measure"}},
			"properties": map[string]any{},
		},
	}, nodeSocket)
	require.True(t, devices.SetDeviceMapping(env.token, "garden/sensor", "dd:ee:ff", false).OK())

	manager := NewResourceManager()
	manager.RegisterFactory(NewDeviceHandlerFactory(devices))
	caller := attach(t, manager, env.token, "device", "garden/sensor")
	observer := attach(t, manager, env.token, "device", "garden/sensor")

	caller.deliver(t, protocol.Message{
		Command: "device:call",
		Token:   env.token,
		Parameters: map[string]any{
			"funcname":   "measure",
			"funcparams": map[string]any{"unit": "C"},
			"cbID":       "rpc-7",
		},
	})
	require.NotNil(t, caller.findCommand("device:call:success"))

	// The node answers on the callback subject; only the caller hears it.
	nodeSocket.deliver(t, protocol.Message{
		Cmd:    "msg",
		Params: map[string]any{"subject": "rpc-7", "data": map[string]any{"value": 21.3}},
	})

	result := caller.findCommand("device:data")
	require.NotNil(t, result)
	assert.Equal(t, "rpc-7", result.Parameters["subj"])
	assert.Nil(t, observer.findCommand("device:data"))
}

func TestAdminListsRequirePermission(t *testing.T) {
	env := newTestEnv(t)
	devices := device.NewManager(env.auth, env.paths)

	manager := NewResourceManager()
	manager.RegisterFactory(NewAdminListFactory(env.auth, env.authenticator, devices))

	// A plain user may not monitor accounts.
	_, code := env.authenticator.AddUser(env.auth.ValidateToken(env.token), "dave", "secret12")
	require.True(t, code.OK())
	daveToken, loginCode := env.auth.Login("dave", "secret12")
	require.True(t, loginCode.OK())

	socket := newFakeSocket("dave")
	claimed := manager.HandleRequest(protocol.Message{
		Command: "list:attach",
		Token:   daveToken,
		Payload: map[string]any{"descriptor": "users"},
	}, socket)
	assert.False(t, claimed)
	failed := socket.findCommand("list:attach:failed")
	require.NotNil(t, failed)
	require.NotNil(t, failed.ErrorCode)
	assert.Equal(t, int(errcode.PermissionDenied), *failed.ErrorCode)

	// Admin sees the account list.
	admin := attach(t, manager, env.token, "list", "users")
	dump := admin.findCommand("list:dump")
	require.NotNil(t, dump)
	users, ok := dump.Parameters["data"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, users)

	ids := map[string]bool{}
	for _, raw := range users {
		entry, _ := raw.(map[string]any)
		id, _ := entry["userID"].(string)
		ids[id] = true
	}
	assert.True(t, ids["admin"])
	assert.True(t, ids["dave"])
}

func TestAdminListReleasesSubscriptionsOnDetach(t *testing.T) {
	env := newTestEnv(t)
	devices := device.NewManager(env.auth, env.paths)
	factory := NewAdminListFactory(env.auth, env.authenticator, devices)

	raw, code := factory.CreateHandler("users", env.token)
	require.True(t, code.OK())
	handler, ok := raw.(*adminListHandler)
	require.True(t, ok)
	require.Len(t, handler.releases, 2)

	socket := newFakeSocket("admin")
	require.True(t, handler.Attach(env.token, socket).OK())

	socket.deliver(t, protocol.Message{Command: "list:detach"})
	require.NotNil(t, socket.findCommand("list:detach:success"))
	assert.Empty(t, handler.releases)
	assert.True(t, handler.closed)
}

func TestDeviceListMappingCommands(t *testing.T) {
	env := newTestEnv(t)
	devices := device.NewManager(env.auth, env.paths)
	nodes := NewSocketDeviceHandler(devices)

	nodeSocket := newFakeSocket("node")
	nodes.HandleRequest(protocol.Message{
		Command: "node:register",
		Parameters: map[string]any{
			"id": "11:22:33", "sid": "EF56", "type": "plug",
			"functions":  []any{},
			"properties": map[string]any{},
		},
	}, nodeSocket)

	manager := NewResourceManager()
	manager.RegisterFactory(NewAdminListFactory(env.auth, env.authenticator, devices))
	admin := attach(t, manager, env.token, "list", "devices")

	dump := admin.findCommand("list:dump")
	require.NotNil(t, dump)

	admin.deliver(t, protocol.Message{
		Command:    "mapping:set",
		Token:      env.token,
		Parameters: map[string]any{"mapping": "kitchen/plug", "uuid": "11:22:33"},
	})
	require.NotNil(t, admin.findCommand("mapping:set:success"))
	assert.Equal(t, "11:22:33", devices.UUIDByMapping("kitchen/plug"))

	admin.deliver(t, protocol.Message{
		Command:    "mapping:remove",
		Token:      env.token,
		Parameters: map[string]any{"mapping": "kitchen/plug"},
	})
	require.NotNil(t, admin.findCommand("mapping:remove:success"))
	assert.Empty(t, devices.UUIDByMapping("kitchen/plug"))
}

func TestChainOrdering(t *testing.T) {
	env := newTestEnv(t)
	session := NewSessionHandler(env.auth, env.authenticator)
	manager := NewResourceManager()
	manager.RegisterFactory(NewListHandlerFactory(env.registry))
	chain := NewChain(session, manager)

	socket := newFakeSocket("chained")
	claimed := chain.Route(protocol.Message{
		Command: "user:login",
		Payload: map[string]any{"userID": "admin", "password": "password"},
	}, socket)
	require.True(t, claimed)
	assert.Equal(t, "user:login:success", socket.lastMessage(t).Command)

	claimed = chain.Route(protocol.Message{
		Command: "synclist:attach",
		Token:   env.token,
		Payload: map[string]any{"descriptor": "home.chain"},
	}, socket)
	assert.True(t, claimed)

	claimed = chain.Route(protocol.Message{Command: "nonsense:attach"}, socket)
	assert.False(t, claimed)
}
