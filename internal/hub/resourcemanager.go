package hub

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quickhub/quickhub/internal/connection"
	"github.com/quickhub/quickhub/internal/errcode"
	"github.com/quickhub/quickhub/internal/logging"
	"github.com/quickhub/quickhub/internal/protocol"
)

// HandlerFactory builds resource handlers for one resource type.
type HandlerFactory interface {
	ResourceType() string

	// ResourceID maps a descriptor to the identity under which the
	// handler is shared between attaching channels.
	ResourceID(descriptor, token string) string

	CreateHandler(descriptor, token string) (ResourceHandler, errcode.CloudError)
}

// ResourceManager claims "<type>:attach" requests and hands the channel
// over to the matching resource handler. Handlers are shared per resource
// id; dynamic handlers get a fresh instance per attach.
type ResourceManager struct {
	log zerolog.Logger

	mu        sync.Mutex
	factories map[string]HandlerFactory
	handlers  map[string]map[string]ResourceHandler
}

func NewResourceManager() *ResourceManager {
	return &ResourceManager{
		log:       logging.Component("resources"),
		factories: map[string]HandlerFactory{},
		handlers:  map[string]map[string]ResourceHandler{},
	}
}

func (m *ResourceManager) RegisterFactory(f HandlerFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	typeName := f.ResourceType()
	m.factories[typeName] = f
	m.handlers[typeName] = map[string]ResourceHandler{}
}

func (m *ResourceManager) HandleRequest(msg protocol.Message, socket connection.Socket) bool {
	tokens := msg.Tokens()
	if len(tokens) != 2 || tokens[1] != "attach" {
		return false
	}
	typeName := tokens[0]

	m.mu.Lock()
	factory := m.factories[typeName]
	m.mu.Unlock()
	if factory == nil {
		return false
	}

	descriptor, _ := msg.Payload["descriptor"].(string)
	resourceID := factory.ResourceID(descriptor, msg.Token)

	m.mu.Lock()
	handler := m.handlers[typeName][resourceID]
	m.mu.Unlock()

	var created ResourceHandler
	if handler == nil {
		var err errcode.CloudError
		created, err = factory.CreateHandler(descriptor, msg.Token)
		if created == nil || !err.OK() {
			m.fail(msg.Command, normalize(err), socket)
			return false
		}
		handler = created
		if !handler.DynamicContent() {
			m.mu.Lock()
			// A parallel attach may have won the race.
			if existing := m.handlers[typeName][resourceID]; existing != nil {
				handler = existing
			} else {
				m.handlers[typeName][resourceID] = handler
				handler.OnEmpty(func() { m.remove(typeName, resourceID) })
			}
			m.mu.Unlock()
			if handler != created {
				// The loser releases its resource again.
				created.Discard()
			}
		}
	}

	if err := handler.Attach(msg.Token, socket); !err.OK() {
		if created == handler && handler.DynamicContent() {
			created.Discard()
		}
		m.fail(msg.Command, err, socket)
		return false
	}
	return true
}

func (m *ResourceManager) remove(typeName, resourceID string) {
	m.mu.Lock()
	delete(m.handlers[typeName], resourceID)
	m.mu.Unlock()
	m.log.Debug().Str("type", typeName).Str("resource", resourceID).Msg("Resource handler released")
}

func (m *ResourceManager) fail(command string, err errcode.CloudError, socket connection.Socket) {
	socket.Send(protocol.Failed(command, err))
}

// normalize maps error codes without a wire text to a generic one.
func normalize(err errcode.CloudError) errcode.CloudError {
	if err.OK() || strings.TrimSpace(err.String()) == "" {
		return errcode.UnknownError
	}
	return err
}
