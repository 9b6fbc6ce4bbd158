// Package service implements the RPC service layer. Services are named
// bundles of calls that clients invoke asynchronously; results are routed
// back via the callback id of the originating call.
package service

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/quickhub/quickhub/internal/logging"
)

// Service is implemented by every registered service.
type Service interface {
	Name() string
	Calls() []string

	// Call executes asynchronously; the result is delivered through the
	// manager's Respond with the same cbID. Returning false means the
	// call was not accepted and no response will follow.
	Call(call, token, cbID string, argument any) bool
}

// Manager registers services and routes their responses.
type Manager struct {
	log zerolog.Logger

	mu        sync.Mutex
	services  map[string]Service
	listeners []func(cbID string, result any)
}

func NewManager() *Manager {
	return &Manager{
		log:      logging.Component("services"),
		services: map[string]Service{},
	}
}

// RegisterService adds a service. Names are unique; a duplicate
// registration is refused.
func (m *Manager) RegisterService(s Service) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := s.Name()
	if _, exists := m.services[name]; exists {
		return false
	}
	m.services[name] = s
	m.log.Info().Str("service", name).Msg("Service registered")
	return true
}

func (m *Manager) Service(name string) Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.services[name]
}

func (m *Manager) Services() []Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	services := make([]Service, 0, len(m.services))
	for _, s := range m.services {
		services = append(services, s)
	}
	return services
}

// OnResponse registers a listener for service results, usually the socket
// layer that maps cbIDs back to clients.
func (m *Manager) OnResponse(fn func(cbID string, result any)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Respond delivers a service result to all response listeners. Services
// call this when a call completes.
func (m *Manager) Respond(cbID string, result any) {
	m.mu.Lock()
	listeners := append([]func(string, any){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(cbID, result)
	}
}

// Call dispatches a service call. It reports false when the service does
// not exist or refused the call.
func (m *Manager) Call(serviceName, call, token, cbID string, argument any) bool {
	s := m.Service(serviceName)
	if s == nil {
		m.log.Warn().Str("service", serviceName).Msg("Unavailable service")
		return false
	}
	return s.Call(call, token, cbID, argument)
}
