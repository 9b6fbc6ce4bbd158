package resource

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickhub/quickhub/internal/auth"
	"github.com/quickhub/quickhub/internal/errcode"
)

func newTestAuth(t *testing.T) (*auth.Service, string) {
	t.Helper()
	authenticator, err := auth.NewDefaultAuthenticator(filepath.Join(t.TempDir(), "users"))
	require.NoError(t, err)
	service := auth.NewService(time.Hour)
	service.RegisterAuthenticator(authenticator)
	token, code := service.Login("admin", "password")
	require.Equal(t, auth.NoError, code)
	return service, token
}

type stubIdentity struct{ id string }

func (s stubIdentity) IdentityID() string            { return s.id }
func (s stubIdentity) IsAuthorizedTo(string) bool    { return true }
func (s stubIdentity) MultipleSessionsAllowed() bool { return true }

func TestQualifiedName(t *testing.T) {
	identity := stubIdentity{id: "alice"}

	tests := []struct {
		descriptor string
		want       string
	}{
		{"home.notes", "home/alice/notes_synclist"},
		{"home/notes", "home/alice/notes_synclist"},
		{"home//notes", "home/alice/notes_synclist"},
		{"shared.notes", "shared/notes_synclist"},
		{"home", "home/alice_synclist"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, QualifiedName(tt.descriptor, "synclist", identity), tt.descriptor)
	}

	assert.Equal(t, "home/notes_object", QualifiedName("home.notes", "object", nil))
}

func TestParseParameters(t *testing.T) {
	params := ParseParameters("my/list?sortby=name&dir=asc")
	assert.Equal(t, map[string]any{"sortby": "name", "dir": "asc"}, params)

	params = ParseParameters(`my/list:{"sortby":"name"}`)
	assert.Equal(t, map[string]any{"sortby": "name"}, params)

	assert.Empty(t, ParseParameters("my/list"))
	assert.Empty(t, ParseParameters("my/list:not-json"))
}

type fakeResource struct {
	dynamic bool
	closed  bool
}

func (f *fakeResource) ResourceType() string { return "fake" }
func (f *fakeResource) DynamicContent() bool { return f.dynamic }
func (f *fakeResource) LastAccess() time.Time { return time.Now() }
func (f *fakeResource) Close() error          { f.closed = true; return nil }

type fakeFactory struct {
	prefix  string
	dynamic bool
	created int
	last    *fakeResource
}

func (f *fakeFactory) ResourceType() string     { return "fake" }
func (f *fakeFactory) DescriptorPrefix() string { return f.prefix }

func (f *fakeFactory) ResourceID(descriptor string, identity auth.Identity) string {
	return QualifiedName(descriptor, "fake", identity)
}

func (f *fakeFactory) CreateResource(descriptor string, identity auth.Identity) (Resource, errcode.CloudError) {
	f.created++
	f.last = &fakeResource{dynamic: f.dynamic}
	return f.last, errcode.NoError
}

func TestAcquireSharesInstances(t *testing.T) {
	service, token := newTestAuth(t)
	registry := NewRegistry(service)
	factory := &fakeFactory{}
	registry.AddFactory(factory)

	first, release1, errc := registry.Acquire("fake", "home.shared", token)
	require.True(t, errc.OK())
	second, release2, errc := registry.Acquire("fake", "home.shared", token)
	require.True(t, errc.OK())

	assert.Same(t, first, second)
	assert.Equal(t, 1, factory.created)

	resourceID := registry.ResourceID("fake", "home.shared", token)
	assert.True(t, registry.Loaded(resourceID))

	release1()
	release1() // a second call on the same holder is a no-op
	assert.True(t, registry.Loaded(resourceID))

	release2()
	assert.False(t, registry.Loaded(resourceID))
	assert.True(t, factory.last.closed)
}

func TestAcquireDynamicBypassesCache(t *testing.T) {
	service, token := newTestAuth(t)
	registry := NewRegistry(service)
	factory := &fakeFactory{dynamic: true}
	registry.AddFactory(factory)

	first, release1, errc := registry.Acquire("fake", "home.dyn", token)
	require.True(t, errc.OK())
	second, _, errc := registry.Acquire("fake", "home.dyn", token)
	require.True(t, errc.OK())

	assert.NotSame(t, first, second)
	assert.Equal(t, 2, factory.created)
	assert.False(t, registry.Loaded(registry.ResourceID("fake", "home.dyn", token)))

	release1()
	assert.True(t, first.(*fakeResource).closed)
}

func TestAcquireErrors(t *testing.T) {
	service, token := newTestAuth(t)
	registry := NewRegistry(service)
	registry.AddFactory(&fakeFactory{})

	_, _, errc := registry.Acquire("fake", "", token)
	assert.Equal(t, errcode.InvalidDescriptor, errc)

	_, _, errc = registry.Acquire("fake", "home.x", "bogus")
	assert.Equal(t, errcode.InvalidToken, errc)

	_, _, errc = registry.Acquire("nope", "home.x", token)
	assert.Equal(t, errcode.UnknownType, errc)
}

func TestFactorySelectionByLongestPrefix(t *testing.T) {
	service, token := newTestAuth(t)
	registry := NewRegistry(service)
	fallback := &fakeFactory{}
	settings := &fakeFactory{prefix: "settings/"}
	registry.AddFactory(fallback)
	registry.AddFactory(settings)

	_, release, errc := registry.Acquire("fake", "settings/network", token)
	require.True(t, errc.OK())
	release()
	assert.Equal(t, 1, settings.created)
	assert.Equal(t, 0, fallback.created)

	_, release, errc = registry.Acquire("fake", "home.other", token)
	require.True(t, errc.OK())
	release()
	assert.Equal(t, 1, fallback.created)
}

func TestFactorySelectionIgnoresArguments(t *testing.T) {
	service, token := newTestAuth(t)
	registry := NewRegistry(service)
	fallback := &fakeFactory{}
	settings := &fakeFactory{prefix: "settings/"}
	registry.AddFactory(fallback)
	registry.AddFactory(settings)

	_, release, errc := registry.Acquire("fake", "settings/network?public=true", token)
	require.True(t, errc.OK())
	release()
	assert.Equal(t, 1, settings.created)
}
