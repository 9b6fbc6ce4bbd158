package list

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickhub/quickhub/internal/auth"
	"github.com/quickhub/quickhub/internal/errcode"
	"github.com/quickhub/quickhub/internal/storage"
)

type recordedEvent struct {
	kind     string
	item     any
	items    []any
	index    int
	uuid     string
	property string
	count    int
}

type recorder struct {
	events []recordedEvent
}

func (r *recorder) ItemAppended(item any, user auth.Identity) {
	r.events = append(r.events, recordedEvent{kind: "appended", item: item})
}

func (r *recorder) ItemInserted(item any, index int, user auth.Identity) {
	r.events = append(r.events, recordedEvent{kind: "inserted", item: item, index: index})
}

func (r *recorder) ListAppended(items []any, user auth.Identity) {
	r.events = append(r.events, recordedEvent{kind: "listappended", items: items})
}

func (r *recorder) ItemRemoved(index int, uuid string, user auth.Identity) {
	r.events = append(r.events, recordedEvent{kind: "removed", index: index, uuid: uuid})
}

func (r *recorder) ItemSet(item any, index int, uuid string, user auth.Identity) {
	r.events = append(r.events, recordedEvent{kind: "set", item: item, index: index, uuid: uuid})
}

func (r *recorder) PropertySet(property string, item map[string]any, index int, uuid string, user auth.Identity, timestamp int64) {
	r.events = append(r.events, recordedEvent{kind: "propertyset", item: item, index: index, uuid: uuid, property: property})
}

func (r *recorder) ListCleared(user auth.Identity) {
	r.events = append(r.events, recordedEvent{kind: "cleared"})
}

func (r *recorder) ListDeleted(user auth.Identity) {
	r.events = append(r.events, recordedEvent{kind: "deleted"})
}

func (r *recorder) MetadataChanged(metadata map[string]any) {
	r.events = append(r.events, recordedEvent{kind: "metadata"})
}

func (r *recorder) Reset(count int) {
	r.events = append(r.events, recordedEvent{kind: "reset", count: count})
}

func (r *recorder) last(t *testing.T) recordedEvent {
	t.Helper()
	require.NotEmpty(t, r.events)
	return r.events[len(r.events)-1]
}

func newTestService(t *testing.T) (*auth.Service, string) {
	t.Helper()
	authenticator, err := auth.NewDefaultAuthenticator(filepath.Join(t.TempDir(), "users"))
	require.NoError(t, err)
	service := auth.NewService(time.Hour)
	service.RegisterAuthenticator(authenticator)
	token, code := service.Login("admin", "password")
	require.Equal(t, auth.NoError, code)
	return service, token
}

func newTestResource(t *testing.T) (*Resource, string) {
	t.Helper()
	service, token := newTestService(t)
	store, err := storage.NewFileListStorage(filepath.Join(t.TempDir(), "list.json"))
	require.NoError(t, err)
	return NewResource(service, store), token
}

func TestAppendItemWrapsPayload(t *testing.T) {
	res, token := newTestResource(t)
	rec := &recorder{}
	res.Subscribe(rec)

	result := res.AppendItem(map[string]any{"text": "hello"}, token, nil)
	require.True(t, result.Err.OK())

	item, ok := result.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "admin", item["userid"])
	assert.NotEmpty(t, item["uuid"])
	assert.NotZero(t, item["timestamp"])
	assert.Equal(t, map[string]any{"text": "hello"}, item["data"])

	assert.Equal(t, "appended", rec.last(t).kind)
	assert.Equal(t, 1, res.Count())
}

func TestAppendItemRejectsInvalidToken(t *testing.T) {
	res, _ := newTestResource(t)
	result := res.AppendItem("payload", "bogus", nil)
	assert.Equal(t, errcode.PermissionDenied, result.Err)
	assert.Equal(t, 0, res.Count())
}

func TestAppendItemRejectedWhenUserAccessDisabled(t *testing.T) {
	res, token := newTestResource(t)
	res.SetAllowUserAccess(false)
	result := res.AppendItem("payload", token, nil)
	assert.Equal(t, errcode.PermissionDenied, result.Err)
}

func TestOriginatorExcludedFromFanout(t *testing.T) {
	res, token := newTestResource(t)
	origin := &recorder{}
	other := &recorder{}
	res.Subscribe(origin)
	res.Subscribe(other)

	result := res.AppendItem("payload", token, origin)
	require.True(t, result.Err.OK())

	assert.Empty(t, origin.events)
	assert.Len(t, other.events, 1)
}

func TestInsertAtNegativeIndexRejected(t *testing.T) {
	res, token := newTestResource(t)
	result := res.InsertAt("payload", -1, token, nil)
	assert.Equal(t, errcode.InvalidParameters, result.Err)
}

func TestInsertAtBeyondEndAppends(t *testing.T) {
	res, token := newTestResource(t)
	rec := &recorder{}
	res.Subscribe(rec)

	res.AppendItem("one", token, nil)

	result := res.InsertAt("late", 5, token, nil)
	require.True(t, result.Err.OK())
	assert.Equal(t, 2, res.Count())

	last := rec.last(t)
	assert.Equal(t, "inserted", last.kind)
	assert.Equal(t, 1, last.index)

	item, ok := res.Item(1, "")
	require.True(t, ok)
	assert.Equal(t, "late", item.(map[string]any)["data"])
}

func TestRemoveItemUnknownUUID(t *testing.T) {
	res, token := newTestResource(t)
	res.AppendItem("payload", token, nil)

	result := res.RemoveItem("no-such-uuid", 5, token, nil)
	assert.Equal(t, errcode.UnknownItem, result.Err)
	assert.Equal(t, 1, res.Count())
}

func TestRemoveItemByUUIDWithStaleIndex(t *testing.T) {
	res, token := newTestResource(t)
	first := res.AppendItem("one", token, nil)
	res.AppendItem("two", token, nil)

	uid := first.Data.(map[string]any)["uuid"].(string)
	result := res.RemoveItem(uid, 1, token, nil)
	require.True(t, result.Err.OK())
	assert.Equal(t, 1, res.Count())
}

func TestSetUpdatesModifierAndTimestamp(t *testing.T) {
	res, token := newTestResource(t)
	rec := &recorder{}
	res.Subscribe(rec)

	appended := res.AppendItem(map[string]any{"a": float64(1)}, token, nil)
	uid := appended.Data.(map[string]any)["uuid"].(string)

	result := res.Set(map[string]any{"a": float64(2)}, 0, uid, token, nil)
	require.True(t, result.Err.OK())
	item := result.Data.(map[string]any)
	assert.Equal(t, map[string]any{"a": float64(2)}, item["data"])
	assert.Equal(t, "admin", item["userid"])
	assert.NotZero(t, item["lastupdate"])
	assert.Equal(t, "set", rec.last(t).kind)
}

func TestSetPropertyModifiesSingleKey(t *testing.T) {
	res, token := newTestResource(t)
	rec := &recorder{}
	res.Subscribe(rec)

	appended := res.AppendItem(map[string]any{"color": "red", "size": "L"}, token, nil)
	uid := appended.Data.(map[string]any)["uuid"].(string)

	result := res.SetProperty("color", "blue", 0, uid, token, nil)
	require.True(t, result.Err.OK())

	item := result.Data.(map[string]any)
	payload := item["data"].(map[string]any)
	assert.Equal(t, "blue", payload["color"])
	assert.Equal(t, "L", payload["size"])

	last := rec.last(t)
	assert.Equal(t, "propertyset", last.kind)
	assert.Equal(t, "color", last.property)
}

func TestClearAndDeleteNotifyListeners(t *testing.T) {
	res, token := newTestResource(t)
	rec := &recorder{}
	res.Subscribe(rec)

	res.AppendItem("payload", token, nil)

	result := res.ClearList(token, nil)
	require.True(t, result.Err.OK())
	assert.Equal(t, 0, res.Count())
	assert.Equal(t, "cleared", rec.last(t).kind)

	result = res.DeleteList(token, nil)
	require.True(t, result.Err.OK())
	assert.Equal(t, "deleted", rec.last(t).kind)
}

func TestResetDataReplacesContent(t *testing.T) {
	res, token := newTestResource(t)
	rec := &recorder{}
	res.Subscribe(rec)

	res.AppendItem("old", token, nil)
	res.ResetData([]any{"a", "b", "c"}, nil)

	assert.Equal(t, 3, res.Count())
	last := rec.last(t)
	assert.Equal(t, "reset", last.kind)
	assert.Equal(t, 3, last.count)
}

func TestAppendListWrapsEveryItem(t *testing.T) {
	res, token := newTestResource(t)
	result := res.AppendList([]any{"a", "b"}, token, nil)
	require.True(t, result.Err.OK())

	items := result.Data.([]any)
	require.Len(t, items, 2)
	for _, raw := range items {
		item := raw.(map[string]any)
		assert.NotEmpty(t, item["uuid"])
		assert.Equal(t, "admin", item["userid"])
	}
	assert.Equal(t, 2, res.Count())
}

func TestSetMetadataRequiresValidToken(t *testing.T) {
	res, token := newTestResource(t)
	rec := &recorder{}
	res.Subscribe(rec)

	result := res.SetMetadata(map[string]any{"owner": "admin"}, "bogus", nil)
	assert.Equal(t, errcode.PermissionDenied, result.Err)
	assert.Empty(t, rec.events)

	result = res.SetMetadata(map[string]any{"owner": "admin"}, token, nil)
	require.True(t, result.Err.OK())
	assert.Equal(t, "metadata", rec.last(t).kind)
	assert.Equal(t, "admin", res.Metadata()["owner"])
}

func TestApplyFilterNeedsInstalledFilter(t *testing.T) {
	res, _ := newTestResource(t)
	assert.False(t, res.ApplyFilter(map[string]any{"state": "open"}))

	var seen map[string]any
	res.SetFilterFunc(func(query map[string]any) bool {
		seen = query
		return true
	})
	assert.True(t, res.ApplyFilter(map[string]any{"state": "open"}))
	assert.Equal(t, map[string]any{"state": "open"}, seen)
}

func TestFactoryQualifiesDescriptor(t *testing.T) {
	service, token := newTestService(t)
	user := service.ValidateToken(token)
	require.NotNil(t, user)

	factory := NewFactory(service, storage.Paths{Root: t.TempDir()})
	assert.Equal(t, "synclist", factory.ResourceType())
	assert.Equal(t, "home/admin/notes_synclist", factory.ResourceID("home.notes", user))

	res, errc := factory.CreateResource("home.notes", user)
	require.True(t, errc.OK())
	assert.Equal(t, "synclist", res.ResourceType())
	assert.False(t, res.DynamicContent())
}
