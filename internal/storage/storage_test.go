package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaths(t *testing.T) {
	p := NewPaths("/srv/hub")
	assert.Equal(t, filepath.Join("/srv/hub", "data", "lists", "home_synclist.json"),
		p.ResourceFile(filepath.Join("lists", "home_synclist")))
	assert.Equal(t, filepath.Join("/srv/hub", "config", "users"), p.UsersFile())
	assert.Equal(t, filepath.Join("/srv/hub", "devices", "handles", "abc"), p.DeviceHandleFile("abc"))
	assert.Equal(t, filepath.Join("/srv/hub", "devices", "mappings"), p.DeviceMappingsFile())
}

func TestDocumentRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.json")
	require.NoError(t, SaveDocument(path, map[string]any{"a": 1, "b": "two"}))

	doc, err := LoadDocument(path)
	require.NoError(t, err)
	assert.Equal(t, float64(1), doc["a"])
	assert.Equal(t, "two", doc["b"])

	require.NoError(t, RemoveDocument(path))
	doc, err = LoadDocument(path)
	require.NoError(t, err)
	assert.Empty(t, doc)
}

func TestRemoveDocumentMissing(t *testing.T) {
	assert.NoError(t, RemoveDocument(filepath.Join(t.TempDir(), "never-existed")))
}

func TestFileListStoragePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.json")

	s, err := NewFileListStorage(path)
	require.NoError(t, err)
	require.NoError(t, s.AppendItem(map[string]any{"uuid": "a", "v": float64(1)}))
	require.NoError(t, s.AppendList([]any{
		map[string]any{"uuid": "b", "v": float64(2)},
		map[string]any{"uuid": "c", "v": float64(3)},
	}))
	require.NoError(t, s.SetMetadata(map[string]any{"owner": "admin"}))

	reloaded, err := NewFileListStorage(path)
	require.NoError(t, err)
	assert.Equal(t, 3, reloaded.Count())
	assert.Equal(t, map[string]any{"owner": "admin"}, reloaded.Metadata())
}

func TestResolveIndexPrefersValidHint(t *testing.T) {
	items := []any{
		map[string]any{"uuid": "a"},
		map[string]any{"uuid": "b"},
		map[string]any{"uuid": "c"},
	}

	tests := []struct {
		name string
		ref  ItemRef
		want int
	}{
		{"index with matching uuid", ItemRef{Index: 1, UUID: "b"}, 1},
		{"index with empty uuid", ItemRef{Index: 2}, 2},
		{"stale index corrected by uuid", ItemRef{Index: 0, UUID: "c"}, 2},
		{"out of range index corrected by uuid", ItemRef{Index: 7, UUID: "a"}, 0},
		{"unknown uuid", ItemRef{Index: 0, UUID: "nope"}, -1},
		{"negative index without uuid", ItemRef{Index: -1}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveIndex(items, tt.ref))
		})
	}

	assert.Equal(t, -1, resolveIndex(nil, ItemRef{Index: 0, UUID: "a"}))
}

func TestFileListStorageMutations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.json")
	s, err := NewFileListStorage(path)
	require.NoError(t, err)

	require.NoError(t, s.AppendItem(map[string]any{"uuid": "a"}))
	require.NoError(t, s.AppendItem(map[string]any{"uuid": "c"}))
	require.NoError(t, s.InsertAt(map[string]any{"uuid": "b"}, 1))

	require.NoError(t, s.SetProperty("color", "red", ItemRef{Index: 1, UUID: "b"}))
	item, ok := s.Item(ItemRef{Index: 1, UUID: "b"})
	require.True(t, ok)
	assert.Equal(t, "red", item.(map[string]any)["color"])

	require.NoError(t, s.Set(map[string]any{"uuid": "b", "color": "blue"}, ItemRef{Index: 0, UUID: "b"}))
	item, _ = s.Item(ItemRef{Index: 1, UUID: "b"})
	assert.Equal(t, "blue", item.(map[string]any)["color"])

	require.NoError(t, s.RemoveItem(ItemRef{Index: 0, UUID: "a"}))
	assert.Equal(t, 2, s.Count())

	assert.ErrorIs(t, s.RemoveItem(ItemRef{Index: 5, UUID: "ghost"}), ErrNoSuchItem)

	require.NoError(t, s.DeleteList())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestFileObjectStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "object.json")
	s, err := NewFileObjectStorage(path)
	require.NoError(t, err)

	require.NoError(t, s.InsertProperty("mode", "eco"))
	require.NoError(t, s.SetMetadata(map[string]any{"schema": float64(1)}))

	reloaded, err := NewFileObjectStorage(path)
	require.NoError(t, err)
	mode, ok := reloaded.Property("mode")
	assert.True(t, ok)
	assert.Equal(t, "eco", mode)
	assert.Equal(t, map[string]any{"schema": float64(1)}, reloaded.Metadata())
	missing, ok := reloaded.Property("missing")
	assert.False(t, ok)
	assert.Nil(t, missing)
}

func TestFileImageStorage(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "images")
	s := NewFileImageStorage(dir)

	require.NoError(t, s.InsertImage([]byte("png-bytes"), map[string]any{"w": float64(64)}, "img-1"))
	assert.ErrorIs(t, s.InsertImage([]byte("other"), nil, "img-1"), ErrImageExists)

	raw, err := s.Image("img-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), raw)

	fresh := NewFileImageStorage(dir)
	assert.Equal(t, []string{"img-1"}, fresh.AllImageIDs())

	md, ok := fresh.ImageMetadata("img-1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"w": float64(64)}, md)

	require.NoError(t, fresh.DeleteImage("img-1"))
	_, err = fresh.Image("img-1")
	assert.ErrorIs(t, err, ErrNoSuchImage)
	assert.ErrorIs(t, fresh.DeleteImage("img-1"), ErrNoSuchImage)
}

func TestMemoryListStorage(t *testing.T) {
	s := NewMemoryListStorage()
	require.NoError(t, s.AppendItem(map[string]any{"uuid": "x"}))
	require.NoError(t, s.Sync())
	assert.Equal(t, 1, s.Count())
	require.NoError(t, s.ClearList())
	assert.Zero(t, s.Count())
}
