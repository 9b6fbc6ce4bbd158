package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// ErrNoSuchItem is returned when an ItemRef matches nothing in the list.
var ErrNoSuchItem = errors.New("no such list item")

// ItemRef addresses a list item. The index is a hint that is cross-checked
// against the item uuid; when they disagree the uuid wins.
type ItemRef struct {
	Index int
	UUID  string
}

// FileListStorage persists an ordered list plus metadata as a single JSON
// document {"listdata": [...], "metadata": {...}}. It is not safe for
// concurrent use; the owning resource serializes access.
type FileListStorage struct {
	path     string
	items    []any
	metadata map[string]any
}

// NewFileListStorage opens or creates the backing document.
func NewFileListStorage(path string) (*FileListStorage, error) {
	s := &FileListStorage{path: path, metadata: map[string]any{}}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var doc struct {
		ListData []any          `json:"listdata"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	s.items = doc.ListData
	if doc.Metadata != nil {
		s.metadata = doc.Metadata
	}
	return s, nil
}

func (s *FileListStorage) save() error {
	return SaveDocument(s.path, map[string]any{
		"listdata": s.items,
		"metadata": s.metadata,
	})
}

func (s *FileListStorage) AppendItem(item any) error {
	s.items = append(s.items, item)
	return s.save()
}

// InsertAt places an item at the given position. An index beyond the end
// appends.
func (s *FileListStorage) InsertAt(item any, index int) error {
	if index < 0 {
		return ErrNoSuchItem
	}
	if index > len(s.items) {
		index = len(s.items)
	}
	s.items = append(s.items[:index], append([]any{item}, s.items[index:]...)...)
	return s.save()
}

func (s *FileListStorage) AppendList(items []any) error {
	s.items = append(s.items, items...)
	return s.save()
}

func (s *FileListStorage) RemoveItem(ref ItemRef) error {
	idx := s.ResolveIndex(ref)
	if idx < 0 {
		return ErrNoSuchItem
	}
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	return s.save()
}

// DeleteList drops the data and removes the backing file.
func (s *FileListStorage) DeleteList() error {
	s.items = nil
	s.metadata = map[string]any{}
	return RemoveDocument(s.path)
}

func (s *FileListStorage) ClearList() error {
	s.items = nil
	return s.save()
}

func (s *FileListStorage) Set(item any, ref ItemRef) error {
	idx := s.ResolveIndex(ref)
	if idx < 0 {
		return ErrNoSuchItem
	}
	s.items[idx] = item
	return s.save()
}

func (s *FileListStorage) SetProperty(property string, value any, ref ItemRef) error {
	idx := s.ResolveIndex(ref)
	if idx < 0 {
		return ErrNoSuchItem
	}
	item, ok := s.items[idx].(map[string]any)
	if !ok {
		return ErrNoSuchItem
	}
	item[property] = value
	s.items[idx] = item
	return s.save()
}

func (s *FileListStorage) Sync() error { return s.save() }

func (s *FileListStorage) SetMetadata(metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	s.metadata = metadata
	return s.save()
}

func (s *FileListStorage) List() []any              { return s.items }
func (s *FileListStorage) Metadata() map[string]any { return s.metadata }
func (s *FileListStorage) Count() int               { return len(s.items) }

func (s *FileListStorage) Item(ref ItemRef) (any, bool) {
	idx := s.ResolveIndex(ref)
	if idx < 0 {
		return nil, false
	}
	return s.items[idx], true
}

// ResolveIndex validates the index hint against the uuid. When the item at
// the hinted index carries a different uuid the list is searched for the
// matching item. Returns -1 when nothing matches.
func (s *FileListStorage) ResolveIndex(ref ItemRef) int {
	return resolveIndex(s.items, ref)
}

func resolveIndex(items []any, ref ItemRef) int {
	if len(items) == 0 {
		return -1
	}
	if ref.Index >= 0 && ref.Index < len(items) {
		if ref.UUID == "" {
			return ref.Index
		}
		if item, ok := items[ref.Index].(map[string]any); ok {
			if uuid, _ := item["uuid"].(string); uuid == ref.UUID {
				return ref.Index
			}
		}
	}
	for i, it := range items {
		if item, ok := it.(map[string]any); ok {
			if uuid, _ := item["uuid"].(string); uuid == ref.UUID && ref.UUID != "" {
				return i
			}
		}
	}
	return -1
}

// MemoryListStorage is the in-memory flavour used by dynamic resources whose
// content is generated per client and never written to disk.
type MemoryListStorage struct {
	items    []any
	metadata map[string]any
}

func NewMemoryListStorage() *MemoryListStorage {
	return &MemoryListStorage{metadata: map[string]any{}}
}

func (s *MemoryListStorage) AppendItem(item any) error {
	s.items = append(s.items, item)
	return nil
}

func (s *MemoryListStorage) InsertAt(item any, index int) error {
	if index < 0 {
		return ErrNoSuchItem
	}
	if index > len(s.items) {
		index = len(s.items)
	}
	s.items = append(s.items[:index], append([]any{item}, s.items[index:]...)...)
	return nil
}

func (s *MemoryListStorage) AppendList(items []any) error {
	s.items = append(s.items, items...)
	return nil
}

func (s *MemoryListStorage) RemoveItem(ref ItemRef) error {
	idx := resolveIndex(s.items, ref)
	if idx < 0 {
		return ErrNoSuchItem
	}
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	return nil
}

func (s *MemoryListStorage) DeleteList() error {
	s.items = nil
	s.metadata = map[string]any{}
	return nil
}

func (s *MemoryListStorage) ClearList() error {
	s.items = nil
	return nil
}

func (s *MemoryListStorage) Set(item any, ref ItemRef) error {
	idx := resolveIndex(s.items, ref)
	if idx < 0 {
		return ErrNoSuchItem
	}
	s.items[idx] = item
	return nil
}

func (s *MemoryListStorage) SetProperty(property string, value any, ref ItemRef) error {
	idx := resolveIndex(s.items, ref)
	if idx < 0 {
		return ErrNoSuchItem
	}
	item, ok := s.items[idx].(map[string]any)
	if !ok {
		return ErrNoSuchItem
	}
	item[property] = value
	s.items[idx] = item
	return nil
}

func (s *MemoryListStorage) Sync() error { return nil }

func (s *MemoryListStorage) SetMetadata(metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	s.metadata = metadata
	return nil
}

func (s *MemoryListStorage) List() []any              { return s.items }
func (s *MemoryListStorage) Metadata() map[string]any { return s.metadata }
func (s *MemoryListStorage) Count() int               { return len(s.items) }

func (s *MemoryListStorage) Item(ref ItemRef) (any, bool) {
	idx := resolveIndex(s.items, ref)
	if idx < 0 {
		return nil, false
	}
	return s.items[idx], true
}

func (s *MemoryListStorage) ResolveIndex(ref ItemRef) int {
	return resolveIndex(s.items, ref)
}
