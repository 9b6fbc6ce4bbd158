package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// FileObjectStorage persists a property bag plus metadata as a JSON document
// {"properties": {...}, "metadata": {...}}.
type FileObjectStorage struct {
	path       string
	properties map[string]any
	metadata   map[string]any
}

func NewFileObjectStorage(path string) (*FileObjectStorage, error) {
	s := &FileObjectStorage{
		path:       path,
		properties: map[string]any{},
		metadata:   map[string]any{},
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var doc struct {
		Properties map[string]any `json:"properties"`
		Metadata   map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc.Properties != nil {
		s.properties = doc.Properties
	}
	if doc.Metadata != nil {
		s.metadata = doc.Metadata
	}
	return s, nil
}

func (s *FileObjectStorage) save() error {
	return SaveDocument(s.path, map[string]any{
		"properties": s.properties,
		"metadata":   s.metadata,
	})
}

func (s *FileObjectStorage) InsertProperty(name string, value any) error {
	s.properties[name] = value
	return s.save()
}

func (s *FileObjectStorage) Property(name string) (any, bool) {
	value, ok := s.properties[name]
	return value, ok
}

func (s *FileObjectStorage) AllProperties() map[string]any {
	return s.properties
}

func (s *FileObjectStorage) SetMetadata(metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	s.metadata = metadata
	return s.save()
}

func (s *FileObjectStorage) Metadata() map[string]any { return s.metadata }

func (s *FileObjectStorage) Sync() error { return s.save() }

// MemoryObjectStorage backs dynamic object resources.
type MemoryObjectStorage struct {
	properties map[string]any
	metadata   map[string]any
}

func NewMemoryObjectStorage() *MemoryObjectStorage {
	return &MemoryObjectStorage{
		properties: map[string]any{},
		metadata:   map[string]any{},
	}
}

func (s *MemoryObjectStorage) InsertProperty(name string, value any) error {
	s.properties[name] = value
	return nil
}

func (s *MemoryObjectStorage) Property(name string) (any, bool) {
	value, ok := s.properties[name]
	return value, ok
}
func (s *MemoryObjectStorage) AllProperties() map[string]any { return s.properties }

func (s *MemoryObjectStorage) SetMetadata(metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	s.metadata = metadata
	return nil
}

func (s *MemoryObjectStorage) Metadata() map[string]any { return s.metadata }
func (s *MemoryObjectStorage) Sync() error              { return nil }
