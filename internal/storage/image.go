package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
)

// ErrImageExists is returned when inserting an image under a taken uid.
var ErrImageExists = errors.New("image already exists")

// ErrNoSuchImage is returned for lookups of unknown image uids.
var ErrNoSuchImage = errors.New("no such image")

const imageIndexFile = "pictureCollection.json"

// FileImageStorage keeps the raw image files next to an index document that
// carries per-image metadata as [{"id": ..., "metadata": {...}}].
type FileImageStorage struct {
	dir      string
	metadata map[string]map[string]any
	loaded   bool
}

func NewFileImageStorage(dir string) *FileImageStorage {
	return &FileImageStorage{dir: dir, metadata: map[string]map[string]any{}}
}

func (s *FileImageStorage) load() error {
	if s.loaded {
		return nil
	}
	s.loaded = true
	raw, err := os.ReadFile(filepath.Join(s.dir, imageIndexFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read image index: %w", err)
	}
	var index []struct {
		ID       string         `json:"id"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &index); err != nil {
		return fmt.Errorf("parse image index: %w", err)
	}
	for _, entry := range index {
		s.metadata[entry.ID] = entry.Metadata
	}
	return nil
}

func (s *FileImageStorage) save() error {
	ids := make([]string, 0, len(s.metadata))
	for id := range s.metadata {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	index := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		index = append(index, map[string]any{
			"id":       id,
			"metadata": s.metadata[id],
		})
	}
	return SaveDocument(filepath.Join(s.dir, imageIndexFile), index)
}

// InsertImage stores the encoded image bytes under the uid and records its
// metadata in the index.
func (s *FileImageStorage) InsertImage(data []byte, metadata map[string]any, uid string) error {
	if err := s.load(); err != nil {
		return err
	}
	if _, exists := s.metadata[uid]; exists {
		return ErrImageExists
	}
	if err := WriteFileAtomic(filepath.Join(s.dir, uid), data); err != nil {
		return err
	}
	s.metadata[uid] = metadata
	return s.save()
}

func (s *FileImageStorage) DeleteImage(uid string) error {
	if err := s.load(); err != nil {
		return err
	}
	if _, exists := s.metadata[uid]; !exists {
		return ErrNoSuchImage
	}
	delete(s.metadata, uid)
	if err := os.Remove(filepath.Join(s.dir, uid)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return s.save()
}

func (s *FileImageStorage) AllImageIDs() []string {
	if err := s.load(); err != nil {
		log.Error().Err(err).Str("dir", s.dir).Msg("Failed to load image index")
		return []string{}
	}
	ids := make([]string, 0, len(s.metadata))
	for id := range s.metadata {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *FileImageStorage) ImageMetadata(uid string) (map[string]any, bool) {
	if err := s.load(); err != nil {
		log.Error().Err(err).Str("dir", s.dir).Msg("Failed to load image index")
		return nil, false
	}
	md, ok := s.metadata[uid]
	return md, ok
}

func (s *FileImageStorage) AllMetadata() map[string]map[string]any {
	if err := s.load(); err != nil {
		log.Error().Err(err).Str("dir", s.dir).Msg("Failed to load image index")
		return map[string]map[string]any{}
	}
	return s.metadata
}

// Image returns the raw encoded bytes of a stored image.
func (s *FileImageStorage) Image(uid string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, uid))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoSuchImage
	}
	return raw, err
}
