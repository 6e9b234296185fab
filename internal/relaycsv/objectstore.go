package relaycsv

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ObjectStore reads and writes whole objects by key.
type ObjectStore interface {
	// Download copies the object at key into dst. It returns ErrNotFound
	// when no such object exists.
	Download(ctx context.Context, key string, dst io.Writer) error
	Upload(ctx context.Context, key string, src io.Reader) error
}

func cleanObjectKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrInvalidInput
	}
	cleaned := path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", ErrInvalidInput
	}
	return cleaned, nil
}

type InMemoryObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewInMemoryObjectStore() *InMemoryObjectStore {
	return &InMemoryObjectStore{objects: map[string][]byte{}}
}

func (s *InMemoryObjectStore) Download(_ context.Context, key string, dst io.Writer) error {
	s.mu.Lock()
	data, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	_, err := io.Copy(dst, bytes.NewReader(data))
	return err
}

func (s *InMemoryObjectStore) Upload(_ context.Context, key string, src io.Reader) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

// Put stores data under key.
func (s *InMemoryObjectStore) Put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
}

// Get returns a copy of the object at key.
func (s *InMemoryObjectStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func (s *InMemoryObjectStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// FileObjectStore keeps objects as files under Root; keys are slash
// separated paths relative to it.
type FileObjectStore struct {
	Root string
}

func NewFileObjectStore(root string) (*FileObjectStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	return &FileObjectStore{Root: filepath.Clean(root)}, nil
}

func (s *FileObjectStore) pathFor(key string) (string, error) {
	cleaned, err := cleanObjectKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Root, filepath.FromSlash(cleaned)), nil
}

func (s *FileObjectStore) Download(_ context.Context, key string, dst io.Writer) error {
	p, err := s.pathFor(key)
	if err != nil {
		return err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	defer f.Close()
	_, err = io.Copy(dst, f)
	return err
}

func (s *FileObjectStore) Upload(_ context.Context, key string, src io.Reader) error {
	p, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err := io.Copy(tmp, src); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return err
	}
	committed = true
	return nil
}
