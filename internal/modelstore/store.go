// Package modelstore maps model identifiers to artifacts on disk.
package modelstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/xxxsen/rvcd/internal/config"
	appErr "github.com/xxxsen/rvcd/internal/pkg/errors"
)

type Store interface {
	Type() string
	Dir() string
	Extension() string
	// Resolve returns the artifact path for id, ErrNotFound otherwise.
	Resolve(ctx context.Context, id string) (string, error)
	// List returns identifiers sorted by name. A missing directory is an
	// empty list.
	List(ctx context.Context) ([]string, error)
}

// Syncer is implemented by stores that mirror a remote source into Dir.
type Syncer interface {
	Sync(ctx context.Context) (int, error)
}

type Base struct {
	Dir       string
	Extension string
}

type Factory func(base Base, args interface{}) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func Register(name string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registryMu.Lock()
	registry[key] = factory
	registryMu.Unlock()
}

func New(cfg config.ModelStoreConfig) (Store, error) {
	key := strings.ToLower(strings.TrimSpace(cfg.Type))
	if key == "" {
		return nil, fmt.Errorf("model_store.type is required")
	}
	registryMu.RLock()
	factory := registry[key]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported model store type: %s", cfg.Type)
	}
	base := Base{Dir: cfg.Dir, Extension: cfg.Extension}
	if base.Dir == "" {
		return nil, fmt.Errorf("model store dir is required")
	}
	if base.Extension == "" {
		return nil, fmt.Errorf("model store extension is required")
	}
	return factory(base, cfg.Data)
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return fmt.Errorf("store config is required")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode store config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode store config: %w", err)
	}
	return nil
}

type localStore struct {
	dir string
	ext string
}

func init() {
	Register("local", createLocalStore)
}

func createLocalStore(base Base, args interface{}) (Store, error) {
	_ = args
	return newLocalStore(base), nil
}

func newLocalStore(base Base) *localStore {
	return &localStore{dir: base.Dir, ext: strings.ToLower(base.Extension)}
}

func (s *localStore) Type() string {
	return "local"
}

func (s *localStore) Dir() string {
	return s.dir
}

func (s *localStore) Extension() string {
	return s.ext
}

// artifactName turns an identifier into a file name inside dir. Both
// "voice" and "voice.onnx" name the same artifact.
func (s *localStore) artifactName(id string) (string, error) {
	name := strings.TrimSpace(id)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", appErr.Newf(appErr.ErrNotFound, "invalid model identifier %q", id)
	}
	if !s.matches(name) {
		name += s.ext
	}
	return name, nil
}

func (s *localStore) matches(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), s.ext) && len(name) > len(s.ext)
}

func (s *localStore) Resolve(ctx context.Context, id string) (string, error) {
	_ = ctx
	name, err := s.artifactName(id)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", appErr.Newf(appErr.ErrNotFound, "model not found: %s", id)
		}
		return "", fmt.Errorf("stat model %s: %w", id, err)
	}
	if !info.Mode().IsRegular() {
		return "", appErr.Newf(appErr.ErrNotFound, "model not found: %s", id)
	}
	return path, nil
}

func (s *localStore) List(ctx context.Context) ([]string, error) {
	_ = ctx
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("scan model dir: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !s.matches(entry.Name()) {
			continue
		}
		ids = append(ids, entry.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// IDForPath returns the identifier of an artifact path inside store, or
// false when path is not one.
func IDForPath(store Store, path string) (string, bool) {
	if filepath.Clean(filepath.Dir(path)) != filepath.Clean(store.Dir()) {
		return "", false
	}
	name := filepath.Base(path)
	ext := store.Extension()
	if !strings.HasSuffix(strings.ToLower(name), ext) || len(name) <= len(ext) {
		return "", false
	}
	return name, true
}
