// Package engine abstracts the inference backend. A Handle is one model
// materialised on a device; only the model cache creates and releases them.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xxxsen/rvcd/internal/device"
	"github.com/xxxsen/rvcd/internal/params"
)

// ErrOutOfMemory marks a load that failed for lack of device memory.
var ErrOutOfMemory = errors.New("device out of memory")

// Request is one conversion: read InputPath, write OutputPath.
type Request struct {
	InputPath  string
	OutputPath string
	Params     params.ParameterSet
}

type Handle interface {
	Infer(ctx context.Context, req Request) error
	// Release frees device memory. Calls after the first are no-ops.
	Release() error
	// Bytes is the approximate device footprint.
	Bytes() int64
}

type Loader interface {
	Name() string
	Load(ctx context.Context, path string, dev device.Spec) (Handle, error)
}

type Factory func(args interface{}) (Loader, error)

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

func New(name string, args interface{}) (Loader, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, fmt.Errorf("engine.type is required")
	}
	registryMu.RLock()
	factory := registry[key]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported engine type: %s", name)
	}
	return factory(args)
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode engine config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode engine config: %w", err)
	}
	return nil
}

// IsOutOfMemory matches ErrOutOfMemory as well as the allocator messages
// native runtimes return verbatim.
func IsOutOfMemory(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOutOfMemory) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "out of memory") ||
		strings.Contains(msg, "failed to allocate") ||
		strings.Contains(msg, "cudaerrormemoryallocation")
}
