package device

import (
	"os"
	"runtime"
	"runtime/debug"
	"strings"
)

// Prober reports what the host offers. It never holds model memory.
type Prober interface {
	Available(kind Kind) bool
	Count(kind Kind) int
	// ClearCache hands cached allocator memory for spec back to the system.
	ClearCache(spec Spec) error
}

type staticProber struct {
	cuda int
}

// NewStaticProber reports a fixed number of CUDA devices, narrowed by
// CUDA_VISIBLE_DEVICES when that variable is set.
func NewStaticProber(visible int) Prober {
	if env, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES"); ok {
		visible = countVisible(env, visible)
	}
	return &staticProber{cuda: visible}
}

func countVisible(env string, limit int) int {
	env = strings.TrimSpace(env)
	if env == "" || env == "-1" || strings.EqualFold(env, "none") {
		return 0
	}
	n := 0
	for _, item := range strings.Split(env, ",") {
		if strings.TrimSpace(item) != "" {
			n++
		}
	}
	if limit > 0 && n > limit {
		return limit
	}
	return n
}

func (p *staticProber) Available(kind Kind) bool {
	switch kind {
	case KindCPU:
		return true
	case KindCUDA:
		return p.cuda > 0
	case KindMPS:
		return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
	}
	return false
}

func (p *staticProber) Count(kind Kind) int {
	switch kind {
	case KindCPU:
		return 1
	case KindCUDA:
		return p.cuda
	case KindMPS:
		if p.Available(KindMPS) {
			return 1
		}
	}
	return 0
}

func (p *staticProber) ClearCache(spec Spec) error {
	_ = spec
	debug.FreeOSMemory()
	return nil
}
