// Package enginetest provides an in-memory engine whose device memory is a
// counter, so tests can assert that every loaded handle is released.
package enginetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/xxxsen/rvcd/internal/audio"
	"github.com/xxxsen/rvcd/internal/device"
	"github.com/xxxsen/rvcd/internal/engine"
)

type Loader struct {
	mu       sync.Mutex
	loads    map[string]int
	failures map[string][]error
	inferErr map[string][]error
	live     map[*Handle]struct{}
	released []string
	peak     int

	// LoadGate, when set, is received from before every load completes.
	LoadGate chan struct{}
	// InferGate, when set, is received from inside every Infer.
	InferGate chan struct{}
	// Inferring is incremented while an Infer call runs.
	Inferring atomic.Int32
	// MaxInferring records the highest concurrent Infer count seen.
	MaxInferring atomic.Int32
	// NativeRate is the output sample rate; 0 keeps the input rate.
	NativeRate int
}

func NewLoader() *Loader {
	return &Loader{
		loads:    make(map[string]int),
		failures: make(map[string][]error),
		inferErr: make(map[string][]error),
		live:     make(map[*Handle]struct{}),
	}
}

func (l *Loader) Name() string {
	return "fake"
}

// FailNext queues errors returned by the next loads of id, in order.
func (l *Loader) FailNext(id string, errs ...error) {
	l.mu.Lock()
	l.failures[id] = append(l.failures[id], errs...)
	l.mu.Unlock()
}

// FailInfer queues errors returned by the next Infer calls on id, in order.
func (l *Loader) FailInfer(id string, errs ...error) {
	l.mu.Lock()
	l.inferErr[id] = append(l.inferErr[id], errs...)
	l.mu.Unlock()
}

func (l *Loader) nextInferErr(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	queued := l.inferErr[id]
	if len(queued) == 0 {
		return nil
	}
	l.inferErr[id] = queued[1:]
	return queued[0]
}

func (l *Loader) Load(ctx context.Context, path string, dev device.Spec) (engine.Handle, error) {
	if l.LoadGate != nil {
		select {
		case <-l.LoadGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	id := filepath.Base(path)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads[id]++
	if queued := l.failures[id]; len(queued) > 0 {
		l.failures[id] = queued[1:]
		return nil, queued[0]
	}
	h := &Handle{ID: id, Device: dev, loader: l}
	l.live[h] = struct{}{}
	if len(l.live) > l.peak {
		l.peak = len(l.live)
	}
	return h, nil
}

// Loads is how many times id reached the loader, failures included.
func (l *Loader) Loads(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads[id]
}

// Live is the number of handles not yet released.
func (l *Loader) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

// Peak is the highest Live value ever observed.
func (l *Loader) Peak() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peak
}

// Released lists ids in release order.
func (l *Loader) Released() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.released))
	copy(out, l.released)
	return out
}

type Handle struct {
	ID       string
	Device   device.Spec
	loader   *Loader
	released atomic.Bool
}

func (h *Handle) Bytes() int64 {
	return 1 << 20
}

func (h *Handle) Released() bool {
	return h.released.Load()
}

func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	h.loader.mu.Lock()
	delete(h.loader.live, h)
	h.loader.released = append(h.loader.released, h.ID)
	h.loader.mu.Unlock()
	return nil
}

// Infer copies the input to the output, resampled to the requested rate.
func (h *Handle) Infer(ctx context.Context, req engine.Request) error {
	if h.released.Load() {
		return fmt.Errorf("handle %s used after release", h.ID)
	}
	n := h.loader.Inferring.Add(1)
	defer h.loader.Inferring.Add(-1)
	for {
		peak := h.loader.MaxInferring.Load()
		if n <= peak || h.loader.MaxInferring.CompareAndSwap(peak, n) {
			break
		}
	}
	if h.loader.InferGate != nil {
		<-h.loader.InferGate
	}
	if err := h.loader.nextInferErr(h.ID); err != nil {
		return err
	}
	data, err := os.ReadFile(req.InputPath)
	if err != nil {
		return err
	}
	clip, err := audio.Decode(data)
	if err != nil {
		return err
	}
	rate := clip.SampleRate
	if h.loader.NativeRate > 0 {
		rate = h.loader.NativeRate
	}
	mono := audio.Resample(audio.Mono(clip), clip.SampleRate, rate)
	if req.Params.ResampleSR != 0 {
		mono = audio.Resample(mono, rate, req.Params.ResampleSR)
		rate = req.Params.ResampleSR
	}
	out, err := audio.Encode(&audio.Clip{SampleRate: rate, Channels: clip.Channels, Samples: audio.Spread(mono, clip.Channels)})
	if err != nil {
		return err
	}
	return os.WriteFile(req.OutputPath, out, 0o600)
}

// WriteModels creates empty artifacts named ids inside dir.
func WriteModels(dir string, ids ...string) error {
	for _, id := range ids {
		if err := os.WriteFile(filepath.Join(dir, id), []byte("weights"), 0o644); err != nil {
			return err
		}
	}
	return nil
}
