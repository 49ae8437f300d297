// Package modelcache keeps a bounded set of models resident on the compute
// device.
//
// The cache holds at most Capacity handles. A miss evicts the least
// recently used unpinned entry, and waits for its device memory to be
// released, before the replacement load starts. Entries pinned by an
// in-flight request are never evicted. When every resident entry is pinned
// the cache grows to Capacity+1 for one load; beyond that, loads wait for a
// pin to drop.
package modelcache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/rvcd/internal/device"
	"github.com/xxxsen/rvcd/internal/engine"
	"github.com/xxxsen/rvcd/internal/modelstore"
	appErr "github.com/xxxsen/rvcd/internal/pkg/errors"
)

var ErrClosed = errors.New("model cache closed")

// Loads abandoned because the device switched underneath them are retried
// this many times before giving up.
const maxStaleRetries = 2

type entry struct {
	id       string
	path     string
	handle   engine.Handle
	gen      uint64
	device   device.Spec
	loadedAt time.Time
	lastUsed time.Time
	pins     int
	detached bool
}

type loadCall struct {
	done chan struct{}
	err  error
}

type Cache struct {
	mu       sync.Mutex
	capacity int
	lru      *simplelru.LRU[string, *entry]
	loading  int
	inflight map[string]*loadCall
	current  string
	changed  chan struct{}
	closed   bool

	store  modelstore.Store
	loader engine.Loader
	dev    *device.Context
	now    func() time.Time
}

func New(capacity int, store modelstore.Store, loader engine.Loader, dev *device.Context) (*Cache, error) {
	if capacity <= 0 {
		return nil, errors.New("cache capacity must be positive")
	}
	// One spare slot for the pinned overflow; eviction is driven here, so
	// simplelru never drops an entry on its own.
	lru, err := simplelru.NewLRU[string, *entry](capacity+1, nil)
	if err != nil {
		return nil, err
	}
	return &Cache{
		capacity: capacity,
		lru:      lru,
		inflight: make(map[string]*loadCall),
		changed:  make(chan struct{}),
		store:    store,
		loader:   loader,
		dev:      dev,
		now:      time.Now,
	}, nil
}

// Key is the cache key for id: "voice" and "voice.onnx" share one entry.
func (c *Cache) Key(id string) string {
	id = strings.TrimSpace(id)
	ext := c.store.Extension()
	if id == "" || strings.HasSuffix(strings.ToLower(id), ext) {
		return id
	}
	return id + ext
}

func (c *Cache) Capacity() int {
	return c.capacity
}

func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Contains does not count as a use.
func (c *Cache) Contains(id string) bool {
	id = c.Key(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(id)
}

// Current is the identifier most recently served, empty if it has since
// left the cache.
func (c *Cache) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

type EntryInfo struct {
	ID       string    `json:"id"`
	Device   string    `json:"device"`
	LoadedAt time.Time `json:"loaded_at"`
	LastUsed time.Time `json:"last_used"`
	Pins     int       `json:"pins"`
	Bytes    int64     `json:"bytes"`
}

// Snapshot lists resident entries from least to most recently used.
func (c *Cache) Snapshot() []EntryInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EntryInfo, 0, c.lru.Len())
	for _, id := range c.lru.Keys() {
		e, _ := c.lru.Peek(id)
		out = append(out, EntryInfo{
			ID:       e.id,
			Device:   e.device.String(),
			LoadedAt: e.loadedAt,
			LastUsed: e.lastUsed,
			Pins:     e.pins,
			Bytes:    e.handle.Bytes(),
		})
	}
	return out
}

// GetOrLoad returns a pinned lease on id, loading it on a miss. The caller
// must Release the lease.
func (c *Cache) GetOrLoad(ctx context.Context, id string) (*Lease, error) {
	id = c.Key(id)
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if e, ok := c.lru.Get(id); ok {
			e.pins++
			e.lastUsed = c.now()
			c.current = id
			c.mu.Unlock()
			logutil.GetLogger(ctx).Debug("model cache hit", zap.String("model", id))
			return &Lease{cache: c, entry: e}, nil
		}
		if call, ok := c.inflight[id]; ok {
			c.mu.Unlock()
			select {
			case <-call.done:
			case <-ctx.Done():
				return nil, appErr.FromContext(ctx.Err(), "waiting for model load")
			}
			// The loader's own deadline is not ours; try again as the loader.
			if call.err != nil && !(appErr.IsTimeout(call.err) && ctx.Err() == nil) {
				return nil, call.err
			}
			continue
		}
		call := &loadCall{done: make(chan struct{})}
		c.inflight[id] = call
		c.mu.Unlock()

		lease, err := c.load(ctx, id)

		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
		call.err = err
		close(call.done)
		return lease, err
	}
}

func (c *Cache) load(ctx context.Context, id string) (*Lease, error) {
	logger := logutil.GetLogger(ctx).With(zap.String("model", id))
	path, err := c.store.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	relieved := false
	stale := 0
	for {
		gen := c.dev.Generation()
		spec := c.dev.Current()
		if err := c.reserve(ctx, logger); err != nil {
			return nil, err
		}
		start := c.now()
		handle, err := c.loader.Load(ctx, path, spec)
		if err != nil {
			c.unreserve()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, appErr.FromContext(ctxErr, "loading model "+id)
			}
			if engine.IsOutOfMemory(err) && !relieved {
				relieved = true
				logger.Warn("device memory pressure during load, evicting and retrying", zap.Error(err))
				c.relieve(ctx)
				continue
			}
			logger.Error("model load failed", zap.Error(err))
			return nil, appErr.Wrap(appErr.ErrModelLoadFailed, err, "load "+id)
		}

		c.mu.Lock()
		c.loading--
		if c.closed || gen != c.dev.Generation() {
			closed := c.closed
			c.signalLocked()
			c.mu.Unlock()
			c.release(ctx, id, handle)
			if closed {
				return nil, ErrClosed
			}
			stale++
			if stale > maxStaleRetries {
				return nil, appErr.New(appErr.ErrModelLoadFailed, "device kept switching while loading "+id)
			}
			logger.Info("device switched during load, reloading")
			continue
		}
		now := c.now()
		e := &entry{
			id:       id,
			path:     path,
			handle:   handle,
			gen:      gen,
			device:   spec,
			loadedAt: now,
			lastUsed: now,
			pins:     1,
		}
		c.lru.Add(id, e)
		c.current = id
		size := c.lru.Len()
		c.mu.Unlock()

		logger.Info("model loaded",
			zap.String("device", spec.String()),
			zap.String("bytes", humanize.Bytes(uint64(handle.Bytes()))),
			zap.Duration("took", now.Sub(start)),
			zap.Int("cache_size", size),
		)
		return &Lease{cache: c, entry: e}, nil
	}
}

// reserve claims a slot for one load. Victims are released before it
// returns, so their device memory is gone before the new load begins.
func (c *Cache) reserve(ctx context.Context, logger *zap.Logger) error {
	c.mu.Lock()
	for {
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		var victims []*entry
		for c.lru.Len()+c.loading >= c.capacity {
			victim := c.evictOldestLocked()
			if victim == nil {
				break
			}
			victims = append(victims, victim)
		}
		occupied := c.lru.Len() + c.loading
		if occupied <= c.capacity {
			c.loading++
			c.mu.Unlock()
			if occupied == c.capacity {
				logger.Warn("all cached models are pinned, exceeding capacity by one",
					zap.Int("capacity", c.capacity),
				)
			}
			c.releaseAll(ctx, victims)
			return nil
		}
		ch := c.changed
		c.mu.Unlock()
		c.releaseAll(ctx, victims)
		logger.Warn("cache full of pinned models, waiting for a release", zap.Int("capacity", c.capacity))
		select {
		case <-ch:
		case <-ctx.Done():
			return appErr.FromContext(ctx.Err(), "waiting for a free cache slot")
		}
		c.mu.Lock()
	}
}

func (c *Cache) unreserve() {
	c.mu.Lock()
	c.loading--
	c.signalLocked()
	c.mu.Unlock()
}

// relieve frees what it can after an out-of-memory load.
func (c *Cache) relieve(ctx context.Context) {
	c.mu.Lock()
	victim := c.evictOldestLocked()
	c.mu.Unlock()
	if victim != nil {
		c.release(ctx, victim.id, victim.handle)
	}
	if err := c.dev.ClearCache(); err != nil {
		logutil.GetLogger(ctx).Warn("clear device cache failed", zap.Error(err))
	}
}

// evictOldestLocked removes the least recently used unpinned entry.
// simplelru keeps keys oldest first, and equal timestamps fall back to
// insertion order because that is the list order.
func (c *Cache) evictOldestLocked() *entry {
	for _, id := range c.lru.Keys() {
		e, _ := c.lru.Peek(id)
		if e.pins > 0 {
			continue
		}
		c.removeLocked(e)
		return e
	}
	return nil
}

func (c *Cache) removeLocked(e *entry) {
	c.lru.Remove(e.id)
	if c.current == e.id {
		c.current = ""
	}
	c.signalLocked()
}

func (c *Cache) signalLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Cache) releaseAll(ctx context.Context, victims []*entry) {
	for _, v := range victims {
		logutil.GetLogger(ctx).Info("model evicted", zap.String("model", v.id))
		c.release(ctx, v.id, v.handle)
	}
}

func (c *Cache) release(ctx context.Context, id string, h engine.Handle) {
	if err := h.Release(); err != nil {
		logutil.GetLogger(ctx).Error("release model failed", zap.String("model", id), zap.Error(err))
	}
}

func (c *Cache) unpin(e *entry) {
	c.mu.Lock()
	e.pins--
	var victims []*entry
	if e.detached && e.pins == 0 {
		victims = append(victims, e)
	}
	// Shrink back after a pinned overflow.
	for c.lru.Len()+c.loading > c.capacity {
		victim := c.evictOldestLocked()
		if victim == nil {
			break
		}
		victims = append(victims, victim)
	}
	c.signalLocked()
	c.mu.Unlock()
	for _, v := range victims {
		c.release(context.Background(), v.id, v.handle)
	}
}

// detachLocked drops every entry for which match returns true. Pinned entries are
// released by their last lease instead of here.
func (c *Cache) detachLocked(match func(e *entry) bool) []*entry {
	var victims []*entry
	for _, id := range c.lru.Keys() {
		e, _ := c.lru.Peek(id)
		if !match(e) {
			continue
		}
		c.lru.Remove(id)
		if c.current == id {
			c.current = ""
		}
		if e.pins > 0 {
			e.detached = true
			continue
		}
		victims = append(victims, e)
	}
	c.signalLocked()
	return victims
}

// InvalidateAll empties the cache. Unpinned handles are released before it
// returns; pinned ones when their last lease is released.
func (c *Cache) InvalidateAll(ctx context.Context) int {
	c.mu.Lock()
	n := c.lru.Len()
	victims := c.detachLocked(func(*entry) bool { return true })
	c.mu.Unlock()
	for _, v := range victims {
		c.release(ctx, v.id, v.handle)
	}
	logutil.GetLogger(ctx).Info("model cache invalidated", zap.Int("entries", n), zap.Int("released", len(victims)))
	return n
}

// Invalidate drops id if present.
func (c *Cache) Invalidate(ctx context.Context, id string) bool {
	id = c.Key(id)
	c.mu.Lock()
	if !c.lru.Contains(id) {
		c.mu.Unlock()
		return false
	}
	victims := c.detachLocked(func(e *entry) bool { return e.id == id })
	c.mu.Unlock()
	for _, v := range victims {
		c.release(ctx, v.id, v.handle)
	}
	logutil.GetLogger(ctx).Info("model invalidated", zap.String("model", id))
	return true
}

// EvictIdle releases unpinned entries not used for longer than maxIdle.
func (c *Cache) EvictIdle(ctx context.Context, maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := c.now().Add(-maxIdle)
	c.mu.Lock()
	var victims []*entry
	for _, id := range c.lru.Keys() {
		e, _ := c.lru.Peek(id)
		if e.pins > 0 || e.lastUsed.After(cutoff) {
			continue
		}
		c.removeLocked(e)
		victims = append(victims, e)
	}
	c.mu.Unlock()
	c.releaseAll(ctx, victims)
	return len(victims)
}

// Close invalidates everything and refuses further loads.
func (c *Cache) Close(ctx context.Context) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.InvalidateAll(ctx)
}

// Lease pins one cache entry until Release.
type Lease struct {
	cache *Cache
	entry *entry
	once  sync.Once
}

func (l *Lease) Model() string {
	return l.entry.id
}

func (l *Lease) Handle() engine.Handle {
	return l.entry.handle
}

// Stale reports that the entry left the cache while pinned, typically on a
// device switch. Its handle must not be used for inference.
func (l *Lease) Stale() bool {
	l.cache.mu.Lock()
	detached := l.entry.detached
	l.cache.mu.Unlock()
	return detached || l.entry.gen != l.cache.dev.Generation()
}

func (l *Lease) Release() {
	l.once.Do(func() {
		l.cache.unpin(l.entry)
	})
}
