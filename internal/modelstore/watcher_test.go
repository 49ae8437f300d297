package modelstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher_ReportsArtifactChanges(t *testing.T) {
	store := newTestStore(t, "alice.onnx")
	var (
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w, err := Watch(ctx, store, func(id string) {
		mu.Lock()
		seen[id] = true
		mu.Unlock()
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "alice.onnx"), []byte("new weights"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "ignored.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["alice.onnx"]
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.False(t, seen["ignored.txt"])
	mu.Unlock()
}

func TestWatch_MissingDir(t *testing.T) {
	store := newLocalStore(Base{Dir: filepath.Join(t.TempDir(), "absent"), Extension: ".onnx"})
	_, err := Watch(context.Background(), store, func(string) {})
	require.Error(t, err)
}
