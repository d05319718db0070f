package filestore

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/delaneyj/signaltree/marker"
	"github.com/delaneyj/signaltree/microtask"
	"github.com/delaneyj/signaltree/reactively"
	"github.com/delaneyj/signaltree/stored"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	_, ok, err := s.GetItem(ctx, "a/b")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetItem(ctx, "a/b", `{"x":1}`))
	v, ok, err := s.GetItem(ctx, "a/b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"x":1}`, v)
	assert.FileExists(t, filepath.Join(s.dir, "a%2Fb.json"))

	require.NoError(t, s.RemoveItem(ctx, "a/b"))
	require.NoError(t, s.RemoveItem(ctx, "a/b"))
	_, ok, err = s.GetItem(ctx, "a/b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyOf(t *testing.T) {
	key, ok := keyOf("/tmp/x/app%3Atheme.json")
	assert.True(t, ok)
	assert.Equal(t, "app:theme", key)

	_, ok = keyOf("/tmp/x/.tmp-123")
	assert.False(t, ok)
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	defer s.Close()

	var hits atomic.Int32
	stop, err := s.Watch("theme", func() { hits.Add(1) })
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("1"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "theme.json"), []byte(`"dark"`), 0o600))
	assert.Eventually(t, func() bool { return hits.Load() > 0 }, 2*time.Second, 10*time.Millisecond)

	stop()
	stop()
}

func TestStoredReload(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	defer s.Close()

	q := microtask.NewQueue()
	m := stored.New("theme", "light", stored.WithStorage(s))
	live, err := marker.Default().Materialize(m, marker.Env{
		Reactive:  reactively.NewContext(),
		Scheduler: q,
	})
	require.NoError(t, err)
	sig := live.(*stored.Signal[string])
	defer sig.Close()
	assert.Equal(t, "light", sig.Get())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "theme.json"), []byte(`"dark"`), 0o600))
	assert.Eventually(t, func() bool {
		q.Drain()
		return sig.Get() == "dark"
	}, 2*time.Second, 10*time.Millisecond)
}
