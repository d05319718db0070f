package stored_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/delaneyj/signaltree/marker"
	"github.com/delaneyj/signaltree/microtask"
	"github.com/delaneyj/signaltree/notifier"
	"github.com/delaneyj/signaltree/reactively"
	"github.com/delaneyj/signaltree/stored"
	"github.com/delaneyj/signaltree/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStorage struct {
	*stored.MemoryStorage
	writes atomic.Int32
}

func (c *countingStorage) SetItem(ctx context.Context, key, value string) error {
	c.writes.Add(1)
	return c.MemoryStorage.SetItem(ctx, key, value)
}

type brokenStorage struct{}

var errBroken = errors.New("quota exceeded")

func (brokenStorage) GetItem(context.Context, string) (string, bool, error) {
	return "", false, errBroken
}
func (brokenStorage) SetItem(context.Context, string, string) error { return errBroken }
func (brokenStorage) RemoveItem(context.Context, string) error      { return errBroken }

type watchedStorage struct {
	*stored.MemoryStorage
	mu  sync.Mutex
	fns map[string]func()
}

func (w *watchedStorage) Watch(key string, fn func()) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fns[key] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.fns, key)
	}, nil
}

func (w *watchedStorage) fire(key string) {
	w.mu.Lock()
	fn := w.fns[key]
	w.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func open[T any](t *testing.T, m *stored.Marker[T], env marker.Env) *stored.Signal[T] {
	t.Helper()
	if env.Reactive == nil {
		env.Reactive = reactively.NewContext()
	}
	if env.Scheduler == nil {
		env.Scheduler = microtask.NewQueue()
	}
	v, err := marker.Default().Materialize(m, env)
	require.NoError(t, err)
	s, ok := v.(*stored.Signal[T])
	require.True(t, ok)
	return s
}

func TestRoundTrip(t *testing.T) {
	mem := stored.NewMemoryStorage()
	s := open(t, stored.New("theme", "light", stored.WithStorage(mem), stored.WithDebounce(5*time.Millisecond)), marker.Env{Path: "theme"})
	assert.Equal(t, "light", s.Get())

	s.Set("dark")
	assert.Equal(t, "dark", s.Get())
	assert.Eventually(t, func() bool {
		return mem.Items()["theme"] == `"dark"`
	}, time.Second, 5*time.Millisecond)

	s.Clear()
	assert.Equal(t, "light", s.Get())
	_, ok := mem.Items()["theme"]
	assert.False(t, ok)

	again := open(t, stored.New("theme", "light", stored.WithStorage(mem)), marker.Env{})
	assert.Equal(t, "light", again.Get())
}

func TestDebounce(t *testing.T) {
	t.Run("rapid sets coalesce", func(t *testing.T) {
		store := &countingStorage{MemoryStorage: stored.NewMemoryStorage()}
		s := open(t, stored.New("n", 0, stored.WithStorage(store), stored.WithDebounce(30*time.Millisecond)), marker.Env{})
		for i := 1; i <= 10; i++ {
			s.Set(i)
		}
		assert.Eventually(t, func() bool { return store.writes.Load() == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, "10", store.Items()["n"])
		time.Sleep(60 * time.Millisecond)
		assert.Equal(t, int32(1), store.writes.Load())
	})

	t.Run("zero debounce defers to the scheduler", func(t *testing.T) {
		q := microtask.NewQueue()
		store := &countingStorage{MemoryStorage: stored.NewMemoryStorage()}
		s := open(t, stored.New("n", 0, stored.WithStorage(store), stored.WithDebounce(0)), marker.Env{Scheduler: q})
		s.Set(1)
		s.Set(2)
		assert.Zero(t, store.writes.Load())
		q.Drain()
		assert.Equal(t, int32(1), store.writes.Load())
		assert.Equal(t, "2", store.Items()["n"])
	})

	t.Run("flush writes now", func(t *testing.T) {
		store := &countingStorage{MemoryStorage: stored.NewMemoryStorage()}
		s := open(t, stored.New("n", 0, stored.WithStorage(store), stored.WithDebounce(time.Hour)), marker.Env{})
		s.Update(func(v int) int { return v + 5 })
		s.Flush()
		assert.Equal(t, "5", store.Items()["n"])
		s.Flush()
		assert.Equal(t, int32(1), store.writes.Load())
	})
}

func TestLoad(t *testing.T) {
	t.Run("existing value and prefix", func(t *testing.T) {
		mem := stored.NewMemoryStorage()
		require.NoError(t, mem.SetItem(context.Background(), "app:theme", `"dark"`))
		s := open(t, stored.New("theme", "light", stored.WithStorage(mem), stored.WithPrefix("app:")), marker.Env{})
		assert.Equal(t, "app:theme", s.Key())
		assert.Equal(t, "dark", s.Get())
	})

	t.Run("corrupt value falls back", func(t *testing.T) {
		var buf bytes.Buffer
		mem := stored.NewMemoryStorage()
		require.NoError(t, mem.SetItem(context.Background(), "n", `{not json`))
		s := open(t, stored.New("n", 7, stored.WithStorage(mem)), marker.Env{Logger: slog.New(slog.NewTextHandler(&buf, nil))})
		assert.Equal(t, 7, s.Get())
		assert.Contains(t, buf.String(), "unusable")
	})

	t.Run("broken storage never surfaces", func(t *testing.T) {
		var buf bytes.Buffer
		s := open(t, stored.New("n", 7, stored.WithStorage(brokenStorage{}), stored.WithDebounce(time.Hour)), marker.Env{Logger: slog.New(slog.NewTextHandler(&buf, nil))})
		assert.Equal(t, 7, s.Get())
		s.Set(8)
		s.Flush()
		s.Clear()
		assert.Equal(t, 7, s.Get())
		assert.Contains(t, buf.String(), "read failed")
		assert.Contains(t, buf.String(), "write failed")
		assert.Contains(t, buf.String(), "remove failed")
	})

	t.Run("yaml codec", func(t *testing.T) {
		type prefs struct {
			Theme string `yaml:"theme"`
			Size  int    `yaml:"size"`
		}
		mem := stored.NewMemoryStorage()
		s := open(t, stored.New("prefs", prefs{Theme: "light"}, stored.WithStorage(mem), stored.WithCodec(stored.YAML), stored.WithDebounce(time.Hour)), marker.Env{})
		s.Set(prefs{Theme: "dark", Size: 2})
		s.Flush()
		assert.Equal(t, "theme: dark\nsize: 2\n", mem.Items()["prefs"])

		again := open(t, stored.New("prefs", prefs{}, stored.WithStorage(mem), stored.WithCodec(stored.YAML)), marker.Env{})
		assert.Equal(t, prefs{Theme: "dark", Size: 2}, again.Get())
	})
}

func TestVersion(t *testing.T) {
	type settings struct {
		Name  string `json:"name"`
		Level int    `json:"level"`
	}
	migrate := func(from int, data any) (any, error) {
		m := data.(map[string]any)
		if from < 2 {
			m["level"] = 1
		}
		return m, nil
	}

	t.Run("writes envelope", func(t *testing.T) {
		mem := stored.NewMemoryStorage()
		s := open(t, stored.New("s", settings{}, stored.WithStorage(mem), stored.WithVersion(2, migrate), stored.WithDebounce(time.Hour)), marker.Env{})
		s.Set(settings{Name: "a", Level: 3})
		s.Flush()
		assert.JSONEq(t, `{"v":2,"data":{"name":"a","level":3}}`, mem.Items()["s"])

		again := open(t, stored.New("s", settings{}, stored.WithStorage(mem), stored.WithVersion(2, migrate)), marker.Env{})
		assert.Equal(t, settings{Name: "a", Level: 3}, again.Get())
	})

	t.Run("migrates older data", func(t *testing.T) {
		mem := stored.NewMemoryStorage()
		require.NoError(t, mem.SetItem(context.Background(), "s", `{"v":1,"data":{"name":"old"}}`))
		s := open(t, stored.New("s", settings{}, stored.WithStorage(mem), stored.WithVersion(2, migrate)), marker.Env{})
		assert.Equal(t, settings{Name: "old", Level: 1}, s.Get())
	})

	t.Run("ignores newer data", func(t *testing.T) {
		mem := stored.NewMemoryStorage()
		require.NoError(t, mem.SetItem(context.Background(), "s", `{"v":9,"data":{"name":"future"}}`))
		s := open(t, stored.New("s", settings{Name: "default"}, stored.WithStorage(mem), stored.WithVersion(2, migrate)), marker.Env{})
		assert.Equal(t, "default", s.Get().Name)
	})
}

func TestWatchReload(t *testing.T) {
	q := microtask.NewQueue()
	store := &watchedStorage{MemoryStorage: stored.NewMemoryStorage(), fns: map[string]func(){}}
	s := open(t, stored.New("k", "a", stored.WithStorage(store)), marker.Env{Scheduler: q})

	require.NoError(t, store.MemoryStorage.SetItem(context.Background(), "k", `"b"`))
	store.fire("k")
	assert.Equal(t, "a", s.Get())
	q.Drain()
	assert.Equal(t, "b", s.Get())

	s.Close()
	store.mu.Lock()
	assert.Empty(t, store.fns)
	store.mu.Unlock()
}

func TestInTree(t *testing.T) {
	mem := stored.NewMemoryStorage()
	require.NoError(t, mem.SetItem(context.Background(), "theme", `"dark"`))

	n := notifier.New(notifier.WithBatching(false))
	var paths []string
	n.Subscribe("settings.*", func(_, _ any, p string) { paths = append(paths, p) })

	tr, err := tree.New(map[string]any{
		"settings": map[string]any{
			"theme": stored.New("theme", "light", stored.WithStorage(mem), stored.WithDebounce(time.Hour)),
		},
	}, tree.WithNotifier(n), tree.WithScheduler(microtask.NewQueue()))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"settings": map[string]any{"theme": "dark"}}, tr.Get())

	require.NoError(t, tr.Set(map[string]any{"settings": map[string]any{"theme": "blue"}}))
	theme := tree.MustAt[*stored.Signal[string]](tr.State(), "settings.theme")
	assert.Equal(t, "blue", theme.Get())
	assert.Equal(t, []string{"settings.theme"}, paths)
	assert.Error(t, theme.Assign(3))

	theme.Flush()
	assert.Equal(t, `"blue"`, mem.Items()["theme"])
}
