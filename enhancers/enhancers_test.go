package enhancers

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delaneyj/signaltree/microtask"
	"github.com/delaneyj/signaltree/notifier"
	"github.com/delaneyj/signaltree/tree"
)

func syncTree(t *testing.T, state map[string]any, opts ...tree.Option) *tree.Tree {
	t.Helper()
	opts = append([]tree.Option{tree.WithNotifier(notifier.New(notifier.WithBatching(false)))}, opts...)
	tr, err := tree.New(state, opts...)
	require.NoError(t, err)
	return tr
}

func batchedTree(t *testing.T, state map[string]any) (*tree.Tree, *microtask.Queue) {
	t.Helper()
	q := microtask.NewQueue()
	tr, err := tree.New(state,
		tree.WithNotifier(notifier.New(notifier.WithScheduler(q))),
		tree.WithScheduler(q),
	)
	require.NoError(t, err)
	return tr, q
}

func leaf(tr *tree.Tree, path string) *tree.Leaf {
	return tree.MustAt[*tree.Leaf](tr.State(), path)
}

func TestBatching(t *testing.T) {
	tr, q := batchedTree(t, map[string]any{"a": 0, "b": ""})
	tr, err := tr.With(Batching())
	require.NoError(t, err)
	b, ok := tree.CapabilityOf[*Batcher](tr, NameBatching)
	require.True(t, ok)

	type call struct {
		path     string
		old, new any
	}
	var calls []call
	tr.Subscribe("**", func(nv, ov any, p string) { calls = append(calls, call{p, ov, nv}) })

	b.Batch(func() {
		leaf(tr, "a").Set(1)
		leaf(tr, "a").Set(2)
		leaf(tr, "a").Set(3)
		leaf(tr, "b").Set("x")
	})
	assert.Equal(t, []call{{"a", 0, 3}, {"b", "", "x"}}, calls)
	assert.False(t, tr.Notifier().HasPending())

	q.Drain()
	assert.Len(t, calls, 2)
}

func TestMemoization(t *testing.T) {
	t.Run("synchronous writes invalidate", func(t *testing.T) {
		tr := syncTree(t, map[string]any{"n": 1})
		tr, err := tr.With(Memoization(), Batching())
		require.NoError(t, err)
		assert.Equal(t, []string{NameBatching, NameMemoization}, tr.Applied())

		m, ok := tree.CapabilityOf[*Memoizer](tr, NameMemoization)
		require.True(t, ok)
		computed := 0
		sum := func() int {
			computed++
			return tree.Read[int](leaf(tr, "n")) + 1
		}

		assert.Equal(t, 2, MemoOf(m, "sum", sum))
		assert.Equal(t, 2, MemoOf(m, "sum", sum))
		assert.Equal(t, 1, computed)

		leaf(tr, "n").Set(5)
		assert.Equal(t, 6, MemoOf(m, "sum", sum))
		assert.Equal(t, 2, computed)

		hits, misses := m.Stats()
		assert.Equal(t, 1, hits)
		assert.Equal(t, 2, misses)
	})

	t.Run("pending writes bypass the cache", func(t *testing.T) {
		tr, _ := batchedTree(t, map[string]any{"n": 1})
		tr, err := tr.With(Batching(), Memoization())
		require.NoError(t, err)
		m, _ := tree.CapabilityOf[*Memoizer](tr, NameMemoization)

		computed := 0
		sum := func() int {
			computed++
			return tree.Read[int](leaf(tr, "n"))
		}
		assert.Equal(t, 1, MemoOf(m, "sum", sum))

		leaf(tr, "n").Set(2)
		assert.Equal(t, 2, MemoOf(m, "sum", sum))
		assert.Equal(t, 2, MemoOf(m, "sum", sum))
		assert.Equal(t, 3, computed)

		tr.Flush()
		assert.Equal(t, 2, MemoOf(m, "sum", sum))
		assert.Equal(t, 2, MemoOf(m, "sum", sum))
		assert.Equal(t, 4, computed)

		m.Close()
	})
}

func TestSerialization(t *testing.T) {
	tr := syncTree(t, map[string]any{
		"user": map[string]any{"first": "Ada", "last": "Lovelace"},
	})
	require.NoError(t, tr.Derived(func(s *tree.Node) map[string]any {
		first := tree.MustAt[*tree.Leaf](s, "user.first")
		last := tree.MustAt[*tree.Leaf](s, "user.last")
		return map[string]any{"user": map[string]any{
			"full": tree.Derived(func() string {
				return tree.Read[string](first) + " " + tree.Read[string](last)
			}),
		}}
	}))
	tr, err := tr.With(Serialization(), Memoization(), Batching())
	require.NoError(t, err)
	assert.Equal(t, []string{NameBatching, NameMemoization, NameSerialization}, tr.Applied())

	s, ok := tree.CapabilityOf[*Serializer](tr, NameSerialization)
	require.True(t, ok)

	saved, err := s.JSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"user":{"first":"Ada","last":"Lovelace","full":"Ada Lovelace"}}`, string(saved))

	leaf(tr, "user.first").Set("Grace")
	now, err := s.JSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"user":{"first":"Grace","last":"Lovelace","full":"Grace Lovelace"}}`, string(now))

	require.NoError(t, s.RestoreJSON(saved))
	assert.Equal(t, "Ada", leaf(tr, "user.first").Get())
	full, _ := tr.State().At("user.full")
	assert.Equal(t, "Ada Lovelace", tree.Read[string](full))

	y, err := s.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(y), "first: Ada")

	require.NoError(t, s.RestoreYAML([]byte("user:\n  last: Hopper\n")))
	assert.Equal(t, "Hopper", leaf(tr, "user.last").Get())

	assert.Error(t, s.RestoreJSON([]byte("{")))
	assert.Error(t, s.RestoreYAML([]byte("user: [")))
}

func TestTimeTravel(t *testing.T) {
	t.Run("one entry per flush", func(t *testing.T) {
		tr, q := batchedTree(t, map[string]any{"count": 0, "name": "a"})
		tr, err := tr.With(TimeTravel(10), Batching())
		require.NoError(t, err)
		h, ok := tree.CapabilityOf[*History](tr, NameTimeTravel)
		require.True(t, ok)
		require.Len(t, h.Entries(), 1)
		first := h.Current().ID

		leaf(tr, "count").Set(1)
		q.Drain()
		leaf(tr, "count").Set(2)
		leaf(tr, "name").Set("b")
		q.Drain()
		require.Len(t, h.Entries(), 3)

		require.NoError(t, h.Undo())
		assert.Equal(t, 1, leaf(tr, "count").Get())
		assert.Equal(t, "a", leaf(tr, "name").Get())
		assert.True(t, h.CanRedo())
		assert.Len(t, h.Entries(), 3)

		require.NoError(t, h.Redo())
		assert.Equal(t, 2, leaf(tr, "count").Get())
		assert.Equal(t, "b", leaf(tr, "name").Get())

		require.NoError(t, h.Undo())
		require.NoError(t, h.Undo())
		assert.Equal(t, 0, leaf(tr, "count").Get())
		assert.False(t, h.CanUndo())
		assert.ErrorIs(t, h.Undo(), ErrNoHistory)

		leaf(tr, "count").Set(5)
		q.Drain()
		assert.Len(t, h.Entries(), 2)
		assert.False(t, h.CanRedo())
		assert.ErrorIs(t, h.Redo(), ErrNoHistory)

		require.NoError(t, h.Jump(first))
		assert.Equal(t, 0, leaf(tr, "count").Get())
		assert.ErrorIs(t, h.Jump("missing"), ErrNoHistory)
	})

	t.Run("a batch is one entry", func(t *testing.T) {
		tr, _ := batchedTree(t, map[string]any{"count": 0})
		tr, err := tr.With(Batching(), TimeTravel(0))
		require.NoError(t, err)
		h, _ := tree.CapabilityOf[*History](tr, NameTimeTravel)
		b, _ := tree.CapabilityOf[*Batcher](tr, NameBatching)

		b.Batch(func() {
			for i := range 5 {
				leaf(tr, "count").Set(i + 1)
			}
		})
		entries := h.Entries()
		require.Len(t, entries, 2)
		assert.Equal(t, 5, entries[1].State["count"])
	})

	t.Run("limit drops the oldest", func(t *testing.T) {
		tr, q := batchedTree(t, map[string]any{"count": 0})
		tr, err := tr.With(Batching(), TimeTravel(2))
		require.NoError(t, err)
		h, _ := tree.CapabilityOf[*History](tr, NameTimeTravel)
		for i := range 3 {
			leaf(tr, "count").Set(i + 1)
			q.Drain()
		}
		entries := h.Entries()
		require.Len(t, entries, 2)
		assert.Equal(t, 2, entries[0].State["count"])
		assert.Equal(t, 3, entries[1].State["count"])
	})

	t.Run("synchronous writes settle once", func(t *testing.T) {
		q := microtask.NewQueue()
		tr := syncTree(t, map[string]any{"count": 0}, tree.WithScheduler(q))
		tr, err := tr.With(Batching(), TimeTravel(10))
		require.NoError(t, err)
		h, _ := tree.CapabilityOf[*History](tr, NameTimeTravel)

		leaf(tr, "count").Set(1)
		leaf(tr, "count").Set(2)
		assert.Len(t, h.Entries(), 2)
		q.Drain()
		assert.Len(t, h.Entries(), 2)

		require.NoError(t, h.Undo())
		assert.Equal(t, 0, leaf(tr, "count").Get())
		q.Drain()
		assert.Len(t, h.Entries(), 2)
		h.Close()
	})
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr, q := batchedTree(t, map[string]any{
		"a": map[string]any{"x": 0},
		"b": 0,
	})
	tr, err := tr.With(Metrics(reg, "app"))
	require.NoError(t, err)
	m, ok := tree.CapabilityOf[*MutationMetrics](tr, NameMetrics)
	require.True(t, ok)

	leaf(tr, "a.x").Set(1)
	leaf(tr, "a.x").Set(2)
	leaf(tr, "b").Set(1)
	q.Drain()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Mutations.WithLabelValues("a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Mutations.WithLabelValues("b")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Flushes))
	assert.Equal(t, 1, testutil.CollectAndCount(m.FlushSize))

	other, _ := batchedTree(t, map[string]any{"c": 0})
	other, err = other.With(Metrics(reg, "app"))
	require.NoError(t, err)
	m2, _ := tree.CapabilityOf[*MutationMetrics](other, NameMetrics)
	assert.True(t, m.Mutations == m2.Mutations)
	m.Close()
	m2.Close()
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	tr := syncTree(t, map[string]any{"user": map[string]any{"name": "ada"}})
	tr, err := tr.With(Logging(logger, slog.LevelInfo))
	require.NoError(t, err)

	leaf(tr, "user.name").Set("grace")
	out := buf.String()
	assert.Contains(t, out, "tree: mutation")
	assert.Contains(t, out, "path=user.name")
	assert.Contains(t, out, "new=grace")
}

func TestGuard(t *testing.T) {
	var buf bytes.Buffer
	tr := syncTree(t, map[string]any{"age": 1, "name": "ada"},
		tree.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	negative := errors.New("negative")
	tr, err := tr.With(
		Guard("age", func(v any, _ string) error {
			if tree.Read[int](v) < 0 {
				return negative
			}
			return nil
		}),
		Guard("name", func(v any, _ string) error {
			if v == "" {
				return errors.New("empty")
			}
			return nil
		}),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"guard:age", "guard:name"}, tr.Applied())

	leaf(tr, "age").Set(-1)
	assert.Equal(t, 1, leaf(tr, "age").Get())
	leaf(tr, "age").Set(3)
	assert.Equal(t, 3, leaf(tr, "age").Get())
	leaf(tr, "name").Set("")
	assert.Equal(t, "ada", leaf(tr, "name").Get())

	g, ok := tree.CapabilityOf[*GuardStats](tr, "guard:age")
	require.True(t, ok)
	assert.Equal(t, int64(1), g.Rejected())
	assert.Contains(t, buf.String(), "enhancers: write rejected")
}
