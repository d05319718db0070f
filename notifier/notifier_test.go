package notifier

import (
	"testing"

	"github.com/delaneyj/signaltree/microtask"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	newValue, oldValue any
	path               string
}

func record(calls *[]call) Handler {
	return func(newValue, oldValue any, path string) {
		*calls = append(*calls, call{newValue, oldValue, path})
	}
}

func TestBatching(t *testing.T) {
	t.Run("coalesces first old and latest new", func(t *testing.T) {
		q := microtask.NewQueue()
		n := New(WithScheduler(q))
		calls := []call{}
		n.Subscribe("p", record(&calls))

		n.Notify("p", 1, 0)
		n.Notify("p", 2, 0)
		res := n.Notify("p", 3, 0)
		assert.Equal(t, Result{Value: 3}, res)
		assert.Empty(t, calls)
		assert.Equal(t, 1, q.Pending())

		q.Drain()
		require.Len(t, calls, 1)
		assert.Equal(t, call{3, 0, "p"}, calls[0])
	})

	t.Run("unchanged values are dropped", func(t *testing.T) {
		q := microtask.NewQueue()
		n := New(WithScheduler(q))
		calls := []call{}
		n.Subscribe("**", record(&calls))

		n.Notify("a", 1, 0)
		n.Notify("a", 0, 1)
		n.Notify("b", 5, 4)
		q.Drain()
		assert.Equal(t, []call{{5, 4, "b"}}, calls)
	})

	t.Run("handler mutations flush in the next cycle", func(t *testing.T) {
		q := microtask.NewQueue()
		n := New(WithScheduler(q))
		flushes := 0
		n.OnFlush(func() { flushes++ })

		calls := []call{}
		n.Subscribe("a", func(newValue, oldValue any, path string) {
			n.Notify("b", newValue.(int)*10, 0)
		})
		n.Subscribe("b", record(&calls))

		n.Notify("a", 1, 0)
		q.Drain()
		assert.Equal(t, []call{{10, 0, "b"}}, calls)
		assert.Equal(t, 2, flushes)
	})

	t.Run("flush sync", func(t *testing.T) {
		q := microtask.NewQueue()
		n := New(WithScheduler(q))
		calls := []call{}
		flushes := 0
		n.Subscribe("x.*", record(&calls))
		n.OnFlush(func() { flushes++ })

		n.Notify("x.y", 1, 0)
		assert.True(t, n.HasPending())
		n.FlushSync()
		assert.False(t, n.HasPending())
		assert.Equal(t, []call{{1, 0, "x.y"}}, calls)

		// The already scheduled checkpoint finds nothing left to deliver.
		q.Drain()
		assert.Len(t, calls, 1)
		assert.Equal(t, 1, flushes)
	})

	t.Run("hold", func(t *testing.T) {
		q := microtask.NewQueue()
		n := New(WithScheduler(q))
		calls := []call{}
		n.Subscribe("p", record(&calls))

		release := n.Hold()
		n.Notify("p", 1, 0)
		assert.Zero(t, q.Pending())
		release()
		release()
		assert.Equal(t, 1, q.Pending())
		q.Drain()
		assert.Len(t, calls, 1)
	})
}

func TestSynchronous(t *testing.T) {
	t.Run("every notify delivers", func(t *testing.T) {
		n := New(WithBatching(false))
		calls := []call{}
		n.Subscribe("p", record(&calls))

		n.Notify("p", 1, 0)
		n.Notify("p", 2, 1)
		n.Notify("p", 3, 2)
		require.Len(t, calls, 3)
		assert.Equal(t, call{3, 2, "p"}, calls[2])
	})

	t.Run("interceptor blocks", func(t *testing.T) {
		n := New(WithBatching(false))
		calls := []call{}
		n.Subscribe("p", record(&calls))
		n.Intercept("p", func(newValue, oldValue any, path string) Decision {
			return Block()
		})

		res := n.Notify("p", 1, 0)
		assert.True(t, res.Blocked)
		assert.Equal(t, 0, res.Value)
		assert.Empty(t, calls)
	})

	t.Run("interceptors transform in registration order", func(t *testing.T) {
		n := New(WithBatching(false))
		calls := []call{}
		n.Subscribe("user.*", record(&calls))
		n.Intercept("**", func(newValue, oldValue any, path string) Decision {
			return Transform(newValue.(string) + "-a")
		})
		n.Intercept("user.name", func(newValue, oldValue any, path string) Decision {
			return Transform(newValue.(string) + "-b")
		})

		res := n.Notify("user.name", "x", "")
		assert.Equal(t, "x-a-b", res.Value)
		assert.Equal(t, []call{{"x-a-b", "", "user.name"}}, calls)
	})

	t.Run("panicking subscriber is isolated", func(t *testing.T) {
		n := New(WithBatching(false))
		calls := []call{}
		n.Subscribe("p", func(any, any, string) { panic("boom") })
		n.Subscribe("p", record(&calls))
		n.Notify("p", 1, 0)
		assert.Len(t, calls, 1)
	})

	t.Run("unsubscribe only removes one", func(t *testing.T) {
		n := New(WithBatching(false))
		first, second := []call{}, []call{}
		unsub := n.Subscribe("p", record(&first))
		n.Subscribe("p", record(&second))
		unsub()
		unsub()
		n.Notify("p", 1, 0)
		assert.Empty(t, first)
		assert.Len(t, second, 1)
	})
}

func TestFlushListenersIsolated(t *testing.T) {
	q := microtask.NewQueue()
	n := New(WithScheduler(q))
	ran := false
	n.OnFlush(func() { panic("boom") })
	n.OnFlush(func() { ran = true })
	n.Notify("p", 1, 0)
	q.Drain()
	assert.True(t, ran)
}

func TestMatch(t *testing.T) {
	assert.True(t, Match("a.b", "a.b"))
	assert.False(t, Match("a.b", "a.bc"))
	assert.True(t, Match("a.*", "a.b"))
	assert.True(t, Match("a.*", "a.b.c"))
	assert.False(t, Match("a.*", "a"))
	assert.False(t, Match("a.*", "ab.c"))
	assert.True(t, Match("**", "anything.at.all"))
	assert.False(t, Match("a.**", "a.b"))
	assert.Equal(t, "a.b.c", Join("a", "", "b", "c"))
}

func TestDefaultSingleton(t *testing.T) {
	n := Default()
	calls := []call{}
	n.Subscribe("p", record(&calls))
	ResetDefault()
	assert.Same(t, n, Default())

	n.SetBatching(false)
	defer n.SetBatching(true)
	n.Notify("p", 1, 0)
	assert.Empty(t, calls)

	n.Subscribe("p", record(&calls))
	n.Notify("p", 1, 0)
	assert.Len(t, calls, 1)
	ResetDefault()
}
