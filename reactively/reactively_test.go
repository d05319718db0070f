package reactively

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCore(t *testing.T) {
	/*
	   a  b
	   | /
	   c
	*/
	t.Run("two signals", func(t *testing.T) {
		rctx := NewContext()

		a := Signal(rctx, 7)
		b := Signal(rctx, 1)
		callCount := 0

		c := Memo(rctx, func() int {
			callCount++
			return a.Read() * b.Read()
		})

		assert.Equal(t, 7, c.Read())

		a.Write(2)
		assert.Equal(t, 2, c.Read())

		b.Write(3)
		assert.Equal(t, 6, c.Read())

		assert.Equal(t, 3, callCount)
		c.Read()
		assert.Equal(t, 3, callCount)
	})

	/*
	   a  b
	   | /
	   c
	   |
	   d
	*/
	t.Run("dependent computed", func(t *testing.T) {
		rctx := NewContext()
		a := Signal(rctx, 7)
		b := Signal(rctx, 1)

		callCount1 := 0
		c := Memo(rctx, func() int {
			callCount1++
			return a.Read() * b.Read()
		})

		callCount2 := 0
		d := Memo(rctx, func() int {
			callCount2++
			return c.Read() + 1
		})

		assert.Equal(t, 8, d.Read())
		assert.Equal(t, 1, callCount1)
		assert.Equal(t, 1, callCount2)
		a.Write(3)
		assert.Equal(t, 4, d.Read())
		assert.Equal(t, 2, callCount1)
		assert.Equal(t, 2, callCount2)
	})

	/*
	   a
	   |
	   c
	*/
	t.Run("equality check", func(t *testing.T) {
		callCount := 0
		rctx := NewContext()
		a := Signal(rctx, 7)
		c := Memo(rctx, func() int {
			callCount++
			return a.Read() + 10
		})

		c.Read()
		c.Read()
		assert.Equal(t, 1, callCount)
		a.Write(7)
		assert.Equal(t, 1, callCount) // unchanged, equality check
	})

	/*
	   a     b
	   |     |
	   cA   cB
	   |   / (dynamically depends on cB)
	   cAB
	*/
	t.Run("dynamic computed", func(t *testing.T) {
		rctx := NewContext()
		a := Signal(rctx, 1)
		b := Signal(rctx, 2)
		var callCountA, callCountB, callCountAB int

		cA := Memo(rctx, func() int {
			callCountA++
			return a.Read()
		})

		cB := Memo(rctx, func() int {
			callCountB++
			return b.Read()
		})

		cAB := Memo(rctx, func() int {
			callCountAB++
			if av := cA.Read(); av != 0 {
				return av
			}
			return cB.Read()
		})

		assert.Equal(t, 1, cAB.Read())
		a.Write(2)
		b.Write(3)
		assert.Equal(t, 2, cAB.Read())

		assert.Equal(t, 2, callCountA)
		assert.Equal(t, 2, callCountAB)
		assert.Equal(t, 0, callCountB)
		a.Write(0)
		assert.Equal(t, 3, cAB.Read())
		assert.Equal(t, 3, callCountA)
		assert.Equal(t, 3, callCountAB)
		assert.Equal(t, 1, callCountB)
		b.Write(4)
		assert.Equal(t, 4, cAB.Read())
		assert.Equal(t, 3, callCountA)
		assert.Equal(t, 4, callCountAB)
		assert.Equal(t, 2, callCountB)
	})

	/*
	   a
	   |
	   b (=)
	   |
	   c
	*/
	t.Run("boolean equality check", func(t *testing.T) {
		rctx := NewContext()
		a := Signal(rctx, 0)
		b := Memo(rctx, func() bool {
			return a.Read() > 0
		})
		callCount := 0

		c := Memo(rctx, func() int {
			callCount++
			if b.Read() {
				return 1
			}
			return 0
		})

		assert.Equal(t, 0, c.Read())
		assert.Equal(t, 1, callCount)

		a.Write(1)
		assert.Equal(t, 1, c.Read())
		assert.Equal(t, 2, callCount)

		a.Write(2)
		assert.Equal(t, 1, c.Read())
		assert.Equal(t, 2, callCount) // unchanged, oughtn't run because bool didn't change
	})

	/*
	   s
	   |
	   a
	   | \
	   b  c
	    \ |
	      d
	*/
	t.Run("diamond computeds", func(t *testing.T) {
		rctx := NewContext()
		s := Signal(rctx, 1)
		a := Memo(rctx, func() int {
			return s.Read()
		})
		b := Memo(rctx, func() int {
			return a.Read() * 2
		})
		c := Memo(rctx, func() int {
			return a.Read() * 3
		})
		callCount := 0
		d := Memo(rctx, func() int {
			callCount++
			return b.Read() + c.Read()
		})

		assert.Equal(t, 5, d.Read())
		assert.Equal(t, 1, callCount)
		s.Write(2)
		assert.Equal(t, 10, d.Read())
		assert.Equal(t, 2, callCount)
		s.Write(3)
		assert.Equal(t, 15, d.Read())
		assert.Equal(t, 3, callCount)

	})

	/*
	   s
	   |
	   l  a (sets s)
	*/
	t.Run("set inside reaction", func(t *testing.T) {
		rctx := NewContext()
		s := Signal(rctx, 1)
		a := Memo(rctx, func() bool {
			s.Write(2)
			return true
		})
		l := Memo(rctx, func() int {
			return s.Read() + 100
		})

		a.Read()
		assert.Equal(t, 102, l.Read())
	})
}

func TestEffects(t *testing.T) {
	t.Run("effect reruns on change", func(t *testing.T) {
		rctx := NewContext()
		a := Signal(rctx, 1)
		doubled := Memo(rctx, func() int { return a.Read() * 2 })
		seen := []int{}
		stop := Effect(rctx, func() {
			seen = append(seen, doubled.Read())
		})

		a.Write(2)
		a.Write(2)
		a.Write(3)
		assert.Equal(t, []int{2, 4, 6}, seen)

		stop()
		a.Write(4)
		assert.Equal(t, []int{2, 4, 6}, seen)
	})

	t.Run("batch defers effects", func(t *testing.T) {
		rctx := NewContext()
		a := Signal(rctx, 0)
		b := Signal(rctx, 0)
		runs := 0
		Effect(rctx, func() {
			a.Read()
			b.Read()
			runs++
		})
		rctx.Batch(func() {
			a.Write(1)
			b.Write(1)
			assert.Equal(t, 1, runs)
		})
		assert.Equal(t, 2, runs)
	})

	t.Run("untracked reads", func(t *testing.T) {
		rctx := NewContext()
		a := Signal(rctx, 1)
		b := Signal(rctx, 10)
		calls := 0
		c := Memo(rctx, func() int {
			calls++
			return a.Read() + Untracked(rctx, b.Read)
		})
		assert.Equal(t, 11, c.Read())
		b.Write(20)
		assert.Equal(t, 11, c.Read())
		assert.Equal(t, 1, calls)
		a.Write(2)
		assert.Equal(t, 22, c.Read())
	})
}

func TestCells(t *testing.T) {
	rctx := NewContext()

	s := Signal[any](rctx, []any{1, 2})
	require.NoError(t, s.WriteAny([]any{1, 2, 3}))
	assert.Equal(t, []any{1, 2, 3}, s.ReadAny())
	assert.False(t, s.Readonly())

	typed := Signal(rctx, "x")
	var typeErr *TypeError
	assert.ErrorAs(t, typed.WriteAny(3), &typeErr)

	m := Memo(rctx, func() string { return typed.Read() + "!" })
	assert.True(t, m.Readonly())
	assert.ErrorIs(t, m.WriteAny("y"), ErrReadonly)
	assert.True(t, IsCell(m))
	assert.False(t, IsCell("plain"))

	s.Update(func(v any) any { return append(v.([]any), 4) })
	assert.Len(t, s.Peek(), 4)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal[any](nil, nil))
	assert.False(t, Equal[any](nil, 0))
	assert.True(t, Equal[any](3, 3))
	assert.False(t, Equal[any](3, int64(3)))
	assert.True(t, Equal[any](map[string]any{"a": []any{1}}, map[string]any{"a": []any{1}}))
	f := func() {}
	assert.False(t, Equal[any](f, f))
}
