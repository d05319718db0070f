package tree

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/delaneyj/signaltree/marker"
	"github.com/delaneyj/signaltree/notifier"
	"github.com/delaneyj/signaltree/reactively"
)

// Accessor is a materialized tree position: a node, a leaf, or a live object
// that replaced a marker.
type Accessor interface {
	// Unwrap returns the current plain value.
	Unwrap() any
	// Assign writes a whole plain value.
	Assign(v any) error
}

// Branch is an Accessor that also exposes children, the Go form of a
// callable object carrying child properties.
type Branch interface {
	Accessor
	Keys() []string
	// Peek returns the stored child without building it.
	Peek(key string) (any, bool)
	// Child returns the child, building it first in lazy mode.
	Child(key string) (any, bool)
	// Replace swaps the child in place.
	Replace(key string, v any)
}

// Leaf holds a scalar, slice, function or other atomic value.
type Leaf struct {
	core   *core
	path   string
	cell   *reactively.Reactive[any]
	pinned bool
}

func newLeaf(c *core, path string, v any) *Leaf {
	return &Leaf{
		core: c,
		path: path,
		cell: reactively.Signal[any](c.rctx, v),
	}
}

func (l *Leaf) Path() string { return l.path }

// Cell exposes the underlying reactive value.
func (l *Leaf) Cell() *reactively.Reactive[any] { return l.cell }

func (l *Leaf) Get() any { return l.cell.Read() }

// Set writes v and publishes the mutation. With a synchronous notifier an
// interceptor can block (the old value is restored) or transform the write.
func (l *Leaf) Set(v any) {
	old := l.cell.Peek()
	if reactively.Equal(old, v) {
		return
	}
	l.cell.Write(v)
	res := l.core.notifier.Notify(l.path, v, old)
	switch {
	case res.Blocked:
		l.cell.Write(old)
	case !reactively.Equal(res.Value, v):
		l.cell.Write(res.Value)
	}
}

func (l *Leaf) Update(fn func(any) any) {
	l.Set(fn(l.cell.Peek()))
}

func (l *Leaf) Unwrap() any { return l.Get() }

func (l *Leaf) Assign(v any) error {
	l.Set(v)
	return nil
}

// Node is a nested object position. Its children are nodes, leaves, live
// marker objects, computed cells or, in lazy mode, raw values not yet built.
type Node struct {
	core   *core
	parent *Node
	path   string
	pinned bool
	origin uintptr
	frozen bool

	keys  []string
	raw   map[string]any
	built map[string]any
	shape *reactively.Reactive[int]
}

func (n *Node) Path() string { return n.path }

func (n *Node) Keys() []string {
	n.shape.Read()
	return slices.Clone(n.keys)
}

func (n *Node) Has(key string) bool {
	_, ok := n.Peek(key)
	return ok
}

func (n *Node) Peek(key string) (any, bool) {
	if v, ok := n.built[key]; ok {
		return v, true
	}
	v, ok := n.raw[key]
	return v, ok
}

func (n *Node) Child(key string) (any, bool) {
	if v, ok := n.built[key]; ok {
		n.core.pin(v)
		return v, true
	}
	v, ok := n.raw[key]
	if !ok {
		return nil, false
	}
	child := n.core.build(n, notifier.Join(n.path, key), v)
	n.built[key] = child
	delete(n.raw, key)
	if n.core.memory != nil {
		n.core.memory.track(n)
	}
	n.core.pin(child)
	return child, true
}

// At walks a dot path below n, building lazy children on the way.
func (n *Node) At(path string) (any, bool) {
	if path == "" {
		return n, true
	}
	var cur any = n
	for _, seg := range splitPath(path) {
		b, ok := cur.(Branch)
		if !ok {
			return nil, false
		}
		if cur, ok = b.Child(seg); !ok {
			return nil, false
		}
	}
	return cur, true
}

// Node returns the nested node at path.
func (n *Node) Node(path string) (*Node, bool) {
	v, ok := n.At(path)
	if !ok {
		return nil, false
	}
	child, ok := v.(*Node)
	return child, ok
}

// Leaf returns the leaf at path.
func (n *Node) Leaf(path string) (*Leaf, bool) {
	v, ok := n.At(path)
	if !ok {
		return nil, false
	}
	l, ok := v.(*Leaf)
	return l, ok
}

func (n *Node) Replace(key string, v any) {
	if _, ok := n.Peek(key); !ok {
		n.keys = append(n.keys, key)
	}
	delete(n.raw, key)
	n.built[key] = v
	n.shape.Update(func(i int) int { return i + 1 })
}

// Get reads the whole subtree as plain data.
func (n *Node) Get() any {
	n.shape.Read()
	out := make(map[string]any, len(n.keys))
	for _, k := range n.keys {
		child, _ := n.Child(k)
		out[k] = unwrap(child, nil)
	}
	return out
}

// Set assigns the keys present in v and leaves the others untouched.
func (n *Node) Set(v any) {
	if err := n.Assign(v); err != nil {
		n.core.log().Warn("tree: assignment partially failed", slog.String("path", n.path), slog.Any("err", err))
	}
}

func (n *Node) Update(fn func(any) any) {
	n.Set(fn(n.Get()))
}

func (n *Node) Unwrap() any { return n.Get() }

func (n *Node) Assign(v any) error {
	return n.assign(v, false)
}

// assign merges v into n. With skipReadonly computed positions are left
// alone instead of failing, which lets a full snapshot be written back.
func (n *Node) assign(v any, skipReadonly bool) error {
	var m map[string]any
	switch x := v.(type) {
	case map[string]any:
		m = x
	case Frozen:
		m = x
	default:
		return fmt.Errorf("%w: cannot assign %T to %q", ErrNotObject, v, n.path)
	}

	var errs []error
	n.core.rctx.Batch(func() {
		for _, k := range sortedKeys(m) {
			val := m[k]
			child, ok := n.Child(k)
			if !ok {
				n.addChild(k, val)
				continue
			}
			if err := n.assignChild(k, child, val, skipReadonly); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (n *Node) assignChild(key string, child, val any, skipReadonly bool) error {
	switch c := child.(type) {
	case *Node:
		return c.assign(val, skipReadonly)
	case Accessor:
		return c.Assign(val)
	case reactively.WritableCell:
		if c.Readonly() {
			if skipReadonly {
				return nil
			}
			return fmt.Errorf("%w: %q", ErrReadonly, notifier.Join(n.path, key))
		}
		return c.WriteAny(val)
	case reactively.Cell:
		if skipReadonly {
			return nil
		}
		return fmt.Errorf("%w: %q", ErrReadonly, notifier.Join(n.path, key))
	default:
		n.Replace(key, n.core.build(n, notifier.Join(n.path, key), val))
		return nil
	}
}

func (n *Node) addChild(key string, v any) {
	n.keys = append(n.keys, key)
	if n.core.lazy && !n.frozen {
		n.raw[key] = v
	} else {
		n.built[key] = n.core.build(n, notifier.Join(n.path, key), v)
	}
	n.shape.Update(func(i int) int { return i + 1 })
}

// release hands cached children back to the raw backing map with their
// current values. Live marker objects, computed cells, and anything a
// computed value may read stay, along with the nodes that hold them.
func (n *Node) release() int {
	released := 0
	for k, v := range n.built {
		switch child := v.(type) {
		case *Leaf:
			if child.retained() {
				continue
			}
			n.raw[k] = child.cell.Peek()
		case *Node:
			if child.retained() {
				continue
			}
			if child.frozen {
				n.raw[k] = Frozen(child.snapshot())
			} else {
				n.raw[k] = child.snapshot()
			}
		default:
			continue
		}
		delete(n.built, k)
		released++
	}
	return released
}

// retained reports whether the leaf was reached by a derived factory or is
// read by a memo or effect.
func (l *Leaf) retained() bool {
	return l.pinned || l.cell.Observed()
}

// retained reports whether the node or any built position below it must
// survive disposal.
func (n *Node) retained() bool {
	if n.pinned {
		return true
	}
	for _, v := range n.built {
		switch child := v.(type) {
		case *Leaf:
			if child.retained() {
				return true
			}
		case *Node:
			if child.retained() {
				return true
			}
		default:
			return true
		}
	}
	return false
}

// snapshot reads the subtree without building lazy children or registering
// dependencies.
func (n *Node) snapshot() map[string]any {
	out := make(map[string]any, len(n.keys))
	for _, k := range n.keys {
		v, _ := n.Peek(k)
		switch child := v.(type) {
		case *Leaf:
			out[k] = child.cell.Peek()
		case *Node:
			out[k] = child.snapshot()
		default:
			out[k] = reactively.Untracked(n.core.rctx, func() any { return unwrap(child, nil) })
		}
	}
	return out
}

// unwrap converts a child into plain data. Raw maps are copied with a
// visited set so self-references come back as the original map.
func unwrap(v any, visited map[uintptr]bool) any {
	switch x := v.(type) {
	case Accessor:
		return x.Unwrap()
	case reactively.Cell:
		return x.ReadAny()
	case map[string]any:
		return unwrapMap(x, visited)
	case Frozen:
		return unwrapMap(x, visited)
	default:
		return v
	}
}

func unwrapMap(m map[string]any, visited map[uintptr]bool) any {
	id := mapID(m)
	if visited[id] {
		return m
	}
	if visited == nil {
		visited = map[uintptr]bool{}
	}
	visited[id] = true
	defer delete(visited, id)

	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, isMarker := v.(marker.Marker); isMarker {
			out[k] = v
			continue
		}
		out[k] = unwrap(v, visited)
	}
	return out
}

// Read unwraps v (an accessor, a cell or plain data) and asserts it to T.
func Read[T any](v any) T {
	switch x := v.(type) {
	case Accessor:
		v = x.Unwrap()
	case reactively.Cell:
		v = x.ReadAny()
	}
	t, _ := v.(T)
	return t
}

// At returns the child at path asserted to T.
func At[T any](n *Node, path string) (T, bool) {
	v, ok := n.At(path)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// MustAt is At that panics when the path is missing or has another type.
func MustAt[T any](n *Node, path string) T {
	t, ok := At[T](n, path)
	if !ok {
		var zero T
		panic(fmt.Sprintf("tree: no %T at %q", zero, path))
	}
	return t
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}
