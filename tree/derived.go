package tree

import (
	"log/slog"
	"sync"

	"github.com/delaneyj/signaltree/marker"
	"github.com/delaneyj/signaltree/notifier"
	"github.com/delaneyj/signaltree/reactively"
)

var derivedTag = marker.NewTag("derived")

// DerivedMarker is the placeholder for a computed value.
type DerivedMarker struct {
	build func(rctx *reactively.Context) reactively.Cell
}

func (*DerivedMarker) MarkerTag() marker.Tag { return derivedTag }

// Derived declares a computed value. fn reads other tree values; it is
// re-run when any of them change.
func Derived[T any](fn func() T) *DerivedMarker {
	registerDerived()
	return &DerivedMarker{
		build: func(rctx *reactively.Context) reactively.Cell {
			return reactively.Memo(rctx, fn)
		},
	}
}

var derivedOnce sync.Once

func registerDerived() {
	derivedOnce.Do(func() {
		marker.Register(isDerivedMarker, materializeDerived)
	})
}

func isDerivedMarker(v any) bool {
	_, ok := v.(*DerivedMarker)
	return ok
}

func materializeDerived(m marker.Marker, env marker.Env) (any, error) {
	return m.(*DerivedMarker).build(env.Reactive), nil
}

// DerivedFactory returns a layer of derived definitions for the tree whose
// state is s. Nested maps are merged into the existing namespaces.
type DerivedFactory func(s *Node) map[string]any

// mergeDerivedState deep-merges def into the node at path below target.
// Nested objects extend existing nodes instead of replacing them, so live
// siblings (entity maps, leaves) at the same path survive.
func (c *core) mergeDerivedState(target *Node, def map[string]any, path string) error {
	dst := target
	if path != "" {
		v, ok := target.At(path)
		if !ok {
			return c.mergeDerivedState(target, nestUnder(path, def), "")
		}
		n, ok := v.(*Node)
		if !ok {
			return &MergeConflictError{Path: path, Existing: describe(v)}
		}
		dst = n
	}

	for _, key := range sortedKeys(def) {
		val := def[key]
		childPath := notifier.Join(dst.path, key)
		existing, exists := dst.Child(key)

		switch x := val.(type) {
		case *DerivedMarker:
			c.warnCollision(childPath, existing, exists)
			dst.Replace(key, x.build(c.rctx))
		case reactively.Cell:
			c.warnCollision(childPath, existing, exists)
			dst.Replace(key, x)
		case map[string]any, Frozen:
			var nested map[string]any
			if f, ok := x.(Frozen); ok {
				nested = f
			} else {
				nested = x.(map[string]any)
			}
			if !exists {
				child := c.newNode(dst, childPath, map[string]any{}, 0, false)
				dst.Replace(key, child)
				existing = child
			}
			child, ok := existing.(*Node)
			if !ok {
				return &MergeConflictError{Path: childPath, Existing: describe(existing)}
			}
			if err := c.mergeDerivedState(child, nested, ""); err != nil {
				return err
			}
		default:
			c.warnCollision(childPath, existing, exists)
			dst.Replace(key, c.build(dst, childPath, val))
		}
	}
	return nil
}

// applyDerivedFactories runs each factory against the tree as left by the
// previous ones, so later layers can read what earlier layers added.
// Markers introduced by a layer are materialized before the next runs.
// A layer that would conflict is rejected before any of it is merged.
// Marker failures from all layers are returned alongside.
func (c *core) applyDerivedFactories(root *Node, factories ...DerivedFactory) ([]error, error) {
	var failures []error
	for _, factory := range factories {
		def := c.runFactory(factory, root)
		if err := c.checkDerivedState(root, def); err != nil {
			return failures, err
		}
		if err := c.mergeDerivedState(root, def, ""); err != nil {
			return failures, err
		}
		failures = append(failures, c.materializeMarkers(root)...)
	}
	return failures, nil
}

func (c *core) runFactory(factory DerivedFactory, root *Node) map[string]any {
	c.pinning++
	defer func() { c.pinning-- }()
	return factory(root)
}

// checkDerivedState finds the first conflict mergeDerivedState would hit
// without changing the tree.
func (c *core) checkDerivedState(target *Node, def map[string]any) error {
	for _, key := range sortedKeys(def) {
		var nested map[string]any
		switch x := def[key].(type) {
		case map[string]any:
			nested = x
		case Frozen:
			nested = x
		default:
			continue
		}
		existing, exists := target.Child(key)
		if !exists {
			continue
		}
		child, ok := existing.(*Node)
		if !ok {
			return &MergeConflictError{Path: notifier.Join(target.path, key), Existing: describe(existing)}
		}
		if err := c.checkDerivedState(child, nested); err != nil {
			return err
		}
	}
	return nil
}

// pin keeps v through lazy disposal when a derived factory reaches it: the
// factory's computed values hold on to it directly.
func (c *core) pin(v any) {
	if c.pinning == 0 {
		return
	}
	switch x := v.(type) {
	case *Leaf:
		x.pinned = true
	case *Node:
		x.pinned = true
	}
}

func (c *core) warnCollision(path string, existing any, exists bool) {
	if !exists || !c.dev {
		return
	}
	switch existing.(type) {
	case *Leaf, reactively.Cell, Accessor:
		c.log().Warn("tree: derived value overwrites an existing value", slog.String("path", path), slog.String("existing", describe(existing)))
	}
}

func nestUnder(path string, def map[string]any) map[string]any {
	segs := splitPath(path)
	out := def
	for i := len(segs) - 1; i >= 0; i-- {
		out = map[string]any{segs[i]: out}
	}
	return out
}

func describe(v any) string {
	switch v.(type) {
	case *Leaf:
		return "leaf signal"
	case *Node:
		return "node"
	case reactively.Cell:
		return "computed signal"
	case Accessor:
		return "materialized signal"
	case marker.Marker:
		return "marker"
	default:
		return "value"
	}
}
