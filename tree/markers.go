package tree

import (
	"log/slog"
	"reflect"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/delaneyj/signaltree/marker"
	"github.com/delaneyj/signaltree/notifier"
	"github.com/delaneyj/signaltree/reactively"
)

// HasMarkers reports whether anything below v still carries a marker tag.
// It is the cheap pre-check that lets trees without markers skip the
// materialization walk. Cycles are followed once.
func HasMarkers(v any) bool {
	return hasMarkers(v, mapset.NewThreadUnsafeSet[uintptr]())
}

func hasMarkers(v any, visited mapset.Set[uintptr]) bool {
	switch x := v.(type) {
	case marker.Marker:
		return true
	case Branch:
		if !visited.Add(identity(x)) {
			return false
		}
		for _, k := range x.Keys() {
			child, _ := x.Peek(k)
			if hasMarkers(child, visited) {
				return true
			}
		}
	case map[string]any:
		return hasMarkersInMap(x, visited)
	case Frozen:
		return hasMarkersInMap(x, visited)
	}
	return false
}

func hasMarkersInMap(m map[string]any, visited mapset.Set[uintptr]) bool {
	if !visited.Add(mapID(m)) {
		return false
	}
	for _, child := range m {
		if hasMarkers(child, visited) {
			return true
		}
	}
	return false
}

// markerWalker replaces markers with their materialized objects.
type markerWalker struct {
	registry *marker.Registry
	env      func(path string) marker.Env
	logger   *slog.Logger
	dev      bool
	warned   mapset.Set[string]
	visited  mapset.Set[uintptr]
	failures []error
}

// MaterializeMarkers walks target (a Branch or a plain map) depth first and
// replaces every registered marker in place. Factory failures are logged
// and collected; the walk always completes. Plain maps are mutated in place,
// frozen maps are left alone.
func MaterializeMarkers(target any, env marker.Env, registry *marker.Registry) []error {
	if registry == nil {
		registry = marker.Default()
	}
	w := &markerWalker{
		registry: registry,
		env: func(path string) marker.Env {
			e := env
			e.Path = path
			return e
		},
		logger: env.Log(),
		dev:    true,
		warned: mapset.NewThreadUnsafeSet[string](),
	}
	w.walk(target, env.Path)
	return w.failures
}

func (c *core) materializeMarkers(root *Node) []error {
	if !HasMarkers(root) {
		return nil
	}
	w := &markerWalker{
		registry: c.registry,
		env:      c.env,
		logger:   c.log(),
		dev:      c.dev,
		warned:   c.warned,
	}
	w.walk(root, root.path)
	return w.failures
}

func (w *markerWalker) walk(target any, path string) {
	w.visited = mapset.NewThreadUnsafeSet[uintptr]()
	switch x := target.(type) {
	case Branch:
		w.walkBranch(x, path)
	case map[string]any:
		w.walkMap(x, path)
	}
}

func (w *markerWalker) walkBranch(b Branch, path string) {
	if !w.visited.Add(identity(b)) {
		return
	}
	for _, k := range b.Keys() {
		childPath := notifier.Join(path, k)
		v, _ := b.Peek(k)
		switch x := v.(type) {
		case marker.Marker:
			if live, ok := w.materialize(x, childPath); ok {
				b.Replace(k, live)
			}
		case Branch:
			w.walkBranch(x, childPath)
		case map[string]any, Frozen:
			// Raw lazy child: build it only when something inside needs work.
			if !hasMarkers(x, mapset.NewThreadUnsafeSet[uintptr]()) {
				continue
			}
			if child, ok := b.Child(k); ok {
				if cb, ok := child.(Branch); ok {
					w.walkBranch(cb, childPath)
				}
			}
		}
	}
}

func (w *markerWalker) walkMap(m map[string]any, path string) {
	if !w.visited.Add(mapID(m)) {
		return
	}
	for _, k := range sortedKeys(m) {
		childPath := notifier.Join(path, k)
		switch x := m[k].(type) {
		case marker.Marker:
			if live, ok := w.materialize(x, childPath); ok {
				m[k] = live
			}
		case Branch:
			w.walkBranch(x, childPath)
		case reactively.Cell:
		case map[string]any:
			w.walkMap(x, childPath)
		case Frozen:
			if hasMarkers(x, mapset.NewThreadUnsafeSet[uintptr]()) {
				w.logger.Warn("tree: markers inside a frozen object are not materialized", slog.String("path", childPath))
			}
		}
	}
}

func (w *markerWalker) materialize(m marker.Marker, path string) (any, bool) {
	if !w.registry.IsRegistered(m) {
		if w.dev && w.warned.Add(path) {
			w.logger.Warn("tree: value carries a marker tag with no registered processor; register it before building the tree",
				slog.String("path", path),
				slog.Uint64("tag", uint64(m.MarkerTag())),
			)
		}
		return nil, false
	}
	live, err := w.registry.Materialize(m, w.env(path))
	if err != nil {
		err = &MaterializeError{Path: path, Cause: err}
		w.failures = append(w.failures, err)
		w.logger.Error("tree: marker materialization failed", slog.String("path", path), slog.Any("err", err))
		return nil, false
	}
	return live, true
}

func identity(v any) uintptr {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Func, reflect.Slice, reflect.Chan, reflect.UnsafePointer:
		return rv.Pointer()
	}
	return 0
}
