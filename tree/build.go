package tree

import (
	"encoding"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/delaneyj/signaltree/marker"
	"github.com/delaneyj/signaltree/microtask"
	"github.com/delaneyj/signaltree/notifier"
	"github.com/delaneyj/signaltree/reactively"
)

// Frozen marks an object that must not be mutated or proxied. Frozen
// subtrees are always built eagerly from a copy.
type Frozen map[string]any

// Freeze marks m as frozen.
func Freeze(m map[string]any) Frozen {
	return Frozen(m)
}

// core is shared by every node of one tree.
type core struct {
	rctx      *reactively.Context
	notifier  *notifier.Notifier
	scheduler microtask.Scheduler
	registry  *marker.Registry
	logger    *slog.Logger
	lazy      bool
	memory    *memory
	dev       bool
	warned    mapset.Set[string]
	// pinning is non-zero while a derived factory runs; children it
	// reaches are pinned.
	pinning int
}

func (c *core) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.Default()
}

func (c *core) env(path string) marker.Env {
	return marker.Env{
		Path:      path,
		Notifier:  c.notifier,
		Reactive:  c.rctx,
		Scheduler: c.scheduler,
		Logger:    c.logger,
	}
}

// build turns one raw value into its tree form. Markers stay in place for
// the marker pass, reactive values pass through, objects become nodes and
// everything else becomes a leaf.
func (c *core) build(parent *Node, path string, v any) any {
	switch x := v.(type) {
	case marker.Marker:
		return x
	case Accessor:
		return x
	case reactively.Cell:
		return x
	case Frozen:
		return c.buildObject(parent, path, x, true)
	case map[string]any:
		return c.buildObject(parent, path, x, false)
	default:
		return newLeaf(c, path, v)
	}
}

func (c *core) buildObject(parent *Node, path string, m map[string]any, frozen bool) any {
	origin := mapID(m)
	if origin != 0 {
		for p := parent; p != nil; p = p.parent {
			if p.origin == origin {
				// Self-reference: keep the cycle as an opaque value.
				return newLeaf(c, path, m)
			}
		}
	}
	return c.newNode(parent, path, m, origin, frozen)
}

func (c *core) newNode(parent *Node, path string, m map[string]any, origin uintptr, frozen bool) *Node {
	if parent != nil && parent.frozen {
		frozen = true
	}
	n := &Node{
		core:   c,
		parent: parent,
		path:   path,
		origin: origin,
		frozen: frozen,
		keys:   sortedKeys(m),
		raw:    map[string]any{},
		built:  make(map[string]any, len(m)),
		shape:  reactively.Signal(c.rctx, 0),
	}
	for _, k := range n.keys {
		v := m[k]
		_, frozenChild := v.(Frozen)
		if c.lazy && !frozen && !frozenChild {
			n.raw[k] = v
			continue
		}
		n.built[k] = c.build(n, notifier.Join(path, k), v)
	}
	return n
}

// normalize converts the initial state into a plain object. Structs (by
// json field name) and string-keyed maps are converted recursively; slices
// and other values are kept as they are.
func normalize(state any) (map[string]any, bool, error) {
	switch x := state.(type) {
	case Frozen:
		return x, true, nil
	case map[string]any:
		return x, false, nil
	case nil:
		return map[string]any{}, false, nil
	}
	v, ok := normalizeValue(reflect.ValueOf(state)).(map[string]any)
	if !ok {
		return nil, false, fmt.Errorf("%w: initial state is %T", ErrNotObject, state)
	}
	return v, false, nil
}

var (
	textMarshaler = reflect.TypeFor[encoding.TextMarshaler]()
	jsonMarshaler = reflect.TypeFor[json.Marshaler]()
)

func normalizeValue(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}
	if v.CanInterface() {
		switch x := v.Interface().(type) {
		case marker.Marker, Accessor, reactively.Cell:
			return x
		}
	}
	if v.Kind() == reflect.Pointer && !v.IsNil() && v.Elem().Kind() == reflect.Struct {
		v = v.Elem()
	}
	t := v.Type()
	switch {
	case t.Implements(textMarshaler), t.Implements(jsonMarshaler):
		return v.Interface()
	case t.Kind() == reflect.Struct:
		out := map[string]any{}
		normalizeStruct(v, out)
		if len(out) == 0 {
			return v.Interface()
		}
		return out
	case t.Kind() == reflect.Map && t.Key().Kind() == reflect.String:
		if v.IsNil() {
			return v.Interface()
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = normalizeValue(iter.Value())
		}
		return out
	case t.Kind() == reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return normalizeValue(v.Elem())
	default:
		return v.Interface()
	}
}

func normalizeStruct(v reflect.Value, out map[string]any) {
	t := v.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		if f.Anonymous && f.Type.Kind() == reflect.Struct && name == f.Name {
			normalizeStruct(v.Field(i), out)
			continue
		}
		out[name] = normalizeValue(v.Field(i))
	}
}

// Security bounds what the initial state may contain.
type Security struct {
	// MaxDepth limits object nesting; 0 means unlimited.
	MaxDepth int
	// BlockedKeys are rejected anywhere in the state.
	BlockedKeys []string
	// RejectFuncs refuses function values.
	RejectFuncs bool
}

// DefaultSecurity blocks the keys that enable prototype pollution when
// state is shared with JavaScript clients.
func DefaultSecurity() Security {
	return Security{
		MaxDepth:    64,
		BlockedKeys: []string{"__proto__", "constructor", "prototype"},
	}
}

func (s Security) validate(state map[string]any) error {
	visited := mapset.NewThreadUnsafeSet[uintptr]()
	return s.walk(state, "", 1, visited)
}

func (s Security) walk(m map[string]any, path string, depth int, visited mapset.Set[uintptr]) error {
	if !visited.Add(mapID(m)) {
		return nil
	}
	if s.MaxDepth > 0 && depth > s.MaxDepth {
		return fmt.Errorf("%w: %q exceeds max depth %d", ErrSecurity, path, s.MaxDepth)
	}
	for _, k := range sortedKeys(m) {
		p := notifier.Join(path, k)
		if slices.Contains(s.BlockedKeys, k) {
			return fmt.Errorf("%w: key %q is blocked", ErrSecurity, p)
		}
		switch x := m[k].(type) {
		case map[string]any:
			if err := s.walk(x, p, depth+1, visited); err != nil {
				return err
			}
		case Frozen:
			if err := s.walk(x, p, depth+1, visited); err != nil {
				return err
			}
		default:
			if s.RejectFuncs && x != nil && reflect.TypeOf(x).Kind() == reflect.Func {
				return fmt.Errorf("%w: function value at %q", ErrSecurity, p)
			}
		}
	}
	return nil
}

// countKeys estimates the size of the state, stopping at limit.
func countKeys(m map[string]any, limit int, visited mapset.Set[uintptr]) int {
	if !visited.Add(mapID(m)) {
		return 0
	}
	count := 0
	for _, v := range m {
		count++
		if count > limit {
			return count
		}
		switch x := v.(type) {
		case map[string]any:
			count += countKeys(x, limit-count, visited)
		case Frozen:
			count += countKeys(x, limit-count, visited)
		}
	}
	return count
}

func mapID(m map[string]any) uintptr {
	if m == nil {
		return 0
	}
	return reflect.ValueOf(m).Pointer()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
