// Package marker defines the inert placeholder values embedded in raw state
// and the ordered processor registry that turns them into live objects.
//
// A marker is plain data carrying a Tag, the Go stand-in for a symbol key.
// Values without a tag are rejected before any predicate runs.
package marker

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/delaneyj/signaltree/microtask"
	"github.com/delaneyj/signaltree/notifier"
	"github.com/delaneyj/signaltree/reactively"
)

// Tag identifies a marker kind.
type Tag uint64

// NewTag derives a stable tag from a kind name.
func NewTag(kind string) Tag {
	return Tag(xxhash.Sum64String("signaltree:" + kind))
}

// Marker is implemented by every placeholder value.
type Marker interface {
	MarkerTag() Tag
}

// Env is handed to a Factory when a marker is materialized.
type Env struct {
	Path      string
	Notifier  *notifier.Notifier
	Reactive  *reactively.Context
	Scheduler microtask.Scheduler
	Logger    *slog.Logger
}

// Segments splits Path on dots.
func (e Env) Segments() []string {
	if e.Path == "" {
		return nil
	}
	return strings.Split(e.Path, ".")
}

// Log returns the configured logger or slog.Default.
func (e Env) Log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Predicate reports whether v is a marker a Factory can handle.
type Predicate func(v any) bool

// Factory materializes a marker.
type Factory func(m Marker, env Env) (any, error)

var ErrNoProcessor = errors.New("marker: no processor registered")

type processor struct {
	id      unsafe.Pointer
	match   Predicate
	factory Factory
}

// Registry is an ordered list of processors. The first matching predicate
// wins.
type Registry struct {
	mu         sync.RWMutex
	processors []processor
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a processor unless the same predicate value is already
// registered. A package-level function is always the same value; each
// closure is a distinct value even when built from one function literal.
func (r *Registry) Register(match Predicate, factory Factory) {
	if match == nil || factory == nil {
		return
	}
	id := funcID(match)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.processors {
		if p.id == id {
			return
		}
	}
	r.processors = append(r.processors, processor{id: id, match: match, factory: factory})
}

// funcID is the address of the closure record behind fn. The code pointer
// reflect reports is shared by every closure of one literal.
func funcID(fn Predicate) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(&fn))
}

// Len returns the number of registered processors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.processors)
}

// IsRegistered reports whether v is a marker with a matching processor.
func (r *Registry) IsRegistered(v any) bool {
	_, ok := r.Lookup(v)
	return ok
}

// Lookup returns the factory of the first processor matching v.
func (r *Registry) Lookup(v any) (Factory, bool) {
	m, ok := v.(Marker)
	if !ok {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.processors {
		if p.match(m) {
			return p.factory, true
		}
	}
	return nil, false
}

// HasUnregisteredTag reports whether v carries a tag no processor accepts,
// which usually means a custom marker kind was never registered.
func (r *Registry) HasUnregisteredTag(v any) bool {
	if !IsMarker(v) {
		return false
	}
	return !r.IsRegistered(v)
}

// Materialize runs the matching factory, converting panics into errors.
func (r *Registry) Materialize(m Marker, env Env) (result any, err error) {
	factory, ok := r.Lookup(m)
	if !ok {
		return nil, fmt.Errorf("%w for tag %#x at %q", ErrNoProcessor, uint64(m.MarkerTag()), env.Path)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("marker: factory panicked at %q: %v", env.Path, rec)
		}
	}()
	return factory(m, env)
}

// Reset drops every processor. Intended for tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors = nil
}

// IsMarker is the fast structural check: does v carry a tag at all.
func IsMarker(v any) bool {
	_, ok := v.(Marker)
	return ok
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry used by the built-in marker kinds.
func Default() *Registry {
	return defaultRegistry
}

// Register adds a processor to the process-wide registry. Call it before
// building any tree that contains the marker kind.
func Register(match Predicate, factory Factory) {
	defaultRegistry.Register(match, factory)
}

func IsRegistered(v any) bool {
	return defaultRegistry.IsRegistered(v)
}

func HasUnregisteredTag(v any) bool {
	return defaultRegistry.HasUnregisteredTag(v)
}
