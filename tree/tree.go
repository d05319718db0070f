// Package tree materializes a nested plain-object state into a tree of
// fine-grained reactive values.
//
// Objects become *Node, everything else (scalars, slices, funcs) becomes a
// *Leaf holding one reactive cell. Marker placeholders embedded in the state
// are replaced by their live objects through the marker registry, derived
// layers splice computed values into existing namespaces, and enhancers add
// cross-cutting capabilities on top.
package tree

import (
	"log/slog"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/delaneyj/signaltree/marker"
	"github.com/delaneyj/signaltree/microtask"
	"github.com/delaneyj/signaltree/notifier"
	"github.com/delaneyj/signaltree/reactively"
)

// DefaultLazyThreshold is the state size above which lazy mode engages when
// it was not chosen explicitly.
const DefaultLazyThreshold = 100

type options struct {
	lazy          *bool
	lazyThreshold int
	notifier      *notifier.Notifier
	scheduler     microtask.Scheduler
	registry      *marker.Registry
	logger        *slog.Logger
	security      Security
	dev           bool
	rctx          *reactively.Context
}

type Option func(*options)

// WithLazy forces lazy (true) or eager (false) construction.
func WithLazy(lazy bool) Option {
	return func(o *options) { o.lazy = &lazy }
}

// WithLazyThreshold sets the key count above which lazy mode engages
// automatically.
func WithLazyThreshold(n int) Option {
	return func(o *options) { o.lazyThreshold = n }
}

// WithNotifier routes mutations to n instead of notifier.Default().
func WithNotifier(n *notifier.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithScheduler sets the scheduler handed to markers for deferred work.
func WithScheduler(s microtask.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// WithRegistry materializes markers through r instead of marker.Default().
func WithRegistry(r *marker.Registry) Option {
	return func(o *options) { o.registry = r }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithSecurity(s Security) Option {
	return func(o *options) { o.security = s }
}

// WithDevWarnings toggles diagnostics for unregistered markers and derived
// collisions. Default true.
func WithDevWarnings(enabled bool) Option {
	return func(o *options) { o.dev = enabled }
}

// WithReactiveContext shares a reactive context between trees so computed
// values can depend on several of them.
func WithReactiveContext(rctx *reactively.Context) Option {
	return func(o *options) { o.rctx = rctx }
}

// Tree owns a materialized state.
type Tree struct {
	core *core
	root *Node

	finalized    bool
	layers       int
	failures     []error
	capabilities map[string]any
	applied      []string
}

// New builds a tree from state, which may be a map[string]any, a Frozen map,
// a struct or a string-keyed map. Markers are materialized before New
// returns; factory failures are logged and available from
// MaterializeErrors.
func New(state any, opts ...Option) (*Tree, error) {
	o := options{
		lazyThreshold: DefaultLazyThreshold,
		security:      DefaultSecurity(),
		dev:           true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	raw, frozen, err := normalize(state)
	if err != nil {
		return nil, err
	}
	if err := o.security.validate(raw); err != nil {
		return nil, err
	}

	c := &core{
		rctx:      o.rctx,
		notifier:  o.notifier,
		scheduler: o.scheduler,
		registry:  o.registry,
		logger:    o.logger,
		dev:       o.dev,
		warned:    mapset.NewThreadUnsafeSet[string](),
	}
	if c.rctx == nil {
		c.rctx = reactively.NewContext()
	}
	if c.notifier == nil {
		c.notifier = notifier.Default()
	}
	if c.scheduler == nil {
		c.scheduler = microtask.Default()
	}
	if c.registry == nil {
		c.registry = marker.Default()
	}

	switch {
	case frozen:
		c.lazy = false
	case o.lazy != nil:
		c.lazy = *o.lazy
	default:
		c.lazy = countKeys(raw, o.lazyThreshold, mapset.NewThreadUnsafeSet[uintptr]()) > o.lazyThreshold
	}
	if c.lazy {
		c.memory = newMemory()
	}

	t := &Tree{
		core:         c,
		root:         c.newNode(nil, "", raw, mapID(raw), frozen),
		capabilities: map[string]any{},
	}
	t.failures = c.materializeMarkers(t.root)
	c.log().Debug("tree: built", slog.Bool("lazy", c.lazy), slog.Int("keys", len(t.root.keys)))
	return t, nil
}

// State returns the root node. The first call finalizes the tree.
func (t *Tree) State() *Node {
	t.finalized = true
	return t.root
}

// Get reads the whole state as plain data.
func (t *Tree) Get() map[string]any {
	t.finalized = true
	return t.root.Get().(map[string]any)
}

// Set merges v into the state: keys present in v are assigned, the rest are
// left untouched.
func (t *Tree) Set(v any) error {
	t.finalized = true
	return t.root.Assign(v)
}

// Restore writes a snapshot taken with Get back into the tree. Computed
// positions in the snapshot are skipped.
func (t *Tree) Restore(snapshot map[string]any) error {
	return t.root.assign(snapshot, true)
}

func (t *Tree) Update(fn func(map[string]any) map[string]any) error {
	return t.Set(fn(t.Get()))
}

// Derived adds a layer of computed values. It fails with ErrFinalized once
// the state has been handed out, and with *MergeConflictError when a nested
// object lands on a live non-object value; a conflicting layer is rejected
// whole. Markers in the layer that fail to materialize are added to
// MaterializeErrors.
func (t *Tree) Derived(factory DerivedFactory) error {
	if t.finalized {
		return ErrFinalized
	}
	failures, err := t.core.applyDerivedFactories(t.root, factory)
	t.addFailures(failures)
	if err != nil {
		return err
	}
	t.layers++
	return nil
}

// addFailures records marker failures, once per path. Markers that failed
// stay in place and fail again on every later walk.
func (t *Tree) addFailures(failures []error) {
	seen := map[string]bool{}
	for _, err := range t.failures {
		if me, ok := err.(*MaterializeError); ok {
			seen[me.Path] = true
		}
	}
	for _, err := range failures {
		if me, ok := err.(*MaterializeError); ok {
			if seen[me.Path] {
				continue
			}
			seen[me.Path] = true
		}
		t.failures = append(t.failures, err)
	}
}

func (t *Tree) Finalized() bool { return t.finalized }

// DerivedLayers returns how many derived layers were applied.
func (t *Tree) DerivedLayers() int { return t.layers }

// Lazy reports whether lazy construction engaged.
func (t *Tree) Lazy() bool { return t.core.lazy }

// Dispose releases the lazy cache. It is safe to call repeatedly and is a
// no-op on eager trees.
func (t *Tree) Dispose() {
	if t.core.memory == nil {
		return
	}
	t.core.memory.dispose()
}

// MemoryStats describes the lazy cache; zero on eager trees.
func (t *Tree) MemoryStats() MemoryStats {
	if t.core.memory == nil {
		return MemoryStats{}
	}
	return t.core.memory.stats()
}

// MaterializeErrors returns the marker failures collected while building.
func (t *Tree) MaterializeErrors() []error {
	return slices.Clone(t.failures)
}

// Flush runs pending effects and delivers pending notifications now.
func (t *Tree) Flush() {
	t.core.rctx.Stabilize()
	t.core.notifier.FlushSync()
}

func (t *Tree) Notifier() *notifier.Notifier { return t.core.notifier }

func (t *Tree) Reactive() *reactively.Context { return t.core.rctx }

func (t *Tree) Scheduler() microtask.Scheduler { return t.core.scheduler }

func (t *Tree) Logger() *slog.Logger { return t.core.log() }

// Subscribe observes mutations below this tree matching pattern.
func (t *Tree) Subscribe(pattern string, handler notifier.Handler) (unsubscribe func()) {
	return t.core.notifier.Subscribe(pattern, handler)
}

// Provide attaches a named capability. Capabilities accumulate; providing a
// name twice keeps the latest value.
func (t *Tree) Provide(name string, capability any) {
	t.capabilities[name] = capability
}

func (t *Tree) Capability(name string) (any, bool) {
	c, ok := t.capabilities[name]
	return c, ok
}

// Capabilities lists the provided capability names in sorted order.
func (t *Tree) Capabilities() []string {
	names := make([]string, 0, len(t.capabilities))
	for name := range t.capabilities {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CapabilityOf returns the capability name asserted to T.
func CapabilityOf[T any](t *Tree, name string) (T, bool) {
	c, ok := t.Capability(name)
	if !ok {
		var zero T
		return zero, false
	}
	v, ok := c.(T)
	return v, ok
}
