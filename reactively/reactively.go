package reactively

import "reflect"

type CacheState int

const (
	CacheClean CacheState = iota // reactive value is valid, no need to recompute
	CacheCheck                   // reactive value might be stale, check parent nodes to decide whether to recompute
	CacheDirty                   // reactive value is invalid, parents have changed, value needs to be recomputed
)

type CleanupFunc[T any] func(oldValue T)

// Context tracks the reactive function currently being evaluated and the
// effects waiting to run. A Context is not safe for concurrent use; every
// tree owns its own.
type Context struct {
	current         node
	currentGets     []node
	currentGetIndex int
	effectQueue     []node
	batchDepth      int
	stabilizing     bool
}

func NewContext() *Context {
	return &Context{}
}

type node interface {
	getState() CacheState
	setState(CacheState)
	getSources() []node
	stale(CacheState)
	getObservers() []node
	setObservers([]node)
	updateIfNecessary()
}

// Cell is the type-erased view of a reactive value.
type Cell interface {
	ReadAny() any
	Readonly() bool
	isCell()
}

// WritableCell is a Cell that accepts writes.
type WritableCell interface {
	Cell
	WriteAny(v any) error
}

// IsCell reports whether v is already a reactive value.
func IsCell(v any) bool {
	_, ok := v.(Cell)
	return ok
}

type Reactive[T any] struct {
	rctx      *Context
	value     T
	fn        func() T
	sources   []node
	observers []node
	state     CacheState
	isEffect  bool
	disposed  bool
	cleanups  []CleanupFunc[T]
	equals    func(a, b T) bool
}

func (r *Reactive[T]) isCell() {}

func (r *Reactive[T]) getState() CacheState {
	return r.state
}

func (r *Reactive[T]) setState(state CacheState) {
	r.state = state
}

func (r *Reactive[T]) getSources() []node {
	return r.sources
}

func (r *Reactive[T]) setObservers(observers []node) {
	r.observers = observers
}

func (r *Reactive[T]) getObservers() []node {
	return r.observers
}

// Signal creates a writable reactive value.
func Signal[T any](rctx *Context, value T) *Reactive[T] {
	return &Reactive[T]{
		rctx:   rctx,
		value:  value,
		state:  CacheClean,
		equals: Equal[T],
	}
}

// SignalFunc creates a writable reactive value with a custom equality check.
func SignalFunc[T any](rctx *Context, value T, equals func(a, b T) bool) *Reactive[T] {
	s := Signal(rctx, value)
	if equals != nil {
		s.equals = equals
	}
	return s
}

func reactiveFunction[T any](rctx *Context, fn func() T, isEffect bool) *Reactive[T] {
	r := &Reactive[T]{
		rctx:     rctx,
		fn:       fn,
		isEffect: isEffect,
		state:    CacheDirty,
		equals:   Equal[T],
	}
	if r.isEffect {
		r.update()
	}
	return r
}

// Memo creates a read-only value recomputed lazily when its sources change.
func Memo[T any](rctx *Context, fn func() T) *Reactive[T] {
	return reactiveFunction(rctx, fn, false)
}

// Effect runs fn now and again every time one of the values it read changes.
// The returned function stops the effect.
func Effect(rctx *Context, fn func()) (stop func()) {
	e := reactiveFunction(rctx, func() struct{} {
		fn()
		return struct{}{}
	}, true)
	return e.Dispose
}

func (r *Reactive[T]) Read() T {
	if current := r.rctx.current; current != nil {
		sources := current.getSources()
		if len(r.rctx.currentGets) == 0 &&
			len(sources) > r.rctx.currentGetIndex &&
			sources[r.rctx.currentGetIndex] == node(r) {
			r.rctx.currentGetIndex++
		} else {
			r.rctx.currentGets = append(r.rctx.currentGets, r)
		}
	}

	if r.fn != nil {
		r.updateIfNecessary()
	}

	return r.value
}

// Peek returns the current value without registering a dependency.
func (r *Reactive[T]) Peek() T {
	if r.fn != nil {
		r.updateIfNecessary()
	}
	return r.value
}

func (r *Reactive[T]) ReadAny() any {
	return r.Read()
}

func (r *Reactive[T]) Readonly() bool {
	return r.fn != nil
}

// Observed reports whether a memo or effect currently depends on r.
func (r *Reactive[T]) Observed() bool {
	return len(r.observers) > 0
}

func (r *Reactive[T]) Write(nextValue T) {
	if r.fn != nil {
		r.removeParentObservers(0)
		r.sources = nil
		r.fn = nil
	}
	if r.equals(r.value, nextValue) {
		return
	}
	r.value = nextValue
	for _, ob := range r.observers {
		ob.stale(CacheDirty)
	}
	if r.rctx.batchDepth == 0 {
		r.rctx.Stabilize()
	}
}

func (r *Reactive[T]) Update(fn func(T) T) {
	r.Write(fn(r.Peek()))
}

func (r *Reactive[T]) WriteAny(v any) error {
	if r.fn != nil {
		return ErrReadonly
	}
	if v == nil {
		var zero T
		r.Write(zero)
		return nil
	}
	t, ok := v.(T)
	if !ok {
		var zero T
		return &TypeError{Want: reflect.TypeOf(&zero).Elem(), Got: reflect.TypeOf(v)}
	}
	r.Write(t)
	return nil
}

// Dispose unlinks the value from its sources. Reads keep returning the last
// computed value.
func (r *Reactive[T]) Dispose() {
	if r.disposed {
		return
	}
	r.disposed = true
	r.removeParentObservers(0)
	r.sources = nil
	for _, cleanup := range r.cleanups {
		cleanup(r.value)
	}
	r.cleanups = nil
	r.fn = nil
}

func (r *Reactive[T]) stale(state CacheState) {
	if r.state < state {
		// If we were previously clean, then we know that we may need to update to get the new value
		if r.state == CacheClean && r.isEffect && !r.disposed {
			r.rctx.effectQueue = append(r.rctx.effectQueue, r)
		}
		r.state = state
		for _, ob := range r.observers {
			ob.stale(CacheCheck)
		}
	}
}

// run the computation fn, updating the cached value
func (r *Reactive[T]) update() {
	oldValue := r.value

	// Evaluate the reactive function body, dynamically capturing any other reactives used
	prevReaction := r.rctx.current
	prevGets := r.rctx.currentGets
	prevIndex := r.rctx.currentGetIndex

	r.rctx.current = r
	r.rctx.currentGets = nil
	r.rctx.currentGetIndex = 0

	for _, cleanup := range r.cleanups {
		cleanup(oldValue)
	}
	r.cleanups = nil
	r.value = r.fn()

	gets, index := r.rctx.currentGets, r.rctx.currentGetIndex
	if len(gets) > 0 {
		// remove all old sources' observer links to us
		r.removeParentObservers(index)

		if len(r.sources) > 0 && index > 0 {
			r.sources = append(r.sources[:index:index], gets...)
		} else {
			r.sources = gets
		}

		// Add ourselves to the end of the parent observers array
		for _, source := range r.sources[index:] {
			source.setObservers(append(source.getObservers(), r))
		}
	} else if len(r.sources) > 0 && index < len(r.sources) {
		r.removeParentObservers(index)
		r.sources = r.sources[:index]
	}

	r.rctx.currentGets = prevGets
	r.rctx.current = prevReaction
	r.rctx.currentGetIndex = prevIndex

	// handle diamond dependencies if we're the parent of a diamond.
	if !r.equals(oldValue, r.value) {
		for _, ob := range r.observers {
			ob.setState(CacheDirty)
		}
	}

	r.state = CacheClean
}

// if dirty, or a parent turns out to be dirty.
func (r *Reactive[T]) updateIfNecessary() {
	if r.disposed && r.fn == nil {
		return
	}
	// If we are potentially dirty, see if we have a parent who has actually changed value
	if r.state == CacheCheck {
		for _, source := range r.sources {
			source.updateIfNecessary()
			if r.state == CacheDirty {
				// Stop here so we won't trigger updates on other parents unnecessarily
				break
			}
		}
	}

	if r.state == CacheDirty && r.fn != nil {
		r.update()
	}

	r.state = CacheClean
}

func (r *Reactive[T]) removeParentObservers(startIndex int) {
	if startIndex >= len(r.sources) {
		return
	}
	for _, source := range r.sources[startIndex:] {
		current := source.getObservers()
		revised := make([]node, 0, len(current))
		for _, ob := range current {
			if ob != node(r) {
				revised = append(revised, ob)
			}
		}
		source.setObservers(revised)
	}
}

// OnCleanup registers fn to run before the current reactive function re-runs
// or is disposed.
func OnCleanup[T any](rctx *Context, fn CleanupFunc[T]) {
	current, ok := rctx.current.(*Reactive[T])
	if !ok {
		panic("onCleanup must be called from within a reactive function of the same type")
	}
	current.cleanups = append(current.cleanups, fn)
}

// Untracked runs fn without registering dependencies on the current reactive function.
func Untracked[T any](rctx *Context, fn func() T) T {
	prev, prevGets, prevIndex := rctx.current, rctx.currentGets, rctx.currentGetIndex
	rctx.current, rctx.currentGets, rctx.currentGetIndex = nil, nil, 0
	defer func() {
		rctx.current, rctx.currentGets, rctx.currentGetIndex = prev, prevGets, prevIndex
	}()
	return fn()
}

// Stabilize runs all non-clean effects.
func (rctx *Context) Stabilize() {
	if rctx.stabilizing {
		return
	}
	rctx.stabilizing = true
	defer func() { rctx.stabilizing = false }()

	for len(rctx.effectQueue) > 0 {
		queue := rctx.effectQueue
		rctx.effectQueue = nil
		for _, effect := range queue {
			effect.updateIfNecessary()
		}
	}
}

// Batch defers effects until fn returns.
func (rctx *Context) Batch(fn func()) {
	rctx.batchDepth++
	defer func() {
		rctx.batchDepth--
		if rctx.batchDepth == 0 {
			rctx.Stabilize()
		}
	}()
	fn()
}
