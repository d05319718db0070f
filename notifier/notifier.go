// Package notifier is the path-keyed publish/subscribe/intercept bus that
// enhancers use to observe or veto every mutation of a tree.
//
// Patterns are an exact dot path ("user.name"), a prefix wildcard
// ("user.*", matching every path that starts with "user.") or "**".
//
// With batching enabled (the default) Notify only records the mutation and
// schedules one deferred flush; writes to the same path coalesce into a
// single (first old, latest new) notification. With batching disabled the
// interceptor and subscriber pipeline runs synchronously.
package notifier

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/delaneyj/signaltree/microtask"
	"github.com/delaneyj/signaltree/reactively"
)

// Handler observes a mutation.
type Handler func(newValue, oldValue any, path string)

// Interceptor runs before subscribers and may block or transform a mutation.
type Interceptor func(newValue, oldValue any, path string) Decision

// Decision is what an Interceptor returns.
type Decision struct {
	Block       bool
	Transformed bool
	Value       any
}

func Allow() Decision { return Decision{} }

func Block() Decision { return Decision{Block: true} }

func Transform(v any) Decision { return Decision{Transformed: true, Value: v} }

// Result reports the outcome of Notify.
type Result struct {
	Blocked bool
	Value   any
}

type subscription struct {
	pattern string
	handler Handler
}

type interception struct {
	pattern string
	fn      Interceptor
}

type flushListener struct {
	fn func()
}

type pending struct {
	oldValue any
	newValue any
}

type Notifier struct {
	mu sync.Mutex

	batching  bool
	scheduler microtask.Scheduler
	logger    *slog.Logger

	subscribers    []*subscription
	interceptors   []*interception
	flushListeners []*flushListener

	pending   map[string]*pending
	order     []string
	scheduled bool
	holds     int
}

type Option func(*Notifier)

// WithBatching toggles deferred, coalescing delivery. Default true.
func WithBatching(enabled bool) Option {
	return func(n *Notifier) { n.batching = enabled }
}

// WithScheduler sets where deferred flushes run. Default microtask.Default().
func WithScheduler(s microtask.Scheduler) Option {
	return func(n *Notifier) { n.scheduler = s }
}

func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) { n.logger = logger }
}

func New(opts ...Option) *Notifier {
	n := &Notifier{
		batching: true,
		pending:  map[string]*pending{},
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.scheduler == nil {
		n.scheduler = microtask.Default()
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	return n
}

// Batching reports whether notifications are deferred.
func (n *Notifier) Batching() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.batching
}

// SetBatching switches between deferred and synchronous delivery. Switching
// off drains whatever is pending.
func (n *Notifier) SetBatching(enabled bool) {
	n.mu.Lock()
	n.batching = enabled
	n.mu.Unlock()
	if !enabled {
		n.FlushSync()
	}
}

// Subscribe registers handler for pattern and returns its unsubscribe func.
func (n *Notifier) Subscribe(pattern string, handler Handler) (unsubscribe func()) {
	sub := &subscription{pattern: pattern, handler: handler}
	n.mu.Lock()
	n.subscribers = append(n.subscribers, sub)
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.subscribers = removeOne(n.subscribers, sub)
	}
}

// Intercept registers fn for pattern and returns its removal func.
func (n *Notifier) Intercept(pattern string, fn Interceptor) (unsubscribe func()) {
	ic := &interception{pattern: pattern, fn: fn}
	n.mu.Lock()
	n.interceptors = append(n.interceptors, ic)
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.interceptors = removeOne(n.interceptors, ic)
	}
}

// OnFlush registers fn to run once after every flush cycle.
func (n *Notifier) OnFlush(fn func()) (unsubscribe func()) {
	l := &flushListener{fn: fn}
	n.mu.Lock()
	n.flushListeners = append(n.flushListeners, l)
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.flushListeners = removeOne(n.flushListeners, l)
	}
}

// Notify publishes a mutation of path. In batching mode the returned Result
// is always unblocked and carries newValue.
func (n *Notifier) Notify(path string, newValue, oldValue any) Result {
	n.mu.Lock()
	if !n.batching {
		n.mu.Unlock()
		return n.process(path, newValue, oldValue)
	}

	if p, ok := n.pending[path]; ok {
		p.newValue = newValue
	} else {
		n.pending[path] = &pending{oldValue: oldValue, newValue: newValue}
		n.order = append(n.order, path)
	}
	schedule := !n.scheduled && n.holds == 0
	if schedule {
		n.scheduled = true
	}
	n.mu.Unlock()

	if schedule {
		n.scheduler.Schedule(n.scheduledFlush)
	}
	return Result{Value: newValue}
}

// Hold suspends scheduling of deferred flushes until the returned release
// func is called. Notifications keep coalescing in the meantime.
func (n *Notifier) Hold() (release func()) {
	n.mu.Lock()
	n.holds++
	n.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			n.holds--
			schedule := n.holds == 0 && !n.scheduled && len(n.order) > 0
			if schedule {
				n.scheduled = true
			}
			n.mu.Unlock()
			if schedule {
				n.scheduler.Schedule(n.scheduledFlush)
			}
		})
	}
}

func (n *Notifier) scheduledFlush() {
	n.mu.Lock()
	if !n.scheduled {
		// FlushSync already drained this cycle.
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	n.flush()
}

// flush snapshots and clears the pending set before delivering, so mutations
// made by handlers land in a fresh set flushed on a later checkpoint.
func (n *Notifier) flush() {
	n.mu.Lock()
	batch, order := n.pending, n.order
	n.pending = map[string]*pending{}
	n.order = nil
	n.scheduled = false
	n.mu.Unlock()

	for _, path := range order {
		p := batch[path]
		if reactively.Equal(p.newValue, p.oldValue) {
			continue
		}
		n.process(path, p.newValue, p.oldValue)
	}

	n.mu.Lock()
	listeners := append([]*flushListener(nil), n.flushListeners...)
	n.mu.Unlock()
	for _, l := range listeners {
		n.guard("flush listener", "", l.fn)
	}
}

// FlushSync drains every pending notification now, looping until handlers
// stop producing new ones. Each pending entry is delivered exactly once.
func (n *Notifier) FlushSync() {
	for {
		n.mu.Lock()
		empty := len(n.order) == 0
		n.mu.Unlock()
		if empty {
			return
		}
		n.flush()
	}
}

// HasPending reports whether notifications are waiting for a flush.
func (n *Notifier) HasPending() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.order) > 0
}

func (n *Notifier) process(path string, newValue, oldValue any) Result {
	n.mu.Lock()
	interceptors := append([]*interception(nil), n.interceptors...)
	subscribers := append([]*subscription(nil), n.subscribers...)
	n.mu.Unlock()

	value := newValue
	for _, ic := range interceptors {
		if !Match(ic.pattern, path) {
			continue
		}
		var d Decision
		n.guard("interceptor", path, func() { d = ic.fn(value, oldValue, path) })
		if d.Block {
			return Result{Blocked: true, Value: oldValue}
		}
		if d.Transformed {
			value = d.Value
		}
	}

	for _, sub := range subscribers {
		if !Match(sub.pattern, path) {
			continue
		}
		n.guard("subscriber", path, func() { sub.handler(value, oldValue, path) })
	}
	return Result{Value: value}
}

func (n *Notifier) guard(kind, path string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("notifier callback panicked",
				slog.String("kind", kind),
				slog.String("path", path),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn()
}

// Reset drops every subscriber, interceptor, flush listener and pending
// notification. The Notifier keeps its identity.
func (n *Notifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers = nil
	n.interceptors = nil
	n.flushListeners = nil
	n.pending = map[string]*pending{}
	n.order = nil
	n.scheduled = false
	n.holds = 0
}

// Match reports whether path is selected by pattern.
func Match(pattern, path string) bool {
	switch {
	case pattern == "**":
		return true
	case pattern == path:
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(path, pattern[:len(pattern)-1])
	default:
		return false
	}
}

// Join builds a dot path, skipping empty segments.
func Join(parts ...string) string {
	var sb strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(p)
	}
	return sb.String()
}

func removeOne[T comparable](s []T, v T) []T {
	for i, x := range s {
		if x == v {
			out := make([]T, 0, len(s)-1)
			out = append(out, s[:i]...)
			return append(out, s[i+1:]...)
		}
	}
	return s
}

var (
	defaultMu       sync.Mutex
	defaultNotifier *Notifier
)

// Default returns the process-wide notifier, created on first access.
func Default() *Notifier {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultNotifier == nil {
		defaultNotifier = New()
	}
	return defaultNotifier
}

// ResetDefault clears the process-wide notifier's state for test isolation.
// Closures that captured Default() keep working against the same instance.
func ResetDefault() {
	Default().Reset()
}
