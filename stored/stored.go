// Package stored provides the persisted value marker. A stored value reads
// its initial state from a Storage backend and writes every change back,
// debounced, without ever blocking or failing the caller.
package stored

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/delaneyj/signaltree/marker"
	"github.com/delaneyj/signaltree/microtask"
	"github.com/delaneyj/signaltree/reactively"
)

// DefaultDebounce is how long writes are coalesced before reaching storage.
const DefaultDebounce = 100 * time.Millisecond

var tag = marker.NewTag("stored")

// Migrate upgrades data stored under an older version. data is the decoded
// payload in generic form (maps, slices, scalars).
type Migrate func(from int, data any) (any, error)

type config struct {
	storage  Storage
	debounce time.Duration
	prefix   string
	codec    Codec
	version  int
	migrate  Migrate
}

type Option func(*config)

// WithStorage sets the backend. Default is the process-wide memory storage.
func WithStorage(s Storage) Option {
	return func(c *config) { c.storage = s }
}

// WithDebounce sets the write coalescing window. Zero still defers the write
// to the next scheduler checkpoint.
func WithDebounce(d time.Duration) Option {
	return func(c *config) { c.debounce = d }
}

func WithPrefix(prefix string) Option {
	return func(c *config) { c.prefix = prefix }
}

func WithCodec(codec Codec) Option {
	return func(c *config) { c.codec = codec }
}

// WithVersion stores values in a {"v": version, "data": value} envelope.
// Older envelopes are passed through migrate; envelopes from newer versions
// are ignored and the default is used.
func WithVersion(version int, migrate Migrate) Option {
	return func(c *config) {
		c.version = version
		c.migrate = migrate
	}
}

type materializer interface {
	materialize(env marker.Env) (any, error)
}

// Marker is the placeholder for a persisted value.
type Marker[T any] struct {
	key  string
	def  T
	conf config
}

func (*Marker[T]) MarkerTag() marker.Tag { return tag }

// New declares a value persisted under key, starting at def when storage
// has nothing usable.
func New[T any](key string, def T, opts ...Option) *Marker[T] {
	registerOnce.Do(func() {
		marker.Register(isStoredMarker, materializeStored)
	})
	conf := config{debounce: DefaultDebounce, codec: JSON}
	for _, opt := range opts {
		opt(&conf)
	}
	return &Marker[T]{key: key, def: def, conf: conf}
}

var registerOnce sync.Once

func isStoredMarker(v any) bool {
	m, ok := v.(marker.Marker)
	if !ok || m.MarkerTag() != tag {
		return false
	}
	_, ok = v.(materializer)
	return ok
}

func materializeStored(m marker.Marker, env marker.Env) (any, error) {
	return m.(materializer).materialize(env)
}

func (m *Marker[T]) materialize(env marker.Env) (any, error) {
	return newSignal(m, env), nil
}

// Signal is a materialized persisted value.
type Signal[T any] struct {
	env       marker.Env
	key       string
	def       T
	conf      config
	scheduler microtask.Scheduler
	cell      *reactively.Reactive[T]

	mu        sync.Mutex
	timer     *time.Timer
	pending   bool
	queued    bool
	value     T
	stopWatch func()
}

func newSignal[T any](m *Marker[T], env marker.Env) *Signal[T] {
	s := &Signal[T]{
		env:       env,
		key:       m.conf.prefix + m.key,
		def:       m.def,
		conf:      m.conf,
		scheduler: env.Scheduler,
	}
	if s.conf.storage == nil {
		s.conf.storage = Default()
	}
	if s.scheduler == nil {
		s.scheduler = microtask.Default()
	}
	rctx := env.Reactive
	if rctx == nil {
		rctx = reactively.NewContext()
	}
	s.cell = reactively.Signal(rctx, s.load())

	if w, ok := s.conf.storage.(Watcher); ok {
		stop, err := w.Watch(s.key, func() { s.scheduler.Schedule(s.Reload) })
		if err != nil {
			s.log().Warn("stored: watch failed", slog.String("key", s.key), slog.Any("err", err))
		} else {
			s.stopWatch = stop
		}
	}
	return s
}

func (s *Signal[T]) Key() string { return s.key }

func (s *Signal[T]) Get() T { return s.cell.Read() }

// Set updates the value now and persists it after the debounce window.
func (s *Signal[T]) Set(v T) {
	old := s.cell.Peek()
	s.cell.Write(v)
	s.notify(v, old)
	s.schedule(v)
}

func (s *Signal[T]) Update(fn func(T) T) {
	s.Set(fn(s.cell.Peek()))
}

// Clear restores the default and removes the stored item.
func (s *Signal[T]) Clear() {
	s.mu.Lock()
	s.cancelLocked()
	s.mu.Unlock()

	old := s.cell.Peek()
	s.cell.Write(s.def)
	s.notify(s.def, old)
	if err := s.conf.storage.RemoveItem(context.Background(), s.key); err != nil {
		s.log().Warn("stored: remove failed", slog.String("key", s.key), slog.Any("err", err))
	}
}

// Reload re-reads storage, falling back to the default.
func (s *Signal[T]) Reload() {
	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()
	if pending {
		// A local write is on its way; storage is stale.
		return
	}
	old := s.cell.Peek()
	v := s.load()
	s.cell.Write(v)
	s.notify(v, old)
}

// Flush writes a pending value immediately.
func (s *Signal[T]) Flush() {
	s.writePending()
}

// Close flushes and stops watching the backend.
func (s *Signal[T]) Close() {
	s.Flush()
	s.mu.Lock()
	stop := s.stopWatch
	s.stopWatch = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *Signal[T]) Unwrap() any { return s.Get() }

func (s *Signal[T]) Assign(v any) error {
	t, ok := v.(T)
	if !ok {
		return fmt.Errorf("stored: cannot assign %T to %q", v, s.key)
	}
	s.Set(t)
	return nil
}

func (s *Signal[T]) notify(v, old T) {
	if s.env.Notifier == nil || reactively.Equal(v, old) {
		return
	}
	s.env.Notifier.Notify(s.env.Path, v, old)
}

func (s *Signal[T]) schedule(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = v
	s.pending = true
	if s.conf.debounce <= 0 {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		if !s.queued {
			s.queued = true
			s.scheduler.Schedule(s.writePending)
		}
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.conf.debounce, s.writePending)
}

func (s *Signal[T]) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = false
}

func (s *Signal[T]) writePending() {
	s.mu.Lock()
	s.queued = false
	if !s.pending {
		s.mu.Unlock()
		return
	}
	v := s.value
	s.pending = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	data, err := s.encode(v)
	if err != nil {
		s.log().Warn("stored: encode failed", slog.String("key", s.key), slog.Any("err", err))
		return
	}
	if err := s.conf.storage.SetItem(context.Background(), s.key, string(data)); err != nil {
		s.log().Warn("stored: write failed", slog.String("key", s.key), slog.Any("err", err))
	}
}

type envelope struct {
	V    int `json:"v" yaml:"v"`
	Data any `json:"data" yaml:"data"`
}

func (s *Signal[T]) encode(v T) ([]byte, error) {
	if s.conf.version == 0 {
		return s.conf.codec.Encode(v)
	}
	return s.conf.codec.Encode(envelope{V: s.conf.version, Data: v})
}

// load never fails: every problem is logged and yields the default.
func (s *Signal[T]) load() T {
	raw, ok, err := s.conf.storage.GetItem(context.Background(), s.key)
	if err != nil {
		s.log().Warn("stored: read failed", slog.String("key", s.key), slog.Any("err", err))
		return s.def
	}
	if !ok {
		return s.def
	}
	v, err := s.decode([]byte(raw))
	if err != nil {
		s.log().Warn("stored: stored value unusable, using default", slog.String("key", s.key), slog.Any("err", err))
		return s.def
	}
	return v
}

var errFutureVersion = errors.New("stored: stored version is newer than this program")

func (s *Signal[T]) decode(raw []byte) (T, error) {
	var v T
	if s.conf.version == 0 {
		err := s.conf.codec.Decode(raw, &v)
		return v, err
	}

	var env envelope
	if err := s.conf.codec.Decode(raw, &env); err != nil {
		return v, err
	}
	switch {
	case env.V > s.conf.version:
		return v, fmt.Errorf("%w: %d > %d", errFutureVersion, env.V, s.conf.version)
	case env.V < s.conf.version:
		if s.conf.migrate == nil {
			return v, fmt.Errorf("stored: version %d has no migration to %d", env.V, s.conf.version)
		}
		migrated, err := s.conf.migrate(env.V, env.Data)
		if err != nil {
			return v, fmt.Errorf("stored: migrating from %d: %w", env.V, err)
		}
		env.Data = migrated
	}

	// Round trip the generic payload through the codec into T.
	data, err := s.conf.codec.Encode(env.Data)
	if err != nil {
		return v, err
	}
	err = s.conf.codec.Decode(data, &v)
	return v, err
}

func (s *Signal[T]) log() *slog.Logger {
	return s.env.Log()
}
