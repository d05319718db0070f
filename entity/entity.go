// Package entity provides the entity map marker: a keyed collection with
// CRUD operations, kept in insertion order and published on the notifier as
// one value per mutation.
package entity

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/delaneyj/signaltree/marker"
	"github.com/delaneyj/signaltree/reactively"
)

var (
	ErrDuplicateID = errors.New("entity: duplicate id")
	ErrNotFound    = errors.New("entity: not found")
	ErrIDChanged   = errors.New("entity: update changed the entity id")
	// ErrBlocked is returned when an interceptor vetoed the mutation.
	ErrBlocked = errors.New("entity: mutation blocked")
)

var tag = marker.NewTag("entity-map")

type materializer interface {
	materialize(env marker.Env) (any, error)
}

// Marker is the placeholder for an entity collection.
type Marker[T any, K comparable] struct {
	selectID func(T) K
	initial  []T
}

func (*Marker[T, K]) MarkerTag() marker.Tag { return tag }

type Option[T any, K comparable] func(*Marker[T, K])

// WithSelectID sets how the id is read from an entity. By default the ID
// (or Id) struct field, or the "id" key of a map, is used.
func WithSelectID[T any, K comparable](fn func(T) K) Option[T, K] {
	return func(m *Marker[T, K]) { m.selectID = fn }
}

// WithInitial seeds the collection.
func WithInitial[T any, K comparable](entities ...T) Option[T, K] {
	return func(m *Marker[T, K]) { m.initial = entities }
}

// Map declares an entity collection at its position in the state.
func Map[T any, K comparable](opts ...Option[T, K]) *Marker[T, K] {
	registerOnce.Do(func() {
		marker.Register(isEntityMarker, materializeEntity)
	})
	m := &Marker[T, K]{}
	for _, opt := range opts {
		opt(m)
	}
	if m.selectID == nil {
		m.selectID = defaultSelectID[T, K]
	}
	return m
}

var registerOnce sync.Once

func isEntityMarker(v any) bool {
	m, ok := v.(marker.Marker)
	if !ok || m.MarkerTag() != tag {
		return false
	}
	_, ok = v.(materializer)
	return ok
}

func materializeEntity(m marker.Marker, env marker.Env) (any, error) {
	return m.(materializer).materialize(env)
}

func (m *Marker[T, K]) materialize(env marker.Env) (any, error) {
	s := &Signal[T, K]{
		env:      env,
		selectID: m.selectID,
	}
	initial, err := collection[T, K]{}.with(m.selectID, m.initial, false)
	if err != nil {
		return nil, fmt.Errorf("entity: initial entities at %q: %w", env.Path, err)
	}
	rctx := env.Reactive
	if rctx == nil {
		rctx = reactively.NewContext()
	}
	s.state = reactively.SignalFunc(rctx, initial, func(a, b collection[T, K]) bool { return false })
	return s, nil
}

// collection is an immutable snapshot; every mutation builds a new one.
type collection[T any, K comparable] struct {
	ids  []K
	byID map[K]T
}

func (c collection[T, K]) clone() collection[T, K] {
	byID := make(map[K]T, len(c.byID))
	for k, v := range c.byID {
		byID[k] = v
	}
	return collection[T, K]{ids: slices.Clone(c.ids), byID: byID}
}

// with adds or replaces entities. Without upsert an id that already exists,
// in the collection or earlier in entities, is ErrDuplicateID.
func (c collection[T, K]) with(selectID func(T) K, entities []T, upsert bool) (collection[T, K], error) {
	next := c.clone()
	for _, e := range entities {
		id := selectID(e)
		if _, ok := next.byID[id]; ok {
			if !upsert {
				return c, fmt.Errorf("%w: %v", ErrDuplicateID, id)
			}
		} else {
			next.ids = append(next.ids, id)
		}
		next.byID[id] = e
	}
	return next, nil
}

func (c collection[T, K]) without(ids []K) (collection[T, K], error) {
	drop := mapset.NewThreadUnsafeSet(ids...)
	for _, id := range drop.ToSlice() {
		if _, ok := c.byID[id]; !ok {
			return c, fmt.Errorf("%w: %v", ErrNotFound, id)
		}
	}
	next := collection[T, K]{
		ids:  make([]K, 0, len(c.ids)),
		byID: make(map[K]T, len(c.byID)),
	}
	for _, id := range c.ids {
		if drop.Contains(id) {
			continue
		}
		next.ids = append(next.ids, id)
		next.byID[id] = c.byID[id]
	}
	return next, nil
}

func (c collection[T, K]) list() []T {
	out := make([]T, len(c.ids))
	for i, id := range c.ids {
		out[i] = c.byID[id]
	}
	return out
}

func defaultSelectID[T any, K comparable](e T) K {
	var zero K
	v := reflect.ValueOf(e)
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return zero
		}
		v = v.Elem()
	}
	var field reflect.Value
	switch v.Kind() {
	case reflect.Struct:
		if field = v.FieldByName("ID"); !field.IsValid() {
			field = v.FieldByName("Id")
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String {
			field = v.MapIndex(reflect.ValueOf("id").Convert(v.Type().Key()))
		}
	}
	if !field.IsValid() || !field.CanInterface() {
		return zero
	}
	id, _ := field.Interface().(K)
	return id
}
