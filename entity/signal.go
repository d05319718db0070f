package entity

import (
	"fmt"
	"log/slog"

	"github.com/delaneyj/signaltree/marker"
	"github.com/delaneyj/signaltree/reactively"
)

// Signal is a materialized entity collection. Reads are reactive; every
// successful mutation publishes the full list at the collection path. With a
// synchronous notifier an interceptor can veto a mutation, which is then
// rolled back and reported as ErrBlocked.
type Signal[T any, K comparable] struct {
	env      marker.Env
	selectID func(T) K
	state    *reactively.Reactive[collection[T, K]]
}

func (s *Signal[T, K]) Path() string { return s.env.Path }

func (s *Signal[T, K]) AddOne(e T) error {
	return s.AddMany(e)
}

// AddMany adds every entity or none of them.
func (s *Signal[T, K]) AddMany(entities ...T) error {
	next, err := s.state.Peek().with(s.selectID, entities, false)
	if err != nil {
		return err
	}
	return s.commit("add", next)
}

func (s *Signal[T, K]) UpsertOne(e T) error {
	return s.UpsertMany(e)
}

// UpsertMany replaces existing entities in place and appends new ones.
func (s *Signal[T, K]) UpsertMany(entities ...T) error {
	next, _ := s.state.Peek().with(s.selectID, entities, true)
	return s.commit("upsert", next)
}

// UpdateOne replaces the entity stored under id with fn's result.
func (s *Signal[T, K]) UpdateOne(id K, fn func(T) T) error {
	cur := s.state.Peek()
	e, ok := cur.byID[id]
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotFound, id)
	}
	updated := fn(e)
	if got := s.selectID(updated); got != id {
		return fmt.Errorf("%w: %v became %v", ErrIDChanged, id, got)
	}
	next := cur.clone()
	next.byID[id] = updated
	return s.commit("update", next)
}

func (s *Signal[T, K]) RemoveOne(id K) error {
	return s.RemoveMany(id)
}

// RemoveMany removes every id or, if one is missing, none of them.
func (s *Signal[T, K]) RemoveMany(ids ...K) error {
	next, err := s.state.Peek().without(ids)
	if err != nil {
		return err
	}
	return s.commit("remove", next)
}

// SetAll replaces the whole collection.
func (s *Signal[T, K]) SetAll(entities []T) error {
	next, err := collection[T, K]{}.with(s.selectID, entities, false)
	if err != nil {
		return err
	}
	return s.commit("set", next)
}

func (s *Signal[T, K]) Clear() error {
	return s.commit("clear", collection[T, K]{byID: map[K]T{}})
}

// ByID returns the entity stored under id.
func (s *Signal[T, K]) ByID(id K) (T, bool) {
	e, ok := s.state.Read().byID[id]
	return e, ok
}

func (s *Signal[T, K]) Has(id K) bool {
	_, ok := s.ByID(id)
	return ok
}

// All returns the entities in insertion order.
func (s *Signal[T, K]) All() []T {
	return s.state.Read().list()
}

func (s *Signal[T, K]) IDs() []K {
	ids := s.state.Read().ids
	out := make([]K, len(ids))
	copy(out, ids)
	return out
}

func (s *Signal[T, K]) Count() int {
	return len(s.state.Read().ids)
}

// Where returns the entities matching pred in insertion order.
func (s *Signal[T, K]) Where(pred func(T) bool) []T {
	var out []T
	for _, e := range s.All() {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out
}

// Find returns the first entity matching pred.
func (s *Signal[T, K]) Find(pred func(T) bool) (T, bool) {
	for _, e := range s.All() {
		if pred(e) {
			return e, true
		}
	}
	var zero T
	return zero, false
}

// Unwrap returns the entity list, so a whole-tree read sees plain data.
func (s *Signal[T, K]) Unwrap() any {
	return s.All()
}

// Assign replaces the collection with a []T.
func (s *Signal[T, K]) Assign(v any) error {
	entities, ok := v.([]T)
	if !ok {
		return fmt.Errorf("entity: cannot assign %T to %q", v, s.env.Path)
	}
	return s.SetAll(entities)
}

func (s *Signal[T, K]) commit(op string, next collection[T, K]) error {
	prev := s.state.Peek()
	s.state.Write(next)
	if s.env.Notifier == nil {
		return nil
	}
	res := s.env.Notifier.Notify(s.env.Path, next.list(), prev.list())
	if res.Blocked {
		s.state.Write(prev)
		s.env.Log().Debug("entity: mutation blocked", slog.String("path", s.env.Path), slog.String("op", op))
		return fmt.Errorf("%w: %s at %q", ErrBlocked, op, s.env.Path)
	}
	return nil
}
