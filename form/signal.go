package form

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/google/uuid"

	"github.com/delaneyj/signaltree/marker"
	"github.com/delaneyj/signaltree/notifier"
	"github.com/delaneyj/signaltree/reactively"
)

// Signal is a materialized form.
type Signal struct {
	env  marker.Env
	conf Config
	rctx *reactively.Context

	values     *reactively.Reactive[map[string]any]
	errors     *reactively.Reactive[map[string]string]
	touched    *reactively.Reactive[map[string]bool]
	submitting *reactively.Reactive[bool]
	submitErr  *reactively.Reactive[error]
	valid      *reactively.Reactive[bool]
	dirty      *reactively.Reactive[bool]

	fields     map[string]*Field
	order      []string
	wizard     *Wizard
	lastSubmit string
}

func newSignal(conf Config, env marker.Env) *Signal {
	rctx := env.Reactive
	if rctx == nil {
		rctx = reactively.NewContext()
	}
	initial := maps.Clone(conf.Initial)
	if initial == nil {
		initial = map[string]any{}
	}
	conf.Initial = initial

	s := &Signal{
		env:        env,
		conf:       conf,
		rctx:       rctx,
		values:     reactively.Signal(rctx, maps.Clone(initial)),
		errors:     reactively.Signal(rctx, map[string]string{}),
		touched:    reactively.Signal(rctx, map[string]bool{}),
		submitting: reactively.Signal(rctx, false),
		submitErr:  reactively.Signal[error](rctx, nil),
		fields:     make(map[string]*Field, len(initial)),
		order:      make([]string, 0, len(initial)),
	}
	for name := range initial {
		s.order = append(s.order, name)
	}
	slices.Sort(s.order)
	for _, name := range s.order {
		s.fields[name] = &Field{form: s, name: name}
	}

	s.valid = reactively.Memo(rctx, func() bool {
		return len(s.check(s.values.Read(), s.order)) == 0
	})
	s.dirty = reactively.Memo(rctx, func() bool {
		return !reactively.Equal(s.values.Read(), s.conf.Initial)
	})
	if len(conf.Steps) > 0 {
		s.wizard = &Wizard{form: s, current: reactively.Signal(rctx, 0)}
	}
	return s
}

func (s *Signal) Path() string { return s.env.Path }

// Field returns the accessor for name, or nil if the form has no such field.
func (s *Signal) Field(name string) *Field {
	return s.fields[name]
}

// Fields lists the field names in sorted order.
func (s *Signal) Fields() []string {
	return slices.Clone(s.order)
}

func (s *Signal) Values() map[string]any {
	return maps.Clone(s.values.Read())
}

// Errors returns the messages of fields that were validated so far.
func (s *Signal) Errors() map[string]string {
	return maps.Clone(s.errors.Read())
}

// Valid reports whether every field passes validation, whether or not the
// errors are displayed yet.
func (s *Signal) Valid() bool { return s.valid.Read() }

// Dirty reports whether any value differs from the initial values.
func (s *Signal) Dirty() bool { return s.dirty.Read() }

func (s *Signal) Submitting() bool { return s.submitting.Read() }

// SubmitError is the error returned by the last submit handler.
func (s *Signal) SubmitError() error { return s.submitErr.Read() }

// LastSubmission is the id of the last submission attempt that passed
// validation.
func (s *Signal) LastSubmission() string { return s.lastSubmit }

// Validate checks every field, displays all errors and marks every field
// touched.
func (s *Signal) Validate() bool {
	return s.validateFields(s.order)
}

func (s *Signal) validateFields(names []string) bool {
	found := s.check(s.values.Peek(), names)
	s.rctx.Batch(func() {
		errs := maps.Clone(s.errors.Peek())
		touched := maps.Clone(s.touched.Peek())
		for _, name := range names {
			touched[name] = true
			if msg, ok := found[name]; ok {
				errs[name] = msg
			} else {
				delete(errs, name)
			}
		}
		s.errors.Write(errs)
		s.touched.Write(touched)
	})
	return len(found) == 0
}

// Submit validates and, when valid, runs handler with a copy of the values.
// The submission id is returned even if handler fails.
func (s *Signal) Submit(ctx context.Context, handler func(ctx context.Context, id string, values map[string]any) error) (string, error) {
	if s.submitting.Peek() {
		return "", ErrSubmitting
	}
	if !s.Validate() {
		return "", ErrInvalid
	}
	id := uuid.NewString()
	s.lastSubmit = id
	s.submitting.Write(true)
	defer s.submitting.Write(false)

	err := handler(ctx, id, s.Values())
	s.submitErr.Write(err)
	if err != nil {
		s.env.Log().Warn("form: submit failed", slog.String("path", s.env.Path), slog.String("submission", id), slog.Any("err", err))
		return id, fmt.Errorf("form: submit %s: %w", id, err)
	}
	return id, nil
}

// Reset restores the initial values and clears errors and touched state.
func (s *Signal) Reset() {
	old := s.values.Peek()
	s.rctx.Batch(func() {
		s.values.Write(maps.Clone(s.conf.Initial))
		s.errors.Write(map[string]string{})
		s.touched.Write(map[string]bool{})
		s.submitErr.Write(nil)
		if s.wizard != nil {
			s.wizard.current.Write(0)
		}
	})
	s.notify(s.env.Path, s.Values(), old)
}

// Wizard returns the step navigator, or nil when no steps were configured.
func (s *Signal) Wizard() *Wizard { return s.wizard }

// Unwrap returns the current values.
func (s *Signal) Unwrap() any { return s.Values() }

// Assign sets every field present in a map[string]any.
func (s *Signal) Assign(v any) error {
	m, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("form: cannot assign %T to %q", v, s.env.Path)
	}
	var unknown []string
	s.rctx.Batch(func() {
		for _, name := range slices.Sorted(maps.Keys(m)) {
			f := s.fields[name]
			if f == nil {
				unknown = append(unknown, name)
				continue
			}
			f.Set(m[name])
		}
	})
	if len(unknown) > 0 {
		return fmt.Errorf("form: unknown fields %v at %q", unknown, s.env.Path)
	}
	return nil
}

func (s *Signal) check(values map[string]any, names []string) map[string]string {
	found := map[string]string{}
	for _, name := range names {
		if msg := checkField(s.conf, name, values); msg != "" {
			found[name] = msg
		}
	}
	return found
}

func (s *Signal) notify(path string, v, old any) notifier.Result {
	if s.env.Notifier == nil {
		return notifier.Result{Value: v}
	}
	return s.env.Notifier.Notify(path, v, old)
}

// Field is the accessor of one form field.
type Field struct {
	form *Signal
	name string
}

func (f *Field) Name() string { return f.name }

func (f *Field) Get() any {
	return f.form.values.Read()[f.name]
}

// Set writes the value. A field that has been touched is revalidated so its
// displayed error follows the value.
func (f *Field) Set(v any) {
	s := f.form
	cur := s.values.Peek()
	old := cur[f.name]
	if reactively.Equal(old, v) {
		return
	}
	s.values.Write(with(cur, f.name, v))

	res := s.notify(notifier.Join(s.env.Path, f.name), v, old)
	switch {
	case res.Blocked:
		s.values.Write(with(s.values.Peek(), f.name, old))
	case !reactively.Equal(res.Value, v):
		s.values.Write(with(s.values.Peek(), f.name, res.Value))
	}
	if s.touched.Peek()[f.name] {
		s.validateFields([]string{f.name})
	}
}

// Touch marks the field as visited and shows its error.
func (f *Field) Touch() {
	f.form.validateFields([]string{f.name})
}

func (f *Field) Touched() bool {
	return f.form.touched.Read()[f.name]
}

// Error is the displayed message, "" when none.
func (f *Field) Error() string {
	return f.form.errors.Read()[f.name]
}

func with(m map[string]any, key string, v any) map[string]any {
	out := maps.Clone(m)
	out[key] = v
	return out
}
