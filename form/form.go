// Package form provides the form marker: field values with validation,
// touched and submit state, and an optional step wizard. Validation
// problems are data surfaced through Errors and Valid, never Go errors.
package form

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/delaneyj/signaltree/marker"
)

var (
	// ErrInvalid is returned by Submit when validation fails.
	ErrInvalid = errors.New("form: invalid")
	// ErrSubmitting is returned by Submit while a submission is running.
	ErrSubmitting = errors.New("form: submission already running")
	ErrNoStep     = errors.New("form: no such step")
)

// Validator checks one field. It returns an error message, or "" when the
// value is acceptable. values holds every field for cross-field checks.
type Validator func(value any, values map[string]any) string

// Step is one page of a wizard.
type Step struct {
	Name   string
	Fields []string
}

// Config declares a form.
type Config struct {
	Initial map[string]any
	// Rules are validator tags per field, e.g. "required,email".
	Rules map[string]string
	// Validators run after Rules; the first message wins.
	Validators map[string][]Validator
	// Steps turn the form into a wizard.
	Steps []Step
}

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// RegisterRule adds a custom validator tag usable in Config.Rules.
func RegisterRule(tag string, fn validator.Func) error {
	return validate.RegisterValidation(tag, fn)
}

var tag = marker.NewTag("form")

// Marker is the placeholder for a form.
type Marker struct {
	conf Config
}

func (*Marker) MarkerTag() marker.Tag { return tag }

// New declares a form.
func New(conf Config) *Marker {
	registerOnce.Do(func() {
		marker.Register(isFormMarker, materializeForm)
	})
	return &Marker{conf: conf}
}

var registerOnce sync.Once

func isFormMarker(v any) bool {
	_, ok := v.(*Marker)
	return ok
}

func materializeForm(m marker.Marker, env marker.Env) (any, error) {
	fm := m.(*Marker)
	for _, step := range fm.conf.Steps {
		for _, f := range step.Fields {
			if _, ok := fm.conf.Initial[f]; !ok {
				return nil, fmt.Errorf("form: step %q names unknown field %q", step.Name, f)
			}
		}
	}
	return newSignal(fm.conf, env), nil
}

// checkField returns the first error message for name.
func checkField(conf Config, name string, values map[string]any) string {
	value := values[name]
	if rule, ok := conf.Rules[name]; ok && rule != "" {
		if err := validate.Var(value, rule); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 {
				return message(verrs[0])
			}
			return err.Error()
		}
	}
	for _, fn := range conf.Validators[name] {
		if msg := fn(value, values); msg != "" {
			return msg
		}
	}
	return ""
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "len":
		return "must have length " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	}
	if fe.Param() != "" {
		return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
	}
	return "failed " + fe.Tag()
}
