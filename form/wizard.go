package form

import (
	"fmt"

	"github.com/delaneyj/signaltree/reactively"
)

// Wizard walks a form step by step. Moving forward requires the fields of
// the current step to be valid.
type Wizard struct {
	form    *Signal
	current *reactively.Reactive[int]
}

func (w *Wizard) Current() int { return w.current.Read() }

func (w *Wizard) Len() int { return len(w.form.conf.Steps) }

func (w *Wizard) Step() Step { return w.form.conf.Steps[w.Current()] }

func (w *Wizard) IsFirst() bool { return w.Current() == 0 }

func (w *Wizard) IsLast() bool { return w.Current() == w.Len()-1 }

// Next validates the current step and advances when it passes.
func (w *Wizard) Next() bool {
	i := w.current.Peek()
	if i >= w.Len()-1 {
		return false
	}
	if !w.form.validateFields(w.form.conf.Steps[i].Fields) {
		return false
	}
	w.current.Write(i + 1)
	return true
}

func (w *Wizard) Prev() bool {
	i := w.current.Peek()
	if i == 0 {
		return false
	}
	w.current.Write(i - 1)
	return true
}

// Goto jumps to step i. Jumping forward validates every step in between.
func (w *Wizard) Goto(i int) error {
	if i < 0 || i >= w.Len() {
		return fmt.Errorf("%w: %d", ErrNoStep, i)
	}
	for step := w.current.Peek(); step < i; step++ {
		if !w.form.validateFields(w.form.conf.Steps[step].Fields) {
			w.current.Write(step)
			return fmt.Errorf("%w: step %q", ErrInvalid, w.form.conf.Steps[step].Name)
		}
	}
	w.current.Write(i)
	return nil
}
