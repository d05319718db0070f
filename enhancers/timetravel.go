package enhancers

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/delaneyj/signaltree/tree"
)

// DefaultHistory is the number of snapshots TimeTravel keeps when no limit
// is given.
const DefaultHistory = 100

var ErrNoHistory = errors.New("enhancers: no history entry")

// Entry is one recorded state.
type Entry struct {
	ID    string
	At    time.Time
	State map[string]any
}

// History records one snapshot per notification cycle. With synchronous
// notification a burst of writes is recorded once, on the next scheduler
// turn or before the history is next inspected.
type History struct {
	t   *tree.Tree
	max int

	mu        sync.Mutex
	entries   []Entry
	cursor    int
	dirty     bool
	scheduled bool
	restoring bool

	stop func()
}

func (h *History) record() {
	h.mu.Lock()
	if h.restoring {
		h.mu.Unlock()
		return
	}
	h.dirty = false
	h.mu.Unlock()

	state := h.t.Get()

	h.mu.Lock()
	defer h.mu.Unlock()
	// Flushes of a shared notifier fire for every tree on it.
	if len(h.entries) > 0 && reflect.DeepEqual(h.entries[h.cursor].State, state) {
		return
	}
	e := Entry{ID: uuid.NewString(), At: time.Now(), State: state}
	h.entries = append(h.entries[:h.cursor+1], e)
	if over := len(h.entries) - h.max; over > 0 {
		h.entries = h.entries[over:]
	}
	h.cursor = len(h.entries) - 1
}

func (h *History) markDirty() {
	h.mu.Lock()
	if h.restoring {
		h.mu.Unlock()
		return
	}
	h.dirty = true
	schedule := !h.scheduled
	h.scheduled = true
	h.mu.Unlock()
	if schedule {
		h.t.Scheduler().Schedule(func() {
			h.mu.Lock()
			h.scheduled = false
			h.mu.Unlock()
			h.settle()
		})
	}
}

// settle delivers pending notifications and records writes that have not
// been recorded yet.
func (h *History) settle() {
	h.t.Notifier().FlushSync()
	h.mu.Lock()
	dirty := h.dirty
	h.mu.Unlock()
	if dirty {
		h.record()
	}
}

// Entries returns the recorded snapshots, oldest first.
func (h *History) Entries() []Entry {
	h.settle()
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Current returns the entry the tree is at.
func (h *History) Current() Entry {
	h.settle()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entries[h.cursor]
}

func (h *History) CanUndo() bool {
	h.settle()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor > 0
}

func (h *History) CanRedo() bool {
	h.settle()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor < len(h.entries)-1
}

// Undo restores the previous snapshot.
func (h *History) Undo() error {
	h.settle()
	h.mu.Lock()
	if h.cursor == 0 {
		h.mu.Unlock()
		return fmt.Errorf("%w: nothing to undo", ErrNoHistory)
	}
	idx := h.cursor - 1
	h.mu.Unlock()
	return h.moveTo(idx)
}

// Redo restores the snapshot undone last.
func (h *History) Redo() error {
	h.settle()
	h.mu.Lock()
	if h.cursor >= len(h.entries)-1 {
		h.mu.Unlock()
		return fmt.Errorf("%w: nothing to redo", ErrNoHistory)
	}
	idx := h.cursor + 1
	h.mu.Unlock()
	return h.moveTo(idx)
}

// Jump restores the snapshot with the given id.
func (h *History) Jump(id string) error {
	h.settle()
	h.mu.Lock()
	idx := -1
	for i, e := range h.entries {
		if e.ID == id {
			idx = i
			break
		}
	}
	h.mu.Unlock()
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrNoHistory, id)
	}
	return h.moveTo(idx)
}

func (h *History) moveTo(idx int) error {
	h.mu.Lock()
	h.restoring = true
	h.cursor = idx
	state := h.entries[idx].State
	h.mu.Unlock()

	err := h.t.Restore(state)
	h.t.Flush()

	h.mu.Lock()
	h.restoring = false
	h.dirty = false
	h.mu.Unlock()
	if err != nil {
		h.t.Logger().Warn("enhancers: time travel restore incomplete", slog.Any("error", err))
	}
	return err
}

// Close stops recording.
func (h *History) Close() { h.stop() }

// TimeTravel provides a *History keeping up to max snapshots. It requires
// batching so a batch lands in history as a single entry. Applying it
// records the initial state, which finalizes the tree.
func TimeTravel(max int) tree.Enhancer {
	if max <= 0 {
		max = DefaultHistory
	}
	return tree.Enhancer{
		Name:     NameTimeTravel,
		Requires: []string{NameBatching},
		Apply: func(t *tree.Tree) (*tree.Tree, error) {
			h := &History{t: t, max: max}
			h.record()
			offFlush := t.Notifier().OnFlush(h.record)
			offWrite := t.Subscribe("**", func(any, any, string) {
				if !t.Notifier().Batching() {
					h.markDirty()
				}
			})
			h.stop = func() {
				offFlush()
				offWrite()
			}
			t.Provide(NameTimeTravel, h)
			return t, nil
		},
	}
}
