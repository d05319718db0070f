package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jamiealquiza/tachymeter"

	"github.com/delaneyj/signaltree/cmd/treebench/report"
	"github.com/delaneyj/signaltree/config"
	"github.com/delaneyj/signaltree/microtask"
	"github.com/delaneyj/signaltree/notifier"
	"github.com/delaneyj/signaltree/tree"
)

// makeState builds width top-level keys, each a chain of depth nested
// objects ending in an int leaf.
func makeState(width, depth int) map[string]any {
	state := make(map[string]any, width)
	for i := range width {
		var v any = i
		for d := depth - 1; d > 0; d-- {
			v = map[string]any{"n" + strconv.Itoa(d): v}
		}
		state["k"+strconv.Itoa(i)] = v
	}
	return state
}

// leafPath is the path of the leaf under top-level key i.
func leafPath(i, depth int) string {
	p := "k" + strconv.Itoa(i)
	for d := 1; d < depth; d++ {
		p += ".n" + strconv.Itoa(d)
	}
	return p
}

type runner struct {
	bench  config.Bench
	opts   []tree.Option
	logger *slog.Logger
}

func (r *runner) run() ([]report.Row, error) {
	var rows []report.Row
	for _, w := range r.bench.Widths {
		for _, d := range r.bench.Depths {
			shape := fmt.Sprintf("%d x %d", w, d)
			r.logger.Info("treebench: measuring", slog.String("shape", shape))
			for _, sc := range []struct {
				name string
				fn   func(w, d int) (*tachymeter.Tachymeter, error)
			}{
				{"build eager", func(w, d int) (*tachymeter.Tachymeter, error) { return r.build(w, d, false) }},
				{"build lazy", func(w, d int) (*tachymeter.Tachymeter, error) { return r.build(w, d, true) }},
				{"write + flush", r.writes},
				{"derived recompute", r.derived},
			} {
				tach, err := sc.fn(w, d)
				if err != nil {
					return nil, fmt.Errorf("%s %s: %w", sc.name, shape, err)
				}
				rows = append(rows, toRow(sc.name, shape, tach.Calc()))
			}
		}
	}
	return rows, nil
}

func (r *runner) newTach() *tachymeter.Tachymeter {
	return tachymeter.New(&tachymeter.Config{Size: r.bench.Iterations})
}

func (r *runner) treeOpts(extra ...tree.Option) []tree.Option {
	opts := append([]tree.Option{tree.WithLogger(r.logger)}, r.opts...)
	return append(opts, extra...)
}

// build times tree construction followed by a read of every leaf.
func (r *runner) build(w, d int, lazy bool) (*tachymeter.Tachymeter, error) {
	tach := r.newTach()
	for range r.bench.Iterations {
		state := makeState(w, d)
		start := time.Now()
		tr, err := tree.New(state, r.treeOpts(tree.WithLazy(lazy))...)
		if err != nil {
			return nil, err
		}
		s := tr.State()
		for i := range w {
			if _, ok := s.At(leafPath(i, d)); !ok {
				return nil, fmt.Errorf("missing leaf %q", leafPath(i, d))
			}
		}
		tach.AddTime(time.Since(start))
		tr.Dispose()
	}
	return tach, nil
}

// writes times a burst of leaf writes and the flush that delivers them.
func (r *runner) writes(w, d int) (*tachymeter.Tachymeter, error) {
	q := microtask.NewQueue()
	tr, err := tree.New(makeState(w, d), r.treeOpts(
		tree.WithNotifier(notifier.New(notifier.WithScheduler(q))),
		tree.WithScheduler(q),
	)...)
	if err != nil {
		return nil, err
	}
	leaves := make([]*tree.Leaf, w)
	for i := range w {
		leaves[i] = tree.MustAt[*tree.Leaf](tr.State(), leafPath(i, d))
	}
	delivered := 0
	tr.Subscribe("**", func(any, any, string) { delivered++ })

	tach := r.newTach()
	next := 0
	for range r.bench.Iterations {
		start := time.Now()
		for range r.bench.Writes {
			l := leaves[next%w]
			l.Set(tree.Read[int](l) + 1)
			next++
		}
		tr.Flush()
		tach.AddTime(time.Since(start))
		q.Drain()
	}
	r.logger.Debug("treebench: notifications delivered", slog.Int("count", delivered))
	return tach, nil
}

// derived times one leaf write plus a read of a computed sum over all
// leaves.
func (r *runner) derived(w, d int) (*tachymeter.Tachymeter, error) {
	tr, err := tree.New(makeState(w, d), r.treeOpts(
		tree.WithNotifier(notifier.New(notifier.WithBatching(false))),
	)...)
	if err != nil {
		return nil, err
	}
	err = tr.Derived(func(s *tree.Node) map[string]any {
		leaves := make([]*tree.Leaf, w)
		for i := range w {
			leaves[i] = tree.MustAt[*tree.Leaf](s, leafPath(i, d))
		}
		return map[string]any{"total": tree.Derived(func() int {
			sum := 0
			for _, l := range leaves {
				sum += tree.Read[int](l)
			}
			return sum
		})}
	})
	if err != nil {
		return nil, err
	}
	s := tr.State()
	total, _ := s.At("total")
	first := tree.MustAt[*tree.Leaf](s, leafPath(0, d))

	tach := r.newTach()
	for range r.bench.Iterations {
		start := time.Now()
		first.Set(tree.Read[int](first) + 1)
		_ = tree.Read[int](total)
		tach.AddTime(time.Since(start))
	}
	return tach, nil
}

func toRow(scenario, shape string, m *tachymeter.Metrics) report.Row {
	return report.Row{
		Scenario: scenario,
		Shape:    shape,
		Samples:  m.Count,
		Avg:      m.Time.Avg,
		Min:      m.Time.Min,
		P75:      m.Time.P75,
		P99:      m.Time.P99,
		Max:      m.Time.Max,
		Rate:     humanize.Comma(int64(m.Rate.Second)),
	}
}
