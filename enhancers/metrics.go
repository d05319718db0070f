package enhancers

import (
	"errors"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/delaneyj/signaltree/tree"
)

// MutationMetrics counts mutations and flush cycles.
type MutationMetrics struct {
	Mutations *prometheus.CounterVec
	Flushes   prometheus.Counter
	FlushSize prometheus.Histogram

	mu      sync.Mutex
	inCycle int
	stop    func()
}

func (m *MutationMetrics) Close() { m.stop() }

// Metrics exports mutation counts labelled by top-level key, flush
// counts and the number of mutations per flush to reg.
func Metrics(reg prometheus.Registerer, namespace string) tree.Enhancer {
	return tree.Enhancer{
		Name: NameMetrics,
		Apply: func(t *tree.Tree) (*tree.Tree, error) {
			m := &MutationMetrics{
				Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
					Namespace: namespace,
					Subsystem: "tree",
					Name:      "mutations_total",
					Help:      "Mutations published by the tree, by top-level key.",
				}, []string{"root"}),
				Flushes: prometheus.NewCounter(prometheus.CounterOpts{
					Namespace: namespace,
					Subsystem: "tree",
					Name:      "flushes_total",
					Help:      "Batched notification flush cycles.",
				}),
				FlushSize: prometheus.NewHistogram(prometheus.HistogramOpts{
					Namespace: namespace,
					Subsystem: "tree",
					Name:      "flush_mutations",
					Help:      "Mutations delivered per flush cycle.",
					Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
				}),
			}

			var err error
			if m.Mutations, err = register(reg, m.Mutations); err != nil {
				return nil, err
			}
			if m.Flushes, err = register(reg, m.Flushes); err != nil {
				return nil, err
			}
			if m.FlushSize, err = register(reg, m.FlushSize); err != nil {
				return nil, err
			}

			offWrite := t.Subscribe("**", func(_, _ any, path string) {
				root, _, _ := strings.Cut(path, ".")
				m.Mutations.WithLabelValues(root).Inc()
				m.mu.Lock()
				m.inCycle++
				m.mu.Unlock()
			})
			offFlush := t.Notifier().OnFlush(func() {
				m.mu.Lock()
				n := m.inCycle
				m.inCycle = 0
				m.mu.Unlock()
				m.Flushes.Inc()
				m.FlushSize.Observe(float64(n))
			})
			m.stop = func() {
				offWrite()
				offFlush()
			}
			t.Provide(NameMetrics, m)
			return t, nil
		},
	}
}

// register adds c to reg, reusing the collector already registered under the
// same descriptor.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if reg == nil {
		return c, nil
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
