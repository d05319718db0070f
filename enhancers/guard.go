package enhancers

import (
	"log/slog"
	"sync/atomic"

	"github.com/delaneyj/signaltree/notifier"
	"github.com/delaneyj/signaltree/tree"
)

// Check returns a non-nil error to reject a write.
type Check func(newValue any, path string) error

// GuardStats vetoes writes rejected by its check. Vetoes take effect on writes
// published synchronously; with batching the write is already applied when
// the check runs, and only delivery to subscribers is suppressed.
type GuardStats struct {
	Pattern  string
	rejected atomic.Int64
	stop     func()
}

// Rejected returns how many writes the guard vetoed.
func (g *GuardStats) Rejected() int64 { return g.rejected.Load() }

func (g *GuardStats) Close() { g.stop() }

// Guard installs an interceptor on pattern. Each guard is a distinct
// enhancer named after its pattern, so several can be applied to one tree.
func Guard(pattern string, check Check) tree.Enhancer {
	name := NameGuard + ":" + pattern
	return tree.Enhancer{
		Name: name,
		Apply: func(t *tree.Tree) (*tree.Tree, error) {
			g := &GuardStats{Pattern: pattern}
			g.stop = t.Notifier().Intercept(pattern, func(newValue, _ any, path string) notifier.Decision {
				if err := check(newValue, path); err != nil {
					g.rejected.Add(1)
					t.Logger().Warn("enhancers: write rejected",
						slog.String("path", path),
						slog.Any("error", err),
					)
					return notifier.Block()
				}
				return notifier.Allow()
			})
			t.Provide(name, g)
			return t, nil
		},
	}
}
