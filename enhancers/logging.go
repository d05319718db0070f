package enhancers

import (
	"context"
	"log/slog"

	"github.com/delaneyj/signaltree/tree"
)

// Logging writes one log line per delivered mutation. A nil logger uses the
// tree's logger.
func Logging(logger *slog.Logger, level slog.Level) tree.Enhancer {
	return tree.Enhancer{
		Name: NameLogging,
		Apply: func(t *tree.Tree) (*tree.Tree, error) {
			l := logger
			if l == nil {
				l = t.Logger()
			}
			stop := t.Subscribe("**", func(newValue, oldValue any, path string) {
				l.Log(context.Background(), level, "tree: mutation",
					slog.String("path", path),
					slog.Any("old", oldValue),
					slog.Any("new", newValue),
				)
			})
			t.Provide(NameLogging, stop)
			return t, nil
		},
	}
}
