// Package enhancers holds the stock tree enhancers. Each constructor returns
// a tree.Enhancer that registers a capability on the tree under its Name.
package enhancers

import (
	"github.com/delaneyj/signaltree/tree"
)

const (
	NameBatching      = "batching"
	NameMemoization   = "memoization"
	NameSerialization = "serialization"
	NameTimeTravel    = "timetravel"
	NameMetrics       = "metrics"
	NameLogging       = "logging"
	NameGuard         = "guard"
)

// Batcher groups several writes into one notification cycle.
type Batcher struct {
	t *tree.Tree
}

// Batch runs fn with effects and notifications held back, then delivers the
// coalesced notifications before returning.
func (b *Batcher) Batch(fn func()) {
	release := b.t.Notifier().Hold()
	b.t.Reactive().Batch(fn)
	release()
	b.t.Notifier().FlushSync()
}

// Batching provides a *Batcher.
func Batching() tree.Enhancer {
	return tree.Enhancer{
		Name: NameBatching,
		Apply: func(t *tree.Tree) (*tree.Tree, error) {
			t.Provide(NameBatching, &Batcher{t: t})
			return t, nil
		},
	}
}
