package tree

import (
	"fmt"
	"log/slog"
	"slices"
)

// Enhancer adds cross-cutting behavior to a tree. Apply usually registers
// notifier hooks and capabilities on t and returns it.
type Enhancer struct {
	Name string
	// Requires names enhancers that must be applied first.
	Requires []string
	Apply    func(t *Tree) (*Tree, error)
}

// With applies enhancers after ordering them by their requirements. When the
// requirements cannot be ordered the requested order is used and a warning
// is logged. Enhancers already applied to t are skipped.
func (t *Tree) With(enhancers ...Enhancer) (*Tree, error) {
	ordered, ok := ResolveEnhancers(enhancers)
	if !ok {
		t.core.log().Warn("tree: enhancer requirements form a cycle, applying in requested order",
			slog.Any("enhancers", enhancerNames(enhancers)))
	}

	cur := t
	for _, e := range ordered {
		if slices.Contains(cur.applied, e.Name) {
			continue
		}
		for _, req := range e.Requires {
			if !slices.Contains(cur.applied, req) && !containsEnhancer(ordered, req) {
				cur.core.log().Warn("tree: enhancer requirement missing",
					slog.String("enhancer", e.Name), slog.String("requires", req))
			}
		}
		if e.Apply == nil {
			cur.applied = append(cur.applied, e.Name)
			continue
		}
		next, err := e.Apply(cur)
		if err != nil {
			return cur, fmt.Errorf("tree: applying enhancer %q: %w", e.Name, err)
		}
		if next == nil {
			next = cur
		}
		if next != cur {
			next.inherit(cur)
		}
		next.applied = append(next.applied, e.Name)
		cur = next
	}
	return cur, nil
}

// Applied lists the enhancers applied so far in application order.
func (t *Tree) Applied() []string {
	return slices.Clone(t.applied)
}

// inherit copies capabilities from prev that t does not provide itself.
func (t *Tree) inherit(prev *Tree) {
	if t.capabilities == nil {
		t.capabilities = map[string]any{}
	}
	for name, c := range prev.capabilities {
		if _, ok := t.capabilities[name]; !ok {
			t.capabilities[name] = c
		}
	}
	for _, name := range prev.applied {
		if !slices.Contains(t.applied, name) {
			t.applied = append(t.applied, name)
		}
	}
}

// ResolveEnhancers orders enhancers so each follows the ones it requires.
// Among enhancers with no relationship the requested order is kept. If the
// requirements contain a cycle, the requested order is returned with false.
// Requirements naming enhancers outside the list are ignored.
func ResolveEnhancers(enhancers []Enhancer) ([]Enhancer, bool) {
	index := make(map[string]int, len(enhancers))
	for i, e := range enhancers {
		if _, dup := index[e.Name]; !dup {
			index[e.Name] = i
		}
	}

	indegree := make([]int, len(enhancers))
	dependents := make([][]int, len(enhancers))
	for i, e := range enhancers {
		for _, req := range e.Requires {
			j, ok := index[req]
			if !ok || j == i {
				continue
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	out := make([]Enhancer, 0, len(enhancers))
	done := make([]bool, len(enhancers))
	for len(out) < len(enhancers) {
		next := -1
		for i := range enhancers {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return slices.Clone(enhancers), false
		}
		done[next] = true
		out = append(out, enhancers[next])
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}
	return out, true
}

func containsEnhancer(es []Enhancer, name string) bool {
	return slices.ContainsFunc(es, func(e Enhancer) bool { return e.Name == name })
}

func enhancerNames(es []Enhancer) []string {
	names := make([]string, len(es))
	for i, e := range es {
		names[i] = e.Name
	}
	return names
}
