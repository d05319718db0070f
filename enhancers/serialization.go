package enhancers

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/delaneyj/signaltree/tree"
)

// Serializer snapshots and restores the whole tree.
type Serializer struct {
	t    *tree.Tree
	memo *Memoizer
}

// JSON encodes the current state. Repeated calls within one notification
// cycle reuse the encoding.
func (s *Serializer) JSON() ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	encode := func() result {
		data, err := json.Marshal(s.t.Get())
		return result{data, err}
	}
	var r result
	if s.memo != nil {
		r = MemoOf(s.memo, "serialization:json", encode)
	} else {
		r = encode()
	}
	return r.data, r.err
}

func (s *Serializer) YAML() ([]byte, error) {
	return yaml.Marshal(s.t.Get())
}

// RestoreJSON merges an encoded snapshot back into the tree.
func (s *Serializer) RestoreJSON(data []byte) error {
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("enhancers: decode json snapshot: %w", err)
	}
	return s.restore(state)
}

func (s *Serializer) RestoreYAML(data []byte) error {
	var state map[string]any
	if err := yaml.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("enhancers: decode yaml snapshot: %w", err)
	}
	return s.restore(state)
}

func (s *Serializer) restore(state map[string]any) error {
	err := s.t.Restore(state)
	if s.memo != nil {
		s.memo.Invalidate()
	}
	return err
}

// Serialization provides a *Serializer. It requires memoization to reuse
// encodings between writes.
func Serialization() tree.Enhancer {
	return tree.Enhancer{
		Name:     NameSerialization,
		Requires: []string{NameMemoization},
		Apply: func(t *tree.Tree) (*tree.Tree, error) {
			memo, _ := tree.CapabilityOf[*Memoizer](t, NameMemoization)
			t.Provide(NameSerialization, &Serializer{t: t, memo: memo})
			return t, nil
		},
	}
}
