package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delaneyj/signaltree/tree"
)

func TestParse(t *testing.T) {
	t.Run("empty keeps defaults", func(t *testing.T) {
		c, err := Parse(nil)
		require.NoError(t, err)
		assert.Equal(t, Default(), c)
		assert.Empty(t, c.Tree.Options())
	})

	t.Run("overrides", func(t *testing.T) {
		c, err := Parse([]byte(`
tree:
  lazy: true
  batching: false
  dev_warnings: false
  security:
    max_depth: 2
    blocked_keys: [secret]
bench:
  widths: [5]
  iterations: 3
`))
		require.NoError(t, err)
		assert.True(t, *c.Tree.Lazy)
		assert.Equal(t, []int{5}, c.Bench.Widths)
		assert.Equal(t, []int{1, 4, 8}, c.Bench.Depths)
		assert.Equal(t, 3, c.Bench.Iterations)
		assert.Len(t, c.Tree.Options(), 4)

		tr, err := tree.New(map[string]any{"a": map[string]any{"b": 1}}, c.Tree.Options()...)
		require.NoError(t, err)
		assert.True(t, tr.Lazy())
		assert.False(t, tr.Notifier().Batching())

		_, err = tree.New(map[string]any{"secret": 1}, c.Tree.Options()...)
		assert.ErrorIs(t, err, tree.ErrSecurity)
		_, err = tree.New(map[string]any{"a": map[string]any{"b": map[string]any{"c": 1}}}, c.Tree.Options()...)
		assert.ErrorIs(t, err, tree.ErrSecurity)
	})

	t.Run("rejects", func(t *testing.T) {
		for name, doc := range map[string]string{
			"unknown key":        "tree:\n  lazzy: true\n",
			"negative threshold": "tree:\n  lazy_threshold: -1\n",
			"zero iterations":    "bench:\n  iterations: 0\n",
			"zero width":         "bench:\n  widths: [0]\n",
			"zero depth":         "bench:\n  depths: [0]\n",
			"malformed":          "tree: [",
		} {
			t.Run(name, func(t *testing.T) {
				_, err := Parse([]byte(doc))
				assert.Error(t, err)
			})
		}
	})
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bench:\n  writes: 7\n"), 0o644))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, c.Bench.Writes)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
