// Package config loads tree and benchmark settings from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/delaneyj/signaltree/notifier"
	"github.com/delaneyj/signaltree/tree"
)

type Config struct {
	Tree  Tree  `yaml:"tree"`
	Bench Bench `yaml:"bench"`
}

// Tree mirrors the tree options. Unset pointer fields keep the library
// defaults.
type Tree struct {
	Lazy          *bool     `yaml:"lazy"`
	LazyThreshold int       `yaml:"lazy_threshold"`
	Batching      *bool     `yaml:"batching"`
	DevWarnings   *bool     `yaml:"dev_warnings"`
	Security      *Security `yaml:"security"`
}

type Security struct {
	MaxDepth    int      `yaml:"max_depth"`
	BlockedKeys []string `yaml:"blocked_keys"`
	RejectFuncs bool     `yaml:"reject_funcs"`
}

// Bench sizes the trees built by treebench.
type Bench struct {
	Widths     []int `yaml:"widths"`
	Depths     []int `yaml:"depths"`
	Iterations int   `yaml:"iterations"`
	Writes     int   `yaml:"writes"`
}

func Default() Config {
	return Config{
		Bench: Bench{
			Widths:     []int{10, 100, 1_000},
			Depths:     []int{1, 4, 8},
			Iterations: 100,
			Writes:     100,
		},
	}
}

// Load reads path over Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes data over Default. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document decodes as io.EOF and keeps the defaults.
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	if c.Tree.LazyThreshold < 0 {
		return fmt.Errorf("config: lazy_threshold must not be negative, got %d", c.Tree.LazyThreshold)
	}
	if c.Bench.Iterations <= 0 {
		return fmt.Errorf("config: bench iterations must be positive, got %d", c.Bench.Iterations)
	}
	for _, w := range c.Bench.Widths {
		if w <= 0 {
			return fmt.Errorf("config: bench widths must be positive, got %d", w)
		}
	}
	for _, d := range c.Bench.Depths {
		if d <= 0 {
			return fmt.Errorf("config: bench depths must be positive, got %d", d)
		}
	}
	return nil
}

// Options converts the tree section into constructor options.
func (t Tree) Options() []tree.Option {
	var opts []tree.Option
	if t.Lazy != nil {
		opts = append(opts, tree.WithLazy(*t.Lazy))
	}
	if t.LazyThreshold > 0 {
		opts = append(opts, tree.WithLazyThreshold(t.LazyThreshold))
	}
	if t.Batching != nil {
		opts = append(opts, tree.WithNotifier(notifier.New(notifier.WithBatching(*t.Batching))))
	}
	if t.DevWarnings != nil {
		opts = append(opts, tree.WithDevWarnings(*t.DevWarnings))
	}
	if t.Security != nil {
		opts = append(opts, tree.WithSecurity(tree.Security{
			MaxDepth:    t.Security.MaxDepth,
			BlockedKeys: t.Security.BlockedKeys,
			RejectFuncs: t.Security.RejectFuncs,
		}))
	}
	return opts
}
