// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package visfn

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
	"honnef.co/go/visfn/renderer"
	"honnef.co/go/visfn/shader"
	"honnef.co/go/visfn/shaders"
)

var ErrInvalidConfig = errors.New("visfn: invalid configuration")

// Layout selects how function groups map to tables.
type Layout string

const (
	// LayoutPerGroup binds one table per group.
	LayoutPerGroup Layout = "per-group"
	// LayoutMerged binds a single table holding all groups' functions.
	LayoutMerged Layout = "merged"
)

// Config is the static function group configuration. It is read once and
// not modified after Build.
type Config struct {
	// Kernel is the compute entry point.
	Kernel string `toml:"kernel" yaml:"kernel"`
	Layout Layout `toml:"layout" yaml:"layout"`
	// Active names the table whose capacity bounds the selection index.
	// With the merged layout, the merged table is always active.
	Active            string `toml:"active" yaml:"active"`
	MaxCallStackDepth int    `toml:"max_call_stack_depth" yaml:"max_call_stack_depth"`
	SelectionBinding  uint32 `toml:"selection_binding" yaml:"selection_binding"`
	// Defines are preprocessor symbols for the shader library, in addition
	// to the layout's name.
	Defines []string      `toml:"defines,omitempty" yaml:"defines,omitempty"`
	Merged  MergedConfig  `toml:"merged" yaml:"merged"`
	Groups  []GroupConfig `toml:"group" yaml:"group"`
}

type MergedConfig struct {
	Name    string `toml:"name" yaml:"name"`
	Binding uint32 `toml:"binding" yaml:"binding"`
}

type GroupConfig struct {
	Name      string   `toml:"name" yaml:"name"`
	Binding   uint32   `toml:"binding" yaml:"binding"`
	Functions []string `toml:"functions" yaml:"functions"`
}

// DefaultConfig returns the configuration embedded in the shaders package.
func DefaultConfig() *Config {
	cfg, err := ParseConfig(shaders.DefaultConfig)
	if err != nil {
		panic(fmt.Sprintf("embedded configuration is invalid: %s", err))
	}
	return cfg
}

// LoadConfig reads a configuration from path. Files ending in .yaml or .yml
// are YAML, everything else is TOML.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	decode := DecodeConfig
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		decode = DecodeConfigYAML
	}
	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func ParseConfig(data []byte) (*Config, error) {
	return DecodeConfig(bytes.NewReader(data))
}

// DecodeConfig decodes and validates a TOML configuration. Unknown keys are
// errors.
func DecodeConfig(r io.Reader) (*Config, error) {
	cfg := &Config{Layout: LayoutPerGroup}
	dec := toml.NewDecoder(r).DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DecodeConfigYAML is like DecodeConfig for YAML documents using the same
// keys.
func DecodeConfigYAML(r io.Reader) (*Config, error) {
	cfg := &Config{Layout: LayoutPerGroup}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Encode writes cfg as TOML.
func (cfg *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(cfg)
}

func (cfg *Config) invalid(f string, v ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(f, v...))
}

// Validate checks the configuration for consistency. It doesn't consult the
// shader library.
func (cfg *Config) Validate() error {
	if cfg.Kernel == "" {
		return cfg.invalid("no kernel")
	}
	if cfg.MaxCallStackDepth < 0 || cfg.MaxCallStackDepth > shader.MaxCallStackDepthLimit {
		return cfg.invalid("max_call_stack_depth %d not in [0, %d]", cfg.MaxCallStackDepth, shader.MaxCallStackDepthLimit)
	}
	if len(cfg.Groups) == 0 {
		return cfg.invalid("no function groups")
	}

	groups := map[string]bool{}
	for _, g := range cfg.Groups {
		if g.Name == "" {
			return cfg.invalid("group without a name")
		}
		if groups[g.Name] {
			return cfg.invalid("duplicate group %q", g.Name)
		}
		groups[g.Name] = true
	}

	bindings := map[uint32]string{cfg.SelectionBinding: "selection"}
	claim := func(binding uint32, what string) error {
		if other, ok := bindings[binding]; ok {
			return cfg.invalid("%s and %s both use binding %d", what, other, binding)
		}
		bindings[binding] = what
		return nil
	}

	switch cfg.Layout {
	case LayoutPerGroup:
		for _, g := range cfg.Groups {
			if err := claim(g.Binding, fmt.Sprintf("group %q", g.Name)); err != nil {
				return err
			}
		}
		if cfg.Active == "" {
			return cfg.invalid("no active group")
		}
		if !groups[cfg.Active] {
			return cfg.invalid("active group %q doesn't exist", cfg.Active)
		}
	case LayoutMerged:
		if cfg.Merged.Name == "" {
			return cfg.invalid("merged layout without a table name")
		}
		if err := claim(cfg.Merged.Binding, fmt.Sprintf("merged table %q", cfg.Merged.Name)); err != nil {
			return err
		}
		if cfg.Active != "" && !groups[cfg.Active] && cfg.Active != cfg.Merged.Name {
			return cfg.invalid("active table %q doesn't exist", cfg.Active)
		}
	default:
		return cfg.invalid("unknown layout %q", cfg.Layout)
	}
	return nil
}

// ActiveTable returns the name of the table that bounds the selection index.
func (cfg *Config) ActiveTable() string {
	if cfg.Layout == LayoutMerged {
		return cfg.Merged.Name
	}
	return cfg.Active
}

func (cfg *Config) groupConfigs() []renderer.GroupConfig {
	out := make([]renderer.GroupConfig, len(cfg.Groups))
	for i, g := range cfg.Groups {
		out[i] = renderer.GroupConfig{
			Name:      g.Name,
			Binding:   g.Binding,
			Functions: g.Functions,
		}
	}
	return out
}
