// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package visfn

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "visible", cfg.Kernel)
	assert.Equal(t, LayoutPerGroup, cfg.Layout)
	assert.Equal(t, "gradients", cfg.ActiveTable())
	assert.Equal(t, 3, cfg.MaxCallStackDepth)
	require.Len(t, cfg.Groups, 2)
	assert.Equal(t, GroupConfig{
		Name:      "gradients",
		Binding:   1,
		Functions: []string{"purple_gradient", "turquoise_gradient", "sunset_gradient"},
	}, cfg.Groups[0])
	assert.Equal(t, MergedConfig{Name: "all", Binding: 1}, cfg.Merged)

	cfg.Layout = LayoutMerged
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "all", cfg.ActiveTable())
}

func TestConfigEncode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, DefaultConfig().Encode(&buf))
	cfg, err := ParseConfig(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"unknown key", `
kernel = "k"
active = "g"
colour = "red"
[[group]]
name = "g"
binding = 1
`},
		{"no kernel", `
active = "g"
[[group]]
name = "g"
binding = 1
`},
		{"no groups", `
kernel = "k"
active = "g"
`},
		{"duplicate group", `
kernel = "k"
active = "g"
[[group]]
name = "g"
binding = 1
[[group]]
name = "g"
binding = 2
`},
		{"unknown active group", `
kernel = "k"
active = "h"
[[group]]
name = "g"
binding = 1
`},
		{"colliding group bindings", `
kernel = "k"
active = "g"
[[group]]
name = "g"
binding = 1
[[group]]
name = "h"
binding = 1
`},
		{"group at selection binding", `
kernel = "k"
active = "g"
selection_binding = 1
[[group]]
name = "g"
binding = 1
`},
		{"unknown layout", `
kernel = "k"
layout = "sideways"
active = "g"
[[group]]
name = "g"
binding = 1
`},
		{"merged without name", `
kernel = "k"
layout = "merged"
[[group]]
name = "g"
binding = 1
`},
		{"depth too large", `
kernel = "k"
active = "g"
max_call_stack_depth = 17
[[group]]
name = "g"
binding = 1
`},
		{"syntax", `kernel = `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.toml))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestConfigMerged(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
kernel = "k"
layout = "merged"
[merged]
name = "all"
binding = 1
[[group]]
name = "g"
binding = 1
[[group]]
name = "h"
binding = 1
`))
	require.NoError(t, err)
	assert.Equal(t, "all", cfg.ActiveTable())
}

const yamlConfig = `
kernel: visible
layout: merged
max_call_stack_depth: 2
merged:
  name: all
  binding: 1
group:
  - name: gradients
    binding: 1
    functions: [purple_gradient, turquoise_gradient]
`

func TestConfigYAML(t *testing.T) {
	cfg, err := DecodeConfigYAML(strings.NewReader(yamlConfig))
	require.NoError(t, err)
	assert.Equal(t, LayoutMerged, cfg.Layout)
	assert.Equal(t, 2, cfg.MaxCallStackDepth)
	assert.Equal(t, "all", cfg.ActiveTable())
	assert.Equal(t, []string{"purple_gradient", "turquoise_gradient"}, cfg.Groups[0].Functions)

	_, err = DecodeConfigYAML(strings.NewReader(yamlConfig + "colour: red\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	yml := filepath.Join(dir, "groups.yaml")
	require.NoError(t, os.WriteFile(yml, []byte(yamlConfig), 0o666))
	cfg, err := LoadConfig(yml)
	require.NoError(t, err)
	assert.Equal(t, LayoutMerged, cfg.Layout)

	var buf bytes.Buffer
	require.NoError(t, DefaultConfig().Encode(&buf))
	tml := filepath.Join(dir, "groups.toml")
	require.NoError(t, os.WriteFile(tml, buf.Bytes(), 0o666))
	cfg, err = LoadConfig(tml)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	_, err = LoadConfig(filepath.Join(dir, "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
