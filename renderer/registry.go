// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package renderer

import (
	"cmp"
	"fmt"
	"slices"

	"honnef.co/go/visfn/shader"
)

// CallableFunction is a library function that can be placed in a table.
type CallableFunction struct {
	Name string
	fn   *shader.Function
}

func (f *CallableFunction) Function() *shader.Function {
	return f.fn
}

// FunctionGroup is a named, ordered list of functions sharing a table. The
// order is the table's slot order.
type FunctionGroup struct {
	Name      string
	Binding   uint32
	Functions []*CallableFunction
}

func (g *FunctionGroup) Len() int {
	return len(g.Functions)
}

// GroupConfig declares a function group.
type GroupConfig struct {
	Name      string
	Binding   uint32
	Functions []string
}

// Registry resolves group configurations against a shader library.
type Registry struct {
	lib    *shader.Library
	groups []*FunctionGroup
	funcs  map[string]*CallableFunction
}

// NewRegistry resolves every function of every group. A function that appears
// in several groups is resolved once.
func NewRegistry(lib *shader.Library, groups []GroupConfig) (*Registry, error) {
	reg := &Registry{
		lib:   lib,
		funcs: make(map[string]*CallableFunction),
	}
	seen := make(map[string]bool, len(groups))
	for _, gc := range groups {
		if seen[gc.Name] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateGroup, gc.Name)
		}
		seen[gc.Name] = true

		g := &FunctionGroup{
			Name:      gc.Name,
			Binding:   gc.Binding,
			Functions: make([]*CallableFunction, 0, len(gc.Functions)),
		}
		for _, name := range gc.Functions {
			cf, err := reg.resolve(name)
			if err != nil {
				return nil, fmt.Errorf("group %q: %w", gc.Name, err)
			}
			g.Functions = append(g.Functions, cf)
		}
		reg.groups = append(reg.groups, g)
	}
	slices.SortFunc(reg.groups, func(a, b *FunctionGroup) int {
		return cmp.Compare(a.Name, b.Name)
	})
	Logger().Debug("resolved function groups", "library", lib.Label, "groups", len(reg.groups), "functions", len(reg.funcs))
	return reg, nil
}

func (reg *Registry) resolve(name string) (*CallableFunction, error) {
	if cf, ok := reg.funcs[name]; ok {
		return cf, nil
	}
	fn, err := reg.lib.Function(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMissingEntryPoint, err)
	}
	if err := fn.CheckCallable(); err != nil {
		return nil, err
	}
	cf := &CallableFunction{Name: name, fn: fn}
	reg.funcs[name] = cf
	return cf, nil
}

func (reg *Registry) Library() *shader.Library {
	return reg.lib
}

// Groups returns the groups sorted by name.
func (reg *Registry) Groups() []*FunctionGroup {
	return reg.groups
}

func (reg *Registry) Group(name string) (*FunctionGroup, bool) {
	for _, g := range reg.groups {
		if g.Name == name {
			return g, true
		}
	}
	return nil, false
}

// Merged returns a single group holding the functions of all groups,
// concatenated in group name order.
func (reg *Registry) Merged(name string, binding uint32) *FunctionGroup {
	g := &FunctionGroup{Name: name, Binding: binding}
	for _, sub := range reg.groups {
		g.Functions = append(g.Functions, sub.Functions...)
	}
	return g
}

// LinkedFunctionSet is the input of pipeline construction: every function of
// every group, and the groups themselves.
type LinkedFunctionSet struct {
	// Functions holds each function once, ordered by group name and then by
	// position within the group.
	Functions []*CallableFunction
	Groups    []*FunctionGroup
}

func NewLinkedFunctionSet(groups ...*FunctionGroup) *LinkedFunctionSet {
	set := &LinkedFunctionSet{Groups: slices.Clone(groups)}
	slices.SortStableFunc(set.Groups, func(a, b *FunctionGroup) int {
		return cmp.Compare(a.Name, b.Name)
	})
	seen := make(map[*CallableFunction]bool)
	for _, g := range set.Groups {
		for _, fn := range g.Functions {
			if !seen[fn] {
				seen[fn] = true
				set.Functions = append(set.Functions, fn)
			}
		}
	}
	return set
}

func (set *LinkedFunctionSet) Names() []string {
	out := make([]string, len(set.Functions))
	for i, fn := range set.Functions {
		out[i] = fn.Name
	}
	return out
}

func (set *LinkedFunctionSet) contains(fn *CallableFunction) bool {
	return slices.Contains(set.Functions, fn)
}
