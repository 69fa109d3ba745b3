// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package renderer

import (
	"fmt"
)

// IndirectFunctionTable is a device table of function handles for one group.
// Slot i holds the group's i-th function.
type IndirectFunctionTable struct {
	Name    string
	Binding uint32
	Device  DeviceTable

	pipeline  *Pipeline
	functions []*CallableFunction
	handles   []FunctionHandle
}

// NewTable builds the table for g. g must be one of the groups p was built
// with.
func NewTable(p *Pipeline, g *FunctionGroup) (*IndirectFunctionTable, error) {
	layout, ok := p.Program.Table(g.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q isn't bound by %q", ErrNoSuchTable, g.Name, p.Label)
	}
	if g.Len() == 0 {
		return nil, fmt.Errorf("%w: %q", ErrEmptyGroup, g.Name)
	}

	dev, err := p.Device.NewFunctionTable(g.Name, g.Len())
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrTableCapacity, g.Name, err)
	}
	if dev.Len() != g.Len() {
		dev.Release()
		return nil, fmt.Errorf("%w: %q has %d slots for %d functions", ErrTableCapacity, g.Name, dev.Len(), g.Len())
	}

	t := &IndirectFunctionTable{
		Name:      g.Name,
		Binding:   layout.Binding,
		Device:    dev,
		pipeline:  p,
		functions: g.Functions,
		handles:   make([]FunctionHandle, g.Len()),
	}
	for i, fn := range g.Functions {
		h, err := p.FunctionHandle(fn)
		if err != nil {
			dev.Release()
			return nil, fmt.Errorf("table %q slot %d: %w", g.Name, i, err)
		}
		dev.SetFunction(h, i)
		t.handles[i] = h
	}
	return t, nil
}

// Len returns the number of slots.
func (t *IndirectFunctionTable) Len() int {
	return len(t.functions)
}

// Function returns the function in slot i.
func (t *IndirectFunctionTable) Function(i int) *CallableFunction {
	return t.functions[i]
}

func (t *IndirectFunctionTable) Handle(i int) FunctionHandle {
	return t.handles[i]
}

func (t *IndirectFunctionTable) Pipeline() *Pipeline {
	return t.pipeline
}

func (t *IndirectFunctionTable) Release() {
	t.Device.Release()
}
