// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package shader

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"
)

const tablePrefix = "vft_"

// SelectionVar is the name of the uniform holding the selection index.
const SelectionVar = tablePrefix + "selection"

const (
	// MaxCallStackDepthLimit is the deepest supported chain of indirect calls.
	MaxCallStackDepthLimit = 16
	// DefaultRecursiveDepth is used when functions make table calls and no
	// depth was requested: one self-call level plus a frame of slack.
	DefaultRecursiveDepth = 3
)

var (
	ErrUnknownTable    = errors.New("shader: call through unknown table")
	ErrStrayTableCall  = errors.New("shader: table call outside the kernel and linked functions")
	ErrBindingConflict = errors.New("shader: binding already in use")
	ErrCallDepth       = errors.New("shader: unsupported call stack depth")
	ErrInvalidProgram  = errors.New("shader: linked program failed validation")
	ErrNoImage         = errors.New("shader: library declares no storage texture")
	ErrTableName       = errors.New("shader: invalid table name")
)

var tableNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*(_[A-Za-z0-9]+)*$`)

// TableLayout names a function table and the binding it is read from.
type TableLayout struct {
	Name    string
	Binding uint32
}

// LinkOptions describes the program to link.
type LinkOptions struct {
	// Kernel is the compute entry point.
	Kernel string
	// Functions is the linked function set. A function's position is its
	// handle.
	Functions []string
	// Tables lists the tables that calls of the form vft_<name>(slot, uv)
	// may refer to.
	Tables           []TableLayout
	SelectionBinding uint32
	// MaxCallStackDepth bounds chains of indirect calls. The kernel's call is
	// depth 1. Zero selects a default.
	MaxCallStackDepth int
}

// Program is a linked kernel together with its dispatch tables.
type Program struct {
	Source    string
	Kernel    string
	Functions []string
	Handles   map[string]uint32
	Tables    []TableLayout
	// KernelTables are the tables the kernel calls, sorted by name.
	KernelTables []string
	// Recursive are the linked functions that make table calls themselves.
	Recursive         []string
	MaxCallStackDepth int
	SelectionBinding  uint32
	ImageBinding      uint32
	Workgroup         [3]uint32

	module *ir.Module
}

// Table returns the layout of the named table.
func (p *Program) Table(name string) (TableLayout, bool) {
	for _, t := range p.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableLayout{}, false
}

// Link resolves the kernel and functions, generates the dispatch code and
// validates the result.
func (lib *Library) Link(opts LinkOptions) (*Program, error) {
	kernel, err := lib.Kernel(opts.Kernel)
	if err != nil {
		return nil, err
	}

	linked := make(map[string]*Function, len(opts.Functions))
	handles := make(map[string]uint32, len(opts.Functions))
	for i, name := range opts.Functions {
		if _, ok := linked[name]; ok {
			return nil, fmt.Errorf("%w: %q linked twice", ErrDuplicateFunction, name)
		}
		fn, err := lib.Function(name)
		if err != nil {
			return nil, err
		}
		if err := fn.CheckCallable(); err != nil {
			return nil, err
		}
		linked[name] = fn
		handles[name] = uint32(i)
	}

	tables := make(map[string]TableLayout, len(opts.Tables))
	used := map[uint32]string{opts.SelectionBinding: SelectionVar}
	for _, t := range opts.Tables {
		if !tableNameRe.MatchString(t.Name) || t.Name == "invoke" || t.Name == "selection" {
			return nil, fmt.Errorf("%w: %q", ErrTableName, t.Name)
		}
		if _, ok := tables[t.Name]; ok {
			return nil, fmt.Errorf("%w: %q declared twice", ErrTableName, t.Name)
		}
		if other, ok := used[t.Binding]; ok {
			return nil, fmt.Errorf("%w: table %q and %s at binding %d", ErrBindingConflict, t.Name, other, t.Binding)
		}
		used[t.Binding] = tableVar(t.Name)
		tables[t.Name] = t
	}

	prog := &Program{
		Kernel:           kernel.Name,
		Functions:        slices.Clone(opts.Functions),
		Handles:          handles,
		Tables:           slices.Clone(opts.Tables),
		SelectionBinding: opts.SelectionBinding,
	}

	image := -1
	for _, g := range lib.globals {
		if g.group != 0 || g.binding < 0 {
			continue
		}
		if other, ok := used[uint32(g.binding)]; ok {
			return nil, fmt.Errorf("%w: %s and %s at binding %d", ErrBindingConflict, g.name, other, g.binding)
		}
		used[uint32(g.binding)] = g.name
		if image == -1 && strings.HasPrefix(g.typ, "texture_storage_2d") {
			image = g.binding
		}
	}
	if image == -1 {
		return nil, fmt.Errorf("%w: %s", ErrNoImage, lib.Label)
	}
	prog.ImageBinding = uint32(image)

	type span struct{ start, end int }
	var removed []span
	texts := map[string]string{}
	for _, fn := range lib.order {
		text, err := fn.text()
		if err != nil {
			return nil, err
		}
		calls := tableCalls(text)
		for _, c := range calls {
			if _, ok := tables[c]; !ok {
				return nil, fmt.Errorf("%w: %s%s called from %q", ErrUnknownTable, tablePrefix, c, fn.Name)
			}
		}
		switch {
		case fn == kernel:
			prog.KernelTables = append(prog.KernelTables, calls...)
		case len(calls) == 0:
		case linked[fn.Name] != nil:
			prog.Recursive = append(prog.Recursive, fn.Name)
			texts[fn.Name] = text
			start, end, _ := fn.extent()
			removed = append(removed, span{start, end})
		default:
			return nil, fmt.Errorf("%w: %q", ErrStrayTableCall, fn.Name)
		}
	}
	sort.Strings(prog.KernelTables)

	depth := opts.MaxCallStackDepth
	if depth == 0 {
		depth = 1
		if len(prog.Recursive) > 0 {
			depth = DefaultRecursiveDepth
		}
	}
	if depth < 1 || depth > MaxCallStackDepthLimit {
		return nil, fmt.Errorf("%w: %d (must be between 1 and %d)", ErrCallDepth, depth, MaxCallStackDepthLimit)
	}
	prog.MaxCallStackDepth = depth

	// Cut the recursive functions out of the library; they are re-emitted
	// once per depth below.
	src := lib.source
	sort.Slice(removed, func(i, j int) bool { return removed[i].start > removed[j].start })
	for _, r := range removed {
		src = src[:r.start] + src[r.end:]
	}

	rw := &rewriter{tables: opts.Tables, recursive: prog.Recursive}
	var sb strings.Builder
	sb.WriteString(rw.rewrite(src, 1))
	sb.WriteString("\n// Generated dispatch code.\n\n")
	fmt.Fprintf(&sb, "@group(0) @binding(%d) var<uniform> %s: u32;\n", opts.SelectionBinding, SelectionVar)
	for _, t := range opts.Tables {
		fmt.Fprintf(&sb, "@group(0) @binding(%d) var<storage, read> %s: array<u32>;\n", t.Binding, tableVar(t.Name))
	}
	for d := 1; d <= depth; d++ {
		sb.WriteByte('\n')
		for _, name := range prog.Recursive {
			sb.WriteString(rw.clone(texts[name], name, d))
			sb.WriteString("\n\n")
		}
		writeInvoke(&sb, prog, d)
		for _, t := range opts.Tables {
			writeTableCall(&sb, t.Name, d)
		}
	}
	if len(prog.Recursive) > 0 {
		sb.WriteByte('\n')
		for _, t := range opts.Tables {
			// Calls past the maximum depth never reach the table.
			fmt.Fprintf(&sb, "fn %s(slot: u32, uv: vec2<f32>) -> vec4<f32> {\n\treturn vec4<f32>(0.0);\n}\n", depthName(tablePrefix+t.Name, depth+1))
		}
	}
	prog.Source = sb.String()

	if err := prog.validate(); err != nil {
		return nil, err
	}
	return prog, nil
}

func (p *Program) validate() error {
	ast, err := naga.Parse(p.Source)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidProgram, err)
	}
	module, err := naga.LowerWithSource(ast, p.Source)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidProgram, err)
	}
	verrs, err := naga.Validate(module)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidProgram, err)
	}
	if len(verrs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidProgram, verrs[0])
	}
	p.module = module

	p.Workgroup = [3]uint32{1, 1, 1}
	for _, ep := range module.EntryPoints {
		if ep.Name != p.Kernel {
			continue
		}
		for i, n := range ep.Workgroup {
			if n != 0 {
				p.Workgroup[i] = n
			}
		}
	}
	return nil
}

func writeInvoke(sb *strings.Builder, p *Program, depth int) {
	fmt.Fprintf(sb, "fn %s(handle: u32, uv: vec2<f32>) -> vec4<f32> {\n", depthName(tablePrefix+"invoke", depth))
	for i, name := range p.Functions {
		target := name
		if slices.Contains(p.Recursive, name) {
			target = depthName(name, depth)
		}
		fmt.Fprintf(sb, "\tif (handle == %du) {\n\t\treturn %s(uv);\n\t}\n", i, target)
	}
	sb.WriteString("\treturn vec4<f32>(0.0);\n}\n\n")
}

func writeTableCall(sb *strings.Builder, table string, depth int) {
	v := tableVar(table)
	fmt.Fprintf(sb, "fn %s(slot: u32, uv: vec2<f32>) -> vec4<f32> {\n", depthName(tablePrefix+table, depth))
	fmt.Fprintf(sb, "\tlet count = arrayLength(&%s);\n", v)
	sb.WriteString("\tif (count == 0u) {\n\t\treturn vec4<f32>(0.0);\n\t}\n")
	fmt.Fprintf(sb, "\treturn %s(%s[slot %% count], uv);\n}\n\n", depthName(tablePrefix+"invoke", depth), v)
}

func tableVar(table string) string {
	return tablePrefix + table + "_table"
}

func depthName(name string, depth int) string {
	return fmt.Sprintf("%s__d%d", name, depth)
}

// rewriter redirects calls to the variant for a given call depth.
type rewriter struct {
	tables    []TableLayout
	recursive []string

	re *regexp.Regexp
}

func (rw *rewriter) pattern() *regexp.Regexp {
	if rw.re == nil {
		var alts []string
		for _, t := range rw.tables {
			alts = append(alts, regexp.QuoteMeta(tablePrefix+t.Name))
		}
		for _, name := range rw.recursive {
			alts = append(alts, regexp.QuoteMeta(name))
		}
		if len(alts) == 0 {
			alts = append(alts, `$^`)
		}
		rw.re = regexp.MustCompile(`\b(` + strings.Join(alts, "|") + `)(\s*\()`)
	}
	return rw.re
}

// rewrite points table calls at depth d and direct calls of recursive
// functions at their depth d clone.
func (rw *rewriter) rewrite(text string, d int) string {
	clean := stripComments(text)
	re := rw.pattern()
	var sb strings.Builder
	last := 0
	for _, m := range re.FindAllStringSubmatchIndex(clean, -1) {
		sb.WriteString(text[last:m[2]])
		sb.WriteString(depthName(clean[m[2]:m[3]], d))
		last = m[3]
	}
	sb.WriteString(text[last:])
	return sb.String()
}

// clone emits the depth d variant of a recursive function: its own name gets
// the depth suffix and the table calls it makes go one level deeper.
func (rw *rewriter) clone(text, name string, d int) string {
	header := regexp.MustCompile(`^fn\s+` + regexp.QuoteMeta(name) + `\b`)
	loc := header.FindStringIndex(text)
	body := text[loc[1]:]
	clean := stripComments(body)
	var sb strings.Builder
	sb.WriteString("fn ")
	sb.WriteString(depthName(name, d))
	last := 0
	for _, m := range rw.pattern().FindAllStringSubmatchIndex(clean, -1) {
		callee := clean[m[2]:m[3]]
		target := d
		if strings.HasPrefix(callee, tablePrefix) {
			target = d + 1
		}
		sb.WriteString(body[last:m[2]])
		sb.WriteString(depthName(callee, target))
		last = m[3]
	}
	sb.WriteString(body[last:])
	return sb.String()
}
