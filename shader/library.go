// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package shader loads WGSL shader libraries and links a compute kernel
// against tables of indirectly callable functions.
//
// A library is parsed once. Functions are looked up by name and either used
// as the kernel entry point or as callable functions that share a fixed
// calling convention:
//
//	fn name(uv: vec2<f32>) -> vec4<f32>
//
// Kernels and callable functions reach a table through calls of the form
// vft_<table>(slot, uv). The linker in this package turns those calls into
// lookups in a storage buffer of function handles.
package shader

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/wgsl"
)

var (
	ErrNoSuchFunction    = errors.New("shader: no such function")
	ErrNotKernel         = errors.New("shader: function is not a compute entry point")
	ErrSignature         = errors.New("shader: function does not match the callable signature")
	ErrDuplicateFunction = errors.New("shader: duplicate function")
)

// Stage is the pipeline stage a function is an entry point for.
type Stage int

const (
	StageNone Stage = iota
	StageCompute
	StageVertex
	StageFragment
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageCompute:
		return "compute"
	case StageVertex:
		return "vertex"
	case StageFragment:
		return "fragment"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Function is a named function of a Library.
type Function struct {
	Name  string
	Stage Stage

	decl *wgsl.FunctionDecl
	lib  *Library
}

// Library is a parsed WGSL shader library.
type Library struct {
	Label string

	source  string
	funcs   map[string]*Function
	order   []*Function
	globals []global
}

type global struct {
	name    string
	typ     string
	group   int
	binding int
}

// Compile parses src and indexes its functions by name.
func Compile(label string, src []byte) (*Library, error) {
	source := string(src)
	mod, err := naga.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("shader: compiling %s: %w", label, err)
	}

	lib := &Library{
		Label:  label,
		source: source,
		funcs:  make(map[string]*Function, len(mod.Functions)),
	}
	for _, decl := range mod.Functions {
		if _, ok := lib.funcs[decl.Name]; ok {
			return nil, fmt.Errorf("%w: %q in %s", ErrDuplicateFunction, decl.Name, label)
		}
		fn := &Function{
			Name:  decl.Name,
			Stage: stageOf(decl.Attributes),
			decl:  decl,
			lib:   lib,
		}
		lib.funcs[decl.Name] = fn
		lib.order = append(lib.order, fn)
	}
	for _, v := range mod.GlobalVars {
		g := global{name: v.Name, typ: typeString(v.Type), group: -1, binding: -1}
		for _, attr := range v.Attributes {
			switch attr.Name {
			case "group":
				g.group = intArg(attr)
			case "binding":
				g.binding = intArg(attr)
			}
		}
		lib.globals = append(lib.globals, g)
	}
	return lib, nil
}

// Function returns the function called name.
func (lib *Library) Function(name string) (*Function, error) {
	fn, ok := lib.funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q in %s", ErrNoSuchFunction, name, lib.Label)
	}
	return fn, nil
}

// Kernel returns the compute entry point called name.
func (lib *Library) Kernel(name string) (*Function, error) {
	fn, err := lib.Function(name)
	if err != nil {
		return nil, err
	}
	if fn.Stage != StageCompute {
		return nil, fmt.Errorf("%w: %q is a %s function", ErrNotKernel, name, fn.Stage)
	}
	return fn, nil
}

// Functions returns all functions in declaration order.
func (lib *Library) Functions() []*Function {
	return lib.order
}

// Source returns the library's WGSL source.
func (lib *Library) Source() string {
	return lib.source
}

// Library returns the library fn belongs to.
func (fn *Function) Library() *Library {
	return fn.lib
}

// Signature formats the function's parameter and result types.
func (fn *Function) Signature() string {
	var sb strings.Builder
	sb.WriteString("fn ")
	sb.WriteString(fn.Name)
	sb.WriteByte('(')
	for i, p := range fn.decl.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(typeString(p.Type))
	}
	sb.WriteByte(')')
	if fn.decl.ReturnType != nil {
		sb.WriteString(" -> ")
		sb.WriteString(typeString(fn.decl.ReturnType))
	}
	return sb.String()
}

// CheckCallable reports whether fn can be placed in a function table.
func (fn *Function) CheckCallable() error {
	d := fn.decl
	switch {
	case fn.Stage != StageNone:
		return fmt.Errorf("%w: %q is a %s entry point", ErrSignature, fn.Name, fn.Stage)
	case len(d.Attributes) != 0:
		return fmt.Errorf("%w: %q has attributes", ErrSignature, fn.Name)
	case len(d.Params) != 1 || !isType(d.Params[0].Type, "vec2", "f32"):
		return fmt.Errorf("%w: %s, want fn(vec2<f32>) -> vec4<f32>", ErrSignature, fn.Signature())
	case d.ReturnType == nil || !isType(d.ReturnType, "vec4", "f32"):
		return fmt.Errorf("%w: %s, want fn(vec2<f32>) -> vec4<f32>", ErrSignature, fn.Signature())
	}
	return nil
}

func stageOf(attrs []wgsl.Attribute) Stage {
	for _, attr := range attrs {
		switch attr.Name {
		case "compute":
			return StageCompute
		case "vertex":
			return StageVertex
		case "fragment":
			return StageFragment
		}
	}
	return StageNone
}

func intArg(attr wgsl.Attribute) int {
	if len(attr.Args) == 0 {
		return -1
	}
	lit, ok := attr.Args[0].(*wgsl.Literal)
	if !ok {
		return -1
	}
	n, err := strconv.ParseUint(strings.TrimRight(lit.Value, "ui"), 0, 32)
	if err != nil {
		return -1
	}
	return int(n)
}

func typeString(t wgsl.Type) string {
	switch t := t.(type) {
	case *wgsl.NamedType:
		if len(t.TypeParams) == 0 {
			return t.Name
		}
		params := make([]string, len(t.TypeParams))
		for i, p := range t.TypeParams {
			params[i] = typeString(p)
		}
		return t.Name + "<" + strings.Join(params, ", ") + ">"
	case *wgsl.ArrayType:
		return "array<" + typeString(t.Element) + ">"
	case nil:
		return ""
	default:
		return fmt.Sprintf("%T", t)
	}
}

// isType matches both the generic and the shorthand spelling, e.g. vec2<f32>
// and vec2f.
func isType(t wgsl.Type, name, elem string) bool {
	nt, ok := t.(*wgsl.NamedType)
	if !ok {
		return false
	}
	if nt.Name == name+elem[:1] && len(nt.TypeParams) == 0 {
		return true
	}
	if nt.Name != name || len(nt.TypeParams) != 1 {
		return false
	}
	p, ok := nt.TypeParams[0].(*wgsl.NamedType)
	return ok && p.Name == elem && len(p.TypeParams) == 0
}
