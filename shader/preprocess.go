// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package shader

import (
	"bytes"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
)

// Preprocessor expands #import, #ifdef, #ifndef, #else and #endif directives
// in WGSL sources. Directives must be the first item on their line.
type Preprocessor struct {
	// Imports is where #import name loads name.wgsl from.
	Imports fs.FS
	Defines map[string]struct{}
	Logger  *slog.Logger

	imports map[string][]byte
}

func (p *Preprocessor) debugf(f string, v ...any) {
	if p.Logger == nil {
		return
	}
	p.Logger.Debug(fmt.Sprintf(f, v...))
}

func (p *Preprocessor) getImport(name string) ([]byte, error) {
	if src, ok := p.imports[name]; ok {
		return src, nil
	}
	if p.Imports == nil {
		return nil, fmt.Errorf("no import source configured")
	}
	p.debugf("loading import %q", name)
	src, err := fs.ReadFile(p.Imports, path.Clean(name)+".wgsl")
	if err != nil {
		return nil, err
	}
	if p.imports == nil {
		p.imports = make(map[string][]byte)
	}
	p.imports[name] = src
	return src, nil
}

// Preprocess returns source with all directives expanded. name is used in
// error messages.
func (p *Preprocessor) Preprocess(source []byte, name string) ([]byte, error) {
	return p.preprocess(source, name, nil)
}

func (p *Preprocessor) preprocess(source []byte, name string, visiting []string) ([]byte, error) {
	for _, v := range visiting {
		if v == name {
			return nil, fmt.Errorf("import cycle through %q", name)
		}
	}
	visiting = append(visiting, name)

	type branch struct {
		active     bool
		elsePassed bool
	}
	var (
		out    []byte
		stack  []branch
		lineNo int
	)
	errorf := func(f string, v ...any) error {
		return fmt.Errorf("%s:%d: %s", name, lineNo, fmt.Sprintf(f, v...))
	}
	active := func() bool {
		for _, b := range stack {
			if !b.active {
				return false
			}
		}
		return true
	}

	for len(source) > 0 {
		lineNo++
		var line []byte
		line, source, _ = bytes.Cut(source, []byte("\n"))

		trimmed := bytes.TrimSpace(line)
		if !bytes.HasPrefix(trimmed, []byte("#")) {
			if active() {
				out = append(out, line...)
				out = append(out, '\n')
			}
			continue
		}

		directive, arg, _ := bytes.Cut(trimmed[1:], []byte(" "))
		arg = bytes.TrimSpace(arg)
		if i := bytes.Index(arg, []byte("//")); i != -1 {
			arg = bytes.TrimSpace(arg[:i])
		}
		switch string(directive) {
		case "ifdef", "ifndef":
			if len(arg) == 0 {
				return nil, errorf("#%s needs an argument", directive)
			}
			_, defined := p.Defines[string(arg)]
			stack = append(stack, branch{active: (string(directive) == "ifdef") == defined})

		case "else":
			if len(stack) == 0 {
				return nil, errorf("#else without #ifdef")
			}
			if len(arg) != 0 {
				return nil, errorf("#else doesn't accept arguments")
			}
			b := &stack[len(stack)-1]
			if b.elsePassed {
				return nil, errorf("second #else for same #ifdef")
			}
			b.elsePassed = true
			b.active = !b.active

		case "endif":
			if len(stack) == 0 {
				return nil, errorf("mismatched #endif")
			}
			if len(arg) != 0 {
				return nil, errorf("#endif doesn't accept arguments")
			}
			stack = stack[:len(stack)-1]

		case "import":
			if len(arg) == 0 {
				return nil, errorf("#import needs an argument")
			}
			if !active() {
				continue
			}
			src, err := p.getImport(string(arg))
			if err != nil {
				return nil, errorf("couldn't import %q: %s", arg, err)
			}
			imported, err := p.preprocess(src, string(arg), visiting)
			if err != nil {
				return nil, err
			}
			out = append(out, imported...)

		default:
			return nil, errorf("unknown preprocessor directive %q", directive)
		}
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("%s: %d unterminated #ifdef", name, len(stack))
	}
	return out, nil
}
