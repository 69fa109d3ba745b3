// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package shader

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// extent returns the byte range of the function's declaration, from the fn
// keyword up to and including the closing brace of its body.
func (fn *Function) extent() (start, end int, err error) {
	src := fn.lib.source
	from := lineOffset(src, fn.decl.Span.Start.Line)
	re := regexp.MustCompile(`\bfn\s+` + regexp.QuoteMeta(fn.Name) + `\s*\(`)
	loc := re.FindStringIndex(src[from:])
	if loc == nil {
		return 0, 0, fmt.Errorf("shader: can't locate declaration of %q", fn.Name)
	}
	start = from + loc[0]
	end, err = matchBody(src, start+loc[1])
	if err != nil {
		return 0, 0, fmt.Errorf("shader: %q: %w", fn.Name, err)
	}
	return start, end, nil
}

// text returns the function's declaration.
func (fn *Function) text() (string, error) {
	start, end, err := fn.extent()
	if err != nil {
		return "", err
	}
	return fn.lib.source[start:end], nil
}

// lineOffset returns the byte offset of the start of the 1-based line.
func lineOffset(src string, line int) int {
	off := 0
	for l := 1; l < line; l++ {
		i := strings.IndexByte(src[off:], '\n')
		if i == -1 {
			return len(src)
		}
		off += i + 1
	}
	return off
}

// matchBody finds the first opening brace at or after off and returns the
// offset just past its matching closing brace. Comments are skipped; block
// comments nest.
func matchBody(src string, off int) (int, error) {
	depth := 0
	for i := off; i < len(src); {
		switch {
		case strings.HasPrefix(src[i:], "//"):
			nl := strings.IndexByte(src[i:], '\n')
			if nl == -1 {
				return 0, fmt.Errorf("unterminated body")
			}
			i += nl + 1
			continue
		case strings.HasPrefix(src[i:], "/*"):
			n, err := skipBlockComment(src[i:])
			if err != nil {
				return 0, err
			}
			i += n
			continue
		}
		r, size := utf8.DecodeRuneInString(src[i:])
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + size, nil
			}
			if depth < 0 {
				return 0, fmt.Errorf("unbalanced braces")
			}
		}
		i += size
	}
	return 0, fmt.Errorf("unterminated body")
}

func skipBlockComment(s string) (int, error) {
	depth := 0
	for i := 0; i < len(s); {
		switch {
		case strings.HasPrefix(s[i:], "/*"):
			depth++
			i += 2
		case strings.HasPrefix(s[i:], "*/"):
			depth--
			i += 2
			if depth == 0 {
				return i, nil
			}
		default:
			i++
		}
	}
	return 0, fmt.Errorf("unterminated block comment")
}

var tableCallRe = regexp.MustCompile(`\b` + tablePrefix + `([A-Za-z0-9_]+)\s*\(`)

// tableCalls returns the names of the tables called from text, in order of
// first appearance.
func tableCalls(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range tableCallRe.FindAllStringSubmatch(stripComments(text), -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// stripComments replaces comments with spaces, preserving offsets.
func stripComments(text string) string {
	b := []byte(text)
	for i := 0; i < len(b); {
		switch {
		case strings.HasPrefix(text[i:], "//"):
			for i < len(b) && b[i] != '\n' {
				b[i] = ' '
				i++
			}
		case strings.HasPrefix(text[i:], "/*"):
			n, err := skipBlockComment(text[i:])
			if err != nil {
				n = len(b) - i
			}
			for j := i; j < i+n; j++ {
				if b[j] != '\n' {
					b[j] = ' '
				}
			}
			i += n
		default:
			i++
		}
	}
	return string(b)
}
