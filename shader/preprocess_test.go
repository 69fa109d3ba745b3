// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package shader

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreprocess(t *testing.T) {
	imports := fstest.MapFS{
		"color.wgsl": {Data: []byte("fn color() {}\n")},
		"loop.wgsl":  {Data: []byte("#import loop\n")},
	}
	tests := []struct {
		name    string
		defines []string
		src     string
		want    string
		wantErr bool
	}{
		{
			name: "import",
			src:  "#import color\nfn main() {}\n",
			want: "fn color() {}\nfn main() {}\n",
		},
		{
			name:    "ifdef taken",
			defines: []string{"merged"},
			src:     "#ifdef merged\na\n#else\nb\n#endif\n",
			want:    "a\n",
		},
		{
			name: "ifdef not taken",
			src:  "#ifdef merged\na\n#else\nb\n#endif\n",
			want: "b\n",
		},
		{
			name: "ifndef",
			src:  "#ifndef merged // comment\na\n#endif\n",
			want: "a\n",
		},
		{
			name: "nested",
			src:  "#ifdef x\n#import color\n#ifndef y\na\n#endif\n#endif\nb\n",
			want: "b\n",
		},
		{name: "import cycle", src: "#import loop\n", wantErr: true},
		{name: "missing import", src: "#import nope\n", wantErr: true},
		{name: "unterminated", src: "#ifdef x\n", wantErr: true},
		{name: "stray endif", src: "#endif\n", wantErr: true},
		{name: "double else", src: "#ifdef x\n#else\n#else\n#endif\n", wantErr: true},
		{name: "unknown directive", src: "#define x\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Preprocessor{Imports: imports, Defines: map[string]struct{}{}}
			for _, d := range tt.defines {
				p.Defines[d] = struct{}{}
			}
			out, err := p.Preprocess([]byte(tt.src), "test.wgsl")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}
