// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Command compile-shaders links a shader library against a function group
// configuration and writes the resulting programs, one per table layout.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"honnef.co/go/visfn"
	"honnef.co/go/visfn/renderer"
	"honnef.co/go/visfn/shader"
	"honnef.co/go/visfn/shaders"
)

func main() {
	var (
		in      string
		config  string
		out     string
		msl     bool
		verbose bool
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-v] [-msl] [-in <dir>] [-config <file>] -out <dir>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.StringVar(&in, "in", "", "Path to `directory` containing the library and its shared/ imports (default: embedded library)")
	flag.StringVar(&config, "config", "", "Path to TOML or YAML group configuration `file` (default: embedded configuration)")
	flag.StringVar(&out, "out", "./out", "Path to output `directory`")
	flag.BoolVar(&msl, "msl", false, "Also translate programs to Metal Shading Language")
	flag.BoolVar(&verbose, "v", false, "Be verbose")
	flag.Parse()

	if len(flag.Args()) != 0 {
		flag.Usage()
		os.Exit(2)
	}

	dief := func(f string, v ...any) {
		fmt.Fprintf(os.Stderr, f, v...)
		fmt.Fprintln(os.Stderr)
		os.Exit(1)
	}

	if verbose {
		visfn.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg := visfn.DefaultConfig()
	if config != "" {
		var err error
		cfg, err = visfn.LoadConfig(config)
		if err != nil {
			dief("Couldn't load configuration: %s", err)
		}
	}

	var files, imports fs.FS
	if in == "" {
		files = shaders.FS
		sub, err := fs.Sub(shaders.FS, shaders.Shared)
		if err != nil {
			panic(err)
		}
		imports = sub
	} else {
		files = os.DirFS(in)
		imports = os.DirFS(filepath.Join(in, shaders.Shared))
	}

	if err := os.MkdirAll(out, 0777); err != nil {
		dief("Couldn't create output directory: %s", err)
	}

	write := func(src string, name string) {
		if err := os.WriteFile(filepath.Join(out, name), []byte(src), 0666); err != nil {
			dief("Couldn't write %s: %s", name, err)
		}
		if verbose {
			fmt.Fprintf(os.Stderr, "wrote %s\n", name)
		}
	}

	for _, layout := range []visfn.Layout{visfn.LayoutPerGroup, visfn.LayoutMerged} {
		lcfg := *cfg
		lcfg.Layout = layout
		if layout == visfn.LayoutMerged && lcfg.Merged.Name == "" {
			if verbose {
				fmt.Fprintln(os.Stderr, "no merged table configured, skipping merged layout")
			}
			continue
		}
		if verbose {
			fmt.Fprintf(os.Stderr, "linking %s with layout %s\n", lcfg.Kernel, layout)
		}

		lib, err := visfn.CompileLibrary(&lcfg, files, shaders.Library, imports)
		if err != nil {
			dief("Couldn't compile library: %s", err)
		}
		prog, err := visfn.Link(&lcfg, lib)
		if err != nil {
			dief("Couldn't link %s: %s", layout, describe(err))
		}
		base := fmt.Sprintf("%s.%s", lcfg.Kernel, layout)
		write(prog.Source, base+".wgsl")
		if msl {
			src, err := prog.MSL()
			if err != nil {
				dief("Couldn't translate %s: %s", layout, err)
			}
			write(src, base+".metal")
		}
	}
}

func describe(err error) string {
	var berr *renderer.BuildError
	switch {
	case errors.Is(err, shader.ErrInvalidProgram):
		return fmt.Sprintf("generated program is invalid: %s", err)
	case errors.As(err, &berr):
		return fmt.Sprintf("%s stage: %s", berr.Stage, berr.Err)
	default:
		return err.Error()
	}
}
