// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Command visfn renders frames of the embedded shader library on the CPU,
// advancing the selection index after every frame, and writes them as
// images.
package main

import (
	"errors"
	"flag"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/image/bmp"
	"honnef.co/go/visfn"
	"honnef.co/go/visfn/engine/cpu_engine"
	"honnef.co/go/visfn/profiler"
	"honnef.co/go/visfn/renderer"
)

func main() {
	var (
		config   string
		layout   string
		out      string
		format   string
		width    int
		height   int
		frames   int
		dumpWGSL bool
		dumpMSL  bool
		profile  bool
		verbose  bool
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.StringVar(&config, "config", "", "Path to TOML or YAML group configuration `file` (default: embedded configuration)")
	flag.StringVar(&layout, "layout", "", "Override the configured table `layout` (per-group or merged)")
	flag.StringVar(&out, "out", "./frames", "Path to output `directory`")
	flag.StringVar(&format, "format", "png", "Image `format` (png or bmp)")
	flag.IntVar(&width, "width", 256, "Frame width")
	flag.IntVar(&height, "height", 256, "Frame height")
	flag.IntVar(&frames, "frames", 0, "Number of frames to render (default: one per function in the active table)")
	flag.BoolVar(&dumpWGSL, "dump-wgsl", false, "Print the linked WGSL program and exit")
	flag.BoolVar(&dumpMSL, "dump-msl", false, "Print the linked program as MSL and exit")
	flag.BoolVar(&profile, "profile", false, "Print frame timings")
	flag.BoolVar(&verbose, "v", false, "Be verbose")
	flag.Parse()

	if len(flag.Args()) != 0 || width <= 0 || height <= 0 {
		flag.Usage()
		os.Exit(2)
	}

	dief := func(f string, v ...any) {
		fmt.Fprintf(os.Stderr, f, v...)
		fmt.Fprintln(os.Stderr)
		os.Exit(1)
	}

	var encode func(w io.Writer, img image.Image) error
	switch format {
	case "png":
		encode = png.Encode
	case "bmp":
		encode = bmp.Encode
	default:
		dief("Unsupported image format %q", format)
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	visfn.SetLogger(logger)

	cfg := visfn.DefaultConfig()
	if config != "" {
		var err error
		cfg, err = visfn.LoadConfig(config)
		if err != nil {
			dief("Couldn't load configuration: %s", err)
		}
	}
	if layout != "" {
		cfg.Layout = visfn.Layout(layout)
	}

	lib, err := visfn.DefaultLibrary(cfg)
	if err != nil {
		dief("%s", err)
	}

	if dumpWGSL || dumpMSL {
		prog, err := visfn.Link(cfg, lib)
		if err != nil {
			dief("%s", err)
		}
		if dumpWGSL {
			fmt.Print(prog.Source)
		}
		if dumpMSL {
			src, err := prog.MSL()
			if err != nil {
				dief("%s", err)
			}
			fmt.Print(src)
		}
		return
	}

	var timer *profiler.Timer
	if profile {
		timer = profiler.NewTimer()
	}
	eng := cpu_engine.New(&cpu_engine.Options{Profiler: timer})
	defer eng.Close()

	r, err := visfn.Build(cfg, lib, eng, &visfn.BuildOptions{Profiler: timer})
	if err != nil {
		var berr *renderer.BuildError
		if errors.As(err, &berr) {
			dief("Build failed in %s stage: %s", berr.Stage, berr.Err)
		}
		dief("%s", err)
	}
	defer r.Release()

	c := r.Coordinator
	if frames <= 0 {
		frames = c.ActiveTable().Len()
	}
	if err := os.MkdirAll(out, 0777); err != nil {
		dief("Couldn't create output directory: %s", err)
	}

	surface := cpu_engine.NewSurface(width, height)
	for i := range frames {
		sel := c.Selection()
		if !c.RequestFrame(surface, eng) {
			dief("Frame %d wasn't rendered", i)
		}
		eng.WaitIdle()

		fn := c.ActiveTable().Function(int(sel))
		name := filepath.Join(out, fmt.Sprintf("%03d-%s.%s", i, fn.Name, format))
		if err := writeImage(name, surface.Image(), encode); err != nil {
			dief("Couldn't write frame: %s", err)
		}
		logger.Info("wrote frame", "file", name, "selection", sel, "function", fn.Name)
		c.AdvanceSelection()
	}

	st := eng.Stats()
	logger.Info("done",
		"frames", st.Frames,
		"calls", st.Calls,
		"exhausted", st.Exhausted,
		"invalid", st.Invalid)

	for _, res := range timer.Collect() {
		printResult(res, 0)
	}
}

func writeImage(name string, img image.Image, encode func(io.Writer, image.Image) error) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printResult(res profiler.Result, indent int) {
	fmt.Printf("%*s%s (frame %d): %s\n", indent*2, "", res.Label, res.Tag, res.Duration())
	for _, c := range res.Children {
		printResult(c, indent+1)
	}
}
