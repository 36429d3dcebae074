// Command meshgrid renders a finished dataset folder as a heatmap, the
// same view the sweep server shows while the folder is being written.
//
//	meshgrid -norm -1 -split 120 -bias 0.5 data/300.0k/S21
//	meshgrid -format html -out report data/4.2k/3_times/S12
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/banshee-data/coupling.report/internal/dataset"
	"github.com/banshee-data/coupling.report/internal/grid"
	"github.com/banshee-data/coupling.report/internal/liveview"
	"github.com/banshee-data/coupling.report/internal/security"
)

var (
	norm   = flag.Int("norm", 0, "Normalization: 0 none, -1 split, n > 0 subtract column n (1-based)")
	split  = flag.Int("split", 0, "Split row for -norm -1: rows before it use the first column")
	bias   = flag.Float64("bias", 0, "Offset added to the first-column part of a split normalization")
	floor  = flag.Float64("floor-ghz", grid.DefaultFrequencyFloorHz/1e9, "Drop rows at or below this frequency")
	format = flag.String("format", "png", "Output format: png or html")
	outDir = flag.String("out", ".", "Output directory")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: meshgrid [flags] folder...\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	n, err := grid.FromCode(*norm, *split, *bias)
	if err != nil {
		log.Fatal(err)
	}
	a := grid.NewAssembler(dataset.NewStore(nil))
	a.FrequencyFloorHz = *floor * 1e9

	failed := false
	for _, folder := range flag.Args() {
		path, err := render(a, folder, n)
		if err != nil {
			log.Printf("%s: %v", folder, err)
			failed = true
			continue
		}
		log.Printf("wrote %s", path)
	}
	if failed {
		os.Exit(1)
	}
}

// render builds the grid of folder and writes it to outDir, named after
// the folder label.
func render(a *grid.Assembler, folder string, n grid.Normalization) (string, error) {
	g, err := a.Build(folder, n)
	if err != nil {
		return "", err
	}

	var ext string
	switch *format {
	case "png":
		ext = ".png"
	case "html":
		ext = ".html"
	default:
		return "", fmt.Errorf("unknown format %q", *format)
	}
	path := filepath.Join(*outDir, security.SanitizeFilename(g.Label)+ext)

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if *format == "png" {
		err = liveview.RenderPNG(f, g, liveview.DefaultWidth, liveview.DefaultHeight)
	} else {
		err = liveview.RenderChart(f, g, n.String())
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
