// gen-diagrams generates sample diagram outputs for README documentation.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rendis/bpmnflow/internal/diagram"
	"github.com/rendis/bpmnflow/internal/engine"
	"github.com/rendis/bpmnflow/internal/logging"
)

const samplePath = "internal/bpmn/testdata/material_flow.bpmn"

func main() {
	ctx := logging.WithProcessKey(context.Background(), "material_flow")

	deriver := engine.NewDeriver(engine.DeriverConfig{})
	d, err := deriver.Derive(ctx, samplePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "derive error: %v\n", err)
		os.Exit(1)
	}

	model, err := diagram.Build(d)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build error: %v\n", err)
		os.Exit(1)
	}

	outDir := filepath.Join("docs", "assets")
	os.MkdirAll(outDir, 0o755)

	// ASCII (mermaid-ascii with hand-rolled fallback)
	home, _ := os.UserHomeDir()
	binDir := filepath.Join(home, ".bpmnflow", "bin")
	ascii := diagram.RenderASCIIAuto(ctx, model, binDir)
	os.WriteFile(filepath.Join(outDir, "diagram-ascii.txt"), []byte(ascii), 0o644)
	fmt.Println("=== ASCII ===")
	fmt.Println(ascii)

	// Mermaid flowchart
	mermaid := diagram.RenderMermaid(model)
	os.WriteFile(filepath.Join(outDir, "diagram-mermaid.md"), []byte("```mermaid\n"+mermaid+"\n```\n"), 0o644)
	fmt.Println("=== Mermaid ===")
	fmt.Println(mermaid)

	// Mermaid sankey
	sankey := diagram.RenderSankey(model)
	os.WriteFile(filepath.Join(outDir, "diagram-sankey.md"), []byte("```mermaid\n"+sankey+"```\n"), 0o644)
	fmt.Println("=== Sankey ===")
	fmt.Println(sankey)

	// Image (PNG)
	png, imgErr := diagram.RenderImage(ctx, model)
	if imgErr != nil {
		fmt.Fprintf(os.Stderr, "image error: %v\n", imgErr)
	} else {
		pngPath := filepath.Join(outDir, "diagram-sample.png")
		os.WriteFile(pngPath, png, 0o644)
		fmt.Printf("=== Image (PNG) ===\nWritten: %s (%d bytes)\n", pngPath, len(png))
	}
}
