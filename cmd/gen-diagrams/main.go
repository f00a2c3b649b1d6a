// gen-diagrams generates sample diagram outputs for README documentation.
// Run: go run ./cmd/gen-diagrams [workflow]
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/reqflow/internal/diagram"
	"github.com/rendis/reqflow/internal/loader"
	"github.com/rendis/reqflow/pkg/schema"
)

func main() {
	path := filepath.Join("examples", "shop", "shop.yaml")
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	wf, err := loader.LoadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load error: %v\n", err)
		os.Exit(1)
	}

	// A run where the order was placed but the status feed never answered.
	rep := &schema.WorkflowReport{RunID: "sample", Workflow: wf.Name, StartedAt: time.Now()}
	rep.Add(schema.StepResult{Name: "login", Status: schema.StepStatusPassed, Attempts: 1, StatusCode: 200, DurationMs: 142})
	rep.Add(schema.StepResult{Name: "catalogue", Status: schema.StepStatusPassed, Attempts: 1, StatusCode: 200, DurationMs: 88})
	rep.Add(schema.StepResult{Name: "place-order", Status: schema.StepStatusPassed, Attempts: 2, StatusCode: 201, DurationMs: 731})
	rep.Add(schema.StepResult{Name: "order-feed", Status: schema.StepStatusErrored, Attempts: 1, DurationMs: 5002,
		Error: schema.NewError(schema.ErrCodeTransport, "no message within 5s")})
	rep.Finalize(time.Now())

	model, err := diagram.Build(wf, rep)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build error: %v\n", err)
		os.Exit(1)
	}

	outDir := filepath.Join("docs", "assets")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "mkdir: %v\n", err)
		os.Exit(1)
	}
	ctx := context.Background()

	// ASCII (mermaid-ascii with hand-rolled fallback)
	ascii := diagram.RenderASCIIAuto(ctx, model)
	write(filepath.Join(outDir, "diagram-ascii.txt"), []byte(ascii))
	fmt.Println("=== ASCII ===")
	fmt.Println(ascii)

	mermaid := diagram.RenderMermaid(model)
	write(filepath.Join(outDir, "diagram-mermaid.md"), []byte("```mermaid\n"+mermaid+"\n```\n"))
	fmt.Println("=== Mermaid ===")
	fmt.Println(mermaid)

	png, imgErr := diagram.RenderImage(ctx, model)
	if imgErr != nil {
		fmt.Fprintf(os.Stderr, "image error: %v\n", imgErr)
		return
	}
	pngPath := filepath.Join(outDir, "diagram-sample.png")
	write(pngPath, png)
	fmt.Printf("=== Image (PNG) ===\nWritten: %s (%d bytes)\n", pngPath, len(png))
}

func write(path string, data []byte) {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", path, err)
	}
}
