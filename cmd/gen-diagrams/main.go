// gen-diagrams generates sample diagram outputs for README documentation.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stepflow-io/stepflow/internal/diagram"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

func main() {
	// Order fulfillment: fetch → validate → gated payment/restock branches
	// that fan into a merge, then an approval gate before shipping. The
	// payment step carries a fallback edge to a retry queue.
	def := &schema.WorkflowDefinition{
		ID:   "order-fulfillment",
		Name: "Order Fulfillment",
		Steps: []schema.StepDefinition{
			{ID: "fetch_order", Type: "http_request",
				Parameters: mustJSON(map[string]any{"url": "https://api.internal/orders/next", "method": "GET"})},
			{ID: "validate", Type: "assert", Dependencies: []string{"fetch_order"},
				Parameters: mustJSON(map[string]any{"schema": map[string]any{"required": []string{"order_id", "quantity"}}})},
			{ID: "charge_payment", Type: "http_request", Dependencies: []string{"validate"},
				Config: mustJSON(map[string]any{
					"condition": "steps.validate.output.quantity > 0",
					"on_error":  map[string]any{"strategy": "fallback", "fallback_step": "queue_retry"},
				})},
			{ID: "notify_restock", Type: "http_request", Dependencies: []string{"validate"},
				Config: mustJSON(map[string]any{"condition": "steps.validate.output.quantity == 0"})},
			{ID: "queue_retry", Type: "data_input",
				Parameters: mustJSON(map[string]any{"data": map[string]any{"queue": "payment-retry"}})},
			{ID: "join", Type: "merge", Dependencies: []string{"charge_payment", "notify_restock"},
				Config: mustJSON(map[string]any{"mode": "first_available"})},
			{ID: "ship_gate", Type: "approval", Dependencies: []string{"join"},
				Parameters: mustJSON(map[string]any{"prompt": "Approve order for shipping?"})},
			{ID: "ship", Type: "http_request", Dependencies: []string{"ship_gate"}},
		},
	}

	results := map[string]*schema.StepResult{
		"fetch_order":    {StepID: "fetch_order", Status: schema.StepStatusCompleted, ExecutionTimeMs: 450},
		"validate":       {StepID: "validate", Status: schema.StepStatusCompleted, ExecutionTimeMs: 12},
		"charge_payment": {StepID: "charge_payment", Status: schema.StepStatusCompleted, ExecutionTimeMs: 890},
		"notify_restock": {StepID: "notify_restock", Status: schema.StepStatusSkipped},
		"join":           {StepID: "join", Status: schema.StepStatusCompleted, ExecutionTimeMs: 1},
		"ship_gate":      {StepID: "ship_gate", Status: schema.StepStatusWaiting},
	}

	model, err := diagram.Build(def, results)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build error: %v\n", err)
		os.Exit(1)
	}

	outDir := filepath.Join("docs", "assets")
	os.MkdirAll(outDir, 0o755)

	ascii := diagram.RenderASCII(model)
	os.WriteFile(filepath.Join(outDir, "diagram-ascii.txt"), []byte(ascii), 0o644)
	fmt.Println("=== ASCII ===")
	fmt.Println(ascii)

	mermaid := diagram.RenderMermaid(model)
	os.WriteFile(filepath.Join(outDir, "diagram-mermaid.md"), []byte("```mermaid\n"+mermaid+"```\n"), 0o644)
	fmt.Println("=== Mermaid ===")
	fmt.Println(mermaid)

	png, imgErr := diagram.RenderImage(context.Background(), model)
	if imgErr != nil {
		fmt.Fprintf(os.Stderr, "image error: %v\n", imgErr)
	} else {
		pngPath := filepath.Join(outDir, "diagram-sample.png")
		os.WriteFile(pngPath, png, 0o644)
		fmt.Printf("=== Image (PNG) ===\nWritten: %s (%d bytes)\n", pngPath, len(png))
	}
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
