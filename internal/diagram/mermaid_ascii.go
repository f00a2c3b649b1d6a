package diagram

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// MermaidASCIIBinary is the external renderer looked up on PATH.
const MermaidASCIIBinary = "mermaid-ascii"

// RenderASCIIAuto renders through the mermaid-ascii binary when it is on
// PATH, falling back to RenderASCII.
func RenderASCIIAuto(ctx context.Context, model *DiagramModel) string {
	if binPath, err := exec.LookPath(MermaidASCIIBinary); err == nil {
		if out, err := RenderASCIIViaCLI(ctx, model, binPath); err == nil {
			return out
		}
	}
	return RenderASCII(model)
}

// RenderASCIIViaCLI pipes simplified Mermaid through the binary at binPath.
func RenderASCIIViaCLI(ctx context.Context, model *DiagramModel, binPath string) (string, error) {
	cmd := exec.CommandContext(ctx, binPath)
	cmd.Stdin = strings.NewReader(RenderMermaidForCLI(model))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("mermaid-ascii: %w: %s", err, stderr.String())
	}
	return stdout.String(), nil
}

// RenderMermaidForCLI emits edge-only Mermaid that mermaid-ascii can
// parse. Node declarations with ["label"] are not supported there, so the
// status is folded into each node ID instead.
func RenderMermaidForCLI(model *DiagramModel) string {
	var b strings.Builder
	b.WriteString("graph TD\n")

	displayID := make(map[string]string, len(model.Nodes))
	for _, node := range model.Nodes {
		displayID[node.ID] = cliNodeID(node)
	}
	resolve := func(id string) string {
		if d, ok := displayID[id]; ok {
			return d
		}
		return mermaidSafeID(id)
	}

	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		b.WriteString(fmt.Sprintf("    %s -->%s %s\n", resolve(edge.From), label, resolve(edge.To)))
	}
	return b.String()
}

func cliNodeID(node *Node) string {
	id := node.ID
	if node.Kind == NodeKindStart || node.Kind == NodeKindEnd {
		id = node.Label
	}

	if node.Status != nil {
		if tag := cliStatusTag(node.Status.Status); tag != "" {
			id += "-" + tag
		}
		if node.Status.DurationMs > 0 {
			id += fmt.Sprintf("-%dms", node.Status.DurationMs)
		}
	}
	return strings.ReplaceAll(id, " ", "-")
}

func cliStatusTag(status string) string {
	switch status {
	case "passed":
		return "OK"
	case "failed":
		return "FAIL"
	case "errored":
		return "ERR"
	case "skipped":
		return "SKIP"
	default:
		return ""
	}
}
