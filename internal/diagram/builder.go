package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/reqflow/internal/engine"
	"github.com/rendis/reqflow/pkg/schema"
)

// Build converts a workflow into a DiagramModel. When rep is non-nil the
// recorded step outcomes are overlaid onto the matching nodes. Graph errors
// (unknown dependency, cycle) are returned unchanged.
func Build(wf *schema.WorkflowDefinition, rep *schema.WorkflowReport) (*DiagramModel, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	graph, err := engine.BuildGraph(wf.Steps)
	if err != nil {
		return nil, err
	}

	model := &DiagramModel{Title: wf.Name}
	if model.Title == "" {
		model.Title = "Workflow"
	}

	model.Nodes = append(model.Nodes, &Node{ID: StartID, Label: "start", Kind: NodeKindStart})
	for _, name := range graph.Order {
		node := stepToNode(graph.Step(name))
		if rep != nil {
			if res, ok := rep.Step(name); ok {
				node.Status = overlay(res)
			}
		}
		model.Nodes = append(model.Nodes, node)
	}
	model.Nodes = append(model.Nodes, &Node{ID: EndID, Label: "end", Kind: NodeKindEnd})

	model.Edges = buildEdges(graph)
	model.Levels = buildLevels(graph)
	return model, nil
}

func stepToNode(step *schema.StepDefinition) *Node {
	return &Node{
		ID:    step.Name,
		Label: nodeLabel(step),
		Kind:  protocolKind(step.ResolvedProtocol()),
		Tags:  append([]string(nil), step.Tags...),
	}
}

func protocolKind(protocol string) NodeKind {
	switch protocol {
	case schema.ProtocolGraphQL:
		return NodeKindGraphQL
	case schema.ProtocolWebSocket:
		return NodeKindWebSocket
	case schema.ProtocolGRPC:
		return NodeKindGRPC
	default:
		return NodeKindHTTP
	}
}

// nodeLabel is the step name with a second line describing the request.
func nodeLabel(step *schema.StepDefinition) string {
	switch step.ResolvedProtocol() {
	case schema.ProtocolGraphQL:
		if step.GraphQL != nil && step.GraphQL.OperationName != "" {
			return fmt.Sprintf("%s\n(graphql %s)", step.Name, step.GraphQL.OperationName)
		}
		return fmt.Sprintf("%s\n(graphql)", step.Name)
	case schema.ProtocolWebSocket:
		return fmt.Sprintf("%s\n(ws %s)", step.Name, step.URL)
	case schema.ProtocolGRPC:
		return fmt.Sprintf("%s\n(grpc)", step.Name)
	}
	method := strings.ToUpper(step.Method)
	if method == "" {
		method = "GET"
	}
	return fmt.Sprintf("%s\n(%s %s)", step.Name, method, step.URL)
}

func overlay(res schema.StepResult) *StatusOverlay {
	o := &StatusOverlay{
		Status:     string(res.Status),
		Reason:     string(res.Reason),
		StatusCode: res.StatusCode,
		DurationMs: res.DurationMs,
		Attempts:   res.Attempts,
	}
	if res.Error != nil {
		o.Error = res.Error.Error()
	}
	return o
}

// buildEdges emits start → roots, dependency → dependent and leaves → end,
// all in execution order.
func buildEdges(g *engine.StepGraph) []Edge {
	var edges []Edge
	for _, name := range g.Order {
		if len(g.Dependencies[name]) == 0 {
			edges = append(edges, Edge{From: StartID, To: name})
		}
	}
	for _, name := range g.Order {
		for _, dep := range g.Dependencies[name] {
			edges = append(edges, Edge{From: dep, To: name})
		}
	}
	for _, name := range g.Order {
		if len(g.Dependents[name]) == 0 {
			edges = append(edges, Edge{From: name, To: EndID})
		}
	}
	return edges
}

func buildLevels(g *engine.StepGraph) [][]string {
	levels := make([][]string, 0, len(g.Levels)+2)
	levels = append(levels, []string{StartID})
	levels = append(levels, g.Levels...)
	levels = append(levels, []string{EndID})
	return levels
}
