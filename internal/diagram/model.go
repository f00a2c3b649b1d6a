// Package diagram renders the step graph of a workflow as Mermaid, ASCII
// or PNG, optionally overlaid with the outcome of a run.
package diagram

// NodeKind identifies how a node is drawn.
type NodeKind string

const (
	NodeKindHTTP      NodeKind = "http"
	NodeKindGraphQL   NodeKind = "graphql"
	NodeKindWebSocket NodeKind = "websocket"
	NodeKindGRPC      NodeKind = "grpc"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Virtual node IDs bracketing the step graph.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation every renderer consumes.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string // node IDs grouped by depth, start and end included
}

// Node is one step, or one of the virtual start/end nodes.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Tags   []string
	Status *StatusOverlay
}

// StatusOverlay carries the recorded outcome of a step.
type StatusOverlay struct {
	Status     string
	Reason     string
	StatusCode int
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge points from a dependency to its dependent.
type Edge struct {
	From  string
	To    string
	Label string
}

// Node looks up a node by ID.
func (m *DiagramModel) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
