package workflow

import (
	"strings"

	"github.com/flowgate/flowgate/internal/fault"
)

// RuntimeGraph is the read-only adjacency structure the engine traverses.
// It is built once per runtime operation from the stored canonical graph and
// treated as a value; it is never mutated after construction.
type RuntimeGraph struct {
	nodesByID map[string]Node
	outgoing  map[string][]runtimeEdge
	incoming  map[string][]runtimeEdge
}

// runtimeEdge tags an edge with its parsed boolean branch label, if any.
type runtimeEdge struct {
	From   string
	To     string
	Branch *bool
}

// BuildRuntimeGraph indexes a graph for traversal. An edge condition whose
// "branch" entry is present but not boolean-valued is a fatal configuration
// error: activation validation should have caught it, so a runtime
// occurrence means the stored graph drifted.
func BuildRuntimeGraph(g Graph) (*RuntimeGraph, error) {
	rg := &RuntimeGraph{
		nodesByID: make(map[string]Node, len(g.Nodes)),
		outgoing:  make(map[string][]runtimeEdge, len(g.Nodes)),
		incoming:  make(map[string][]runtimeEdge, len(g.Nodes)),
	}

	for _, node := range g.Nodes {
		id := strings.TrimSpace(node.ID)
		if id == "" {
			return nil, fault.Invalid("graph.nodes", "node id must be non-blank")
		}
		rg.nodesByID[id] = node
	}

	for _, edge := range g.Edges {
		from := strings.TrimSpace(edge.From)
		to := strings.TrimSpace(edge.To)
		if from == "" || to == "" {
			return nil, fault.Invalid("graph.edges", "edge endpoints must be non-blank")
		}
		branch, err := ParseBranch(edge.Condition)
		if err != nil {
			return nil, err
		}
		re := runtimeEdge{From: from, To: to, Branch: branch}
		rg.outgoing[from] = append(rg.outgoing[from], re)
		rg.incoming[to] = append(rg.incoming[to], re)
	}

	return rg, nil
}

// ParseBranch extracts the boolean branch label from an edge condition.
// Accepted values: JSON booleans and the case-insensitive strings
// "true"/"false". A missing condition or missing "branch" entry yields nil
// (unconditional edge); anything else is an InvalidDefinition fault.
func ParseBranch(condition map[string]any) (*bool, error) {
	if len(condition) == 0 {
		return nil, nil
	}
	raw, ok := condition["branch"]
	if !ok || raw == nil {
		return nil, nil
	}

	switch v := raw.(type) {
	case bool:
		b := v
		return &b, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true":
			b := true
			return &b, nil
		case "false":
			b := false
			return &b, nil
		}
	}
	return nil, fault.Invalid("condition.branch", "gateway branch condition must be boolean")
}

// StartNode returns the unique START node. The graph is validated at
// activation, so a missing START here is an invariant violation.
func (rg *RuntimeGraph) StartNode() (Node, error) {
	for _, node := range rg.nodesByID {
		if node.Type == NodeStart {
			return node, nil
		}
	}
	return Node{}, fault.Conflict("workflow graph is missing a START node")
}

// Node looks up a node by id. A miss indicates a validation escape and must
// not be silently tolerated.
func (rg *RuntimeGraph) Node(nodeKey string) (Node, error) {
	node, ok := rg.nodesByID[nodeKey]
	if !ok {
		return Node{}, fault.Conflict("workflow graph is missing node %s", nodeKey)
	}
	return node, nil
}

// SuccessorKeys returns the target node keys of all outgoing edges, in edge
// declaration order.
func (rg *RuntimeGraph) SuccessorKeys(nodeKey string) []string {
	edges := rg.outgoing[nodeKey]
	keys := make([]string, 0, len(edges))
	for _, e := range edges {
		keys = append(keys, e.To)
	}
	return keys
}

// PredecessorKeys returns the source node keys of all incoming edges.
func (rg *RuntimeGraph) PredecessorKeys(nodeKey string) []string {
	edges := rg.incoming[nodeKey]
	keys := make([]string, 0, len(edges))
	for _, e := range edges {
		keys = append(keys, e.From)
	}
	return keys
}

// ResolveGatewayTarget picks the single outgoing edge whose branch label
// equals outcome. Activation guarantees every gateway edge is labeled, so no
// match is an invariant violation, not a user error.
func (rg *RuntimeGraph) ResolveGatewayTarget(gatewayKey string, outcome bool) (string, error) {
	for _, edge := range rg.outgoing[gatewayKey] {
		if edge.Branch != nil && *edge.Branch == outcome {
			return edge.To, nil
		}
	}
	return "", fault.Conflict("gateway node %s has no branch for outcome %t", gatewayKey, outcome)
}

// NodeCount reports the number of indexed nodes.
func (rg *RuntimeGraph) NodeCount() int {
	return len(rg.nodesByID)
}
