package workflow

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/flowgate/flowgate/internal/fault"
)

// RuleSetExists is the rule-catalog collaborator the validator needs: it can
// answer whether a (ruleSetKey, version) pair exists.
type RuleSetExists interface {
	Exists(ctx context.Context, ruleSetKey string, version int) (bool, error)
}

// ValidateForActivation is the activation gate. It runs once, when a DRAFT
// version is promoted to ACTIVE, and checks structural and semantic
// invariants in a fixed order, each with a distinct reason. Any failure
// aborts activation with no partial state change.
func ValidateForActivation(ctx context.Context, g Graph, allowLoopback bool, rules RuleSetExists) error {
	// 1. Graph non-empty.
	if len(g.Nodes) == 0 || len(g.Edges) == 0 {
		return fault.Invalid("graph", "workflow graph must contain nodes and edges")
	}

	// 2. No duplicate node ids.
	nodesByID := make(map[string]Node, len(g.Nodes))
	order := make([]string, 0, len(g.Nodes))
	var startID, endID string
	startCount, endCount := 0, 0

	for _, node := range g.Nodes {
		id := strings.TrimSpace(node.ID)
		if id == "" {
			return fault.Invalid("graph.nodes", "node ids must be non-blank")
		}
		if _, dup := nodesByID[id]; dup {
			return fault.Invalid("graph.nodes", "duplicate node id is not allowed: %s", id)
		}
		nodesByID[id] = node
		order = append(order, id)

		switch node.Type {
		case NodeStart:
			startCount++
			startID = id
		case NodeEnd:
			endCount++
			endID = id
		}
	}

	// 3. Exactly one START, exactly one END.
	if startCount != 1 || endCount != 1 {
		return fault.Invalid("graph.nodes", "workflow graph must include exactly one START and one END node")
	}

	// 4. No dangling edge references.
	outgoing := make(map[string][]Edge, len(g.Nodes))
	incoming := make(map[string][]Edge, len(g.Nodes))
	for _, edge := range g.Edges {
		from := strings.TrimSpace(edge.From)
		to := strings.TrimSpace(edge.To)
		if from == "" || to == "" {
			return fault.Invalid("graph.edges", "edge endpoints must be non-blank")
		}
		if _, ok := nodesByID[from]; !ok {
			return fault.Invalid("graph.edges", "workflow graph contains dangling edge references: %s", from)
		}
		if _, ok := nodesByID[to]; !ok {
			return fault.Invalid("graph.edges", "workflow graph contains dangling edge references: %s", to)
		}
		outgoing[from] = append(outgoing[from], edge)
		incoming[to] = append(incoming[to], edge)
	}

	// 5. START has no incoming edges; END has no outgoing edges.
	if len(incoming[startID]) > 0 {
		return fault.Invalid("graph.edges", "START node cannot have incoming edges")
	}
	if len(outgoing[endID]) > 0 {
		return fault.Invalid("graph.edges", "END node cannot have outgoing edges")
	}

	// 6. Every non-END node has at least one outgoing edge.
	for _, id := range order {
		if nodesByID[id].Type != NodeEnd && len(outgoing[id]) == 0 {
			return fault.Invalid("graph.edges", "non-terminal node %s must have at least one outgoing edge", id)
		}
	}

	// 7. Per-node-type configuration completeness.
	for _, id := range order {
		if err := validateNodeConfig(id, nodesByID[id], outgoing[id], len(incoming[id])); err != nil {
			return err
		}
	}

	// 8. Every node reachable from START.
	if visited := traverse(startID, keysOf(outgoing, edgeTo)); len(visited) != len(nodesByID) {
		return fault.Invalid("graph", "all nodes must be reachable from START")
	}

	// 9. Every node can reach END (reverse traversal over transposed adjacency).
	if visited := traverse(endID, keysOf(incoming, edgeFrom)); len(visited) != len(nodesByID) {
		return fault.Invalid("graph", "all nodes must be able to reach END")
	}

	// 10. Acyclic unless the owning definition allows loopback.
	if !allowLoopback && hasCycle(order, keysOf(outgoing, edgeTo)) {
		return fault.Invalid("graph", "workflow graph contains a cycle but loopback is disabled")
	}

	// 11. Every gateway rule reference must exist.
	for _, id := range order {
		node := nodesByID[id]
		if node.Type != NodeGateway || node.RuleRef == nil {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(node.RuleRef.RuleSetKey))
		exists, err := rules.Exists(ctx, key, node.RuleRef.Version)
		if err != nil {
			return err
		}
		if !exists {
			return fault.Invalid("graph.nodes",
				"referenced rule set version not found for gateway node %s: %s v%d", id, key, node.RuleRef.Version)
		}
	}

	return nil
}

func validateNodeConfig(id string, node Node, out []Edge, incomingCount int) error {
	switch node.Type {
	case NodeApproval:
		return validateAssignment(id, node.Assignment)

	case NodeGateway:
		if node.RuleRef == nil || strings.TrimSpace(node.RuleRef.RuleSetKey) == "" || node.RuleRef.Version < 1 {
			return fault.Invalid("graph.nodes", "GATEWAY node %s requires a valid ruleRef (ruleSetKey + version >= 1)", id)
		}
		// Stricter than node-level config: every outgoing gateway edge must be
		// an explicit boolean branch, so runtime resolution can never dangle.
		for _, edge := range out {
			branch, err := ParseBranch(edge.Condition)
			if err != nil {
				return err
			}
			if branch == nil {
				return fault.Invalid("condition.branch",
					"every outgoing edge of GATEWAY node %s must carry an explicit boolean condition.branch label", id)
			}
		}
		return nil

	case NodeJoin:
		if node.Join == nil || node.Join.Policy == "" {
			return fault.Invalid("graph.nodes", "JOIN node %s requires an explicit join policy", id)
		}
		switch node.Join.Policy {
		case JoinAll, JoinAny:
			return nil
		case JoinQuorum:
			if node.Join.Quorum == nil || *node.Join.Quorum < 1 || *node.Join.Quorum > max(incomingCount, 1) {
				return fault.Invalid("graph.nodes", "JOIN node %s quorum must be between 1 and incoming edge count", id)
			}
			return nil
		default:
			return fault.Invalid("graph.nodes", "JOIN node %s has unknown policy %s", id, node.Join.Policy)
		}

	case NodeStart, NodeEnd:
		return nil

	default:
		return fault.Invalid("graph.nodes", "node %s has unsupported type %s", id, node.Type)
	}
}

func validateAssignment(id string, a *Assignment) error {
	if a == nil || a.Strategy == "" {
		return fault.Invalid("graph.nodes", "APPROVAL node %s requires a valid assignment strategy", id)
	}
	switch a.Strategy {
	case AssignRole:
		if strings.TrimSpace(a.Role) == "" {
			return fault.Invalid("graph.nodes", "ROLE assignment on node %s requires a role value", id)
		}
	case AssignUser:
		if _, err := uuid.Parse(strings.TrimSpace(a.UserID)); err != nil {
			return fault.Invalid("graph.nodes", "USER assignment on node %s requires a valid user id", id)
		}
	case AssignRule:
		// Accepted here, rejected at runtime; the asymmetry is intentional.
		if strings.TrimSpace(a.Expression) == "" {
			return fault.Invalid("graph.nodes", "RULE assignment on node %s requires an expression value", id)
		}
	default:
		return fault.Invalid("graph.nodes", "APPROVAL node %s has unknown assignment strategy %s", id, a.Strategy)
	}
	return nil
}

type edgeEnd func(Edge) string

func edgeTo(e Edge) string   { return strings.TrimSpace(e.To) }
func edgeFrom(e Edge) string { return strings.TrimSpace(e.From) }

func keysOf(adjacency map[string][]Edge, end edgeEnd) map[string][]string {
	result := make(map[string][]string, len(adjacency))
	for id, edges := range adjacency {
		for _, e := range edges {
			result[id] = append(result[id], end(e))
		}
	}
	return result
}

// traverse runs a BFS from start and returns the visited set.
func traverse(start string, adjacency map[string][]string) map[string]bool {
	visited := make(map[string]bool)
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		queue = append(queue, adjacency[id]...)
	}
	return visited
}

// Three-color DFS cycle detection. Runs over every node because validation
// happens before any traversal order is known.
func hasCycle(order []string, adjacency map[string][]string) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	state := make(map[string]int, len(order))

	var visit func(string) bool
	visit = func(id string) bool {
		switch state[id] {
		case gray:
			return true
		case black:
			return false
		}
		state[id] = gray
		for _, next := range adjacency[id] {
			if visit(next) {
				return true
			}
		}
		state[id] = black
		return false
	}

	for _, id := range order {
		if visit(id) {
			return true
		}
	}
	return false
}
