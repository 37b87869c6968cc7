package workflow

import (
	"sort"
	"strings"

	"github.com/flowgate/flowgate/internal/canonical"
)

// CanonicalGraph serializes a graph into its canonical JSON form: nodes
// sorted by id, edges sorted by (from, to, condition), whitespace trimmed
// from identifiers, and absent optional blocks omitted entirely. Two graphs
// that differ only in declaration order or formatting produce identical
// bytes.
func CanonicalGraph(g Graph) ([]byte, error) {
	nodes := make([]any, 0, len(g.Nodes))
	sorted := append([]Node(nil), g.Nodes...)
	sort.Slice(sorted, func(i, j int) bool {
		return strings.TrimSpace(sorted[i].ID) < strings.TrimSpace(sorted[j].ID)
	})
	for _, n := range sorted {
		nodes = append(nodes, canonicalNode(n))
	}

	edges := make([]any, 0, len(g.Edges))
	sortedEdges := append([]Edge(nil), g.Edges...)
	keys := make([]string, len(sortedEdges))
	for i, e := range sortedEdges {
		keys[i] = edgeSortKey(e)
	}
	sort.Sort(&edgesByKey{edges: sortedEdges, keys: keys})
	for _, e := range sortedEdges {
		edges = append(edges, canonicalEdge(e))
	}

	doc := map[string]any{
		"nodes": nodes,
		"edges": edges,
	}
	if len(g.Policies) > 0 {
		doc["policies"] = g.Policies
	}
	return canonical.Marshal(doc)
}

// GraphChecksum returns the hex SHA-256 of the canonical graph bytes.
func GraphChecksum(g Graph) (string, error) {
	data, err := CanonicalGraph(g)
	if err != nil {
		return "", err
	}
	return canonical.ChecksumSHA256(data), nil
}

func canonicalNode(n Node) map[string]any {
	doc := map[string]any{
		"id":   strings.TrimSpace(n.ID),
		"type": string(n.Type),
	}
	if n.Assignment != nil {
		a := map[string]any{"strategy": string(n.Assignment.Strategy)}
		if v := strings.TrimSpace(n.Assignment.Role); v != "" {
			a["role"] = v
		}
		if v := strings.TrimSpace(n.Assignment.UserID); v != "" {
			a["userId"] = v
		}
		if v := strings.TrimSpace(n.Assignment.Expression); v != "" {
			a["expression"] = v
		}
		doc["assignment"] = a
	}
	if n.RuleRef != nil {
		doc["ruleRef"] = map[string]any{
			"ruleSetKey": strings.ToUpper(strings.TrimSpace(n.RuleRef.RuleSetKey)),
			"version":    n.RuleRef.Version,
		}
	}
	if n.Join != nil {
		j := map[string]any{"policy": string(n.Join.Policy)}
		if n.Join.Quorum != nil {
			j["quorum"] = *n.Join.Quorum
		}
		doc["join"] = j
	}
	if n.SLA != nil && n.SLA.DueInHours != nil {
		doc["sla"] = map[string]any{"dueInHours": *n.SLA.DueInHours}
	}
	return doc
}

func canonicalEdge(e Edge) map[string]any {
	doc := map[string]any{
		"from": strings.TrimSpace(e.From),
		"to":   strings.TrimSpace(e.To),
	}
	if len(e.Condition) > 0 {
		doc["condition"] = e.Condition
	}
	return doc
}

// edgeSortKey orders edges by (from, to, canonical condition bytes). The
// condition is folded into the key so parallel edges between the same pair
// of nodes still sort deterministically.
func edgeSortKey(e Edge) string {
	key := strings.TrimSpace(e.From) + "\x00" + strings.TrimSpace(e.To)
	if len(e.Condition) > 0 {
		if data, err := canonical.Marshal(e.Condition); err == nil {
			key += "\x00" + string(data)
		}
	}
	return key
}

type edgesByKey struct {
	edges []Edge
	keys  []string
}

func (s *edgesByKey) Len() int           { return len(s.edges) }
func (s *edgesByKey) Less(i, j int) bool { return s.keys[i] < s.keys[j] }
func (s *edgesByKey) Swap(i, j int) {
	s.edges[i], s.edges[j] = s.edges[j], s.edges[i]
	s.keys[i], s.keys[j] = s.keys[j], s.keys[i]
}
