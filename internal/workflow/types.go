// Package workflow defines the workflow graph model, its activation-time
// validator, and the canonical graph checksum.
//
// A graph is authored as (nodes, edges) with five node kinds. It is validated
// exactly once, when a DRAFT version is promoted to ACTIVE; after that the
// runtime trusts the graph completely, and any structural surprise at
// execution time is an invariant violation rather than a user error.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// NodeType enumerates the five supported node kinds.
type NodeType string

const (
	NodeStart    NodeType = "START"
	NodeApproval NodeType = "APPROVAL"
	NodeGateway  NodeType = "GATEWAY"
	NodeJoin     NodeType = "JOIN"
	NodeEnd      NodeType = "END"
)

// AssignmentStrategy enumerates how an APPROVAL node picks its assignee.
// RULE is accepted at design time but rejected by the runtime.
type AssignmentStrategy string

const (
	AssignUser AssignmentStrategy = "USER"
	AssignRole AssignmentStrategy = "ROLE"
	AssignRule AssignmentStrategy = "RULE"
)

// JoinPolicy enumerates join-barrier satisfaction policies.
type JoinPolicy string

const (
	JoinAll    JoinPolicy = "ALL"
	JoinAny    JoinPolicy = "ANY"
	JoinQuorum JoinPolicy = "QUORUM"
)

// Assignment configures who an APPROVAL task is assigned to.
type Assignment struct {
	Strategy   AssignmentStrategy `json:"strategy"`
	Role       string             `json:"role,omitempty"`
	UserID     string             `json:"userId,omitempty"`
	Expression string             `json:"expression,omitempty"`
}

// RuleRef pins a GATEWAY node to one immutable rule-set version.
type RuleRef struct {
	RuleSetKey string `json:"ruleSetKey"`
	Version    int    `json:"version"`
}

// JoinSpec configures a JOIN barrier. Quorum is only meaningful for the
// QUORUM policy.
type JoinSpec struct {
	Policy JoinPolicy `json:"policy"`
	Quorum *int       `json:"quorum,omitempty"`
}

// SLA records an informational due-date offset. Nothing in the engine
// actively expires tasks; dueAt is recorded for observability only.
type SLA struct {
	DueInHours *int `json:"dueInHours,omitempty"`
}

// Node is one workflow graph node with its type-specific configuration.
type Node struct {
	ID         string      `json:"id"`
	Type       NodeType    `json:"type"`
	Assignment *Assignment `json:"assignment,omitempty"`
	RuleRef    *RuleRef    `json:"ruleRef,omitempty"`
	Join       *JoinSpec   `json:"join,omitempty"`
	SLA        *SLA        `json:"sla,omitempty"`
}

// Edge connects two nodes. Condition is an opaque map; for edges leaving a
// GATEWAY its "branch" entry must be a boolean (or the strings
// "true"/"false"), enforced at activation.
type Edge struct {
	From      string         `json:"from"`
	To        string         `json:"to"`
	Condition map[string]any `json:"condition,omitempty"`
}

// Graph is the declarative (nodes, edges) pair as authored and stored.
type Graph struct {
	Nodes    []Node         `json:"nodes"`
	Edges    []Edge         `json:"edges"`
	Policies map[string]any `json:"policies,omitempty"`
}

// ParseGraph decodes a stored graph document. Numeric literals inside edge
// conditions and policies are preserved as json.Number so canonicalizing a
// stored canonical graph reproduces it exactly.
func ParseGraph(doc []byte) (Graph, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()

	var g Graph
	if err := dec.Decode(&g); err != nil {
		return Graph{}, fmt.Errorf("workflow: parse graph: %w", err)
	}
	return g, nil
}

// VersionStatus is the lifecycle state of a workflow version. Only DRAFT
// versions are mutable or activatable; ACTIVE and RETIRED are frozen.
type VersionStatus string

const (
	VersionDraft   VersionStatus = "DRAFT"
	VersionActive  VersionStatus = "ACTIVE"
	VersionRetired VersionStatus = "RETIRED"
)

// Definition is a named workflow owning an append-only series of versions.
// At most one version per definition is ACTIVE at a time.
type Definition struct {
	ID            string
	DefinitionKey string
	Name          string
	RequestType   string
	OwnerUserID   string
	AllowLoopback bool
	CreatedAt     time.Time
}

// Version is one numbered revision of a definition's graph. GraphJSON holds
// the canonical serialization once the version is activated.
type Version struct {
	ID                string
	DefinitionID      string
	VersionNo         int
	Status            VersionStatus
	GraphJSON         []byte
	ChecksumSHA256    string
	ActivatedAt       *time.Time
	ActivatedByUserID string
	CreatedAt         time.Time
	// Token is the optimistic concurrency token, bumped on every update.
	Token int64
}

// RuntimeVersion is the read-only view the runtime engine loads: a pinned
// version id, its owning definition key, and the parsed graph.
type RuntimeVersion struct {
	VersionID     string
	DefinitionKey string
	Graph         Graph
}
