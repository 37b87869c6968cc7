package workflow_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/internal/fault"
	"github.com/flowgate/flowgate/internal/rules"
	"github.com/flowgate/flowgate/internal/store"
	"github.com/flowgate/flowgate/internal/workflow"
)

func newServices(t *testing.T) (*workflow.Service, *rules.Service) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "workflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ruleSvc := rules.NewService(st, nil)
	return workflow.NewService(st, ruleSvc, nil), ruleSvc
}

func graphJSON(t *testing.T, g workflow.Graph) []byte {
	t.Helper()
	data, err := json.Marshal(g)
	require.NoError(t, err)
	return data
}

func linearApprovalGraph() workflow.Graph {
	return workflow.Graph{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			{ID: "review", Type: workflow.NodeApproval,
				Assignment: &workflow.Assignment{Strategy: workflow.AssignRole, Role: "MANAGER"}},
			{ID: "end", Type: workflow.NodeEnd},
		},
		Edges: []workflow.Edge{
			{From: "start", To: "review"},
			{From: "review", To: "end"},
		},
	}
}

func TestDefinitionAndVersionLifecycle(t *testing.T) {
	svc, _ := newServices(t)
	ctx := context.Background()

	def, err := svc.CreateDefinition(ctx, "expense_standard", "Standard expenses", "expense", "owner-1", false)
	require.NoError(t, err)
	require.Equal(t, "EXPENSE_STANDARD", def.DefinitionKey)
	require.Equal(t, "EXPENSE", def.RequestType)

	v1, err := svc.CreateVersion(ctx, def.ID, graphJSON(t, linearApprovalGraph()))
	require.NoError(t, err)
	require.Equal(t, 1, v1.VersionNo)
	require.Equal(t, workflow.VersionDraft, v1.Status)

	activated, err := svc.ActivateVersion(ctx, v1.ID, "owner-1")
	require.NoError(t, err)
	require.Equal(t, workflow.VersionActive, activated.Status)
	require.Len(t, activated.ChecksumSHA256, 64)

	rt, err := svc.RuntimeVersionForRequestType(ctx, "expense")
	require.NoError(t, err)
	require.Equal(t, v1.ID, rt.VersionID)
	require.Equal(t, "EXPENSE_STANDARD", rt.DefinitionKey)
	require.Len(t, rt.Graph.Nodes, 3)

	// Second activation of the same version is rejected: no longer DRAFT.
	_, err = svc.ActivateVersion(ctx, v1.ID, "owner-1")
	require.True(t, fault.IsConflict(err))
}

func TestActivationRunsStructuralValidation(t *testing.T) {
	svc, _ := newServices(t)
	ctx := context.Background()

	def, err := svc.CreateDefinition(ctx, "TRAVEL_STD", "Travel", "TRAVEL", "owner-1", false)
	require.NoError(t, err)

	g := linearApprovalGraph()
	g.Edges = g.Edges[:1] // review loses its outgoing edge

	v, err := svc.CreateVersion(ctx, def.ID, graphJSON(t, g))
	require.NoError(t, err, "drafts may hold invalid graphs")

	_, err = svc.ActivateVersion(ctx, v.ID, "owner-1")
	require.True(t, fault.IsInvalid(err))

	// The draft stays DRAFT after a failed activation.
	reloaded, err := svc.GetVersion(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.VersionDraft, reloaded.Status)
}

func TestActivationChecksGatewayRuleRefs(t *testing.T) {
	svc, ruleSvc := newServices(t)
	ctx := context.Background()

	def, err := svc.CreateDefinition(ctx, "PROC_STD", "Procurement", "PROCUREMENT", "owner-1", false)
	require.NoError(t, err)

	g := workflow.Graph{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			{ID: "gate", Type: workflow.NodeGateway,
				RuleRef: &workflow.RuleRef{RuleSetKey: "HIGH_VALUE", Version: 1}},
			{ID: "review", Type: workflow.NodeApproval,
				Assignment: &workflow.Assignment{Strategy: workflow.AssignRole, Role: "CFO"}},
			{ID: "end", Type: workflow.NodeEnd},
		},
		Edges: []workflow.Edge{
			{From: "start", To: "gate"},
			{From: "gate", To: "review", Condition: map[string]any{"branch": true}},
			{From: "gate", To: "end", Condition: map[string]any{"branch": false}},
			{From: "review", To: "end"},
		},
	}

	v, err := svc.CreateVersion(ctx, def.ID, graphJSON(t, g))
	require.NoError(t, err)

	_, err = svc.ActivateVersion(ctx, v.ID, "owner-1")
	require.True(t, fault.IsInvalid(err), "missing rule set must block activation")

	_, err = ruleSvc.CreateVersion(ctx, "HIGH_VALUE",
		[]byte(`{"field":"amount","op":"gte","value":10000}`), "owner-1")
	require.NoError(t, err)

	_, err = svc.ActivateVersion(ctx, v.ID, "owner-1")
	require.NoError(t, err)
}

func TestActivatingNewVersionRetiresOld(t *testing.T) {
	svc, _ := newServices(t)
	ctx := context.Background()

	def, err := svc.CreateDefinition(ctx, "HR_STD", "HR", "HR_CHANGE", "owner-1", false)
	require.NoError(t, err)

	v1, err := svc.CreateVersion(ctx, def.ID, graphJSON(t, linearApprovalGraph()))
	require.NoError(t, err)
	_, err = svc.ActivateVersion(ctx, v1.ID, "owner-1")
	require.NoError(t, err)

	g2 := linearApprovalGraph()
	g2.Nodes[1].Assignment.Role = "HR_DIRECTOR"
	v2, err := svc.CreateVersion(ctx, def.ID, graphJSON(t, g2))
	require.NoError(t, err)
	require.Equal(t, 2, v2.VersionNo)
	_, err = svc.ActivateVersion(ctx, v2.ID, "owner-1")
	require.NoError(t, err)

	rt, err := svc.RuntimeVersionForRequestType(ctx, "HR_CHANGE")
	require.NoError(t, err)
	require.Equal(t, v2.ID, rt.VersionID)

	old, err := svc.GetVersion(ctx, v1.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.VersionRetired, old.Status)

	// Pinned lookups still resolve retired versions.
	pinned, err := svc.RuntimeVersionByID(ctx, v1.ID)
	require.NoError(t, err)
	require.Equal(t, v1.ID, pinned.VersionID)
}
