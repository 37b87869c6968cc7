package runtime_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/internal/fault"
	"github.com/flowgate/flowgate/internal/rules"
	"github.com/flowgate/flowgate/internal/runtime"
	"github.com/flowgate/flowgate/internal/store"
	"github.com/flowgate/flowgate/internal/workflow"
)

type fixture struct {
	store     *store.Store
	rules     *rules.Service
	workflows *workflow.Service
	runtime   *runtime.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "runtime.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ruleSvc := rules.NewService(st, nil)
	wfSvc := workflow.NewService(st, ruleSvc, nil)
	return &fixture{
		store:     st,
		rules:     ruleSvc,
		workflows: wfSvc,
		runtime:   runtime.NewService(st, wfSvc, ruleSvc, nil, nil),
	}
}

func (f *fixture) activate(t *testing.T, requestType string, g workflow.Graph) {
	f.activateWith(t, requestType, g, false)
}

func (f *fixture) activateWith(t *testing.T, requestType string, g workflow.Graph, allowLoopback bool) {
	t.Helper()
	ctx := context.Background()
	def, err := f.workflows.CreateDefinition(ctx, requestType+"_FLOW", requestType+" flow", requestType, "owner-1", allowLoopback)
	require.NoError(t, err)
	data, err := json.Marshal(g)
	require.NoError(t, err)
	v, err := f.workflows.CreateVersion(ctx, def.ID, data)
	require.NoError(t, err)
	_, err = f.workflows.ActivateVersion(ctx, v.ID, "owner-1")
	require.NoError(t, err)
}

func (f *fixture) draft(t *testing.T, requestType, amount string, requester runtime.Actor) store.Request {
	t.Helper()
	req, err := f.runtime.CreateDraft(context.Background(), runtime.CreateRequestInput{
		RequestType: requestType,
		Department:  "IT",
		Amount:      amount,
		Currency:    "USD",
		Payload:     []byte(`{"vendor":{"tier":"GOLD"}}`),
		Requester:   requester,
	})
	require.NoError(t, err)
	return req
}

func (f *fixture) pendingTask(t *testing.T, requestID, nodeKey string) store.Task {
	t.Helper()
	ctx := context.Background()
	inst, err := f.store.GetInstanceByRequest(ctx, requestID)
	require.NoError(t, err)
	tasks, err := f.store.TasksForInstanceNode(ctx, inst.ID, nodeKey)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	return tasks[0]
}

func (f *fixture) approve(t *testing.T, task store.Task, actor runtime.Actor) runtime.TaskView {
	t.Helper()
	ctx := context.Background()
	_, _, err := f.runtime.Claim(ctx, task.ID, actor, "")
	require.NoError(t, err)
	view, _, err := f.runtime.Decide(ctx, task.ID, actor, store.ActionApprove, "", "")
	require.NoError(t, err)
	return view
}

var (
	requester = runtime.Actor{UserID: "u-requester", Department: "IT"}
	manager   = runtime.Actor{UserID: "u-manager", Roles: []string{"MANAGER"}, Department: "IT"}
	cfo       = runtime.Actor{UserID: "u-cfo", Roles: []string{"CFO"}, Department: "IT"}
	cto       = runtime.Actor{UserID: "u-cto", Roles: []string{"CTO"}, Department: "IT"}
	admin     = runtime.Actor{UserID: "u-admin", Roles: []string{"ADMIN"}, Department: "HQ"}
)

func roleNode(id, role string) workflow.Node {
	return workflow.Node{ID: id, Type: workflow.NodeApproval,
		Assignment: &workflow.Assignment{Strategy: workflow.AssignRole, Role: role}}
}

func linearGraph() workflow.Graph {
	return workflow.Graph{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			roleNode("review", "MANAGER"),
			{ID: "end", Type: workflow.NodeEnd},
		},
		Edges: []workflow.Edge{
			{From: "start", To: "review"},
			{From: "review", To: "end"},
		},
	}
}

func joinGraph(policy workflow.JoinPolicy, quorum *int) workflow.Graph {
	return workflow.Graph{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			roleNode("cfo", "CFO"),
			roleNode("cto", "CTO"),
			{ID: "join", Type: workflow.NodeJoin, Join: &workflow.JoinSpec{Policy: policy, Quorum: quorum}},
			{ID: "end", Type: workflow.NodeEnd},
		},
		Edges: []workflow.Edge{
			{From: "start", To: "cfo"},
			{From: "start", To: "cto"},
			{From: "cfo", To: "join"},
			{From: "cto", To: "join"},
			{From: "join", To: "end"},
		},
	}
}

func TestLinearApprovalFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, "EXPENSE", linearGraph())

	req := f.draft(t, "EXPENSE", "250.00", requester)
	require.Equal(t, store.RequestDraft, req.Status)

	view, replayed, err := f.runtime.Submit(ctx, req.ID, requester, "submit-1")
	require.NoError(t, err)
	require.False(t, replayed)
	require.Equal(t, store.RequestInReview, view.Status)
	require.Equal(t, []string{"review"}, view.CurrentStepKeys)

	task := f.pendingTask(t, req.ID, "review")
	require.Equal(t, store.TaskPending, task.Status)
	require.Equal(t, "MANAGER", task.AssigneeRole)

	_, _, err = f.runtime.Claim(ctx, task.ID, manager, "")
	require.NoError(t, err)

	decided, _, err := f.runtime.Decide(ctx, task.ID, manager, store.ActionApprove, "looks fine", "")
	require.NoError(t, err)
	require.Equal(t, store.TaskApproved, decided.Status)
	require.Equal(t, store.RequestApproved, decided.RequestStatus)

	history, err := f.runtime.History(ctx, req.ID)
	require.NoError(t, err)
	var statuses []store.RequestStatus
	for _, h := range history {
		statuses = append(statuses, h.ToStatus)
	}
	require.Equal(t, []store.RequestStatus{
		store.RequestSubmitted, store.RequestInReview, store.RequestApproved,
	}, statuses)
}

func TestSubmitIdempotencyReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, "EXPENSE", linearGraph())
	req := f.draft(t, "EXPENSE", "100", requester)

	first, replayed, err := f.runtime.Submit(ctx, req.ID, requester, "submit-key")
	require.NoError(t, err)
	require.False(t, replayed)

	second, replayed, err := f.runtime.Submit(ctx, req.ID, requester, "submit-key")
	require.NoError(t, err)
	require.True(t, replayed)
	require.Equal(t, first, second)

	// The same key from a different actor is different content.
	_, _, err = f.runtime.Submit(ctx, req.ID, admin, "submit-key")
	require.True(t, fault.IsConflict(err))

	// Without a key, resubmitting an in-review request is a state conflict.
	_, _, err = f.runtime.Submit(ctx, req.ID, requester, "")
	require.True(t, fault.IsConflict(err))
}

func TestGatewayRoutesOnRuleOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rules.CreateVersion(ctx, "HIGH_VALUE",
		[]byte(`{"field":"amount","op":"gte","value":10000}`), "owner-1")
	require.NoError(t, err)

	g := workflow.Graph{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			{ID: "gate", Type: workflow.NodeGateway,
				RuleRef: &workflow.RuleRef{RuleSetKey: "HIGH_VALUE", Version: 1}},
			roleNode("cfo", "CFO"),
			{ID: "end", Type: workflow.NodeEnd},
		},
		Edges: []workflow.Edge{
			{From: "start", To: "gate"},
			{From: "gate", To: "cfo", Condition: map[string]any{"branch": true}},
			{From: "gate", To: "end", Condition: map[string]any{"branch": false}},
			{From: "cfo", To: "end"},
		},
	}
	f.activate(t, "PROCUREMENT", g)

	// Above the threshold: routed to the CFO.
	high := f.draft(t, "PROCUREMENT", "15000", requester)
	view, _, err := f.runtime.Submit(ctx, high.ID, requester, "")
	require.NoError(t, err)
	require.Equal(t, store.RequestInReview, view.Status)
	require.Equal(t, []string{"cfo"}, view.CurrentStepKeys)

	// Below the threshold: auto-approved straight through to END.
	low := f.draft(t, "PROCUREMENT", "99.99", requester)
	view, _, err = f.runtime.Submit(ctx, low.ID, requester, "")
	require.NoError(t, err)
	require.Equal(t, store.RequestApproved, view.Status)
	require.Empty(t, view.CurrentStepKeys)
}

func TestJoinQuorumTwoOfTwo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	quorum := 2
	f.activate(t, "CAPEX", joinGraph(workflow.JoinQuorum, &quorum))

	req := f.draft(t, "CAPEX", "50000", requester)
	view, _, err := f.runtime.Submit(ctx, req.ID, requester, "")
	require.NoError(t, err)
	require.Equal(t, []string{"cfo", "cto"}, view.CurrentStepKeys)

	cfoTask := f.pendingTask(t, req.ID, "cfo")
	_, _, err = f.runtime.Claim(ctx, cfoTask.ID, cfo, "")
	require.NoError(t, err)
	decided, _, err := f.runtime.Decide(ctx, cfoTask.ID, cfo, store.ActionApprove, "", "")
	require.NoError(t, err)
	require.Equal(t, store.RequestInReview, decided.RequestStatus, "one of two approvals is not enough")

	ctoTask := f.pendingTask(t, req.ID, "cto")
	_, _, err = f.runtime.Claim(ctx, ctoTask.ID, cto, "")
	require.NoError(t, err)
	decided, _, err = f.runtime.Decide(ctx, ctoTask.ID, cto, store.ActionApprove, "", "")
	require.NoError(t, err)
	require.Equal(t, store.RequestApproved, decided.RequestStatus)
}

func TestJoinAnySkipsSiblings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, "TRAVEL", joinGraph(workflow.JoinAny, nil))

	req := f.draft(t, "TRAVEL", "800", requester)
	_, _, err := f.runtime.Submit(ctx, req.ID, requester, "")
	require.NoError(t, err)

	cfoTask := f.pendingTask(t, req.ID, "cfo")
	ctoTask := f.pendingTask(t, req.ID, "cto")

	_, _, err = f.runtime.Claim(ctx, cfoTask.ID, cfo, "")
	require.NoError(t, err)
	decided, _, err := f.runtime.Decide(ctx, cfoTask.ID, cfo, store.ActionApprove, "", "")
	require.NoError(t, err)
	require.Equal(t, store.RequestApproved, decided.RequestStatus)

	skipped, err := f.runtime.GetTask(ctx, ctoTask.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskSkipped, skipped.Status)
}

func TestJoinQuorumOneCompletesAndSkipsSibling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	quorum := 1
	f.activate(t, "CAPEX", joinGraph(workflow.JoinQuorum, &quorum))

	req := f.draft(t, "CAPEX", "50000", requester)
	_, _, err := f.runtime.Submit(ctx, req.ID, requester, "")
	require.NoError(t, err)

	cfoTask := f.pendingTask(t, req.ID, "cfo")
	ctoTask := f.pendingTask(t, req.ID, "cto")

	// A single approval satisfies the quorum outright.
	view := f.approve(t, cfoTask, cfo)
	require.Equal(t, store.RequestApproved, view.RequestStatus)

	skipped, err := f.runtime.GetTask(ctx, ctoTask.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskSkipped, skipped.Status)
}

func TestMergedStepIsDecidedAgainPerBranch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := workflow.Graph{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			roleNode("mgr", "MANAGER"),
			roleNode("cto", "CTO"),
			roleNode("final", "CFO"),
			{ID: "end", Type: workflow.NodeEnd},
		},
		Edges: []workflow.Edge{
			{From: "start", To: "mgr"},
			{From: "start", To: "cto"},
			{From: "mgr", To: "final"},
			{From: "cto", To: "final"},
			{From: "final", To: "end"},
		},
	}
	f.activate(t, "BUDGET", g)
	req := f.draft(t, "BUDGET", "1200", requester)
	_, _, err := f.runtime.Submit(ctx, req.ID, requester, "")
	require.NoError(t, err)

	f.approve(t, f.pendingTask(t, req.ID, "mgr"), manager)
	firstFinal := f.pendingTask(t, req.ID, "final")
	f.approve(t, firstFinal, cfo)

	// The second branch arriving at the merged step must arm a fresh task
	// there instead of flowing through the earlier approval.
	view := f.approve(t, f.pendingTask(t, req.ID, "cto"), cto)
	require.Equal(t, store.RequestInReview, view.RequestStatus)

	inst, err := f.store.GetInstanceByRequest(ctx, req.ID)
	require.NoError(t, err)
	finals, err := f.store.TasksForInstanceNode(ctx, inst.ID, "final")
	require.NoError(t, err)
	require.Len(t, finals, 2)

	var second store.Task
	for _, task := range finals {
		if task.Status == store.TaskPending {
			second = task
		}
	}
	require.NotEmpty(t, second.ID)
	require.NotEqual(t, firstFinal.ID, second.ID)

	view = f.approve(t, second, cfo)
	require.Equal(t, store.RequestApproved, view.RequestStatus)
}

func TestLoopbackReArmsApprovedStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rules.CreateVersion(ctx, "LARGE_ENOUGH",
		[]byte(`{"field":"amount","op":"gte","value":1000}`), "owner-1")
	require.NoError(t, err)

	g := workflow.Graph{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			roleNode("review", "MANAGER"),
			{ID: "gate", Type: workflow.NodeGateway,
				RuleRef: &workflow.RuleRef{RuleSetKey: "LARGE_ENOUGH", Version: 1}},
			{ID: "end", Type: workflow.NodeEnd},
		},
		Edges: []workflow.Edge{
			{From: "start", To: "review"},
			{From: "review", To: "gate"},
			{From: "gate", To: "end", Condition: map[string]any{"branch": true}},
			{From: "gate", To: "review", Condition: map[string]any{"branch": false}},
		},
	}
	f.activateWith(t, "RENEWAL", g, true)

	req := f.draft(t, "RENEWAL", "500", requester)
	_, _, err = f.runtime.Submit(ctx, req.ID, requester, "")
	require.NoError(t, err)

	first := f.pendingTask(t, req.ID, "review")
	view := f.approve(t, first, manager)

	// Below the threshold the gateway loops back: the already-approved step
	// gets a fresh task and the instance stays active rather than stalling
	// with no work left.
	require.Equal(t, store.RequestInReview, view.RequestStatus)

	inst, err := f.store.GetInstanceByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstanceActive, inst.Status)

	tasks, err := f.store.TasksForInstanceNode(ctx, inst.ID, "review")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	var fresh store.Task
	for _, task := range tasks {
		if task.Status == store.TaskPending {
			fresh = task
		}
	}
	require.NotEmpty(t, fresh.ID)
	require.NotEqual(t, first.ID, fresh.ID)
}

func TestRejectCancelsSiblingsAndRequiresComment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, "CAPEX", joinGraph(workflow.JoinAll, nil))

	req := f.draft(t, "CAPEX", "50000", requester)
	_, _, err := f.runtime.Submit(ctx, req.ID, requester, "")
	require.NoError(t, err)

	cfoTask := f.pendingTask(t, req.ID, "cfo")
	ctoTask := f.pendingTask(t, req.ID, "cto")
	_, _, err = f.runtime.Claim(ctx, cfoTask.ID, cfo, "")
	require.NoError(t, err)

	_, _, err = f.runtime.Decide(ctx, cfoTask.ID, cfo, store.ActionReject, "   ", "")
	require.True(t, fault.IsInvalid(err), "blank comment must be rejected")

	decided, _, err := f.runtime.Decide(ctx, cfoTask.ID, cfo, store.ActionReject, "over budget", "")
	require.NoError(t, err)
	require.Equal(t, store.TaskRejected, decided.Status)
	require.Equal(t, store.RequestRejected, decided.RequestStatus)

	cancelled, err := f.runtime.GetTask(ctx, ctoTask.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskCancelled, cancelled.Status)

	inst, err := f.store.GetInstanceByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstanceRejected, inst.Status)
}

func TestSendBackAndResubmitRestarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, "EXPENSE", linearGraph())

	req := f.draft(t, "EXPENSE", "300", requester)
	_, _, err := f.runtime.Submit(ctx, req.ID, requester, "")
	require.NoError(t, err)

	task := f.pendingTask(t, req.ID, "review")
	_, _, err = f.runtime.Claim(ctx, task.ID, manager, "")
	require.NoError(t, err)
	decided, _, err := f.runtime.Decide(ctx, task.ID, manager, store.ActionSendBack, "missing receipt", "")
	require.NoError(t, err)
	require.Equal(t, store.TaskRejected, decided.Status)
	require.Equal(t, store.RequestChangesRequested, decided.RequestStatus)

	inst, err := f.store.GetInstanceByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, store.InstanceChangesRequested, inst.Status)

	// Resubmission restarts from START with a fresh task.
	view, _, err := f.runtime.Submit(ctx, req.ID, requester, "")
	require.NoError(t, err)
	require.Equal(t, store.RequestInReview, view.Status)

	fresh := f.pendingTask(t, req.ID, "review")
	require.NotEqual(t, task.ID, fresh.ID)
	require.Equal(t, store.TaskPending, fresh.Status)
}

func TestClaimSemantics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, "EXPENSE", linearGraph())
	req := f.draft(t, "EXPENSE", "100", requester)
	_, _, err := f.runtime.Submit(ctx, req.ID, requester, "")
	require.NoError(t, err)
	task := f.pendingTask(t, req.ID, "review")

	first, replayed, err := f.runtime.Claim(ctx, task.ID, manager, "claim-key")
	require.NoError(t, err)
	require.False(t, replayed)
	require.Equal(t, store.TaskClaimed, first.Status)

	// Same actor, same key: replay.
	again, replayed, err := f.runtime.Claim(ctx, task.ID, manager, "claim-key")
	require.NoError(t, err)
	require.True(t, replayed)
	require.Equal(t, first, again)

	// Same actor, no key: no-op success.
	_, _, err = f.runtime.Claim(ctx, task.ID, manager, "")
	require.NoError(t, err)

	// Another holder of the role: conflict.
	rival := runtime.Actor{UserID: "u-rival", Roles: []string{"MANAGER"}, Department: "IT"}
	_, _, err = f.runtime.Claim(ctx, task.ID, rival, "")
	require.True(t, fault.IsConflict(err))
}

func TestDecideIdempotencyAndPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, "EXPENSE", linearGraph())
	req := f.draft(t, "EXPENSE", "100", requester)
	_, _, err := f.runtime.Submit(ctx, req.ID, requester, "")
	require.NoError(t, err)
	task := f.pendingTask(t, req.ID, "review")

	// Deciding an unclaimed task is a conflict.
	_, _, err = f.runtime.Decide(ctx, task.ID, manager, store.ActionApprove, "", "")
	require.True(t, fault.IsConflict(err))

	_, _, err = f.runtime.Claim(ctx, task.ID, manager, "")
	require.NoError(t, err)

	_, _, err = f.runtime.Decide(ctx, task.ID, manager, store.ActionDelegate, "", "")
	require.True(t, fault.IsConflict(err), "DELEGATE is recognized but unsupported")

	first, replayed, err := f.runtime.Decide(ctx, task.ID, manager, store.ActionApprove, "ok", "decide-key")
	require.NoError(t, err)
	require.False(t, replayed)

	// Exact retry replays without touching state.
	again, replayed, err := f.runtime.Decide(ctx, task.ID, manager, store.ActionApprove, "ok", "decide-key")
	require.NoError(t, err)
	require.True(t, replayed)
	require.Equal(t, first, again)

	// Same key, different content: conflict.
	_, _, err = f.runtime.Decide(ctx, task.ID, manager, store.ActionReject, "changed my mind", "decide-key")
	require.True(t, fault.IsConflict(err))

	decisions, err := f.runtime.Decisions(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1, "replays must not append decision rows")
}

func TestAccessPolicyOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, "EXPENSE", linearGraph())
	req := f.draft(t, "EXPENSE", "100", requester)
	_, _, err := f.runtime.Submit(ctx, req.ID, requester, "")
	require.NoError(t, err)
	task := f.pendingTask(t, req.ID, "review")

	// Role match but wrong department.
	outsider := runtime.Actor{UserID: "u-out", Roles: []string{"MANAGER"}, Department: "SALES"}
	_, _, err = f.runtime.Claim(ctx, task.ID, outsider, "")
	require.True(t, fault.IsDenied(err))
	require.Contains(t, err.Error(), "DEPARTMENT_MISMATCH")

	// No assignment relation at all.
	stranger := runtime.Actor{UserID: "u-nobody", Department: "IT"}
	_, _, err = f.runtime.Claim(ctx, task.ID, stranger, "")
	require.True(t, fault.IsDenied(err))
	require.Contains(t, err.Error(), "NOT_ASSIGNED")

	// Admins bypass both checks.
	_, _, err = f.runtime.Claim(ctx, task.ID, admin, "")
	require.NoError(t, err)
}

func TestDirectAssigneeBlockedAcrossDepartments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	directID := uuid.NewString()
	g := workflow.Graph{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			{ID: "review", Type: workflow.NodeApproval,
				Assignment: &workflow.Assignment{Strategy: workflow.AssignUser, UserID: directID}},
			{ID: "end", Type: workflow.NodeEnd},
		},
		Edges: []workflow.Edge{
			{From: "start", To: "review"},
			{From: "review", To: "end"},
		},
	}
	f.activate(t, "PAYROLL", g)
	req := f.draft(t, "PAYROLL", "100", requester)
	_, _, err := f.runtime.Submit(ctx, req.ID, requester, "")
	require.NoError(t, err)
	task := f.pendingTask(t, req.ID, "review")

	// The department veto outranks a direct assignment.
	outsider := runtime.Actor{UserID: directID, Department: "SALES"}
	_, _, err = f.runtime.Claim(ctx, task.ID, outsider, "")
	require.True(t, fault.IsDenied(err))
	require.Contains(t, err.Error(), "DEPARTMENT_MISMATCH")

	insider := runtime.Actor{UserID: directID, Department: "IT"}
	_, _, err = f.runtime.Claim(ctx, task.ID, insider, "")
	require.NoError(t, err)
}

func TestCancelRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, "EXPENSE", linearGraph())
	req := f.draft(t, "EXPENSE", "100", requester)
	_, _, err := f.runtime.Submit(ctx, req.ID, requester, "")
	require.NoError(t, err)
	task := f.pendingTask(t, req.ID, "review")

	// Only the requester (or an admin) may cancel.
	_, _, err = f.runtime.Cancel(ctx, req.ID, manager, "", "")
	require.True(t, fault.IsDenied(err))

	view, _, err := f.runtime.Cancel(ctx, req.ID, requester, "no longer needed", "cancel-key")
	require.NoError(t, err)
	require.Equal(t, store.RequestCancelled, view.Status)

	cancelled, err := f.runtime.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskCancelled, cancelled.Status)

	// Replay.
	again, replayed, err := f.runtime.Cancel(ctx, req.ID, requester, "no longer needed", "cancel-key")
	require.NoError(t, err)
	require.True(t, replayed)
	require.Equal(t, view, again)

	// Cancelling a terminal request without the key is a conflict.
	_, _, err = f.runtime.Cancel(ctx, req.ID, requester, "", "")
	require.True(t, fault.IsConflict(err))
}

func TestListTasksForActor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, "CAPEX", joinGraph(workflow.JoinAll, nil))
	req := f.draft(t, "CAPEX", "50000", requester)
	_, _, err := f.runtime.Submit(ctx, req.ID, requester, "")
	require.NoError(t, err)

	mine, total, err := f.runtime.ListTasks(ctx, &cfo, store.TaskFilter{Status: store.TaskPending})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, mine, 1)
	require.Equal(t, "cfo", mine[0].NodeKey)

	all, total, err := f.runtime.ListTasks(ctx, nil, store.TaskFilter{Status: store.TaskPending})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, all, 2)

	// The role inbox and the personal view split once a task is claimed.
	cfoTask := f.pendingTask(t, req.ID, "cfo")
	_, _, err = f.runtime.Claim(ctx, cfoTask.ID, cfo, "")
	require.NoError(t, err)

	_, total, err = f.runtime.ListTasks(ctx, &cfo, store.TaskFilter{AssignedTo: store.AssignedToMe})
	require.NoError(t, err)
	require.Equal(t, 1, total, "a claimed task belongs to the claimant's personal view")

	rival := runtime.Actor{UserID: "u-cfo-2", Roles: []string{"CFO"}, Department: "IT"}
	_, total, err = f.runtime.ListTasks(ctx, &rival, store.TaskFilter{AssignedTo: store.AssignedToRole})
	require.NoError(t, err)
	require.Equal(t, 0, total, "a task claimed by someone else leaves the shared role inbox")

	_, total, err = f.runtime.ListTasks(ctx, &cfo, store.TaskFilter{AssignedTo: store.AssignedToRole})
	require.NoError(t, err)
	require.Equal(t, 1, total, "the claimant still sees it in their role view")

	_, _, err = f.runtime.ListTasks(ctx, &cfo, store.TaskFilter{AssignedTo: "everyone"})
	require.True(t, fault.IsInvalid(err))
}
