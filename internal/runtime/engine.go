package runtime

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/flowgate/flowgate/internal/fault"
	"github.com/flowgate/flowgate/internal/rules"
	"github.com/flowgate/flowgate/internal/store"
	"github.com/flowgate/flowgate/internal/workflow"
)

// startOrRestart positions the request's instance at START and propagates.
// A first submission creates the instance; a resubmission after SEND_BACK
// resets the existing one, discarding its previous tasks.
func (s *Service) startOrRestart(ctx context.Context, req *store.Request) (store.Instance, error) {
	version, err := s.workflows.RuntimeVersionByID(ctx, req.WorkflowVersionID)
	if err != nil {
		return store.Instance{}, err
	}
	graph, err := workflow.BuildRuntimeGraph(version.Graph)
	if err != nil {
		return store.Instance{}, err
	}

	now := s.now()
	inst, err := s.store.GetInstanceByRequest(ctx, req.ID)
	switch {
	case fault.IsNotFound(err):
		inst = store.Instance{
			ID:                  uuid.NewString(),
			RequestID:           req.ID,
			WorkflowVersionID:   req.WorkflowVersionID,
			Status:              store.InstanceActive,
			CurrentStepKeysJSON: `[]`,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := s.store.CreateInstance(ctx, inst); err != nil {
			return store.Instance{}, err
		}
	case err != nil:
		return store.Instance{}, err
	default:
		if err := s.store.ResetInstance(ctx, inst.ID, req.WorkflowVersionID, now); err != nil {
			return store.Instance{}, err
		}
		inst, err = s.store.GetInstance(ctx, inst.ID)
		if err != nil {
			return store.Instance{}, err
		}
	}

	start, err := graph.StartNode()
	if err != nil {
		return store.Instance{}, err
	}
	return s.propagate(ctx, req, inst, graph, graph.SuccessorKeys(start.ID))
}

// propagate walks the graph from the seed nodes, creating tasks at APPROVAL
// nodes, routing through gateways and evaluating joins. The whole wave runs
// in one transaction: a failure mid-walk leaves no half-created tasks
// behind. It finishes by snapshotting the active step keys and folding the
// outcome back into the request status.
func (s *Service) propagate(ctx context.Context, req *store.Request, inst store.Instance, graph *workflow.RuntimeGraph, seeds []string) (store.Instance, error) {
	out := inst
	err := s.store.Transact(ctx, func(st *store.Store) error {
		var err error
		out, err = s.withStore(st).runWave(ctx, req, inst, graph, seeds)
		return err
	})
	if err != nil {
		return inst, err
	}
	return out, nil
}

// runWave processes one propagation wave. The visited set guards against
// infinite loops among automatic nodes only; APPROVAL nodes are exempt
// because pausing at them is what legitimately stops traversal, and a
// loopback edge may revisit them across waves.
func (s *Service) runWave(ctx context.Context, req *store.Request, inst store.Instance, graph *workflow.RuntimeGraph, seeds []string) (store.Instance, error) {
	queue := append([]string(nil), seeds...)
	visited := make(map[string]bool)

	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]

		node, err := graph.Node(key)
		if err != nil {
			return inst, err
		}

		if node.Type != workflow.NodeApproval {
			if visited[key] {
				return inst, fault.Conflict("automatic traversal detected a loop at node %s", key)
			}
			visited[key] = true
		}

		switch node.Type {
		case workflow.NodeStart:
			queue = append(queue, graph.SuccessorKeys(key)...)

		case workflow.NodeApproval:
			if err := s.visitApproval(ctx, inst, node); err != nil {
				return inst, err
			}

		case workflow.NodeGateway:
			target, err := s.routeGateway(ctx, *req, graph, node)
			if err != nil {
				return inst, err
			}
			queue = append(queue, target)

		case workflow.NodeJoin:
			satisfied, err := s.visitJoin(ctx, inst, graph, node)
			if err != nil {
				return inst, err
			}
			if satisfied {
				queue = append(queue, graph.SuccessorKeys(key)...)
			}

		case workflow.NodeEnd:
			// Terminal marker. Completion is decided from the active task
			// set once the queue drains, not from reaching this node.

		default:
			return inst, fault.Conflict("node %s has unexecutable type %s", key, node.Type)
		}
	}

	return s.settle(ctx, req, inst)
}

// visitApproval creates the node's task unless one is already active at the
// step. The walk never flows through an APPROVAL: a step re-entered after an
// earlier approval (merge branch, loopback) gets a fresh task and must be
// decided again.
func (s *Service) visitApproval(ctx context.Context, inst store.Instance, node workflow.Node) error {
	existing, err := s.store.TasksForInstanceNode(ctx, inst.ID, node.ID)
	if err != nil {
		return err
	}
	for _, t := range existing {
		if !t.Status.Terminal() {
			return nil
		}
	}

	task, err := s.buildTask(inst, node)
	if err != nil {
		return err
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "task created",
		"taskId", task.ID, "instanceId", inst.ID, "nodeKey", node.ID,
		"assigneeRole", task.AssigneeRole, "assigneeUserId", task.AssigneeUserID)
	return nil
}

func (s *Service) buildTask(inst store.Instance, node workflow.Node) (store.Task, error) {
	now := s.now()
	task := store.Task{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		NodeKey:    node.ID,
		Status:     store.TaskPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	a := node.Assignment
	if a == nil {
		return store.Task{}, fault.Conflict("approval node %s has no assignment", node.ID)
	}
	switch a.Strategy {
	case workflow.AssignRole:
		task.AssigneeRole = a.Role
	case workflow.AssignUser:
		task.AssigneeUserID = a.UserID
	case workflow.AssignRule:
		// Accepted at activation but not executable.
		return store.Task{}, fault.Conflict("approval node %s uses the RULE assignment strategy, which cannot be executed", node.ID)
	default:
		return store.Task{}, fault.Conflict("approval node %s has unknown assignment strategy %s", node.ID, a.Strategy)
	}

	if node.SLA != nil && node.SLA.DueInHours != nil {
		due := now.Add(time.Duration(*node.SLA.DueInHours) * time.Hour)
		task.DueAt = &due
	}
	return task, nil
}

// routeGateway evaluates the node's rule set against the request facts and
// resolves the labeled branch for the outcome.
func (s *Service) routeGateway(ctx context.Context, req store.Request, graph *workflow.RuntimeGraph, node workflow.Node) (string, error) {
	if node.RuleRef == nil {
		return "", fault.Conflict("gateway node %s has no rule reference", node.ID)
	}
	facts, err := rules.ContextFromRequest(req)
	if err != nil {
		return "", err
	}
	matched, err := s.rules.Matches(ctx, node.RuleRef.RuleSetKey, node.RuleRef.Version, facts)
	if err != nil {
		return "", err
	}
	s.logger.InfoContext(ctx, "gateway routed",
		"requestId", req.ID, "nodeKey", node.ID,
		"ruleSetKey", node.RuleRef.RuleSetKey, "outcome", matched)
	return graph.ResolveGatewayTarget(node.ID, matched)
}

// visitJoin checks the join policy against the terminal state of the
// approval nodes feeding it. On ANY and QUORUM satisfaction the still
// active sibling tasks are skipped; ALL by definition has none left.
func (s *Service) visitJoin(ctx context.Context, inst store.Instance, graph *workflow.RuntimeGraph, node workflow.Node) (bool, error) {
	if node.Join == nil {
		return false, fault.Conflict("join node %s has no join policy", node.ID)
	}

	var approvalPreds []string
	for _, pred := range graph.PredecessorKeys(node.ID) {
		predNode, err := graph.Node(pred)
		if err != nil {
			return false, err
		}
		if predNode.Type == workflow.NodeApproval {
			approvalPreds = append(approvalPreds, pred)
		}
	}

	approved := 0
	for _, pred := range approvalPreds {
		tasks, err := s.store.TasksForInstanceNode(ctx, inst.ID, pred)
		if err != nil {
			return false, err
		}
		for _, t := range tasks {
			if t.Status == store.TaskApproved {
				approved++
				break
			}
		}
	}

	var satisfied bool
	switch node.Join.Policy {
	case workflow.JoinAll:
		satisfied = approved == len(approvalPreds)
	case workflow.JoinAny:
		satisfied = approved >= 1
	case workflow.JoinQuorum:
		if node.Join.Quorum == nil {
			return false, fault.Conflict("join node %s has no quorum value", node.ID)
		}
		satisfied = approved >= *node.Join.Quorum
	default:
		return false, fault.Conflict("join node %s has unknown policy %s", node.ID, node.Join.Policy)
	}
	if !satisfied {
		return false, nil
	}

	if node.Join.Policy == workflow.JoinAny || node.Join.Policy == workflow.JoinQuorum {
		if err := s.skipActiveSiblings(ctx, inst, approvalPreds); err != nil {
			return false, err
		}
	}
	return true, nil
}

// skipActiveSiblings marks the still pending or claimed tasks of the given
// nodes as SKIPPED once the join no longer needs them.
func (s *Service) skipActiveSiblings(ctx context.Context, inst store.Instance, nodeKeys []string) error {
	for _, key := range nodeKeys {
		tasks, err := s.store.TasksForInstanceNode(ctx, inst.ID, key)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.Status.Terminal() {
				continue
			}
			t.Status = store.TaskSkipped
			t.UpdatedAt = s.now()
			if err := s.store.UpdateTask(ctx, t); err != nil {
				return err
			}
			s.logger.InfoContext(ctx, "task skipped by join",
				"taskId", t.ID, "nodeKey", t.NodeKey)
		}
	}
	return nil
}

// settle persists the wave outcome. An empty active-task set is the sole
// completion test: no tasks left means the instance is COMPLETED and the
// request APPROVED, otherwise it stays ACTIVE with its current step
// snapshot and the request moves to IN_REVIEW.
func (s *Service) settle(ctx context.Context, req *store.Request, inst store.Instance) (store.Instance, error) {
	active, err := s.activeStepKeys(ctx, inst.ID)
	if err != nil {
		return inst, err
	}

	completed := len(active) == 0
	if completed {
		inst.Status = store.InstanceCompleted
	}
	inst.CurrentStepKeysJSON = encodeStepKeys(active)
	inst.UpdatedAt = s.now()
	if err := s.store.UpdateInstance(ctx, inst); err != nil {
		return inst, err
	}
	inst.Token++

	if completed {
		if err := s.transitionRequest(ctx, req, store.RequestApproved, req.RequesterUserID, "workflow completed"); err != nil {
			return inst, err
		}
	} else {
		if err := s.transitionRequest(ctx, req, store.RequestInReview, req.RequesterUserID, ""); err != nil {
			return inst, err
		}
	}
	return inst, nil
}

// cancelActiveRuntime cancels the request's instance and every active task
// it still holds. Requests without an instance (never submitted) are a
// no-op.
func (s *Service) cancelActiveRuntime(ctx context.Context, requestID string) (store.Instance, error) {
	inst, err := s.store.GetInstanceByRequest(ctx, requestID)
	if fault.IsNotFound(err) {
		return store.Instance{}, nil
	}
	if err != nil {
		return store.Instance{}, err
	}

	err = s.store.Transact(ctx, func(st *store.Store) error {
		ts := s.withStore(st)
		if err := ts.cancelActiveTasks(ctx, inst.ID, ""); err != nil {
			return err
		}
		if inst.Status != store.InstanceActive {
			return nil
		}
		inst.Status = store.InstanceCancelled
		inst.CurrentStepKeysJSON = `[]`
		inst.UpdatedAt = ts.now()
		if err := ts.store.UpdateInstance(ctx, inst); err != nil {
			return err
		}
		inst.Token++
		return nil
	})
	return inst, err
}

// cancelActiveTasks cancels every non-terminal task of the instance except
// the one named by exceptTaskID.
func (s *Service) cancelActiveTasks(ctx context.Context, instanceID, exceptTaskID string) error {
	tasks, err := s.store.TasksForInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.ID == exceptTaskID || t.Status.Terminal() {
			continue
		}
		t.Status = store.TaskCancelled
		t.UpdatedAt = s.now()
		if err := s.store.UpdateTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) activeStepKeys(ctx context.Context, instanceID string) ([]string, error) {
	tasks, err := s.store.TasksForInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var keys []string
	for _, t := range tasks {
		if t.Status.Terminal() || seen[t.NodeKey] {
			continue
		}
		seen[t.NodeKey] = true
		keys = append(keys, t.NodeKey)
	}
	sort.Strings(keys)
	return keys, nil
}

func encodeStepKeys(keys []string) string {
	if len(keys) == 0 {
		return `[]`
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return `[]`
	}
	return string(data)
}

// decodeStepKeys returns nil for an empty snapshot so live views and
// idempotent replays of the same state compare equal.
func decodeStepKeys(doc string) []string {
	var keys []string
	if err := json.Unmarshal([]byte(doc), &keys); err != nil || len(keys) == 0 {
		return nil
	}
	return keys
}
