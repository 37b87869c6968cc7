package runtime

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/flowgate/flowgate/internal/fault"
	"github.com/flowgate/flowgate/internal/store"
	"github.com/flowgate/flowgate/internal/workflow"
)

// TaskView is the externally visible state of a task, also used as the
// idempotency snapshot of claim and decision responses.
type TaskView struct {
	TaskID        string              `json:"taskId"`
	NodeKey       string              `json:"nodeKey"`
	Status        store.TaskStatus    `json:"status"`
	ClaimedBy     string              `json:"claimedBy,omitempty"`
	RequestID     string              `json:"requestId"`
	RequestStatus store.RequestStatus `json:"requestStatus"`
}

// Claim takes exclusive ownership of a PENDING task. Claiming a task the
// actor already holds is an idempotent no-op; a task claimed by someone
// else is a conflict. The access policy is consulted before any state
// changes.
func (s *Service) Claim(ctx context.Context, taskID string, actor Actor, idemKey string) (TaskView, bool, error) {
	ids, err := s.resolveTaskIDs(ctx, taskID)
	if err != nil {
		return TaskView{}, false, err
	}
	unlock := s.lockOrdered(ids.requestID, ids.instanceID, taskID)
	defer unlock()

	hash := contentHash(ScopeTaskClaim, taskID, actor.UserID)
	return runIdempotent(ctx, s.store, ScopeTaskClaim, idemKey, hash, s.now(), func() (TaskView, error) {
		return s.claim(ctx, taskID, actor)
	})
}

func (s *Service) claim(ctx context.Context, taskID string, actor Actor) (TaskView, error) {
	task, inst, req, err := s.loadTaskChain(ctx, taskID)
	if err != nil {
		return TaskView{}, err
	}

	decision := s.policy.Authorize(actor, task, req)
	if !decision.Allowed {
		return TaskView{}, fault.Denied(decision.ReasonCode)
	}

	switch task.Status {
	case store.TaskPending:
		now := s.now()
		task.Status = store.TaskClaimed
		task.ClaimedByUserID = actor.UserID
		task.ClaimedAt = &now
		task.UpdatedAt = now
		if err := s.store.UpdateTask(ctx, task); err != nil {
			return TaskView{}, err
		}
		s.logger.InfoContext(ctx, "task claimed",
			"taskId", task.ID, "userId", actor.UserID, "accessReason", decision.ReasonCode)
	case store.TaskClaimed:
		if task.ClaimedByUserID != actor.UserID {
			return TaskView{}, fault.Conflict("task is already claimed by another user")
		}
		// Re-claim by the same user is a no-op.
	default:
		return TaskView{}, fault.Conflict("task in status %s cannot be claimed", task.Status)
	}

	return taskView(task, inst, req), nil
}

// Decide records a decision on a task the actor has claimed.
//
// APPROVE resumes graph propagation past the task's node. REJECT and
// SEND_BACK require a non-blank comment, cancel every other active task of
// the instance and drive the request to its corresponding status. DELEGATE
// is recognized but not supported.
//
// The idempotency key is scoped to the task, so retrying the same decision
// replays the stored response while a different decision under the same key
// is a conflict.
func (s *Service) Decide(ctx context.Context, taskID string, actor Actor, action store.DecisionAction, comment, idemKey string) (TaskView, bool, error) {
	ids, err := s.resolveTaskIDs(ctx, taskID)
	if err != nil {
		return TaskView{}, false, err
	}
	unlock := s.lockOrdered(ids.requestID, ids.instanceID, taskID)
	defer unlock()

	scopedKey := idemKey
	if idemKey != "" {
		scopedKey = taskID + ":" + idemKey
	}
	hash := contentHash(ScopeTaskDecision, taskID, actor.UserID, string(action), comment)
	return runIdempotent(ctx, s.store, ScopeTaskDecision, scopedKey, hash, s.now(), func() (TaskView, error) {
		return s.decide(ctx, taskID, actor, action, comment)
	})
}

func (s *Service) decide(ctx context.Context, taskID string, actor Actor, action store.DecisionAction, comment string) (TaskView, error) {
	task, inst, req, err := s.loadTaskChain(ctx, taskID)
	if err != nil {
		return TaskView{}, err
	}

	var taskStatus store.TaskStatus
	switch action {
	case store.ActionApprove:
		taskStatus = store.TaskApproved
	case store.ActionReject, store.ActionSendBack:
		// Both close the task as REJECTED; they differ in where they leave
		// the instance and the request.
		taskStatus = store.TaskRejected
	case store.ActionDelegate:
		return TaskView{}, fault.Conflict("DELEGATE decisions are not supported")
	default:
		return TaskView{}, fault.Invalid("action", "unknown decision action %s", action)
	}

	if (action == store.ActionReject || action == store.ActionSendBack) && strings.TrimSpace(comment) == "" {
		return TaskView{}, fault.Invalid("comment", "%s decisions require a comment", action)
	}

	if task.Status != store.TaskClaimed || task.ClaimedByUserID != actor.UserID {
		return TaskView{}, fault.Conflict("task must be claimed by the deciding user")
	}

	now := s.now()
	if err := s.store.CreateDecision(ctx, store.Decision{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		Action:      action,
		Comment:     strings.TrimSpace(comment),
		ActorUserID: actor.UserID,
		CreatedAt:   now,
	}); err != nil {
		return TaskView{}, err
	}

	task.Status = taskStatus
	task.DecidedAt = &now
	task.UpdatedAt = now
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return TaskView{}, err
	}
	task.Token++

	s.logger.InfoContext(ctx, "task decided",
		"taskId", task.ID, "action", string(action), "userId", actor.UserID)

	switch action {
	case store.ActionApprove:
		inst, err = s.resumeAfterApproval(ctx, &req, inst, task.NodeKey)
	case store.ActionReject:
		inst, err = s.terminateAfterDecision(ctx, &req, inst, task.ID,
			store.InstanceRejected, store.RequestRejected, actor.UserID, comment)
	case store.ActionSendBack:
		inst, err = s.terminateAfterDecision(ctx, &req, inst, task.ID,
			store.InstanceChangesRequested, store.RequestChangesRequested, actor.UserID, comment)
	}
	if err != nil {
		return TaskView{}, err
	}
	return taskView(task, inst, req), nil
}

// resumeAfterApproval continues the walk from the approved node's
// successors.
func (s *Service) resumeAfterApproval(ctx context.Context, req *store.Request, inst store.Instance, nodeKey string) (store.Instance, error) {
	version, err := s.workflows.RuntimeVersionByID(ctx, req.WorkflowVersionID)
	if err != nil {
		return inst, err
	}
	graph, err := workflow.BuildRuntimeGraph(version.Graph)
	if err != nil {
		return inst, err
	}
	return s.propagate(ctx, req, inst, graph, graph.SuccessorKeys(nodeKey))
}

// terminateAfterDecision handles the shared tail of REJECT and SEND_BACK in
// one transaction: cancel the remaining active tasks, close the instance
// and transition the request.
func (s *Service) terminateAfterDecision(ctx context.Context, req *store.Request, inst store.Instance, decidedTaskID string, instStatus store.InstanceStatus, to store.RequestStatus, actorUserID, reason string) (store.Instance, error) {
	out := inst
	err := s.store.Transact(ctx, func(st *store.Store) error {
		ts := s.withStore(st)
		if err := ts.cancelActiveTasks(ctx, inst.ID, decidedTaskID); err != nil {
			return err
		}

		inst.Status = instStatus
		inst.CurrentStepKeysJSON = `[]`
		inst.UpdatedAt = ts.now()
		if err := ts.store.UpdateInstance(ctx, inst); err != nil {
			return err
		}
		inst.Token++

		if err := ts.transitionRequest(ctx, req, to, actorUserID, strings.TrimSpace(reason)); err != nil {
			return err
		}
		out = inst
		return nil
	})
	if err != nil {
		return inst, err
	}
	return out, nil
}

// GetTask returns one task.
func (s *Service) GetTask(ctx context.Context, taskID string) (store.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// Decisions returns a task's decision audit trail.
func (s *Service) Decisions(ctx context.Context, taskID string) ([]store.Decision, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.DecisionsForTask(ctx, taskID)
}

// ListTasks returns a filtered, paged task listing and the total count.
// Passing an actor restricts the listing to tasks the actor could act on:
// directly assigned, claimed by them, or addressed to one of their roles.
// The filter's AssignedTo selector narrows that to the direct ("me") or
// role-inbox ("role") view.
func (s *Service) ListTasks(ctx context.Context, actor *Actor, filter store.TaskFilter) ([]store.Task, int, error) {
	if actor != nil {
		filter.AssigneeUserID = actor.UserID
		filter.AssigneeRoles = actor.Roles
	}
	return s.store.ListTasks(ctx, filter)
}

type taskIDs struct {
	requestID  string
	instanceID string
}

// resolveTaskIDs finds the owning entity ids before locking, so locks can
// be taken in the global order.
func (s *Service) resolveTaskIDs(ctx context.Context, taskID string) (taskIDs, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return taskIDs{}, err
	}
	inst, err := s.store.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return taskIDs{}, err
	}
	return taskIDs{requestID: inst.RequestID, instanceID: inst.ID}, nil
}

func (s *Service) loadTaskChain(ctx context.Context, taskID string) (store.Task, store.Instance, store.Request, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, store.Instance{}, store.Request{}, err
	}
	inst, err := s.store.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return store.Task{}, store.Instance{}, store.Request{}, err
	}
	req, err := s.store.GetRequest(ctx, inst.RequestID)
	if err != nil {
		return store.Task{}, store.Instance{}, store.Request{}, err
	}
	return task, inst, req, nil
}

func taskView(task store.Task, inst store.Instance, req store.Request) TaskView {
	return TaskView{
		TaskID:        task.ID,
		NodeKey:       task.NodeKey,
		Status:        task.Status,
		ClaimedBy:     task.ClaimedByUserID,
		RequestID:     req.ID,
		RequestStatus: req.Status,
	}
}
