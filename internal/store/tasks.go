package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/flowgate/flowgate/internal/fault"
)

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, t Task) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO tasks
		(id, instance_id, node_key, status, assignee_role, assignee_user_id,
		 claimed_by_user_id, claimed_at, decided_at, due_at, created_at, updated_at, token)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`,
		t.ID,
		t.InstanceID,
		t.NodeKey,
		string(t.Status),
		nullIfEmpty(t.AssigneeRole),
		nullIfEmpty(t.AssigneeUserID),
		nullIfEmpty(t.ClaimedByUserID),
		fmtTimePtr(t.ClaimedAt),
		fmtTimePtr(t.DecidedAt),
		fmtTimePtr(t.DueAt),
		fmtTime(t.CreatedAt),
		fmtTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	rows, err := s.q.QueryContext(ctx, taskColumns+` WHERE id = ?`, id)
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Task{}, fmt.Errorf("get task: %w", err)
		}
		return Task{}, fault.NotFound("task not found")
	}
	return scanTask(rows)
}

// TasksForInstance returns every task of an instance in creation order.
func (s *Store) TasksForInstance(ctx context.Context, instanceID string) ([]Task, error) {
	return s.queryTasks(ctx, taskColumns+` WHERE instance_id = ? ORDER BY created_at, id`, instanceID)
}

// TasksForInstanceNode returns the tasks an instance holds for one node key.
func (s *Store) TasksForInstanceNode(ctx context.Context, instanceID, nodeKey string) ([]Task, error) {
	return s.queryTasks(ctx,
		taskColumns+` WHERE instance_id = ? AND node_key = ? ORDER BY created_at, id`,
		instanceID, nodeKey)
}

// UpdateTask persists task state guarded by the optimistic token.
func (s *Store) UpdateTask(ctx context.Context, t Task) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, assignee_role = ?, assignee_user_id = ?, claimed_by_user_id = ?,
		    claimed_at = ?, decided_at = ?, due_at = ?, updated_at = ?, token = token + 1
		WHERE id = ? AND token = ?
	`,
		string(t.Status),
		nullIfEmpty(t.AssigneeRole),
		nullIfEmpty(t.AssigneeUserID),
		nullIfEmpty(t.ClaimedByUserID),
		fmtTimePtr(t.ClaimedAt),
		fmtTimePtr(t.DecidedAt),
		fmtTimePtr(t.DueAt),
		fmtTime(t.UpdatedAt),
		t.ID,
		t.Token,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return requireOneRow(res, "task was modified concurrently")
}

// CreateDecision inserts an immutable decision audit row.
func (s *Store) CreateDecision(ctx context.Context, d Decision) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO task_decisions
		(id, task_id, action, comment, actor_user_id, acted_on_behalf_of, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID,
		d.TaskID,
		string(d.Action),
		nullIfEmpty(d.Comment),
		d.ActorUserID,
		nullIfEmpty(d.ActedOnBehalfOf),
		fmtTime(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create decision: %w", err)
	}
	return nil
}

// DecisionsForTask returns a task's decisions in insertion order.
func (s *Store) DecisionsForTask(ctx context.Context, taskID string) ([]Decision, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, task_id, action, comment, actor_user_id, acted_on_behalf_of, created_at
		FROM task_decisions
		WHERE task_id = ?
		ORDER BY created_at, id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var action, createdAt string
		var comment, onBehalf sql.NullString
		if err := rows.Scan(&d.ID, &d.TaskID, &action, &comment, &d.ActorUserID, &onBehalf, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Action = DecisionAction(action)
		d.Comment = comment.String
		d.ActedOnBehalfOf = onBehalf.String
		if d.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// TaskAssignedTo selects which assignment relation a user-scoped listing
// matches: direct assignments and own claims ("me"), the role inbox
// ("role"), or both when empty.
type TaskAssignedTo string

const (
	AssignedToMe   TaskAssignedTo = "me"
	AssignedToRole TaskAssignedTo = "role"
)

// TaskFilter narrows and pages a task listing. Zero values mean
// "no constraint"; SortBy must be one of the whitelisted columns.
type TaskFilter struct {
	Status         TaskStatus
	AssigneeUserID string
	AssigneeRoles  []string
	AssignedTo     TaskAssignedTo
	Limit          int
	Offset         int
	SortBy         string
	SortDesc       bool
}

// Sortable task listing columns. Anything else is rejected before reaching
// SQL.
var taskSortColumns = map[string]string{
	"createdAt": "created_at",
	"updatedAt": "updated_at",
	"dueAt":     "due_at",
	"status":    "status",
	"nodeKey":   "node_key",
}

// ListTasks returns a filtered, paged task listing plus the total matching
// count. The "me" view matches tasks directly assigned to or claimed by the
// user; the "role" view matches tasks addressed to any of their roles that
// are unclaimed or claimed by themselves. With no AssignedTo selector the
// two views combine as OR. Role tasks claimed by someone else belong to
// that claimant's view only.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, int, error) {
	var conds []string
	var args []any

	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}

	switch f.AssignedTo {
	case "", AssignedToMe, AssignedToRole:
	default:
		return nil, 0, fault.Invalid("assignedTo", "unsupported assignment view: %s", f.AssignedTo)
	}

	var identity []string
	if f.AssigneeUserID != "" && f.AssignedTo != AssignedToRole {
		identity = append(identity, "assignee_user_id = ?", "claimed_by_user_id = ?")
		args = append(args, f.AssigneeUserID, f.AssigneeUserID)
	}
	if len(f.AssigneeRoles) > 0 && f.AssignedTo != AssignedToMe {
		placeholders := strings.Repeat("?, ", len(f.AssigneeRoles))
		identity = append(identity,
			"(assignee_role IN ("+placeholders[:len(placeholders)-2]+")"+
				" AND (claimed_by_user_id IS NULL OR claimed_by_user_id = ?))")
		for _, role := range f.AssigneeRoles {
			args = append(args, role)
		}
		args = append(args, f.AssigneeUserID)
	}
	if len(identity) > 0 {
		conds = append(conds, "("+strings.Join(identity, " OR ")+")")
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	sortCol, ok := taskSortColumns[f.SortBy]
	if f.SortBy == "" {
		sortCol, ok = "created_at", true
	}
	if !ok {
		return nil, 0, fault.Invalid("sortBy", "unsupported sort column: %s", f.SortBy)
	}
	direction := "ASC"
	if f.SortDesc {
		direction = "DESC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := taskColumns + where +
		fmt.Sprintf(" ORDER BY %s %s, id LIMIT ? OFFSET ?", sortCol, direction)
	args = append(args, limit, f.Offset)

	tasks, err := s.queryTasks(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

const taskColumns = `
	SELECT id, instance_id, node_key, status, assignee_role, assignee_user_id,
	       claimed_by_user_id, claimed_at, decided_at, due_at, created_at, updated_at, token
	FROM tasks`

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(rows *sql.Rows) (Task, error) {
	var t Task
	var status, createdAt, updatedAt string
	var role, user, claimedBy sql.NullString
	var claimedAt, decidedAt, dueAt sql.NullString
	err := rows.Scan(&t.ID, &t.InstanceID, &t.NodeKey, &status, &role, &user,
		&claimedBy, &claimedAt, &decidedAt, &dueAt, &createdAt, &updatedAt, &t.Token)
	if err != nil {
		return Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Status = TaskStatus(status)
	t.AssigneeRole = role.String
	t.AssigneeUserID = user.String
	t.ClaimedByUserID = claimedBy.String
	if t.ClaimedAt, err = parseTimePtr(claimedAt); err != nil {
		return Task{}, err
	}
	if t.DecidedAt, err = parseTimePtr(decidedAt); err != nil {
		return Task{}, err
	}
	if t.DueAt, err = parseTimePtr(dueAt); err != nil {
		return Task{}, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Task{}, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Task{}, err
	}
	return t, nil
}
