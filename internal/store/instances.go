package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flowgate/flowgate/internal/fault"
)

// CreateInstance inserts a new workflow instance. Each request has at most
// one instance; a resubmission resets the existing instance instead.
func (s *Store) CreateInstance(ctx context.Context, inst Instance) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO workflow_instances
		(id, request_id, workflow_version_id, status, current_step_keys_json,
		 created_at, updated_at, token)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`,
		inst.ID,
		inst.RequestID,
		inst.WorkflowVersionID,
		string(inst.Status),
		inst.CurrentStepKeysJSON,
		fmtTime(inst.CreatedAt),
		fmtTime(inst.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	return nil
}

// GetInstance loads an instance by id.
func (s *Store) GetInstance(ctx context.Context, id string) (Instance, error) {
	return scanInstance(s.q.QueryRowContext(ctx, instanceColumns+` WHERE id = ?`, id))
}

// GetInstanceByRequest loads the instance bound to a request, if one exists.
func (s *Store) GetInstanceByRequest(ctx context.Context, requestID string) (Instance, error) {
	return scanInstance(s.q.QueryRowContext(ctx, instanceColumns+` WHERE request_id = ?`, requestID))
}

// UpdateInstance persists instance state guarded by the optimistic token.
func (s *Store) UpdateInstance(ctx context.Context, inst Instance) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE workflow_instances
		SET workflow_version_id = ?, status = ?, current_step_keys_json = ?,
		    updated_at = ?, token = token + 1
		WHERE id = ? AND token = ?
	`,
		inst.WorkflowVersionID,
		string(inst.Status),
		inst.CurrentStepKeysJSON,
		fmtTime(inst.UpdatedAt),
		inst.ID,
		inst.Token,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	return requireOneRow(res, "workflow instance was modified concurrently")
}

// ResetInstance discards all tasks (and their decision rows) of an instance
// and rebinds it to a workflow version to ACTIVE state. Used when a
// sent-back request is resubmitted and execution restarts from START.
func (s *Store) ResetInstance(ctx context.Context, instanceID, versionID string, now time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM task_decisions
			WHERE task_id IN (SELECT id FROM tasks WHERE instance_id = ?)
		`, instanceID)
		if err != nil {
			return fmt.Errorf("reset instance decisions: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE instance_id = ?`, instanceID); err != nil {
			return fmt.Errorf("reset instance tasks: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE workflow_instances
			SET workflow_version_id = ?, status = ?, current_step_keys_json = '[]',
			    updated_at = ?, token = token + 1
			WHERE id = ?
		`, versionID, string(InstanceActive), fmtTime(now), instanceID)
		if err != nil {
			return fmt.Errorf("reset instance: %w", err)
		}
		return requireOneRow(res, "workflow instance not found")
	})
}

const instanceColumns = `
	SELECT id, request_id, workflow_version_id, status, current_step_keys_json,
	       created_at, updated_at, token
	FROM workflow_instances`

func scanInstance(row *sql.Row) (Instance, error) {
	var inst Instance
	var status, createdAt, updatedAt string
	err := row.Scan(&inst.ID, &inst.RequestID, &inst.WorkflowVersionID, &status,
		&inst.CurrentStepKeysJSON, &createdAt, &updatedAt, &inst.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, fault.NotFound("workflow instance not found")
	}
	if err != nil {
		return Instance{}, fmt.Errorf("scan instance: %w", err)
	}
	inst.Status = InstanceStatus(status)
	if inst.CreatedAt, err = parseTime(createdAt); err != nil {
		return Instance{}, err
	}
	if inst.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Instance{}, err
	}
	return inst, nil
}
