package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flowgate/flowgate/internal/fault"
)

// CreateRequest inserts a new request row.
func (s *Store) CreateRequest(ctx context.Context, r Request) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO requests
		(id, request_type, department, amount, currency, payload_json, status,
		 requester_user_id, workflow_version_id, created_at, updated_at, token)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`,
		r.ID,
		r.RequestType,
		r.Department,
		r.Amount,
		r.Currency,
		r.PayloadJSON,
		string(r.Status),
		r.RequesterUserID,
		nullIfEmpty(r.WorkflowVersionID),
		fmtTime(r.CreatedAt),
		fmtTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return nil
}

// GetRequest loads a request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (Request, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, request_type, department, amount, currency, payload_json, status,
		       requester_user_id, workflow_version_id, created_at, updated_at, token
		FROM requests WHERE id = ?
	`, id)

	var r Request
	var status, createdAt, updatedAt string
	var versionID sql.NullString
	err := row.Scan(&r.ID, &r.RequestType, &r.Department, &r.Amount, &r.Currency,
		&r.PayloadJSON, &status, &r.RequesterUserID, &versionID, &createdAt, &updatedAt, &r.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, fault.NotFound("request not found")
	}
	if err != nil {
		return Request{}, fmt.Errorf("scan request: %w", err)
	}
	r.Status = RequestStatus(status)
	r.WorkflowVersionID = versionID.String
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return Request{}, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Request{}, err
	}
	return r, nil
}

// UpdateRequest persists mutable request fields guarded by the optimistic
// token. A stale token surfaces as STATE_CONFLICT.
func (s *Store) UpdateRequest(ctx context.Context, r Request) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE requests
		SET department = ?, amount = ?, currency = ?, payload_json = ?, status = ?,
		    workflow_version_id = ?, updated_at = ?, token = token + 1
		WHERE id = ? AND token = ?
	`,
		r.Department,
		r.Amount,
		r.Currency,
		r.PayloadJSON,
		string(r.Status),
		nullIfEmpty(r.WorkflowVersionID),
		fmtTime(r.UpdatedAt),
		r.ID,
		r.Token,
	)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	return requireOneRow(res, "request was modified concurrently")
}

// AppendStatusTransition records one audit row in the request's status
// history.
func (s *Store) AppendStatusTransition(ctx context.Context, t StatusTransition) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO request_status_transitions
		(request_id, from_status, to_status, actor_user_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		t.RequestID,
		string(t.FromStatus),
		string(t.ToStatus),
		t.ActorUserID,
		nullIfEmpty(t.Reason),
		fmtTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append status transition: %w", err)
	}
	return nil
}

// ListStatusTransitions returns the request's full status history in
// insertion order.
func (s *Store) ListStatusTransitions(ctx context.Context, requestID string) ([]StatusTransition, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, request_id, from_status, to_status, actor_user_id, reason, created_at
		FROM request_status_transitions
		WHERE request_id = ?
		ORDER BY id
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list status transitions: %w", err)
	}
	defer rows.Close()

	var out []StatusTransition
	for rows.Next() {
		var t StatusTransition
		var from, to, createdAt string
		var reason sql.NullString
		if err := rows.Scan(&t.ID, &t.RequestID, &from, &to, &t.ActorUserID, &reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan status transition: %w", err)
		}
		t.FromStatus = RequestStatus(from)
		t.ToStatus = RequestStatus(to)
		t.Reason = reason.String
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireOneRow(res sql.Result, message string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fault.Conflict("%s", message)
	}
	return nil
}
