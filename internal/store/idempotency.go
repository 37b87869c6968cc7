package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetIdempotency fetches a stored first-response snapshot. The boolean is
// false when no record exists for the (scope, key) pair.
func (s *Store) GetIdempotency(ctx context.Context, scope, key string) (IdempotencyRecord, bool, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT scope, idem_key, request_hash, response_snapshot, created_at
		FROM idempotency_keys
		WHERE scope = ? AND idem_key = ?
	`, scope, key)

	var rec IdempotencyRecord
	var createdAt string
	err := row.Scan(&rec.Scope, &rec.Key, &rec.RequestHash, &rec.ResponseSnapshot, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return IdempotencyRecord{}, false, fmt.Errorf("get idempotency record: %w", err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return IdempotencyRecord{}, false, err
	}
	return rec, true, nil
}

// PutIdempotency stores a first-response snapshot. Losing an insert race
// returns ErrIdempotencyRace so the caller can re-fetch the winner's record
// and apply the normal replay/mismatch rules.
func (s *Store) PutIdempotency(ctx context.Context, rec IdempotencyRecord) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO idempotency_keys
		(scope, idem_key, request_hash, response_snapshot, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.Scope, rec.Key, rec.RequestHash, rec.ResponseSnapshot, fmtTime(rec.CreatedAt))
	if IsUniqueViolation(err) {
		return ErrIdempotencyRace
	}
	if err != nil {
		return fmt.Errorf("put idempotency record: %w", err)
	}
	return nil
}

// ErrIdempotencyRace signals that another writer stored a record for the
// same (scope, key) first.
var ErrIdempotencyRace = errors.New("idempotency record already stored")
