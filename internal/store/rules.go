package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flowgate/flowgate/internal/fault"
)

// CreateRuleSetVersion inserts a new immutable rule set version, assigning
// the next monotonic version number for the key inside one transaction.
// rec.VersionNo is ignored on input and populated on return.
func (s *Store) CreateRuleSetVersion(ctx context.Context, rec RuleSetVersion) (RuleSetVersion, error) {
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version_no), 0) + 1 FROM rule_set_versions WHERE rule_set_key = ?`,
			rec.RuleSetKey).Scan(&rec.VersionNo)
		if err != nil {
			return fmt.Errorf("next rule version number: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO rule_set_versions
			(id, rule_set_key, version_no, definition_json, canonical_json,
			 checksum_sha256, created_by_user_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			rec.ID,
			rec.RuleSetKey,
			rec.VersionNo,
			rec.DefinitionJSON,
			rec.CanonicalJSON,
			rec.ChecksumSHA256,
			rec.CreatedByUserID,
			fmtTime(rec.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert rule set version: %w", err)
		}
		return nil
	})
	if err != nil {
		return RuleSetVersion{}, err
	}
	return rec, nil
}

// GetRuleSetVersion loads one exact (key, version) pair.
func (s *Store) GetRuleSetVersion(ctx context.Context, key string, versionNo int) (RuleSetVersion, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, rule_set_key, version_no, definition_json, canonical_json,
		       checksum_sha256, created_by_user_id, created_at
		FROM rule_set_versions
		WHERE rule_set_key = ? AND version_no = ?
	`, key, versionNo)

	var rec RuleSetVersion
	var createdAt string
	err := row.Scan(&rec.ID, &rec.RuleSetKey, &rec.VersionNo, &rec.DefinitionJSON,
		&rec.CanonicalJSON, &rec.ChecksumSHA256, &rec.CreatedByUserID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RuleSetVersion{}, fault.NotFound("rule set version not found: %s v%d", key, versionNo)
	}
	if err != nil {
		return RuleSetVersion{}, fmt.Errorf("scan rule set version: %w", err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return RuleSetVersion{}, err
	}
	return rec, nil
}

// RuleSetVersionExists reports whether a (key, version) pair exists.
func (s *Store) RuleSetVersionExists(ctx context.Context, key string, versionNo int) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rule_set_versions WHERE rule_set_key = ? AND version_no = ?`,
		key, versionNo).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check rule set version: %w", err)
	}
	return n > 0, nil
}

// ListRuleSetVersions returns a page of versions for the key (newest first)
// plus the total count.
func (s *Store) ListRuleSetVersions(ctx context.Context, key string, limit, offset int) ([]RuleSetVersion, int, error) {
	var total int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rule_set_versions WHERE rule_set_key = ?`, key).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count rule set versions: %w", err)
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT id, rule_set_key, version_no, definition_json, canonical_json,
		       checksum_sha256, created_by_user_id, created_at
		FROM rule_set_versions
		WHERE rule_set_key = ?
		ORDER BY version_no DESC
		LIMIT ? OFFSET ?
	`, key, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list rule set versions: %w", err)
	}
	defer rows.Close()

	var out []RuleSetVersion
	for rows.Next() {
		var rec RuleSetVersion
		var createdAt string
		err := rows.Scan(&rec.ID, &rec.RuleSetKey, &rec.VersionNo, &rec.DefinitionJSON,
			&rec.CanonicalJSON, &rec.ChecksumSHA256, &rec.CreatedByUserID, &createdAt)
		if err != nil {
			return nil, 0, fmt.Errorf("scan rule set version: %w", err)
		}
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}
