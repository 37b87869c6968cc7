package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flowgate/flowgate/internal/fault"
	"github.com/flowgate/flowgate/internal/workflow"
)

// CreateDefinition inserts a workflow definition. Both the definition key
// and the request type are unique across the catalog.
func (s *Store) CreateDefinition(ctx context.Context, def workflow.Definition) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO workflow_definitions
		(id, definition_key, name, request_type, owner_user_id, allow_loopback, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		def.ID,
		def.DefinitionKey,
		def.Name,
		def.RequestType,
		def.OwnerUserID,
		boolToInt(def.AllowLoopback),
		fmtTime(def.CreatedAt),
	)
	if IsUniqueViolation(err) {
		return fault.Conflict("a workflow definition with this key or request type already exists")
	}
	if err != nil {
		return fmt.Errorf("create definition: %w", err)
	}
	return nil
}

// GetDefinition loads a definition by id.
func (s *Store) GetDefinition(ctx context.Context, id string) (workflow.Definition, error) {
	return scanDefinition(s.q.QueryRowContext(ctx, `
		SELECT id, definition_key, name, request_type, owner_user_id, allow_loopback, created_at
		FROM workflow_definitions WHERE id = ?
	`, id))
}

// GetDefinitionByKey loads a definition by its unique key.
func (s *Store) GetDefinitionByKey(ctx context.Context, key string) (workflow.Definition, error) {
	return scanDefinition(s.q.QueryRowContext(ctx, `
		SELECT id, definition_key, name, request_type, owner_user_id, allow_loopback, created_at
		FROM workflow_definitions WHERE definition_key = ?
	`, key))
}

func scanDefinition(row *sql.Row) (workflow.Definition, error) {
	var def workflow.Definition
	var loopback int
	var createdAt string
	err := row.Scan(&def.ID, &def.DefinitionKey, &def.Name, &def.RequestType,
		&def.OwnerUserID, &loopback, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Definition{}, fault.NotFound("workflow definition not found")
	}
	if err != nil {
		return workflow.Definition{}, fmt.Errorf("scan definition: %w", err)
	}
	def.AllowLoopback = loopback != 0
	if def.CreatedAt, err = parseTime(createdAt); err != nil {
		return workflow.Definition{}, err
	}
	return def, nil
}

// CreateDraftVersion inserts a new DRAFT version for the definition,
// assigning the next monotonic version number inside a single transaction.
func (s *Store) CreateDraftVersion(ctx context.Context, id, definitionID string, graphJSON []byte, now time.Time) (workflow.Version, error) {
	var v workflow.Version
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM workflow_definitions WHERE id = ?`, definitionID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check definition: %w", err)
		}
		if exists == 0 {
			return fault.NotFound("workflow definition not found")
		}

		var next int
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version_no), 0) + 1 FROM workflow_versions WHERE definition_id = ?`,
			definitionID).Scan(&next)
		if err != nil {
			return fmt.Errorf("next version number: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_versions
			(id, definition_id, version_no, status, graph_json, created_at, token)
			VALUES (?, ?, ?, ?, ?, ?, 0)
		`, id, definitionID, next, string(workflow.VersionDraft), string(graphJSON), fmtTime(now))
		if err != nil {
			return fmt.Errorf("insert version: %w", err)
		}

		v = workflow.Version{
			ID:           id,
			DefinitionID: definitionID,
			VersionNo:    next,
			Status:       workflow.VersionDraft,
			GraphJSON:    graphJSON,
			CreatedAt:    now,
		}
		return nil
	})
	return v, err
}

// GetVersion loads a workflow version by id.
func (s *Store) GetVersion(ctx context.Context, id string) (workflow.Version, error) {
	return scanVersion(s.q.QueryRowContext(ctx, versionColumns+` WHERE id = ?`, id))
}

// GetVersionByNo loads a specific version number of a definition.
func (s *Store) GetVersionByNo(ctx context.Context, definitionID string, versionNo int) (workflow.Version, error) {
	return scanVersion(s.q.QueryRowContext(ctx,
		versionColumns+` WHERE definition_id = ? AND version_no = ?`, definitionID, versionNo))
}

// ListVersions returns all versions of a definition, oldest first.
func (s *Store) ListVersions(ctx context.Context, definitionID string) ([]workflow.Version, error) {
	rows, err := s.q.QueryContext(ctx,
		versionColumns+` WHERE definition_id = ? ORDER BY version_no`, definitionID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []workflow.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ActiveVersionForRequestType resolves the single ACTIVE version routing the
// given request type, if any.
func (s *Store) ActiveVersionForRequestType(ctx context.Context, requestType string) (workflow.Version, error) {
	return scanVersion(s.q.QueryRowContext(ctx, `
		SELECT v.id, v.definition_id, v.version_no, v.status, v.graph_json,
		       v.checksum_sha256, v.activated_at, v.activated_by_user_id, v.created_at, v.token
		FROM workflow_versions v
		JOIN workflow_definitions d ON d.id = v.definition_id
		WHERE d.request_type = ? AND v.status = ?
	`, requestType, string(workflow.VersionActive)))
}

// ActivateVersion promotes a DRAFT version to ACTIVE and retires any
// previously ACTIVE version of the same definition, atomically. The caller
// has already validated the graph and computed its checksum.
func (s *Store) ActivateVersion(ctx context.Context, versionID, checksum, activatedBy string, now time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var definitionID, status string
		err := tx.QueryRowContext(ctx,
			`SELECT definition_id, status FROM workflow_versions WHERE id = ?`, versionID).
			Scan(&definitionID, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return fault.NotFound("workflow version not found")
		}
		if err != nil {
			return fmt.Errorf("load version for activation: %w", err)
		}
		if status != string(workflow.VersionDraft) {
			return fault.Conflict("only DRAFT versions can be activated")
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE workflow_versions SET status = ?, token = token + 1
			WHERE definition_id = ? AND status = ?
		`, string(workflow.VersionRetired), definitionID, string(workflow.VersionActive))
		if err != nil {
			return fmt.Errorf("retire active version: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE workflow_versions
			SET status = ?, checksum_sha256 = ?, activated_at = ?, activated_by_user_id = ?,
			    token = token + 1
			WHERE id = ?
		`, string(workflow.VersionActive), checksum, fmtTime(now), activatedBy, versionID)
		if err != nil {
			return fmt.Errorf("activate version: %w", err)
		}
		return nil
	})
}

const versionColumns = `
	SELECT id, definition_id, version_no, status, graph_json,
	       checksum_sha256, activated_at, activated_by_user_id, created_at, token
	FROM workflow_versions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (workflow.Version, error) {
	var v workflow.Version
	var status, createdAt string
	var checksum, activatedBy sql.NullString
	var activatedAt sql.NullString
	err := row.Scan(&v.ID, &v.DefinitionID, &v.VersionNo, &status, &v.GraphJSON,
		&checksum, &activatedAt, &activatedBy, &createdAt, &v.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Version{}, fault.NotFound("workflow version not found")
	}
	if err != nil {
		return workflow.Version{}, fmt.Errorf("scan version: %w", err)
	}
	v.Status = workflow.VersionStatus(status)
	v.ChecksumSHA256 = checksum.String
	v.ActivatedByUserID = activatedBy.String
	if v.ActivatedAt, err = parseTimePtr(activatedAt); err != nil {
		return workflow.Version{}, err
	}
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return workflow.Version{}, err
	}
	return v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
