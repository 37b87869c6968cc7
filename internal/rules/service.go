package rules

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"

	"github.com/flowgate/flowgate/internal/canonical"
	"github.com/flowgate/flowgate/internal/fault"
	"github.com/flowgate/flowgate/internal/store"
)

// Service is the rule set catalog: immutable, versioned rule definitions
// plus dry-run evaluation. Versions are never edited in place; publishing
// the same key again appends the next version number.
type Service struct {
	store  *store.Store
	parser *Parser
	eval   *Evaluator
	logger *slog.Logger
	now    func() time.Time
}

// NewService wires a catalog service over the given store.
func NewService(st *store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		parser: NewParser(),
		eval:   NewEvaluator(),
		logger: logger,
		now:    time.Now,
	}
}

// WithStore returns a copy of the service reading from st, typically a
// transaction-bound store, so catalog lookups join a caller's transaction.
func (s *Service) WithStore(st *store.Store) *Service {
	c := *s
	c.store = st
	return &c
}

// NormalizeKey canonicalizes a rule set key: trimmed and uppercased.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// CreateVersion validates and publishes a new immutable version of the rule
// set. The stored form is the canonical JSON rendering together with its
// SHA-256 checksum.
func (s *Service) CreateVersion(ctx context.Context, key string, definition []byte, createdBy string) (store.RuleSetVersion, error) {
	normalized := NormalizeKey(key)
	if normalized == "" {
		return store.RuleSetVersion{}, fault.Invalid("ruleSetKey", "rule set key must be non-blank")
	}

	if _, err := s.parser.ParseDocument(definition); err != nil {
		return store.RuleSetVersion{}, err
	}

	canonicalJSON, err := canonical.Canonicalize(definition)
	if err != nil {
		return store.RuleSetVersion{}, fault.Invalid("definition", "rule definition is not valid JSON: %v", err)
	}

	rec := store.RuleSetVersion{
		ID:              uuid.NewString(),
		RuleSetKey:      normalized,
		DefinitionJSON:  string(definition),
		CanonicalJSON:   string(canonicalJSON),
		ChecksumSHA256:  canonical.ChecksumSHA256(canonicalJSON),
		CreatedByUserID: createdBy,
		CreatedAt:       s.now(),
	}
	created, err := s.store.CreateRuleSetVersion(ctx, rec)
	if err != nil {
		return store.RuleSetVersion{}, err
	}

	s.logger.InfoContext(ctx, "rule set version published",
		"ruleSetKey", created.RuleSetKey,
		"versionNo", created.VersionNo,
		"checksum", created.ChecksumSHA256)
	return created, nil
}

// GetVersion loads one exact version of a rule set.
func (s *Service) GetVersion(ctx context.Context, key string, versionNo int) (store.RuleSetVersion, error) {
	return s.store.GetRuleSetVersion(ctx, NormalizeKey(key), versionNo)
}

// ListVersions returns a page of versions (newest first) and the total.
func (s *Service) ListVersions(ctx context.Context, key string, limit, offset int) ([]store.RuleSetVersion, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListRuleSetVersions(ctx, NormalizeKey(key), limit, offset)
}

// Exists reports whether the exact (key, version) pair has been published.
func (s *Service) Exists(ctx context.Context, key string, versionNo int) (bool, error) {
	return s.store.RuleSetVersionExists(ctx, NormalizeKey(key), versionNo)
}

// Simulate evaluates a stored rule set version against a caller-supplied
// fact context without touching any workflow state. The returned trace
// lists every predicate visited.
func (s *Service) Simulate(ctx context.Context, key string, versionNo int, facts Context) (Result, error) {
	rec, err := s.store.GetRuleSetVersion(ctx, NormalizeKey(key), versionNo)
	if err != nil {
		return Result{}, err
	}
	expr, err := s.parser.ParseDocument([]byte(rec.CanonicalJSON))
	if err != nil {
		return Result{}, err
	}
	return s.eval.Evaluate(expr, facts)
}

// Matches evaluates a stored rule set version and returns only the boolean
// outcome. Used by gateway routing, where the trace is logged but not
// returned to callers.
func (s *Service) Matches(ctx context.Context, key string, versionNo int, facts Context) (bool, error) {
	result, err := s.Simulate(ctx, key, versionNo, facts)
	if err != nil {
		return false, err
	}
	return result.Matched, nil
}

// ContextFromRequest builds a fact context from a stored request row. The
// amount column holds the exact decimal text captured at submission.
func ContextFromRequest(r store.Request) (Context, error) {
	amount, _, err := apd.NewFromString(r.Amount)
	if err != nil {
		return Context{}, fault.Invalid("amount", "request amount is not a valid decimal: %s", r.Amount)
	}
	payload := map[string]any{}
	if strings.TrimSpace(r.PayloadJSON) != "" {
		decoded, err := canonical.Decode([]byte(r.PayloadJSON))
		if err != nil {
			return Context{}, fault.Invalid("payload", "request payload is not valid JSON: %v", err)
		}
		if m, ok := decoded.(map[string]any); ok {
			payload = m
		}
	}
	return Context{
		Amount:      amount,
		Department:  r.Department,
		RequestType: r.RequestType,
		Currency:    r.Currency,
		Payload:     payload,
	}, nil
}
