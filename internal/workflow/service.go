package workflow

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowgate/flowgate/internal/fault"
)

// Catalog is the persistence surface the template service needs. It is
// satisfied by the sqlite store.
type Catalog interface {
	CreateDefinition(ctx context.Context, def Definition) error
	GetDefinition(ctx context.Context, id string) (Definition, error)
	GetDefinitionByKey(ctx context.Context, key string) (Definition, error)
	CreateDraftVersion(ctx context.Context, id, definitionID string, graphJSON []byte, now time.Time) (Version, error)
	GetVersion(ctx context.Context, id string) (Version, error)
	GetVersionByNo(ctx context.Context, definitionID string, versionNo int) (Version, error)
	ListVersions(ctx context.Context, definitionID string) ([]Version, error)
	ActiveVersionForRequestType(ctx context.Context, requestType string) (Version, error)
	ActivateVersion(ctx context.Context, versionID, checksum, activatedBy string, now time.Time) error
}

// Service manages workflow definitions and their versioned graphs. Drafts
// are free-form; activation runs the full structural validation, freezes the
// canonical checksum and retires the previously active version.
type Service struct {
	catalog Catalog
	rules   RuleSetExists
	logger  *slog.Logger
	now     func() time.Time
}

// NewService wires a template service over the catalog and rule lookup.
func NewService(catalog Catalog, rules RuleSetExists, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		catalog: catalog,
		rules:   rules,
		logger:  logger,
		now:     time.Now,
	}
}

// CreateDefinition registers a new workflow definition. Key and request
// type are normalized to uppercase; both are unique across the catalog.
func (s *Service) CreateDefinition(ctx context.Context, key, name, requestType, ownerUserID string, allowLoopback bool) (Definition, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	requestType = strings.ToUpper(strings.TrimSpace(requestType))
	if key == "" {
		return Definition{}, fault.Invalid("definitionKey", "definition key must be non-blank")
	}
	if requestType == "" {
		return Definition{}, fault.Invalid("requestType", "request type must be non-blank")
	}
	if strings.TrimSpace(name) == "" {
		return Definition{}, fault.Invalid("name", "definition name must be non-blank")
	}

	def := Definition{
		ID:            uuid.NewString(),
		DefinitionKey: key,
		Name:          strings.TrimSpace(name),
		RequestType:   requestType,
		OwnerUserID:   ownerUserID,
		AllowLoopback: allowLoopback,
		CreatedAt:     s.now(),
	}
	if err := s.catalog.CreateDefinition(ctx, def); err != nil {
		return Definition{}, err
	}
	s.logger.InfoContext(ctx, "workflow definition created",
		"definitionKey", def.DefinitionKey, "requestType", def.RequestType)
	return def, nil
}

// CreateVersion appends a new DRAFT version to the definition. The graph
// only needs to be well-formed JSON at this point; structural validation is
// deferred to activation so authors can save work in progress.
func (s *Service) CreateVersion(ctx context.Context, definitionID string, graphJSON []byte) (Version, error) {
	if _, err := ParseGraph(graphJSON); err != nil {
		return Version{}, fault.Invalid("graph", "workflow graph is not valid JSON: %v", err)
	}
	return s.catalog.CreateDraftVersion(ctx, uuid.NewString(), definitionID, graphJSON, s.now())
}

// ActivateVersion validates a DRAFT version and promotes it to ACTIVE,
// retiring any previously active version of the same definition. The stored
// checksum is computed over the canonical graph serialization, so two
// graphs differing only in declaration order carry the same checksum.
func (s *Service) ActivateVersion(ctx context.Context, versionID, actorUserID string) (Version, error) {
	version, err := s.catalog.GetVersion(ctx, versionID)
	if err != nil {
		return Version{}, err
	}
	def, err := s.catalog.GetDefinition(ctx, version.DefinitionID)
	if err != nil {
		return Version{}, err
	}

	graph, err := ParseGraph(version.GraphJSON)
	if err != nil {
		return Version{}, fault.Invalid("graph", "workflow graph is not valid JSON: %v", err)
	}
	if err := ValidateForActivation(ctx, graph, def.AllowLoopback, s.rules); err != nil {
		return Version{}, err
	}

	checksum, err := GraphChecksum(graph)
	if err != nil {
		return Version{}, err
	}

	if err := s.catalog.ActivateVersion(ctx, versionID, checksum, actorUserID, s.now()); err != nil {
		return Version{}, err
	}

	s.logger.InfoContext(ctx, "workflow version activated",
		"definitionKey", def.DefinitionKey,
		"versionNo", version.VersionNo,
		"checksum", checksum)
	return s.catalog.GetVersion(ctx, versionID)
}

// GetDefinitionByKey looks a definition up by its unique key.
func (s *Service) GetDefinitionByKey(ctx context.Context, key string) (Definition, error) {
	return s.catalog.GetDefinitionByKey(ctx, strings.ToUpper(strings.TrimSpace(key)))
}

// GetVersion loads a version by id.
func (s *Service) GetVersion(ctx context.Context, versionID string) (Version, error) {
	return s.catalog.GetVersion(ctx, versionID)
}

// ListVersions returns every version of a definition, oldest first.
func (s *Service) ListVersions(ctx context.Context, definitionID string) ([]Version, error) {
	return s.catalog.ListVersions(ctx, definitionID)
}

// RuntimeVersionForRequestType resolves the ACTIVE version routing the
// request type and parses its graph for execution.
func (s *Service) RuntimeVersionForRequestType(ctx context.Context, requestType string) (RuntimeVersion, error) {
	version, err := s.catalog.ActiveVersionForRequestType(ctx, strings.ToUpper(strings.TrimSpace(requestType)))
	if err != nil {
		return RuntimeVersion{}, err
	}
	return s.runtimeVersion(ctx, version)
}

// RuntimeVersionByID loads a pinned version for execution, regardless of
// status. Requests stay bound to the version they were submitted under even
// after it is retired.
func (s *Service) RuntimeVersionByID(ctx context.Context, versionID string) (RuntimeVersion, error) {
	version, err := s.catalog.GetVersion(ctx, versionID)
	if err != nil {
		return RuntimeVersion{}, err
	}
	return s.runtimeVersion(ctx, version)
}

func (s *Service) runtimeVersion(ctx context.Context, version Version) (RuntimeVersion, error) {
	def, err := s.catalog.GetDefinition(ctx, version.DefinitionID)
	if err != nil {
		return RuntimeVersion{}, err
	}
	graph, err := ParseGraph(version.GraphJSON)
	if err != nil {
		return RuntimeVersion{}, fault.Invalid("graph", "stored workflow graph is corrupt: %v", err)
	}
	return RuntimeVersion{
		VersionID:     version.ID,
		DefinitionKey: def.DefinitionKey,
		Graph:         graph,
	}, nil
}
