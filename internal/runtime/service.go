// Package runtime executes activated workflow versions: it owns the request
// lifecycle, graph propagation, task claiming and decisions, and the
// idempotency guarantees around all externally retried operations.
package runtime

import (
	"log/slog"
	"time"

	"github.com/flowgate/flowgate/internal/rules"
	"github.com/flowgate/flowgate/internal/store"
	"github.com/flowgate/flowgate/internal/workflow"
)

// Service is the runtime facade. All mutating operations serialize through
// per-entity keyed locks, acquired in a fixed global order (request, then
// instance, then task) so concurrent operations cannot deadlock.
type Service struct {
	store     *store.Store
	workflows *workflow.Service
	rules     *rules.Service
	policy    AccessPolicy
	locks     *store.KeyedLocks
	logger    *slog.Logger
	now       func() time.Time
}

// NewService wires the runtime over its collaborators. A nil policy gets
// the default access policy, a nil logger the process default.
func NewService(st *store.Store, workflows *workflow.Service, ruleSvc *rules.Service, policy AccessPolicy, logger *slog.Logger) *Service {
	if policy == nil {
		policy = NewDefaultAccessPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		workflows: workflows,
		rules:     ruleSvc,
		policy:    policy,
		locks:     store.NewKeyedLocks(),
		logger:    logger,
		now:       time.Now,
	}
}

// withStore returns a copy of the service whose store-backed collaborators
// run against st, so a propagation wave commits or rolls back as one unit.
func (s *Service) withStore(st *store.Store) *Service {
	c := *s
	c.store = st
	c.rules = s.rules.WithStore(st)
	return &c
}

// lockOrdered acquires entity locks in the fixed global order and returns a
// single release for all of them. Empty keys are skipped.
func (s *Service) lockOrdered(requestID, instanceID, taskID string) func() {
	var unlocks []func()
	for _, key := range []string{"request:" + requestID, "instance:" + instanceID, "task:" + taskID} {
		if key == "request:" || key == "instance:" || key == "task:" {
			continue
		}
		unlocks = append(unlocks, s.locks.Lock(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}
