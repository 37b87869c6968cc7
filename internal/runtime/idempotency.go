package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flowgate/flowgate/internal/canonical"
	"github.com/flowgate/flowgate/internal/fault"
	"github.com/flowgate/flowgate/internal/store"
)

// Idempotency scopes. A client key is only unique within its scope, so a
// key reused across operations never collides.
const (
	ScopeRequestSubmit = "REQUEST_SUBMIT"
	ScopeRequestCancel = "REQUEST_CANCEL"
	ScopeTaskClaim     = "TASK_CLAIM"
	ScopeTaskDecision  = "TASK_DECISION"
)

// contentHash fingerprints the semantic content of an operation so a key
// replay with different content can be told apart from a true retry.
func contentHash(parts ...string) string {
	joined := ""
	for i, p := range parts {
		if i > 0 {
			joined += "\x1f"
		}
		joined += p
	}
	return canonical.ChecksumSHA256([]byte(joined))
}

// runIdempotent executes op at most once per (scope, key). A retry with the
// same content hash replays the stored response without re-executing; the
// same key with different content is a conflict. An empty key disables the
// guard entirely.
//
// The returned bool is true when the response was replayed from the store.
func runIdempotent[T any](ctx context.Context, st *store.Store, scope, key, hash string, now time.Time, op func() (T, error)) (T, bool, error) {
	var zero T
	if key == "" {
		result, err := op()
		return result, false, err
	}

	if rec, ok, err := st.GetIdempotency(ctx, scope, key); err != nil {
		return zero, false, err
	} else if ok {
		return replaySnapshot[T](rec, hash)
	}

	result, err := op()
	if err != nil {
		return zero, false, err
	}

	snapshot, err := json.Marshal(result)
	if err != nil {
		return zero, false, fmt.Errorf("snapshot idempotent response: %w", err)
	}
	err = st.PutIdempotency(ctx, store.IdempotencyRecord{
		Scope:            scope,
		Key:              key,
		RequestHash:      hash,
		ResponseSnapshot: string(snapshot),
		CreatedAt:        now,
	})
	if errors.Is(err, store.ErrIdempotencyRace) {
		// Another writer won the insert; surface its stored response.
		rec, ok, getErr := st.GetIdempotency(ctx, scope, key)
		if getErr != nil {
			return zero, false, getErr
		}
		if ok {
			return replaySnapshot[T](rec, hash)
		}
		return zero, false, fault.Conflict("idempotency record vanished during replay")
	}
	if err != nil {
		return zero, false, err
	}
	return result, false, nil
}

func replaySnapshot[T any](rec store.IdempotencyRecord, hash string) (T, bool, error) {
	var zero T
	if rec.RequestHash != hash {
		return zero, false, fault.Conflict("idempotency key was reused with different request content")
	}
	var replayed T
	if err := json.Unmarshal([]byte(rec.ResponseSnapshot), &replayed); err != nil {
		return zero, false, fmt.Errorf("decode idempotent response snapshot: %w", err)
	}
	return replayed, true, nil
}
