package runtime

import (
	"context"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"

	"github.com/flowgate/flowgate/internal/canonical"
	"github.com/flowgate/flowgate/internal/fault"
	"github.com/flowgate/flowgate/internal/store"
)

// CreateRequestInput carries the caller-supplied fields of a new draft.
type CreateRequestInput struct {
	RequestType string
	Department  string
	Amount      string
	Currency    string
	Payload     []byte
	Requester   Actor
}

// RequestView is the externally visible state of a request. It doubles as
// the idempotency response snapshot for submit and cancel.
type RequestView struct {
	RequestID       string              `json:"requestId"`
	Status          store.RequestStatus `json:"status"`
	InstanceID      string              `json:"instanceId,omitempty"`
	CurrentStepKeys []string            `json:"currentStepKeys,omitempty"`
}

// CreateDraft validates the input and stores a new DRAFT request. Drafts
// are invisible to the runtime until submitted.
func (s *Service) CreateDraft(ctx context.Context, in CreateRequestInput) (store.Request, error) {
	requestType := strings.ToUpper(strings.TrimSpace(in.RequestType))
	if requestType == "" {
		return store.Request{}, fault.Invalid("requestType", "request type must be non-blank")
	}
	if strings.TrimSpace(in.Department) == "" {
		return store.Request{}, fault.Invalid("department", "department must be non-blank")
	}
	if strings.TrimSpace(in.Currency) == "" {
		return store.Request{}, fault.Invalid("currency", "currency must be non-blank")
	}

	amount, _, err := apd.NewFromString(strings.TrimSpace(in.Amount))
	if err != nil {
		return store.Request{}, fault.Invalid("amount", "amount is not a valid decimal: %s", in.Amount)
	}
	if amount.Negative {
		return store.Request{}, fault.Invalid("amount", "amount must not be negative")
	}

	payload := []byte(`{}`)
	if len(in.Payload) > 0 {
		payload, err = canonical.Canonicalize(in.Payload)
		if err != nil {
			return store.Request{}, fault.Invalid("payload", "payload is not valid JSON: %v", err)
		}
	}

	now := s.now()
	req := store.Request{
		ID:              uuid.NewString(),
		RequestType:     requestType,
		Department:      strings.TrimSpace(in.Department),
		Amount:          amount.String(),
		Currency:        strings.ToUpper(strings.TrimSpace(in.Currency)),
		PayloadJSON:     string(payload),
		Status:          store.RequestDraft,
		RequesterUserID: in.Requester.UserID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return store.Request{}, err
	}
	s.logger.InfoContext(ctx, "request drafted",
		"requestId", req.ID, "requestType", req.RequestType, "amount", req.Amount)
	return req, nil
}

// Submit moves a DRAFT or CHANGES_REQUESTED request into the workflow. First
// submission binds the request to the currently ACTIVE workflow version for
// its request type; resubmission after a send-back keeps the bound version
// so a request never changes graphs mid-flight.
//
// idemKey makes the call retry-safe: a replay returns the stored response,
// and the bool result reports whether that happened.
func (s *Service) Submit(ctx context.Context, requestID string, actor Actor, idemKey string) (RequestView, bool, error) {
	unlock := s.lockOrdered(requestID, "", "")
	defer unlock()

	hash := contentHash(ScopeRequestSubmit, requestID, actor.UserID)
	return runIdempotent(ctx, s.store, ScopeRequestSubmit, idemKey, hash, s.now(), func() (RequestView, error) {
		return s.submit(ctx, requestID, actor)
	})
}

func (s *Service) submit(ctx context.Context, requestID string, actor Actor) (RequestView, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return RequestView{}, err
	}
	if err := s.authorizeRequester(actor, req); err != nil {
		return RequestView{}, err
	}
	if req.Status != store.RequestDraft && req.Status != store.RequestChangesRequested {
		return RequestView{}, fault.Conflict("request in status %s cannot be submitted", req.Status)
	}

	if req.WorkflowVersionID == "" {
		version, err := s.workflows.RuntimeVersionForRequestType(ctx, req.RequestType)
		if err != nil {
			if fault.IsNotFound(err) {
				return RequestView{}, fault.NotFound("no active workflow version routes request type %s", req.RequestType)
			}
			return RequestView{}, err
		}
		req.WorkflowVersionID = version.VersionID
	}

	if err := s.transitionRequest(ctx, &req, store.RequestSubmitted, actor.UserID, ""); err != nil {
		return RequestView{}, err
	}

	inst, err := s.startOrRestart(ctx, &req)
	if err != nil {
		return RequestView{}, err
	}

	s.logger.InfoContext(ctx, "request submitted",
		"requestId", req.ID, "status", string(req.Status), "instanceId", inst.ID)
	return s.requestView(req, inst), nil
}

// Cancel terminally withdraws a request. Any non-terminal status may be
// cancelled; the running instance and all its active tasks are cancelled
// with it.
func (s *Service) Cancel(ctx context.Context, requestID string, actor Actor, reason, idemKey string) (RequestView, bool, error) {
	unlock := s.lockOrdered(requestID, "", "")
	defer unlock()

	hash := contentHash(ScopeRequestCancel, requestID, actor.UserID, reason)
	return runIdempotent(ctx, s.store, ScopeRequestCancel, idemKey, hash, s.now(), func() (RequestView, error) {
		return s.cancel(ctx, requestID, actor, reason)
	})
}

func (s *Service) cancel(ctx context.Context, requestID string, actor Actor, reason string) (RequestView, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return RequestView{}, err
	}
	if err := s.authorizeRequester(actor, req); err != nil {
		return RequestView{}, err
	}
	if req.Status.Terminal() {
		return RequestView{}, fault.Conflict("request in status %s cannot be cancelled", req.Status)
	}

	inst, err := s.cancelActiveRuntime(ctx, req.ID)
	if err != nil {
		return RequestView{}, err
	}
	if err := s.transitionRequest(ctx, &req, store.RequestCancelled, actor.UserID, reason); err != nil {
		return RequestView{}, err
	}

	s.logger.InfoContext(ctx, "request cancelled", "requestId", req.ID)
	return s.requestView(req, inst), nil
}

// Get returns one request.
func (s *Service) Get(ctx context.Context, requestID string) (store.Request, error) {
	return s.store.GetRequest(ctx, requestID)
}

// History returns the request's full status transition audit trail.
func (s *Service) History(ctx context.Context, requestID string) ([]store.StatusTransition, error) {
	if _, err := s.store.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return s.store.ListStatusTransitions(ctx, requestID)
}

// authorizeRequester allows the owning requester and admins to drive the
// request lifecycle.
func (s *Service) authorizeRequester(actor Actor, req store.Request) error {
	if actor.UserID == req.RequesterUserID {
		return nil
	}
	if actor.HasRole(adminRole) {
		return nil
	}
	return fault.Denied(ReasonNotRequester)
}

// transitionRequest updates the request status and appends the audit row in
// one pass. No-op when the status is unchanged.
func (s *Service) transitionRequest(ctx context.Context, req *store.Request, to store.RequestStatus, actorUserID, reason string) error {
	if req.Status == to {
		return nil
	}
	from := req.Status
	req.Status = to
	req.UpdatedAt = s.now()
	if err := s.store.UpdateRequest(ctx, *req); err != nil {
		return err
	}
	req.Token++
	return s.store.AppendStatusTransition(ctx, store.StatusTransition{
		RequestID:   req.ID,
		FromStatus:  from,
		ToStatus:    to,
		ActorUserID: actorUserID,
		Reason:      reason,
		CreatedAt:   s.now(),
	})
}

func (s *Service) requestView(req store.Request, inst store.Instance) RequestView {
	view := RequestView{
		RequestID: req.ID,
		Status:    req.Status,
	}
	if inst.ID != "" {
		view.InstanceID = inst.ID
		view.CurrentStepKeys = decodeStepKeys(inst.CurrentStepKeysJSON)
	}
	return view
}
