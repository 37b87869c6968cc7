package store

import "time"

// RequestStatus is the lifecycle state of an approval request.
type RequestStatus string

const (
	RequestDraft            RequestStatus = "DRAFT"
	RequestSubmitted        RequestStatus = "SUBMITTED"
	RequestInReview         RequestStatus = "IN_REVIEW"
	RequestChangesRequested RequestStatus = "CHANGES_REQUESTED"
	RequestApproved         RequestStatus = "APPROVED"
	RequestRejected         RequestStatus = "REJECTED"
	RequestCancelled        RequestStatus = "CANCELLED"
)

// Terminal reports whether no further workflow activity is possible.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestApproved, RequestRejected, RequestCancelled:
		return true
	}
	return false
}

// InstanceStatus is the state of a workflow instance. All states except
// ACTIVE are terminal; a CHANGES_REQUESTED instance is reset back to ACTIVE
// when the request is resubmitted.
type InstanceStatus string

const (
	InstanceActive           InstanceStatus = "ACTIVE"
	InstanceCompleted        InstanceStatus = "COMPLETED"
	InstanceRejected         InstanceStatus = "REJECTED"
	InstanceChangesRequested InstanceStatus = "CHANGES_REQUESTED"
	InstanceCancelled        InstanceStatus = "CANCELLED"
)

// TaskStatus is the state of an approval task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskClaimed   TaskStatus = "CLAIMED"
	TaskApproved  TaskStatus = "APPROVED"
	TaskRejected  TaskStatus = "REJECTED"
	TaskCancelled TaskStatus = "CANCELLED"
	// TaskExpired is reserved for SLA expiry. Due dates are recorded but
	// nothing in the engine sweeps them, so the status is never produced.
	TaskExpired TaskStatus = "EXPIRED"
	TaskSkipped TaskStatus = "SKIPPED"
)

// Terminal reports whether the task can no longer be acted on.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskApproved, TaskRejected, TaskCancelled, TaskExpired, TaskSkipped:
		return true
	}
	return false
}

// DecisionAction is the verb recorded on a task decision.
type DecisionAction string

const (
	ActionApprove  DecisionAction = "APPROVE"
	ActionReject   DecisionAction = "REJECT"
	ActionSendBack DecisionAction = "SEND_BACK"
	ActionDelegate DecisionAction = "DELEGATE"
)

// Request is a persisted approval request. Amount is kept as its exact
// decimal string so no precision is lost round-tripping through storage.
type Request struct {
	ID                string
	RequestType       string
	Department        string
	Amount            string
	Currency          string
	PayloadJSON       string
	Status            RequestStatus
	RequesterUserID   string
	WorkflowVersionID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Token             int64
}

// StatusTransition is one audit row in a request's status history.
type StatusTransition struct {
	ID          int64
	RequestID   string
	FromStatus  RequestStatus
	ToStatus    RequestStatus
	ActorUserID string
	Reason      string
	CreatedAt   time.Time
}

// RuleSetVersion is one immutable version of a rule set.
type RuleSetVersion struct {
	ID              string
	RuleSetKey      string
	VersionNo       int
	DefinitionJSON  string
	CanonicalJSON   string
	ChecksumSHA256  string
	CreatedByUserID string
	CreatedAt       time.Time
}

// Instance is a running (or finished) workflow execution bound to a request.
type Instance struct {
	ID                  string
	RequestID           string
	WorkflowVersionID   string
	Status              InstanceStatus
	CurrentStepKeysJSON string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	Token               int64
}

// Task is a unit of human work produced by an APPROVAL node.
type Task struct {
	ID              string
	InstanceID      string
	NodeKey         string
	Status          TaskStatus
	AssigneeRole    string
	AssigneeUserID  string
	ClaimedByUserID string
	ClaimedAt       *time.Time
	DecidedAt       *time.Time
	DueAt           *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Token           int64
}

// Decision is the immutable record of an action taken on a task.
type Decision struct {
	ID              string
	TaskID          string
	Action          DecisionAction
	Comment         string
	ActorUserID     string
	ActedOnBehalfOf string
	CreatedAt       time.Time
}

// IdempotencyRecord is a stored first-response snapshot for a
// (scope, key) pair.
type IdempotencyRecord struct {
	Scope            string
	Key              string
	RequestHash      string
	ResponseSnapshot string
	CreatedAt        time.Time
}
