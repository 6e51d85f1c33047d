// Package playbook implements the response-automation engine described in
// SPEC_FULL.md §9, grounded on
// original_source/backend/app/services/playbook_engine.py for the step
// state machine and on codeready-toolchain-tarsy/pkg/queue/worker.go for
// the surrounding Go idiom (explicit context cancellation, slog, no
// global singletons — the original keeps a module-level
// get_playbook_engine() instance, which Eleanor's composition root
// replaces with a constructed *Engine).
package playbook

import (
	"time"
)

// StepType is the kind of action a playbook step performs.
type StepType string

const (
	StepAction       StepType = "action"
	StepApproval     StepType = "approval"
	StepDelay        StepType = "delay"
	StepCondition    StepType = "condition"
	StepNotification StepType = "notification"
	StepWorkflow     StepType = "workflow" // hands off to an external runner over gRPC
)

// PlaybookStatus is whether a playbook definition may currently be run.
type PlaybookStatus string

const (
	PlaybookActive   PlaybookStatus = "active"
	PlaybookInactive PlaybookStatus = "inactive"
	PlaybookDraft    PlaybookStatus = "draft"
)

// ExecutionStatus is the lifecycle status of one playbook run.
type ExecutionStatus string

const (
	ExecutionPending         ExecutionStatus = "pending"
	ExecutionRunning         ExecutionStatus = "running"
	ExecutionWaitingApproval ExecutionStatus = "waiting_approval"
	ExecutionCompleted       ExecutionStatus = "completed"
	ExecutionFailed          ExecutionStatus = "failed"
	ExecutionCancelled       ExecutionStatus = "cancelled"
)

// ApprovalStatus is the decision status of one approval gate.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Step is one node of a playbook's step graph. Playbooks are stored as a
// flat list of steps wired together by on_success/on_failure/on_approve/
// on_deny step-id references, matching the original's JSON step documents
// rather than a nested tree.
type Step struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Type              StepType       `json:"type"`
	Action            string         `json:"action,omitempty"`
	ActionDescription string         `json:"action_description,omitempty"`
	Parameters        map[string]any `json:"parameters,omitempty"`
	DurationSeconds   int            `json:"duration_seconds,omitempty"`
	Conditions        []Condition    `json:"conditions,omitempty"`
	Default           string         `json:"default,omitempty"`
	Channel           string         `json:"channel,omitempty"`
	Message           string         `json:"message,omitempty"`
	WorkflowID        string         `json:"workflow_id,omitempty"`
	Approvers         []string       `json:"approvers,omitempty"`
	TimeoutHours      int            `json:"timeout_hours,omitempty"`
	OnSuccess         string         `json:"on_success,omitempty"`
	OnFailure         string         `json:"on_failure,omitempty"`
	OnApprove         string         `json:"on_approve,omitempty"`
	OnDeny            string         `json:"on_deny,omitempty"`
}

// Condition is one branch test evaluated by a StepCondition step.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"` // eq, neq, contains, gt, lt, exists
	Value    any    `json:"value"`
	Branch   string `json:"branch"`
}

// Playbook is a versioned, named automation definition.
type Playbook struct {
	ID             string
	Name           string
	Status         PlaybookStatus
	Steps          []Step
	ExecutionCount int
	SuccessCount   int
	FailureCount   int
}

// StepID returns the first step's id, or "" if the playbook has none.
func (p *Playbook) StepID(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// StepResult is the recorded outcome of one executed step, appended to an
// Execution's StepResults in order, mirroring the original's JSON step
// result documents.
type StepResult struct {
	StepID          string         `json:"step_id"`
	StepName        string         `json:"step_name"`
	Type            StepType       `json:"type"`
	Status          string         `json:"status"` // completed, failed, waiting_approval, denied
	Output          map[string]any `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
	ApprovalID      string         `json:"approval_id,omitempty"`
	EvaluatedBranch string         `json:"evaluated_branch,omitempty"`
	Approved        *bool          `json:"approved,omitempty"`
	DecisionComment string         `json:"decision_comment,omitempty"`
	DecidedBy       string         `json:"decided_by,omitempty"`
	DecidedAt       *time.Time     `json:"decided_at,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// Execution is one run of a Playbook.
type Execution struct {
	ID              string
	PlaybookID      string
	Status          ExecutionStatus
	TriggerType     string
	TriggerID       string
	InputData       map[string]any
	OutputData      map[string]any
	StepResults     []StepResult
	CurrentStepID   string
	ErrorMessage    string
	ErrorStepID     string
	StartedBy       string
	StartedAt       time.Time
	CompletedAt     *time.Time
	DurationSeconds int
}

// Approval is a pending (or decided) human approval gate raised by a
// StepApproval step.
type Approval struct {
	ID                string
	ExecutionID       string
	StepID            string
	StepName          string
	Context           map[string]any
	RequiredApprovers []string
	Status            ApprovalStatus
	ApprovedBy        string
	DecisionComment   string
	DecidedAt         *time.Time
	ExpiresAt         time.Time
	CreatedAt         time.Time
}
