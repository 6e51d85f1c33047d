package playbook

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the Postgres-backed persistence layer for playbooks,
// executions, and approvals, grounded on pkg/correlation.Store's plain
// database/sql usage (no ent — see DESIGN.md).
type Store struct {
	db *sql.DB
}

// NewStore wraps an existing database connection.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// GetPlaybook loads a playbook definition by id.
func (s *Store) GetPlaybook(ctx context.Context, id string) (*Playbook, error) {
	const q = `
		SELECT id, name, status, steps, execution_count, success_count, failure_count
		FROM playbooks WHERE id = $1
	`
	row := s.db.QueryRowContext(ctx, q, id)
	var pb Playbook
	var status string
	var stepsJSON []byte
	if err := row.Scan(&pb.ID, &pb.Name, &status, &stepsJSON, &pb.ExecutionCount, &pb.SuccessCount, &pb.FailureCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("playbook: %s not found", id)
		}
		return nil, fmt.Errorf("playbook: get %s: %w", id, err)
	}
	pb.Status = PlaybookStatus(status)
	if err := json.Unmarshal(stepsJSON, &pb.Steps); err != nil {
		return nil, fmt.Errorf("playbook: decode steps for %s: %w", id, err)
	}
	return &pb, nil
}

// IncrementStats bumps a playbook's execution/success/failure counters.
func (s *Store) IncrementStats(ctx context.Context, playbookID string, executed, succeeded, failed bool) error {
	const q = `
		UPDATE playbooks SET
			execution_count = execution_count + $2,
			success_count = success_count + $3,
			failure_count = failure_count + $4
		WHERE id = $1
	`
	toInt := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}
	_, err := s.db.ExecContext(ctx, q, playbookID, toInt(executed), toInt(succeeded), toInt(failed))
	if err != nil {
		return fmt.Errorf("playbook: increment stats for %s: %w", playbookID, err)
	}
	return nil
}

// CreateExecution inserts a new PENDING execution row.
func (s *Store) CreateExecution(ctx context.Context, playbookID string, input map[string]any, triggerType, triggerID, startedBy string) (*Execution, error) {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("playbook: marshal input data: %w", err)
	}
	exec := &Execution{
		ID:          uuid.NewString(),
		PlaybookID:  playbookID,
		Status:      ExecutionPending,
		TriggerType: triggerType,
		TriggerID:   triggerID,
		InputData:   input,
		StartedBy:   startedBy,
		StartedAt:   time.Now().UTC(),
	}
	const q = `
		INSERT INTO playbook_executions
			(id, playbook_id, status, trigger_type, trigger_id, input_data, step_results, started_by, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, '[]', $7, $8)
	`
	if _, err := s.db.ExecContext(ctx, q, exec.ID, exec.PlaybookID, string(exec.Status),
		exec.TriggerType, exec.TriggerID, inputJSON, exec.StartedBy, exec.StartedAt); err != nil {
		return nil, fmt.Errorf("playbook: create execution: %w", err)
	}
	return exec, nil
}

// GetExecution loads an execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	const q = `
		SELECT id, playbook_id, status, trigger_type, trigger_id, input_data, output_data,
			step_results, current_step_id, error_message, error_step_id, started_by,
			started_at, completed_at, duration_seconds
		FROM playbook_executions WHERE id = $1
	`
	row := s.db.QueryRowContext(ctx, q, id)
	return scanExecution(row)
}

func scanExecution(row *sql.Row) (*Execution, error) {
	var e Execution
	var status string
	var inputJSON, outputJSON, stepResultsJSON []byte
	var completedAt sql.NullTime
	if err := row.Scan(&e.ID, &e.PlaybookID, &status, &e.TriggerType, &e.TriggerID,
		&inputJSON, &outputJSON, &stepResultsJSON, &e.CurrentStepID, &e.ErrorMessage,
		&e.ErrorStepID, &e.StartedBy, &e.StartedAt, &completedAt, &e.DurationSeconds); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("playbook: execution not found")
		}
		return nil, fmt.Errorf("playbook: scan execution: %w", err)
	}
	e.Status = ExecutionStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	if len(inputJSON) > 0 {
		_ = json.Unmarshal(inputJSON, &e.InputData)
	}
	if len(outputJSON) > 0 {
		_ = json.Unmarshal(outputJSON, &e.OutputData)
	}
	if len(stepResultsJSON) > 0 {
		_ = json.Unmarshal(stepResultsJSON, &e.StepResults)
	}
	return &e, nil
}

// SaveExecution persists the full mutable state of an execution.
func (s *Store) SaveExecution(ctx context.Context, e *Execution) error {
	outputJSON, err := json.Marshal(e.OutputData)
	if err != nil {
		return fmt.Errorf("playbook: marshal output data: %w", err)
	}
	stepResultsJSON, err := json.Marshal(e.StepResults)
	if err != nil {
		return fmt.Errorf("playbook: marshal step results: %w", err)
	}
	const q = `
		UPDATE playbook_executions SET
			status = $2, output_data = $3, step_results = $4, current_step_id = $5,
			error_message = $6, error_step_id = $7, completed_at = $8, duration_seconds = $9
		WHERE id = $1
	`
	_, err = s.db.ExecContext(ctx, q, e.ID, string(e.Status), outputJSON, stepResultsJSON,
		e.CurrentStepID, e.ErrorMessage, e.ErrorStepID, e.CompletedAt, e.DurationSeconds)
	if err != nil {
		return fmt.Errorf("playbook: save execution %s: %w", e.ID, err)
	}
	return nil
}

// CreateApproval inserts a new PENDING approval gate.
func (s *Store) CreateApproval(ctx context.Context, executionID, stepID, stepName string, approvalContext map[string]any, approvers []string, timeoutHours int) (*Approval, error) {
	contextJSON, err := json.Marshal(approvalContext)
	if err != nil {
		return nil, fmt.Errorf("playbook: marshal approval context: %w", err)
	}
	approversJSON, err := json.Marshal(approvers)
	if err != nil {
		return nil, fmt.Errorf("playbook: marshal approvers: %w", err)
	}
	if timeoutHours <= 0 {
		timeoutHours = 24
	}
	approval := &Approval{
		ID:                uuid.NewString(),
		ExecutionID:       executionID,
		StepID:            stepID,
		StepName:          stepName,
		Context:           approvalContext,
		RequiredApprovers: approvers,
		Status:            ApprovalPending,
		ExpiresAt:         time.Now().UTC().Add(time.Duration(timeoutHours) * time.Hour),
		CreatedAt:         time.Now().UTC(),
	}
	const q = `
		INSERT INTO playbook_approvals
			(id, execution_id, step_id, step_name, context, required_approvers, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	if _, err := s.db.ExecContext(ctx, q, approval.ID, approval.ExecutionID, approval.StepID,
		approval.StepName, contextJSON, approversJSON, string(approval.Status), approval.ExpiresAt, approval.CreatedAt); err != nil {
		return nil, fmt.Errorf("playbook: create approval: %w", err)
	}
	return approval, nil
}

// GetPendingApproval returns the first PENDING approval for an execution,
// or nil if there is none.
func (s *Store) GetPendingApproval(ctx context.Context, executionID string) (*Approval, error) {
	const q = `
		SELECT id, execution_id, step_id, step_name, context, required_approvers,
			status, approved_by, decision_comment, decided_at, expires_at, created_at
		FROM playbook_approvals
		WHERE execution_id = $1 AND status = $2
		ORDER BY created_at ASC LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, q, executionID, string(ApprovalPending))
	var a Approval
	var status string
	var contextJSON, approversJSON []byte
	var decidedAt sql.NullTime
	if err := row.Scan(&a.ID, &a.ExecutionID, &a.StepID, &a.StepName, &contextJSON, &approversJSON,
		&status, &a.ApprovedBy, &a.DecisionComment, &decidedAt, &a.ExpiresAt, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("playbook: get pending approval: %w", err)
	}
	a.Status = ApprovalStatus(status)
	if decidedAt.Valid {
		t := decidedAt.Time
		a.DecidedAt = &t
	}
	_ = json.Unmarshal(contextJSON, &a.Context)
	_ = json.Unmarshal(approversJSON, &a.RequiredApprovers)
	return &a, nil
}

// SaveApproval persists an approval's decision.
func (s *Store) SaveApproval(ctx context.Context, a *Approval) error {
	const q = `
		UPDATE playbook_approvals SET status = $2, approved_by = $3, decision_comment = $4, decided_at = $5
		WHERE id = $1
	`
	_, err := s.db.ExecContext(ctx, q, a.ID, string(a.Status), a.ApprovedBy, a.DecisionComment, a.DecidedAt)
	if err != nil {
		return fmt.Errorf("playbook: save approval %s: %w", a.ID, err)
	}
	return nil
}

// ExpirePendingApprovals marks PENDING approvals past their expiry as
// EXPIRED, used by a periodic sweep (the original has no equivalent —
// see DESIGN.md's supplemented-features note).
func (s *Store) ExpirePendingApprovals(ctx context.Context, now time.Time) ([]string, error) {
	const q = `
		UPDATE playbook_approvals SET status = $1
		WHERE status = $2 AND expires_at < $3
		RETURNING execution_id
	`
	rows, err := s.db.QueryContext(ctx, q, string(ApprovalExpired), string(ApprovalPending), now)
	if err != nil {
		return nil, fmt.Errorf("playbook: expire pending approvals: %w", err)
	}
	defer rows.Close()
	var executionIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		executionIDs = append(executionIDs, id)
	}
	return executionIDs, rows.Err()
}
