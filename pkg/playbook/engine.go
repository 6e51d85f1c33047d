package playbook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Project-Eleanor/Eleanor-sub000/pkg/notify"
)

// maxDelaySeconds caps a StepDelay step's sleep, mirroring the original's
// min(duration, 300).
const maxDelaySeconds = 300

// Engine runs playbooks step by step, persisting progress via Store after
// every step so an execution can resume across process restarts (the
// original runs inside one long-lived async call per execution; Eleanor's
// engine instead checkpoints so a crashed worker can pick a WAITING or
// RUNNING execution back up).
type Engine struct {
	store    *Store
	actions  *ActionRegistry
	notifier notify.Notifier
	workflow WorkflowRunner
	log      *slog.Logger
}

// New constructs a playbook engine. notifier and workflow may be nil if
// the deployment has no notification channel or workflow runner wired up;
// steps of those types then fail with a clear error instead of panicking.
func New(store *Store, actions *ActionRegistry, notifier notify.Notifier, workflow WorkflowRunner, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, actions: actions, notifier: notifier, workflow: workflow, log: logger.With("component", "playbook.engine")}
}

// StartExecution creates a new PENDING execution row for playbook.
func (e *Engine) StartExecution(ctx context.Context, playbookID string, input map[string]any, triggerType, triggerID, startedBy string) (*Execution, error) {
	playbook, err := e.store.GetPlaybook(ctx, playbookID)
	if err != nil {
		return nil, err
	}
	if playbook.Status != PlaybookActive {
		return nil, fmt.Errorf("playbook: %s is not active", playbook.Name)
	}

	exec, err := e.store.CreateExecution(ctx, playbookID, input, triggerType, triggerID, startedBy)
	if err != nil {
		return nil, err
	}
	if err := e.store.IncrementStats(ctx, playbookID, true, false, false); err != nil {
		e.log.Warn("failed to increment playbook execution count", "playbook_id", playbookID, "error", err)
	}
	e.log.Info("started playbook execution", "playbook", playbook.Name, "execution_id", exec.ID)
	return exec, nil
}

// Execute runs executionID's playbook from its CurrentStepID (or the
// first step, on a fresh execution) until it reaches a terminal status or
// pauses at an approval gate.
func (e *Engine) Execute(ctx context.Context, executionID string) (*Execution, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	playbook, err := e.store.GetPlaybook(ctx, exec.PlaybookID)
	if err != nil {
		return nil, err
	}

	if len(playbook.Steps) == 0 {
		exec.Status = ExecutionCompleted
		now := time.Now().UTC()
		exec.CompletedAt = &now
		return exec, e.store.SaveExecution(ctx, exec)
	}

	exec.Status = ExecutionRunning
	currentStepID := exec.CurrentStepID
	if currentStepID == "" {
		currentStepID = playbook.Steps[0].ID
	}

	for currentStepID != "" {
		step, ok := playbook.StepID(currentStepID)
		if !ok {
			return e.fail(ctx, exec, playbook, currentStepID, fmt.Errorf("step %s not found", currentStepID))
		}
		exec.CurrentStepID = currentStepID

		result := e.executeStep(ctx, exec, step)
		exec.StepResults = append(exec.StepResults, result)

		if result.Status == "waiting_approval" {
			exec.Status = ExecutionWaitingApproval
			return exec, e.store.SaveExecution(ctx, exec)
		}

		if result.Status == "completed" {
			currentStepID = step.OnSuccess
		} else {
			currentStepID = step.OnFailure
			if currentStepID == "" {
				errMsg := result.Error
				if errMsg == "" {
					errMsg = "step failed"
				}
				return e.fail(ctx, exec, playbook, step.ID, fmt.Errorf("%s", errMsg))
			}
		}
	}

	return e.complete(ctx, exec, playbook)
}

func (e *Engine) complete(ctx context.Context, exec *Execution, playbook *Playbook) (*Execution, error) {
	now := time.Now().UTC()
	exec.Status = ExecutionCompleted
	exec.CompletedAt = &now
	exec.DurationSeconds = int(now.Sub(exec.StartedAt).Seconds())
	exec.OutputData = collectOutputs(exec.StepResults)

	if err := e.store.IncrementStats(ctx, playbook.ID, false, true, false); err != nil {
		e.log.Warn("failed to increment playbook success count", "playbook_id", playbook.ID, "error", err)
	}
	e.log.Info("playbook execution completed", "playbook", playbook.Name, "execution_id", exec.ID, "duration_s", exec.DurationSeconds)
	return exec, e.store.SaveExecution(ctx, exec)
}

func (e *Engine) fail(ctx context.Context, exec *Execution, playbook *Playbook, stepID string, cause error) (*Execution, error) {
	now := time.Now().UTC()
	exec.Status = ExecutionFailed
	exec.ErrorMessage = cause.Error()
	exec.ErrorStepID = stepID
	exec.CompletedAt = &now

	if err := e.store.IncrementStats(ctx, playbook.ID, false, false, true); err != nil {
		e.log.Warn("failed to increment playbook failure count", "playbook_id", playbook.ID, "error", err)
	}
	e.log.Error("playbook execution failed", "playbook", playbook.Name, "execution_id", exec.ID, "error", cause)
	return exec, e.store.SaveExecution(ctx, exec)
}

func collectOutputs(results []StepResult) map[string]any {
	out := map[string]any{}
	for _, r := range results {
		if r.Output != nil {
			out[r.StepID] = r.Output
		}
	}
	return out
}

// executeStep runs one step and returns its recorded result, catching any
// error into a "failed" result rather than propagating it — mirroring
// _execute_step's broad try/except.
func (e *Engine) executeStep(ctx context.Context, exec *Execution, step Step) StepResult {
	started := time.Now().UTC()
	result := StepResult{
		StepID:    step.ID,
		StepName:  orName(step.Name, step.ID),
		Type:      step.Type,
		StartedAt: started,
	}

	var err error
	switch step.Type {
	case StepAction:
		result.Output, err = e.executeAction(ctx, exec, step)
		if err == nil {
			result.Status = "completed"
		}

	case StepApproval:
		var approval *Approval
		approval, err = e.store.CreateApproval(ctx, exec.ID, step.ID, orName(step.Name, step.ID), map[string]any{
			"playbook_name": exec.PlaybookID,
			"action":        orName(step.ActionDescription, "Requires approval"),
			"parameters":    step.Parameters,
			"input_data":    exec.InputData,
		}, step.Approvers, step.TimeoutHours)
		if err == nil {
			result.ApprovalID = approval.ID
			result.Status = "waiting_approval"
		}

	case StepDelay:
		duration := step.DurationSeconds
		if duration <= 0 {
			duration = 60
		}
		if duration > maxDelaySeconds {
			duration = maxDelaySeconds
		}
		select {
		case <-time.After(time.Duration(duration) * time.Second):
			result.Status = "completed"
		case <-ctx.Done():
			err = ctx.Err()
		}

	case StepCondition:
		result.EvaluatedBranch = evaluateConditions(step, exec.InputData, exec.StepResults)
		result.Status = "completed"

	case StepNotification:
		err = e.sendNotification(ctx, step)
		if err == nil {
			result.Status = "completed"
		}

	case StepWorkflow:
		result.Output, err = e.executeWorkflow(ctx, exec, step)
		if err == nil {
			result.Status = "completed"
		}

	default:
		err = fmt.Errorf("unknown step type: %s", step.Type)
	}

	completed := time.Now().UTC()
	result.CompletedAt = &completed
	if err != nil {
		result.Status = "failed"
		result.Error = err.Error()
		e.log.Error("step failed", "step_id", step.ID, "execution_id", exec.ID, "error", err)
	}
	return result
}

func (e *Engine) executeAction(ctx context.Context, exec *Execution, step Step) (map[string]any, error) {
	if e.actions == nil {
		return nil, fmt.Errorf("no action registry configured")
	}
	params := resolveTemplates(step.Parameters, exec.InputData, exec.StepResults)
	return e.actions.Execute(ctx, step.Action, params)
}

func (e *Engine) executeWorkflow(ctx context.Context, exec *Execution, step Step) (map[string]any, error) {
	if e.workflow == nil {
		return nil, fmt.Errorf("no workflow runner configured")
	}
	params := resolveTemplates(step.Parameters, exec.InputData, exec.StepResults)
	return e.workflow.RunWorkflow(ctx, step.WorkflowID, params)
}

func (e *Engine) sendNotification(ctx context.Context, step Step) error {
	channel := orName(step.Channel, "default")
	message := orName(step.Message, "Playbook notification")
	if e.notifier == nil {
		e.log.Info("notification step (no notifier configured)", "channel", channel, "message", message)
		return nil
	}
	return e.notifier.Send(ctx, channel, message)
}

func orName(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// ResumeExecution applies an approval decision and, if the execution can
// continue, resumes it by calling Execute — mirroring resume_execution's
// tail call back into execute().
func (e *Engine) ResumeExecution(ctx context.Context, executionID string, approved bool, comment, decidedBy string) (*Execution, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != ExecutionWaitingApproval {
		return nil, fmt.Errorf("playbook: execution %s is not waiting for approval", executionID)
	}

	approval, err := e.store.GetPendingApproval(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if approval == nil {
		return nil, fmt.Errorf("playbook: no pending approval found for execution %s", executionID)
	}

	now := time.Now().UTC()
	if approved {
		approval.Status = ApprovalApproved
	} else {
		approval.Status = ApprovalDenied
	}
	approval.ApprovedBy = decidedBy
	approval.DecisionComment = comment
	approval.DecidedAt = &now
	if err := e.store.SaveApproval(ctx, approval); err != nil {
		return nil, err
	}

	for i := range exec.StepResults {
		if exec.StepResults[i].StepID == approval.StepID {
			r := &exec.StepResults[i]
			if approved {
				r.Status = "completed"
			} else {
				r.Status = "denied"
			}
			approvedCopy := approved
			r.Approved = &approvedCopy
			r.DecisionComment = comment
			r.DecidedBy = decidedBy
			r.DecidedAt = &now
			break
		}
	}

	playbook, err := e.store.GetPlaybook(ctx, exec.PlaybookID)
	if err != nil {
		return nil, err
	}
	step, _ := playbook.StepID(approval.StepID)

	if !approved {
		if step.OnDeny != "" {
			exec.CurrentStepID = step.OnDeny
			exec.Status = ExecutionRunning
		} else {
			exec.Status = ExecutionFailed
			exec.ErrorMessage = "Approval denied"
			exec.CompletedAt = &now
		}
	} else {
		if step.OnApprove != "" {
			exec.CurrentStepID = step.OnApprove
			exec.Status = ExecutionRunning
		} else {
			exec.Status = ExecutionCompleted
			exec.CompletedAt = &now
		}
	}

	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return nil, err
	}

	if exec.Status == ExecutionRunning {
		return e.Execute(ctx, executionID)
	}
	return exec, nil
}

// CancelExecution marks a running or pending execution CANCELLED.
func (e *Engine) CancelExecution(ctx context.Context, executionID, cancelledBy string) (*Execution, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	switch exec.Status {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return nil, fmt.Errorf("playbook: execution %s is already finished", executionID)
	}

	now := time.Now().UTC()
	exec.Status = ExecutionCancelled
	exec.ErrorMessage = fmt.Sprintf("Cancelled by user %s", cancelledBy)
	exec.CompletedAt = &now

	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return nil, err
	}
	e.log.Info("playbook execution cancelled", "execution_id", executionID)
	return exec, nil
}
