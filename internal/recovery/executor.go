package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/bastionkit/bastion/internal/backup"
	bkerrors "github.com/bastionkit/bastion/internal/errors"
)

// BackupSource is the slice of the backup manager the executor needs for
// database_restore steps.
type BackupSource interface {
	LatestCompleted(component string) (backup.Metadata, bool)
	Restore(ctx context.Context, opts backup.RestoreOptions) (*backup.Report, error)
}

// executor runs recovery plans. It is owned by the Manager and not safe
// for concurrent use; plan executions run one at a time.
type executor struct {
	runner      StepRunner
	validator   Validator
	backups     BackupSource
	dbComponent string // component name database_restore steps target
	logger      zerolog.Logger
	clock       func() time.Time
	sleep       func(time.Duration)
}

// transition advances the execution's state machine. Terminal states are
// final; an invalid transition is a programming error and is refused.
func (e *executor) transition(exec *Execution, to ExecutionStatus) {
	if !exec.Status.canTransition(to) {
		e.logger.Error().
			Str("execution", exec.ID).
			Str("from", string(exec.Status)).
			Str("to", string(to)).
			Msg("Refusing invalid execution state transition")
		return
	}
	exec.Status = to
	if to.Terminal() {
		now := e.clock()
		exec.EndTime = &now
		exec.AchievedRTO = now.Sub(exec.StartTime)
	}
}

// executePlan runs every step of the plan sequentially, then its
// validation steps. The returned execution is always in a terminal state.
func (e *executor) executePlan(ctx context.Context, plan Plan, disaster DisasterEvent) *Execution {
	exec := &Execution{
		ID:                ulid.Make().String(),
		DisasterEventID:   disaster.ID,
		PlanID:            plan.ID,
		StartTime:         e.clock(),
		Status:            ExecutionInitiated,
		StepResults:       make(map[string]StepResult),
		ValidationResults: make(map[string]bool),
	}
	e.transition(exec, ExecutionInProgress)
	e.logger.Info().
		Str("execution", exec.ID).
		Str("plan", plan.ID).
		Str("disaster", string(disaster.Type)).
		Msg("Recovery execution started")

	for _, step := range plan.Steps {
		result := e.executeStep(ctx, step)
		exec.StepResults[step.ID] = result
		if result.Success {
			exec.CompletedSteps = append(exec.CompletedSteps, step.ID)
			continue
		}
		exec.FailedSteps = append(exec.FailedSteps, step.ID)
		e.logger.Error().
			Str("execution", exec.ID).
			Str("step", step.ID).
			Int("attempts", result.Attempts).
			Str("error", result.Error).
			Msg("Recovery step exhausted retries")

		if step.ContinueOnFailure {
			continue
		}
		if step.RollbackOnFailure {
			e.rollback(ctx, plan, exec)
			e.transition(exec, ExecutionRolledBack)
			return exec
		}
		e.transition(exec, ExecutionFailed)
		return exec
	}

	if !e.validate(ctx, plan, exec) {
		e.transition(exec, ExecutionFailed)
		return exec
	}
	e.transition(exec, ExecutionCompleted)
	e.logger.Info().
		Str("execution", exec.ID).
		Dur("achievedRTO", exec.AchievedRTO).
		Msg("Recovery execution completed")
	return exec
}

// executeStep runs one step with up to RetryCount+1 attempts and linearly
// increasing backoff between attempts.
func (e *executor) executeStep(ctx context.Context, step Step) StepResult {
	start := e.clock()
	result := StepResult{StepID: step.ID}

	var lastErr error
	for attempt := 1; attempt <= step.RetryCount+1; attempt++ {
		result.Attempts = attempt
		if attempt > 1 {
			e.sleep(time.Duration(attempt-1) * time.Second)
		}
		lastErr = e.runStepOnce(ctx, step)
		if lastErr == nil {
			result.Success = true
			break
		}
		e.logger.Warn().
			Str("step", step.ID).
			Int("attempt", attempt).
			Err(lastErr).
			Msg("Recovery step attempt failed")
	}
	result.Duration = e.clock().Sub(start)
	if lastErr != nil {
		var oe *bkerrors.OpError
		if errors.As(lastErr, &oe) {
			result.Error = lastErr.Error()
		} else {
			result.Error = bkerrors.New(bkerrors.KindStepExecution, "execute_step", step.ID, lastErr).Error()
		}
	}
	return result
}

// runStepOnce dispatches one attempt by step type under the step's own
// timeout. The switch is exhaustive over StepType.
func (e *executor) runStepOnce(ctx context.Context, step Step) error {
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		switch step.Type {
		case StepDatabaseRestore:
			done <- e.restoreDatabase(ctx)
		case StepCommand, StepAPICall, StepServiceRestart, StepConfiguration, StepCustom:
			if e.runner == nil {
				done <- fmt.Errorf("no step runner configured for %s step", step.Type)
				return
			}
			done <- e.runner.Run(ctx, step)
		default:
			done <- fmt.Errorf("unknown step type %q", step.Type)
		}
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// Exceeding the step timeout is a step failure subject to the
		// step's own retry policy.
		return bkerrors.New(bkerrors.KindTimeout, "execute_step", step.ID, ctx.Err())
	}
}

// restoreDatabase locates the most recent completed backup containing the
// database component and restores it.
func (e *executor) restoreDatabase(ctx context.Context) error {
	if e.backups == nil {
		return fmt.Errorf("no backup source configured")
	}
	meta, ok := e.backups.LatestCompleted(e.dbComponent)
	if !ok {
		return bkerrors.Newf(bkerrors.KindNoSuitableBackup, "database_restore", e.dbComponent,
			"no completed backup contains component %s", e.dbComponent)
	}
	e.logger.Info().Str("backup", meta.ID).Msg("Restoring database from backup")
	_, err := e.backups.Restore(ctx, backup.RestoreOptions{
		BackupID:        meta.ID,
		Components:      []string{e.dbComponent},
		VerifyIntegrity: true,
	})
	return err
}

// rollback runs the plan's rollback steps in reverse order, best-effort:
// a rollback step failure is recorded and the sequence continues.
func (e *executor) rollback(ctx context.Context, plan Plan, exec *Execution) {
	e.logger.Warn().Str("execution", exec.ID).Int("steps", len(plan.RollbackSteps)).Msg("Rolling back recovery plan")
	for i := len(plan.RollbackSteps) - 1; i >= 0; i-- {
		step := plan.RollbackSteps[i]
		result := e.executeStep(ctx, step)
		exec.StepResults[step.ID] = result
		if !result.Success {
			exec.RollbackErrors = append(exec.RollbackErrors,
				fmt.Sprintf("%s: %s", step.ID, result.Error))
			e.logger.Error().Str("step", step.ID).Str("error", result.Error).Msg("Rollback step failed, continuing")
		}
	}
}

// validate runs every validation step; the plan only counts as completed
// when all of them pass.
func (e *executor) validate(ctx context.Context, plan Plan, exec *Execution) bool {
	allPassed := true
	for _, v := range plan.ValidationSteps {
		passed := e.runValidation(ctx, v)
		exec.ValidationResults[v.ID] = passed
		if !passed {
			allPassed = false
			e.logger.Error().Str("execution", exec.ID).Str("validation", v.ID).Msg("Post-recovery validation failed")
		}
	}
	return allPassed
}

func (e *executor) runValidation(ctx context.Context, v ValidationStep) bool {
	if e.validator == nil {
		e.logger.Warn().Str("validation", v.ID).Msg("No validator configured, treating validation as failed")
		return false
	}
	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}
	ok, err := e.validator.Validate(ctx, v)
	if err != nil {
		e.logger.Error().Err(err).Str("validation", v.ID).Msg("Validation step errored")
		return false
	}
	return ok
}
