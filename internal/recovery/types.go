package recovery

import (
	"context"
	"time"
)

// HealthState orders component health from best to worst.
type HealthState string

const (
	StateHealthy  HealthState = "healthy"
	StateDegraded HealthState = "degraded"
	StateCritical HealthState = "critical"
	StateDown     HealthState = "down"
)

var stateRank = map[HealthState]int{
	StateHealthy:  0,
	StateDegraded: 1,
	StateCritical: 2,
	StateDown:     3,
}

// Worse reports whether s is worse than other.
func (s HealthState) Worse(other HealthState) bool {
	return stateRank[s] > stateRank[other]
}

// ComponentHealth is one component's slice of a health snapshot.
type ComponentHealth struct {
	Name         string             `json:"name"`
	Status       HealthState        `json:"status"`
	ResponseTime time.Duration      `json:"responseTime"`
	Message      string             `json:"message,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
}

// ThresholdBreach is one metric threshold annotation on a snapshot. Metric
// is a stable identifier; Detail carries the measured values.
type ThresholdBreach struct {
	Component string `json:"component"`
	Metric    string `json:"metric"`
	Detail    string `json:"detail"`
}

// HealthSnapshot is the ephemeral result of one performHealthCheck pass.
// Alerts here are informational annotations, distinct from the monitoring
// subsystem's Alert entities.
type HealthSnapshot struct {
	Timestamp  time.Time                  `json:"timestamp"`
	Overall    HealthState                `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
	Alerts     []ThresholdBreach          `json:"alerts,omitempty"`
}

// DisasterType classifies a detected disaster.
type DisasterType string

const (
	DisasterDatabaseFailure    DisasterType = "database_failure"
	DisasterServiceUnavailable DisasterType = "service_unavailable"
	DisasterBackupFailure      DisasterType = "backup_failure"
	DisasterNetworkPartition   DisasterType = "network_partition"
	DisasterManual             DisasterType = "manual"
)

// Severity grades a disaster event.
type Severity string

const (
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// DisasterEvent is an immutable record of a detected disaster.
type DisasterEvent struct {
	ID                 string       `json:"id"`
	Timestamp          time.Time    `json:"timestamp"`
	Type               DisasterType `json:"type"`
	Severity           Severity     `json:"severity"`
	AffectedComponents []string     `json:"affectedComponents"`
	Symptoms           []string     `json:"symptoms,omitempty"`
}

// StepType identifies the action a recovery step performs.
type StepType string

const (
	StepCommand         StepType = "command"
	StepAPICall         StepType = "api_call"
	StepDatabaseRestore StepType = "database_restore"
	StepServiceRestart  StepType = "service_restart"
	StepConfiguration   StepType = "configuration"
	StepCustom          StepType = "custom"
)

// Step is one action inside a recovery plan.
type Step struct {
	ID                string        `json:"id"`
	Type              StepType      `json:"type"`
	Target            string        `json:"target,omitempty"` // command line, URL, service or component name
	Timeout           time.Duration `json:"timeout"`
	RetryCount        int           `json:"retryCount"`
	ContinueOnFailure bool          `json:"continueOnFailure"`
	RollbackOnFailure bool          `json:"rollbackOnFailure"`
}

// ValidationType identifies a post-recovery check.
type ValidationType string

const (
	ValidateHealthCheck     ValidationType = "health_check"
	ValidateDatabaseQuery   ValidationType = "database_query"
	ValidateAPITest         ValidationType = "api_test"
	ValidatePerformanceTest ValidationType = "performance_test"
	ValidateDataIntegrity   ValidationType = "data_integrity"
	ValidateCustom          ValidationType = "custom"
)

// ValidationStep is one boolean post-recovery check.
type ValidationStep struct {
	ID      string         `json:"id"`
	Type    ValidationType `json:"type"`
	Target  string         `json:"target,omitempty"`
	Timeout time.Duration  `json:"timeout"`
}

// Plan is a static recovery plan loaded at init.
type Plan struct {
	ID                string           `json:"id"`
	Priority          int              `json:"priority"`
	TriggerConditions []DisasterType   `json:"triggerConditions"`
	Dependencies      []string         `json:"dependencies,omitempty"`
	EstimatedRTO      time.Duration    `json:"estimatedRTO"`
	EstimatedRPO      time.Duration    `json:"estimatedRPO"`
	Steps             []Step           `json:"steps"`
	RollbackSteps     []Step           `json:"rollbackSteps,omitempty"`
	ValidationSteps   []ValidationStep `json:"validationSteps,omitempty"`
}

// ExecutionStatus is the strict forward state machine of one recovery
// attempt: initiated -> in_progress -> {completed | failed | rolled_back}.
type ExecutionStatus string

const (
	ExecutionInitiated  ExecutionStatus = "initiated"
	ExecutionInProgress ExecutionStatus = "in_progress"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionRolledBack ExecutionStatus = "rolled_back"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionRolledBack:
		return true
	}
	return false
}

var validTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionInitiated:  {ExecutionInProgress},
	ExecutionInProgress: {ExecutionCompleted, ExecutionFailed, ExecutionRolledBack},
}

func (s ExecutionStatus) canTransition(to ExecutionStatus) bool {
	for _, next := range validTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// StepResult records one step's final outcome within an execution.
type StepResult struct {
	StepID   string        `json:"stepId"`
	Attempts int           `json:"attempts"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Execution is one recovery attempt against a plan.
type Execution struct {
	ID                string                `json:"id"`
	DisasterEventID   string                `json:"disasterEventId"`
	PlanID            string                `json:"planId"`
	StartTime         time.Time             `json:"startTime"`
	EndTime           *time.Time            `json:"endTime,omitempty"`
	Status            ExecutionStatus       `json:"status"`
	CompletedSteps    []string              `json:"completedSteps"`
	FailedSteps       []string              `json:"failedSteps"`
	StepResults       map[string]StepResult `json:"stepResults"`
	RollbackErrors    []string              `json:"rollbackErrors,omitempty"`
	ValidationResults map[string]bool       `json:"validationResults,omitempty"`
	AchievedRTO       time.Duration         `json:"achievedRTO"`
}

// StepRunner executes the pluggable external step actions (command,
// api_call, service_restart, configuration, custom). database_restore is
// handled internally via the backup manager.
type StepRunner interface {
	Run(ctx context.Context, step Step) error
}

// Validator executes validation steps and returns whether the check passed.
type Validator interface {
	Validate(ctx context.Context, step ValidationStep) (bool, error)
}

// HealthChecker probes one component.
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) ComponentHealth
}
