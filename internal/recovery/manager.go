// Package recovery monitors platform health, classifies failures into
// disaster events and executes recovery plans with retry and rollback
// semantics.
package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bastionkit/bastion/internal/config"
	bkerrors "github.com/bastionkit/bastion/internal/errors"
	"github.com/bastionkit/bastion/internal/logging"
)

// Deps are the collaborators the recovery manager drives.
type Deps struct {
	Backups   BackupSource
	Runner    StepRunner
	Validator Validator
	// DatabaseComponent is the backup component database_restore steps
	// target. Defaults to "database".
	DatabaseComponent string
}

// Manager is the disaster recovery manager. It owns the health loop, the
// disaster history and the recovery executions.
type Manager struct {
	cfg      config.RecoveryConfig
	checkers []HealthChecker
	exec     *executor
	logger   zerolog.Logger
	clock    func() time.Time

	mu               sync.RWMutex
	plans            []Plan // registration order decides trigger matching
	lastSnapshot     *HealthSnapshot
	disasterHistory  []DisasterEvent
	activeRecoveries map[string]*Execution
	executionHistory []Execution
	lastRecoveryTime time.Time

	stop chan struct{}
	done chan struct{}
}

// NewManager builds a recovery manager over a static checker registry.
func NewManager(cfg config.RecoveryConfig, checkers []HealthChecker, deps Deps) *Manager {
	logger := logging.Component("recovery")
	dbComponent := deps.DatabaseComponent
	if dbComponent == "" {
		dbComponent = "database"
	}
	return &Manager{
		cfg:      cfg,
		checkers: checkers,
		logger:   logger,
		clock:    time.Now,
		exec: &executor{
			runner:      deps.Runner,
			validator:   deps.Validator,
			backups:     deps.Backups,
			dbComponent: dbComponent,
			logger:      logger,
			clock:       time.Now,
			sleep:       time.Sleep,
		},
		activeRecoveries: make(map[string]*Execution),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// RegisterPlan appends a plan to the registry. Plans are matched to
// disasters in registration order; the first plan whose trigger conditions
// include the disaster type wins. The Priority field does not break ties.
func (m *Manager) RegisterPlan(plan Plan) error {
	if plan.ID == "" {
		return bkerrors.Newf(bkerrors.KindConfiguration, "register_plan", "", "plan has no id")
	}
	if len(plan.Steps) == 0 {
		return bkerrors.Newf(bkerrors.KindConfiguration, "register_plan", plan.ID, "plan has no steps")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.plans {
		if existing.ID == plan.ID {
			return bkerrors.Newf(bkerrors.KindConfiguration, "register_plan", plan.ID, "duplicate plan id")
		}
	}
	m.plans = append(m.plans, plan)
	m.logger.Info().Str("plan", plan.ID).Msg("Recovery plan registered")
	return nil
}

// Initialize validates the configuration. Plans are expected to have been
// registered before Run is called.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.cfg.HealthCheckInterval <= 0 {
		return bkerrors.Newf(bkerrors.KindConfiguration, "initialize", "recovery",
			"health check interval must be positive")
	}
	m.mu.RLock()
	planCount := len(m.plans)
	m.mu.RUnlock()
	m.logger.Info().
		Int("plans", planCount).
		Int("checkers", len(m.checkers)).
		Bool("autoRecovery", m.cfg.AutoRecovery).
		Msg("Disaster recovery manager initialized")
	return nil
}

// Run drives the periodic health loop until ctx is cancelled or Stop is
// called.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			snapshot := m.PerformHealthCheck(ctx)
			m.DetectAndHandleDisasters(ctx, snapshot)
		}
	}
}

// Stop terminates the health loop and waits for it to exit.
func (m *Manager) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
}

// PerformHealthCheck probes every registered checker independently and
// aggregates the snapshot with worst-of precedence.
func (m *Manager) PerformHealthCheck(ctx context.Context) *HealthSnapshot {
	snapshot := &HealthSnapshot{
		Timestamp:  m.clock(),
		Components: make(map[string]ComponentHealth, len(m.checkers)),
	}
	for _, checker := range m.checkers {
		health := checker.Check(ctx)
		snapshot.Components[checker.Name()] = health
		if health.Status != StateHealthy {
			m.logger.Warn().
				Str("componentName", checker.Name()).
				Str("status", string(health.Status)).
				Str("message", health.Message).
				Msg("Component unhealthy")
		}
	}
	snapshot.Overall = aggregateOverall(snapshot.Components)
	annotateThresholds(snapshot, m.cfg)

	m.mu.Lock()
	m.lastSnapshot = snapshot
	m.mu.Unlock()
	return snapshot
}

// LastSnapshot returns the most recent health snapshot, or nil before the
// first check.
func (m *Manager) LastSnapshot() *HealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSnapshot
}

// DetectAndHandleDisasters derives disaster events from the snapshot and,
// when auto recovery is enabled for the disaster type, triggers recovery.
func (m *Manager) DetectAndHandleDisasters(ctx context.Context, snapshot *HealthSnapshot) []DisasterEvent {
	events := m.classify(snapshot)
	for i := range events {
		event := events[i]
		m.appendDisaster(event)
		m.logger.Error().
			Str("disaster", event.ID).
			Str("type", string(event.Type)).
			Str("severity", string(event.Severity)).
			Strs("affected", event.AffectedComponents).
			Msg("Disaster detected")

		if m.cfg.AutoRecovery && m.triggerEnabled(event.Type) {
			m.TriggerAutoRecovery(ctx, event)
		} else {
			m.logger.Warn().Str("disaster", event.ID).Msg("Auto recovery disabled for this disaster type, operator action required")
		}
	}
	return events
}

// classify applies the fixed disaster classification rules to a snapshot.
// Component rules run first; a service outage is only declared for down
// components no component rule accounts for.
func (m *Manager) classify(snapshot *HealthSnapshot) []DisasterEvent {
	var events []DisasterEvent
	now := m.clock()
	explained := make(map[string]bool)

	if db, ok := snapshot.Components["database"]; ok && db.Status == StateDown {
		explained["database"] = true
		events = append(events, DisasterEvent{
			ID:                 uuid.New().String(),
			Timestamp:          now,
			Type:               DisasterDatabaseFailure,
			Severity:           SeverityCritical,
			AffectedComponents: []string{"database"},
			Symptoms:           []string{db.Message},
		})
	}
	if bk, ok := snapshot.Components["backup"]; ok && (bk.Status == StateDown || bk.Status == StateCritical) {
		if bk.Status == StateDown {
			explained["backup"] = true
		}
		events = append(events, DisasterEvent{
			ID:                 uuid.New().String(),
			Timestamp:          now,
			Type:               DisasterBackupFailure,
			Severity:           SeverityCritical,
			AffectedComponents: []string{"backup"},
			Symptoms:           []string{bk.Message},
		})
	}
	if net, ok := snapshot.Components["network"]; ok && net.Status == StateDown {
		explained["network"] = true
		events = append(events, DisasterEvent{
			ID:                 uuid.New().String(),
			Timestamp:          now,
			Type:               DisasterNetworkPartition,
			Severity:           SeverityWarning,
			AffectedComponents: []string{"network"},
			Symptoms:           []string{net.Message},
		})
	}

	if snapshot.Overall == StateDown {
		unexplained := false
		for name, comp := range snapshot.Components {
			if comp.Status == StateDown && !explained[name] {
				unexplained = true
				break
			}
		}
		if unexplained {
			all := make([]string, 0, len(snapshot.Components))
			for name := range snapshot.Components {
				all = append(all, name)
			}
			sort.Strings(all)
			symptoms := make([]string, 0, len(snapshot.Alerts))
			for _, breach := range snapshot.Alerts {
				symptoms = append(symptoms, breach.Detail)
			}
			events = append(events, DisasterEvent{
				ID:                 uuid.New().String(),
				Timestamp:          now,
				Type:               DisasterServiceUnavailable,
				Severity:           SeverityEmergency,
				AffectedComponents: all,
				Symptoms:           symptoms,
			})
		}
	}
	return events
}

func (m *Manager) triggerEnabled(t DisasterType) bool {
	switch t {
	case DisasterDatabaseFailure:
		return m.cfg.Triggers.DatabaseFailure
	case DisasterServiceUnavailable:
		return m.cfg.Triggers.ServiceUnavailable
	case DisasterBackupFailure:
		return m.cfg.Triggers.BackupFailure
	case DisasterNetworkPartition:
		return m.cfg.Triggers.NetworkPartition
	case DisasterManual:
		return true
	}
	return false
}

func (m *Manager) appendDisaster(event DisasterEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disasterHistory = append(m.disasterHistory, event)
	if limit := m.cfg.HistoryLimit; limit > 0 && len(m.disasterHistory) > limit {
		m.disasterHistory = m.disasterHistory[len(m.disasterHistory)-limit:]
	}
}

// DisasterHistory returns a copy of the bounded disaster history.
func (m *Manager) DisasterHistory() []DisasterEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]DisasterEvent(nil), m.disasterHistory...)
}

// TriggerAutoRecovery selects and executes a matching plan, enforcing the
// recovery cooldown. The cooldown window restarts after every recovery
// attempt regardless of outcome.
func (m *Manager) TriggerAutoRecovery(ctx context.Context, disaster DisasterEvent) *Execution {
	m.mu.Lock()
	if !m.lastRecoveryTime.IsZero() && m.clock().Sub(m.lastRecoveryTime) < m.cfg.CooldownPeriod {
		remaining := m.cfg.CooldownPeriod - m.clock().Sub(m.lastRecoveryTime)
		m.mu.Unlock()
		m.logger.Warn().
			Str("disaster", disaster.ID).
			Dur("remaining", remaining).
			Msg("Recovery cooldown active, skipping auto recovery")
		return nil
	}
	plan, ok := m.selectPlanLocked(disaster.Type)
	m.mu.Unlock()
	if !ok {
		m.logger.Warn().Str("disaster", disaster.ID).Str("type", string(disaster.Type)).Msg("No recovery plan matches disaster type")
		return nil
	}
	return m.executePlan(ctx, plan, disaster)
}

// selectPlanLocked returns the first registered plan whose trigger
// conditions include the disaster type. Caller holds m.mu.
func (m *Manager) selectPlanLocked(t DisasterType) (Plan, bool) {
	for _, plan := range m.plans {
		for _, trigger := range plan.TriggerConditions {
			if trigger == t {
				return plan, true
			}
		}
	}
	return Plan{}, false
}

// executePlan runs the plan through the shared executor and records the
// execution in the active set and history.
func (m *Manager) executePlan(ctx context.Context, plan Plan, disaster DisasterEvent) *Execution {
	m.mu.Lock()
	placeholder := &Execution{PlanID: plan.ID, DisasterEventID: disaster.ID, Status: ExecutionInitiated}
	m.activeRecoveries[disaster.ID] = placeholder
	m.mu.Unlock()

	exec := m.exec.executePlan(ctx, plan, disaster)

	m.mu.Lock()
	delete(m.activeRecoveries, disaster.ID)
	m.executionHistory = append(m.executionHistory, *exec)
	if limit := m.cfg.HistoryLimit; limit > 0 && len(m.executionHistory) > limit {
		m.executionHistory = m.executionHistory[len(m.executionHistory)-limit:]
	}
	m.lastRecoveryTime = m.clock()
	m.mu.Unlock()
	return exec
}

// ManualRecovery runs the identified plan through the same engine as
// automatic recovery, so both share guarantees and audit trail.
func (m *Manager) ManualRecovery(ctx context.Context, planID string, components []string) (*Execution, error) {
	m.mu.RLock()
	var plan Plan
	found := false
	for _, p := range m.plans {
		if p.ID == planID {
			plan = p
			found = true
			break
		}
	}
	m.mu.RUnlock()
	if !found {
		return nil, bkerrors.New(bkerrors.KindInternal, "manual_recovery", planID,
			fmt.Errorf("plan %s: %w", planID, bkerrors.ErrNotFound))
	}

	disaster := DisasterEvent{
		ID:                 uuid.New().String(),
		Timestamp:          m.clock(),
		Type:               DisasterManual,
		Severity:           SeverityWarning,
		AffectedComponents: components,
		Symptoms:           []string{"manual recovery requested"},
	}
	m.appendDisaster(disaster)
	return m.executePlan(ctx, plan, disaster), nil
}

// ActiveRecoveries returns a snapshot of in-flight executions.
func (m *Manager) ActiveRecoveries() []Execution {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Execution, 0, len(m.activeRecoveries))
	for _, exec := range m.activeRecoveries {
		out = append(out, *exec)
	}
	return out
}

// ExecutionHistory returns a copy of the bounded execution history.
func (m *Manager) ExecutionHistory() []Execution {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Execution(nil), m.executionHistory...)
}
