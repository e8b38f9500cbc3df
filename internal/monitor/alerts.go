package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bastionkit/bastion/internal/config"
	"github.com/bastionkit/bastion/internal/logging"
	"github.com/bastionkit/bastion/internal/monitor/history"
	"github.com/bastionkit/bastion/internal/notify"
)

// AlertStatus is the alert lifecycle state.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
	AlertSuppressed   AlertStatus = "suppressed"
)

// Alert is one operator-facing alert.
type Alert struct {
	ID              string          `json:"id"`
	Timestamp       time.Time       `json:"timestamp"`
	Severity        string          `json:"severity"`
	Category        string          `json:"category"`
	Title           string          `json:"title"`
	Message         string          `json:"message"`
	Status          AlertStatus     `json:"status"`
	EscalationLevel int             `json:"escalationLevel"`
	Notifications   []notify.Result `json:"notifications,omitempty"`
	AckUser         string          `json:"ackUser,omitempty"`
	AckTime         *time.Time      `json:"ackTime,omitempty"`
	ResolvedAt      *time.Time      `json:"resolvedAt,omitempty"`
}

// Clone returns a copy safe to hand across goroutines.
func (a *Alert) Clone() *Alert {
	clone := *a
	if a.AckTime != nil {
		t := *a.AckTime
		clone.AckTime = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		clone.ResolvedAt = &t
	}
	clone.Notifications = append([]notify.Result(nil), a.Notifications...)
	return &clone
}

// Recorder persists alert lifecycle changes; satisfied by history.Store.
type Recorder interface {
	Record(e history.Entry) error
}

// AlertData is the input to CreateAlert.
type AlertData struct {
	Severity string
	Category string
	Title    string
	Message  string
}

// AlertManager owns the alert set. It is the sole writer; readers get
// clones.
type AlertManager struct {
	cfg        config.MonitorConfig
	dispatcher *notify.Dispatcher
	recorder   Recorder
	logger     zerolog.Logger
	clock      func() time.Time

	mu     sync.RWMutex
	alerts map[string]*Alert

	// dispatchTimes tracks notification rounds for the global hourly cap.
	dispatchTimes []time.Time
}

// NewAlertManager builds the alert manager. recorder may be nil, in which
// case lifecycle changes are not persisted.
func NewAlertManager(cfg config.MonitorConfig, dispatcher *notify.Dispatcher, recorder Recorder) *AlertManager {
	return &AlertManager{
		cfg:        cfg,
		dispatcher: dispatcher,
		recorder:   recorder,
		logger:     logging.Component("alerts"),
		clock:      time.Now,
		alerts:     make(map[string]*Alert),
	}
}

// CreateAlert records an alert and dispatches notifications. An equivalent
// open alert (same category and title) inside the dedup window suppresses
// the new one; the existing alert is returned.
func (m *AlertManager) CreateAlert(ctx context.Context, data AlertData) *Alert {
	m.mu.Lock()
	if existing := m.findDuplicateLocked(data); existing != nil {
		m.mu.Unlock()
		m.logger.Debug().
			Str("alert", existing.ID).
			Str("title", data.Title).
			Msg("Duplicate alert suppressed inside dedup window")
		return existing.Clone()
	}

	alert := &Alert{
		ID:        uuid.New().String(),
		Timestamp: m.clock(),
		Severity:  data.Severity,
		Category:  data.Category,
		Title:     data.Title,
		Message:   data.Message,
		Status:    AlertOpen,
	}
	m.alerts[alert.ID] = alert
	m.mu.Unlock()

	m.logger.Warn().
		Str("alert", alert.ID).
		Str("severity", alert.Severity).
		Str("category", alert.Category).
		Str("title", alert.Title).
		Msg("Alert created")
	m.persist(alert)

	// Rate limits never drop the alert itself, only its notifications.
	// Per-channel limits are enforced inside the dispatcher.
	var results []notify.Result
	if m.allowDispatch() {
		results = m.dispatcher.Dispatch(ctx, m.payload(alert))
	} else {
		m.logger.Warn().Str("alert", alert.ID).Msg("Hourly notification limit reached, alert recorded without dispatch")
	}

	m.mu.Lock()
	if live, ok := m.alerts[alert.ID]; ok {
		live.Notifications = append(live.Notifications, results...)
		alert = live
	}
	clone := alert.Clone()
	m.mu.Unlock()
	return clone
}

// allowDispatch enforces the global hourly cap on notification rounds.
func (m *AlertManager) allowDispatch() bool {
	if m.cfg.MaxAlertsPerHour <= 0 {
		return true
	}
	now := m.clock()
	cutoff := now.Add(-time.Hour)

	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.dispatchTimes[:0]
	for _, t := range m.dispatchTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.dispatchTimes = kept
	if len(m.dispatchTimes) >= m.cfg.MaxAlertsPerHour {
		return false
	}
	m.dispatchTimes = append(m.dispatchTimes, now)
	return true
}

// findDuplicateLocked returns an open or acknowledged alert with the same
// category and title created inside the dedup window. Caller holds m.mu.
func (m *AlertManager) findDuplicateLocked(data AlertData) *Alert {
	cutoff := m.clock().Add(-m.cfg.DedupWindow)
	for _, alert := range m.alerts {
		if alert.Status != AlertOpen && alert.Status != AlertAcknowledged {
			continue
		}
		if alert.Category == data.Category && alert.Title == data.Title && alert.Timestamp.After(cutoff) {
			return alert
		}
	}
	return nil
}

// Acknowledge marks an open alert acknowledged; escalation timers stop
// advancing for acknowledged alerts.
func (m *AlertManager) Acknowledge(id, user string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.alerts[id]
	if !ok || alert.Status != AlertOpen {
		return false
	}
	now := m.clock()
	alert.Status = AlertAcknowledged
	alert.AckUser = user
	alert.AckTime = &now
	m.persistLocked(alert)
	m.logger.Info().Str("alert", id).Str("user", user).Msg("Alert acknowledged")
	return true
}

// Resolve transitions an alert to its terminal resolved state. No further
// escalation timers fire.
func (m *AlertManager) Resolve(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.alerts[id]
	if !ok || alert.Status == AlertResolved {
		return false
	}
	now := m.clock()
	alert.Status = AlertResolved
	alert.ResolvedAt = &now
	m.persistLocked(alert)
	m.logger.Info().Str("alert", id).Msg("Alert resolved")
	return true
}

// CheckEscalations advances open, unacknowledged alerts through the
// configured escalation levels and applies auto-resolve. Called from the
// monitoring cycle.
func (m *AlertManager) CheckEscalations(ctx context.Context) {
	if len(m.cfg.Escalation) == 0 {
		return
	}
	now := m.clock()

	type pending struct {
		alert *Alert
		level int
	}
	var toNotify []pending
	var toResolve []string

	m.mu.Lock()
	for _, alert := range m.alerts {
		if alert.Status != AlertOpen {
			continue
		}
		age := now.Sub(alert.Timestamp)
		for i, level := range m.cfg.Escalation {
			tier := i + 1
			if alert.EscalationLevel >= tier || age < level.After {
				continue
			}
			alert.EscalationLevel = tier
			toNotify = append(toNotify, pending{alert: alert.Clone(), level: tier})
		}
		// Auto-resolve applies once the highest reached level allows it.
		if alert.EscalationLevel > 0 {
			level := m.cfg.Escalation[alert.EscalationLevel-1]
			if level.AutoResolve && level.AutoResolveTimeout > 0 && age >= level.After+level.AutoResolveTimeout {
				toResolve = append(toResolve, alert.ID)
			}
		}
	}
	m.mu.Unlock()

	for _, p := range toNotify {
		m.logger.Warn().
			Str("alert", p.alert.ID).
			Int("level", p.level).
			Msg("Alert escalated")
		payload := m.payload(p.alert)
		payload.Escalated = true
		payload.Level = p.level
		channels := m.cfg.Escalation[p.level-1].Channels
		m.dispatcher.DispatchTo(ctx, payload, channels)
	}
	for _, id := range toResolve {
		if m.Resolve(id) {
			m.logger.Info().Str("alert", id).Msg("Alert auto-resolved after escalation timeout")
		}
	}
}

// Active returns clones of all non-resolved alerts.
func (m *AlertManager) Active() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Alert
	for _, alert := range m.alerts {
		if alert.Status == AlertResolved {
			continue
		}
		out = append(out, *alert.Clone())
	}
	return out
}

// Get returns a clone of one alert.
func (m *AlertManager) Get(id string) (*Alert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alert, ok := m.alerts[id]
	if !ok {
		return nil, false
	}
	return alert.Clone(), true
}

// Cleanup drops resolved alerts older than maxAge from the in-memory set;
// the history store keeps the permanent record.
func (m *AlertManager) Cleanup(maxAge time.Duration) {
	cutoff := m.clock().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, alert := range m.alerts {
		if alert.Status == AlertResolved && alert.ResolvedAt != nil && alert.ResolvedAt.Before(cutoff) {
			delete(m.alerts, id)
		}
	}
}

func (m *AlertManager) payload(alert *Alert) notify.Payload {
	return notify.Payload{
		ID:        alert.ID,
		Timestamp: alert.Timestamp,
		Severity:  alert.Severity,
		Category:  alert.Category,
		Title:     alert.Title,
		Message:   alert.Message,
	}
}

func (m *AlertManager) persist(alert *Alert) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.persistLocked(alert)
}

func (m *AlertManager) persistLocked(alert *Alert) {
	if m.recorder == nil {
		return
	}
	err := m.recorder.Record(history.Entry{
		ID:         alert.ID,
		Timestamp:  alert.Timestamp,
		Severity:   alert.Severity,
		Category:   alert.Category,
		Title:      alert.Title,
		Message:    alert.Message,
		Status:     string(alert.Status),
		ResolvedAt: alert.ResolvedAt,
	})
	if err != nil {
		m.logger.Error().Err(err).Str("alert", alert.ID).Msg("Failed to persist alert history")
	}
}
