package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastionkit/bastion/internal/config"
	"github.com/bastionkit/bastion/internal/monitor/history"
	"github.com/bastionkit/bastion/internal/notify"
)

type captureSender struct {
	mu    sync.Mutex
	sends []notify.Payload
}

func (s *captureSender) Send(_ context.Context, payload notify.Payload, channel config.ChannelConfig) notify.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, payload)
	return notify.Result{Channel: channel.Name, Success: true}
}

func (s *captureSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

type memRecorder struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (r *memRecorder) Record(e history.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func testChannels() []config.ChannelConfig {
	return []config.ChannelConfig{
		{Name: "ops", Type: "webhook", URL: "http://example.invalid/hook", MinSeverity: "info"},
	}
}

func newTestAlertManager(t *testing.T, cfg config.MonitorConfig, sender notify.Sender, recorder Recorder) *AlertManager {
	t.Helper()
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = testChannels()
	}
	return NewAlertManager(cfg, notify.NewDispatcher(cfg.Channels, sender), recorder)
}

func TestCreateAlertDeduplicatesWithinWindow(t *testing.T) {
	sender := &captureSender{}
	mgr := newTestAlertManager(t, config.MonitorConfig{}, sender, nil)

	first := mgr.CreateAlert(context.Background(), AlertData{
		Severity: "critical",
		Category: "backup",
		Title:    "Consecutive backup failures",
		Message:  "3 backups failed in a row",
	})
	second := mgr.CreateAlert(context.Background(), AlertData{
		Severity: "critical",
		Category: "backup",
		Title:    "Consecutive backup failures",
		Message:  "4 backups failed in a row",
	})

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, mgr.Active(), 1)
	assert.Equal(t, 1, sender.count())
}

func TestCreateAlertNewAfterWindowExpires(t *testing.T) {
	sender := &captureSender{}
	mgr := newTestAlertManager(t, config.MonitorConfig{DedupWindow: 5 * time.Minute}, sender, nil)

	now := time.Now()
	mgr.clock = func() time.Time { return now }
	first := mgr.CreateAlert(context.Background(), AlertData{Category: "storage", Title: "disk full"})

	now = now.Add(6 * time.Minute)
	second := mgr.CreateAlert(context.Background(), AlertData{Category: "storage", Title: "disk full"})

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, sender.count())
}

func TestCreateAlertDifferentTitleNotDeduplicated(t *testing.T) {
	sender := &captureSender{}
	mgr := newTestAlertManager(t, config.MonitorConfig{}, sender, nil)

	a := mgr.CreateAlert(context.Background(), AlertData{Category: "backup", Title: "slow backup"})
	b := mgr.CreateAlert(context.Background(), AlertData{Category: "backup", Title: "failed backup"})

	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, mgr.Active(), 2)
}

func TestResolvedAlertDoesNotSuppressNew(t *testing.T) {
	sender := &captureSender{}
	mgr := newTestAlertManager(t, config.MonitorConfig{}, sender, nil)

	first := mgr.CreateAlert(context.Background(), AlertData{Category: "health", Title: "db down"})
	require.True(t, mgr.Resolve(first.ID))

	second := mgr.CreateAlert(context.Background(), AlertData{Category: "health", Title: "db down"})
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRateLimitedAlertStillRecorded(t *testing.T) {
	sender := &captureSender{}
	cfg := config.MonitorConfig{
		DedupWindow: time.Minute,
		Channels: []config.ChannelConfig{
			{Name: "ops", Type: "webhook", URL: "http://example.invalid/hook", MaxPerHour: 1},
		},
	}
	mgr := newTestAlertManager(t, cfg, sender, nil)

	mgr.CreateAlert(context.Background(), AlertData{Category: "backup", Title: "first"})
	second := mgr.CreateAlert(context.Background(), AlertData{Category: "backup", Title: "second"})

	// Second alert exists even though its notification was rate limited.
	_, ok := mgr.Get(second.ID)
	assert.True(t, ok)
	assert.Len(t, mgr.Active(), 2)
	assert.Equal(t, 1, sender.count())
}

func TestGlobalHourlyLimitSkipsDispatch(t *testing.T) {
	sender := &captureSender{}
	cfg := config.MonitorConfig{DedupWindow: time.Minute, MaxAlertsPerHour: 2}
	mgr := newTestAlertManager(t, cfg, sender, nil)

	now := time.Now()
	mgr.clock = func() time.Time { return now }
	mgr.CreateAlert(context.Background(), AlertData{Category: "backup", Title: "a"})
	mgr.CreateAlert(context.Background(), AlertData{Category: "backup", Title: "b"})
	third := mgr.CreateAlert(context.Background(), AlertData{Category: "backup", Title: "c"})

	assert.Len(t, mgr.Active(), 3)
	assert.Equal(t, 2, sender.count())
	assert.Empty(t, third.Notifications)

	// The window slides: an hour later dispatch resumes.
	now = now.Add(61 * time.Minute)
	mgr.CreateAlert(context.Background(), AlertData{Category: "backup", Title: "d"})
	assert.Equal(t, 3, sender.count())
}

func TestAcknowledgeAndResolveLifecycle(t *testing.T) {
	recorder := &memRecorder{}
	mgr := newTestAlertManager(t, config.MonitorConfig{}, &captureSender{}, recorder)

	alert := mgr.CreateAlert(context.Background(), AlertData{Category: "backup", Title: "x"})

	require.True(t, mgr.Acknowledge(alert.ID, "oncall"))
	got, ok := mgr.Get(alert.ID)
	require.True(t, ok)
	assert.Equal(t, AlertAcknowledged, got.Status)
	assert.Equal(t, "oncall", got.AckUser)

	// Acknowledging twice is a no-op.
	assert.False(t, mgr.Acknowledge(alert.ID, "oncall"))

	require.True(t, mgr.Resolve(alert.ID))
	got, _ = mgr.Get(alert.ID)
	assert.Equal(t, AlertResolved, got.Status)
	require.NotNil(t, got.ResolvedAt)

	// Resolved is terminal.
	assert.False(t, mgr.Resolve(alert.ID))
	assert.False(t, mgr.Acknowledge(alert.ID, "oncall"))

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	require.Len(t, recorder.entries, 3)
	assert.Equal(t, string(AlertResolved), recorder.entries[2].Status)
}

func TestEscalationAdvancesLevels(t *testing.T) {
	sender := &captureSender{}
	cfg := config.MonitorConfig{
		DedupWindow: time.Minute,
		Channels: []config.ChannelConfig{
			{Name: "ops", Type: "webhook", URL: "http://example.invalid/a"},
			{Name: "pager", Type: "webhook", URL: "http://example.invalid/b"},
		},
		Escalation: []config.EscalationLevelConfig{
			{After: 5 * time.Minute, Channels: []string{"pager"}},
			{After: 15 * time.Minute, Channels: []string{"ops", "pager"}},
		},
	}
	mgr := newTestAlertManager(t, cfg, sender, nil)

	now := time.Now()
	mgr.clock = func() time.Time { return now }
	alert := mgr.CreateAlert(context.Background(), AlertData{Category: "health", Title: "db down"})
	baseline := sender.count()

	// Before the first threshold nothing happens.
	now = now.Add(4 * time.Minute)
	mgr.CheckEscalations(context.Background())
	got, _ := mgr.Get(alert.ID)
	assert.Equal(t, 0, got.EscalationLevel)
	assert.Equal(t, baseline, sender.count())

	now = now.Add(2 * time.Minute)
	mgr.CheckEscalations(context.Background())
	got, _ = mgr.Get(alert.ID)
	assert.Equal(t, 1, got.EscalationLevel)
	assert.Equal(t, baseline+1, sender.count())

	// Re-checking at the same level does not re-notify.
	mgr.CheckEscalations(context.Background())
	assert.Equal(t, baseline+1, sender.count())

	now = now.Add(10 * time.Minute)
	mgr.CheckEscalations(context.Background())
	got, _ = mgr.Get(alert.ID)
	assert.Equal(t, 2, got.EscalationLevel)
	assert.Equal(t, baseline+3, sender.count())
}

func TestEscalationStopsWhenAcknowledged(t *testing.T) {
	sender := &captureSender{}
	cfg := config.MonitorConfig{
		DedupWindow: time.Minute,
		Channels:    testChannels(),
		Escalation: []config.EscalationLevelConfig{
			{After: time.Minute, Channels: []string{"ops"}},
		},
	}
	mgr := newTestAlertManager(t, cfg, sender, nil)

	now := time.Now()
	mgr.clock = func() time.Time { return now }
	alert := mgr.CreateAlert(context.Background(), AlertData{Category: "health", Title: "slow"})
	require.True(t, mgr.Acknowledge(alert.ID, "oncall"))

	now = now.Add(2 * time.Minute)
	mgr.CheckEscalations(context.Background())
	got, _ := mgr.Get(alert.ID)
	assert.Equal(t, 0, got.EscalationLevel)
}

func TestEscalationAutoResolve(t *testing.T) {
	cfg := config.MonitorConfig{
		DedupWindow: time.Minute,
		Channels:    testChannels(),
		Escalation: []config.EscalationLevelConfig{
			{After: time.Minute, Channels: []string{"ops"}, AutoResolve: true, AutoResolveTimeout: 10 * time.Minute},
		},
	}
	mgr := newTestAlertManager(t, cfg, &captureSender{}, nil)

	now := time.Now()
	mgr.clock = func() time.Time { return now }
	alert := mgr.CreateAlert(context.Background(), AlertData{Category: "health", Title: "flaky"})

	now = now.Add(2 * time.Minute)
	mgr.CheckEscalations(context.Background())
	got, _ := mgr.Get(alert.ID)
	assert.Equal(t, AlertOpen, got.Status)

	now = now.Add(15 * time.Minute)
	mgr.CheckEscalations(context.Background())
	got, _ = mgr.Get(alert.ID)
	assert.Equal(t, AlertResolved, got.Status)
}

func TestCleanupDropsOldResolvedAlerts(t *testing.T) {
	mgr := newTestAlertManager(t, config.MonitorConfig{}, &captureSender{}, nil)

	now := time.Now()
	mgr.clock = func() time.Time { return now }
	alert := mgr.CreateAlert(context.Background(), AlertData{Category: "backup", Title: "old"})
	require.True(t, mgr.Resolve(alert.ID))

	now = now.Add(48 * time.Hour)
	mgr.Cleanup(24 * time.Hour)
	_, ok := mgr.Get(alert.ID)
	assert.False(t, ok)
}
