package backup

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"

	bkerrors "github.com/bastionkit/bastion/internal/errors"
)

// StartScheduler registers the configured cron schedules and begins firing
// backups. A schedule that fires while a backup is running is skipped and
// logged rather than queued.
func (m *Manager) StartScheduler(ctx context.Context) error {
	if len(m.cfg.Backup.Schedules) == 0 {
		m.logger.Debug().Msg("No backup schedules configured")
		return nil
	}
	m.cron = cron.New()
	for name, expr := range m.cfg.Backup.Schedules {
		name := name
		if _, err := m.cron.AddFunc(expr, func() {
			m.logger.Info().Str("schedule", name).Msg("Scheduled backup firing")
			if _, err := m.CreateFullBackup(ctx, CreateOptions{}); err != nil {
				if errors.Is(err, bkerrors.ErrBusy) {
					m.logger.Warn().Str("schedule", name).Msg("Scheduled backup skipped: another backup in progress")
					return
				}
				m.logger.Error().Err(err).Str("schedule", name).Msg("Scheduled backup failed")
			}
		}); err != nil {
			return bkerrors.New(bkerrors.KindConfiguration, "start_scheduler", name, err)
		}
	}
	m.cron.Start()
	m.logger.Info().Int("schedules", len(m.cfg.Backup.Schedules)).Msg("Backup scheduler started")
	return nil
}

// StopScheduler stops firing schedules and waits for an in-flight scheduled
// backup to finish.
func (m *Manager) StopScheduler() {
	if m.cron == nil {
		return
	}
	stopCtx := m.cron.Stop()
	<-stopCtx.Done()
	m.cron = nil
}

// NextOccurrence reports when the named schedule fires next. Exposed for
// status output.
func (m *Manager) NextOccurrence(name string) (next string, ok bool) {
	expr, exists := m.cfg.Backup.Schedules[name]
	if !exists {
		return "", false
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return "", false
	}
	return sched.Next(m.clock()).Format("2006-01-02 15:04:05"), true
}
