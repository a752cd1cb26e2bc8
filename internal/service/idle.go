package service

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"pbak/internal/state"
	"time"
)

const (
	ReasonIdle        = "idle"
	ReasonMissed      = "missed"
	ReasonDataDeleted = "user deleted some data"
)

// onDataDeleted (re)arms the regeneration timer. Bursts of deletions end up
// in a single regeneration once they settle.
func (s *Service) onDataDeleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return
	}
	if s.regenTimer != nil {
		s.regenTimer.Stop()
	}
	s.regenTimer = s.clock.AfterFunc(s.cfg.RegenerationDebounce(), s.regenerate)
}

// regenerate replaces the last archive so deleted data does not linger in
// backups.
func (s *Service) regenerate() {
	s.spawn(func(ctx context.Context) {
		if !s.scheduledEnabled() {
			s.logger.Debug("Scheduled backups are disabled, not regenerating backup")
			return
		}
		s.logger.Info("Regenerating backup after data deletion")
		if err := s.DeleteLastBackup(ctx); err != nil {
			s.logger.Error("Failed to delete last backup", "error", err)
		}
		if _, err := s.CreateBackup(ctx, BackupOptions{Reason: ReasonDataDeleted}); err != nil {
			s.logger.Error("Failed to regenerate backup", "error", err)
		}
	})
}

// OnIdle creates a scheduled backup when the minimum interval since the
// last one has passed.
func (s *Service) OnIdle(ctx context.Context) error {
	if err := s.checkInit(); err != nil {
		return err
	}
	if !s.scheduledEnabled() || !s.cfg.ArchiveEnabled() {
		return nil
	}

	now := s.clock.Now()
	interval := s.cfg.MinInterval()
	last := s.state.Get().LastBackupDate

	if last > now.Unix() {
		s.logger.Warn("Last backup date is in the future, resetting", "lastBackupDate", last)
		s.updateState(func(v *state.State) { v.LastBackupDate = 0 })
		last = 0
	}

	lastTime := time.Unix(last, 0)
	if last != 0 && now.Sub(lastTime) <= interval {
		s.logger.Debug("Skipping idle backup, last backup is recent", "lastBackupDate", last)
		return nil
	}

	reason := ReasonIdle
	if lastTime.Add(interval).Before(s.startTime) {
		reason = ReasonMissed
	}
	return s.CreateBackupOnIdle(ctx, true, reason)
}

// CreateBackupOnIdle backs up and counts failures towards the retry limit.
// Once the limit is exceeded further idle attempts wait for the minimum
// interval after the last attempt. With deletePrevious set the archive that
// was current before the call is removed when a new one replaced it.
func (s *Service) CreateBackupOnIdle(ctx context.Context, deletePrevious bool, reason string) error {
	if err := s.checkInit(); err != nil {
		return err
	}

	st := s.state.Get()
	if st.DisabledOnIdleRetry && st.DebugInfo != nil {
		lastAttempt := time.Unix(st.DebugInfo.LastBackupAttempt, 0)
		if s.clock.Now().Sub(lastAttempt) < s.cfg.MinInterval() {
			s.logger.Info("Idle backups are paused after repeated failures", "retryCount", st.RetryCount)
			return nil
		}
	}

	previous := ""
	if st.LastBackupFileName != "" {
		previous = filepath.Join(s.cfg.Destination, st.LastBackupFileName)
	}

	res, err := s.CreateBackup(ctx, BackupOptions{Reason: reason})
	if err != nil {
		limit := s.cfg.RetryLimit()
		s.updateState(func(v *state.State) {
			v.RetryCount++
			if v.RetryCount > limit {
				v.DisabledOnIdleRetry = true
			}
		})
		return err
	}
	if res == nil || !deletePrevious || previous == "" || previous == res.ArchivePath {
		return nil
	}

	if err := os.Remove(previous); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("Failed to delete previous backup", "path", previous, "error", err)
		}
		return nil
	}
	s.logger.Debug("Deleted previous backup", "path", previous)
	return nil
}
