package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/reelcast-backend/internal/errors"
	"github.com/unclebandit/reelcast-backend/internal/lock"
	"github.com/unclebandit/reelcast-backend/internal/model"
	"github.com/unclebandit/reelcast-backend/internal/repository"
)

// ErrScanRunning is returned when another scan holds the scan lease.
var ErrScanRunning = fmt.Errorf("retry scan already running: %w", appErrors.ErrConflict)

const scanLockKey = "retry-scan"

type RetrySettings struct {
	Schedule      string
	Location      *time.Location
	MaxAge        time.Duration
	CallDelay     time.Duration
	ScanLimit     int
	StaleAfter    time.Duration
	LockTTL       time.Duration
	MaxGenRetries int
	MaxWaRetries  int
}

// RetryScheduler periodically re-drives failed and stuck items that are still
// young enough to be worth retrying.
type RetryScheduler struct {
	Campaigns  repository.CampaignRepositoryInterface
	Items      repository.CampaignItemRepositoryInterface
	Pool       *GenerationPool
	Claimer    *Claimer
	Dispatcher *Dispatcher
	Locker     lock.Locker
	Settings   RetrySettings
	Log        zerolog.Logger
	Now        func() time.Time

	running sync.Mutex
	cron    *cron.Cron
}

// ScanReport counts what one retry scan did. Busy items were held by another
// run, or could not be sent while the messaging channel was down.
type ScanReport struct {
	Candidates int `json:"candidates"`
	Verified   int `json:"verified"`
	Skipped    int `json:"skipped"`
	Retried    int `json:"retried"`
	Failed     int `json:"failed"`
	Busy       int `json:"busy"`
}

var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec is a schedule Start accepts.
func ValidateSchedule(spec string) error {
	_, err := scheduleParser.Parse(spec)
	return err
}

func (s *RetryScheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Start registers the scan on its schedule. Scans run under ctx.
func (s *RetryScheduler) Start(ctx context.Context) error {
	loc := s.Settings.Location
	if loc == nil {
		loc = time.UTC
	}
	c := cron.New(cron.WithParser(scheduleParser), cron.WithLocation(loc))
	_, err := c.AddFunc(s.Settings.Schedule, func() {
		if _, err := s.Scan(ctx); err != nil {
			s.Log.Warn().Err(err).Msg("scheduled retry scan did not complete")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid retry schedule %q: %w", s.Settings.Schedule, err)
	}
	s.cron = c
	c.Start()
	s.Log.Info().Str("schedule", s.Settings.Schedule).Str("timezone", loc.String()).Msg("retry scheduler started")
	return nil
}

// Stop waits for a running scan to return or ctx to end.
func (s *RetryScheduler) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Scan retries every eligible item once. A failure on one item is counted
// and logged; it never stops the scan.
func (s *RetryScheduler) Scan(ctx context.Context) (ScanReport, error) {
	var report ScanReport

	if !s.running.TryLock() {
		return report, ErrScanRunning
	}
	defer s.running.Unlock()

	locker := s.Locker
	if locker == nil {
		locker = lock.Local{}
	}
	release, ok, err := locker.TryLock(ctx, scanLockKey, s.Settings.LockTTL)
	if err != nil {
		return report, fmt.Errorf("acquire scan lock: %w", err)
	}
	defer release()
	if !ok {
		return report, ErrScanRunning
	}

	now := s.now()
	q := repository.RetryQuery{
		CreatedSince:  now.Add(-s.Settings.MaxAge),
		StaleBefore:   now.Add(-s.Settings.StaleAfter),
		MaxGenRetries: s.Settings.MaxGenRetries,
		MaxWaRetries:  s.Settings.MaxWaRetries,
		Limit:         s.Settings.ScanLimit,
	}

	skipped, err := s.Items.CountStaleRetryCandidates(ctx, q)
	if err != nil {
		return report, fmt.Errorf("count stale items: %w", err)
	}
	report.Skipped = skipped

	items, err := s.Items.ListRetryCandidates(ctx, q)
	if err != nil {
		return report, fmt.Errorf("list retry candidates: %w", err)
	}
	report.Candidates = len(items)

	for i, item := range items {
		if i > 0 && !s.pause(ctx) {
			break
		}
		s.retryItem(ctx, item, &report)
	}

	s.Log.Info().
		Int("candidates", report.Candidates).
		Int("verified", report.Verified).
		Int("skipped", report.Skipped).
		Int("retried", report.Retried).
		Int("failed", report.Failed).
		Int("busy", report.Busy).
		Msg("retry scan finished")
	return report, ctx.Err()
}

func (s *RetryScheduler) pause(ctx context.Context) bool {
	if s.Settings.CallDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(s.Settings.CallDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *RetryScheduler) retryItem(ctx context.Context, item *model.CampaignItem, report *ScanReport) {
	log := s.Log.With().Int64("campaign_id", item.CampaignID).Int64("item_id", item.ID).Logger()

	switch {
	case item.GenStatus == model.GenFailed:
		ok, err := s.Items.ResetGenerationForRetry(ctx, item.ID, s.Settings.MaxGenRetries)
		if err != nil {
			log.Error().Err(err).Msg("failed to reset generation")
			report.Failed++
			return
		}
		if !ok {
			report.Busy++
			return
		}
		applyCounters(ctx, s.Campaigns, s.Log, item.CampaignID, model.CounterDelta{Processed: -1, Failed: -1})
		eventRecorder{items: s.Items, log: s.Log}.record(ctx, item, model.AxisGeneration,
			string(model.GenFailed), string(model.GenPending), "retry scan", "")
		item.GenStatus = model.GenPending

		status, err := s.Pool.ProcessItem(ctx, item)
		switch {
		case err != nil && appErrors.IsConflict(err):
			report.Busy++
		case err != nil:
			log.Warn().Err(err).Msg("generation retry failed")
			report.Failed++
		case status == model.GenDone:
			report.Retried++
		default:
			report.Failed++
		}

	case item.GenStatus == model.GenProcessing:
		outcome, err := s.Pool.Verify(ctx, item)
		switch {
		case err != nil && appErrors.IsConflict(err):
			report.Busy++
		case err != nil:
			log.Warn().Err(err).Msg("verification failed")
			report.Failed++
		case outcome == VerifyReverted:
			report.Retried++
		default:
			report.Verified++
		}

	case item.GenStatus == model.GenDone && item.WaStatus == model.WaFailed:
		claimID := NewClaimID()
		claimed, err := s.Claimer.ClaimItem(ctx, claimID, item.ID)
		if err != nil {
			log.Error().Err(err).Msg("failed to claim item for resend")
			report.Failed++
			return
		}
		if claimed == nil {
			report.Busy++
			return
		}
		res, err := s.Dispatcher.SendClaimed(ctx, claimID, []*model.CampaignItem{claimed})
		if err != nil {
			log.Warn().Err(err).Msg("resend deferred, messaging channel unavailable")
			report.Busy++
			return
		}
		if res.Sent == 1 {
			report.Retried++
		} else {
			report.Failed++
		}
	}
}
