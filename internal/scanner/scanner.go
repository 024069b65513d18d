// Package scanner implements the daily expiry sweep: it finds ACTIVE
// credentials nearing their deadline, emits owner notifications at WARN and
// URGENT thresholds, and marks ACTIVE and GRACE records whose deadline has
// passed EXPIRED.
//
// The scan is idempotent inside the cooldown window. Each notification is
// recorded on the credential with a version-guarded write, so two scanner
// processes racing over the same record produce one notification, not two.
package scanner

import (
	"context"
	"time"

	"github.com/snowops/taokey/internal/credential"
	taoerrors "github.com/snowops/taokey/internal/errors"
	"github.com/snowops/taokey/internal/health"
	"github.com/snowops/taokey/internal/logging"
	"github.com/snowops/taokey/internal/notify"
	"github.com/snowops/taokey/internal/store"
)

const (
	// DefaultWarnDays starts the notification window.
	DefaultWarnDays = 30

	// DefaultUrgentDays escalates notifications close to the deadline.
	DefaultUrgentDays = 7

	// DefaultCooldown suppresses duplicate notifications between runs.
	DefaultCooldown = 24 * time.Hour
)

// Config tunes the sweep thresholds. Zero values take defaults.
type Config struct {
	WarnDays   int
	UrgentDays int
	Cooldown   time.Duration
}

func (c Config) withDefaults() Config {
	if c.WarnDays == 0 {
		c.WarnDays = DefaultWarnDays
	}
	if c.UrgentDays == 0 {
		c.UrgentDays = DefaultUrgentDays
	}
	if c.Cooldown == 0 {
		c.Cooldown = DefaultCooldown
	}
	return c
}

// Failure describes one record the sweep could not fully process. Failures
// never abort the sweep; they are collected and reported.
type Failure struct {
	AccountID string
	KeyID     string
	Err       error
}

// Report summarizes one sweep.
type Report struct {
	StartedAt  time.Time
	Scanned    int
	Notified   int
	Suppressed int
	Expired    int
	Failures   []Failure
}

// Scanner performs expiry sweeps over the credential store.
type Scanner struct {
	store    store.Store
	notifier notify.Sender
	logger   *logging.Logger
	metrics  *health.LifecycleMetrics
	cfg      Config

	// now allows tests to pin time.
	now func() time.Time
}

// New creates a scanner. notifier may be nil, in which case the sweep only
// performs expiry marking.
func New(st store.Store, notifier notify.Sender, logger *logging.Logger, cfg Config) *Scanner {
	return &Scanner{
		store:    st,
		notifier: notifier,
		logger:   logger,
		metrics:  health.NewLifecycleMetrics(),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// Run executes one sweep and returns its report. The error return covers
// only the initial store query; per-record problems land in Report.Failures.
func (s *Scanner) Run(ctx context.Context) (*Report, error) {
	now := s.now().UTC()
	report := &Report{StartedAt: now}

	within := time.Duration(s.cfg.WarnDays) * 24 * time.Hour
	candidates, err := s.store.ListExpiring(ctx, now, within)
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		report.Scanned++
		s.processRecord(ctx, now, candidate, report)
	}

	if s.logger != nil {
		s.logger.Debug("expiry sweep: %d scanned, %d notified, %d suppressed, %d expired, %d failed",
			report.Scanned, report.Notified, report.Suppressed, report.Expired, len(report.Failures))
	}
	return report, nil
}

// processRecord handles one candidate. Rotations may land between the listing
// and this point, so the record is re-read and its state re-checked before
// anything is emitted.
func (s *Scanner) processRecord(ctx context.Context, now time.Time, candidate *credential.Record, report *Report) {
	rec, err := s.store.GetRecord(ctx, candidate.KeyID)
	if err != nil {
		if taoerrors.IsNotFound(err) {
			report.Suppressed++
			return
		}
		s.fail(report, candidate, err)
		return
	}
	switch rec.State {
	case credential.StateActive:
	case credential.StateGrace:
		// GRACE keys get no expiry notifications; they only expire when
		// their deadline passes without retirement.
		if rec.IsExpired(now) {
			s.markExpired(ctx, rec, report)
		} else {
			report.Suppressed++
		}
		return
	default:
		// Retired or expired mid-scan. Nothing to tell the owner.
		report.Suppressed++
		return
	}

	if rec.IsExpired(now) {
		s.markExpired(ctx, rec, report)
		return
	}

	days := rec.DaysUntilExpiry(now)
	urgency := credential.UrgencyWarn
	if days <= s.cfg.UrgentDays {
		urgency = credential.UrgencyUrgent
	}

	if s.suppressed(rec, now, urgency) {
		report.Suppressed++
		return
	}

	if s.notifier == nil {
		// Nothing to send and no cooldown to record; a notifier configured
		// later starts with a clean slate.
		report.Suppressed++
		return
	}

	event := notify.Event{
		Type:          notify.EventForUrgency(urgency),
		AccountID:     rec.AccountID,
		KeyID:         rec.KeyID,
		OwnerID:       rec.OwnerID,
		Environment:   rec.Environment,
		DaysRemaining: days,
		Urgency:       urgency,
		Timestamp:     now,
	}
	if err := s.notifier.Send(ctx, event); err != nil {
		s.fail(report, rec, err)
		return
	}

	if err := s.store.MarkNotified(ctx, rec.KeyID, now, urgency, rec.Version); err != nil {
		if taoerrors.IsConflict(err) {
			// A concurrent writer moved the record after we sent. The
			// notification went out; the bookkeeping loss is benign.
			if s.logger != nil {
				s.logger.Debug("notification bookkeeping for %s lost a version race", rec.KeyID)
			}
		} else {
			s.fail(report, rec, err)
			return
		}
	}

	report.Notified++
	s.metrics.RecordScanNotification(string(urgency))
}

// suppressed applies the cooldown window. An escalation from WARN to URGENT
// goes through regardless of how recently the WARN was sent.
func (s *Scanner) suppressed(rec *credential.Record, now time.Time, urgency credential.Urgency) bool {
	if rec.LastNotifiedAt == nil {
		return false
	}
	if now.Sub(*rec.LastNotifiedAt) >= s.cfg.Cooldown {
		return false
	}
	escalation := urgency == credential.UrgencyUrgent && rec.NotifiedUrgency == credential.UrgencyWarn
	return !escalation
}

// markExpired moves an overdue record to EXPIRED.
func (s *Scanner) markExpired(ctx context.Context, rec *credential.Record, report *Report) {
	rec.State = credential.StateExpired
	if err := s.store.UpdateRecord(ctx, rec, rec.Version); err != nil {
		if taoerrors.IsConflict(err) {
			// Someone else transitioned it first.
			report.Suppressed++
			return
		}
		s.fail(report, rec, err)
		return
	}
	report.Expired++
	if s.logger != nil {
		s.logger.Warn("credential %s for account %s passed its deadline without rotation", rec.KeyID, rec.AccountID)
	}
}

func (s *Scanner) fail(report *Report, rec *credential.Record, err error) {
	report.Failures = append(report.Failures, Failure{
		AccountID: rec.AccountID,
		KeyID:     rec.KeyID,
		Err:       err,
	})
	s.metrics.RecordScanError()
	if s.logger != nil {
		s.logger.Warn("expiry sweep: record %s (account %s): %v", rec.KeyID, rec.AccountID, err)
	}
}
