package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-drives/internal/domain"
	"github.com/prn-tf/alexander-drives/internal/driver"
	"github.com/prn-tf/alexander-drives/internal/lock"
	"github.com/prn-tf/alexander-drives/internal/metrics"
	"github.com/prn-tf/alexander-drives/internal/repository"
)

// SessionSweeper expires upload sessions whose provider handle ran out. It
// runs a periodic scan and one timer per session scheduled by the upload
// service, and prunes finished ledger rows past their retention.
type SessionSweeper struct {
	sessions repository.UploadSessionRepository
	parts    repository.UploadPartRepository
	mounts   MountResolver
	drivers  DriverProvider
	locker   lock.Locker
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	config   SweeperConfig
	now      func() time.Time

	// Control
	mu       sync.Mutex
	running  bool
	timers   map[uuid.UUID]*time.Timer
	stopChan chan struct{}
	doneChan chan struct{}
}

// SweeperConfig contains sweeper configuration.
type SweeperConfig struct {
	// Enabled determines if the sweeper runs automatically.
	Enabled bool

	// Interval is how often expired sessions are scanned.
	Interval time.Duration

	// BatchSize is the maximum number of sessions handled per run.
	BatchSize int

	// Retention is how long finished rows are kept. Zero keeps them.
	Retention time.Duration
}

// DefaultSweeperConfig returns sensible defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Enabled:   true,
		Interval:  5 * time.Minute,
		BatchSize: 500,
		Retention: 7 * 24 * time.Hour,
	}
}

// NewSessionSweeper creates a new sweeper.
func NewSessionSweeper(
	sessions repository.UploadSessionRepository,
	parts repository.UploadPartRepository,
	mounts MountResolver,
	drivers DriverProvider,
	locker lock.Locker,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config SweeperConfig,
) *SessionSweeper {
	if config.Interval <= 0 {
		config.Interval = DefaultSweeperConfig().Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultSweeperConfig().BatchSize
	}
	return &SessionSweeper{
		sessions: sessions,
		parts:    parts,
		mounts:   mounts,
		drivers:  drivers,
		locker:   locker,
		metrics:  m,
		logger:   logger.With().Str("service", "sweeper").Logger(),
		config:   config,
		now:      time.Now,
		timers:   make(map[uuid.UUID]*time.Timer),
	}
}

// Start begins the sweep scheduler. A stopped sweeper can be started again.
func (sw *SessionSweeper) Start() {
	sw.mu.Lock()
	if sw.running {
		sw.mu.Unlock()
		return
	}
	sw.running = true
	sw.stopChan = make(chan struct{})
	sw.doneChan = make(chan struct{})
	stop, done := sw.stopChan, sw.doneChan
	sw.mu.Unlock()

	sw.logger.Info().
		Dur("interval", sw.config.Interval).
		Int("batch_size", sw.config.BatchSize).
		Dur("retention", sw.config.Retention).
		Msg("Starting session sweeper")

	go sw.runLoop(stop, done)
}

// Stop stops the scheduler and cancels pending session timers.
func (sw *SessionSweeper) Stop() {
	sw.mu.Lock()
	for id, t := range sw.timers {
		t.Stop()
		delete(sw.timers, id)
	}
	if !sw.running {
		sw.mu.Unlock()
		return
	}
	sw.running = false
	stop, done := sw.stopChan, sw.doneChan
	sw.mu.Unlock()

	close(stop)
	<-done

	sw.logger.Info().Msg("Session sweeper stopped")
}

// runLoop is the main sweep loop.
func (sw *SessionSweeper) runLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	// Run immediately on start
	sw.RunOnce(context.Background())

	ticker := time.NewTicker(sw.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sw.RunOnce(context.Background())
		case <-stop:
			return
		}
	}
}

// ScheduleExpiry arms a timer that expires one session at its handle expiry.
// It implements ExpiryScheduler. Calls are ignored while the sweeper is not
// running; the periodic scan picks those sessions up after the next Start.
func (sw *SessionSweeper) ScheduleExpiry(uploadID uuid.UUID, at time.Time) {
	wait := at.Sub(sw.now())
	if wait < 0 {
		wait = 0
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.running {
		return
	}
	if t, ok := sw.timers[uploadID]; ok {
		t.Stop()
	}
	sw.timers[uploadID] = time.AfterFunc(wait, func() {
		sw.mu.Lock()
		delete(sw.timers, uploadID)
		sw.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := sw.ExpireSession(ctx, uploadID); err != nil {
			sw.logger.Warn().Err(err).Str("upload_id", uploadID.String()).Msg("scheduled expiry failed")
		}
	})
}

// Pending returns the number of armed session timers.
func (sw *SessionSweeper) Pending() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.timers)
}

// SweepResult contains the result of a sweep run.
type SweepResult struct {
	// Expired is the number of sessions moved to error.
	Expired int

	// Released is the number of provider sessions aborted.
	Released int

	// Deleted is the number of finished rows pruned.
	Deleted int

	// Errors is the number of errors encountered.
	Errors int

	// Duration is how long the run took.
	Duration time.Duration
}

// RunOnce executes a single sweep run.
// This can be called manually or by the scheduler.
func (sw *SessionSweeper) RunOnce(ctx context.Context) SweepResult {
	start := time.Now()
	result := SweepResult{}

	// One sweep at a time across all server instances.
	lockTTL := sw.config.Interval / 2
	if lockTTL < time.Minute {
		lockTTL = time.Minute
	}
	sweepLock := lock.NewLock(sw.locker, lock.Keys.SessionSweep())

	acquired, err := sweepLock.Acquire(ctx, lockTTL)
	if err != nil {
		sw.logger.Error().Err(err).Msg("Failed to acquire sweep lock")
		result.Errors++
		result.Duration = time.Since(start)
		return result
	}
	if !acquired {
		sw.logger.Debug().Msg("Sweep lock held by another process, skipping run")
		result.Duration = time.Since(start)
		return result
	}
	defer func() {
		if err := sweepLock.Release(context.WithoutCancel(ctx)); err != nil {
			sw.logger.Error().Err(err).Msg("Failed to release sweep lock")
		}
	}()

	expired, err := sw.sessions.ListExpired(ctx, sw.now(), sw.config.BatchSize)
	if err != nil {
		sw.logger.Error().Err(err).Msg("Failed to list expired upload sessions")
		result.Errors++
	}

	for _, sess := range expired {
		ok, released, err := sw.expire(ctx, sess.ID)
		switch {
		case err != nil:
			result.Errors++
		case ok:
			result.Expired++
			if released {
				result.Released++
			}
		}

		// Provider aborts can be slow; keep the lock for the rest of the batch.
		if err := sweepLock.Extend(ctx, lockTTL); err != nil {
			sw.logger.Warn().Err(err).Msg("Failed to extend sweep lock")
		}
		if !sweepLock.IsHeld() {
			sw.logger.Warn().Msg("Sweep lock lost, stopping run")
			break
		}
	}

	if sw.config.Retention > 0 {
		deleted, err := sw.sessions.DeleteFinishedBefore(ctx, sw.now().Add(-sw.config.Retention), sw.config.BatchSize)
		if err != nil {
			sw.logger.Error().Err(err).Msg("Failed to prune finished upload sessions")
			result.Errors++
		}
		result.Deleted = deleted
	}

	result.Duration = time.Since(start)
	sw.metrics.RecordSweeperRun(result.Duration.Seconds(), result.Expired)

	if result.Expired > 0 || result.Deleted > 0 || result.Errors > 0 {
		sw.logger.Info().
			Int("expired", result.Expired).
			Int("released", result.Released).
			Int("deleted", result.Deleted).
			Int("errors", result.Errors).
			Dur("duration", result.Duration).
			Msg("Session sweep completed")
	}
	return result
}

// ExpireSession expires one session if it is still active and past its
// expiry. It reports whether the session was expired.
func (sw *SessionSweeper) ExpireSession(ctx context.Context, uploadID uuid.UUID) (bool, error) {
	expired, _, err := sw.expire(ctx, uploadID)
	return expired, err
}

// expire moves one session to error under its lock and releases the
// provider session on a best effort basis. The row is re-read under the
// lock; a session refreshed or finished since it was listed is left alone.
func (sw *SessionSweeper) expire(ctx context.Context, uploadID uuid.UUID) (expired, released bool, err error) {
	var sess *domain.UploadSession

	err = lock.WithLock(ctx, sw.locker, lock.Keys.UploadSession(uploadID.String()), lock.DefaultOptions(), func(ctx context.Context) error {
		cur, err := sw.sessions.GetByID(ctx, uploadID)
		if err != nil {
			return err
		}
		if !cur.Status.IsActive() || !cur.IsExpired(sw.now()) {
			return nil
		}

		released = sw.release(ctx, cur)

		if _, err := sw.sessions.UpdateByID(ctx, cur.ID, repository.UploadSessionPatch{
			Status:       repository.Ptr(domain.UploadStatusError),
			ErrorCode:    repository.Ptr(domain.ErrorCodeSessionExpired),
			ErrorMessage: repository.Ptr("upload session expired before completion"),
		}); err != nil {
			return err
		}
		sess = cur
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrUploadSessionNotFound) || isTerminalConflict(err) {
			return false, false, nil
		}
		sw.logger.Error().Err(err).Str("upload_id", uploadID.String()).Msg("Failed to expire upload session")
		return false, false, err
	}
	if sess == nil {
		return false, false, nil
	}

	sw.metrics.RecordSessionStatus(string(sess.Strategy), string(domain.UploadStatusError))
	sw.logger.Info().
		Str("upload_id", sess.ID.String()).
		Str("mount_id", sess.MountID).
		Int64("bytes_uploaded", sess.BytesUploaded).
		Bool("provider_released", released).
		Msg("Expired upload session")
	return true, released, nil
}

func (sw *SessionSweeper) release(ctx context.Context, sess *domain.UploadSession) bool {
	if sess.Strategy == domain.StrategyDirect {
		return false
	}
	_, cfg, err := sw.mounts.Resolve(ctx, sess.MountID)
	if err != nil {
		sw.logger.Debug().Err(err).Str("upload_id", sess.ID.String()).Msg("Mount gone, provider session left to expire")
		return false
	}
	d, err := sw.drivers.Get(ctx, cfg)
	if err != nil {
		return false
	}
	mp, err := driver.AsMultipart(d)
	if err != nil {
		return false
	}
	if err := mp.AbortSession(ctx, handleOf(sess)); err != nil {
		sw.logger.Debug().Err(err).Str("upload_id", sess.ID.String()).Msg("Provider session not released")
		return false
	}
	if sw.parts != nil {
		if err := sw.parts.DeleteByUpload(ctx, sess.ID); err != nil {
			sw.logger.Warn().Err(err).Str("upload_id", sess.ID.String()).Msg("Failed to delete upload parts")
		}
	}
	return true
}
