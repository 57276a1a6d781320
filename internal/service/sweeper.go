package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const depthSchedule = "@every 15s"

// Sweeper periodically re-submits failed syncs of every affected user and refreshes
// the queue depth gauges.
type Sweeper struct {
	cron    *cron.Cron
	sync    *SyncService
	queues  *QueueSet
	timeout time.Duration
	logger  *zerolog.Logger
}

// NewSweeper validates schedule (standard cron or @every descriptors). queues may be nil.
func NewSweeper(schedule string, syncService *SyncService, queues *QueueSet, logger *zerolog.Logger) (*Sweeper, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	s := &Sweeper{
		cron:    cron.New(),
		sync:    syncService,
		queues:  queues,
		timeout: 10 * time.Minute,
		logger:  logger,
	}

	if _, err := s.cron.AddFunc(schedule, s.runSweep); err != nil {
		return nil, fmt.Errorf("invalid sweeper schedule %q: %w", schedule, err)
	}
	if queues != nil {
		if _, err := s.cron.AddFunc(depthSchedule, s.runDepth); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info().Int("entries", len(s.cron.Entries())).Msg("sweeper started")
}

// Stop prevents new runs and waits for a running sweep to finish or ctx to expire.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn().Msg("sweeper stop timed out")
	}
}

func (s *Sweeper) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error().Err(err).Msg("retry sweep")
	}
}

func (s *Sweeper) runDepth() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.queues.ReportDepth(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("queue depth")
	}
}

// SweepResult totals one pass over all users.
type SweepResult struct {
	Users        int
	TotalRetried int
	TotalFailed  int
}

// Sweep runs SweepFailedSyncs for every user owning a failed record. Users whose
// CalDAV was disabled since are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	users, err := s.sync.UsersWithFailed(ctx)
	if err != nil {
		return result, err
	}

	for _, userID := range users {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		r, err := s.sync.SweepFailedSyncs(ctx, userID)
		if errors.Is(err, ErrCaldavNotConfigured) {
			continue
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("sweep failed syncs")
			continue
		}
		result.Users++
		result.TotalRetried += r.TotalRetried
		result.TotalFailed += r.TotalFailed
	}

	s.logger.Info().
		Int("users", result.Users).
		Int("retried", result.TotalRetried).
		Int("failed", result.TotalFailed).
		Msg("retry sweep finished")
	return result, nil
}
