package conversations

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// SweepConfig controls when a conversation is moved to the archive directory.
// Zero thresholds disable that check.
type SweepConfig struct {
	MaxAge   time.Duration // archive conversations not modified for this long
	MaxBytes int64         // archive conversations whose file exceeds this size
	Schedule string        // cron spec, e.g. "@every 1h"
}

// Sweeper periodically archives conversations that exceed the age or size
// thresholds.
type Sweeper struct {
	store  *Store
	cfg    SweepConfig
	logger zerolog.Logger
	cron   *cron.Cron
}

// NewSweeper creates a sweeper over the given store. Start must be called to
// begin sweeping.
func NewSweeper(store *Store, cfg SweepConfig, logger zerolog.Logger) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1h"
	}
	return &Sweeper{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "sweeper").Logger(),
		cron:   cron.New(),
	}
}

// Start schedules the sweep and runs one immediately.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	s.Sweep()
	return nil
}

// Stop halts future sweeps. A sweep already in flight finishes.
func (s *Sweeper) Stop() {
	s.cron.Stop()
}

// Sweep archives every conversation past the thresholds. Errors on one
// conversation are logged and do not stop the sweep.
func (s *Sweeper) Sweep() {
	if s.cfg.MaxAge <= 0 && s.cfg.MaxBytes <= 0 {
		return
	}

	ids, err := s.store.List()
	if err != nil {
		s.logger.Error().Err(err).Msg("sweep: list conversations failed")
		return
	}

	now := time.Now()
	archived := 0
	for _, id := range ids {
		size, modTime, err := s.store.Info(id)
		if errors.Is(err, ErrNotFound) {
			continue // archived or removed concurrently
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", id).Msg("sweep: stat failed")
			continue
		}

		aged := s.cfg.MaxAge > 0 && now.Sub(modTime) > s.cfg.MaxAge
		oversized := s.cfg.MaxBytes > 0 && size > s.cfg.MaxBytes
		if !aged && !oversized {
			continue
		}

		if err := s.store.Archive(id); err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", id).Msg("sweep: archive failed")
			continue
		}
		archived++
	}

	if archived > 0 {
		s.logger.Info().Int("archived", archived).Msg("retention sweep complete")
	}
}
