// Package scheduler runs the claim loop: on a fixed interval it pulls due
// messages out of the store under an atomic skip-locked claim and hands each
// one to the delivery executor.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/example/guest-scheduler/internal/store"
)

const (
	DefaultBatchSize  = 25
	DefaultMaxBatches = 10
	DefaultLease      = 10 * time.Minute
)

// Claimer atomically claims due messages, transitioning them to processing.
type Claimer interface {
	ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]store.Claim, error)
}

// Executor settles one claimed message to sent or failed. It never returns:
// every outcome, including errors, ends in a settled row.
type Executor interface {
	Execute(ctx context.Context, c store.Claim)
}

type Scheduler struct {
	Claims   Claimer
	Exec     Executor
	Interval time.Duration

	// Lease bounds how long a claim may sit in processing before another
	// loop may reclaim it. Zero means DefaultLease.
	Lease time.Duration

	// BatchSize and MaxBatches bound one tick. Zero means the defaults.
	BatchSize  int
	MaxBatches int
}

// Run blocks until ctx is cancelled. Multiple processes may run the same
// loop; the claim operation hands them disjoint batches.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.Interval)
	defer t.Stop()

	// kick immediately
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.tick(ctx)
		}
	}
}

// tick drains full batches until a short batch or the iteration cap. The cap
// bounds tick duration; whatever is left over is picked up next tick.
func (s *Scheduler) tick(ctx context.Context) {
	batch := s.batchSize()
	processed := 0
	for i := 0; i < s.maxBatches(); i++ {
		claims, err := s.Claims.ClaimDue(ctx, batch, s.lease())
		if err != nil {
			log.Error().Err(err).Msg("claim query failed")
			return
		}
		for _, c := range claims {
			if ctx.Err() != nil {
				log.Warn().Int("inFlight", len(claims)).Msg("shutdown with claims in flight, lease expiry will recover them")
				return
			}
			s.Exec.Execute(ctx, c)
			processed++
		}
		if len(claims) < batch {
			break
		}
	}
	if processed > 0 {
		log.Info().Int("processed", processed).Msg("claim loop tick drained")
	}
}

func (s *Scheduler) batchSize() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return DefaultBatchSize
}

func (s *Scheduler) maxBatches() int {
	if s.MaxBatches > 0 {
		return s.MaxBatches
	}
	return DefaultMaxBatches
}

func (s *Scheduler) lease() time.Duration {
	if s.Lease > 0 {
		return s.Lease
	}
	return DefaultLease
}
