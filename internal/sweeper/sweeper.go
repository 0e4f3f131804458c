// Package sweeper periodically evicts expired scan sessions and severs their connections.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/handoff/internal/models"
	"github.com/wolfeidau/handoff/internal/store"
	"github.com/wolfeidau/handoff/internal/telemetry"
)

// DefaultInterval keeps worst-case staleness well under the session TTL.
const DefaultInterval = 5 * time.Minute

// Sweeper runs store.SweepExpired on a fixed cadence until stopped.
type Sweeper struct {
	sessions store.ScanSessionStore
	interval time.Duration
	metrics  *telemetry.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a sweeper. It does nothing until Start is called.
func New(sessions store.ScanSessionStore, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Sweeper{
		sessions: sessions,
		interval: interval,
		metrics:  telemetry.GetMetrics(),
	}
}

// Start launches the background loop. Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.loop(loopCtx)

	log.Info().Dur("interval", s.interval).Msg("Expiry sweeper started")
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Expiry sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce evicts every expired session and closes its connection. A failure
// closing one connection does not stop the others from being closed.
// It returns the number of sessions evicted.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	started := time.Now()

	expired := s.sessions.SweepExpired()

	failures := 0
	for _, session := range expired {
		if err := closeExpired(session); err != nil {
			failures++
			log.Warn().
				Err(err).
				Str("token", store.RedactToken(session.Token)).
				Msg("Failed to close connection of expired session")
		}
	}

	s.metrics.SweepsTotal.Add(ctx, 1)
	s.metrics.SweepDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	s.metrics.SessionsExpiredTotal.Add(ctx, int64(len(expired)))
	s.metrics.SweepCloseFailures.Add(ctx, int64(failures))

	if len(expired) > 0 {
		log.Info().
			Int("expired", len(expired)).
			Int("close_failures", failures).
			Dur("duration", time.Since(started)).
			Msg("Swept expired scan sessions")
	}

	return len(expired)
}

// closeExpired closes one session's connection, turning a panic in the
// connection implementation into an error.
func closeExpired(session *models.Session) (err error) {
	if session.Conn == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic closing connection: %v", r)
		}
	}()

	return session.Conn.Close(models.CloseExpired)
}
