package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sakif/clickpay/internal/auth"
	"github.com/sakif/clickpay/internal/metrics"
	"github.com/sakif/clickpay/internal/repository"
)

// Janitor periodically deletes expired sessions, spent or expired
// verification codes, and stale permanent-code cache entries.
type Janitor struct {
	store    repository.Store
	cache    *auth.CodeCache
	interval time.Duration
	logger   *slog.Logger
	now      Clock

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewJanitor(store repository.Store, cache *auth.CodeCache, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Janitor{
		store:    store,
		cache:    cache,
		interval: interval,
		logger:   logger.With("component", "janitor"),
		now:      systemClock,
		done:     make(chan struct{}),
	}
}

// SweepResult counts what one sweep removed.
type SweepResult struct {
	Sessions     int64
	Codes        int64
	CacheEntries int
}

// Sweep runs one cleanup pass. rewardctl calls it directly; Start calls
// it on a ticker.
//
// Each step is a single DELETE on the pool, not one transaction: a
// half-finished sweep leaves nothing inconsistent, and the next tick picks
// up whatever is left.
func (j *Janitor) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := j.now()

	n, err := j.store.DeleteExpiredSessions(ctx, now)
	if err != nil {
		return res, fmt.Errorf("service/janitor: sessions: %w", err)
	}
	res.Sessions = n

	n, err = j.store.DeleteStaleCodes(ctx, now)
	if err != nil {
		return res, fmt.Errorf("service/janitor: codes: %w", err)
	}
	res.Codes = n

	if j.cache != nil {
		res.CacheEntries = j.cache.Sweep()
	}

	metrics.JanitorSweptTotal.WithLabelValues("sessions").Add(float64(res.Sessions))
	metrics.JanitorSweptTotal.WithLabelValues("codes").Add(float64(res.Codes))
	metrics.JanitorSweptTotal.WithLabelValues("cache").Add(float64(res.CacheEntries))
	return res, nil
}

// Start launches the sweep loop. It is safe to call more than once.
func (j *Janitor) Start() {
	j.startOnce.Do(func() {
		j.wg.Add(1)
		go j.run()
	})
}

// Stop waits for a sweep in progress to finish.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() {
		close(j.done)
		j.wg.Wait()
	})
}

func (j *Janitor) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			// one interval is the most a sweep may take, so a stuck
			// query cannot stack up behind the next tick
			ctx, cancel := context.WithTimeout(context.Background(), j.interval)
			res, err := j.Sweep(ctx)
			cancel()
			if err != nil {
				j.logger.Error("sweep failed", slog.Any("error", err))
				continue
			}
			if res.Sessions+res.Codes > 0 || res.CacheEntries > 0 {
				j.logger.Info("sweep finished",
					slog.Int64("sessions", res.Sessions),
					slog.Int64("codes", res.Codes),
					slog.Int("cacheEntries", res.CacheEntries),
				)
			}
		}
	}
}
