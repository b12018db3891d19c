// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

// Package housekeeping runs periodic maintenance for the auth stores.
package housekeeping

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/pennywise/pennywise/pkg/errutil"
)

// DefaultInterval is the purge period used when none is configured.
const DefaultInterval = 15 * time.Minute

// ExpiredResetPurger deletes expired password reset records.
type ExpiredResetPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// PurgeObserver is told how many records each cycle deleted.
type PurgeObserver interface {
	RecordResetsPurged(n int64)
}

// Purger runs an ExpiredResetPurger on a fixed interval.
type Purger struct {
	target   ExpiredResetPurger
	interval time.Duration
	logger   *slog.Logger
	observer PurgeObserver

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// PurgerOption configures a Purger.
type PurgerOption func(*Purger)

// WithLogger sets the purger logger.
func WithLogger(l *slog.Logger) PurgerOption {
	return func(p *Purger) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithObserver reports purge counts, typically to metrics.
func WithObserver(o PurgeObserver) PurgerOption {
	return func(p *Purger) { p.observer = o }
}

// NewPurger creates a Purger. A non-positive interval selects
// DefaultInterval.
func NewPurger(target ExpiredResetPurger, interval time.Duration, opts ...PurgerOption) (*Purger, error) {
	if target == nil {
		return nil, oops.Code("PURGER_INVALID").Errorf("purge target is required")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	p := &Purger{
		target:   target,
		interval: interval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// RunOnce executes a single purge cycle.
func (p *Purger) RunOnce(ctx context.Context) (int64, error) {
	n, err := p.target.PurgeExpired(ctx)
	if err != nil {
		return 0, oops.Code("PURGE_CYCLE_FAILED").Wrap(err)
	}
	if p.observer != nil {
		p.observer.RecordResetsPurged(n)
	}
	if n > 0 {
		p.logger.InfoContext(ctx, "purged expired password resets", "count", n)
	}
	return n, nil
}

// Start begins periodic purging. It returns an error if already started.
func (p *Purger) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return oops.Code("PURGER_ALREADY_RUNNING").Errorf("purger already running")
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

// Stop cancels the loop and waits for the current cycle to finish.
func (p *Purger) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *Purger) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Purger) cycle(ctx context.Context) {
	if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
		errutil.LogError(ctx, p.logger, "purge cycle failed", err)
	}
}
