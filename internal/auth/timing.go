package auth

import (
	"context"
	"encoding/binary"
	"time"
)

// TimingConfig holds configuration for failed-login timing equalisation
type TimingConfig struct {
	BaseDelay      time.Duration
	RandomDelay    time.Duration // upper bound of the jitter added to BaseDelay
	DelayOnSuccess bool
}

// TimingDelay pads authentication responses so that an unknown email and a
// wrong password take about the same time.
type TimingDelay struct {
	config TimingConfig
	random RandomSource
}

// NewTimingDelay creates a new TimingDelay instance
func NewTimingDelay(config TimingConfig, random RandomSource) *TimingDelay {
	return &TimingDelay{
		config: config,
		random: random,
	}
}

// randomDuration returns a uniformly distributed duration in [0, max)
func (td *TimingDelay) randomDuration(max time.Duration) time.Duration {
	if max <= 0 || td.random == nil {
		return 0
	}

	buf, err := RandomBytes(td.random, 8)
	if err != nil {
		return 0
	}
	return time.Duration(binary.BigEndian.Uint64(buf) % uint64(max))
}

// target returns the total padded duration for one response
func (td *TimingDelay) target() time.Duration {
	return td.config.BaseDelay + td.randomDuration(td.config.RandomDelay)
}

// WaitFrom sleeps until at least the padded duration has passed since start.
// It returns early if ctx is cancelled.
func (td *TimingDelay) WaitFrom(ctx context.Context, start time.Time, success bool) {
	if td == nil || (success && !td.config.DelayOnSuccess) {
		return
	}

	remaining := td.target() - time.Since(start)
	if remaining <= 0 {
		return
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
