package export

import (
	"context"
	"math/rand"
	"time"
)

// PollConfig holds the status polling policy.
type PollConfig struct {
	// InitialInterval is the delay after the first poll.
	InitialInterval time.Duration

	// MaxInterval caps the delay between polls.
	MaxInterval time.Duration

	// Multiplier grows the delay after every poll.
	Multiplier float64

	// Jitter randomizes each delay by ±Jitter (0.2 = ±20%). Zero disables it.
	Jitter float64

	// MaxWait bounds the total time spent waiting for a terminal status.
	MaxWait time.Duration
}

// DefaultPollConfig returns the default polling policy.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          0.2,
		MaxWait:         30 * time.Minute,
	}
}

func (c PollConfig) withDefaults() PollConfig {
	def := DefaultPollConfig()
	if c.InitialInterval <= 0 {
		c.InitialInterval = def.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = def.MaxInterval
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = c.InitialInterval
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = def.Jitter
	}
	if c.MaxWait <= 0 {
		c.MaxWait = def.MaxWait
	}
	return c
}

// backoff yields exponentially growing, jittered poll delays.
type backoff struct {
	config PollConfig
	next   time.Duration
}

func newBackoff(config PollConfig) *backoff {
	return &backoff{config: config, next: config.InitialInterval}
}

// Next returns the delay before the following poll and advances the schedule.
func (b *backoff) Next() time.Duration {
	d := b.next
	if b.config.Jitter > 0 {
		d = time.Duration(float64(d) * (1 - b.config.Jitter + rand.Float64()*2*b.config.Jitter))
	}

	b.next = time.Duration(float64(b.next) * b.config.Multiplier)
	if b.next > b.config.MaxInterval {
		b.next = b.config.MaxInterval
	}
	return d
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
