package stream

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config tunes a Synchronizer. Zero fields take the defaults.
type Config struct {
	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	Jitter            float64
	ThrottleDelay     time.Duration
	StableAfter       time.Duration
	RefreshInterval   time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 300 * time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.Jitter <= 0 || c.Jitter >= 1 {
		c.Jitter = 0.2
	}
	if c.ThrottleDelay <= 0 {
		c.ThrottleDelay = time.Minute
	}
	if c.StableAfter <= 0 {
		c.StableAfter = 5 * time.Minute
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Minute
	}
	return c
}

// Base is the un-jittered reconnect delay for the given 1-based attempt:
// BackoffBase doubled per prior attempt, capped at BackoffMax.
func (c Config) Base(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt <= 1 {
		return c.BackoffBase
	}
	scaled := float64(c.BackoffBase) * math.Pow(2, float64(attempt-1))
	if scaled >= float64(c.BackoffMax) {
		return c.BackoffMax
	}
	return time.Duration(scaled)
}

// Bounds returns the jittered window a delay for attempt falls within.
func (c Config) Bounds(attempt int) (time.Duration, time.Duration) {
	c = c.withDefaults()
	base := float64(c.Base(attempt))
	return time.Duration(base * (1 - c.Jitter)), time.Duration(base * (1 + c.Jitter))
}

func (c Config) newBackOff() *backoff.ExponentialBackOff {
	c = c.withDefaults()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.BackoffBase
	bo.MaxInterval = c.BackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = c.Jitter
	bo.Reset()
	return bo
}
