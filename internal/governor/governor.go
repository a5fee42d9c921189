// Package governor paces outbound REST calls under the venue's request
// quotas. Two token buckets run in series, a per-second bucket for
// bursts and a per-minute bucket for sustained load, both scaled by a
// safety margin so the engine never runs at the published limit.
package governor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"gridflow/internal/exchange"
	"gridflow/logger"
)

// Config tunes one governor instance.
type Config struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	RequestsPerMinute float64       `yaml:"requests_per_minute"`
	SafetyMargin      float64       `yaml:"safety_margin"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBase         time.Duration `yaml:"retry_base"`
	RetryMax          time.Duration `yaml:"retry_max"`
	// ThrottleFloor is the lowest fraction of the base rate the
	// adaptive throttle may reach. RestoreAfter is the quiet period
	// before the throttle steps back toward full rate.
	ThrottleFloor float64       `yaml:"throttle_floor"`
	RestoreAfter  time.Duration `yaml:"restore_after"`
	RestoreStep   float64       `yaml:"restore_step"`
}

// DefaultConfig mirrors the production defaults: 8 req/s, 80 req/min,
// 70% safety margin, three retries.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 8,
		RequestsPerMinute: 80,
		SafetyMargin:      0.7,
		MaxRetries:        3,
		RetryBase:         500 * time.Millisecond,
		RetryMax:          10 * time.Second,
		ThrottleFloor:     0.25,
		RestoreAfter:      30 * time.Second,
		RestoreStep:       0.25,
	}
}

// Governor serializes quota accounting for one credential set. Sessions
// sharing credentials must share the instance.
type Governor struct {
	mu       sync.Mutex
	cfg      Config
	second   *rate.Limiter
	minute   *rate.Limiter
	throttle float64
	penalty  time.Time
	log      *logger.Log
}

func New(cfg Config) *Governor {
	def := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.SafetyMargin <= 0 || cfg.SafetyMargin > 1 {
		cfg.SafetyMargin = def.SafetyMargin
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.ThrottleFloor <= 0 || cfg.ThrottleFloor > 1 {
		cfg.ThrottleFloor = def.ThrottleFloor
	}
	if cfg.RestoreAfter <= 0 {
		cfg.RestoreAfter = def.RestoreAfter
	}
	if cfg.RestoreStep <= 0 {
		cfg.RestoreStep = def.RestoreStep
	}

	g := &Governor{cfg: cfg, throttle: 1, log: logger.GetLogger()}
	g.second = rate.NewLimiter(g.secondRate(), burstFor(cfg.RequestsPerSecond*cfg.SafetyMargin))
	g.minute = rate.NewLimiter(g.minuteRate(), burstFor(cfg.RequestsPerMinute*cfg.SafetyMargin))
	return g
}

// burstFor sizes a bucket's burst to its scaled window quota so the
// slower bucket paces sustained load without strangling short bursts.
func burstFor(quota float64) int {
	b := int(quota)
	if b < 1 {
		b = 1
	}
	return b
}

func (g *Governor) secondRate() rate.Limit {
	return rate.Limit(g.cfg.RequestsPerSecond * g.cfg.SafetyMargin * g.throttle)
}

func (g *Governor) minuteRate() rate.Limit {
	return rate.Limit(g.cfg.RequestsPerMinute * g.cfg.SafetyMargin * g.throttle / 60)
}

// Throttle reports the current adaptive multiplier in (0, 1].
func (g *Governor) Throttle() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.throttle
}

// Execute waits for both buckets and runs call, retrying rate-limit
// rejections with jittered exponential delays. Any other error is
// returned immediately. Each rate-limit rejection halves the effective
// rate down to the floor; a quiet period steps it back up.
func (g *Governor) Execute(ctx context.Context, label string, call func(ctx context.Context) error) error {
	retry := &backoff.Backoff{
		Min:    g.cfg.RetryBase,
		Max:    g.cfg.RetryMax,
		Factor: 2,
		Jitter: true,
	}

	var err error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		g.maybeRestore()
		if err = g.minute.Wait(ctx); err != nil {
			return err
		}
		if err = g.second.Wait(ctx); err != nil {
			return err
		}

		err = call(ctx)
		if err == nil {
			return nil
		}
		if !exchange.IsRateLimit(err) {
			return err
		}

		g.penalize(label)
		delay := retry.Duration()
		g.log.WithComponent("governor").WithFields(logger.Fields{
			"call":    label,
			"attempt": attempt + 1,
			"delay":   delay.String(),
		}).Warn("rate limited, backing off")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func (g *Governor) penalize(label string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.throttle = math.Max(g.cfg.ThrottleFloor, g.throttle/2)
	g.penalty = time.Now()
	g.second.SetLimit(g.secondRate())
	g.minute.SetLimit(g.minuteRate())
	g.log.WithComponent("governor").WithFields(logger.Fields{
		"call":     label,
		"throttle": g.throttle,
	}).Info("throttle reduced")
}

func (g *Governor) maybeRestore() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.throttle >= 1 {
		return
	}
	if time.Since(g.penalty) < g.cfg.RestoreAfter {
		return
	}
	g.throttle = math.Min(1, g.throttle+g.cfg.RestoreStep)
	g.penalty = time.Now()
	g.second.SetLimit(g.secondRate())
	g.minute.SetLimit(g.minuteRate())
	g.log.WithComponent("governor").WithFields(logger.Fields{
		"throttle": g.throttle,
	}).Info("throttle restored")
}
