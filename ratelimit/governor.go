package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"campuslink/apperr"
	"campuslink/metrics"
)

const (
	DefaultMaxSends = 20
	DefaultWindow   = 10 * time.Second
	DefaultCooldown = 30 * time.Second
)

// State is a snapshot of the send counter.
type State struct {
	WindowStart time.Time
	Count       int
	LockedUntil time.Time
}

// Locked reports whether sends are refused at now.
func (s State) Locked(now time.Time) bool {
	return now.Before(s.LockedUntil)
}

// Store keeps the rolling send window and the lock.
type Store interface {
	// Allow admits one send if fewer than limit sends fall inside window ending at now.
	// count is the number of sends in the window after the decision.
	Allow(ctx context.Context, now time.Time, window time.Duration, limit int) (count int, allowed bool, err error)
	// Window returns the sends inside window ending at now and the oldest of them.
	Window(ctx context.Context, now time.Time, window time.Duration) (count int, oldest time.Time, err error)
	// Lock refuses sends until until. An earlier until never shortens an existing lock.
	Lock(ctx context.Context, until time.Time) error
	LockedUntil(ctx context.Context) (time.Time, error)
}

// Options configures a Governor.
type Options struct {
	Store    Store
	MaxSends int
	Window   time.Duration
	Cooldown time.Duration
	Now      func() time.Time
	Logger   zerolog.Logger
}

// Governor caps the outgoing message rate of one identity.
type Governor struct {
	options Options
	logger  zerolog.Logger
	mu      sync.Mutex
}

// New fills defaults and returns a governor. A nil Store selects a MemoryStore.
func New(options Options) *Governor {
	if options.Store == nil {
		options.Store = NewMemoryStore()
	}
	if options.MaxSends <= 0 {
		options.MaxSends = DefaultMaxSends
	}
	if options.Window <= 0 {
		options.Window = DefaultWindow
	}
	if options.Cooldown <= 0 {
		options.Cooldown = DefaultCooldown
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &Governor{
		options: options,
		logger:  options.Logger.With().Str("component", "ratelimit").Logger(),
	}
}

// RecordSend admits one send or returns an apperr.RateLimited error carrying the lock expiry.
// Exceeding the limit locks sends for the cooldown. Store failures admit the send.
func (g *Governor) RecordSend(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.options.Now()
	until, err := g.options.Store.LockedUntil(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("rate state unavailable, admitting send")
		return nil
	}
	if now.Before(until) {
		metrics.RateLimitRejected.Inc()
		return apperr.Limited("send", until)
	}

	count, allowed, err := g.options.Store.Allow(ctx, now, g.options.Window, g.options.MaxSends)
	if err != nil {
		g.logger.Warn().Err(err).Msg("rate state unavailable, admitting send")
		return nil
	}
	if allowed {
		return nil
	}

	until = now.Add(g.options.Cooldown)
	if err := g.options.Store.Lock(ctx, until); err != nil {
		g.logger.Warn().Err(err).Msg("persist rate lock")
	}
	metrics.RateLimitLocks.WithLabelValues("local").Inc()
	metrics.RateLimitRejected.Inc()
	g.logger.Info().Int("count", count).Time("until", until).Msg("send rate exceeded, locking")
	return apperr.Limited("send", until)
}

// ApplyRemoteRejection converts a server-side rate rejection into the local lock and
// returns the effective expiry. A non-positive retryAfter falls back to the configured cooldown.
func (g *Governor) ApplyRemoteRejection(ctx context.Context, retryAfter time.Duration) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	if retryAfter <= 0 {
		retryAfter = g.options.Cooldown
	}
	until := g.options.Now().Add(retryAfter)
	if err := g.options.Store.Lock(ctx, until); err != nil {
		g.logger.Warn().Err(err).Msg("persist remote rate lock")
	}
	if current, err := g.options.Store.LockedUntil(ctx); err == nil && current.After(until) {
		until = current
	}
	metrics.RateLimitLocks.WithLabelValues("remote").Inc()
	g.logger.Info().Time("until", until).Msg("server rejected send rate, locking")
	return until
}

// State returns the current counter snapshot.
func (g *Governor) State(ctx context.Context) (State, error) {
	now := g.options.Now()
	count, oldest, err := g.options.Store.Window(ctx, now, g.options.Window)
	if err != nil {
		return State{}, err
	}
	until, err := g.options.Store.LockedUntil(ctx)
	if err != nil {
		return State{}, err
	}
	return State{WindowStart: oldest, Count: count, LockedUntil: until}, nil
}
