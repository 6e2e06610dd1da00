package governor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"planloom.app/agent/core/config"
	"planloom.app/agent/internal/kv"
)

// Breaker states.
const (
	breakerClosed   = "closed"
	breakerOpen     = "open"
	breakerHalfOpen = "half_open"
)

// breakerTTL bounds how long stale breaker state survives; every write
// refreshes it.
const breakerTTL = 24 * time.Hour

// casAttempts bounds the optimistic retry loop on contended transitions.
const casAttempts = 5

type breakerState struct {
	State             string `json:"state"`
	FailureCount      int64  `json:"failure_count"`
	OpenedAt          int64  `json:"opened_at,omitempty"` // unix seconds
	HalfOpenSuccesses int64  `json:"half_open_successes,omitempty"`
}

// Breaker is a per-provider circuit breaker whose state lives in the shared
// kv store, so concurrent workers drive a single state machine. All
// transitions go through compare-and-swap; state is never read-then-written
// without atomicity.
type Breaker struct {
	kv  kv.Store
	cfg config.BreakerConfig
	now func() time.Time
}

func NewBreaker(kvStore kv.Store, cfg config.BreakerConfig) *Breaker {
	return &Breaker{
		kv:  kvStore,
		cfg: cfg,
		now: time.Now,
	}
}

func breakerKey(provider string) string {
	return fmt.Sprintf("ai:breaker:%s", provider)
}

// load returns the current state plus the raw stored value ("" if absent,
// which doubles as the compare-and-swap marker for first writes).
func (b *Breaker) load(ctx context.Context, provider string) (breakerState, string, error) {
	raw, err := b.kv.Get(ctx, breakerKey(provider))
	if errors.Is(err, kv.ErrNotFound) {
		return breakerState{State: breakerClosed}, "", nil
	}
	if err != nil {
		return breakerState{}, "", fmt.Errorf("loading breaker state for %s: %w", provider, err)
	}

	var state breakerState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return breakerState{}, "", fmt.Errorf("decoding breaker state for %s: %w", provider, err)
	}
	return state, raw, nil
}

// swap commits next, succeeding only if the stored value is still old.
func (b *Breaker) swap(ctx context.Context, provider, old string, next breakerState) (bool, error) {
	encoded, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("encoding breaker state for %s: %w", provider, err)
	}

	if old == "" {
		return b.kv.SetIfAbsent(ctx, breakerKey(provider), string(encoded), breakerTTL)
	}
	return b.kv.CompareAndSwap(ctx, breakerKey(provider), old, string(encoded), breakerTTL)
}

// mutate runs fn against the current state and commits the result via
// compare-and-swap, retrying on contention. fn returns the next state and
// whether a write is needed at all.
func (b *Breaker) mutate(ctx context.Context, provider string, fn func(breakerState) (breakerState, bool)) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, raw, err := b.load(ctx, provider)
		if err != nil {
			return err
		}

		next, write := fn(current)
		if !write {
			return nil
		}

		ok, err := b.swap(ctx, provider, raw, next)
		if err != nil {
			return err
		}
		if ok {
			if next.State != current.State {
				slog.InfoContext(ctx, "circuit breaker transition",
					"provider", provider, "from", current.State, "to", next.State,
					"failure_count", next.FailureCount)
			}
			return nil
		}
	}
	return fmt.Errorf("breaker state for %s contended beyond %d attempts", provider, casAttempts)
}

// Allow reports whether the provider may be called. An open breaker whose
// recovery timeout has elapsed is opportunistically advanced to half-open
// before returning true.
func (b *Breaker) Allow(ctx context.Context, provider string) (bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, raw, err := b.load(ctx, provider)
		if err != nil {
			return false, err
		}

		switch current.State {
		case breakerClosed, breakerHalfOpen:
			return true, nil
		case breakerOpen:
			openedAt := time.Unix(current.OpenedAt, 0)
			if b.now().Before(openedAt.Add(b.cfg.RecoveryTimeout)) {
				return false, nil
			}

			next := current
			next.State = breakerHalfOpen
			next.HalfOpenSuccesses = 0

			ok, err := b.swap(ctx, provider, raw, next)
			if err != nil {
				return false, err
			}
			if ok {
				slog.InfoContext(ctx, "circuit breaker transition",
					"provider", provider, "from", breakerOpen, "to", breakerHalfOpen)
				return true, nil
			}
			// lost the race, re-read and re-evaluate
		default:
			return false, fmt.Errorf("unknown breaker state %q for %s", current.State, provider)
		}
	}
	return false, fmt.Errorf("breaker state for %s contended beyond %d attempts", provider, casAttempts)
}

// RecordFailure counts a provider failure. Crossing the failure threshold
// while closed opens the breaker; any failure while half-open re-opens it.
func (b *Breaker) RecordFailure(ctx context.Context, provider string) error {
	return b.mutate(ctx, provider, func(s breakerState) (breakerState, bool) {
		switch s.State {
		case breakerClosed:
			s.FailureCount++
			if s.FailureCount >= b.cfg.FailureThreshold {
				s.State = breakerOpen
				s.OpenedAt = b.now().Unix()
			}
			return s, true
		case breakerHalfOpen:
			s.State = breakerOpen
			s.OpenedAt = b.now().Unix()
			s.HalfOpenSuccesses = 0
			return s, true
		default: // already open
			s.FailureCount++
			return s, true
		}
	})
}

// RecordSuccess only has effect while half-open; reaching the success
// threshold closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess(ctx context.Context, provider string) error {
	return b.mutate(ctx, provider, func(s breakerState) (breakerState, bool) {
		if s.State != breakerHalfOpen {
			return s, false
		}
		s.HalfOpenSuccesses++
		if s.HalfOpenSuccesses >= b.cfg.SuccessThreshold {
			return breakerState{State: breakerClosed}, true
		}
		return s, true
	})
}
