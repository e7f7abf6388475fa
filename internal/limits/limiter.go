package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ncecere/compass_skill/internal/config"
	"github.com/ncecere/compass_skill/internal/models"
)

// ErrGateFull is returned when the per-minute budget or every call slot is taken.
var ErrGateFull = errors.New("provider gate full")

// slotTTL bounds how long a slot leaked by a crashed replica stays taken.
const slotTTL = 5 * time.Minute

// ProviderGate caps outbound embedding calls for every replica sharing one
// Redis: at most RequestsPerMinute calls per wall-clock minute and at most
// ParallelRequests calls in flight.
type ProviderGate struct {
	client   *redis.Client
	prefix   string
	rpm      int
	parallel int
	now      func() time.Time
}

// NewProviderGate returns nil when Redis is absent or no limit is configured;
// a nil gate admits everything.
func NewProviderGate(client *redis.Client, cfg config.GateConfig) *ProviderGate {
	if client == nil || (cfg.RequestsPerMinute <= 0 && cfg.ParallelRequests <= 0) {
		return nil
	}
	key := cfg.Key
	if key == "" {
		key = "compass"
	}
	return &ProviderGate{
		client:   client,
		prefix:   "compass_skill:gate:" + key,
		rpm:      cfg.RequestsPerMinute,
		parallel: cfg.ParallelRequests,
		now:      time.Now,
	}
}

// Acquire admits one provider call. A full gate is reported as
// models.ErrRateLimited so callers back off exactly as they would for a
// provider-side 429. The returned release func is never nil.
func (g *ProviderGate) Acquire(ctx context.Context) (func(), error) {
	noop := func() {}
	if g == nil {
		return noop, nil
	}
	if g.rpm > 0 {
		if err := g.countMinute(ctx); err != nil {
			return noop, g.wrap(err)
		}
	}
	if g.parallel <= 0 {
		return noop, nil
	}
	if err := g.takeSlot(ctx); err != nil {
		return noop, g.wrap(err)
	}
	return func() {
		// the request context may already be done
		g.client.Decr(context.WithoutCancel(ctx), g.slotKey())
	}, nil
}

func (g *ProviderGate) wrap(err error) error {
	if errors.Is(err, ErrGateFull) {
		return fmt.Errorf("%w: %w", models.ErrRateLimited, err)
	}
	return fmt.Errorf("provider gate: %w", err)
}

func (g *ProviderGate) minuteKey() string {
	return fmt.Sprintf("%s:rpm:%d", g.prefix, g.now().UTC().Unix()/60)
}

func (g *ProviderGate) slotKey() string {
	return g.prefix + ":slots"
}

func (g *ProviderGate) countMinute(ctx context.Context) error {
	key := g.minuteKey()
	cnt, err := g.client.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	if cnt == 1 {
		g.client.Expire(ctx, key, time.Minute)
	}
	if cnt > int64(g.rpm) {
		return ErrGateFull
	}
	return nil
}

func (g *ProviderGate) takeSlot(ctx context.Context) error {
	key := g.slotKey()
	cnt, err := g.client.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	if cnt == 1 {
		g.client.Expire(ctx, key, slotTTL)
	}
	if cnt > int64(g.parallel) {
		g.client.Decr(ctx, key)
		return ErrGateFull
	}
	return nil
}
