package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"changehub/pkg/platform/circuit"
)

// ErrCircuitOpen is the cause of failures short-circuited by Breakers.
var ErrCircuitOpen = errors.New("circuit open")

// Breakers wraps a Deliverer with one circuit breaker per target. While a
// target's breaker is open, deliveries fail immediately without a network
// call, until the cooldown lets a trial call through.
type Breakers struct {
	next      Deliverer
	threshold int
	cooldown  time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	breakers map[string]*circuit.Breaker
}

func NewBreakers(next Deliverer, threshold int, cooldown time.Duration, clk clock.Clock, logger *slog.Logger) *Breakers {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breakers{
		next:      next,
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clk,
		logger:    logger,
		breakers:  make(map[string]*circuit.Breaker),
	}
}

func (b *Breakers) breaker(target string) *circuit.Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[target]
	if !ok {
		cb = circuit.New(target,
			circuit.WithFailureThreshold(b.threshold),
			circuit.WithCooldown(b.cooldown),
			circuit.WithClock(b.clock),
		)
		b.breakers[target] = cb
	}
	return cb
}

func (b *Breakers) Deliver(ctx context.Context, target string, req Request) (Result, error) {
	cb := b.breaker(target)
	if !cb.Allow() {
		return Result{}, &Failure{Message: ErrCircuitOpen.Error(), Err: ErrCircuitOpen}
	}

	res, err := b.next.Deliver(ctx, target, req)
	if err != nil {
		if _, change := cb.RecordFailure(); change.Opened {
			b.logger.WarnContext(ctx, "delivery circuit opened", "target", cb.Name(), "cooldown", b.cooldown)
		}
		return res, err
	}
	if _, change := cb.RecordSuccess(); change.Closed {
		b.logger.InfoContext(ctx, "delivery circuit closed", "target", cb.Name())
	}
	return res, nil
}
