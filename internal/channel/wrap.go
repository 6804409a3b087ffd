package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	logx "commdispatch/pkg/logx"
)

type rateLimited struct {
	next    Sender
	limiter *rate.Limiter
}

// WithRateLimit paces sends to rps per second (burst rps). rps <= 0 returns
// next unchanged.
func WithRateLimit(next Sender, rps int) Sender {
	if rps <= 0 {
		return next
	}
	return &rateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), rps)}
}

func (s *rateLimited) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return Receipt{}, err
	}
	return s.next.Send(ctx, msg)
}

// BreakerConfig trips a channel after consecutive transport failures.
type BreakerConfig struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
}

type breaker struct {
	next Sender
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker stops calling next once FailureThreshold consecutive sends have
// failed, until ResetTimeout passes. While open, Send returns
// ErrChannelUnavailable without calling next. Permanent errors are the
// recipient's problem, not the channel's, and do not count as failures.
func WithBreaker(next Sender, cfg BreakerConfig, log logx.Logger) Sender {
	if cfg.FailureThreshold <= 0 {
		return next
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	threshold := uint32(cfg.FailureThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("channel breaker state changed",
				logx.String("channel", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()))
		},
	})
	return &breaker{next: next, cb: cb}
}

func (s *breaker) Send(ctx context.Context, msg Message) (Receipt, error) {
	out, err := s.cb.Execute(func() (interface{}, error) {
		return s.next.Send(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Receipt{}, fmt.Errorf("%w: %s: %v", ErrChannelUnavailable, s.cb.Name(), err)
	}
	if err != nil {
		return Receipt{}, err
	}
	r, _ := out.(Receipt)
	return r, nil
}
