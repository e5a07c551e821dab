package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"pgraftctl/postgres"
)

// LeaderQuery returns the raw leader value reported by the cluster.
type LeaderQuery func(ctx context.Context) (string, error)

type Poller struct {
	interval    time.Duration
	maxAttempts int
	metrics     *Metrics
	logger      log.Logger
}

func NewPoller(interval time.Duration, maxAttempts int, metrics *Metrics, logger log.Logger) *Poller {
	return &Poller{
		interval:    interval,
		maxAttempts: maxAttempts,
		metrics:     metrics,
		logger:      log.With(logger, "component", "poller"),
	}
}

// WaitForLeader queries at most maxAttempts times and returns as soon as a
// positive leader id is seen. Query errors, 0, negative and non-numeric
// values all mean "no leader yet". A cancelled ctx always wins over the
// timeout, even on the last attempt.
func (p *Poller) WaitForLeader(ctx context.Context, query LeaderQuery) (int64, error) {
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		p.metrics.ConvergenceAttempt()

		raw, err := query(ctx)
		if err == nil {
			if id, ok := postgres.ParseLeaderID(raw); ok {
				level.Info(p.logger).Log("msg", "leader elected", "leader_id", id, "attempt", attempt)
				return id, nil
			}
		}
		level.Debug(p.logger).Log("msg", "no leader yet", "attempt", attempt, "raw", raw, "err", err)

		if attempt == p.maxAttempts {
			break
		}

		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		case <-timer.C:
		}
	}

	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	return 0, fmt.Errorf("%w after %d attempts", ErrConvergenceTimeout, p.maxAttempts)
}
