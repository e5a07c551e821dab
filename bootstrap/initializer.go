package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"pgraftctl/topology"
)

// InitFunc starts consensus on a single node.
type InitFunc func(ctx context.Context, node topology.NodeSpec) error

// Initializer triggers consensus on a set of nodes at the same time. Leader
// election needs a quorum reachable within one election window, so nodes are
// never initialized one after another.
type Initializer struct {
	timeout time.Duration
	initFn  InitFunc
	metrics *Metrics
	logger  log.Logger
}

func NewInitializer(timeout time.Duration, initFn InitFunc, metrics *Metrics, logger log.Logger) *Initializer {
	return &Initializer{
		timeout: timeout,
		initFn:  initFn,
		metrics: metrics,
		logger:  log.With(logger, "component", "initializer"),
	}
}

// Run initializes every node concurrently and returns once each unit has
// either finished or hit its deadline. A unit that ignores its context is
// abandoned, never waited for.
func (i *Initializer) Run(ctx context.Context, nodes []topology.NodeSpec) map[string]InitResult {
	results := make([]InitResult, len(nodes))

	var g errgroup.Group
	for idx, node := range nodes {
		g.Go(func() error {
			results[idx] = i.runOne(ctx, node)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]InitResult, len(nodes))
	for idx, node := range nodes {
		res := results[idx]
		out[node.Name] = res
		i.metrics.InitOutcome(node.Name, res.Outcome)

		if res.Outcome == InitOk {
			level.Info(i.logger).Log("msg", "consensus initialized", "node", node.Name)
		} else {
			level.Warn(i.logger).Log("msg", "consensus initialization failed", "node", node.Name, "outcome", res.Outcome, "err", res.Err)
		}
	}
	return out
}

func (i *Initializer) runOne(parent context.Context, node topology.NodeSpec) InitResult {
	ctx, cancel := context.WithTimeout(parent, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- i.initFn(ctx, node)
	}()

	var err error
	select {
	case err = <-done:
		if err == nil {
			return InitResult{Outcome: InitOk}
		}
	case <-ctx.Done():
		err = ctx.Err()
	}

	switch {
	case parent.Err() != nil:
		return InitResult{Outcome: InitErr, Err: fmt.Errorf("%w: %w", ErrInterrupted, parent.Err())}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return InitResult{Outcome: InitTimedOut, Err: fmt.Errorf("%w after %s", ErrConsensusInitTimedOut, i.timeout)}
	default:
		return InitResult{Outcome: InitErr, Err: fmt.Errorf("%w: %w", ErrConsensusInitFailed, err)}
	}
}
