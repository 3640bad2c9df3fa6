// Package converge implements the bounded observe-command-retry loop that
// drives a node to a target power state over an unreliable control channel.
// A single failed command attempt never aborts the loop; only retry
// exhaustion or a non-transient backend error does.
package converge

import (
	"context"
	"log/slog"
	"time"

	"github.com/gammadia/forge/driver"
	"github.com/gammadia/forge/errdefs"
)

const (
	DefaultMaxRetries = 3
	DefaultInterval   = 5 * time.Second
)

// Observe reports the node's current power state. Errors escape the loop:
// a backend that cannot even be observed is either gone (NodeNotFound) or
// down (ServiceUnavailable), and retrying commands against it is pointless.
type Observe func(ctx context.Context) (driver.PowerState, error)

// Command issues the power command. It may silently fail or have no
// immediate effect; the loop re-observes rather than trusting it.
type Command func(ctx context.Context) error

type Config struct {
	// MaxRetries bounds the number of command attempts.
	MaxRetries int
	// Interval is the pause between loop iterations.
	Interval time.Duration
	Logger   *slog.Logger
}

// Engine runs convergence loops. It is stateless across calls; every loop
// keeps its counters in locals, so concurrent loops on different nodes
// share nothing.
type Engine struct {
	maxRetries int
	interval   time.Duration
	log        *slog.Logger
}

func New(config Config) Engine {
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return Engine{
		maxRetries: config.MaxRetries,
		interval:   config.Interval,
		log:        config.Logger,
	}
}

// Converge drives nodeUUID toward target, issuing command until observe
// reports target or the retry budget is exhausted. It blocks its caller for
// up to MaxRetries*Interval and is meant to run inside an exclusive task
// scope on a dedicated goroutine. The context is checked between
// iterations, so an operator-initiated abort takes effect at the next
// interval boundary.
//
// The returned state is the last observation. The error is nil on success,
// errdefs.PowerStateFailure on exhaustion, ctx.Err() on cancellation, or
// the escaping backend error.
func (e Engine) Converge(ctx context.Context, nodeUUID string, target driver.PowerState, observe Observe, command Command) (driver.PowerState, error) {
	attempts := 0
	for {
		observed, err := observe(ctx)
		if err != nil {
			return driver.PowerError, err
		}
		if observed == target {
			return observed, nil
		}

		if attempts >= e.maxRetries {
			e.log.Error("Power state convergence exhausted its retries",
				"node", nodeUUID, "target", string(target), "attempts", attempts)
			return observed, errdefs.PowerStateFailure{Node: nodeUUID, Target: string(target)}
		}
		attempts++

		if err := command(ctx); err != nil {
			if errdefs.IsServiceUnavailable(err) || errdefs.IsNodeNotFound(err) {
				return observed, err
			}
			// Transient channel hiccup: log and fall through to the next
			// observation instead of aborting.
			e.log.Warn("Power command attempt failed",
				"node", nodeUUID, "target", string(target), "attempt", attempts, "error", err)
		}

		select {
		case <-time.After(e.interval):
		case <-ctx.Done():
			return observed, ctx.Err()
		}
	}
}
