package lookup

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"restosync/internal/config"
	"restosync/internal/constants"
	"restosync/internal/logger"
	"restosync/pkg/circuitbreaker"
	pkgerrors "restosync/pkg/errors"
	"restosync/pkg/metrics"
	"restosync/pkg/retry"
)

// Resilient bounds every attempt with a timeout, retries with a fixed
// backoff and short-circuits through a breaker. Exhausted attempts surface
// as ErrProviderUnavailable; ErrNotFound passes through untouched.
type Resilient struct {
	next    Provider
	name    string
	cb      *circuitbreaker.Wrapper
	policy  retry.Policy
	timeout time.Duration
	logger  logger.Logger
}

func NewResilient(next Provider, name string, cfg config.LookupConfig, cbCfg config.CircuitBreakerConfig, log logger.Logger) *Resilient {
	r := &Resilient{
		next:    next,
		name:    name,
		policy:  retry.FixedPolicy(cfg.MaxRetries, cfg.RetryBackoff),
		timeout: cfg.Timeout,
		logger:  log,
	}
	if r.timeout <= 0 {
		r.timeout = constants.DefaultLookupTimeout
	}
	if cbCfg.Enabled {
		cb := circuitbreaker.DefaultConfig("lookup_" + name)
		if cbCfg.MaxRequests > 0 {
			cb.MaxRequests = cbCfg.MaxRequests
		}
		if cbCfg.Interval > 0 {
			cb.Interval = cbCfg.Interval
		}
		if cbCfg.Timeout > 0 {
			cb.Timeout = cbCfg.Timeout
		}
		if cbCfg.FailureRatio > 0 && cbCfg.MinRequests > 0 {
			cb.ReadyToTrip = circuitbreaker.TripOnRatio(cbCfg.MinRequests, cbCfg.FailureRatio)
		}
		cb.IsSuccessful = func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		}
		cb.OnStateChange = func(name string, from, to gobreaker.State) {
			log.Warnw("Lookup circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		}
		r.cb = circuitbreaker.NewWrapper(cb)
	}
	return r
}

func (r *Resilient) attempt(ctx context.Context, name string, qc Context) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if r.cb == nil {
		return r.next.Search(ctx, name, qc)
	}
	out, err := r.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return r.next.Search(ctx, name, qc)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	return out.(*Result), nil
}

func (r *Resilient) Search(ctx context.Context, name string, qc Context) (*Result, error) {
	start := time.Now()
	var result *Result

	err := retry.RetryWithCallback(ctx, r.policy, func() error {
		res, err := r.attempt(ctx, name, qc)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return retry.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}, func(attempt int, err error, next time.Duration) {
		r.logger.WarnwCtx(ctx, "Lookup attempt failed, retrying",
			"provider", r.name,
			"attempt", attempt,
			"retry_in", next,
			"error", err,
		)
	})
	metrics.ObserveLookupDuration(r.name, time.Since(start))

	switch {
	case err == nil:
		metrics.IncLookupRequest(r.name, "ok")
		return result, nil
	case errors.Is(err, ErrNotFound):
		metrics.IncLookupRequest(r.name, "not_found")
		return nil, ErrNotFound
	case ctx.Err() != nil:
		metrics.IncLookupRequest(r.name, "cancelled")
		return nil, ctx.Err()
	}
	metrics.IncLookupRequest(r.name, "unavailable")
	return nil, pkgerrors.ErrProviderUnavailable.WithCause(err).WithDetail("provider", r.name)
}
