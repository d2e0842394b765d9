package lookup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restosync/internal/config"
	"restosync/internal/logger"
	pkgerrors "restosync/pkg/errors"
)

type scriptedProvider struct {
	calls   atomic.Int32
	results []error
	block   bool
}

func (p *scriptedProvider) Search(ctx context.Context, name string, _ Context) (*Result, error) {
	n := int(p.calls.Add(1)) - 1
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if n < len(p.results) && p.results[n] != nil {
		return nil, p.results[n]
	}
	return &Result{Name: name}, nil
}

func lookupCfg(retries int) config.LookupConfig {
	return config.LookupConfig{MaxRetries: retries, RetryBackoff: time.Millisecond, Timeout: time.Second}
}

func TestResilient_RetriesOnceThenSucceeds(t *testing.T) {
	next := &scriptedProvider{results: []error{errors.New("connection reset")}}
	r := NewResilient(next, "test", lookupCfg(1), config.CircuitBreakerConfig{}, logger.NopLogger())

	res, err := r.Search(context.Background(), "Cafe", Context{})
	require.NoError(t, err)
	assert.Equal(t, "Cafe", res.Name)
	assert.Equal(t, int32(2), next.calls.Load())
}

func TestResilient_ExhaustedIsProviderUnavailable(t *testing.T) {
	boom := errors.New("503")
	next := &scriptedProvider{results: []error{boom, boom, boom}}
	r := NewResilient(next, "test", lookupCfg(1), config.CircuitBreakerConfig{}, logger.NopLogger())

	_, err := r.Search(context.Background(), "Cafe", Context{})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsProviderUnavailable(err))
	assert.Equal(t, int32(2), next.calls.Load())
}

func TestResilient_NotFoundIsNotRetried(t *testing.T) {
	next := &scriptedProvider{results: []error{ErrNotFound}}
	r := NewResilient(next, "test", lookupCfg(1), config.CircuitBreakerConfig{}, logger.NopLogger())

	_, err := r.Search(context.Background(), "Cafe", Context{})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), next.calls.Load())
}

func TestResilient_AttemptTimeout(t *testing.T) {
	next := &scriptedProvider{block: true}
	cfg := lookupCfg(1)
	cfg.Timeout = 20 * time.Millisecond
	r := NewResilient(next, "test", cfg, config.CircuitBreakerConfig{}, logger.NopLogger())

	_, err := r.Search(context.Background(), "Cafe", Context{})
	assert.True(t, pkgerrors.IsProviderUnavailable(err))
	assert.Equal(t, int32(2), next.calls.Load())
}

func TestResilient_BreakerOpens(t *testing.T) {
	boom := errors.New("down")
	next := &scriptedProvider{results: []error{boom, boom, boom, boom}}
	cb := config.CircuitBreakerConfig{Enabled: true, MinRequests: 2, FailureRatio: 0.5, Timeout: time.Minute}
	r := NewResilient(next, "breaker_test", lookupCfg(0), cb, logger.NopLogger())

	for i := 0; i < 2; i++ {
		_, err := r.Search(context.Background(), "Cafe", Context{})
		assert.True(t, pkgerrors.IsProviderUnavailable(err))
	}
	_, err := r.Search(context.Background(), "Cafe", Context{})
	assert.True(t, pkgerrors.IsProviderUnavailable(err))
	assert.Equal(t, int32(2), next.calls.Load())
}

func TestResilient_NotFoundDoesNotTripBreaker(t *testing.T) {
	next := &scriptedProvider{results: []error{ErrNotFound, ErrNotFound, ErrNotFound}}
	cb := config.CircuitBreakerConfig{Enabled: true, MinRequests: 2, FailureRatio: 0.5, Timeout: time.Minute}
	r := NewResilient(next, "not_found_test", lookupCfg(0), cb, logger.NopLogger())

	for i := 0; i < 3; i++ {
		_, err := r.Search(context.Background(), "Cafe", Context{})
		assert.ErrorIs(t, err, ErrNotFound)
	}
	_, err := r.Search(context.Background(), "Cafe", Context{})
	require.NoError(t, err)
	assert.Equal(t, int32(4), next.calls.Load())
}
