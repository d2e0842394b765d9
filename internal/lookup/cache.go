package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"restosync/internal/constants"
	"restosync/internal/logger"
	"restosync/pkg/metrics"
)

type cacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// CachingProvider keeps successful results in Redis. Cache errors never
// fail a search.
type CachingProvider struct {
	next   Provider
	client cacheClient
	ttl    time.Duration
	logger logger.Logger
}

func NewCachingProvider(next Provider, client redis.UniversalClient, ttl time.Duration, log logger.Logger) *CachingProvider {
	return &CachingProvider{next: next, client: client, ttl: ttl, logger: log}
}

func cacheKey(name string, qc Context) string {
	return constants.CacheKeyPrefixLookup + strings.ToLower(strings.TrimSpace(name)) + ":" + qc.MallSlug
}

func (p *CachingProvider) Search(ctx context.Context, name string, qc Context) (*Result, error) {
	key := cacheKey(name, qc)

	if !qc.ForceRefresh {
		val, err := p.client.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var r Result
			if jsonErr := json.Unmarshal(val, &r); jsonErr == nil {
				metrics.IncLookupCache(true)
				return &r, nil
			}
		case !errors.Is(err, redis.Nil):
			p.logger.WarnwCtx(ctx, "Lookup cache read failed", "key", key, "error", err)
		}
		metrics.IncLookupCache(false)
	}

	r, err := p.next.Search(ctx, name, qc)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(r); err == nil {
		if err := p.client.Set(ctx, key, data, p.ttl).Err(); err != nil {
			p.logger.WarnwCtx(ctx, "Lookup cache write failed", "key", key, "error", err)
		}
	}
	return r, nil
}
