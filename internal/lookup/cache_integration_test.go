package lookup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restosync/internal/logger"
	"restosync/internal/testinfra"
)

func TestCachingProvider_Redis(t *testing.T) {
	client := testinfra.Redis(t)
	ctx := context.Background()

	next := &scriptedProvider{}
	p := NewCachingProvider(next, client, time.Minute, logger.NopLogger())

	for i := 0; i < 2; i++ {
		r, err := p.Search(ctx, "Cafe Nova", Context{MallSlug: "central"})
		require.NoError(t, err)
		assert.Equal(t, "Cafe Nova", r.Name)
	}
	assert.Equal(t, int32(1), next.calls.Load())

	ttl, err := client.TTL(ctx, "lookup:cafe nova:central").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)

	_, err = p.Search(ctx, "Cafe Nova", Context{MallSlug: "central", ForceRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, int32(2), next.calls.Load())
}
