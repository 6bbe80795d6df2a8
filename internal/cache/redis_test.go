package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kfre-risk-server/pkg/kfre"
)

func TestRedisStore_BreakerOpensOnUnreachableServer(t *testing.T) {
	logger, hook := test.NewNullLogger()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	store := newRedisStore(client, time.Minute, logger)
	defer store.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _, err := store.Get(ctx, "k")
		require.Error(t, err)
	}

	_, _, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	err = store.Set(ctx, "k", kfre.Result{Risk: 0.1})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "open", entry.Data["to"])
}

func TestMemoryCache_UnreachableRedisStillEvaluates(t *testing.T) {
	logger, _ := test.NewNullLogger()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 20 * time.Millisecond,
		MaxRetries:  -1,
	})
	store := newRedisStore(client, time.Minute, logger)
	defer store.Close()

	c, err := NewMemoryCache(10, 0)
	require.NoError(t, err)
	c.SetRemote(store)

	res, hit, err := c.GetOrEvaluate(patient(), kfre.FourVariable, kfre.TwoYear)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.InDelta(t, 0.023513534070271902, res.Risk, 1e-12)
}
