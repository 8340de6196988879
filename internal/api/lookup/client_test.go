package lookup

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/parkgazer/internal/models"
)

func TestLookupParsesResponse(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)

		assert.Equal(t, "/v1/restrictions", r.URL.Path)
		assert.Equal(t, "41.880000", r.URL.Query().Get("lat"))
		assert.Equal(t, "-87.630000", r.URL.Query().Get("lng"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"address": {"formatted_address": "5714 N Ridge Ave", "city": "Chicago"},
			"restrictions": [
				{"type": "street_cleaning", "rule": "evening_before", "next_active_at": "2026-04-01T09:00:00Z"}
			]
		}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "test-key", 2*time.Second, zap.NewNop())
	res, err := c.Lookup(context.Background(), 41.88, -87.63)
	require.NoError(t, err)

	assert.Equal(t, "5714 N Ridge Ave", res.Address.FormattedAddress)
	require.Len(t, res.Restrictions, 1)
	assert.Equal(t, models.RestrictionStreetCleaning, res.Restrictions[0].Type)
	assert.Equal(t, models.RuleEveningBefore, res.Restrictions[0].Rule)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestLookupCachesByRoundedCoordinates(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(`{"address": {}, "restrictions": []}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "", 2*time.Second, zap.NewNop())

	// 同一路段 (~11 米内) 的重复查询不再出网
	_, err := c.Lookup(context.Background(), 41.880001, -87.630002)
	require.NoError(t, err)
	_, err = c.Lookup(context.Background(), 41.880004, -87.629998)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	// 坐标变化超出取整粒度则重新查询
	_, err = c.Lookup(context.Background(), 41.8810, -87.6300)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestLookupCacheExpiresWithRestrictionSchedule(t *testing.T) {
	// 首个响应的生效时刻已是过去：条目立即失效，不会把过期排期喂给调度器
	past := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	future := time.Now().Add(30 * time.Minute).UTC().Format(time.RFC3339)

	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		at := past
		if atomic.AddInt32(&hits, 1) > 1 {
			at = future
		}
		_, _ = w.Write([]byte(`{"address": {}, "restrictions": [
			{"type": "street_cleaning", "rule": "evening_before", "next_active_at": "` + at + `"}
		]}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "", 2*time.Second, zap.NewNop())

	res, err := c.Lookup(context.Background(), 41.88, -87.63)
	require.NoError(t, err)
	assert.True(t, res.Restrictions[0].NextActiveAt.Before(time.Now()))

	// 再次停在同一路段：重新出网，拿到的是新的排期
	res, err = c.Lookup(context.Background(), 41.88, -87.63)
	require.NoError(t, err)
	assert.True(t, res.Restrictions[0].NextActiveAt.After(time.Now()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))

	// 生效时刻还在将来：条目在此之前继续命中
	_, err = c.Lookup(context.Background(), 41.88, -87.63)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestLookupServerErrorWrapsSentinel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", 2*time.Second, zap.NewNop())
	_, err := c.Lookup(context.Background(), 41.88, -87.63)
	assert.ErrorIs(t, err, ErrLookupFailure)
}

func TestLookupMalformedBodyWrapsSentinel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"address": `))
	}))
	defer server.Close()

	c := NewClient(server.URL, "", 2*time.Second, zap.NewNop())
	_, err := c.Lookup(context.Background(), 41.88, -87.63)
	assert.ErrorIs(t, err, ErrLookupFailure)
}

func TestLookupFailuresAreNotCached(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"address": {}, "restrictions": []}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "", 2*time.Second, zap.NewNop())

	_, err := c.Lookup(context.Background(), 41.88, -87.63)
	require.ErrorIs(t, err, ErrLookupFailure)

	// 失败不进缓存，下一次照常出网
	res, err := c.Lookup(context.Background(), 41.88, -87.63)
	require.NoError(t, err)
	assert.Empty(t, res.Restrictions)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}
