package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/parkgazer/internal/models"
)

// ErrLookupFailure 外部限停规则服务不可用
// 本地通知路径不受影响：提醒跳过、通知按 "restrictions unknown" 继续
var ErrLookupFailure = errors.New("restriction lookup failed")

// Result 一次查询的结果：解析后的地址和结构化限停规则
type Result struct {
	Address      models.Address         `json:"address"`
	Restrictions models.RestrictionList `json:"restrictions"`
}

// 缓存条目的最长存活时间
// 规则里带生效时刻，条目最晚必须在最早的生效时刻前失效，
// 否则同一路段再次停车会按早已过期的排期跳过提醒
const cacheTTL = time.Hour

type cacheEntry struct {
	result    *Result
	expiresAt time.Time
}

// Client 限停规则查询客户端
type Client struct {
	apiHost    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger

	// 缓存：相同路段的重复查询在条目过期前不再出网
	cache   map[string]cacheEntry
	cacheMu sync.RWMutex
}

// NewClient 创建查询客户端
func NewClient(apiHost, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		apiHost: apiHost,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}
}

// Lookup 根据坐标查询地址和当前生效的限停规则
func (c *Client) Lookup(ctx context.Context, lat, lng float64) (*Result, error) {
	// 缓存 key 精确到小数点后4位，约11米
	cacheKey := fmt.Sprintf("%.4f,%.4f", lat, lng)

	c.cacheMu.RLock()
	entry, ok := c.cache[cacheKey]
	c.cacheMu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.result, nil
	}

	params := url.Values{}
	params.Set("lat", fmt.Sprintf("%.6f", lat))
	params.Set("lng", fmt.Sprintf("%.6f", lng))

	reqURL := fmt.Sprintf("%s/v1/restrictions?%s", c.apiHost, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrLookupFailure, err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrLookupFailure, resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrLookupFailure, err)
	}

	entry = cacheEntry{result: &result, expiresAt: cacheExpiry(&result)}
	c.cacheMu.Lock()
	c.cache[cacheKey] = entry
	// 限制缓存大小
	if len(c.cache) > 10000 {
		c.cache = make(map[string]cacheEntry)
		c.cache[cacheKey] = entry
	}
	c.cacheMu.Unlock()

	c.logger.Debug("Restriction lookup completed",
		zap.String("address", result.Address.FormattedAddress),
		zap.Int("restrictions", len(result.Restrictions)))

	return &result, nil
}

// cacheExpiry 条目失效时刻：TTL 与最早的规则生效时刻取其先
func cacheExpiry(res *Result) time.Time {
	expiry := time.Now().Add(cacheTTL)
	for _, r := range res.Restrictions {
		if !r.NextActiveAt.IsZero() && r.NextActiveAt.Before(expiry) {
			expiry = r.NextActiveAt
		}
	}
	return expiry
}
