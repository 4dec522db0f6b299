// Package pricing estimates asking prices for assets. A remote estimation
// service is consulted when configured; otherwise a deterministic-per-asset
// random fallback keeps the endpoint usable.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"hashmarket/market"
)

// AssetPrice is the estimate for one asset, minor units.
type AssetPrice struct {
	market.Nft
	Current int64 `json:"current"`
	Min     int64 `json:"min"`
	Max     int64 `json:"max"`
}

// Estimator produces price estimates.
type Estimator interface {
	Prices(ctx context.Context, assets []market.Nft) ([]AssetPrice, error)
}

// Client queries a remote estimation service.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) Prices(ctx context.Context, assets []market.Nft) ([]AssetPrice, error) {
	body, err := json.Marshal(map[string]interface{}{"nfts": assets})
	if err != nil {
		return nil, fmt.Errorf("encode price request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/prices", strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("build price request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("price request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price request: status %d", resp.StatusCode)
	}
	var out struct {
		Prices []AssetPrice `json:"prices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode price response: %w", err)
	}
	return out.Prices, nil
}

// Fallback generates a stable pseudo-random price per asset. The first
// estimate for an asset is cached so repeated queries stay consistent
// within a process lifetime.
type Fallback struct {
	mu    sync.Mutex
	rng   *rand.Rand
	cache map[market.Nft]AssetPrice
}

func NewFallback(seed int64) *Fallback {
	return &Fallback{
		rng:   rand.New(rand.NewSource(seed)),
		cache: make(map[market.Nft]AssetPrice),
	}
}

func (f *Fallback) Prices(_ context.Context, assets []market.Nft) ([]AssetPrice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]AssetPrice, 0, len(assets))
	for _, asset := range assets {
		price, ok := f.cache[asset]
		if !ok {
			base := int64(f.rng.Float64()*9000) + 1000
			spread := int64(f.rng.Intn(3)) + 1
			price = AssetPrice{
				Nft:     asset,
				Current: base,
				Min:     base - spread,
				Max:     base + spread,
			}
			f.cache[asset] = price
		}
		out = append(out, price)
	}
	return out, nil
}

// WithFallback chains a primary estimator with a fallback used on failure.
type WithFallback struct {
	Primary  Estimator
	Fallback Estimator
}

func (w WithFallback) Prices(ctx context.Context, assets []market.Nft) ([]AssetPrice, error) {
	if w.Primary != nil {
		prices, err := w.Primary.Prices(ctx, assets)
		if err == nil {
			return prices, nil
		}
	}
	return w.Fallback.Prices(ctx, assets)
}
