// Package submitter sends marketplace allow-list and purchase calls to the
// ledger contract gateway. The gateway executes the contract transaction
// under the transaction id the client reserved; finality is observed later
// through the mirror node, never through this call's response.
package submitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hashmarket/market"
)

// Client posts contract calls to the gateway.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type assetPayload struct {
	TokenID      string `json:"tokenId"`
	SerialNumber int64  `json:"serialNumber"`
	Price        int64  `json:"price,omitempty"`
}

type submitPayload struct {
	TransactionID string         `json:"transactionId"`
	AccountID     string         `json:"accountId"`
	Nfts          []assetPayload `json:"nfts"`
}

func (c *Client) post(ctx context.Context, path string, payload submitPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode submit payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("submit %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("submit %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// AllowList asks the contract to whitelist the assets for sale.
func (c *Client) AllowList(ctx context.Context, txnID, accountID string, assets []market.PricedNft) error {
	payload := submitPayload{TransactionID: txnID, AccountID: accountID}
	for _, asset := range assets {
		payload.Nfts = append(payload.Nfts, assetPayload{
			TokenID:      asset.TokenID,
			SerialNumber: asset.SerialNumber,
			Price:        asset.Price,
		})
	}
	return c.post(ctx, "/v1/contract/whitelist-list", payload)
}

// AllowPurchase asks the contract to whitelist the buyer for the assets.
func (c *Client) AllowPurchase(ctx context.Context, txnID, accountID string, assets []market.Nft) error {
	payload := submitPayload{TransactionID: txnID, AccountID: accountID}
	for _, asset := range assets {
		payload.Nfts = append(payload.Nfts, assetPayload{
			TokenID:      asset.TokenID,
			SerialNumber: asset.SerialNumber,
		})
	}
	return c.post(ctx, "/v1/contract/whitelist-purchase", payload)
}
