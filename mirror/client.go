// Package mirror talks to the ledger's mirror node REST API and translates
// between ledger and mirror transaction id forms.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Nft is one owned serial of a token as reported by the mirror node.
type Nft struct {
	TokenID      string
	SerialNumber int64
	AccountID    string
}

// TransactionRecord is the finality-relevant slice of a mirror transaction.
// ConsensusTimestamp is empty while the transaction has not reached
// consensus.
type TransactionRecord struct {
	TransactionID      string
	ConsensusTimestamp string
	Result             string
}

// Reader is the mirror node surface the service depends on.
type Reader interface {
	Transaction(ctx context.Context, mirrorTxnID string) (*TransactionRecord, error)
	AccountExists(ctx context.Context, accountID string) (bool, error)
	AccountNfts(ctx context.Context, accountID, tokenFilter, order string, limit int) ([]Nft, error)
	Nft(ctx context.Context, tokenID string, serialNumber int64) (*Nft, error)
}

// Client implements Reader against a mirror node REST endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) get(ctx context.Context, path string, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("build mirror request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("mirror request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("mirror request %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode mirror response %s: %w", path, err)
	}
	return resp.StatusCode, nil
}

type transactionsResponse struct {
	Transactions []struct {
		TransactionID      string `json:"transaction_id"`
		ConsensusTimestamp string `json:"consensus_timestamp"`
		Result             string `json:"result"`
	} `json:"transactions"`
}

// Transaction fetches the record for a mirror-form transaction id. A nil
// record means the mirror node does not know the transaction yet.
func (c *Client) Transaction(ctx context.Context, mirrorTxnID string) (*TransactionRecord, error) {
	var body transactionsResponse
	status, err := c.get(ctx, "/api/v1/transactions/"+url.PathEscape(mirrorTxnID), &body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound || len(body.Transactions) == 0 {
		return nil, nil
	}
	txn := body.Transactions[0]
	return &TransactionRecord{
		TransactionID:      txn.TransactionID,
		ConsensusTimestamp: txn.ConsensusTimestamp,
		Result:             txn.Result,
	}, nil
}

// AccountExists reports whether the mirror node knows the account.
func (c *Client) AccountExists(ctx context.Context, accountID string) (bool, error) {
	var body struct {
		Account string `json:"account"`
	}
	status, err := c.get(ctx, "/api/v1/accounts/"+url.PathEscape(accountID), &body)
	if err != nil {
		return false, err
	}
	return status != http.StatusNotFound, nil
}

type nftsResponse struct {
	Nfts []struct {
		TokenID      string `json:"token_id"`
		SerialNumber int64  `json:"serial_number"`
		AccountID    string `json:"account_id"`
	} `json:"nfts"`
	Links struct {
		Next *string `json:"next"`
	} `json:"links"`
}

// AccountNfts lists the NFTs owned by accountID. tokenFilter is empty or a
// gt:/lt: token.id cursor expression passed through to the mirror node.
func (c *Client) AccountNfts(ctx context.Context, accountID, tokenFilter, order string, limit int) ([]Nft, error) {
	params := url.Values{}
	params.Set("order", strings.ToLower(order))
	params.Set("limit", strconv.Itoa(limit))
	if tokenFilter != "" {
		params.Set("token.id", tokenFilter)
	}
	path := "/api/v1/accounts/" + url.PathEscape(accountID) + "/nfts?" + params.Encode()

	var out []Nft
	for path != "" && len(out) < limit {
		var body nftsResponse
		status, err := c.get(ctx, path, &body)
		if err != nil {
			return nil, err
		}
		if status == http.StatusNotFound {
			return nil, fmt.Errorf("mirror account %s not found", accountID)
		}
		for _, n := range body.Nfts {
			out = append(out, Nft{TokenID: n.TokenID, SerialNumber: n.SerialNumber, AccountID: n.AccountID})
		}
		if body.Links.Next == nil {
			break
		}
		path = *body.Links.Next
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Nft fetches the current owner of one serial.
func (c *Client) Nft(ctx context.Context, tokenID string, serialNumber int64) (*Nft, error) {
	var body struct {
		TokenID      string `json:"token_id"`
		SerialNumber int64  `json:"serial_number"`
		AccountID    string `json:"account_id"`
	}
	path := fmt.Sprintf("/api/v1/tokens/%s/nfts/%d", url.PathEscape(tokenID), serialNumber)
	status, err := c.get(ctx, path, &body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	return &Nft{TokenID: body.TokenID, SerialNumber: body.SerialNumber, AccountID: body.AccountID}, nil
}

// SplitConsensusTimestamp splits a mirror consensus timestamp of the form
// seconds.nanos into its parts.
func SplitConsensusTimestamp(ts string) (int64, int32, error) {
	parts := strings.SplitN(ts, ".", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("consensus timestamp %q is not seconds.nanos", ts)
	}
	seconds, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse consensus seconds: %w", err)
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parse consensus nanos: %w", err)
	}
	return seconds, int32(nanos), nil
}
