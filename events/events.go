// Package events builds and delivers the outbound marketplace event batches
// consumed by downstream services.
package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"hashmarket/market"
	"hashmarket/mirror"
	"hashmarket/models"
)

// BatchType distinguishes the two outbound event kinds.
type BatchType string

const (
	TypeListed    BatchType = "LISTED"
	TypePurchased BatchType = "PURCHASED"
)

// Transaction is one confirmed asset movement inside a batch.
type Transaction struct {
	AccountID        string `json:"accountId"`
	TokenID          string `json:"tokenId"`
	SerialNumber     int64  `json:"serialNumber"`
	Price            int64  `json:"price"`
	TransactionID    string `json:"transactionId"`
	ConsensusSeconds int64  `json:"consensusSeconds"`
	ConsensusNanos   int32  `json:"consensusNanos"`
}

// Batch groups one tick's confirmed attempts of a single kind.
type Batch struct {
	Type         BatchType     `json:"type"`
	Transactions []Transaction `json:"transactions"`
}

// Publisher delivers one batch.
type Publisher interface {
	Publish(ctx context.Context, batch Batch) error
}

// Handler turns confirmed attempts into at most one batch per kind per tick
// and hands them to the publisher. Publish failures are reported to the
// caller; attempt state is never rolled back, so delivery is at least once.
type Handler struct {
	store     *market.Store
	mirror    mirror.Reader
	publisher Publisher
	logger    *log.Logger
}

func NewHandler(store *market.Store, reader mirror.Reader, publisher Publisher, logger *log.Logger) (*Handler, error) {
	if store == nil {
		return nil, errors.New("events: store is required")
	}
	if reader == nil {
		return nil, errors.New("events: mirror reader is required")
	}
	if publisher == nil {
		return nil, errors.New("events: publisher is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{store: store, mirror: reader, publisher: publisher, logger: logger}, nil
}

func (h *Handler) consensus(ctx context.Context, txnID string) (int64, int32, error) {
	mirrorID, err := mirror.TranslateTransactionID(txnID)
	if err != nil {
		return 0, 0, err
	}
	record, err := h.mirror.Transaction(ctx, mirrorID)
	if err != nil {
		return 0, 0, err
	}
	if record == nil || record.ConsensusTimestamp == "" {
		return 0, 0, fmt.Errorf("transaction %s has no consensus timestamp", txnID)
	}
	return mirror.SplitConsensusTimestamp(record.ConsensusTimestamp)
}

func (h *Handler) transactions(ctx context.Context, attempt market.PendingAttempt) ([]Transaction, error) {
	seconds, nanos, err := h.consensus(ctx, attempt.TxnID)
	if err != nil {
		return nil, err
	}
	var rows []models.Listing
	switch attempt.Kind {
	case market.KindList:
		rows, err = h.store.ListingsByListingTxnID(ctx, attempt.TxnID)
	case market.KindPurchase:
		rows, err = h.store.ListingsByPurchaseTxnID(ctx, attempt.TxnID)
	default:
		return nil, fmt.Errorf("unknown attempt kind %v", attempt.Kind)
	}
	if err != nil {
		return nil, err
	}
	txns := make([]Transaction, 0, len(rows))
	for _, row := range rows {
		txns = append(txns, Transaction{
			AccountID:        row.AccountID,
			TokenID:          row.TokenID,
			SerialNumber:     row.SerialNumber,
			Price:            row.Price,
			TransactionID:    attempt.TxnID,
			ConsensusSeconds: seconds,
			ConsensusNanos:   nanos,
		})
	}
	return txns, nil
}

// PublishConfirmed partitions confirmed attempts by kind and publishes at
// most one LISTED and one PURCHASED batch, skipping empty partitions.
func (h *Handler) PublishConfirmed(ctx context.Context, confirmed []market.PendingAttempt) error {
	var listed, purchased []Transaction
	var errs []error
	for _, attempt := range confirmed {
		txns, err := h.transactions(ctx, attempt)
		if err != nil {
			errs = append(errs, fmt.Errorf("build events for %s: %w", attempt.TxnID, err))
			continue
		}
		switch attempt.Kind {
		case market.KindList:
			listed = append(listed, txns...)
		case market.KindPurchase:
			purchased = append(purchased, txns...)
		}
	}
	if len(listed) > 0 {
		if err := h.publisher.Publish(ctx, Batch{Type: TypeListed, Transactions: listed}); err != nil {
			errs = append(errs, fmt.Errorf("publish LISTED batch: %w", err))
		}
	}
	if len(purchased) > 0 {
		if err := h.publisher.Publish(ctx, Batch{Type: TypePurchased, Transactions: purchased}); err != nil {
			errs = append(errs, fmt.Errorf("publish PURCHASED batch: %w", err))
		}
	}
	return errors.Join(errs...)
}

// HTTPPublisher posts signed batches to the event bus endpoint.
type HTTPPublisher struct {
	url    string
	secret string
	http   *http.Client
}

func NewHTTPPublisher(url, secret string) *HTTPPublisher {
	return &HTTPPublisher{
		url:    strings.TrimRight(url, "/"),
		secret: secret,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (p *HTTPPublisher) Publish(ctx context.Context, batch Batch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build bus request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Market-Signature", signPayload(p.secret, payload))
	resp, err := p.http.Do(req)
	if err != nil {
		busMetrics().recordFailed(string(batch.Type))
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		busMetrics().recordFailed(string(batch.Type))
		return fmt.Errorf("post batch: status %d", resp.StatusCode)
	}
	return nil
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type busMetricsHolder struct {
	failed metric.Int64Counter
}

var (
	busMetricsOnce   sync.Once
	sharedBusMetrics *busMetricsHolder
)

func busMetrics() *busMetricsHolder {
	busMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("hashmarket/events")
		counter, err := meter.Int64Counter("hashmarket.events.publish_failed")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("hashmarket/events")
			counter, _ = fallback.Int64Counter("hashmarket.events.publish_failed")
		}
		sharedBusMetrics = &busMetricsHolder{failed: counter}
	})
	return sharedBusMetrics
}

func (m *busMetricsHolder) recordFailed(batchType string) {
	if m == nil || m.failed == nil {
		return
	}
	m.failed.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("type", batchType)))
}
