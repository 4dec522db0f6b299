package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"hashmarket/attributes"
	"hashmarket/market"
	"hashmarket/mirror"
	"hashmarket/models"
	"hashmarket/pricing"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

type fakeMirror struct {
	accounts map[string]bool
}

func (m *fakeMirror) Transaction(context.Context, string) (*mirror.TransactionRecord, error) {
	return nil, nil
}

func (m *fakeMirror) AccountExists(_ context.Context, accountID string) (bool, error) {
	return m.accounts[accountID], nil
}

func (m *fakeMirror) AccountNfts(context.Context, string, string, string, int) ([]mirror.Nft, error) {
	return nil, nil
}

func (m *fakeMirror) Nft(context.Context, string, int64) (*mirror.Nft, error) { return nil, nil }

type fakeSubmitter struct{}

func (fakeSubmitter) AllowList(context.Context, string, string, []market.PricedNft) error {
	return nil
}

func (fakeSubmitter) AllowPurchase(context.Context, string, string, []market.Nft) error {
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeMirror) {
	t.Helper()
	db := setupTestDB(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := market.NewStore(db, func() time.Time { return now })
	mm := &fakeMirror{accounts: map[string]bool{"0.0.1001": true, "0.0.2002": true}}
	svc, err := market.NewService(market.Config{Store: store, Mirror: mm, Submitter: fakeSubmitter{}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	srv := New(Config{
		DB:         db,
		Market:     svc,
		Pricing:    pricing.NewFallback(1),
		Attributes: attributes.NewStore(db, func() time.Time { return now }),
	})
	return srv, mm
}

func doRequest(t *testing.T, srv *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) int {
	t.Helper()
	var body struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error.Code
}

const listTxn = "0.0.100@1700000000.1"

func listBody(txn string) map[string]interface{} {
	return map[string]interface{}{
		"accountId":     "0.0.1001",
		"transactionId": txn,
		"nfts": []map[string]interface{}{
			{"tokenId": "0.0.10", "serialNumber": 1, "price": 500},
		},
	}
}

func TestListAndOffsetsRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/offsets/list", listBody(listTxn), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/offsets?account=0.0.1001&state=LISTED", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Offsets []market.Offset `json:"offsets"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode offsets: %v", err)
	}
	if len(body.Offsets) != 1 || body.Offsets[0].State != market.StateListed {
		t.Fatalf("unexpected offsets %+v", body.Offsets)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/offsets/all-listed", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
}

func TestListErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t)

	// Malformed JSON body.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/offsets/list", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415 got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != 1002 {
		t.Fatalf("expected code 1002 got %d", code)
	}

	// Missing account.
	body := listBody(listTxn)
	body["accountId"] = ""
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/offsets/list", body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != 1001 {
		t.Fatalf("expected code 1001 got %d", code)
	}

	// Duplicate active listing.
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/offsets/list", listBody(listTxn), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("seed listing: %d %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/offsets/list", listBody("0.0.100@1700000001.1"), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != 1005 {
		t.Fatalf("expected code 1005 got %d", code)
	}
}

func TestOffsetsErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/offsets?account=0.0.404", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != 1004 {
		t.Fatalf("expected code 1004 got %d", code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/offsets?account=0.0.1001&limit=9999", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != 1003 {
		t.Fatalf("expected code 1003 got %d", code)
	}
}

func TestPurchaseRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/offsets/list", listBody(listTxn), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("seed listing: %d", rec.Code)
	}

	purchase := map[string]interface{}{
		"accountId":     "0.0.2002",
		"transactionId": "0.0.200@1700000050.1",
		"nfts": []map[string]interface{}{
			{"tokenId": "0.0.10", "serialNumber": 1},
		},
	}
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/offsets/purchase", purchase, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d: %s", rec.Code, rec.Body.String())
	}

	purchase["transactionId"] = "0.0.200@1700000051.1"
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/offsets/purchase", purchase, nil)
	if code := errorCode(t, rec); code != 1005 {
		t.Fatalf("expected conflicting purchase to map to 1005, got %d", code)
	}
}

func TestIdempotencyReplay(t *testing.T) {
	srv, _ := newTestServer(t)
	headers := map[string]string{"Idempotency-Key": "list-1"}

	first := doRequest(t, srv, http.MethodPost, "/api/v1/offsets/list", listBody(listTxn), headers)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first submission: %d %s", first.Code, first.Body.String())
	}
	second := doRequest(t, srv, http.MethodPost, "/api/v1/offsets/list", listBody(listTxn), headers)
	if second.Code != first.Code {
		t.Fatalf("replay status %d differs from original %d", second.Code, first.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("replay body %q differs from original %q", second.Body.String(), first.Body.String())
	}
}

func TestPricesEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	body := map[string]interface{}{
		"nfts": []map[string]interface{}{{"tokenId": "0.0.10", "serialNumber": 1}},
	}
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/prices", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Prices []pricing.AssetPrice `json:"prices"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode prices: %v", err)
	}
	if len(out.Prices) != 1 || out.Prices[0].Current <= 0 {
		t.Fatalf("unexpected prices %+v", out.Prices)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/prices", map[string]interface{}{"nfts": []map[string]interface{}{}}, nil)
	if code := errorCode(t, rec); code != 1001 {
		t.Fatalf("expected 1001 for empty nfts got %d", code)
	}
}

func TestAttributeSearchEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	store := srv.attributes
	if err := store.Save(ctx, "0.0.10", 1, map[string]string{"region": "amazonas"}); err != nil {
		t.Fatalf("save attributes: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/attributes/search?region=amazonas", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Nfts []market.Nft `json:"nfts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode search: %v", err)
	}
	if len(out.Nfts) != 1 || out.Nfts[0].TokenID != "0.0.10" {
		t.Fatalf("unexpected search result %+v", out.Nfts)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/attributes/search", nil, nil)
	if code := errorCode(t, rec); code != 1001 {
		t.Fatalf("expected 1001 for empty criteria got %d", code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
}

func TestFindOffsetRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/offsets/list", listBody(listTxn), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("list status %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/offsets/find?tokenId=0.0.10&serialNumber=1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var offset market.Offset
	if err := json.Unmarshal(rec.Body.Bytes(), &offset); err != nil {
		t.Fatalf("decode offset: %v", err)
	}
	if offset.State != market.StateListed || len(offset.History) != 1 {
		t.Fatalf("unexpected offset %+v", offset)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/offsets/find?tokenId=0.0.99&serialNumber=5", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d: %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != 1004 {
		t.Fatalf("expected 1004 got %d", code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/offsets/find?tokenId=0.0.99", nil, nil)
	if code := errorCode(t, rec); code != 1001 {
		t.Fatalf("expected 1001 got %d", code)
	}
}

func TestIdempotencyDoesNotReplayServerErrors(t *testing.T) {
	db := setupTestDB(t)
	calls := 0
	handler := withIdempotency(db, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"code":500,"message":"internal error"}}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"state":"APPROVED"}`))
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/offsets/list", strings.NewReader("{}"))
		req.Header.Set("Idempotency-Key", "retry-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	if first.Code != http.StatusInternalServerError {
		t.Fatalf("first attempt status %d", first.Code)
	}
	second := send()
	if second.Code != http.StatusAccepted {
		t.Fatalf("retry replayed the failure: %d %s", second.Code, second.Body.String())
	}
	if calls != 2 {
		t.Fatalf("expected handler to run twice, ran %d times", calls)
	}
	third := send()
	if third.Code != http.StatusAccepted || calls != 2 {
		t.Fatalf("expected stored success replay, status %d calls %d", third.Code, calls)
	}
}
