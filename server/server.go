// Package server exposes the marketplace HTTP API.
package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"hashmarket/apierr"
	"hashmarket/attributes"
	"hashmarket/market"
	"hashmarket/pricing"
)

const defaultPageSize = 25

// Config captures the dependencies required to construct the server.
type Config struct {
	DB         *gorm.DB
	Market     *market.Service
	Pricing    pricing.Estimator
	Attributes *attributes.Store
	Logger     *log.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	db         *gorm.DB
	market     *market.Service
	pricing    pricing.Estimator
	attributes *attributes.Store
	logger     *log.Logger

	router http.Handler
}

// New constructs a configured HTTP router with idempotency support on the
// submission routes.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	srv := &Server{
		db:         cfg.DB,
		market:     cfg.Market,
		pricing:    cfg.Pricing,
		attributes: cfg.Attributes,
		logger:     logger,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/offsets", s.GetOffsets)
		api.Get("/offsets/all-listed", s.GetAllListed)
		api.Get("/offsets/find", s.FindOffset)
		api.Get("/offsets/txn", s.GetTransactionInfo)
		api.With(func(next http.Handler) http.Handler {
			return withIdempotency(s.db, next)
		}).Post("/offsets/list", s.PostList)
		api.With(func(next http.Handler) http.Handler {
			return withIdempotency(s.db, next)
		}).Post("/offsets/purchase", s.PostPurchase)
		api.Post("/prices", s.PostPrices)
		api.Get("/attributes/search", s.SearchAttributes)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var body errorBody
	if apiErr, ok := apierr.From(err); ok {
		body.Error.Code = apiErr.Code.Code
		body.Error.Message = apiErr.Error()
		writeJSON(w, apiErr.Code.Status, body)
		return
	}
	s.logger.Printf("server: internal error: %v", err)
	body.Error.Code = http.StatusInternalServerError
	body.Error.Message = "internal error"
	writeJSON(w, http.StatusInternalServerError, body)
}

func decodeJSON(r *http.Request, out interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return apierr.Newf(apierr.InvalidDataFormat, "content type %q is not supported", ct)
	}
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return apierr.Wrap(apierr.InvalidDataFormat, err)
	}
	return nil
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultPageSize, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierr.Newf(apierr.InvalidData, "limit %q is not a number", raw)
	}
	return limit, nil
}

func queryOrder(r *http.Request) market.ListingOrder {
	order := strings.ToUpper(r.URL.Query().Get("order"))
	if order == "" {
		return market.OrderAsc
	}
	return market.ListingOrder(order)
}

// GetOffsets reconciles one account's listed and owned assets.
func (s *Server) GetOffsets(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	state := market.ListingState(strings.ToUpper(r.URL.Query().Get("state")))
	if state == "" {
		state = market.StateAll
	}
	offsets, err := s.market.Offsets(r.Context(),
		r.URL.Query().Get("account"),
		r.URL.Query().Get("token"),
		limit, queryOrder(r), state)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"offsets": offsets})
}

// GetAllListed returns active listings across every account.
func (s *Server) GetAllListed(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	offsets, err := s.market.AllListed(r.Context(), r.URL.Query().Get("token"), limit, queryOrder(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"offsets": offsets})
}

// FindOffset resolves one asset, falling back to mirror-reported ownership
// for assets that are not actively listed.
func (s *Server) FindOffset(w http.ResponseWriter, r *http.Request) {
	tokenID := r.URL.Query().Get("tokenId")
	rawSerial := r.URL.Query().Get("serialNumber")
	if tokenID == "" || rawSerial == "" {
		s.writeError(w, apierr.New(apierr.MissingRequiredField, "tokenId and serialNumber are required"))
		return
	}
	serial, err := strconv.ParseInt(rawSerial, 10, 64)
	if err != nil {
		s.writeError(w, apierr.Newf(apierr.InvalidData, "serial number %q is not a number", rawSerial))
		return
	}
	offset, err := s.market.FindOffset(r.Context(), market.Nft{TokenID: tokenID, SerialNumber: serial})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offset)
}

// GetTransactionInfo resolves a ledger transaction id on the mirror node.
func (s *Server) GetTransactionInfo(w http.ResponseWriter, r *http.Request) {
	record, err := s.market.TransactionInfo(r.Context(), r.URL.Query().Get("transactionId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactionId":      record.TransactionID,
		"consensusTimestamp": record.ConsensusTimestamp,
		"result":             record.Result,
	})
}

// PostList submits a list attempt.
func (s *Server) PostList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID     string             `json:"accountId"`
		TransactionID string             `json:"transactionId"`
		Nfts          []market.PricedNft `json:"nfts"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.market.List(r.Context(), req.AccountID, req.TransactionID, req.Nfts); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"transactionId": req.TransactionID,
		"state":         "APPROVED",
	})
}

// PostPurchase submits a purchase attempt.
func (s *Server) PostPurchase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID     string       `json:"accountId"`
		TransactionID string       `json:"transactionId"`
		Nfts          []market.Nft `json:"nfts"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.market.Purchase(r.Context(), req.AccountID, req.TransactionID, req.Nfts); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"transactionId": req.TransactionID,
		"state":         "APPROVED",
	})
}

// PostPrices estimates asking prices for assets.
func (s *Server) PostPrices(w http.ResponseWriter, r *http.Request) {
	if s.pricing == nil {
		s.writeError(w, apierr.New(apierr.UnknownResource, "price estimation is not configured"))
		return
	}
	var req struct {
		Nfts []market.Nft `json:"nfts"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.Nfts) == 0 {
		s.writeError(w, apierr.New(apierr.MissingRequiredField, "at least one nft is required"))
		return
	}
	for _, asset := range req.Nfts {
		if err := market.ValidateTokenID(asset.TokenID); err != nil {
			s.writeError(w, apierr.Wrap(apierr.InvalidData, err))
			return
		}
	}
	prices, err := s.pricing.Prices(r.Context(), req.Nfts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"prices": prices})
}

// SearchAttributes finds assets matching every attribute criterion in the
// query string.
func (s *Server) SearchAttributes(w http.ResponseWriter, r *http.Request) {
	if s.attributes == nil {
		s.writeError(w, apierr.New(apierr.UnknownResource, "attribute search is not configured"))
		return
	}
	criteria := make(map[string][]string)
	for name, values := range r.URL.Query() {
		criteria[name] = values
	}
	if len(criteria) == 0 {
		s.writeError(w, apierr.New(apierr.MissingRequiredField, "at least one attribute criterion is required"))
		return
	}
	assets, err := s.attributes.Find(r.Context(), criteria)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nfts": assets})
}
