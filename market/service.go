package market

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"hashmarket/apierr"
	"hashmarket/mirror"
)

// MaxPageSize bounds the limit parameter of reconciliation queries.
const MaxPageSize = 100

// Submitter sends marketplace allow-list calls to the ledger gateway.
type Submitter interface {
	AllowList(ctx context.Context, txnID, accountID string, assets []PricedNft) error
	AllowPurchase(ctx context.Context, txnID, accountID string, assets []Nft) error
}

// Enricher queues assets for attribute enrichment.
type Enricher interface {
	Enqueue(ctx context.Context, tokenID string, serialNumber int64) error
}

// Config wires a Service.
type Config struct {
	Store     *Store
	Mirror    mirror.Reader
	Submitter Submitter
	Enricher  Enricher
	Logger    *log.Logger
}

// Service coordinates submissions and reconciles the market view.
type Service struct {
	store     *Store
	mirror    mirror.Reader
	submitter Submitter
	enricher  Enricher
	logger    *log.Logger
}

// NewService validates cfg and builds a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("market: store is required")
	}
	if cfg.Mirror == nil {
		return nil, errors.New("market: mirror reader is required")
	}
	if cfg.Submitter == nil {
		return nil, errors.New("market: submitter is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:     cfg.Store,
		mirror:    cfg.Mirror,
		submitter: cfg.Submitter,
		enricher:  cfg.Enricher,
		logger:    logger,
	}, nil
}

func validateSubmission(accountID, txnID string, assets []Nft) error {
	if strings.TrimSpace(accountID) == "" {
		return apierr.New(apierr.MissingRequiredField, "accountId is required")
	}
	if strings.TrimSpace(txnID) == "" {
		return apierr.New(apierr.MissingRequiredField, "transactionId is required")
	}
	if len(assets) == 0 {
		return apierr.New(apierr.MissingRequiredField, "at least one nft is required")
	}
	if _, err := mirror.TranslateTransactionID(txnID); err != nil {
		return apierr.Wrap(apierr.InvalidData, err)
	}
	for _, asset := range assets {
		if err := ValidateTokenID(asset.TokenID); err != nil {
			return apierr.Wrap(apierr.InvalidData, err)
		}
		if asset.SerialNumber <= 0 {
			return apierr.Newf(apierr.InvalidData, "serial number %d is not positive", asset.SerialNumber)
		}
	}
	return nil
}

// List records a list attempt for the account's assets and submits the
// allow-list call to the ledger. On submitter failure the attempt stays
// CREATED and is removed later by the expiry sweep.
func (s *Service) List(ctx context.Context, accountID, txnID string, assets []PricedNft) error {
	bare := make([]Nft, len(assets))
	for i, asset := range assets {
		bare[i] = asset.Nft
	}
	if err := validateSubmission(accountID, txnID, bare); err != nil {
		return err
	}
	for _, asset := range assets {
		if asset.Price <= 0 {
			return apierr.Newf(apierr.InvalidData, "price %d is not positive", asset.Price)
		}
	}
	for _, asset := range assets {
		active, err := s.store.FindActiveListing(ctx, asset.Nft)
		if err != nil {
			return err
		}
		if active != nil {
			return apierr.Newf(apierr.AlreadyInProgress, "asset %s/%d is already listed", asset.TokenID, asset.SerialNumber)
		}
	}
	if err := s.store.AddListing(ctx, accountID, txnID, assets); err != nil {
		if errors.Is(err, ErrConflict) {
			return apierr.Wrap(apierr.AlreadyInProgress, err)
		}
		return err
	}
	if s.enricher != nil {
		for _, asset := range assets {
			if err := s.enricher.Enqueue(ctx, asset.TokenID, asset.SerialNumber); err != nil {
				s.logger.Printf("market: enqueue enrichment for %s/%d: %v", asset.TokenID, asset.SerialNumber, err)
			}
		}
	}
	if err := s.submitter.AllowList(ctx, txnID, accountID, assets); err != nil {
		return fmt.Errorf("submit allow-list %s: %w", txnID, err)
	}
	return s.store.ApproveListing(ctx, txnID)
}

// Purchase claims the assets' active listings for the buyer and submits the
// purchase call. Claiming and the conflicting-attempt check happen in one
// store transaction.
func (s *Service) Purchase(ctx context.Context, accountID, txnID string, assets []Nft) error {
	if err := validateSubmission(accountID, txnID, assets); err != nil {
		return err
	}
	exists, err := s.mirror.AccountExists(ctx, accountID)
	if err != nil {
		return fmt.Errorf("check account %s: %w", accountID, err)
	}
	if !exists {
		return apierr.Newf(apierr.UnknownResource, "account %s does not exist", accountID)
	}
	if err := s.store.UpdatePurchase(ctx, txnID, assets); err != nil {
		switch {
		case errors.Is(err, ErrConflict):
			return apierr.Wrap(apierr.AlreadyInProgress, err)
		case errors.Is(err, ErrNotFound):
			return apierr.Wrap(apierr.UnknownResource, err)
		}
		return err
	}
	if err := s.submitter.AllowPurchase(ctx, txnID, accountID, assets); err != nil {
		return fmt.Errorf("submit purchase %s: %w", txnID, err)
	}
	return s.store.ApprovePurchase(ctx, txnID)
}

func validateQuery(tokenFilter string, limit int, order ListingOrder, state ListingState) error {
	if limit <= 0 || limit > MaxPageSize {
		return apierr.Newf(apierr.InvalidData, "limit must be between 1 and %d", MaxPageSize)
	}
	if order != OrderAsc && order != OrderDesc {
		return apierr.Newf(apierr.InvalidData, "order %q must be ASC or DESC", order)
	}
	switch state {
	case StateListed, StateUnlisted, StateAll:
	default:
		return apierr.Newf(apierr.InvalidData, "state %q must be LISTED, UNLISTED or ALL", state)
	}
	if err := ValidateTokenFilter(tokenFilter); err != nil {
		return apierr.Wrap(apierr.InvalidData, err)
	}
	return nil
}

// tokenFilterFunc turns a gt:/lt: cursor expression into a token predicate.
func tokenFilterFunc(filter string) func(tokenID string) bool {
	if filter == "" {
		return func(string) bool { return true }
	}
	pivot := keyOf(filter[3:], 0)
	if strings.HasPrefix(filter, "gt:") {
		return func(tokenID string) bool { return pivot.less(keyOf(tokenID, 0)) }
	}
	return func(tokenID string) bool { return keyOf(tokenID, 0).less(pivot) }
}

// Offsets reconciles the account's market view: active local listings merged
// with mirror-reported holdings, deduplicated by asset identity with the
// local row winning. A LISTED or UNLISTED state filter skips the unused
// source entirely.
func (s *Service) Offsets(ctx context.Context, accountID, tokenFilter string, limit int, order ListingOrder, state ListingState) ([]Offset, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, apierr.New(apierr.MissingRequiredField, "account is required")
	}
	if err := validateQuery(tokenFilter, limit, order, state); err != nil {
		return nil, err
	}
	exists, err := s.mirror.AccountExists(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("check account %s: %w", accountID, err)
	}
	if !exists {
		return nil, apierr.Newf(apierr.UnknownResource, "account %s does not exist", accountID)
	}

	keep := tokenFilterFunc(tokenFilter)
	var merged []Offset
	seen := make(map[Nft]struct{})

	if state != StateUnlisted {
		rows, err := s.store.ListedByAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if !keep(row.TokenID) {
				continue
			}
			price := row.Price
			offset := Offset{
				AccountID:    row.AccountID,
				TokenID:      row.TokenID,
				SerialNumber: row.SerialNumber,
				Price:        &price,
				State:        StateListed,
				ListingTxnID: row.ListingTxnID,
			}
			merged = append(merged, offset)
			seen[offset.asset()] = struct{}{}
		}
	}

	if state != StateListed {
		owned, err := s.mirror.AccountNfts(ctx, accountID, tokenFilter, string(order), limit)
		if err != nil {
			return nil, fmt.Errorf("load owned nfts for %s: %w", accountID, err)
		}
		for _, nft := range owned {
			asset := Nft{TokenID: nft.TokenID, SerialNumber: nft.SerialNumber}
			if _, dup := seen[asset]; dup {
				continue
			}
			merged = append(merged, Offset{
				AccountID:    accountID,
				TokenID:      nft.TokenID,
				SerialNumber: nft.SerialNumber,
				State:        StateUnlisted,
			})
		}
	}

	sortOffsets(merged)
	if order == OrderDesc {
		for i, j := 0, len(merged)-1; i < j; i, j = i+1, j-1 {
			merged[i], merged[j] = merged[j], merged[i]
		}
	}
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// FindOffset resolves one asset's offset. An active listing row answers
// directly; otherwise the mirror node's token index is consulted for the
// current owner and the asset comes back UNLISTED. Either way the offset
// carries the asset's full listing history.
func (s *Service) FindOffset(ctx context.Context, asset Nft) (*Offset, error) {
	if err := ValidateTokenID(asset.TokenID); err != nil {
		return nil, apierr.Wrap(apierr.InvalidData, err)
	}
	if asset.SerialNumber <= 0 {
		return nil, apierr.Newf(apierr.InvalidData, "serial number %d is not positive", asset.SerialNumber)
	}
	rows, err := s.store.ListingHistory(ctx, asset)
	if err != nil {
		return nil, err
	}
	history := make([]ListingRecord, 0, len(rows))
	for _, row := range rows {
		record := ListingRecord{
			AccountID:    row.AccountID,
			Price:        row.Price,
			ListingTxnID: row.ListingTxnID,
			CreatedDate:  row.CreatedDate,
			LastUpdate:   row.LastUpdate,
		}
		if row.PurchaseTxnID != nil {
			record.PurchaseTxnID = *row.PurchaseTxnID
		}
		history = append(history, record)
	}
	active, err := s.store.FindActiveListing(ctx, asset)
	if err != nil {
		return nil, err
	}
	if active != nil {
		price := active.Price
		return &Offset{
			AccountID:    active.AccountID,
			TokenID:      active.TokenID,
			SerialNumber: active.SerialNumber,
			Price:        &price,
			State:        StateListed,
			ListingTxnID: active.ListingTxnID,
			History:      history,
		}, nil
	}
	owned, err := s.mirror.Nft(ctx, asset.TokenID, asset.SerialNumber)
	if err != nil {
		return nil, fmt.Errorf("look up nft %s/%d: %w", asset.TokenID, asset.SerialNumber, err)
	}
	if owned == nil {
		return nil, apierr.Newf(apierr.UnknownResource, "nft %s/%d does not exist", asset.TokenID, asset.SerialNumber)
	}
	return &Offset{
		AccountID:    owned.AccountID,
		TokenID:      asset.TokenID,
		SerialNumber: asset.SerialNumber,
		State:        StateUnlisted,
		History:      history,
	}, nil
}

// AllListed returns active listings across all accounts, same ordering and
// paging rules as Offsets.
func (s *Service) AllListed(ctx context.Context, tokenFilter string, limit int, order ListingOrder) ([]Offset, error) {
	if err := validateQuery(tokenFilter, limit, order, StateListed); err != nil {
		return nil, err
	}
	rows, err := s.store.AllListed(ctx)
	if err != nil {
		return nil, err
	}
	keep := tokenFilterFunc(tokenFilter)
	var offsets []Offset
	for _, row := range rows {
		if !keep(row.TokenID) {
			continue
		}
		price := row.Price
		offsets = append(offsets, Offset{
			AccountID:    row.AccountID,
			TokenID:      row.TokenID,
			SerialNumber: row.SerialNumber,
			Price:        &price,
			State:        StateListed,
			ListingTxnID: row.ListingTxnID,
		})
	}
	sortOffsets(offsets)
	if order == OrderDesc {
		for i, j := 0, len(offsets)-1; i < j; i, j = i+1, j-1 {
			offsets[i], offsets[j] = offsets[j], offsets[i]
		}
	}
	if len(offsets) > limit {
		offsets = offsets[:limit]
	}
	return offsets, nil
}

// TransactionInfo resolves a ledger transaction id against the mirror node.
func (s *Service) TransactionInfo(ctx context.Context, txnID string) (*mirror.TransactionRecord, error) {
	if strings.TrimSpace(txnID) == "" {
		return nil, apierr.New(apierr.MissingRequiredField, "transactionId is required")
	}
	mirrorID, err := mirror.TranslateTransactionID(txnID)
	if err != nil {
		return nil, apierr.Wrap(apierr.InvalidData, err)
	}
	record, err := s.mirror.Transaction(ctx, mirrorID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, apierr.Newf(apierr.UnknownResource, "transaction %s not found", txnID)
	}
	return record, nil
}
