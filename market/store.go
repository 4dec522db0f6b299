package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"hashmarket/models"
)

// Storage sentinels mapped to API errors at the service boundary.
var (
	ErrNotFound = errors.New("market: not found")
	ErrConflict = errors.New("market: conflicting attempt in progress")
)

// AttemptKind tags a pending attempt with its side of the market. It is a
// closed two-variant union; every switch over it handles both and rejects
// anything else.
type AttemptKind uint8

const (
	KindList AttemptKind = iota + 1
	KindPurchase
)

func (k AttemptKind) String() string {
	switch k {
	case KindList:
		return "LIST"
	case KindPurchase:
		return "PURCHASE"
	default:
		return fmt.Sprintf("AttemptKind(%d)", uint8(k))
	}
}

// PendingAttempt is one APPROVED attempt awaiting ledger confirmation.
type PendingAttempt struct {
	TxnID string
	Kind  AttemptKind
}

// Store persists listings and attempts.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore wraps db. now may be nil, in which case time.Now is used.
func NewStore(db *gorm.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}
}

func (s *Store) nowMillis() int64 { return s.now().UnixMilli() }

// AddListing inserts one listing row per asset plus a CREATED attempt. The
// in-transaction conflict check is a fast path; the udx_active_asset partial
// unique index is the real backstop when two submissions for the same asset
// race past the check on a concurrent-writer database.
func (s *Store) AddListing(ctx context.Context, accountID, txnID string, assets []PricedNft) error {
	ts := s.nowMillis()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, asset := range assets {
			var count int64
			if err := tx.Model(&models.Listing{}).
				Where("token_id = ? AND serial_number = ? AND purchase_txn_id IS NULL", asset.TokenID, asset.SerialNumber).
				Count(&count).Error; err != nil {
				return fmt.Errorf("check active listing: %w", err)
			}
			if count > 0 {
				return fmt.Errorf("asset %s/%d already listed: %w", asset.TokenID, asset.SerialNumber, ErrConflict)
			}
		}
		for _, asset := range assets {
			row := models.Listing{
				AccountID:    accountID,
				TokenID:      asset.TokenID,
				SerialNumber: asset.SerialNumber,
				Price:        asset.Price,
				ListingTxnID: txnID,
				CreatedDate:  ts,
				LastUpdate:   ts,
			}
			if err := tx.Create(&row).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return fmt.Errorf("asset %s/%d already listed: %w", asset.TokenID, asset.SerialNumber, ErrConflict)
				}
				return fmt.Errorf("insert listing: %w", err)
			}
		}
		attempt := models.ListingTransaction{
			TransactionID: txnID,
			State:         models.StateCreated,
			CreatedDate:   ts,
			LastUpdate:    ts,
		}
		if err := tx.Create(&attempt).Error; err != nil {
			return fmt.Errorf("insert listing attempt: %w", err)
		}
		return nil
	})
}

// UpdatePurchase claims the active listing row of every asset for txnID and
// records a CREATED purchase attempt linked to the listing's attempt.
func (s *Store) UpdatePurchase(ctx context.Context, txnID string, assets []Nft) error {
	ts := s.nowMillis()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		listingTxnID := ""
		for _, asset := range assets {
			var row models.Listing
			err := tx.
				Where("token_id = ? AND serial_number = ? AND purchase_txn_id IS NULL", asset.TokenID, asset.SerialNumber).
				Order("id").
				First(&row).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				var any int64
				if err := tx.Model(&models.Listing{}).
					Where("token_id = ? AND serial_number = ?", asset.TokenID, asset.SerialNumber).
					Count(&any).Error; err != nil {
					return fmt.Errorf("check listing: %w", err)
				}
				if any > 0 {
					return fmt.Errorf("asset %s/%d has a purchase pending: %w", asset.TokenID, asset.SerialNumber, ErrConflict)
				}
				return fmt.Errorf("asset %s/%d is not listed: %w", asset.TokenID, asset.SerialNumber, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("load listing: %w", err)
			}
			if listingTxnID == "" {
				listingTxnID = row.ListingTxnID
			}
			res := tx.Model(&models.Listing{}).
				Where("id = ? AND purchase_txn_id IS NULL", row.ID).
				Updates(map[string]interface{}{"purchase_txn_id": txnID, "last_update": ts})
			if res.Error != nil {
				return fmt.Errorf("claim listing: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("asset %s/%d has a purchase pending: %w", asset.TokenID, asset.SerialNumber, ErrConflict)
			}
		}
		attempt := models.PurchasedTransaction{
			TransactionID: txnID,
			ListingTxnID:  listingTxnID,
			State:         models.StateCreated,
			CreatedDate:   ts,
			LastUpdate:    ts,
		}
		if err := tx.Create(&attempt).Error; err != nil {
			return fmt.Errorf("insert purchase attempt: %w", err)
		}
		return nil
	})
}

func (s *Store) approve(ctx context.Context, model interface{}, txnID string, load func(*gorm.DB) (models.TxnState, error)) error {
	ts := s.nowMillis()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, err := load(tx)
		if err != nil {
			return err
		}
		if err := models.ValidateTransition(state, models.StateApproved); err != nil {
			return err
		}
		return tx.Model(model).
			Where("transaction_id = ?", txnID).
			Updates(map[string]interface{}{"state": models.StateApproved, "last_update": ts}).Error
	})
}

// ApproveListing moves a listing attempt from CREATED to APPROVED.
func (s *Store) ApproveListing(ctx context.Context, txnID string) error {
	return s.approve(ctx, &models.ListingTransaction{}, txnID, func(tx *gorm.DB) (models.TxnState, error) {
		var attempt models.ListingTransaction
		if err := tx.Where("transaction_id = ?", txnID).First(&attempt).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return "", fmt.Errorf("listing attempt %s: %w", txnID, ErrNotFound)
			}
			return "", fmt.Errorf("load listing attempt: %w", err)
		}
		return attempt.State, nil
	})
}

// ApprovePurchase moves a purchase attempt from CREATED to APPROVED.
func (s *Store) ApprovePurchase(ctx context.Context, txnID string) error {
	return s.approve(ctx, &models.PurchasedTransaction{}, txnID, func(tx *gorm.DB) (models.TxnState, error) {
		var attempt models.PurchasedTransaction
		if err := tx.Where("transaction_id = ?", txnID).First(&attempt).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return "", fmt.Errorf("purchase attempt %s: %w", txnID, ErrNotFound)
			}
			return "", fmt.Errorf("load purchase attempt: %w", err)
		}
		return attempt.State, nil
	})
}

// FinalizeListing moves a listing attempt from APPROVED to LISTED. The state
// predicate makes the update a no-op when a sweep or an earlier tick got
// there first; the return value reports whether this call transitioned it.
func (s *Store) FinalizeListing(ctx context.Context, txnID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.ListingTransaction{}).
		Where("transaction_id = ? AND state = ?", txnID, models.StateApproved).
		Updates(map[string]interface{}{"state": models.StateListed, "last_update": s.nowMillis()})
	if res.Error != nil {
		return false, fmt.Errorf("finalize listing %s: %w", txnID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// FinalizePurchase moves a purchase attempt from APPROVED to PURCHASED.
func (s *Store) FinalizePurchase(ctx context.Context, txnID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.PurchasedTransaction{}).
		Where("transaction_id = ? AND state = ?", txnID, models.StateApproved).
		Updates(map[string]interface{}{"state": models.StatePurchased, "last_update": s.nowMillis()})
	if res.Error != nil {
		return false, fmt.Errorf("finalize purchase %s: %w", txnID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// FindActiveListing returns the active (no purchase pending) listing row for
// the asset, or nil when there is none.
func (s *Store) FindActiveListing(ctx context.Context, asset Nft) (*models.Listing, error) {
	var row models.Listing
	err := s.db.WithContext(ctx).
		Where("token_id = ? AND serial_number = ? AND purchase_txn_id IS NULL", asset.TokenID, asset.SerialNumber).
		Order("id").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load active listing: %w", err)
	}
	return &row, nil
}

// HasListing reports whether any listing row exists for the asset,
// regardless of purchase state.
func (s *Store) HasListing(ctx context.Context, asset Nft) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Listing{}).
		Where("token_id = ? AND serial_number = ?", asset.TokenID, asset.SerialNumber).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count listings: %w", err)
	}
	return count > 0, nil
}

// ListedByAccount returns the account's active listing rows.
func (s *Store) ListedByAccount(ctx context.Context, accountID string) ([]models.Listing, error) {
	var rows []models.Listing
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND purchase_txn_id IS NULL", accountID).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load listings for %s: %w", accountID, err)
	}
	return rows, nil
}

// AllListed returns every active listing row across accounts.
func (s *Store) AllListed(ctx context.Context) ([]models.Listing, error) {
	var rows []models.Listing
	err := s.db.WithContext(ctx).
		Where("purchase_txn_id IS NULL").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load listings: %w", err)
	}
	return rows, nil
}

// ListingHistory returns every listing row ever recorded for the asset,
// oldest first.
func (s *Store) ListingHistory(ctx context.Context, asset Nft) ([]models.Listing, error) {
	var rows []models.Listing
	err := s.db.WithContext(ctx).
		Where("token_id = ? AND serial_number = ?", asset.TokenID, asset.SerialNumber).
		Order("created_date, id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load listing history for %s/%d: %w", asset.TokenID, asset.SerialNumber, err)
	}
	return rows, nil
}

// ListingsByListingTxnID returns the listing rows created by one attempt.
func (s *Store) ListingsByListingTxnID(ctx context.Context, txnID string) ([]models.Listing, error) {
	var rows []models.Listing
	err := s.db.WithContext(ctx).Where("listing_txn_id = ?", txnID).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load listings by attempt %s: %w", txnID, err)
	}
	return rows, nil
}

// ListingsByPurchaseTxnID returns the listing rows claimed by one purchase.
func (s *Store) ListingsByPurchaseTxnID(ctx context.Context, txnID string) ([]models.Listing, error) {
	var rows []models.Listing
	err := s.db.WithContext(ctx).Where("purchase_txn_id = ?", txnID).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load listings by purchase %s: %w", txnID, err)
	}
	return rows, nil
}

// ExpiredListingTxnIDs returns listing attempts stuck in state at or before
// cutoff (epoch millis).
func (s *Store) ExpiredListingTxnIDs(ctx context.Context, state models.TxnState, cutoff int64) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.ListingTransaction{}).
		Where("state = ? AND last_update <= ?", state, cutoff).
		Pluck("transaction_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("select expired listing attempts: %w", err)
	}
	return ids, nil
}

// ExpiredPurchaseTxnIDs returns purchase attempts stuck in state at or
// before cutoff.
func (s *Store) ExpiredPurchaseTxnIDs(ctx context.Context, state models.TxnState, cutoff int64) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.PurchasedTransaction{}).
		Where("state = ? AND last_update <= ?", state, cutoff).
		Pluck("transaction_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("select expired purchase attempts: %w", err)
	}
	return ids, nil
}

// RemoveListingAttempts deletes the attempts and their listing rows,
// returning (attempts deleted, listings deleted).
func (s *Store) RemoveListingAttempts(ctx context.Context, txnIDs []string) (int64, int64, error) {
	if len(txnIDs) == 0 {
		return 0, 0, nil
	}
	var attempts, listings int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("transaction_id IN ?", txnIDs).Delete(&models.ListingTransaction{})
		if res.Error != nil {
			return fmt.Errorf("delete listing attempts: %w", res.Error)
		}
		attempts = res.RowsAffected
		res = tx.Where("listing_txn_id IN ?", txnIDs).Delete(&models.Listing{})
		if res.Error != nil {
			return fmt.Errorf("delete listings: %w", res.Error)
		}
		listings = res.RowsAffected
		return nil
	})
	return attempts, listings, err
}

// RemovePurchaseAttempts releases the claimed listing rows and deletes the
// attempts, returning (attempts deleted, listings released). Released rows
// become active listings again, except when the asset was relisted while the
// purchase was pending; the newer active row keeps udx_active_asset and the
// claimed row stays as history.
func (s *Store) RemovePurchaseAttempts(ctx context.Context, txnIDs []string) (int64, int64, error) {
	if len(txnIDs) == 0 {
		return 0, 0, nil
	}
	ts := s.nowMillis()
	var attempts, released int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Listing{}).
			Where("purchase_txn_id IN ?", txnIDs).
			Where("NOT EXISTS (SELECT 1 FROM listings active WHERE active.token_id = listings.token_id AND active.serial_number = listings.serial_number AND active.purchase_txn_id IS NULL)").
			Updates(map[string]interface{}{"purchase_txn_id": nil, "last_update": ts})
		if res.Error != nil {
			return fmt.Errorf("release listings: %w", res.Error)
		}
		released = res.RowsAffected
		res = tx.Where("transaction_id IN ?", txnIDs).Delete(&models.PurchasedTransaction{})
		if res.Error != nil {
			return fmt.Errorf("delete purchase attempts: %w", res.Error)
		}
		attempts = res.RowsAffected
		return nil
	})
	return attempts, released, err
}

// PendingAttempts returns APPROVED attempts whose last update is at or
// before cutoff, tagged by side.
func (s *Store) PendingAttempts(ctx context.Context, cutoff int64) ([]PendingAttempt, error) {
	var listIDs []string
	err := s.db.WithContext(ctx).Model(&models.ListingTransaction{}).
		Where("state = ? AND last_update <= ?", models.StateApproved, cutoff).
		Order("last_update").
		Pluck("transaction_id", &listIDs).Error
	if err != nil {
		return nil, fmt.Errorf("select pending listing attempts: %w", err)
	}
	var purchaseIDs []string
	err = s.db.WithContext(ctx).Model(&models.PurchasedTransaction{}).
		Where("state = ? AND last_update <= ?", models.StateApproved, cutoff).
		Order("last_update").
		Pluck("transaction_id", &purchaseIDs).Error
	if err != nil {
		return nil, fmt.Errorf("select pending purchase attempts: %w", err)
	}
	pending := make([]PendingAttempt, 0, len(listIDs)+len(purchaseIDs))
	for _, id := range listIDs {
		pending = append(pending, PendingAttempt{TxnID: id, Kind: KindList})
	}
	for _, id := range purchaseIDs {
		pending = append(pending, PendingAttempt{TxnID: id, Kind: KindPurchase})
	}
	return pending, nil
}
