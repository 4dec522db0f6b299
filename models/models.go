package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// TxnState represents a state in the attempt lifecycle.
type TxnState string

// All lifecycle states.
const (
	StateCreated   TxnState = "CREATED"
	StateApproved  TxnState = "APPROVED"
	StateListed    TxnState = "LISTED"
	StatePurchased TxnState = "PURCHASED"
)

var allowedTransitions = map[TxnState][]TxnState{
	StateCreated:  {StateApproved},
	StateApproved: {StateListed, StatePurchased},
}

// ValidateTransition ensures the transition follows the defined state machine.
func ValidateTransition(current, next TxnState) error {
	if current == next {
		return nil
	}
	allowed, ok := allowedTransitions[current]
	if !ok {
		return fmt.Errorf("no transitions allowed from %s", current)
	}
	for _, state := range allowed {
		if state == next {
			return nil
		}
	}
	return fmt.Errorf("transition from %s to %s is not permitted", current, next)
}

// Listing is one asset offered for sale. PurchaseTxnID is set while a
// purchase attempt is in flight; an active listing has it unset. The partial
// unique index keeps at most one active row per asset even under concurrent
// submissions.
type Listing struct {
	ID            int64   `gorm:"primaryKey;autoIncrement"`
	AccountID     string  `gorm:"size:64;index"`
	TokenID       string  `gorm:"size:64;index:idx_listing_asset;index:udx_active_asset,unique,where:purchase_txn_id IS NULL"`
	SerialNumber  int64   `gorm:"index:idx_listing_asset;index:udx_active_asset,unique,where:purchase_txn_id IS NULL"`
	Price         int64   `gorm:"not null"`
	ListingTxnID  string  `gorm:"size:128;index"`
	PurchaseTxnID *string `gorm:"size:128;index"`
	CreatedDate   int64
	LastUpdate    int64
}

// ListingTransaction tracks a list attempt through its lifecycle.
type ListingTransaction struct {
	ID            int64    `gorm:"primaryKey;autoIncrement"`
	TransactionID string   `gorm:"size:128;uniqueIndex"`
	State         TxnState `gorm:"size:32;index"`
	CreatedDate   int64    `gorm:"index"`
	LastUpdate    int64    `gorm:"index"`
}

// PurchasedTransaction tracks a purchase attempt. ListingTxnID links back to
// the allow-list attempt of the listing being bought.
type PurchasedTransaction struct {
	ID            int64    `gorm:"primaryKey;autoIncrement"`
	TransactionID string   `gorm:"size:128;uniqueIndex"`
	ListingTxnID  string   `gorm:"size:128"`
	State         TxnState `gorm:"size:32;index"`
	CreatedDate   int64    `gorm:"index"`
	LastUpdate    int64    `gorm:"index"`
}

// TokenAttributeSet groups the attribute document fetched for one asset.
type TokenAttributeSet struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	TokenID      string `gorm:"size:64;index:idx_attr_asset,unique"`
	SerialNumber int64  `gorm:"index:idx_attr_asset,unique"`
	LoadedAt     time.Time
	Attributes   []TokenAttribute `gorm:"foreignKey:SetID"`
}

// TokenAttribute is one name/value pair of an attribute set.
type TokenAttribute struct {
	ID    int64  `gorm:"primaryKey;autoIncrement"`
	SetID int64  `gorm:"index"`
	Name  string `gorm:"size:128;index:idx_attr_pair"`
	Value string `gorm:"size:255;index:idx_attr_pair"`
}

// AttributeLoadTask is one queued enrichment fetch. Locked marks a task
// claimed by a loader pass; failed passes unlock it for retry.
type AttributeLoadTask struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	TokenID      string `gorm:"size:64;index:idx_load_asset,unique"`
	SerialNumber int64  `gorm:"index:idx_load_asset,unique"`
	Locked       bool   `gorm:"index"`
	CreatedAt    time.Time
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Listing{},
		&ListingTransaction{},
		&PurchasedTransaction{},
		&TokenAttributeSet{},
		&TokenAttribute{},
		&AttributeLoadTask{},
		&IdempotencyKey{},
	)
}
