// Package market holds the marketplace domain: listings, purchase attempts,
// and the reconciled offset view of who owns and sells what.
package market

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Nft identifies one serial of a token, token ids in shard.realm.num form.
type Nft struct {
	TokenID      string `json:"tokenId"`
	SerialNumber int64  `json:"serialNumber"`
}

// PricedNft is an Nft with its asking price in minor units.
type PricedNft struct {
	Nft
	Price int64 `json:"price"`
}

// ListingState classifies an offset row.
type ListingState string

const (
	StateListed   ListingState = "LISTED"
	StateUnlisted ListingState = "UNLISTED"
	StateAll      ListingState = "ALL"
)

// ListingOrder is the sort direction of reconciled results.
type ListingOrder string

const (
	OrderAsc  ListingOrder = "ASC"
	OrderDesc ListingOrder = "DESC"
)

// Offset is the reconciled read model of one asset: either actively listed
// locally or merely owned according to the mirror node. History carries the
// asset's listing rows oldest first; merged account views leave it empty and
// single-asset lookups fill it.
type Offset struct {
	AccountID     string          `json:"accountId"`
	TokenID       string          `json:"tokenId"`
	SerialNumber  int64           `json:"serialNumber"`
	Price         *int64          `json:"price,omitempty"`
	State         ListingState    `json:"state"`
	ListingTxnID  string          `json:"listingTransactionId,omitempty"`
	PurchaseTxnID string          `json:"purchaseTransactionId,omitempty"`
	History       []ListingRecord `json:"history,omitempty"`
}

// ListingRecord is one row of an asset's listing history.
type ListingRecord struct {
	AccountID     string `json:"accountId"`
	Price         int64  `json:"price"`
	ListingTxnID  string `json:"listingTransactionId"`
	PurchaseTxnID string `json:"purchaseTransactionId,omitempty"`
	CreatedDate   int64  `json:"createdDate"`
	LastUpdate    int64  `json:"lastUpdate"`
}

func (o Offset) asset() Nft {
	return Nft{TokenID: o.TokenID, SerialNumber: o.SerialNumber}
}

// tokenKey orders token ids numerically by shard, realm and num so that
// 0.0.9 sorts before 0.0.10.
type tokenKey struct {
	shard, realm, num, serial int64
}

func keyOf(tokenID string, serial int64) tokenKey {
	k := tokenKey{serial: serial}
	parts := strings.SplitN(tokenID, ".", 3)
	if len(parts) == 3 {
		k.shard, _ = strconv.ParseInt(parts[0], 10, 64)
		k.realm, _ = strconv.ParseInt(parts[1], 10, 64)
		k.num, _ = strconv.ParseInt(parts[2], 10, 64)
	}
	return k
}

func (k tokenKey) less(other tokenKey) bool {
	if k.shard != other.shard {
		return k.shard < other.shard
	}
	if k.realm != other.realm {
		return k.realm < other.realm
	}
	if k.num != other.num {
		return k.num < other.num
	}
	return k.serial < other.serial
}

// sortOffsets orders offsets by asset identity, ascending.
func sortOffsets(offsets []Offset) {
	sort.SliceStable(offsets, func(i, j int) bool {
		return keyOf(offsets[i].TokenID, offsets[i].SerialNumber).
			less(keyOf(offsets[j].TokenID, offsets[j].SerialNumber))
	})
}

// ValidateTokenID checks the shard.realm.num form.
func ValidateTokenID(tokenID string) error {
	parts := strings.SplitN(tokenID, ".", 3)
	if len(parts) != 3 {
		return fmt.Errorf("token id %q is not shard.realm.num", tokenID)
	}
	for _, p := range parts {
		if _, err := strconv.ParseInt(p, 10, 64); err != nil {
			return fmt.Errorf("token id %q is not shard.realm.num", tokenID)
		}
	}
	return nil
}

// ValidateTokenFilter checks a gt:/lt: token.id cursor expression.
func ValidateTokenFilter(filter string) error {
	if filter == "" {
		return nil
	}
	rest, ok := strings.CutPrefix(filter, "gt:")
	if !ok {
		rest, ok = strings.CutPrefix(filter, "lt:")
	}
	if !ok {
		return fmt.Errorf("token filter %q must start with gt: or lt:", filter)
	}
	return ValidateTokenID(rest)
}
