package mirror

import (
	"fmt"
	"regexp"
)

// Ledger transaction ids look like 0.0.2252@1640075693.891386528, optionally
// followed by /nonce and a ?schedule marker. The mirror node addresses the
// same transaction as 0.0.2252-1640075693-891386528.
var txnIDPattern = regexp.MustCompile(`(?i)^(\d+\.\d+\.\d+)@(\d+)\.(\d+)(?:/\d+)?(?:/?\?schedule)?$`)

// TranslateTransactionID rewrites a ledger transaction id into the mirror
// node path form. Inputs that do not match the ledger format are rejected
// rather than partially translated.
func TranslateTransactionID(id string) (string, error) {
	m := txnIDPattern.FindStringSubmatch(id)
	if m == nil {
		return "", fmt.Errorf("transaction id %q is not in ledger format", id)
	}
	return fmt.Sprintf("%s-%s-%s", m[1], m[2], m[3]), nil
}
