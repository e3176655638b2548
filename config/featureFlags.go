package config

import (
	"os"
	"strings"
)

// DeductExpiredLotsByDefault widens the FIFO pool to include expired lots
// without requiring the per-request include flag.
//
// Set via env:
// - DEDUCT_EXPIRED_LOTS=true
//
// Default is false: expired lots require an explicit override on the
// adjustment request.
func DeductExpiredLotsByDefault() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("DEDUCT_EXPIRED_LOTS")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// StrictLedgerSyncChecks enables the lot-sum integrity re-check after every
// mutating adjustment, not just at verification time.
//
// Set via env:
// - STRICT_LEDGER_SYNC=true
func StrictLedgerSyncChecks() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STRICT_LEDGER_SYNC")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
