package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/craftfocus/makerbooks_backend/config"
	"bitbucket.org/craftfocus/makerbooks_backend/models"
	"bitbucket.org/craftfocus/makerbooks_backend/utils"
	"github.com/shopspring/decimal"
)

// ledger-verify compares each item's cached quantity against the sum of its
// open lot remainders and reports divergences. With --flag-audit, mismatched
// items are marked needs_audit for manual review; quantities are never
// auto-corrected.
func main() {
	businessID := flag.String("business-id", "", "Optional: restrict to one business id")
	itemID := flag.Int("item-id", 0, "Optional: restrict to one item id (requires --business-id)")
	flagAudit := flag.Bool("flag-audit", false, "Mark mismatched items needs_audit")
	flag.Parse()

	if *itemID > 0 && strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--item-id requires --business-id")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	// Cross-tenant scan: the tenant guard must not scope these queries.
	ctx := utils.SetSkipTenantScopeInContext(context.Background(), true)

	type row struct {
		BusinessId   string
		ItemId       int
		Name         string
		QuantityBase decimal.Decimal
		LotSum       decimal.Decimal
	}
	var rows []row
	q := db.WithContext(ctx).Raw(`
		SELECT i.business_id, i.id AS item_id, i.name, i.quantity_base,
		       COALESCE(SUM(l.qty_remaining_base), 0) AS lot_sum
		FROM inventory_items i
		LEFT JOIN inventory_lots l
		  ON l.business_id = i.business_id AND l.item_id = i.id AND l.source <> ?
		WHERE (? = '' OR i.business_id = ?)
		  AND (? = 0 OR i.id = ?)
		GROUP BY i.business_id, i.id, i.name, i.quantity_base
	`, models.LotSourceInfiniteAnchor, *businessID, *businessID, *itemID, *itemID)
	if err := q.Scan(&rows).Error; err != nil {
		fmt.Fprintf(os.Stderr, "scan items: %v\n", err)
		os.Exit(1)
	}

	mismatches := 0
	for _, r := range rows {
		if r.QuantityBase.Equal(r.LotSum) {
			continue
		}
		mismatches++
		fmt.Printf("MISMATCH business=%s item=%d (%s) cached=%s lot_sum=%s diff=%s\n",
			r.BusinessId, r.ItemId, r.Name, r.QuantityBase.String(), r.LotSum.String(),
			r.QuantityBase.Sub(r.LotSum).String())

		if *flagAudit {
			if err := db.WithContext(ctx).Model(&models.InventoryItem{}).
				Where("business_id = ? AND id = ?", r.BusinessId, r.ItemId).
				Update("needs_audit", true).Error; err != nil {
				fmt.Fprintf(os.Stderr, "flag audit failed for item %d: %v\n", r.ItemId, err)
				os.Exit(1)
			}
		}
	}

	fmt.Printf("checked %d items, %d mismatched\n", len(rows), mismatches)
	if mismatches > 0 {
		os.Exit(2)
	}
}
