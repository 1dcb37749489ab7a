package projection

import (
	"context"
	"database/sql"
	"fmt"

	"SafetyLedger/internal/ledger"

	"github.com/holiman/uint256"
)

// LoadRedemptionHistory fills h from projections.redemptions and returns the
// number of rows loaded.
func LoadRedemptionHistory(ctx context.Context, db *sql.DB, h *RedemptionHistory) (int, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT redemption_id, reserve_pool_id, owner, receiver,
		       receipt_token_amount::TEXT, COALESCE(queued_asset_amount::TEXT, ''), COALESCE(paid_asset_amount::TEXT, ''),
		       status, queued_at, COALESCE(settled_at, 0), last_sequence
		FROM projections.redemptions
		ORDER BY redemption_id
	`)
	if err != nil {
		return 0, fmt.Errorf("query redemptions: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var (
			id, poolID, queuedAt, settledAt int64
			owner, receiver, status         string
			receipt, queued, paid           string
			entry                           RedemptionHistoryEntry
		)
		if err := rows.Scan(&id, &poolID, &owner, &receiver, &receipt, &queued, &paid,
			&status, &queuedAt, &settledAt, &entry.LastSequence); err != nil {
			return n, fmt.Errorf("scan redemption: %w", err)
		}
		entry.RedemptionID = uint64(id)
		entry.PoolID = uint16(poolID)
		entry.Owner = ledger.Address(owner)
		entry.Receiver = ledger.Address(receiver)
		entry.Status = status
		entry.QueuedAt = uint64(queuedAt)
		entry.SettledAt = uint64(settledAt)

		if entry.ReceiptTokenAmount, err = uint256.FromDecimal(receipt); err != nil {
			return n, fmt.Errorf("redemption %d receipt amount: %w", id, err)
		}
		if queued != "" {
			if entry.QueuedAssetAmount, err = uint256.FromDecimal(queued); err != nil {
				return n, fmt.Errorf("redemption %d queued amount: %w", id, err)
			}
		}
		if paid != "" {
			if entry.PaidAssetAmount, err = uint256.FromDecimal(paid); err != nil {
				return n, fmt.Errorf("redemption %d paid amount: %w", id, err)
			}
		}
		h.Restore(entry)
		n++
	}
	return n, rows.Err()
}
