package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"SafetyLedger/internal/ledger"

	"github.com/shopspring/decimal"
)

// AccountBalanceResponse is a projected ledger account balance. External
// accounts carry negative balances.
type AccountBalanceResponse struct {
	AccountPath  string          `json:"account_path"`
	Asset        string          `json:"asset"`
	Balance      decimal.Decimal `json:"balance"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// ReceiptBalanceResponse is an account's receipt token balance and what it
// would redeem for right now.
type ReceiptBalanceResponse struct {
	ReservePoolID uint16          `json:"reserve_pool_id"`
	Account       string          `json:"account"`
	Balance       decimal.Decimal `json:"balance"`
	RedeemableFor decimal.Decimal `json:"redeemable_for"`
	AsOfSequence  int64           `json:"as_of_sequence"`
}

// GetAccountBalance reads the balance projection.
func (qs *QueryService) GetAccountBalance(ctx context.Context, accountPath string) (*AccountBalanceResponse, error) {
	if qs.db == nil {
		return nil, ErrNoProjections
	}
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &AccountBalanceResponse{AccountPath: accountPath, AsOfSequence: asOfSeq}
	var balance string
	err = qs.db.QueryRowContext(ctx, `
		SELECT asset, balance::TEXT FROM projections.account_balances
		WHERE account_path = $1
	`, accountPath).Scan(&resp.Asset, &balance)
	if errors.Is(err, sql.ErrNoRows) {
		resp.Balance = decimal.Zero
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	if resp.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("balance of %s: %w", accountPath, err)
	}
	return resp, nil
}

// GetReceiptBalance reads the live receipt token balance of account.
func (qs *QueryService) GetReceiptBalance(poolID uint16, account ledger.Address) (*ReceiptBalanceResponse, error) {
	m := qs.live.Module()
	tok, err := m.ReceiptToken(poolID)
	if err != nil {
		return nil, err
	}
	balance := tok.BalanceOf(account)
	resp := &ReceiptBalanceResponse{
		ReservePoolID: poolID,
		Account:       string(account),
		Balance:       Amount(balance),
		RedeemableFor: decimal.Zero,
		AsOfSequence:  qs.asOfLive(),
	}
	if !balance.IsZero() {
		assets, err := m.PreviewRedemption(poolID, balance)
		if err != nil {
			return nil, err
		}
		resp.RedeemableFor = Amount(assets)
	}
	return resp, nil
}
