package projection

import (
	"context"
	"database/sql"
	"fmt"

	"SafetyLedger/internal/core"
	"SafetyLedger/internal/event"
	"SafetyLedger/internal/ledger"

	"github.com/rs/zerolog"
)

// ProjectionWorker updates projection tables from processor outputs. The
// projection channel is non-blocking with drop; tables that fall behind are
// rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	history   *RedemptionHistory
	logger    zerolog.Logger
	lastSeq   int64
}

// NewProjectionWorker builds a worker. db may be nil, in which case only the
// in-memory redemption history is maintained.
func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, history *RedemptionHistory, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		history:   history,
		logger:    logger,
	}
}

// LastSequence returns the last sequence the worker consumed.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.Apply(ctx, output)
		}
	}
}

// Apply folds one output into the projections. Failures are logged and
// skipped; projections are eventually consistent.
func (pw *ProjectionWorker) Apply(ctx context.Context, output core.CoreOutput) {
	if output.Envelope == nil || !output.Envelope.Applied() {
		return
	}
	seq := output.Envelope.Sequence

	if pw.history != nil {
		for _, e := range output.Events {
			pw.history.Apply(seq, output.Envelope.Timestamp, e)
		}
	}
	if pw.db != nil {
		if err := pw.processOutput(ctx, output); err != nil {
			pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
		}
	}
	pw.lastSeq = seq
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	seq := output.Envelope.Sequence
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, b := range output.Batches {
		for _, j := range b.Journals {
			if err := updateBalanceProjection(ctx, tx, j, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}
	for _, e := range output.Events {
		if err := updateRedemptionProjection(ctx, tx, e, seq, output.Envelope.Timestamp); err != nil {
			return fmt.Errorf("redemption projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.projection_watermarks (projection, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (projection) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// updateBalanceProjection applies one journal: the debit account grows, the
// credit account shrinks.
func updateBalanceProjection(ctx context.Context, tx *sql.Tx, j ledger.Journal, seq int64) error {
	amount := j.Amount.Dec()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.account_balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, $3::NUMERIC, $4)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.account_balances.balance + $3::NUMERIC, last_sequence = $4, updated_at = NOW()
	`, j.DebitAccount.AccountPath(), string(j.Asset), amount, seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.account_balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, -$3::NUMERIC, $4)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.account_balances.balance - $3::NUMERIC, last_sequence = $4, updated_at = NOW()
	`, j.CreditAccount.AccountPath(), string(j.Asset), amount, seq); err != nil {
		return err
	}
	return nil
}

func updateRedemptionProjection(ctx context.Context, tx *sql.Tx, e event.Event, seq int64, ts uint64) error {
	switch ev := e.(type) {
	case *event.RedemptionPending:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.redemptions
				(redemption_id, reserve_pool_id, owner, receiver, receipt_token_amount, queued_asset_amount,
				 status, queued_at, last_sequence)
			VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)
			ON CONFLICT (redemption_id) DO NOTHING
		`, int64(ev.RedemptionID), int32(ev.PoolID), string(ev.Owner), string(ev.Receiver),
			ev.ReceiptTokenAmount.Dec(), ev.AssetAmount.Dec(), StatusPending, int64(ts), seq)
		return err
	case *event.Redeemed:
		// an instant redemption has no pending row; it is queued and settled at once
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.redemptions
				(redemption_id, reserve_pool_id, owner, receiver, receipt_token_amount, paid_asset_amount,
				 status, queued_at, settled_at, last_sequence)
			VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $8, $9)
			ON CONFLICT (redemption_id) DO UPDATE
				SET paid_asset_amount = $6::NUMERIC, status = $7, settled_at = $8, last_sequence = $9
		`, int64(ev.RedemptionID), int32(ev.PoolID), string(ev.Owner), string(ev.Receiver),
			ev.ReceiptTokenAmount.Dec(), ev.AssetAmount.Dec(), StatusSettled, int64(ts), seq)
		return err
	}
	return nil
}

// RebuildProjections rebuilds the balance projection from the journal.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	truncateStatements := []string{
		`TRUNCATE projections.account_balances`,
		`DELETE FROM projections.projection_watermarks WHERE projection = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.account_balances (account_path, asset, balance, last_sequence)
		SELECT account_path, asset, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, asset, -amount AS delta, sequence FROM event_log.journal
		) legs
		GROUP BY account_path, asset
	`)
	if err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	logger.Info().Msg("projection rebuild complete")
	return nil
}
