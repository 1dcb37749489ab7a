package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"SafetyLedger/internal/core"
	"SafetyLedger/internal/event"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes command entries, journals and domain events to
// Postgres using multi-row INSERTs.
type EventLogWriter struct {
	db *sql.DB
}

// EntryRow represents a row in event_log.entries
type EntryRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	ReservePoolID  *int32
	Payload        []byte // JSON-encoded command
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	Rejection      *string
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64 // command sequence
	BatchSequence int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string // NUMERIC(78,0)
	JournalType   string
	Timestamp     int64
}

// DomainEventRow represents a row in event_log.domain_events
type DomainEventRow struct {
	Sequence  int64
	Ordinal   int32
	EventType string
	Payload   []byte // event.Wire JSON
}

// Record is everything one processed command writes.
type Record struct {
	Entry    EntryRow
	Journals []JournalRow
	Events   []DomainEventRow
}

// NewRecord flattens a processor output into rows.
func NewRecord(out core.CoreOutput) (Record, error) {
	env := out.Envelope
	if env == nil {
		return Record{}, fmt.Errorf("core output without envelope")
	}
	rec := Record{Entry: EntryRow{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType,
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      time.Unix(int64(env.Timestamp), 0).UTC(),
	}}
	if env.PoolID != nil {
		id := int32(*env.PoolID)
		rec.Entry.ReservePoolID = &id
	}
	if !env.Applied() {
		reason := env.Rejection
		rec.Entry.Rejection = &reason
	}

	for _, b := range out.Batches {
		for _, j := range b.Journals {
			rec.Journals = append(rec.Journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      env.Sequence,
				BatchSequence: j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         string(j.Asset),
				Amount:        j.Amount.Dec(),
				JournalType:   j.JournalType.String(),
				Timestamp:     int64(j.Timestamp),
			})
		}
	}
	for i, e := range out.Events {
		payload, err := event.Marshal(e, env.Sequence, env.Timestamp)
		if err != nil {
			return Record{}, fmt.Errorf("encode event %d of sequence %d: %w", i, env.Sequence, err)
		}
		rec.Events = append(rec.Events, DomainEventRow{
			Sequence:  env.Sequence,
			Ordinal:   int32(i),
			EventType: e.EventType().String(),
			Payload:   payload,
		})
	}
	return rec, nil
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEntryBatch writes a batch of entries to event_log.entries.
func (w *EventLogWriter) WriteEntryBatch(ctx context.Context, ex execer, entries []EntryRow) error {
	if len(entries) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.entries
		(sequence, command_type, idempotency_key, reserve_pool_id, payload, state_hash, prev_hash, timestamp, rejection)
		VALUES `

	values := make([]string, 0, len(entries))
	args := make([]interface{}, 0, len(entries)*9)

	for i, e := range entries {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.CommandType, e.IdempotencyKey, e.ReservePoolID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.Rejection,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, batch_sequence, debit_account, credit_account, asset, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*11)

	for i, j := range journals {
		base := i * 11
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d::NUMERIC, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.BatchSequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteDomainEventBatch writes a batch of domain events to event_log.domain_events.
func (w *EventLogWriter) WriteDomainEventBatch(ctx context.Context, ex execer, events []DomainEventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.domain_events (sequence, ordinal, event_type, payload) VALUES `
	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*4)
	for i, e := range events {
		base := i * 4
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4))
		args = append(args, e.Sequence, e.Ordinal, e.EventType, e.Payload)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence, ordinal) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
