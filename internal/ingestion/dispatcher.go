package ingestion

import (
	"context"
	"errors"

	"SafetyLedger/internal/command"
	"SafetyLedger/internal/core"

	"github.com/rs/zerolog"
)

// Submission is a command submitted directly (HTTP or admin) rather than
// through NATS. The dispatcher answers on Reply.
type Submission struct {
	Command command.Command
	Reply   chan<- Result
}

// Result is the processor's answer to a submission. Output is nil for a
// duplicate.
type Result struct {
	Output *core.CoreOutput
	Err    error
}

// Dispatcher is the single goroutine that feeds the processor. NATS and
// direct submissions are serialized here so per-source ordering holds.
type Dispatcher struct {
	processor   *core.Processor
	raw         <-chan RawCommand
	submissions chan Submission
	logger      zerolog.Logger
}

func NewDispatcher(processor *core.Processor, raw <-chan RawCommand, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		processor:   processor,
		raw:         raw,
		submissions: make(chan Submission),
		logger:      logger,
	}
}

// Run blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-d.raw:
			if !ok {
				d.raw = nil
				continue
			}
			d.handleRaw(raw)
		case sub := <-d.submissions:
			out, err := d.processor.Process(sub.Command)
			sub.Reply <- Result{Output: out, Err: err}
		}
	}
}

func (d *Dispatcher) handleRaw(raw RawCommand) {
	cmd, err := ParseRawCommand(raw)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping undecodable command")
		call(raw.TermFunc)
		return
	}

	out, err := d.processor.Process(cmd)
	switch {
	case err == nil:
		if out != nil && out.Rejection != nil {
			d.logger.Debug().
				Str("idempotency_key", cmd.IdempotencyKey()).
				Str("reason", out.Envelope.Rejection).
				Msg("command rejected by module")
		}
		call(raw.AckFunc)
	case errors.Is(err, core.ErrSequenceGap):
		// an earlier command of the source is still on its way
		call(raw.NakFunc)
	default:
		d.logger.Warn().Err(err).
			Str("command", cmd.CommandType().String()).
			Str("idempotency_key", cmd.IdempotencyKey()).
			Msg("command not sequenced")
		call(raw.TermFunc)
	}
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}

// Submit hands a command to the processor and waits for its result.
func (d *Dispatcher) Submit(ctx context.Context, cmd command.Command) (*core.CoreOutput, error) {
	reply := make(chan Result, 1)
	select {
	case d.submissions <- Submission{Command: cmd, Reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.Output, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
