package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/chapterd/internal/download"
	"github.com/JakeFAU/chapterd/internal/progress"
)

// Ledger is the durable event history, usually the postgres store.
type Ledger interface {
	AppendEvents(ctx context.Context, events []progress.Event) error
	RecordSummary(ctx context.Context, summary download.RunSummary) error
}

// LedgerSink appends events to a Ledger and records run summaries. Snapshot
// events are skipped: the progress store already holds that state.
type LedgerSink struct {
	ledger Ledger
	logger *zap.Logger
}

// NewLedgerSink constructs a LedgerSink for the provided ledger.
func NewLedgerSink(ledger Ledger, logger *zap.Logger) *LedgerSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerSink{ledger: ledger, logger: logger}
}

// Consume forwards the batch in order. Repository errors are returned verbatim
// so the hub can log them.
func (s *LedgerSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.ledger == nil {
		return nil
	}
	events := make([]progress.Event, 0, len(batch))
	var summaries []download.RunSummary
	for _, evt := range batch {
		if evt.Stage == progress.StageSnapshotSaved {
			continue
		}
		events = append(events, evt)
		if evt.Stage == progress.StageJobFinished && evt.Summary != nil {
			summaries = append(summaries, *evt.Summary)
		}
	}
	if len(events) > 0 {
		if err := s.ledger.AppendEvents(ctx, events); err != nil {
			return fmt.Errorf("append events: %w", err)
		}
	}
	for _, summary := range summaries {
		if err := s.ledger.RecordSummary(ctx, summary); err != nil {
			return fmt.Errorf("record summary: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LedgerSink) Close(context.Context) error {
	return nil
}
