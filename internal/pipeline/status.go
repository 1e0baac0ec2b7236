package pipeline

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/sells-group/cardflow/internal/model"
)

// BatchSummary describes one outbound batch.
type BatchSummary struct {
	Kind          model.BatchKind `json:"kind"`
	Pending       int             `json:"pending"`
	PendingAmount decimal.Decimal `json:"pending_amount"`
	Flushed       int             `json:"flushed"`
}

// Summary is a snapshot of the ledger.
type Summary struct {
	States  map[model.State]int `json:"states"`
	Batches []BatchSummary      `json:"batches"`
}

// Status summarizes asset counts by state and the outbound batches.
func (p *Pipeline) Status(ctx context.Context) (*Summary, error) {
	counts, err := p.deps.Ledger.Counts(ctx)
	if err != nil {
		return nil, err
	}
	s := &Summary{States: counts}
	for _, kind := range []model.BatchKind{model.BatchListing, model.BatchSubmission} {
		entries, err := p.deps.Ledger.ListBatch(ctx, kind, false)
		if err != nil {
			return nil, err
		}
		b := BatchSummary{Kind: kind, PendingAmount: decimal.Zero}
		for _, e := range entries {
			if e.Pending() {
				b.Pending++
				b.PendingAmount = b.PendingAmount.Add(e.Amount)
			} else {
				b.Flushed++
			}
		}
		s.Batches = append(s.Batches, b)
	}
	return s, nil
}
