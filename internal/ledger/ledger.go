// Package ledger is the durable processing ledger: the single writer of
// CardAsset state, the per-day identity counters, the outbound batches and
// the price cache.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cardflow/internal/config"
	"github.com/sells-group/cardflow/internal/model"
)

// Sentinel errors.
var (
	ErrNotFound = eris.New("ledger: asset not found")
	ErrExists   = eris.New("ledger: asset already registered")
	// ErrNoop may be returned by a Mutator to leave the asset unchanged.
	ErrNoop = eris.New("ledger: no change")
)

// Mutator edits a private copy of an asset inside a ledger transaction.
type Mutator func(a *model.CardAsset) error

// AssetFilter selects assets for listing.
type AssetFilter struct {
	State  model.State `json:"state,omitempty"`
	Limit  int         `json:"limit,omitempty"`
	Offset int         `json:"offset,omitempty"`
}

// Ledger defines the persistence interface for the card pipeline.
type Ledger interface {
	// Identity counters
	NextSeq(ctx context.Context, day int) (int, error)

	// Assets
	Register(ctx context.Context, asset *model.CardAsset) error
	Get(ctx context.Context, identity string) (*model.CardAsset, error)
	List(ctx context.Context, filter AssetFilter) ([]*model.CardAsset, error)
	Update(ctx context.Context, identity string, fn Mutator) (*model.CardAsset, error)
	History(ctx context.Context, identity string) ([]model.HistoryEntry, error)
	Counts(ctx context.Context) (map[model.State]int, error)

	// Batches
	ListBatch(ctx context.Context, kind model.BatchKind, pendingOnly bool) ([]model.BatchEntry, error)
	MarkFlushed(ctx context.Context, identity, batchID, externalRef string, at time.Time) (*model.CardAsset, error)

	// Price cache
	GetPrice(ctx context.Context, key string, now time.Time) (*model.PriceQuote, error)
	PutPrice(ctx context.Context, quote model.PriceQuote, ttl time.Duration) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open connects to the configured backend and migrates it.
func Open(ctx context.Context, cfg config.StoreConfig) (Ledger, error) {
	var (
		l   Ledger
		err error
	)
	switch cfg.Driver {
	case "postgres":
		l, err = NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	case "sqlite", "":
		l, err = NewSQLite(cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("ledger: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, persistence(err)
	}
	if err := l.Migrate(ctx); err != nil {
		l.Close() //nolint:errcheck
		return nil, persistence(err)
	}
	return l, nil
}

// persistence tags a storage failure so the pipeline aborts the run.
func persistence(err error) error {
	if err == nil {
		return nil
	}
	return model.Persistence("ledger", err)
}

// mutate runs fn on a copy of cur and validates the result. A nil result
// with a nil error means fn declined to change anything.
func mutate(cur *model.CardAsset, fn Mutator) (*model.CardAsset, error) {
	next := cur.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrNoop) {
			return nil, nil
		}
		return nil, err
	}
	if next.Identity != cur.Identity {
		return nil, eris.Errorf("ledger: identity of %s is immutable", cur.Identity)
	}
	if len(next.History) < len(cur.History) {
		return nil, eris.Errorf("ledger: %s: history is append-only", cur.Identity)
	}
	if err := next.Validate(); err != nil {
		return nil, model.Invalid("ledger: rejected update", err)
	}
	return next, nil
}

// appended returns the history entries next added on top of cur.
func appended(cur, next *model.CardAsset) []model.HistoryEntry {
	return next.History[len(cur.History):]
}

// routedEntry returns the batch entry to enqueue when next has just been
// routed.
func routedEntry(cur, next *model.CardAsset) (*model.BatchEntry, error) {
	if cur.State == model.StateRouted || next.State != model.StateRouted {
		return nil, nil
	}
	if next.Valuation == nil {
		return nil, eris.Errorf("ledger: %s routed without valuation", next.Identity)
	}
	kind, ok := model.BatchKindFor(next.Valuation.Disposition)
	if !ok {
		return nil, eris.Errorf("ledger: %s has no disposition", next.Identity)
	}
	return &model.BatchEntry{
		Identity:   next.Identity,
		Kind:       kind,
		Amount:     model.Cents(next.Valuation.BatchAmount()),
		EnqueuedAt: next.UpdatedAt,
	}, nil
}

// flushMutator moves a routed asset to the flushed state of its batch.
func flushMutator(externalRef string, at time.Time) Mutator {
	return func(a *model.CardAsset) error {
		if a.State != model.StateRouted || a.Valuation == nil {
			return eris.Errorf("ledger: %s is %s, not routed", a.Identity, a.State)
		}
		kind, ok := model.BatchKindFor(a.Valuation.Disposition)
		if !ok {
			return eris.Errorf("ledger: %s has no disposition", a.Identity)
		}
		a.ExternalRef = externalRef
		return a.Transition(kind.FlushedState(), "batch flushed: "+externalRef, at)
	}
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	return t, eris.Wrapf(err, "ledger: parse time %q", s)
}
