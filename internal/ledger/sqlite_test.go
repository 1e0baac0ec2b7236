package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cardflow/internal/model"
)

var t0 = time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func registerAsset(t *testing.T, l Ledger, day, seq int) *model.CardAsset {
	t.Helper()
	a := model.NewCardAsset(model.Identity{Day: day, Seq: seq}, 9, t0)
	a.Sides.Front = model.ImageRef{Path: "in/" + a.Identity + "_F.jpg"}
	a.Sides.Back = model.ImageRef{Path: "in/" + a.Identity + "_B.jpg"}
	require.NoError(t, l.Register(context.Background(), a))
	return a
}

// advanceToValued walks an asset through normalize/recognize/value.
func advanceToValued(t *testing.T, l Ledger, identity string, d model.Disposition) *model.CardAsset {
	t.Helper()
	a, err := l.Update(context.Background(), identity, func(a *model.CardAsset) error {
		a.Sides.Front.Canonical = "canon/" + a.Identity + "_F.jpg"
		a.Sides.Back.Canonical = "canon/" + a.Identity + "_B.jpg"
		if err := a.Transition(model.StateNormalized, "normalized", t0); err != nil {
			return err
		}
		a.Recognized = &model.RecognizedCard{Year: 2018, Player: "Shohei Ohtani", Set: "Topps Chrome", Number: "150"}
		a.Confidence = 1
		if err := a.Transition(model.StateRecognized, "recognized", t0); err != nil {
			return err
		}
		a.Valuation = &model.Valuation{
			EstimatedGrade: 9,
			UngradedPrice:  decimal.NewFromInt(30),
			UngradedNet:    decimal.RequireFromString("25.50"),
			Graded: []model.GradedNet{{
				Grade: 9, Price: decimal.NewFromInt(120), Cost: decimal.NewFromInt(25), Net: decimal.NewFromInt(77),
			}},
			Disposition: d,
			ValuedAt:    t0,
		}
		return a.Transition(model.StateValued, "valued", t0)
	})
	require.NoError(t, err)
	return a
}

func TestSQLite_NextSeq(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	for want := 0; want < 3; want++ {
		got, err := st.NextSeq(ctx, 2461000)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// A new day starts again at zero.
	got, err := st.NextSeq(ctx, 2461001)
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}

func TestSQLite_NextSeq_Concurrent(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := st.NextSeq(ctx, 7)
			assert.NoError(t, err)
			mu.Lock()
			seen[seq] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 20)
}

func TestSQLite_RegisterAndGet(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	a := registerAsset(t, st, 1234, 1)

	got, err := st.Get(ctx, "1234_0001")
	require.NoError(t, err)
	assert.Equal(t, a.Identity, got.Identity)
	assert.Equal(t, model.StateCaptured, got.State)
	assert.Equal(t, 9, got.EstimatedGrade)

	hist, err := st.History(ctx, "1234_0001")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, model.StateCaptured, hist[0].To)
}

func TestSQLite_RegisterDuplicate(t *testing.T) {
	st := newTestSQLite(t)
	registerAsset(t, st, 1234, 1)

	dup := model.NewCardAsset(model.Identity{Day: 1234, Seq: 1}, 5, t0)
	err := st.Register(context.Background(), dup)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExists)
}

func TestSQLite_RegisterAdvancesCounter(t *testing.T) {
	st := newTestSQLite(t)
	registerAsset(t, st, 1234, 5)

	seq, err := st.NextSeq(context.Background(), 1234)
	require.NoError(t, err)
	assert.Equal(t, 6, seq)
}

func TestSQLite_GetNotFound(t *testing.T) {
	st := newTestSQLite(t)

	_, err := st.Get(context.Background(), "1_0000")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, model.IsPersistence(err))
}

func TestSQLite_UpdateAppendsHistory(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	registerAsset(t, st, 1234, 1)

	a := advanceToValued(t, st, "1234_0001", model.DispositionGrade)
	assert.Equal(t, model.StateValued, a.State)

	hist, err := st.History(ctx, "1234_0001")
	require.NoError(t, err)
	require.Len(t, hist, 4)
	assert.Equal(t, model.StateNormalized, hist[1].To)
	assert.Equal(t, model.StateValued, hist[3].To)

	valued, err := st.List(ctx, AssetFilter{State: model.StateValued})
	require.NoError(t, err)
	require.Len(t, valued, 1)
	assert.Equal(t, "1234_0001", valued[0].Identity)
}

func TestSQLite_HistoryKeepsAppendOrder(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	registerAsset(t, st, 1234, 1)

	// The clock stepped back between the two writes.
	_, err := st.Update(ctx, "1234_0001", func(a *model.CardAsset) error {
		return a.Flag(model.StageNormalize, model.KindValidation, "boundary not found", t0.Add(-time.Second))
	})
	require.NoError(t, err)

	hist, err := st.History(ctx, "1234_0001")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, model.StateCaptured, hist[0].To)
	assert.Equal(t, model.StateNeedsReview, hist[1].To)
	assert.Equal(t, model.StateCaptured, hist[1].From)
}

func TestSQLite_UpdateRejectsInvalid(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	registerAsset(t, st, 1234, 1)

	// Normalized without canonical images violates the asset invariants.
	_, err := st.Update(ctx, "1234_0001", func(a *model.CardAsset) error {
		return a.Transition(model.StateNormalized, "skip", t0)
	})
	require.Error(t, err)
	kind, ok := model.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, model.KindValidation, kind)

	got, err := st.Get(ctx, "1234_0001")
	require.NoError(t, err)
	assert.Equal(t, model.StateCaptured, got.State)
}

func TestSQLite_UpdateMutatorError(t *testing.T) {
	st := newTestSQLite(t)
	registerAsset(t, st, 1234, 1)

	boom := errors.New("boom")
	_, err := st.Update(context.Background(), "1234_0001", func(*model.CardAsset) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestSQLite_UpdateNoop(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	registerAsset(t, st, 1234, 1)

	a, err := st.Update(ctx, "1234_0001", func(*model.CardAsset) error { return ErrNoop })
	require.NoError(t, err)
	assert.Equal(t, model.StateCaptured, a.State)

	hist, err := st.History(ctx, "1234_0001")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestSQLite_RouteEnqueuesAtomically(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	registerAsset(t, st, 1234, 1)
	registerAsset(t, st, 1234, 2)
	advanceToValued(t, st, "1234_0001", model.DispositionGrade)
	advanceToValued(t, st, "1234_0002", model.DispositionSellUngraded)

	for _, id := range []string{"1234_0001", "1234_0002"} {
		_, err := st.Update(ctx, id, func(a *model.CardAsset) error {
			return a.Transition(model.StateRouted, "routed", t0)
		})
		require.NoError(t, err)
	}

	subs, err := st.ListBatch(ctx, model.BatchSubmission, true)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "1234_0001", subs[0].Identity)
	assert.True(t, decimal.NewFromInt(120).Equal(subs[0].Amount))
	assert.True(t, subs[0].Pending())

	listings, err := st.ListBatch(ctx, model.BatchListing, true)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.True(t, decimal.NewFromInt(30).Equal(listings[0].Amount))
}

func TestSQLite_MarkFlushed(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	registerAsset(t, st, 1234, 1)
	advanceToValued(t, st, "1234_0001", model.DispositionSellUngraded)
	_, err := st.Update(ctx, "1234_0001", func(a *model.CardAsset) error {
		return a.Transition(model.StateRouted, "routed", t0)
	})
	require.NoError(t, err)

	a, err := st.MarkFlushed(ctx, "1234_0001", "batch-1", "listing-99", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.StateListed, a.State)
	assert.Equal(t, "listing-99", a.ExternalRef)

	pending, err := st.ListBatch(ctx, model.BatchListing, true)
	require.NoError(t, err)
	assert.Empty(t, pending)

	all, err := st.ListBatch(ctx, model.BatchListing, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "batch-1", all[0].BatchID)
	require.NotNil(t, all[0].FlushedAt)
	assert.True(t, all[0].FlushedAt.Equal(t0.Add(time.Hour)))

	// A second flush of the same entry is rejected.
	_, err = st.MarkFlushed(ctx, "1234_0001", "batch-2", "listing-100", t0)
	require.Error(t, err)
}

func TestSQLite_Counts(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	for seq := 0; seq < 3; seq++ {
		registerAsset(t, st, 1234, seq)
	}
	advanceToValued(t, st, "1234_0000", model.DispositionGrade)

	counts, err := st.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.StateCaptured])
	assert.Equal(t, 1, counts[model.StateValued])
}

func TestSQLite_ListPaging(t *testing.T) {
	st := newTestSQLite(t)
	for seq := 0; seq < 5; seq++ {
		registerAsset(t, st, 1234, seq)
	}

	page, err := st.List(context.Background(), AssetFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "1234_0002", page[0].Identity)
	assert.Equal(t, "1234_0003", page[1].Identity)
}

func TestSQLite_PriceCache(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	miss, err := st.GetPrice(ctx, "k1", t0)
	require.NoError(t, err)
	assert.Nil(t, miss)

	price := decimal.RequireFromString("42.50")
	require.NoError(t, st.PutPrice(ctx, model.PriceQuote{Key: "k1", Price: &price, FetchedAt: t0}, time.Hour))
	require.NoError(t, st.PutPrice(ctx, model.PriceQuote{Key: "k2", FetchedAt: t0}, time.Hour))

	q, err := st.GetPrice(ctx, "k1", t0.Add(30*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, q)
	require.NotNil(t, q.Price)
	assert.True(t, price.Equal(*q.Price))

	// Known miss is cached as a nil price.
	q, err = st.GetPrice(ctx, "k2", t0)
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Nil(t, q.Price)

	// Expired.
	q, err = st.GetPrice(ctx, "k1", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, q)
}

func TestSQLite_ConcurrentUpdatesSerialize(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	registerAsset(t, st, 1234, 1)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.Update(ctx, "1234_0001", func(a *model.CardAsset) error {
				a.History = append(a.History, model.HistoryEntry{
					ID: fmt.Sprintf("note-%d", i), From: a.State, To: a.State, Reason: "note", At: t0,
				})
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := st.Get(ctx, "1234_0001")
	require.NoError(t, err)
	assert.Len(t, got.History, 11)
}
