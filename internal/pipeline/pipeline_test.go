package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cardflow/internal/ledger"
	"github.com/sells-group/cardflow/internal/model"
	"github.com/sells-group/cardflow/internal/recognize"
	"github.com/sells-group/cardflow/internal/submission"
)

func TestRun_EndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	writeCapture(t, h.images, 1, 9, cardImage(), cardImage())
	writeCapture(t, h.images, 2, 0, cardImage(), cardImage())
	h.rec.results["1234_0001"] = &recognize.Result{Card: ohtani, Confidence: 0.95}
	h.rec.results["1234_0002"] = &recognize.Result{Card: griffey, Confidence: 0.9, Degraded: true}

	reports, err := h.p.Run(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 7)
	for _, r := range reports[:5] {
		assert.Equal(t, 2, r.Count(OutcomeAdvanced), "stage %s", r.Stage)
	}

	graded := h.get(t, "1234_0001")
	assert.Equal(t, model.StateSubmitted, graded.State)
	assert.Equal(t, 9, graded.EstimatedGrade)
	require.NotNil(t, graded.Valuation)
	v := graded.Valuation
	assert.Equal(t, "25.50", v.UngradedNet.StringFixed(2))
	gn, ok := v.GradedNetAt(9)
	require.True(t, ok)
	assert.Equal(t, "77.00", gn.Net.StringFixed(2))
	assert.Equal(t, model.DispositionGrade, v.Disposition)
	require.NotNil(t, v.BreakEvenGrade)
	assert.Equal(t, 9, *v.BreakEvenGrade)
	assert.FileExists(t, graded.Sides.Front.Canonical)
	assert.FileExists(t, graded.Sides.Back.Canonical)
	assert.Equal(t, "1234_0001_F.jpg", filepath.Base(graded.Sides.Front.Canonical))

	raw := h.get(t, "1234_0002")
	assert.Equal(t, model.StateListed, raw.State)
	assert.Equal(t, 8, raw.EstimatedGrade, "default grade without sidecar")
	assert.Equal(t, model.DispositionSellUngraded, raw.Valuation.Disposition)
	assert.Equal(t, "ebay-1234_0002", raw.ExternalRef)

	require.Len(t, h.lister.listings, 1)
	l := h.lister.listings[0]
	assert.Equal(t, "1234_0002", l.SKU)
	assert.Equal(t, "50.00", l.Price.StringFixed(2))
	assert.Equal(t, []string{
		"https://img.example.com/1234_0002_F.jpg",
		"https://img.example.com/1234_0002_B.jpg",
	}, l.ImageURLs)
	assert.LessOrEqual(t, len(l.Title), 80)

	subs, err := h.ledger.ListBatch(ctx, model.BatchSubmission, false)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	e := subs[0]
	assert.False(t, e.Pending())
	assert.Equal(t, "120.00", e.Amount.StringFixed(2))
	assert.Equal(t, e.BatchID, e.ExternalRef)

	rows, err := submission.ReadManifest(filepath.Join(h.outbox, e.BatchID, submission.ManifestName), "Cards")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "1234_0001", rows[1][1])
	assert.FileExists(t, filepath.Join(h.outbox, e.BatchID, "1234_0001_B.jpg"))

	history, err := h.ledger.History(ctx, "1234_0001")
	require.NoError(t, err)
	var states []model.State
	for _, he := range history {
		states = append(states, he.To)
	}
	assert.Equal(t, []model.State{
		model.StateCaptured,
		model.StateNormalized,
		model.StateRecognized,
		model.StateValued,
		model.StateRouted,
		model.StateSubmitted,
	}, states)

	// A second run finds nothing new to do.
	reports, err = h.p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, reports[0].Count(OutcomeSkipped))
	for _, r := range reports[1:] {
		assert.Zero(t, r.Count(OutcomeAdvanced), "stage %s", r.Stage)
	}
	assert.Empty(t, h.notifier.flagged)
}

func TestIngest(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	writeCapture(t, h.images, 1, 0, cardImage(), cardImage())
	writeCapture(t, h.images, 2, 0, cardImage(), nil)
	writeCapture(t, h.images, 3, 10, nil, cardImage())
	require.NoError(t, os.WriteFile(filepath.Join(h.images, "notes.txt"), []byte("x"), 0o644))

	r, err := h.p.Ingest(ctx)
	require.NoError(t, err)
	require.Len(t, r.Outcomes, 3)
	assert.Equal(t, StageOutcome{Identity: "1234_0001", Outcome: OutcomeAdvanced, Reason: "captured"}, r.Outcomes[0])
	assert.Equal(t, StageOutcome{Identity: "1234_0002", Outcome: OutcomePending, Reason: "missing back image"}, r.Outcomes[1])
	assert.Equal(t, StageOutcome{Identity: "1234_0003", Outcome: OutcomePending, Reason: "missing front image"}, r.Outcomes[2])

	a := h.get(t, "1234_0001")
	assert.Equal(t, model.StateCaptured, a.State)
	assert.Equal(t, 8, a.EstimatedGrade)
	assert.True(t, a.Sides.Complete())

	// The missing back arrives.
	writeCapture(t, h.images, 2, 6, nil, cardImage())
	r, err = h.p.Ingest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Count(OutcomeAdvanced))
	assert.Equal(t, 1, r.Count(OutcomeSkipped))
	assert.Equal(t, 6, h.get(t, "1234_0002").EstimatedGrade)
}

func TestIngest_BadSidecarHoldsOnlyThatCapture(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	writeCapture(t, h.images, 1, 9, cardImage(), cardImage())
	writeCapture(t, h.images, 2, 0, cardImage(), cardImage())
	sidecar := filepath.Join(h.images, "1234_0002.yaml")
	require.NoError(t, os.WriteFile(sidecar, []byte("grade: {nine\n"), 0o644))

	r, err := h.p.Ingest(ctx)
	require.NoError(t, err)
	require.Len(t, r.Outcomes, 2)
	assert.Equal(t, OutcomeAdvanced, r.Outcomes[0].Outcome)
	assert.Equal(t, OutcomePending, r.Outcomes[1].Outcome)
	assert.Contains(t, r.Outcomes[1].Reason, "parse sidecar 1234_0002.yaml")

	assert.Equal(t, 9, h.get(t, "1234_0001").EstimatedGrade)
	_, err = h.p.deps.Ledger.Get(ctx, "1234_0002")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	require.NoError(t, os.WriteFile(sidecar, []byte("grade: 7\n"), 0o644))
	r, err = h.p.Ingest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Count(OutcomeAdvanced))
	assert.Equal(t, 7, h.get(t, "1234_0002").EstimatedGrade)
}

func TestIngest_MissingDir(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.p.opts.ImageDir = filepath.Join(t.TempDir(), "nope")

	_, err := h.p.Ingest(context.Background())
	assert.Error(t, err)
}

func TestNormalize_BlankImageFlagged(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	writeCapture(t, h.images, 1, 0, blankImage(), cardImage())
	_, err := h.p.Ingest(ctx)
	require.NoError(t, err)

	r, err := h.p.Normalize(ctx)
	require.NoError(t, err)
	require.Len(t, r.Outcomes, 1)
	assert.Equal(t, OutcomeFlagged, r.Outcomes[0].Outcome)

	a := h.get(t, "1234_0001")
	assert.Equal(t, model.StateNeedsReview, a.State)
	require.NotNil(t, a.Review)
	assert.Equal(t, model.StageNormalize, a.Review.Stage)
	assert.Equal(t, model.KindValidation, a.Review.Kind)
	assert.Contains(t, a.Review.Reason, "front")
	assert.Equal(t, []string{"1234_0001"}, h.notifier.flagged)

	// Nothing is left for the next pass.
	r, err = h.p.Normalize(ctx)
	require.NoError(t, err)
	assert.Empty(t, r.Outcomes)
}

func TestRecognize_NoIdentificationFlagged(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	writeCapture(t, h.images, 1, 0, cardImage(), cardImage())
	for _, pass := range []func(context.Context) (*StageReport, error){h.p.Ingest, h.p.Normalize} {
		_, err := pass(ctx)
		require.NoError(t, err)
	}

	r, err := h.p.Recognize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Count(OutcomeFlagged))

	a := h.get(t, "1234_0001")
	require.NotNil(t, a.Review)
	assert.Equal(t, model.StageRecognize, a.Review.Stage)
	assert.Equal(t, model.KindDataUnavailable, a.Review.Kind)
	assert.Nil(t, a.Recognized)
}

func TestValue_NoPriceFlagged(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	writeCapture(t, h.images, 1, 0, cardImage(), cardImage())
	h.rec.results["1234_0001"] = &recognize.Result{
		Card:       model.RecognizedCard{Year: 2001, Set: "Bowman", Player: "Nobody"},
		Confidence: 0.9,
	}
	for _, pass := range []func(context.Context) (*StageReport, error){h.p.Ingest, h.p.Normalize, h.p.Recognize} {
		_, err := pass(ctx)
		require.NoError(t, err)
	}

	r, err := h.p.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Count(OutcomeFlagged))
	a := h.get(t, "1234_0001")
	assert.Equal(t, model.StageValue, a.Review.Stage)
	assert.Equal(t, model.KindDataUnavailable, a.Review.Kind)
}

func TestRoute_LowConfidenceFlagged(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	writeCapture(t, h.images, 1, 9, cardImage(), cardImage())
	h.rec.results["1234_0001"] = &recognize.Result{Card: ohtani, Confidence: 0.5}

	reports, err := h.p.Run(ctx)
	require.NoError(t, err)
	route := reports[4]
	assert.Equal(t, "route", route.Stage)
	assert.Equal(t, 1, route.Count(OutcomeFlagged))

	a := h.get(t, "1234_0001")
	assert.Equal(t, model.StateNeedsReview, a.State)
	assert.Equal(t, model.StageRoute, a.Review.Stage)
	assert.Equal(t, []string{"1234_0001"}, h.notifier.flagged)

	entries, err := h.ledger.ListBatch(ctx, model.BatchSubmission, false)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRun_PersistenceAborts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	writeCapture(t, h.images, 1, 0, cardImage(), cardImage())
	require.NoError(t, h.ledger.Close())

	_, err := h.p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, model.IsPersistence(err))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want model.ErrorKind
	}{
		{"kinded", model.Invalid("x", nil), model.KindValidation},
		{"transient", transientErr(), model.KindTransient},
		{"plain", assert.AnError, model.KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}
