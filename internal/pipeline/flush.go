package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cardflow/internal/model"
	"github.com/sells-group/cardflow/internal/resilience"
)

// pendingAssets loads the routed assets behind the pending entries of a
// batch. Entries whose asset has since left routed (for example to review)
// are reported as skipped.
func (p *Pipeline) pendingAssets(ctx context.Context, kind model.BatchKind) ([]model.BatchEntry, []*model.CardAsset, []StageOutcome, error) {
	entries, err := p.deps.Ledger.ListBatch(ctx, kind, true)
	if err != nil {
		return nil, nil, nil, eris.Wrapf(err, "pipeline: list %s batch", kind)
	}
	var (
		ready  []model.BatchEntry
		assets []*model.CardAsset
		skips  []StageOutcome
	)
	for _, e := range entries {
		a, err := p.deps.Ledger.Get(ctx, e.Identity)
		if err != nil {
			return nil, nil, nil, eris.Wrapf(err, "pipeline: load %s", e.Identity)
		}
		if a.State != model.StateRouted {
			skips = append(skips, skipped(e.Identity, "asset is "+string(a.State)))
			continue
		}
		ready = append(ready, e)
		assets = append(assets, a)
	}
	return ready, assets, skips, nil
}

// FlushListings posts every pending listing-batch entry to the marketplace.
// Entries that fail transiently stay pending for the next flush; permanent
// rejections send the asset to review.
func (p *Pipeline) FlushListings(ctx context.Context) (*StageReport, error) {
	if p.deps.Lister == nil {
		return nil, eris.New("pipeline: no marketplace configured")
	}
	entries, assets, skips, err := p.pendingAssets(ctx, model.BatchListing)
	if err != nil {
		return nil, err
	}
	amounts := make(map[string]model.BatchEntry, len(entries))
	for _, e := range entries {
		amounts[e.Identity] = e
	}
	batchID := uuid.New().String()

	report, err := p.fanOut(ctx, "list", assets, func(ctx context.Context, a *model.CardAsset) (StageOutcome, error) {
		listing, err := p.listingFor(ctx, a, amounts[a.Identity])
		if err != nil {
			return p.listFailed(ctx, a.Identity, err)
		}
		listingID, err := resilience.CallVal(ctx, p.opts.Policy, "create listing", func(ctx context.Context) (string, error) {
			return p.deps.Lister.CreateListing(ctx, listing)
		})
		if err != nil {
			return p.listFailed(ctx, a.Identity, err)
		}
		if _, err := p.deps.Ledger.MarkFlushed(ctx, a.Identity, batchID, listingID, p.now()); err != nil {
			return p.updateFailed(a.Identity, err)
		}
		return advanced(a.Identity, "listed as "+listingID), nil
	})
	if report != nil {
		report.Outcomes = append(report.Outcomes, skips...)
		report.sort()
	}
	return report, err
}

func (p *Pipeline) listFailed(ctx context.Context, identity string, err error) (StageOutcome, error) {
	if resilience.IsTransient(err) || ctx.Err() != nil {
		zap.L().Warn("pipeline: listing deferred", zap.String("identity", identity), zap.Error(err))
		return pending(identity, err.Error()), nil
	}
	return p.flag(ctx, identity, model.StageList, err)
}

// listingFor builds the marketplace payload, publishing both canonical
// images first.
func (p *Pipeline) listingFor(ctx context.Context, a *model.CardAsset, entry model.BatchEntry) (model.Listing, error) {
	if a.Recognized == nil {
		return model.Listing{}, model.Invalid("list: asset has no recognized card", nil)
	}
	card := *a.Recognized

	var urls []string
	for _, side := range []model.Side{model.SideFront, model.SideBack} {
		ref := a.Sides.Get(side)
		local := ref.Canonical
		if local == "" {
			local = ref.Path
		}
		if p.deps.Images == nil || local == "" {
			continue
		}
		u, err := p.deps.Images.Publish(ctx, local, filepath.Base(local))
		if err != nil {
			return model.Listing{}, resilience.NewTransientError(err, 0)
		}
		urls = append(urls, u)
	}

	desc := []string{card.Title()}
	if card.Number != "" {
		desc = append(desc, "Card number: "+card.Number)
	}
	desc = append(desc, fmt.Sprintf("Ungraded. Inventory %s.", a.Identity))

	return model.Listing{
		SKU:         a.Identity,
		Title:       truncate(card.Title(), 80),
		Description: strings.Join(desc, "\n"),
		ImageURLs:   urls,
		Price:       entry.Amount,
	}, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return strings.TrimSpace(s[:n])
}

// FlushSubmissions delivers every pending submission-batch entry as one
// grading submission. A transient failure leaves the whole batch pending;
// a permanent one sends every item to review.
func (p *Pipeline) FlushSubmissions(ctx context.Context) (*StageReport, error) {
	if p.deps.Submitter == nil {
		return nil, eris.New("pipeline: no grading submitter configured")
	}
	entries, assets, skips, err := p.pendingAssets(ctx, model.BatchSubmission)
	if err != nil {
		return nil, err
	}
	report := &StageReport{Stage: "submit", Outcomes: skips}
	if len(entries) == 0 {
		return report, nil
	}

	sub := model.Submission{
		BatchID:      uuid.New().String(),
		ServiceLevel: p.opts.ServiceLevel,
		CreatedAt:    p.now().UTC(),
	}
	for i, e := range entries {
		a := assets[i]
		item := model.SubmissionItem{
			Identity:       a.Identity,
			EstimatedGrade: a.EstimatedGrade,
			DeclaredValue:  e.Amount,
			FrontImage:     a.Sides.Front.Canonical,
			BackImage:      a.Sides.Back.Canonical,
		}
		if a.Recognized != nil {
			item.Card = *a.Recognized
		}
		sub.Items = append(sub.Items, item)
	}

	conf, err := resilience.CallVal(ctx, p.opts.Policy, "submit batch", func(ctx context.Context) (*model.Confirmation, error) {
		return p.deps.Submitter.Submit(ctx, sub)
	})
	if err != nil {
		zap.L().Error("pipeline: submission failed", zap.String("batch", sub.BatchID), zap.Error(err))
		for _, it := range sub.Items {
			out, abort := p.submitFailed(ctx, it.Identity, err)
			if abort != nil {
				return report, abort
			}
			report.Outcomes = append(report.Outcomes, out)
		}
		report.sort()
		return report, nil
	}

	for _, it := range sub.Items {
		if _, err := p.deps.Ledger.MarkFlushed(ctx, it.Identity, sub.BatchID, conf.ID, p.now()); err != nil {
			out, abort := p.updateFailed(it.Identity, err)
			if abort != nil {
				return report, abort
			}
			report.Outcomes = append(report.Outcomes, out)
			continue
		}
		report.Outcomes = append(report.Outcomes, advanced(it.Identity, "submitted in "+conf.ID))
	}
	report.sort()
	zap.L().Info("pipeline: submission delivered",
		zap.String("batch", sub.BatchID),
		zap.String("confirmation", conf.ID),
		zap.String("location", conf.Location),
		zap.Int("items", len(sub.Items)),
		zap.String("declared_total", sub.DeclaredTotal().StringFixed(2)),
	)
	return report, nil
}

func (p *Pipeline) submitFailed(ctx context.Context, identity string, err error) (StageOutcome, error) {
	if resilience.IsTransient(err) || ctx.Err() != nil {
		return pending(identity, err.Error()), nil
	}
	return p.flag(ctx, identity, model.StageSubmit, err)
}
