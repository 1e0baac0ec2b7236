package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cardflow/internal/imaging"
	"github.com/sells-group/cardflow/internal/ledger"
	"github.com/sells-group/cardflow/internal/model"
	"github.com/sells-group/cardflow/internal/routing"
)

// Normalize rectifies both sides of every captured asset into the
// canonical directory.
func (p *Pipeline) Normalize(ctx context.Context) (*StageReport, error) {
	return p.forEach(ctx, string(model.StageNormalize), model.StateCaptured, p.normalizeOne)
}

func (p *Pipeline) normalizeOne(ctx context.Context, a *model.CardAsset) (StageOutcome, error) {
	if !a.Sides.Complete() {
		return p.flag(ctx, a.Identity, model.StageNormalize, model.Invalid("normalize: front and back images are both required", nil))
	}
	id, err := model.ParseIdentity(a.Identity)
	if err != nil {
		return p.flag(ctx, a.Identity, model.StageNormalize, model.Invalid("normalize: bad identity", err))
	}

	var sides model.Sides
	for _, side := range []model.Side{model.SideFront, model.SideBack} {
		if err := ctx.Err(); err != nil {
			return StageOutcome{}, err
		}
		ref := a.Sides.Get(side)
		img, err := imaging.Load(ref.Path)
		if err == nil {
			img, err = p.deps.Normalizer.Normalize(img)
		}
		if err != nil {
			return p.flag(ctx, a.Identity, model.StageNormalize, eris.Wrapf(err, "normalize %s", side))
		}
		ref.Canonical = filepath.Join(p.opts.CanonicalDir, id.FileName(side))
		if err := imaging.SaveJPEG(ref.Canonical, img, p.opts.JPEGQuality); err != nil {
			return failed(a.Identity, err), nil
		}
		sides.Set(side, ref)
	}

	asset, err := p.deps.Ledger.Update(ctx, a.Identity, func(cur *model.CardAsset) error {
		if cur.State != model.StateCaptured {
			return ledger.ErrNoop
		}
		cur.Sides = sides
		return cur.Transition(model.StateNormalized, "normalized", p.now())
	})
	if err != nil {
		return p.updateFailed(a.Identity, err)
	}
	if asset.State != model.StateNormalized {
		return skipped(a.Identity, "state changed to "+string(asset.State)), nil
	}
	return advanced(a.Identity, "normalized"), nil
}

// Recognize identifies every normalized asset.
func (p *Pipeline) Recognize(ctx context.Context) (*StageReport, error) {
	return p.forEach(ctx, string(model.StageRecognize), model.StateNormalized, p.recognizeOne)
}

func (p *Pipeline) recognizeOne(ctx context.Context, a *model.CardAsset) (StageOutcome, error) {
	res, err := p.deps.Recognizer.Recognize(ctx, a.Sides.Front.Canonical, a.Sides.Back.Canonical)
	if err != nil {
		return p.flag(ctx, a.Identity, model.StageRecognize, err)
	}

	reason := fmt.Sprintf("recognized %q (confidence %.3f)", res.Card.Title(), res.Confidence)
	if res.Degraded {
		reason += ", visual search unavailable"
	}
	asset, err := p.deps.Ledger.Update(ctx, a.Identity, func(cur *model.CardAsset) error {
		if cur.State != model.StateNormalized {
			return ledger.ErrNoop
		}
		card := res.Card
		cur.Recognized = &card
		cur.Confidence = res.Confidence
		return cur.Transition(model.StateRecognized, reason, p.now())
	})
	if err != nil {
		return p.updateFailed(a.Identity, err)
	}
	if asset.State != model.StateRecognized {
		return skipped(a.Identity, "state changed to "+string(asset.State)), nil
	}
	if len(res.Conflicts) > 0 {
		zap.L().Info("pipeline: recognition conflicts",
			zap.String("identity", a.Identity),
			zap.Strings("fields", res.Conflicts),
		)
	}
	return advanced(a.Identity, reason), nil
}

// Value prices every recognized asset and records its disposition.
func (p *Pipeline) Value(ctx context.Context) (*StageReport, error) {
	return p.forEach(ctx, string(model.StageValue), model.StateRecognized, p.valueOne)
}

func (p *Pipeline) valueOne(ctx context.Context, a *model.CardAsset) (StageOutcome, error) {
	if a.Recognized == nil {
		return p.flag(ctx, a.Identity, model.StageValue, model.Invalid("value: no recognized card", nil))
	}
	v, err := p.deps.Valuer.Evaluate(ctx, *a.Recognized, a.EstimatedGrade)
	if err != nil {
		return p.flag(ctx, a.Identity, model.StageValue, err)
	}

	reason := fmt.Sprintf("valued: %s, expected net %s", v.Disposition, v.ExpectedNet().StringFixed(2))
	asset, err := p.deps.Ledger.Update(ctx, a.Identity, func(cur *model.CardAsset) error {
		if cur.State != model.StateRecognized {
			return ledger.ErrNoop
		}
		cur.Valuation = v
		return cur.Transition(model.StateValued, reason, p.now())
	})
	if err != nil {
		return p.updateFailed(a.Identity, err)
	}
	if asset.State != model.StateValued {
		return skipped(a.Identity, "state changed to "+string(asset.State)), nil
	}
	return advanced(a.Identity, reason), nil
}

// Route commits every valued asset to its batch.
func (p *Pipeline) Route(ctx context.Context) (*StageReport, error) {
	return p.forEach(ctx, string(model.StageRoute), model.StateValued, p.routeOne)
}

func (p *Pipeline) routeOne(ctx context.Context, a *model.CardAsset) (StageOutcome, error) {
	res, err := p.deps.Router.Route(ctx, a.Identity)
	switch {
	case errors.Is(err, routing.ErrNotValued):
		return skipped(a.Identity, "not valued"), nil
	case err != nil:
		return p.updateFailed(a.Identity, err)
	case res.AlreadyRouted:
		return skipped(a.Identity, "already routed"), nil
	case res.Flagged:
		if asset, err := p.deps.Ledger.Get(ctx, a.Identity); err == nil {
			p.deps.Notifier.Flagged(ctx, asset)
		}
		return StageOutcome{Identity: a.Identity, Outcome: OutcomeFlagged, Reason: res.Reason}, nil
	default:
		return advanced(a.Identity, "routed to "+string(res.Kind)+" batch"), nil
	}
}
