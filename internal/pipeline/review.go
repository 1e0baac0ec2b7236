package pipeline

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cardflow/internal/ledger"
	"github.com/sells-group/cardflow/internal/model"
	"github.com/sells-group/cardflow/internal/recognize"
)

// Correction is an operator's manual identification of a card.
type Correction struct {
	Year   int    `json:"year"`
	Player string `json:"player"`
	Set    string `json:"set"`
	Number string `json:"number"`
	// Grade optionally replaces the estimated grade.
	Grade int `json:"grade,omitempty"`
}

// Validate checks the correction is usable.
func (c Correction) Validate() error {
	if c.Year < 1900 || c.Year > 2100 {
		return model.Invalid("review: year is required", nil)
	}
	if strings.TrimSpace(c.Set) == "" {
		return model.Invalid("review: set is required", nil)
	}
	if c.Grade != 0 && (c.Grade < 1 || c.Grade > 10) {
		return model.Invalid("review: grade must be 1-10", nil)
	}
	return nil
}

// ReviewQueue lists every asset waiting for an operator.
func (p *Pipeline) ReviewQueue(ctx context.Context) ([]*model.CardAsset, error) {
	assets, err := p.deps.Ledger.List(ctx, ledger.AssetFilter{State: model.StateNeedsReview})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list review queue")
	}
	return assets, nil
}

// Resolve applies a manual identification and re-enters the asset at
// recognized, from where valuation and routing run again.
func (p *Pipeline) Resolve(ctx context.Context, identity string, c Correction) (*model.CardAsset, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	card := model.RecognizedCard{
		Year:   c.Year,
		Player: strings.TrimSpace(c.Player),
		Set:    strings.TrimSpace(c.Set),
		Number: strings.TrimPrefix(strings.TrimSpace(c.Number), "#"),
		Sources: map[string]string{
			"year":   recognize.SourceManual,
			"player": recognize.SourceManual,
			"set":    recognize.SourceManual,
			"number": recognize.SourceManual,
		},
	}

	asset, err := p.deps.Ledger.Update(ctx, identity, func(a *model.CardAsset) error {
		if a.State != model.StateNeedsReview {
			return model.Invalid("review: "+identity+" is not under review", nil)
		}
		if !a.Sides.Normalized() {
			return model.Invalid("review: "+identity+" has no canonical images; retry normalization instead", nil)
		}
		if err := a.Reenter(model.StateRecognized, "resolved by operator: "+card.Title(), p.now()); err != nil {
			return model.Invalid("review: resolve", err)
		}
		a.Recognized = &card
		a.Confidence = 1
		a.Valuation = nil
		if c.Grade != 0 {
			a.EstimatedGrade = c.Grade
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("pipeline: review resolved", zap.String("identity", identity), zap.String("card", card.Title()))
	p.deps.Notifier.Resolved(ctx, identity)
	return asset, nil
}

// Retry re-enters a flagged asset at the input of the stage that flagged
// it, unchanged.
func (p *Pipeline) Retry(ctx context.Context, identity string) (*model.CardAsset, error) {
	asset, err := p.deps.Ledger.Update(ctx, identity, func(a *model.CardAsset) error {
		if a.State != model.StateNeedsReview || a.Review == nil {
			return model.Invalid("review: "+identity+" is not under review", nil)
		}
		stage := a.Review.Stage
		to := stage.Input()
		if err := a.Reenter(to, "retry "+string(stage), p.now()); err != nil {
			return model.Invalid("review: retry", err)
		}
		if !to.AtLeast(model.StateValued) {
			a.Valuation = nil
		}
		if !to.AtLeast(model.StateRecognized) {
			a.Recognized = nil
			a.Confidence = 0
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("pipeline: review retried", zap.String("identity", identity), zap.String("state", string(asset.State)))
	p.deps.Notifier.Resolved(ctx, identity)
	return asset, nil
}

// Archive moves every listed or submitted asset to archived.
func (p *Pipeline) Archive(ctx context.Context) (*StageReport, error) {
	var assets []*model.CardAsset
	for _, st := range []model.State{model.StateListed, model.StateSubmitted} {
		batch, err := p.deps.Ledger.List(ctx, ledger.AssetFilter{State: st})
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: list %s", st)
		}
		assets = append(assets, batch...)
	}
	return p.fanOut(ctx, "archive", assets, func(ctx context.Context, a *model.CardAsset) (StageOutcome, error) {
		_, err := p.deps.Ledger.Update(ctx, a.Identity, func(cur *model.CardAsset) error {
			if cur.State != model.StateListed && cur.State != model.StateSubmitted {
				return ledger.ErrNoop
			}
			return cur.Transition(model.StateArchived, "archived", p.now())
		})
		if err != nil {
			return p.updateFailed(a.Identity, err)
		}
		return advanced(a.Identity, "archived"), nil
	})
}
