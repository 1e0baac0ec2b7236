package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cardflow/internal/identity"
	"github.com/sells-group/cardflow/internal/ledger"
	"github.com/sells-group/cardflow/internal/model"
)

// Ingest registers every complete front/back pair found in the image
// directory that the ledger does not know yet. Pairs missing a side, or
// with an unusable grade sidecar, stay pending until the files are fixed.
func (p *Pipeline) Ingest(ctx context.Context) (*StageReport, error) {
	captures, err := identity.Scan(p.opts.ImageDir)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: scan image dir")
	}

	assets := make([]*model.CardAsset, 0, len(captures))
	byID := make(map[string]identity.Capture, len(captures))
	for _, c := range captures {
		grade := c.Grade
		if grade < 1 || grade > 10 {
			grade = p.opts.DefaultGrade
		}
		a := model.NewCardAsset(c.Identity, grade, p.now())
		a.Sides.Front = model.ImageRef{Path: c.Front}
		a.Sides.Back = model.ImageRef{Path: c.Back}
		assets = append(assets, a)
		byID[a.Identity] = c
	}

	return p.fanOut(ctx, "ingest", assets, func(ctx context.Context, a *model.CardAsset) (StageOutcome, error) {
		c := byID[a.Identity]
		if !c.Complete() {
			missing := model.SideBack
			if c.Front == "" {
				missing = model.SideFront
			}
			return pending(a.Identity, fmt.Sprintf("missing %s image", missing)), nil
		}
		if c.SidecarErr != nil {
			zap.L().Warn("pipeline: capture held back", zap.String("identity", a.Identity), zap.Error(c.SidecarErr))
			return pending(a.Identity, c.SidecarErr.Error()), nil
		}
		err := p.deps.Ledger.Register(ctx, a)
		switch {
		case err == nil:
			return advanced(a.Identity, "captured"), nil
		case errors.Is(err, ledger.ErrExists):
			return skipped(a.Identity, "already registered"), nil
		default:
			return p.updateFailed(a.Identity, err)
		}
	})
}
