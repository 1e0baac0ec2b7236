// Package routing commits valued cards to exactly one outbound batch.
package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cardflow/internal/ledger"
	"github.com/sells-group/cardflow/internal/model"
)

// ErrNotValued is returned for assets that have not reached valued.
var ErrNotValued = eris.New("routing: asset is not valued")

// Store is the slice of the ledger the router writes through.
type Store interface {
	Update(ctx context.Context, identity string, fn ledger.Mutator) (*model.CardAsset, error)
}

// RoutingResult reports what Route did with one asset.
type RoutingResult struct {
	Identity string
	State    model.State
	// Kind is the batch the asset sits in; empty when flagged.
	Kind model.BatchKind
	// AlreadyRouted is set when the asset was routed by an earlier pass.
	AlreadyRouted bool
	// Flagged is set when the asset went to review instead.
	Flagged bool
	Reason  string
}

// Router moves valued assets into their batch.
type Router struct {
	store     Store
	threshold float64
	now       func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithClock sets the clock used to stamp transitions and batch entries.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a Router. Assets whose recognition confidence is below
// threshold are flagged for review rather than routed.
func New(store Store, threshold float64, opts ...Option) *Router {
	r := &Router{store: store, threshold: threshold, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Route enqueues the asset in the batch matching its disposition and moves
// it to routed, in one ledger transaction. Routing an asset that is
// already routed (or beyond) changes nothing.
func (r *Router) Route(ctx context.Context, identity string) (*RoutingResult, error) {
	res := &RoutingResult{Identity: identity}
	at := r.now()

	asset, err := r.store.Update(ctx, identity, func(a *model.CardAsset) error {
		if a.State != model.StateNeedsReview && a.State.AtLeast(model.StateRouted) {
			res.AlreadyRouted = true
			return ledger.ErrNoop
		}
		if a.State != model.StateValued {
			return eris.Wrapf(ErrNotValued, "routing: %s is %s", a.Identity, a.State)
		}
		if a.Confidence < r.threshold {
			res.Flagged = true
			res.Reason = fmt.Sprintf("recognition confidence %.2f below threshold %.2f", a.Confidence, r.threshold)
			return a.Flag(model.StageRoute, model.KindValidation, res.Reason, at)
		}
		var disposition model.Disposition
		if a.Valuation != nil {
			disposition = a.Valuation.Disposition
		}
		kind, ok := model.BatchKindFor(disposition)
		if !ok {
			return model.Invalid("routing: no disposition", eris.Errorf("asset %s", a.Identity))
		}
		res.Kind = kind
		res.Reason = fmt.Sprintf("routed to %s batch", kind)
		return a.Transition(model.StateRouted, res.Reason, at)
	})
	if err != nil {
		return nil, err
	}

	res.State = asset.State
	if res.AlreadyRouted && asset.Valuation != nil {
		res.Kind, _ = model.BatchKindFor(asset.Valuation.Disposition)
	}
	zap.L().Info("routing: routed",
		zap.String("identity", identity),
		zap.String("state", string(res.State)),
		zap.String("batch", string(res.Kind)),
		zap.Bool("already_routed", res.AlreadyRouted),
		zap.Bool("flagged", res.Flagged),
	)
	return res, nil
}
