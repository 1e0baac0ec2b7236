// Package pipeline drives card assets through the stages: ingest,
// normalize, recognize, value, route, then flush the outbound batches.
// Every stage reads its worklist from the ledger and writes results back
// through it, so any pass can be interrupted and rerun.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/cardflow/internal/imagehost"
	"github.com/sells-group/cardflow/internal/imaging"
	"github.com/sells-group/cardflow/internal/ledger"
	"github.com/sells-group/cardflow/internal/model"
	"github.com/sells-group/cardflow/internal/recognize"
	"github.com/sells-group/cardflow/internal/resilience"
	"github.com/sells-group/cardflow/internal/routing"
	"github.com/sells-group/cardflow/internal/submission"
)

// Recognizer identifies a card from its canonical images.
type Recognizer interface {
	Recognize(ctx context.Context, front, back string) (*recognize.Result, error)
}

// Valuer prices a recognized card.
type Valuer interface {
	Evaluate(ctx context.Context, card model.RecognizedCard, grade int) (*model.Valuation, error)
}

// Router commits a valued asset to its batch.
type Router interface {
	Route(ctx context.Context, identity string) (*routing.RoutingResult, error)
}

// Lister publishes one listing on a marketplace and returns its id.
type Lister interface {
	CreateListing(ctx context.Context, listing model.Listing) (string, error)
}

// Deps are the collaborators of a Pipeline. Collaborators a pass does not
// use may be nil.
type Deps struct {
	Ledger     ledger.Ledger
	Normalizer imaging.Normalizer
	Recognizer Recognizer
	Valuer     Valuer
	Router     Router
	Lister     Lister
	Images     imagehost.Host
	Submitter  submission.Submitter
	Notifier   Notifier
}

// Options tune a Pipeline.
type Options struct {
	ImageDir     string
	CanonicalDir string
	DefaultGrade int
	JPEGQuality  int
	Concurrency  int
	ServiceLevel string
	// Policy wraps marketplace and submission calls.
	Policy resilience.Policy
}

// Pipeline runs stage passes over the ledger.
type Pipeline struct {
	deps Deps
	opts Options
	now  func() time.Time
}

// New creates a Pipeline.
func New(deps Deps, opts Options) *Pipeline {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.DefaultGrade < 1 || opts.DefaultGrade > 10 {
		opts.DefaultGrade = 8
	}
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}
	return &Pipeline{deps: deps, opts: opts, now: time.Now}
}

// Run executes every stage in order and flushes both batches once routing
// is complete. It stops at the first persistence failure.
func (p *Pipeline) Run(ctx context.Context) ([]*StageReport, error) {
	passes := []func(context.Context) (*StageReport, error){
		p.Ingest,
		p.Normalize,
		p.Recognize,
		p.Value,
		p.Route,
		p.FlushListings,
		p.FlushSubmissions,
	}
	var reports []*StageReport
	for _, pass := range passes {
		r, err := pass(ctx)
		if r != nil {
			reports = append(reports, r)
		}
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// stepFunc processes one asset. A returned error aborts the pass.
type stepFunc func(ctx context.Context, a *model.CardAsset) (StageOutcome, error)

// forEach runs step over every asset in state with a bounded worker pool.
func (p *Pipeline) forEach(ctx context.Context, name string, state model.State, step stepFunc) (*StageReport, error) {
	assets, err := p.deps.Ledger.List(ctx, ledger.AssetFilter{State: state})
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: %s worklist", name)
	}
	return p.fanOut(ctx, name, assets, step)
}

func (p *Pipeline) fanOut(ctx context.Context, name string, assets []*model.CardAsset, step stepFunc) (*StageReport, error) {
	start := time.Now()
	report := &StageReport{Stage: name}
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, a := range assets {
		g.Go(func() error {
			out, err := step(gCtx, a)
			if err != nil {
				return err
			}
			mu.Lock()
			report.Outcomes = append(report.Outcomes, out)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	report.sort()
	report.Duration = time.Since(start)
	fields := []zap.Field{
		zap.String("stage", name),
		zap.Int("assets", len(assets)),
		zap.Int64("duration_ms", report.Duration.Milliseconds()),
	}
	for o, n := range report.Tally() {
		fields = append(fields, zap.Int(string(o), n))
	}
	if err != nil {
		zap.L().Error("pipeline: stage aborted", append(fields, zap.Error(err))...)
		return report, err
	}
	zap.L().Info("pipeline: stage complete", fields...)
	return report, nil
}

// classify maps a stage error to the kind recorded on the asset.
func classify(err error) model.ErrorKind {
	if kind, ok := model.KindOf(err); ok {
		return kind
	}
	if resilience.IsTransient(err) {
		return model.KindTransient
	}
	return model.KindPermanent
}

// flag sends the asset to review. Persistence failures are returned so the
// pass aborts; anything else becomes a failed outcome.
func (p *Pipeline) flag(ctx context.Context, identity string, stage model.Stage, cause error) (StageOutcome, error) {
	if model.IsPersistence(cause) {
		return StageOutcome{}, cause
	}
	kind := classify(cause)
	reason := cause.Error()

	asset, err := p.deps.Ledger.Update(ctx, identity, func(a *model.CardAsset) error {
		if a.State != stage.Input() {
			return ledger.ErrNoop
		}
		return a.Flag(stage, kind, reason, p.now())
	})
	if err != nil {
		return p.updateFailed(identity, err)
	}
	if asset.State != model.StateNeedsReview {
		return skipped(identity, "state changed to "+string(asset.State)), nil
	}

	zap.L().Warn("pipeline: flagged for review",
		zap.String("identity", identity),
		zap.String("stage", string(stage)),
		zap.String("kind", string(kind)),
		zap.String("reason", reason),
	)
	p.deps.Notifier.Flagged(ctx, asset)
	return StageOutcome{Identity: identity, Outcome: OutcomeFlagged, Reason: reason}, nil
}

// updateFailed turns a ledger update error into an outcome, or an abort
// for persistence failures.
func (p *Pipeline) updateFailed(identity string, err error) (StageOutcome, error) {
	if model.IsPersistence(err) {
		return StageOutcome{}, err
	}
	zap.L().Error("pipeline: update rejected", zap.String("identity", identity), zap.Error(err))
	return failed(identity, err), nil
}
