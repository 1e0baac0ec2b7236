package main

import (
	"context"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cardflow/internal/imagehost"
	"github.com/sells-group/cardflow/internal/imaging"
	"github.com/sells-group/cardflow/internal/ledger"
	"github.com/sells-group/cardflow/internal/marketplace"
	"github.com/sells-group/cardflow/internal/model"
	"github.com/sells-group/cardflow/internal/ocr"
	"github.com/sells-group/cardflow/internal/pipeline"
	"github.com/sells-group/cardflow/internal/recognize"
	"github.com/sells-group/cardflow/internal/resilience"
	"github.com/sells-group/cardflow/internal/routing"
	"github.com/sells-group/cardflow/internal/submission"
	"github.com/sells-group/cardflow/internal/valuation"
	"github.com/sells-group/cardflow/internal/visualsearch"
	"github.com/sells-group/cardflow/pkg/notion"
)

// needs selects which collaborators a command builds. Credentials are only
// demanded for the collaborators a command actually uses.
type needs uint8

const (
	needLock needs = 1 << iota
	needRecognize
	needValue
	needList
	needSubmit

	needAll = needLock | needRecognize | needValue | needList | needSubmit
)

// appEnv holds the ledger, the pipeline and everything they own.
type appEnv struct {
	Ledger   ledger.Ledger
	Pipeline *pipeline.Pipeline
	// Notion is nil when the review mirror is not configured.
	Notion *pipeline.NotionNotifier
	lock   *flock.Flock
}

// Close releases the ledger and the process lock.
func (e *appEnv) Close() {
	if e.Ledger != nil {
		_ = e.Ledger.Close()
	}
	releaseLock(e.lock)
}

func (e *appEnv) fail(err error) (*appEnv, error) {
	e.Close()
	return nil, err
}

// policy is the retry and timeout policy applied to external calls.
func policy(service string) resilience.Policy {
	return resilience.NewPolicy(service, cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs, cfg.ExternalTimeout())
}

// initEnv opens the ledger and wires the pipeline with the collaborators
// selected by n. Callers should defer env.Close().
func initEnv(ctx context.Context, n needs) (*appEnv, error) {
	env := &appEnv{}
	if n&needLock != 0 {
		lock, err := acquireLock(cfg.Capture.ImageDir)
		if err != nil {
			return nil, err
		}
		env.lock = lock
	}

	l, err := ledger.Open(ctx, cfg.Store)
	if err != nil {
		return env.fail(eris.Wrap(err, "open ledger"))
	}
	env.Ledger = l

	normalizer, err := imaging.New(cfg.Normalize.Engine, imaging.OptionsFromConfig(cfg.Normalize))
	if err != nil {
		return env.fail(err)
	}
	deps := pipeline.Deps{
		Ledger:     l,
		Normalizer: normalizer,
		Router:     routing.New(l, cfg.Recognize.ConfidenceThreshold),
	}

	if n&needRecognize != 0 {
		extractor, err := ocr.NewExtractor(cfg.OCR)
		if err != nil {
			return env.fail(err)
		}
		searcher, err := visualsearch.New(cfg.Recognize.VisualProvider, cfg.Visual, cfg.Anthropic)
		if err != nil {
			return env.fail(err)
		}
		deps.Recognizer = recognize.New(extractor, searcher, recognize.Options{
			SetAuthority: cfg.Recognize.SetAuthority,
			OCRPolicy:    policy("ocr"),
			SearchPolicy: policy("visualsearch"),
			Breaker:      visualsearch.NewBreaker(cfg.Visual),
		})
	}

	if n&needValue != 0 {
		prices, err := valuation.NewSource(cfg.Pricing, l)
		if err != nil {
			return env.fail(err)
		}
		deps.Valuer = valuation.NewEngine(prices, valuation.FeesFromConfig(cfg.Fees), policy("pricing"))
	}

	if n&needList != 0 {
		ebay, err := marketplace.NewEbayFromConfig(cfg.Ebay)
		if err != nil {
			return env.fail(err)
		}
		deps.Lister = ebay
		host, err := imagehost.New(ctx, cfg.Images)
		if err != nil {
			return env.fail(err)
		}
		deps.Images = host
	}

	if n&needSubmit != 0 {
		sub, err := submission.New(cfg.Submission)
		if err != nil {
			return env.fail(err)
		}
		deps.Submitter = sub
	}

	if cfg.Notion.Token != "" && cfg.Notion.ReviewDB != "" {
		env.Notion = pipeline.NewNotionNotifier(notion.NewClient(cfg.Notion.Token), cfg.Notion.ReviewDB, reviewImageURL(deps.Images))
		deps.Notifier = env.Notion
		zap.L().Info("notion review mirror enabled")
	}

	env.Pipeline = pipeline.New(deps, pipeline.Options{
		ImageDir:     cfg.Capture.ImageDir,
		CanonicalDir: cfg.Capture.CanonicalDir,
		DefaultGrade: cfg.Capture.DefaultGrade,
		JPEGQuality:  cfg.Normalize.JPEGQuality,
		Concurrency:  cfg.Batch.Concurrency,
		ServiceLevel: cfg.Submission.ServiceLevel,
		Policy:       policy("outbound"),
	})
	return env, nil
}

// reviewImageURL publishes the front image for reviewers when an image host
// is wired.
func reviewImageURL(host imagehost.Host) pipeline.ImageURLFunc {
	if host == nil {
		return nil
	}
	return func(ctx context.Context, a *model.CardAsset) string {
		ref := a.Sides.Front
		path := ref.Canonical
		if path == "" {
			path = ref.Path
		}
		if path == "" {
			return ""
		}
		u, err := host.Publish(ctx, path, filepath.Base(path))
		if err != nil {
			zap.L().Warn("review image publish failed", zap.String("identity", a.Identity), zap.Error(err))
			return ""
		}
		return u
	}
}
