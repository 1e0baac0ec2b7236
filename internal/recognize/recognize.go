// Package recognize fuses OCR text and visual search into one structured
// card identity with a confidence score.
package recognize

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/cardflow/internal/model"
	"github.com/sells-group/cardflow/internal/ocr"
	"github.com/sells-group/cardflow/internal/resilience"
	"github.com/sells-group/cardflow/internal/visualsearch"
)

// Field weights in the confidence score.
const (
	weightYear   = 0.4
	weightPlayer = 0.3
	weightSet    = 0.3
)

// Set authorities.
const (
	AuthorityVisual = "visual"
	AuthorityText   = "text"
)

// Source tags recorded on RecognizedCard.Sources.
const (
	SourceText   = "text"
	SourceVisual = "visual"
	SourceManual = "manual"
)

// Result is the reconciled identity of one card.
type Result struct {
	Card       model.RecognizedCard
	Confidence float64
	// Degraded is set when visual search could not be consulted.
	Degraded bool
	// Conflicts names the fields on which the two paths disagreed.
	Conflicts []string
}

// Options configures a Recognizer.
type Options struct {
	// SetAuthority picks which path wins the set field on disagreement.
	SetAuthority string
	// OCRPolicy and SearchPolicy govern calls to the collaborators.
	OCRPolicy    resilience.Policy
	SearchPolicy resilience.Policy
	// Breaker guards visual search for the rest of the run. May be nil.
	Breaker *resilience.Breaker
}

// Recognizer identifies cards from their canonical images.
type Recognizer struct {
	ocr    ocr.Extractor
	search visualsearch.Searcher
	opts   Options
	now    func() time.Time
}

// New creates a Recognizer. search may be nil, in which case every result
// is text-only and degraded.
func New(extractor ocr.Extractor, search visualsearch.Searcher, opts Options) *Recognizer {
	if opts.SetAuthority == "" {
		opts.SetAuthority = AuthorityVisual
	}
	return &Recognizer{ocr: extractor, search: search, opts: opts, now: time.Now}
}

// Recognize reads both sides and queries visual search with the front,
// then reconciles the two paths. It fails with a data_unavailable error
// when neither path yields a year.
func (r *Recognizer) Recognize(ctx context.Context, front, back string) (*Result, error) {
	var (
		frontText, backText string
		match               *visualsearch.Match
		degraded            bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		frontText = r.readText(gctx, front)
		return nil
	})
	g.Go(func() error {
		backText = r.readText(gctx, back)
		return nil
	})
	g.Go(func() error {
		match, degraded = r.lookup(gctx, front)
		return nil
	})
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := ParseText(frontText+"\n"+backText, r.now().Year()+1)
	return r.reconcile(text, match, degraded)
}

// readText runs OCR under the retry policy. Failures read as empty text.
func (r *Recognizer) readText(ctx context.Context, path string) string {
	if r.ocr == nil {
		return ""
	}
	text, err := resilience.CallVal(ctx, r.opts.OCRPolicy, "ocr", func(ctx context.Context) (string, error) {
		return r.ocr.TextFrom(ctx, path)
	})
	if err != nil {
		zap.L().Warn("recognize: ocr failed, continuing without text",
			zap.String("image", path),
			zap.Error(err),
		)
		return ""
	}
	return text
}

// lookup queries visual search. A definite miss returns (nil, false); any
// other failure, an open breaker, or a missing searcher returns (nil, true).
func (r *Recognizer) lookup(ctx context.Context, path string) (*visualsearch.Match, bool) {
	if r.search == nil {
		return nil, true
	}
	if r.opts.Breaker != nil {
		if err := r.opts.Breaker.Allow(); err != nil {
			zap.L().Debug("recognize: visual search skipped", zap.Error(err))
			return nil, true
		}
	}

	match, err := resilience.CallVal(ctx, r.opts.SearchPolicy, "search", func(ctx context.Context) (*visualsearch.Match, error) {
		return r.search.Search(ctx, path)
	})
	if r.opts.Breaker != nil {
		r.opts.Breaker.Record(err, func(err error) bool {
			return !errors.Is(err, visualsearch.ErrNotFound)
		})
	}
	switch {
	case err == nil:
		return match, false
	case errors.Is(err, visualsearch.ErrNotFound):
		return nil, false
	default:
		zap.L().Warn("recognize: visual search failed, falling back to text only",
			zap.String("image", path),
			zap.Error(err),
		)
		return nil, true
	}
}

func (r *Recognizer) reconcile(text TextFields, match *visualsearch.Match, degraded bool) (*Result, error) {
	var vis visualFields
	if match != nil {
		vis = visualFields{
			Year:   match.Year,
			Player: match.Player,
			Set:    optionalString(match.Set),
			Number: optionalString(match.Number),
		}
	}

	res := &Result{Degraded: degraded}
	card := model.RecognizedCard{Sources: map[string]string{}}

	year, yearSrc, yearScore, yearConflict := pickYear(text.Year, vis.Year)
	if yearSrc == "" {
		return nil, model.DataUnavailable("recognize: no year from text or visual search", nil)
	}
	card.Year = year
	card.Sources["year"] = yearSrc
	if yearConflict {
		res.Conflicts = append(res.Conflicts, "year")
	}

	player, playerSrc, playerScore, playerConflict := pick(text.Player, vis.Player, SourceText)
	card.Player = player
	if playerSrc != "" {
		card.Sources["player"] = playerSrc
	}
	if playerConflict {
		res.Conflicts = append(res.Conflicts, "player")
	}

	setFirst := SourceVisual
	if r.opts.SetAuthority == AuthorityText {
		setFirst = SourceText
	}
	set, setSrc, setScore, setConflict := pick(text.Set, vis.Set, setFirst)
	card.Set = set
	if setSrc != "" {
		card.Sources["set"] = setSrc
	}
	if setConflict {
		res.Conflicts = append(res.Conflicts, "set")
	}

	number, numberSrc, _, numberConflict := pick(text.Number, vis.Number, SourceVisual)
	card.Number = number
	if numberSrc != "" {
		card.Sources["number"] = numberSrc
	}
	if numberConflict {
		res.Conflicts = append(res.Conflicts, "number")
	}

	res.Card = card
	res.Confidence = score(yearScore, playerScore, setScore)
	return res, nil
}

// score weights the per-field scores, rounded to three places so the sum
// stays within [0,1].
func score(year, player, set float64) float64 {
	s := weightYear*year + weightPlayer*player + weightSet*set
	return math.Min(1, math.Round(s*1000)/1000)
}

type visualFields struct {
	Year   model.Optional[int]
	Player model.Optional[string]
	Set    model.Optional[string]
	Number model.Optional[string]
}

func optionalString(s string) model.Optional[string] {
	if s = strings.TrimSpace(s); s != "" {
		return model.Some(s)
	}
	return model.None[string]()
}

// pickYear prefers the text year. Full credit needs both paths agreeing.
func pickYear(text, visual model.Optional[int]) (int, string, float64, bool) {
	t, tok := text.Get()
	v, vok := visual.Get()
	switch {
	case tok && vok && t == v:
		return t, SourceText, 1, false
	case tok && vok:
		return t, SourceText, 0.5, true
	case tok:
		return t, SourceText, 0.75, false
	case vok:
		return v, SourceVisual, 0.75, false
	default:
		return 0, "", 0, false
	}
}

// pick reconciles a string field, preferring the source named first.
func pick(text, visual model.Optional[string], first string) (string, string, float64, bool) {
	t, tok := text.Get()
	v, vok := visual.Get()
	switch {
	case tok && vok && strings.EqualFold(t, v):
		if first == SourceText {
			return t, SourceText, 1, false
		}
		return v, SourceVisual, 1, false
	case tok && vok:
		if first == SourceText {
			return t, SourceText, 0.5, true
		}
		return v, SourceVisual, 0.5, true
	case tok:
		return t, SourceText, 1, false
	case vok:
		return v, SourceVisual, 1, false
	default:
		return "", "", 0, false
	}
}
