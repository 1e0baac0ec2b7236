package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/cardflow/internal/config"
	"github.com/sells-group/cardflow/internal/identity"
	"github.com/sells-group/cardflow/internal/imaging"
	"github.com/sells-group/cardflow/internal/ledger"
	"github.com/sells-group/cardflow/internal/model"
	"github.com/sells-group/cardflow/internal/recognize"
	"github.com/sells-group/cardflow/internal/resilience"
	"github.com/sells-group/cardflow/internal/routing"
	"github.com/sells-group/cardflow/internal/submission"
	"github.com/sells-group/cardflow/internal/valuation"
)

var t0 = time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

const prices = `cards:
  - year: 2018
    set: Topps Chrome
    player: Shohei Ohtani
    number: "150"
    ungraded: "30.00"
    graded:
      9: "120.00"
  - year: 1989
    set: Upper Deck
    player: Ken Griffey Jr
    number: "1"
    ungraded: "50.00"
    graded:
      10: "55.00"
`

var ohtani = model.RecognizedCard{
	Year: 2018, Set: "Topps Chrome", Player: "Shohei Ohtani", Number: "150",
	Sources: map[string]string{"year": "text", "player": "text", "set": "visual", "number": "visual"},
}

var griffey = model.RecognizedCard{Year: 1989, Set: "Upper Deck", Player: "Ken Griffey Jr", Number: "1"}

// cardImage is a bright upright 400x560 card centred on a dark 800x1000
// frame, with a red panel in its lower half.
func cardImage() *image.RGBA {
	const w, h = 800, 1000
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{R: 30, G: 32, B: 35, A: 255}
			if x >= 200 && x < 600 && y >= 220 && y < 780 {
				c = color.RGBA{R: 225, G: 220, B: 210, A: 255}
				if y > 570 && y < 686 && x > 300 && x < 500 {
					c = color.RGBA{R: 150, G: 40, B: 40, A: 255}
				}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func blankImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 800, 1000))
	for i := range img.Pix {
		img.Pix[i] = 120
	}
	return img
}

// writeCapture drops a front/back pair (and optional grade sidecar) into dir.
func writeCapture(t *testing.T, dir string, seq int, grade int, front, back image.Image) model.Identity {
	t.Helper()
	id := model.Identity{Day: 1234, Seq: seq}
	if front != nil {
		require.NoError(t, imaging.SaveJPEG(filepath.Join(dir, id.FileName(model.SideFront)), front, 95))
	}
	if back != nil {
		require.NoError(t, imaging.SaveJPEG(filepath.Join(dir, id.FileName(model.SideBack)), back, 95))
	}
	if grade > 0 {
		require.NoError(t, identity.WriteSidecar(dir, id, grade))
	}
	return id
}

type fakeRecognizer struct {
	mu      sync.Mutex
	results map[string]*recognize.Result
	errs    map[string]error
}

func (f *fakeRecognizer) Recognize(_ context.Context, front, _ string) (*recognize.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := strings.TrimSuffix(filepath.Base(front), "_F.jpg")
	if err, ok := f.errs[id]; ok {
		return nil, err
	}
	if r, ok := f.results[id]; ok {
		return r, nil
	}
	return nil, model.DataUnavailable("recognize: no year from text or visual search", nil)
}

type fakeLister struct {
	mu       sync.Mutex
	listings []model.Listing
	err      error
}

func (f *fakeLister) CreateListing(_ context.Context, l model.Listing) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.listings = append(f.listings, l)
	return "ebay-" + l.SKU, nil
}

type fakeHost struct{}

func (fakeHost) Publish(_ context.Context, _, name string) (string, error) {
	return "https://img.example.com/" + name, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	flagged  []string
	resolved []string
}

func (n *recordingNotifier) Flagged(_ context.Context, a *model.CardAsset) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.flagged = append(n.flagged, a.Identity)
}

func (n *recordingNotifier) Resolved(_ context.Context, id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, id)
}

type harness struct {
	p        *Pipeline
	ledger   *ledger.SQLite
	images   string
	outbox   string
	rec      *fakeRecognizer
	lister   *fakeLister
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	l, err := ledger.NewSQLite(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, l.Migrate(context.Background()))
	t.Cleanup(func() { _ = l.Close() })

	sheet, err := valuation.ParseSheet([]byte(prices))
	require.NoError(t, err)
	fees := valuation.FeesFromConfig(config.FeesConfig{MarketplaceFeeRate: 0.15, GradingBaseFee: 25})
	policy := resilience.NewPolicy("test", 1, 1, 1, 0)

	h := &harness{
		ledger:   l,
		images:   filepath.Join(dir, "images"),
		outbox:   filepath.Join(dir, "outbox"),
		rec:      &fakeRecognizer{results: map[string]*recognize.Result{}, errs: map[string]error{}},
		lister:   &fakeLister{},
		notifier: &recordingNotifier{},
	}
	require.NoError(t, os.MkdirAll(h.images, 0o755))

	h.p = New(Deps{
		Ledger:     l,
		Normalizer: imaging.NewNative(imaging.DefaultOptions()),
		Recognizer: h.rec,
		Valuer:     valuation.NewEngine(sheet, fees, policy),
		Router:     routing.New(l, 0.8, routing.WithClock(func() time.Time { return t0 })),
		Lister:     h.lister,
		Images:     fakeHost{},
		Submitter:  submission.NewOutbox(h.outbox),
		Notifier:   h.notifier,
	}, Options{
		ImageDir:     h.images,
		CanonicalDir: filepath.Join(dir, "canonical"),
		DefaultGrade: 8,
		JPEGQuality:  90,
		Concurrency:  4,
		ServiceLevel: "economy",
		Policy:       policy,
	})
	h.p.now = func() time.Time { return t0 }
	return h
}

func (h *harness) get(t *testing.T, id string) *model.CardAsset {
	t.Helper()
	a, err := h.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func transientErr() error {
	return resilience.NewTransientError(errors.New("upstream 503"), 503)
}

// advanceTo runs passes in order, failing the test on any abort.
func advanceTo(t *testing.T, passes ...func(context.Context) (*StageReport, error)) {
	t.Helper()
	for _, pass := range passes {
		_, err := pass(context.Background())
		require.NoError(t, err)
	}
}
