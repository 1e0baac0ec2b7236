// Package imaging turns raw card photographs into canonical, perspective
// corrected, fixed-aspect images.
package imaging

import (
	"bytes"
	"image"
	"image/jpeg"
	_ "image/png" // PNG captures decode too.
	"math"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"golang.org/x/image/draw"

	"github.com/sells-group/cardflow/internal/config"
	"github.com/sells-group/cardflow/internal/model"
)

// Failure reasons.
const (
	ReasonBoundaryNotFound = "boundary not found"
	ReasonAspectMismatch   = "aspect mismatch"
	ReasonUndecodable      = "undecodable image"
)

// CardAspect is the width:height ratio of a standard trading card (2.5:3.5).
const CardAspect = 2.5 / 3.5

// NormalizationFailure reports an image that could not be normalized.
type NormalizationFailure struct {
	Reason string
}

func (e *NormalizationFailure) Error() string {
	return "normalization failure: " + e.Reason
}

// ErrorKind implements model.Kinded.
func (e *NormalizationFailure) ErrorKind() model.ErrorKind {
	return model.KindValidation
}

// Normalizer produces the canonical image for one card side. Input images
// are never mutated.
type Normalizer interface {
	Normalize(img image.Image) (image.Image, error)
}

// Options tunes boundary detection and the canonical output.
type Options struct {
	Width           int
	Height          int
	MinAreaRatio    float64
	AspectTolerance float64
	BlockSize       int
	ThresholdC      float64
	MaxDetectSide   int
}

// DefaultOptions returns the 500x700 canonical settings.
func DefaultOptions() Options {
	return Options{
		Width:           500,
		Height:          700,
		MinAreaRatio:    0.05,
		AspectTolerance: 0.08,
		BlockSize:       25,
		ThresholdC:      7,
		MaxDetectSide:   1024,
	}
}

// OptionsFromConfig maps configuration onto Options, keeping defaults for
// unset values.
func OptionsFromConfig(cfg config.NormalizeConfig) Options {
	o := DefaultOptions()
	if cfg.Width > 0 {
		o.Width = cfg.Width
	}
	if cfg.Height > 0 {
		o.Height = cfg.Height
	}
	if cfg.MinAreaRatio > 0 {
		o.MinAreaRatio = cfg.MinAreaRatio
	}
	if cfg.AspectTolerance > 0 {
		o.AspectTolerance = cfg.AspectTolerance
	}
	if cfg.BlockSize > 2 {
		o.BlockSize = cfg.BlockSize | 1
	}
	if cfg.ThresholdC > 0 {
		o.ThresholdC = cfg.ThresholdC
	}
	if cfg.MaxDetectSide > 0 {
		o.MaxDetectSide = cfg.MaxDetectSide
	}
	return o
}

// New returns the normalizer for engine ("native" or "gocv").
func New(engine string, opts Options) (Normalizer, error) {
	switch engine {
	case "native", "":
		return NewNative(opts), nil
	case "gocv":
		return NewGoCV(opts)
	default:
		return nil, eris.Errorf("imaging: unknown engine %q", engine)
	}
}

// fullFrameRatio is the share of the frame a detected boundary must cover
// for the image to count as already cropped.
const fullFrameRatio = 0.85

// Full-bleed crop heuristics: the outer band of a cropped card is its
// printed border, which is flat, and the card content inside it differs.
const (
	borderMaxStdDev = 16.0
	contentDelta    = 32.0
)

// coversFrame reports whether a boundary of the given area spans nearly the
// whole w x h frame.
func coversFrame(area float64, w, h int) bool {
	return area >= fullFrameRatio*float64(w*h)
}

// croppedCard reports whether g looks like a card that was cropped to its
// edges before capture: card aspect, a flat border band and content
// covering at least the minimum boundary area.
func croppedCard(g *image.Gray, opts Options) bool {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if w == 0 || h == 0 {
		return false
	}
	aspect := math.Min(float64(w), float64(h)) / math.Max(float64(w), float64(h))
	if math.Abs(aspect-CardAspect)/CardAspect > opts.AspectTolerance {
		return false
	}

	band := max(2, min(w, h)/50)
	inner := image.Rect(band, band, w-band, h-band)
	var sum, sumSq, n float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if image.Pt(x, y).In(inner) {
				continue
			}
			v := float64(g.Pix[y*g.Stride+x])
			sum += v
			sumSq += v * v
			n++
		}
	}
	mean := sum / n
	if math.Sqrt(math.Max(0, sumSq/n-mean*mean)) > borderMaxStdDev {
		return false
	}

	content := image.Rectangle{}
	for y := inner.Min.Y; y < inner.Max.Y; y++ {
		for x := inner.Min.X; x < inner.Max.X; x++ {
			if math.Abs(float64(g.Pix[y*g.Stride+x])-mean) > contentDelta {
				content = content.Union(image.Rect(x, y, x+1, y+1))
			}
		}
	}
	return float64(content.Dx()*content.Dy()) >= opts.MinAreaRatio*float64(w*h)
}

// fitCanonical returns an already cropped card at canonical size: as is
// when it matches, otherwise rotated upright and rescaled into a new image.
func fitCanonical(img image.Image, opts Options) image.Image {
	b := img.Bounds()
	if b.Dx() == opts.Width && b.Dy() == opts.Height {
		return img
	}
	src := img
	if b.Dx() > b.Dy() {
		src = rotate90(img)
	}
	out := image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height))
	draw.CatmullRom.Scale(out, out.Bounds(), src, src.Bounds(), draw.Src, nil)
	return out
}

// rotate90 rotates img a quarter turn clockwise.
func rotate90(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(b.Max.Y-1-y, x-b.Min.X, img.At(x, y))
		}
	}
	return out
}

// Load decodes a JPEG or PNG image from disk.
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "imaging: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, &NormalizationFailure{Reason: ReasonUndecodable + ": " + err.Error()}
	}
	return img, nil
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 92
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, eris.Wrap(err, "imaging: encode jpeg")
	}
	return buf.Bytes(), nil
}

// SaveJPEG writes img to path atomically via a temp file and rename.
func SaveJPEG(path string, img image.Image, quality int) error {
	data, err := EncodeJPEG(img, quality)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "imaging: create dir for %s", path)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrapf(err, "imaging: write %s", tmp)
	}
	return eris.Wrapf(os.Rename(tmp, path), "imaging: rename %s", tmp)
}
