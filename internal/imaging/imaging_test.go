package imaging

import (
	"errors"
	"image"
	"image/color"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cardflow/internal/config"
	"github.com/sells-group/cardflow/internal/model"
)

// synthCard draws a bright card of size cw x ch, rotated by deg around
// (cx, cy), on a dark w x h background. The card carries a darker panel in
// its lower half so it has content.
func synthCard(w, h int, cx, cy, cw, ch, deg float64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	rad := deg * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := float64(x)+0.5-cx, float64(y)+0.5-cy
			u := dx*cos + dy*sin
			v := -dx*sin + dy*cos
			c := color.RGBA{R: 30, G: 32, B: 35, A: 255}
			if math.Abs(u) <= cw/2 && math.Abs(v) <= ch/2 {
				c = color.RGBA{R: 225, G: 220, B: 210, A: 255}
				if v > ch/8 && v < ch/3 && math.Abs(u) < cw/4 {
					c = color.RGBA{R: 150, G: 40, B: 40, A: 255}
				}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func uniform(w, h int, v uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func failureReason(t *testing.T, err error) string {
	t.Helper()
	var nf *NormalizationFailure
	require.True(t, errors.As(err, &nf), "expected NormalizationFailure, got %v", err)
	return nf.Reason
}

func TestNative_RectifiesRotatedCard(t *testing.T) {
	t.Parallel()

	src := synthCard(800, 1000, 400, 500, 400, 560, 12)
	before := append([]uint8(nil), src.Pix...)

	n := NewNative(DefaultOptions())
	out, err := n.Normalize(src)
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 500, 700), out.Bounds())
	assert.Equal(t, before, src.Pix, "input must not be mutated")

	// Card body is bright near the top of the canonical image and the red
	// panel lands in the lower half.
	assert.Greater(t, luma(out.At(250, 120)), uint8(180))
	assert.Greater(t, luma(out.At(120, 80)), uint8(180))
	r, g, _, _ := out.At(250, 480).RGBA()
	assert.Greater(t, r>>8, g>>8+60)
}

func TestNative_LandscapeCardComesOutPortrait(t *testing.T) {
	t.Parallel()

	src := synthCard(1000, 800, 500, 400, 400, 560, 90)
	out, err := NewNative(DefaultOptions()).Normalize(src)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 500, 700), out.Bounds())
}

func TestNative_Downscales(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.MaxDetectSide = 400
	src := synthCard(800, 1000, 400, 500, 400, 560, -7)
	out, err := NewNative(opts).Normalize(src)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 500, 700), out.Bounds())
	assert.Greater(t, luma(out.At(250, 120)), uint8(180))
}

func TestNative_IdempotentOnOwnOutput(t *testing.T) {
	t.Parallel()

	n := NewNative(DefaultOptions())
	first, err := n.Normalize(synthCard(800, 1000, 400, 500, 400, 560, 5))
	require.NoError(t, err)

	second, err := n.Normalize(first)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestNative_CanonicalSizedPhotoIsRectified(t *testing.T) {
	t.Parallel()

	src := synthCard(500, 700, 250, 350, 200, 280, 20)
	out, err := NewNative(DefaultOptions()).Normalize(src)
	require.NoError(t, err)

	assert.NotSame(t, src, out)
	assert.Equal(t, image.Rect(0, 0, 500, 700), out.Bounds())
	assert.Greater(t, luma(out.At(250, 150)), uint8(180), "card body fills the canvas")
	r, g, _, _ := out.At(250, 480).RGBA()
	assert.Greater(t, r>>8, g>>8+60)
}

func TestNative_CanonicalSizedFrameWithoutCard(t *testing.T) {
	t.Parallel()

	gradient := image.NewRGBA(image.Rect(0, 0, 500, 700))
	for y := 0; y < 700; y++ {
		for x := 0; x < 500; x++ {
			v := uint8(40 + y*160/700)
			gradient.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	speckled := uniform(500, 700, 128)
	for i := 0; i < len(speckled.Pix); i += 4 * 97 {
		speckled.Pix[i], speckled.Pix[i+1], speckled.Pix[i+2] = 124, 131, 126
	}

	n := NewNative(DefaultOptions())
	for name, img := range map[string]*image.RGBA{"gradient": gradient, "speckled": speckled} {
		_, err := n.Normalize(img)
		require.Error(t, err, name)
		assert.Equal(t, ReasonBoundaryNotFound, failureReason(t, err), name)
	}
}

func TestNative_FullBleedCrop(t *testing.T) {
	t.Parallel()

	n := NewNative(DefaultOptions())
	out, err := n.Normalize(synthCard(400, 560, 200, 280, 400, 560, 0))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 500, 700), out.Bounds())
	assert.Greater(t, luma(out.At(250, 120)), uint8(180))
	r, g, _, _ := out.At(250, 480).RGBA()
	assert.Greater(t, r>>8, g>>8+60)

	out, err = n.Normalize(synthCard(560, 400, 280, 200, 400, 560, 90))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 500, 700), out.Bounds(), "landscape crops come out portrait")
}

func TestCroppedCard(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	gray := func(img image.Image) *image.Gray {
		g, _ := grayscale(img, 0)
		return g
	}
	assert.True(t, croppedCard(gray(synthCard(400, 560, 200, 280, 400, 560, 0)), opts))
	assert.False(t, croppedCard(gray(uniform(400, 560, 200)), opts), "no content")
	assert.False(t, croppedCard(gray(synthCard(500, 500, 250, 250, 500, 500, 0)), opts), "square frame")
	assert.False(t, croppedCard(gray(synthCard(500, 700, 250, 350, 40, 56, 0)), opts), "tiny card on a table")
}

func TestNative_BlankFrame(t *testing.T) {
	t.Parallel()

	n := NewNative(DefaultOptions())
	for _, img := range []*image.RGBA{uniform(800, 1000, 128), uniform(500, 700, 0)} {
		_, err := n.Normalize(img)
		require.Error(t, err)
		assert.Equal(t, ReasonBoundaryNotFound, failureReason(t, err))
	}
}

func TestNative_TooSmall(t *testing.T) {
	t.Parallel()

	src := synthCard(800, 1000, 400, 500, 40, 56, 0)
	_, err := NewNative(DefaultOptions()).Normalize(src)
	require.Error(t, err)
	assert.Equal(t, ReasonBoundaryNotFound, failureReason(t, err))
}

func TestNative_AspectMismatch(t *testing.T) {
	t.Parallel()

	src := synthCard(800, 1000, 400, 500, 450, 450, 0)
	_, err := NewNative(DefaultOptions()).Normalize(src)
	require.Error(t, err)
	assert.Equal(t, ReasonAspectMismatch, failureReason(t, err))

	kind, ok := model.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, model.KindValidation, kind)
}

func TestConvexHullAndArea(t *testing.T) {
	t.Parallel()

	pts := []image.Point{{0, 0}, {4, 0}, {4, 3}, {0, 3}, {2, 1}, {1, 2}, {4, 0}}
	hull := convexHull(pts)
	assert.Len(t, hull, 4)
	assert.InDelta(t, 12.0, polygonArea(hull), 1e-9)
}

func TestMinAreaRect_Rotated(t *testing.T) {
	t.Parallel()

	// A 2x4 rectangle rotated 45 degrees.
	s := math.Sqrt2
	hull := []vec{{0, 0}, {s, s}, {s - 2*s, s + 2*s}, {-2 * s, 2 * s}}
	rect, ok := minAreaRect(hull)
	require.True(t, ok)
	assert.InDelta(t, 8.0, rect.area(), 1e-6)
	assert.InDelta(t, 0.5, rect.aspect(), 1e-6)
}

func TestPortraitCorners(t *testing.T) {
	t.Parallel()

	want := [4]vec{{0, 0}, {5, 0}, {5, 7}, {0, 7}}
	inputs := [][4]vec{
		{{0, 0}, {5, 0}, {5, 7}, {0, 7}},
		{{5, 7}, {0, 7}, {0, 0}, {5, 0}},
		{{0, 7}, {5, 7}, {5, 0}, {0, 0}},
		{{5, 0}, {5, 7}, {0, 7}, {0, 0}},
	}
	for _, in := range inputs {
		assert.Equal(t, want, portraitCorners(in))
	}
}

func TestHomography_MapsCorners(t *testing.T) {
	t.Parallel()

	src := [4]vec{{0, 0}, {500, 0}, {500, 700}, {0, 700}}
	dst := [4]vec{{10, 20}, {410, 40}, {400, 600}, {5, 580}}
	h, ok := homography(src, dst)
	require.True(t, ok)
	for i := range src {
		got := applyHomography(h, src[i])
		assert.InDelta(t, dst[i].X, got.X, 1e-6)
		assert.InDelta(t, dst[i].Y, got.Y, 1e-6)
	}

	_, ok = homography([4]vec{{1, 1}, {1, 1}, {1, 1}, {1, 1}}, dst)
	assert.False(t, ok)
}

func TestNew(t *testing.T) {
	t.Parallel()

	n, err := New("native", DefaultOptions())
	require.NoError(t, err)
	assert.IsType(t, &Native{}, n)

	_, err = New("magic", DefaultOptions())
	assert.Error(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	t.Parallel()

	o := OptionsFromConfig(config.NormalizeConfig{Width: 250, Height: 350, BlockSize: 24})
	assert.Equal(t, 250, o.Width)
	assert.Equal(t, 350, o.Height)
	assert.Equal(t, 25, o.BlockSize, "block size is forced odd")
	assert.Equal(t, 0.05, o.MinAreaRatio)
}

func TestSaveAndLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out", "card.jpg")
	src := synthCard(100, 140, 50, 70, 60, 84, 0)
	require.NoError(t, SaveJPEG(path, src, 90))

	img, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, src.Bounds(), img.Bounds())

	_, err = Load(filepath.Join(t.TempDir(), "missing.jpg"))
	assert.Error(t, err)
}
