package imaging

import (
	"image"
	"math"

	"go.uber.org/zap"
)

// Native is the pure-Go normalizer.
type Native struct {
	opts Options
}

// NewNative creates a Native normalizer.
func NewNative(opts Options) *Native {
	return &Native{opts: opts}
}

// Normalize detects the card boundary and warps it onto the canonical
// canvas. A boundary spanning the whole frame means the image is already
// cropped, which keeps Normalize idempotent on its own output.
func (n *Native) Normalize(img image.Image) (image.Image, error) {
	gray, scale := grayscale(img, n.opts.MaxDetectSide)
	corners, full, err := n.detect(gray, scale)
	switch {
	case err != nil && croppedCard(gray, n.opts):
		zap.L().Debug("imaging: no inner boundary, using full-bleed crop", zap.Error(err))
		return fitCanonical(img, n.opts), nil
	case err != nil:
		return nil, err
	case full:
		return fitCanonical(img, n.opts), nil
	}
	return n.rectify(img, corners)
}

// detect finds the four source-space corners of the largest card-like
// boundary in gray, a copy of the source downscaled by scale. full is set
// when that boundary spans the frame.
func (n *Native) detect(gray *image.Gray, scale float64) (corners [4]vec, full bool, err error) {
	w, h := gray.Rect.Dx(), gray.Rect.Dy()
	mask := adaptiveThresholdInv(gray, n.opts.BlockSize, n.opts.ThresholdC)
	labels, comps := components(mask, w, h)

	minArea := n.opts.MinAreaRatio * float64(w*h)
	var best []vec
	bestArea := 0.0
	for _, c := range comps {
		// The hull never exceeds the bounding box.
		if float64(c.bounds.Dx()*c.bounds.Dy()) < minArea {
			continue
		}
		hull := convexHull(outline(labels, w, c))
		if len(hull) < 3 {
			continue
		}
		// Strictly greater: the first boundary found wins ties.
		if area := polygonArea(hull); area >= minArea && area > bestArea {
			best, bestArea = hull, area
		}
	}
	if best == nil {
		return corners, false, &NormalizationFailure{Reason: ReasonBoundaryNotFound}
	}

	rect, ok := minAreaRect(best)
	if !ok {
		return corners, false, &NormalizationFailure{Reason: ReasonBoundaryNotFound}
	}
	if dev := math.Abs(rect.aspect()-CardAspect) / CardAspect; dev > n.opts.AspectTolerance {
		zap.L().Debug("imaging: aspect mismatch",
			zap.Float64("aspect", rect.aspect()),
			zap.Float64("deviation", dev),
		)
		return corners, false, &NormalizationFailure{Reason: ReasonAspectMismatch}
	}

	corners = portraitCorners(rect.Corners)
	for i := range corners {
		corners[i] = corners[i].scale(1 / scale)
	}
	return corners, coversFrame(rect.area(), w, h), nil
}

// rectify maps the corners, relative to the image origin, onto the
// canonical output rectangle.
func (n *Native) rectify(img image.Image, corners [4]vec) (image.Image, error) {
	W, H := float64(n.opts.Width), float64(n.opts.Height)
	dst := [4]vec{{0, 0}, {W, 0}, {W, H}, {0, H}}

	h, ok := homography(dst, corners)
	if !ok {
		return nil, &NormalizationFailure{Reason: ReasonBoundaryNotFound}
	}
	return warp(img, h, n.opts.Width, n.opts.Height), nil
}
