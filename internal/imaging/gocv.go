//go:build gocv
// +build gocv

package imaging

import (
	"errors"
	"image"
	"math"

	"gocv.io/x/gocv"
)

// GoCV is the OpenCV-backed normalizer.
type GoCV struct {
	opts Options
}

// NewGoCV creates an OpenCV normalizer.
func NewGoCV(opts Options) (Normalizer, error) {
	return &GoCV{opts: opts}, nil
}

// Normalize mirrors Native using OpenCV primitives.
func (g *GoCV) Normalize(img image.Image) (image.Image, error) {
	out, err := g.normalize(img)
	var nf *NormalizationFailure
	if errors.As(err, &nf) {
		if gray, _ := grayscale(img, g.opts.MaxDetectSide); croppedCard(gray, g.opts) {
			return fitCanonical(img, g.opts), nil
		}
	}
	return out, err
}

func (g *GoCV) normalize(img image.Image) (image.Image, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, &NormalizationFailure{Reason: ReasonUndecodable + ": " + err.Error()}
	}
	defer mat.Close()

	scale := 1.0
	work := mat
	if side := max(mat.Cols(), mat.Rows()); g.opts.MaxDetectSide > 0 && side > g.opts.MaxDetectSide {
		scale = float64(g.opts.MaxDetectSide) / float64(side)
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(mat, &resized, image.Pt(int(float64(mat.Cols())*scale), int(float64(mat.Rows())*scale)), 0, 0, gocv.InterpolationArea)
		work = resized
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(work, &gray, gocv.ColorRGBToGray)

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.AdaptiveThreshold(gray, &thresh, 255, gocv.AdaptiveThresholdMean, gocv.ThresholdBinaryInv, g.opts.BlockSize, float32(g.opts.ThresholdC))

	contours := gocv.FindContours(thresh, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	minArea := g.opts.MinAreaRatio * float64(work.Cols()*work.Rows())
	best := -1
	bestArea := 0.0
	for i := 0; i < contours.Size(); i++ {
		area := gocv.ContourArea(contours.At(i))
		if area >= minArea && area > bestArea {
			best, bestArea = i, area
		}
	}
	if best < 0 {
		return nil, &NormalizationFailure{Reason: ReasonBoundaryNotFound}
	}

	rr := gocv.MinAreaRect(contours.At(best))
	if len(rr.Points) != 4 {
		return nil, &NormalizationFailure{Reason: ReasonBoundaryNotFound}
	}
	var corners [4]vec
	for i, p := range rr.Points {
		corners[i] = vec{float64(p.X), float64(p.Y)}
	}
	a := corners[1].sub(corners[0]).norm()
	b := corners[2].sub(corners[1]).norm()
	if a == 0 || b == 0 {
		return nil, &NormalizationFailure{Reason: ReasonBoundaryNotFound}
	}
	if dev := math.Abs(math.Min(a, b)/math.Max(a, b)-CardAspect) / CardAspect; dev > g.opts.AspectTolerance {
		return nil, &NormalizationFailure{Reason: ReasonAspectMismatch}
	}

	if coversFrame(a*b, work.Cols(), work.Rows()) {
		return fitCanonical(img, g.opts), nil
	}

	corners = portraitCorners(corners)
	src := make([]image.Point, 4)
	for i, c := range corners {
		c = c.scale(1 / scale)
		src[i] = image.Pt(int(math.Round(c.X)), int(math.Round(c.Y)))
	}
	W, H := g.opts.Width, g.opts.Height
	dst := []image.Point{{0, 0}, {W, 0}, {W, H}, {0, H}}

	srcVec := gocv.NewPointVectorFromPoints(src)
	defer srcVec.Close()
	dstVec := gocv.NewPointVectorFromPoints(dst)
	defer dstVec.Close()
	transform := gocv.GetPerspectiveTransform(srcVec, dstVec)
	defer transform.Close()

	out := gocv.NewMat()
	defer out.Close()
	gocv.WarpPerspective(mat, &out, transform, image.Pt(W, H))

	return out.ToImage()
}
