package imaging

import (
	"image"
	"image/color"
	"math"
	"sort"

	"golang.org/x/image/draw"
)

type vec struct{ X, Y float64 }

func (a vec) sub(b vec) vec { return vec{a.X - b.X, a.Y - b.Y} }
func (a vec) add(b vec) vec { return vec{a.X + b.X, a.Y + b.Y} }
func (a vec) scale(s float64) vec { return vec{a.X * s, a.Y * s} }
func (a vec) dot(b vec) float64 { return a.X*b.X + a.Y*b.Y }
func (a vec) cross(b vec) float64 { return a.X*b.Y - a.Y*b.X }
func (a vec) norm() float64 { return math.Hypot(a.X, a.Y) }

// convexHull returns the hull of pts in counter-clockwise order (Andrew's
// monotone chain). Collinear points are dropped.
func convexHull(pts []image.Point) []vec {
	ps := make([]image.Point, len(pts))
	copy(ps, pts)
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].X != ps[j].X {
			return ps[i].X < ps[j].X
		}
		return ps[i].Y < ps[j].Y
	})
	// dedupe
	uniq := ps[:0]
	for i, p := range ps {
		if i == 0 || p != ps[i-1] {
			uniq = append(uniq, p)
		}
	}
	ps = uniq
	if len(ps) < 3 {
		out := make([]vec, len(ps))
		for i, p := range ps {
			out[i] = vec{float64(p.X), float64(p.Y)}
		}
		return out
	}

	cross := func(o, a, b image.Point) int64 {
		return int64(a.X-o.X)*int64(b.Y-o.Y) - int64(a.Y-o.Y)*int64(b.X-o.X)
	}
	hull := make([]image.Point, 0, 2*len(ps))
	for _, p := range ps {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(ps) - 2; i >= 0; i-- {
		p := ps[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	hull = hull[:len(hull)-1]

	out := make([]vec, len(hull))
	for i, p := range hull {
		out[i] = vec{float64(p.X), float64(p.Y)}
	}
	return out
}

// polygonArea is the absolute shoelace area.
func polygonArea(poly []vec) float64 {
	var s float64
	for i := range poly {
		s += poly[i].cross(poly[(i+1)%len(poly)])
	}
	return math.Abs(s) / 2
}

// rotatedRect is a minimum-area bounding rectangle.
type rotatedRect struct {
	Corners [4]vec
	// Side lengths along the first and second edge.
	A, B float64
}

func (r rotatedRect) area() float64 { return r.A * r.B }

// aspect is short side over long side.
func (r rotatedRect) aspect() float64 {
	if r.A == 0 || r.B == 0 {
		return 0
	}
	return math.Min(r.A, r.B) / math.Max(r.A, r.B)
}

// minAreaRect finds the minimum-area enclosing rectangle of a convex hull
// with rotating calipers: the optimum has one side collinear with a hull
// edge.
func minAreaRect(hull []vec) (rotatedRect, bool) {
	if len(hull) < 3 {
		return rotatedRect{}, false
	}
	best := rotatedRect{A: math.Inf(1), B: math.Inf(1)}
	found := false
	for i := range hull {
		edge := hull[(i+1)%len(hull)].sub(hull[i])
		l := edge.norm()
		if l == 0 {
			continue
		}
		e := edge.scale(1 / l)
		n := vec{-e.Y, e.X}
		minU, maxU := math.Inf(1), math.Inf(-1)
		minV, maxV := math.Inf(1), math.Inf(-1)
		for _, p := range hull {
			u, v := p.dot(e), p.dot(n)
			minU, maxU = math.Min(minU, u), math.Max(maxU, u)
			minV, maxV = math.Min(minV, v), math.Max(maxV, v)
		}
		a, b := maxU-minU, maxV-minV
		if found && a*b >= best.area() {
			continue
		}
		found = true
		best = rotatedRect{
			Corners: [4]vec{
				e.scale(minU).add(n.scale(minV)),
				e.scale(maxU).add(n.scale(minV)),
				e.scale(maxU).add(n.scale(maxV)),
				e.scale(minU).add(n.scale(maxV)),
			},
			A: a,
			B: b,
		}
	}
	return best, found
}

// portraitCorners orders rectangle corners as top-left, top-right,
// bottom-right, bottom-left of an upright portrait card: the first edge is
// a short side and it is the upper of the two short sides.
func portraitCorners(c [4]vec) [4]vec {
	// Clockwise on screen (y grows downward) has a positive cross product.
	if c[1].sub(c[0]).cross(c[2].sub(c[1])) < 0 {
		c = [4]vec{c[0], c[3], c[2], c[1]}
	}
	if c[1].sub(c[0]).norm() > c[2].sub(c[1]).norm() {
		c = [4]vec{c[1], c[2], c[3], c[0]}
	}
	if (c[2].Y + c[3].Y) < (c[0].Y + c[1].Y) {
		c = [4]vec{c[2], c[3], c[0], c[1]}
	}
	return c
}

// homography solves the projective transform mapping src[i] onto dst[i].
func homography(src, dst [4]vec) ([9]float64, bool) {
	var m [8][9]float64
	for i := 0; i < 4; i++ {
		x, y := src[i].X, src[i].Y
		u, v := dst[i].X, dst[i].Y
		m[2*i] = [9]float64{x, y, 1, 0, 0, 0, -u * x, -u * y, u}
		m[2*i+1] = [9]float64{0, 0, 0, x, y, 1, -v * x, -v * y, v}
	}

	// Gaussian elimination with partial pivoting.
	for col := 0; col < 8; col++ {
		pivot := col
		for r := col + 1; r < 8; r++ {
			if math.Abs(m[r][col]) > math.Abs(m[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(m[pivot][col]) < 1e-12 {
			return [9]float64{}, false
		}
		m[col], m[pivot] = m[pivot], m[col]
		for r := 0; r < 8; r++ {
			if r == col {
				continue
			}
			f := m[r][col] / m[col][col]
			for k := col; k < 9; k++ {
				m[r][k] -= f * m[col][k]
			}
		}
	}

	var h [9]float64
	for i := 0; i < 8; i++ {
		h[i] = m[i][8] / m[i][i]
	}
	h[8] = 1
	return h, true
}

func applyHomography(h [9]float64, p vec) vec {
	w := h[6]*p.X + h[7]*p.Y + h[8]
	return vec{
		(h[0]*p.X + h[1]*p.Y + h[2]) / w,
		(h[3]*p.X + h[4]*p.Y + h[5]) / w,
	}
}

// warp samples src through h (output -> source coordinates) into a new
// w x h image with bilinear interpolation.
func warp(src image.Image, h [9]float64, w, ht int) *image.RGBA {
	sb := src.Bounds()
	rgba, ok := src.(*image.RGBA)
	if !ok || sb.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, sb.Dx(), sb.Dy()))
		draw.Draw(rgba, rgba.Bounds(), src, sb.Min, draw.Src)
	}
	sw, sh := rgba.Rect.Dx(), rgba.Rect.Dy()

	out := image.NewRGBA(image.Rect(0, 0, w, ht))
	for y := 0; y < ht; y++ {
		for x := 0; x < w; x++ {
			p := applyHomography(h, vec{float64(x) + 0.5, float64(y) + 0.5})
			out.SetRGBA(x, y, bilinear(rgba, sw, sh, p.X-0.5, p.Y-0.5))
		}
	}
	return out
}

func bilinear(img *image.RGBA, w, h int, fx, fy float64) color.RGBA {
	fx = math.Max(0, math.Min(fx, float64(w-1)))
	fy = math.Max(0, math.Min(fy, float64(h-1)))
	x0, y0 := int(fx), int(fy)
	x1, y1 := min(x0+1, w-1), min(y0+1, h-1)
	ax, ay := fx-float64(x0), fy-float64(y0)

	px := func(x, y int) []uint8 {
		i := y*img.Stride + x*4
		return img.Pix[i : i+4]
	}
	p00, p10, p01, p11 := px(x0, y0), px(x1, y0), px(x0, y1), px(x1, y1)

	var c [4]uint8
	for k := 0; k < 4; k++ {
		top := float64(p00[k])*(1-ax) + float64(p10[k])*ax
		bot := float64(p01[k])*(1-ax) + float64(p11[k])*ax
		c[k] = uint8(math.Round(top*(1-ay) + bot*ay))
	}
	return color.RGBA{R: c[0], G: c[1], B: c[2], A: c[3]}
}
