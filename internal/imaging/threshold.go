package imaging

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// luma returns the 8-bit BT.601 luminance of c.
func luma(c color.Color) uint8 {
	return color.GrayModel.Convert(c).(color.Gray).Y
}

// grayscale converts img to luminance, downscaling so the longest side is
// at most maxSide. It returns the gray image and the applied scale factor.
func grayscale(img image.Image, maxSide int) (*image.Gray, float64) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := 1.0
	if maxSide > 0 && max(w, h) > maxSide {
		scale = float64(maxSide) / float64(max(w, h))
		w = max(1, int(float64(w)*scale+0.5))
		h = max(1, int(float64(h)*scale+0.5))
	}
	gray := image.NewGray(image.Rect(0, 0, w, h))
	if scale == 1.0 {
		draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(gray, gray.Bounds(), img, b, draw.Src, nil)
	}
	return gray, scale
}

// adaptiveThresholdInv marks pixels darker than their local block mean
// minus c. Card edges against a darker background become a closed ring.
func adaptiveThresholdInv(g *image.Gray, block int, c float64) []bool {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	stride := w + 1
	integral := make([]int64, stride*(h+1))
	for y := 0; y < h; y++ {
		var row int64
		for x := 0; x < w; x++ {
			row += int64(g.Pix[y*g.Stride+x])
			integral[(y+1)*stride+x+1] = integral[y*stride+x+1] + row
		}
	}

	half := block / 2
	mask := make([]bool, w*h)
	for y := 0; y < h; y++ {
		y0, y1 := max(0, y-half), min(h, y+half+1)
		for x := 0; x < w; x++ {
			x0, x1 := max(0, x-half), min(w, x+half+1)
			sum := integral[y1*stride+x1] - integral[y0*stride+x1] - integral[y1*stride+x0] + integral[y0*stride+x0]
			mean := float64(sum) / float64((y1-y0)*(x1-x0))
			mask[y*w+x] = float64(g.Pix[y*g.Stride+x]) <= mean-c
		}
	}
	return mask
}

// component is one 8-connected foreground region.
type component struct {
	label  int32
	pixels int
	bounds image.Rectangle
}

// components labels the 8-connected regions of mask in raster order.
func components(mask []bool, w, h int) ([]int32, []component) {
	labels := make([]int32, w*h)
	var comps []component
	var stack []int

	for start := range mask {
		if !mask[start] || labels[start] != 0 {
			continue
		}
		label := int32(len(comps) + 1)
		sx, sy := start%w, start/w
		comp := component{label: label, bounds: image.Rect(sx, sy, sx+1, sy+1)}
		labels[start] = label
		stack = append(stack[:0], start)

		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			px, py := p%w, p/w
			comp.pixels++
			comp.bounds = comp.bounds.Union(image.Rect(px, py, px+1, py+1))

			for dy := -1; dy <= 1; dy++ {
				ny := py + dy
				if ny < 0 || ny >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := px + dx
					if (dx == 0 && dy == 0) || nx < 0 || nx >= w {
						continue
					}
					n := ny*w + nx
					if mask[n] && labels[n] == 0 {
						labels[n] = label
						stack = append(stack, n)
					}
				}
			}
		}
		comps = append(comps, comp)
	}
	return labels, comps
}

// outline returns the pixel-corner points of the leftmost and rightmost
// pixel on every row of the component. Their convex hull equals the hull of
// the whole region.
func outline(labels []int32, w int, c component) []image.Point {
	pts := make([]image.Point, 0, 4*c.bounds.Dy())
	for y := c.bounds.Min.Y; y < c.bounds.Max.Y; y++ {
		minX, maxX := -1, -1
		for x := c.bounds.Min.X; x < c.bounds.Max.X; x++ {
			if labels[y*w+x] != c.label {
				continue
			}
			if minX < 0 {
				minX = x
			}
			maxX = x
		}
		if minX < 0 {
			continue
		}
		pts = append(pts,
			image.Pt(minX, y), image.Pt(maxX+1, y),
			image.Pt(minX, y+1), image.Pt(maxX+1, y+1),
		)
	}
	return pts
}
