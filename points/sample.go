// Package points - bilinear point sampling over dense logit maps.
package points

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Sample bilinearly interpolates values of a dense feature map at normalized
// point coordinates. Coordinates lie in [0,1]x[0,1] and are rescaled to the
// [-1,1] grid-sample convention internally, without corner alignment;
// locations outside the map contribute zero.
//
// Arguments:
//   - input: A (N,C,H,W) float32 feature or logit map.
//   - coords: Either a (N,P,2) flat list or a (N,Hg,Wg,2) grid of normalized
//     (x,y) coordinates.
//
// Returns:
//   - A (N,C,P) tensor for flat-list coordinates, or (N,C,Hg,Wg) for grids.
//   - error: An error on malformed shapes.
func Sample(input, coords *tensor.Dense) (*tensor.Dense, error) {
	in := input.Shape()
	if len(in) != 4 {
		return nil, errors.Errorf("points: input must be (N,C,H,W), got %v", in)
	}
	cs := coords.Shape()
	var flat bool
	var hg, wg int
	switch len(cs) {
	case 3:
		// A flat list is a 1xP grid with the singleton removed afterwards.
		flat = true
		hg, wg = 1, cs[1]
	case 4:
		hg, wg = cs[1], cs[2]
	default:
		return nil, errors.Errorf("points: coords must be (N,P,2) or (N,Hg,Wg,2), got %v", cs)
	}
	if cs[len(cs)-1] != 2 {
		return nil, errors.Errorf("points: coords last dimension must be 2, got %v", cs)
	}
	if cs[0] != in[0] {
		return nil, errors.Errorf("points: batch mismatch: input %d, coords %d", in[0], cs[0])
	}

	n, c, h, w := in[0], in[1], in[2], in[3]
	np := hg * wg
	src := input.Data().([]float32)
	pts := coords.Data().([]float32)
	out := make([]float32, n*c*np)

	for b := 0; b < n; b++ {
		for p := 0; p < np; p++ {
			x := pts[(b*np+p)*2]
			y := pts[(b*np+p)*2+1]
			// [0,1] -> [-1,1] -> continuous pixel space, align_corners=false.
			px := x*float32(w) - 0.5
			py := y*float32(h) - 0.5
			fx := math32.Floor(px)
			fy := math32.Floor(py)
			dx := px - fx
			dy := py - fy
			ix, iy := int(fx), int(fy)
			for ch := 0; ch < c; ch++ {
				base := (b*c + ch) * h * w
				v := (1-dx)*(1-dy)*pixel(src, base, ix, iy, w, h) +
					dx*(1-dy)*pixel(src, base, ix+1, iy, w, h) +
					(1-dx)*dy*pixel(src, base, ix, iy+1, w, h) +
					dx*dy*pixel(src, base, ix+1, iy+1, w, h)
				out[(b*c+ch)*np+p] = v
			}
		}
	}

	if flat {
		return tensor.New(tensor.WithShape(n, c, np), tensor.WithBacking(out)), nil
	}
	return tensor.New(tensor.WithShape(n, c, hg, wg), tensor.WithBacking(out)), nil
}

func pixel(src []float32, base, ix, iy, w, h int) float32 {
	if ix < 0 || iy < 0 || ix >= w || iy >= h {
		return 0
	}
	return src[base+iy*w+ix]
}
