// Package boxes - normalized bounding-box geometry for detection losses.
package boxes

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// CxCyWHToXYXY converts a (K,4) tensor of boxes from (center_x, center_y,
// width, height) form to (x1, y1, x2, y2) corner form.
//
// Arguments:
//   - b: A (K,4) float32 tensor of center-size boxes.
//
// Returns:
//   - A new (K,4) float32 tensor of corner-form boxes.
//   - error: An error if the shape is not (K,4).
func CxCyWHToXYXY(b *tensor.Dense) (*tensor.Dense, error) {
	s := b.Shape()
	if len(s) != 2 || s[1] != 4 {
		return nil, errors.Errorf("boxes: expected shape (K,4), got %v", s)
	}
	src := b.Data().([]float32)
	out := make([]float32, len(src))
	for i := 0; i < s[0]; i++ {
		cx, cy, w, h := src[i*4], src[i*4+1], src[i*4+2], src[i*4+3]
		out[i*4+0] = cx - 0.5*w
		out[i*4+1] = cy - 0.5*h
		out[i*4+2] = cx + 0.5*w
		out[i*4+3] = cy + 0.5*h
	}
	return tensor.New(tensor.WithShape(s[0], 4), tensor.WithBacking(out)), nil
}

// area returns the area of a corner-form box, clamped to be non-negative.
func area(b []float32) float32 {
	w := math32.Max(b[2]-b[0], 0)
	h := math32.Max(b[3]-b[1], 0)
	return w * h
}

// intersectUnion returns the intersection and union areas of two corner-form
// boxes. The overlap can't start before both boxes have begun and must end as
// soon as the first one ends, so the intersection corners are max of the
// top-lefts and min of the bottom-rights.
func intersectUnion(a, b []float32) (inter, union float32) {
	ix1 := math32.Max(a[0], b[0])
	iy1 := math32.Max(a[1], b[1])
	ix2 := math32.Min(a[2], b[2])
	iy2 := math32.Min(a[3], b[3])
	iw := math32.Max(ix2-ix1, 0)
	ih := math32.Max(iy2-iy1, 0)
	inter = iw * ih
	union = area(a) + area(b) - inter
	return inter, union
}

// enclosingArea returns the area of the smallest box enclosing both inputs.
func enclosingArea(a, b []float32) float32 {
	x1 := math32.Min(a[0], b[0])
	y1 := math32.Min(a[1], b[1])
	x2 := math32.Max(a[2], b[2])
	y2 := math32.Max(a[3], b[3])
	return math32.Max(x2-x1, 0) * math32.Max(y2-y1, 0)
}

func checkCorners(t *tensor.Dense, name string) error {
	s := t.Shape()
	if len(s) != 2 || s[1] != 4 {
		return errors.Errorf("boxes: %s: expected shape (K,4), got %v", name, s)
	}
	return nil
}

// IoU computes the pairwise Intersection-over-Union matrix between two sets of
// corner-form boxes.
//
// Arguments:
//   - a: A (K,4) float32 tensor of corner-form boxes.
//   - b: A (M,4) float32 tensor of corner-form boxes.
//
// Returns:
//   - A (K,M) float32 tensor where entry (i,j) is IoU(a[i], b[j]).
//   - error: An error if either shape is not (K,4).
func IoU(a, b *tensor.Dense) (*tensor.Dense, error) {
	if err := checkCorners(a, "a"); err != nil {
		return nil, err
	}
	if err := checkCorners(b, "b"); err != nil {
		return nil, err
	}
	k, m := a.Shape()[0], b.Shape()[0]
	av := a.Data().([]float32)
	bv := b.Data().([]float32)
	out := make([]float32, k*m)
	for i := 0; i < k; i++ {
		for j := 0; j < m; j++ {
			inter, union := intersectUnion(av[i*4:i*4+4], bv[j*4:j*4+4])
			if union > 0 {
				out[i*m+j] = inter / union
			}
		}
	}
	return tensor.New(tensor.WithShape(k, m), tensor.WithBacking(out)), nil
}

// MatchedIoU computes per-pair IoU between two equal-length sets of
// corner-form boxes, the diagonal of the pairwise matrix.
//
// Arguments:
//   - a: A (K,4) float32 tensor of corner-form boxes.
//   - b: A (K,4) float32 tensor of corner-form boxes.
//
// Returns:
//   - A slice of K IoU values, one per matched pair.
//   - error: An error on shape mismatch.
func MatchedIoU(a, b *tensor.Dense) ([]float32, error) {
	if err := checkCorners(a, "a"); err != nil {
		return nil, err
	}
	if err := checkCorners(b, "b"); err != nil {
		return nil, err
	}
	if a.Shape()[0] != b.Shape()[0] {
		return nil, errors.Errorf("boxes: matched sets differ in length: %d vs %d", a.Shape()[0], b.Shape()[0])
	}
	k := a.Shape()[0]
	av := a.Data().([]float32)
	bv := b.Data().([]float32)
	out := make([]float32, k)
	for i := 0; i < k; i++ {
		inter, union := intersectUnion(av[i*4:i*4+4], bv[i*4:i*4+4])
		if union > 0 {
			out[i] = inter / union
		}
	}
	return out, nil
}

// GeneralizedIoU computes the pairwise generalized IoU matrix between two sets
// of corner-form boxes. GIoU subtracts a penalty based on the smallest
// enclosing box, so it stays informative for non-overlapping pairs and ranges
// over (-1, 1].
//
// Arguments:
//   - a: A (K,4) float32 tensor of corner-form boxes.
//   - b: A (M,4) float32 tensor of corner-form boxes.
//
// Returns:
//   - A (K,M) float32 tensor where entry (i,j) is GIoU(a[i], b[j]).
//   - error: An error if either shape is not (K,4).
func GeneralizedIoU(a, b *tensor.Dense) (*tensor.Dense, error) {
	if err := checkCorners(a, "a"); err != nil {
		return nil, err
	}
	if err := checkCorners(b, "b"); err != nil {
		return nil, err
	}
	k, m := a.Shape()[0], b.Shape()[0]
	av := a.Data().([]float32)
	bv := b.Data().([]float32)
	out := make([]float32, k*m)
	for i := 0; i < k; i++ {
		for j := 0; j < m; j++ {
			out[i*m+j] = giou(av[i*4:i*4+4], bv[j*4:j*4+4])
		}
	}
	return tensor.New(tensor.WithShape(k, m), tensor.WithBacking(out)), nil
}

// MatchedGeneralizedIoU computes per-pair generalized IoU between two
// equal-length sets of corner-form boxes.
//
// Arguments:
//   - a: A (K,4) float32 tensor of corner-form boxes.
//   - b: A (K,4) float32 tensor of corner-form boxes.
//
// Returns:
//   - A slice of K GIoU values, one per matched pair.
//   - error: An error on shape mismatch.
func MatchedGeneralizedIoU(a, b *tensor.Dense) ([]float32, error) {
	if err := checkCorners(a, "a"); err != nil {
		return nil, err
	}
	if err := checkCorners(b, "b"); err != nil {
		return nil, err
	}
	if a.Shape()[0] != b.Shape()[0] {
		return nil, errors.Errorf("boxes: matched sets differ in length: %d vs %d", a.Shape()[0], b.Shape()[0])
	}
	k := a.Shape()[0]
	av := a.Data().([]float32)
	bv := b.Data().([]float32)
	out := make([]float32, k)
	for i := 0; i < k; i++ {
		out[i] = giou(av[i*4:i*4+4], bv[i*4:i*4+4])
	}
	return out, nil
}

func giou(a, b []float32) float32 {
	inter, union := intersectUnion(a, b)
	var iou float32
	if union > 0 {
		iou = inter / union
	}
	enc := enclosingArea(a, b)
	if enc <= 0 {
		return iou
	}
	return iou - (enc-union)/enc
}
