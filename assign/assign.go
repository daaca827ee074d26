// Package assign - matched-index bookkeeping between detector predictions and
// ground-truth targets.
package assign

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Target holds the ground-truth objects of one image.
type Target struct {
	// Labels are integer class labels, one per object.
	Labels []int
	// Boxes is a (M,4) float32 tensor in normalized (cx,cy,w,h) form.
	Boxes *tensor.Dense
	// Masks are optional per-object binary maps of arbitrary spatial size.
	Masks []*tensor.Dense
}

// IndexPair holds, for one image, equal-length sequences of matched
// prediction indices and target indices.
type IndexPair struct {
	Pred []int
	Tgt  []int
}

// Matches is the result of a matcher invocation: one IndexPair per image.
type Matches struct {
	Indices []IndexPair
}

// Batched is the flattened form of per-image index pairs: parallel slices
// where every entry carries the image it originated from.
type Batched struct {
	Image []int
	Index []int
}

// Len returns the number of flattened entries.
func (b Batched) Len() int { return len(b.Index) }

// SourceIndex flattens the matched prediction indices of all images.
func SourceIndex(pairs []IndexPair) Batched {
	return flatten(pairs, func(p IndexPair) []int { return p.Pred })
}

// TargetIndex flattens the matched target indices of all images.
func TargetIndex(pairs []IndexPair) Batched {
	return flatten(pairs, func(p IndexPair) []int { return p.Tgt })
}

func flatten(pairs []IndexPair, pick func(IndexPair) []int) Batched {
	var n int
	for _, p := range pairs {
		n += len(pick(p))
	}
	out := Batched{Image: make([]int, 0, n), Index: make([]int, 0, n)}
	for img, p := range pairs {
		for _, idx := range pick(p) {
			out.Image = append(out.Image, img)
			out.Index = append(out.Index, idx)
		}
	}
	return out
}

// Validate checks that index pairs are usable against the given targets and
// prediction count: equal-length pred/target sequences, indices in range.
//
// Arguments:
//   - pairs: One IndexPair per image.
//   - targets: The per-image ground truth the pairs refer to.
//   - numPredictions: Number of prediction slots per image.
//
// Returns:
//   - error: The first violation found, or nil.
func Validate(pairs []IndexPair, targets []Target, numPredictions int) error {
	if len(pairs) != len(targets) {
		return errors.Errorf("assign: %d index pairs for %d images", len(pairs), len(targets))
	}
	for img, p := range pairs {
		if len(p.Pred) != len(p.Tgt) {
			return errors.Errorf("assign: image %d: %d prediction indices vs %d target indices",
				img, len(p.Pred), len(p.Tgt))
		}
		for _, idx := range p.Pred {
			if idx < 0 || idx >= numPredictions {
				return errors.Errorf("assign: image %d: prediction index %d out of range [0,%d)",
					img, idx, numPredictions)
			}
		}
		for _, idx := range p.Tgt {
			if idx < 0 || idx >= len(targets[img].Labels) {
				return errors.Errorf("assign: image %d: target index %d out of range [0,%d)",
					img, idx, len(targets[img].Labels))
			}
		}
	}
	return nil
}

// MaskFromImage converts a binary annotation bitmap into a (H,W) float32 mask
// tensor, resizing to the requested size with nearest-neighbor interpolation.
// Pixels brighter than half intensity become 1, everything else 0.
//
// Arguments:
//   - img: The annotation bitmap.
//   - width, height: Output mask size.
//
// Returns:
//   - A (height,width) float32 tensor with values in {0,1}.
func MaskFromImage(img image.Image, width, height int) *tensor.Dense {
	scaled := resize.Resize(uint(width), uint(height), img, resize.NearestNeighbor)
	out := make([]float32, width*height)
	b := scaled.Bounds()
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, bl, _ := scaled.At(b.Min.X+x, b.Min.Y+y).RGBA()
			// RGBA channels are 16-bit.
			if (r+g+bl)/3 > 0x7fff {
				out[y*width+x] = 1
			}
		}
	}
	return tensor.New(tensor.WithShape(height, width), tensor.WithBacking(out))
}
