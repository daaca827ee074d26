package assign

import "github.com/pkg/errors"

// DenoiseMeta describes the synthetic noised ground-truth copies injected
// into the decoder. Two conventions are supported, selected by the presence
// of MapKnownIndice: the map-known-indice scheme lays noised copies out in
// fixed-stride groups of size PadSize/Scalar, while the legacy scheme carries
// explicit positive prediction indices per image.
type DenoiseMeta struct {
	// PositiveIndices holds, per image, the noised-query indices matched to
	// ground truth (legacy scheme). Group g's entries correspond, in order,
	// to ground truths 0..num_gt-1.
	PositiveIndices [][]int
	// Groups is the number of noised groups in the legacy scheme.
	Groups int

	// MapKnownIndice selects the map-known-indice scheme when non-nil.
	MapKnownIndice []int
	// BatchIndex carries the per-known-object image index (map scheme).
	BatchIndex []int
	// PadSize is the total padded denoising query count (map scheme).
	PadSize int
	// Scalar is the noised-group count (map scheme).
	Scalar int
}

// NormalizerScale returns the factor applied to the loss normalizer for
// denoising outputs: the group-count Scalar when set, otherwise 1.
func (m *DenoiseMeta) NormalizerScale() int {
	if m.Scalar > 0 {
		return m.Scalar
	}
	return 1
}

func (m *DenoiseMeta) usesMapScheme() bool { return m.MapKnownIndice != nil }

// DenoiseIndices derives per-image matched index pairs purely from denoising
// metadata, without a matcher call. Target indices are arange(num_gt) tiled
// once per group; prediction indices come from the metadata's layout. Images
// without ground truth get empty pairs.
//
// Arguments:
//   - meta: The denoising metadata.
//   - targets: Per-image ground truth.
//
// Returns:
//   - One IndexPair per image.
//   - error: An error on inconsistent metadata.
func DenoiseIndices(meta *DenoiseMeta, targets []Target) ([]IndexPair, error) {
	if meta == nil {
		return nil, errors.New("assign: nil denoise meta")
	}
	if meta.usesMapScheme() {
		return mapKnownIndices(meta, targets)
	}
	return legacyIndices(meta, targets)
}

func mapKnownIndices(meta *DenoiseMeta, targets []Target) ([]IndexPair, error) {
	if meta.Scalar <= 0 {
		return nil, errors.Errorf("assign: denoise group count must be positive, got %d", meta.Scalar)
	}
	if meta.PadSize%meta.Scalar != 0 {
		return nil, errors.Errorf("assign: pad size %d not divisible by group count %d", meta.PadSize, meta.Scalar)
	}
	singlePad := meta.PadSize / meta.Scalar

	pairs := make([]IndexPair, len(targets))
	for img, t := range targets {
		numGT := len(t.Labels)
		if numGT == 0 {
			pairs[img] = IndexPair{Pred: []int{}, Tgt: []int{}}
			continue
		}
		pred := make([]int, 0, numGT*meta.Scalar)
		tgt := make([]int, 0, numGT*meta.Scalar)
		for g := 0; g < meta.Scalar; g++ {
			for i := 0; i < numGT; i++ {
				pred = append(pred, g*singlePad+i)
				tgt = append(tgt, i)
			}
		}
		pairs[img] = IndexPair{Pred: pred, Tgt: tgt}
	}
	return pairs, nil
}

func legacyIndices(meta *DenoiseMeta, targets []Target) ([]IndexPair, error) {
	if meta.Groups <= 0 {
		return nil, errors.Errorf("assign: denoise group count must be positive, got %d", meta.Groups)
	}
	if len(meta.PositiveIndices) != len(targets) {
		return nil, errors.Errorf("assign: %d positive-index lists for %d images",
			len(meta.PositiveIndices), len(targets))
	}

	pairs := make([]IndexPair, len(targets))
	for img, t := range targets {
		numGT := len(t.Labels)
		if numGT == 0 {
			pairs[img] = IndexPair{Pred: []int{}, Tgt: []int{}}
			continue
		}
		pred := meta.PositiveIndices[img]
		if len(pred) != numGT*meta.Groups {
			return nil, errors.Errorf("assign: image %d: %d positive indices for %d ground truths in %d groups",
				img, len(pred), numGT, meta.Groups)
		}
		tgt := make([]int, 0, numGT*meta.Groups)
		for g := 0; g < meta.Groups; g++ {
			for i := 0; i < numGT; i++ {
				tgt = append(tgt, i)
			}
		}
		pairs[img] = IndexPair{Pred: append([]int(nil), pred...), Tgt: tgt}
	}
	return pairs, nil
}
