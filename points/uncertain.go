package points

import (
	"math/rand"
	"sort"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// UncertaintyFunc scores sampled logits. Input and output are (N,1,P); higher
// scores mean more uncertain points.
type UncertaintyFunc func(logits *tensor.Dense) (*tensor.Dense, error)

// Uncertainty is the default scorer: the negative absolute logit, so points
// nearest the zero-logit decision boundary score highest.
//
// Arguments:
//   - logits: A (N,1,P) float32 tensor of sampled mask logits.
//
// Returns:
//   - A (N,1,P) float32 tensor of uncertainty scores.
//   - error: An error if the tensor is not single-channel (N,1,P).
func Uncertainty(logits *tensor.Dense) (*tensor.Dense, error) {
	s := logits.Shape()
	if len(s) != 3 || s[1] != 1 {
		return nil, errors.Errorf("points: uncertainty expects (N,1,P) logits, got %v", s)
	}
	src := logits.Data().([]float32)
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = -math32.Abs(v)
	}
	return tensor.New(tensor.WithShape(s[0], s[1], s[2]), tensor.WithBacking(out)), nil
}

// UncertainCoords generates numPoints normalized coordinates per box, biased
// toward uncertain regions of the coarse mask logits. It draws
// numPoints*oversample uniform candidates, samples the coarse logits at them,
// scores the sampled values, keeps the top importance*numPoints candidates by
// uncertainty and fills the rest with fresh uniform draws.
//
// The uncertainty must be computed from the sampled values, not the coarse
// grid: a point between coarse logits -1 and 1 has a sampled logit of 0 and
// maximal uncertainty, which scoring the grid first would miss.
//
// Arguments:
//   - coarse: A (N,1,H,W) float32 tensor of per-box mask logits.
//   - fn: The uncertainty scorer, typically Uncertainty.
//   - numPoints: Number of coordinates to return per box.
//   - oversample: Candidate oversampling ratio, >= 1.
//   - importance: Fraction of points taken by uncertainty, in [0,1].
//   - rng: Random source for the uniform draws.
//
// Returns:
//   - A (N,numPoints,2) float32 tensor, importance-selected coordinates first.
//   - error: An error on invalid parameters or shapes.
func UncertainCoords(
	coarse *tensor.Dense,
	fn UncertaintyFunc,
	numPoints int,
	oversample float64,
	importance float64,
	rng *rand.Rand,
) (*tensor.Dense, error) {
	if numPoints <= 0 {
		return nil, errors.Errorf("points: numPoints must be positive, got %d", numPoints)
	}
	if oversample < 1 {
		return nil, errors.Errorf("points: oversample ratio must be >= 1, got %v", oversample)
	}
	if importance < 0 || importance > 1 {
		return nil, errors.Errorf("points: importance ratio must be in [0,1], got %v", importance)
	}
	s := coarse.Shape()
	if len(s) != 4 {
		return nil, errors.Errorf("points: coarse logits must be (N,1,H,W), got %v", s)
	}

	n := s[0]
	numSampled := int(float64(numPoints) * oversample)
	cand := uniformCoords(n, numSampled, rng)
	logits, err := Sample(coarse, cand)
	if err != nil {
		return nil, err
	}
	unc, err := fn(logits)
	if err != nil {
		return nil, errors.Wrap(err, "points: uncertainty scoring")
	}
	us := unc.Shape()
	if len(us) != 3 || us[0] != n || us[2] != numSampled {
		return nil, errors.Errorf("points: uncertainty shape %v, want (%d,1,%d)", us, n, numSampled)
	}

	numUncertain := int(importance * float64(numPoints))
	numRandom := numPoints - numUncertain
	uv := unc.Data().([]float32)
	cv := cand.Data().([]float32)
	perChannel := us[1] * numSampled

	out := make([]float32, n*numPoints*2)
	idx := make([]int, numSampled)
	for b := 0; b < n; b++ {
		// Stable top-k over channel 0 of the scores.
		ub := uv[b*perChannel : b*perChannel+numSampled]
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(i, j int) bool { return ub[idx[i]] > ub[idx[j]] })
		for k := 0; k < numUncertain; k++ {
			src := (b*numSampled + idx[k]) * 2
			dst := (b*numPoints + k) * 2
			out[dst] = cv[src]
			out[dst+1] = cv[src+1]
		}
		for k := 0; k < numRandom; k++ {
			dst := (b*numPoints + numUncertain + k) * 2
			out[dst] = rng.Float32()
			out[dst+1] = rng.Float32()
		}
	}
	return tensor.New(tensor.WithShape(n, numPoints, 2), tensor.WithBacking(out)), nil
}

func uniformCoords(n, p int, rng *rand.Rand) *tensor.Dense {
	v := make([]float32, n*p*2)
	for i := range v {
		v[i] = rng.Float32()
	}
	return tensor.New(tensor.WithShape(n, p, 2), tensor.WithBacking(v))
}
