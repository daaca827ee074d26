package points

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestUncertaintyNegAbs(t *testing.T) {
	logits := tensor.New(tensor.WithShape(1, 1, 3), tensor.WithBacking([]float32{-2, 0, 3}))
	out, err := Uncertainty(logits)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{-2, 0, -3}, out.Data().([]float32), 1e-6)

	multi := tensor.New(tensor.WithShape(1, 2, 3), tensor.WithBacking(make([]float32, 6)))
	_, err = Uncertainty(multi)
	assert.Error(t, err)
}

func TestUncertainCoordsCount(t *testing.T) {
	coarse := featureMap(t, 3, 1, 4, 4, make([]float32, 3*16))
	rng := rand.New(rand.NewSource(1))

	coords, err := UncertainCoords(coarse, Uncertainty, 16, 3.0, 0.75, rng)
	require.NoError(t, err)
	require.Equal(t, []int{3, 16, 2}, []int(coords.Shape()))
	for _, v := range coords.Data().([]float32) {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.Less(t, v, float32(1))
	}
}

func TestUncertainCoordsDegenerateRatios(t *testing.T) {
	// With oversample=1 and importance=1 every output coordinate comes from
	// the single candidate draw.
	coarse := featureMap(t, 2, 1, 2, 2, []float32{1, -1, 2, -2, 3, -3, 4, -4})

	rng := rand.New(rand.NewSource(42))
	coords, err := UncertainCoords(coarse, Uncertainty, 8, 1.0, 1.0, rng)
	require.NoError(t, err)

	expected := rand.New(rand.NewSource(42))
	want := make([]float32, 2*8*2)
	for i := range want {
		want[i] = expected.Float32()
	}

	got := append([]float32(nil), coords.Data().([]float32)...)
	sortF32(got)
	sortF32(want)
	assert.InDeltaSlice(t, want, got, 1e-9)
}

func TestUncertainCoordsPrefersUncertain(t *testing.T) {
	// Left half strongly confident, right half on the decision boundary: the
	// importance-selected coordinates must dominate the unselected candidates
	// in uncertainty.
	coarse := featureMap(t, 1, 1, 1, 2, []float32{20, 0})
	const numPoints = 4

	seed := int64(7)
	coords, err := UncertainCoords(coarse, Uncertainty, numPoints, 4.0, 1.0, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)

	// Replay the candidate draw with the same seed.
	cand := uniformCoords(1, numPoints*4, rand.New(rand.NewSource(seed)))
	sampled, err := Sample(coarse, cand)
	require.NoError(t, err)
	unc, err := Uncertainty(sampled)
	require.NoError(t, err)

	cv := cand.Data().([]float32)
	uv := unc.Data().([]float32)
	got := coords.Data().([]float32)

	selected := make(map[[2]float32]bool)
	for i := 0; i < numPoints; i++ {
		selected[[2]float32{got[i*2], got[i*2+1]}] = true
	}
	var minSelected, maxUnselected float32 = 1, -1e9
	for i := 0; i < numPoints*4; i++ {
		key := [2]float32{cv[i*2], cv[i*2+1]}
		if selected[key] {
			if uv[i] < minSelected {
				minSelected = uv[i]
			}
		} else if uv[i] > maxUnselected {
			maxUnselected = uv[i]
		}
	}
	assert.GreaterOrEqual(t, minSelected, maxUnselected)
}

func TestUncertainCoordsParamErrors(t *testing.T) {
	coarse := featureMap(t, 1, 1, 2, 2, make([]float32, 4))
	rng := rand.New(rand.NewSource(1))

	_, err := UncertainCoords(coarse, Uncertainty, 0, 3.0, 0.75, rng)
	assert.Error(t, err)
	_, err = UncertainCoords(coarse, Uncertainty, 4, 0.5, 0.75, rng)
	assert.Error(t, err)
	_, err = UncertainCoords(coarse, Uncertainty, 4, 3.0, 1.5, rng)
	assert.Error(t, err)
}

func sortF32(v []float32) {
	sort.Slice(v, func(i, j int) bool { return v[i] < v[j] })
}
