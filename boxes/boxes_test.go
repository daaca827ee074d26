package boxes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func boxTensor(t *testing.T, vals []float32) *tensor.Dense {
	t.Helper()
	require.Equal(t, 0, len(vals)%4)
	return tensor.New(tensor.WithShape(len(vals)/4, 4), tensor.WithBacking(vals))
}

func TestCxCyWHToXYXY(t *testing.T) {
	in := boxTensor(t, []float32{0.5, 0.5, 0.2, 0.4})
	out, err := CxCyWHToXYXY(in)
	require.NoError(t, err)

	got := out.Data().([]float32)
	assert.InDeltaSlice(t, []float32{0.4, 0.3, 0.6, 0.7}, got, 1e-6)
}

func TestCxCyWHToXYXYBadShape(t *testing.T) {
	in := tensor.New(tensor.WithShape(2, 3), tensor.WithBacking(make([]float32, 6)))
	_, err := CxCyWHToXYXY(in)
	assert.Error(t, err)
}

func TestIoUIdentical(t *testing.T) {
	a := boxTensor(t, []float32{0, 0, 1, 1})
	got, err := MatchedIoU(a, a)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got[0], 1e-6)
}

func TestIoUDisjoint(t *testing.T) {
	a := boxTensor(t, []float32{0, 0, 1, 1})
	b := boxTensor(t, []float32{2, 2, 3, 3})
	got, err := MatchedIoU(a, b)
	require.NoError(t, err)
	assert.Equal(t, float32(0), got[0])
}

func TestIoUPairwiseMatrix(t *testing.T) {
	a := boxTensor(t, []float32{
		0, 0, 2, 2,
		0, 0, 1, 1,
	})
	b := boxTensor(t, []float32{
		1, 1, 2, 2,
	})
	m, err := IoU(a, b)
	require.NoError(t, err)
	require.Equal(t, []int{2, 1}, []int(m.Shape()))

	got := m.Data().([]float32)
	// b is a quarter of a[0] and fully inside it.
	assert.InDelta(t, 0.25, got[0], 1e-6)
	// a[1] and b only touch at a corner.
	assert.Equal(t, float32(0), got[1])
}

func TestGeneralizedIoUOverlapMatchesIoU(t *testing.T) {
	// For identical boxes the enclosing box adds no penalty.
	a := boxTensor(t, []float32{0.1, 0.1, 0.5, 0.6})
	got, err := MatchedGeneralizedIoU(a, a)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got[0], 1e-6)
}

func TestGeneralizedIoUDisjointPenalty(t *testing.T) {
	// Two unit boxes side by side: IoU=0, union=2, enclosing=2, penalty=0.
	a := boxTensor(t, []float32{0, 0, 1, 1})
	b := boxTensor(t, []float32{1, 0, 2, 1})
	got, err := MatchedGeneralizedIoU(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, got[0], 1e-6)

	// With a gap: union=2, enclosing=3, GIoU = 0 - (3-2)/3.
	c := boxTensor(t, []float32{2, 0, 3, 1})
	got, err = MatchedGeneralizedIoU(a, c)
	require.NoError(t, err)
	assert.InDelta(t, -1.0/3.0, got[0], 1e-6)
}

func TestMatchedLengthMismatch(t *testing.T) {
	a := boxTensor(t, []float32{0, 0, 1, 1})
	b := boxTensor(t, []float32{0, 0, 1, 1, 1, 1, 2, 2})
	_, err := MatchedIoU(a, b)
	assert.Error(t, err)
	_, err = MatchedGeneralizedIoU(a, b)
	assert.Error(t, err)
}
