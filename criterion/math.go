package criterion

import (
	"github.com/chewxy/math32"
	"gorgonia.org/tensor"
)

func floats(t *tensor.Dense) []float32 {
	return t.Data().([]float32)
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// bceWithLogits is the numerically stable binary cross-entropy with logits,
// valid for soft targets: max(x,0) - x*t + log(1+exp(-|x|)).
func bceWithLogits(x, t float32) float32 {
	return math32.Max(x, 0) - x*t + math32.Log1p(math32.Exp(-math32.Abs(x)))
}

// logSumExp over one logit row, stabilized by the row maximum.
func logSumExp(row []float32) float32 {
	m := row[0]
	for _, v := range row[1:] {
		if v > m {
			m = v
		}
	}
	var s float32
	for _, v := range row {
		s += math32.Exp(v - m)
	}
	return m + math32.Log(s)
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
