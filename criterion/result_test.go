package criterion

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func nan32() float32 { return math32.NaN() }

func TestStabilizeSentinels(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	b := newResultBuilder(map[string]float32{"loss_ce": 2}, zap.New(core))

	assert.Equal(t, float32(20), b.stabilize("loss_ce", "", nan32()))
	assert.Equal(t, float32(20), b.stabilize("loss_ce", "", math32.Inf(1)))
	assert.Equal(t, float32(-20), b.stabilize("loss_ce", "", math32.Inf(-1)))
	// Unweighted losses use a weight of 1.
	assert.Equal(t, float32(10), b.stabilize("loss_bbox", "", nan32()))
	// Finite values pass through untouched.
	assert.Equal(t, float32(0.5), b.stabilize("loss_ce", "", 0.5))

	assert.Equal(t, 4, logs.Len())
}

func TestBuilderAppliesWeightsAfterStabilizing(t *testing.T) {
	b := newResultBuilder(map[string]float32{"loss_ce": 2}, zap.NewNop())
	b.add("_dn", []lossValue{{Name: "loss_ce", Value: nan32()}})

	got := b.result()
	// Sentinel 10*w, then multiplied by the weight like any other value.
	assert.Equal(t, float32(40), got["loss_ce_dn"])
	for _, v := range got {
		assert.False(t, math32.IsNaN(v) || math32.IsInf(v, 0))
	}
}

func TestBuilderWeightFiltering(t *testing.T) {
	b := newResultBuilder(map[string]float32{"loss_bbox": 5}, zap.NewNop())
	b.add("", []lossValue{
		{Name: "loss_bbox", Value: 0.2},
		{Name: "loss_giou", Value: 0.4},
		{Name: "class_error", Value: 25},
		{Name: "cardinality_error", Value: 3},
	})

	got := b.result()
	assert.InDelta(t, 1.0, got["loss_bbox"], 1e-6)
	_, present := got["loss_giou"]
	assert.False(t, present, "unweighted non-diagnostic losses are dropped")
	// Diagnostics pass through without weighting.
	assert.Equal(t, float32(25), got["class_error"])
	assert.Equal(t, float32(3), got["cardinality_error"])
}

func TestBuilderSuffixes(t *testing.T) {
	b := newResultBuilder(map[string]float32{"loss_ce": 1}, zap.NewNop())
	b.add("", []lossValue{{Name: "loss_ce", Value: 1}})
	b.add("_aux_0", []lossValue{{Name: "loss_ce", Value: 2}})
	b.add("_dn", []lossValue{{Name: "loss_ce", Value: 3}})
	b.add("_dn_1", []lossValue{{Name: "loss_ce", Value: 4}})

	got := b.result()
	assert.Len(t, got, 4)
	assert.Equal(t, float32(1), got["loss_ce"])
	assert.Equal(t, float32(2), got["loss_ce_aux_0"])
	assert.Equal(t, float32(3), got["loss_ce_dn"])
	assert.Equal(t, float32(4), got["loss_ce_dn_1"])
}
