package criterion

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detr-loss/assign"
	"github.com/nvr-ai/go-detr-loss/points"
)

// Predicted point logits are clamped to the float16-safe range before the
// loss so a runaway logit cannot overflow mixed-precision training.
const maskLogitClamp = 15.0

// lossMasks computes the point-sampled mask losses over matched pairs:
// binary cross-entropy with logits and Dice, both at adaptively sampled
// coordinates shared between prediction and target.
func (c *Criterion) lossMasks(out *Output, targets []assign.Target, indices []assign.IndexPair, numBoxes float32) ([]lossValue, error) {
	if out.PredMasks == nil {
		return nil, errors.New("criterion: masks loss requires pred_masks")
	}
	s := out.PredMasks.Shape()
	if len(s) != 4 {
		return nil, errors.Errorf("criterion: pred_masks shape %v, want (batch, queries, H, W)", s)
	}
	queries, mh, mw := s[1], s[2], s[3]

	srcIdx := assign.SourceIndex(indices)
	tgtIdx := assign.TargetIndex(indices)
	k := srcIdx.Len()
	if k == 0 {
		return []lossValue{
			{Name: "loss_mask_bce", Value: 0},
			{Name: "loss_mask_dice", Value: 0},
		}, nil
	}

	// Matched predicted masks as (K,1,H,W).
	pm := floats(out.PredMasks)
	sv := make([]float32, 0, k*mh*mw)
	for i := 0; i < k; i++ {
		off := (srcIdx.Image[i]*queries + srcIdx.Index[i]) * mh * mw
		sv = append(sv, pm[off:off+mh*mw]...)
	}
	srcMasks := tensor.New(tensor.WithShape(k, 1, mh, mw), tensor.WithBacking(sv))

	tgtMasks, err := gatherTargetMasks(targets, tgtIdx)
	if err != nil {
		return nil, err
	}

	coords, err := points.UncertainCoords(
		srcMasks,
		points.Uncertainty,
		c.cfg.NumPoints,
		c.cfg.OversampleRatio,
		c.cfg.ImportanceSampleRatio,
		c.cfg.Rand,
	)
	if err != nil {
		return nil, errors.Wrap(err, "criterion: masks loss")
	}

	sampledLabels, err := points.Sample(tgtMasks, coords)
	if err != nil {
		return nil, errors.Wrap(err, "criterion: sampling target masks")
	}
	sampledLogits, err := points.Sample(srcMasks, coords)
	if err != nil {
		return nil, errors.Wrap(err, "criterion: sampling predicted masks")
	}

	labels := floats(sampledLabels)
	logits := floats(sampledLogits)
	np := c.cfg.NumPoints

	var bceSum, diceSum float32
	for i := 0; i < k; i++ {
		var bce, inter, predSum, tgtSum float32
		for p := 0; p < np; p++ {
			x := clamp(logits[i*np+p], -maskLogitClamp, maskLogitClamp)
			t := labels[i*np+p]
			bce += bceWithLogits(x, t)
			pr := sigmoid(x)
			inter += pr * t
			predSum += pr
			tgtSum += t
		}
		bceSum += bce / float32(np)
		diceSum += 1 - (2*inter+1)/(predSum+tgtSum+1)
	}

	return []lossValue{
		{Name: "loss_mask_bce", Value: bceSum / numBoxes},
		{Name: "loss_mask_dice", Value: diceSum / numBoxes},
	}, nil
}

// gatherTargetMasks collects the matched per-object masks into a single
// (K,1,Hc,Wc) tensor on a common grid, the per-object maps padded with zeros
// to the largest height and width among them.
func gatherTargetMasks(targets []assign.Target, tgtIdx assign.Batched) (*tensor.Dense, error) {
	k := tgtIdx.Len()
	masks := make([]*tensor.Dense, k)
	var hc, wc int
	for i := 0; i < k; i++ {
		t := targets[tgtIdx.Image[i]]
		if len(t.Masks) != len(t.Labels) {
			return nil, errors.Errorf("criterion: image %d: %d masks for %d labels",
				tgtIdx.Image[i], len(t.Masks), len(t.Labels))
		}
		m := t.Masks[tgtIdx.Index[i]]
		if m == nil {
			return nil, errors.Errorf("criterion: image %d: nil mask for object %d",
				tgtIdx.Image[i], tgtIdx.Index[i])
		}
		s := m.Shape()
		if len(s) != 2 {
			return nil, errors.Errorf("criterion: target mask shape %v, want (H,W)", s)
		}
		if s[0] > hc {
			hc = s[0]
		}
		if s[1] > wc {
			wc = s[1]
		}
		masks[i] = m
	}

	out := make([]float32, k*hc*wc)
	for i, m := range masks {
		s := m.Shape()
		mv := floats(m)
		base := i * hc * wc
		for y := 0; y < s[0]; y++ {
			copy(out[base+y*wc:base+y*wc+s[1]], mv[y*s[1]:(y+1)*s[1]])
		}
	}
	return tensor.New(tensor.WithShape(k, 1, hc, wc), tensor.WithBacking(out)), nil
}
