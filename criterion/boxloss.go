package criterion

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detr-loss/assign"
	"github.com/nvr-ai/go-detr-loss/boxes"
)

// matchedBoxes gathers the matched predicted and target boxes into two (K,4)
// center-size tensors, in flattened match order. K may be zero, in which case
// both tensors are nil.
func matchedBoxes(out *Output, targets []assign.Target, indices []assign.IndexPair) (src, tgt *tensor.Dense, k int, err error) {
	if out.PredBoxes == nil {
		return nil, nil, 0, errors.New("criterion: missing pred_boxes")
	}
	s := out.PredBoxes.Shape()
	if len(s) != 3 || s[2] != 4 {
		return nil, nil, 0, errors.Errorf("criterion: pred_boxes shape %v, want (batch, queries, 4)", s)
	}
	queries := s[1]
	pred := floats(out.PredBoxes)

	for _, pair := range indices {
		k += len(pair.Pred)
	}
	if k == 0 {
		return nil, nil, 0, nil
	}

	sv := make([]float32, 0, k*4)
	tv := make([]float32, 0, k*4)
	for img, pair := range indices {
		tb := floats(targets[img].Boxes)
		for i, p := range pair.Pred {
			off := (img*queries + p) * 4
			sv = append(sv, pred[off:off+4]...)
			toff := pair.Tgt[i] * 4
			tv = append(tv, tb[toff:toff+4]...)
		}
	}
	src = tensor.New(tensor.WithShape(k, 4), tensor.WithBacking(sv))
	tgt = tensor.New(tensor.WithShape(k, 4), tensor.WithBacking(tv))
	return src, tgt, k, nil
}

// lossBoxes computes the L1 regression loss and the generalized IoU loss over
// matched pairs, both summed and normalized.
func (c *Criterion) lossBoxes(out *Output, targets []assign.Target, indices []assign.IndexPair, numBoxes float32) ([]lossValue, error) {
	src, tgt, k, err := matchedBoxes(out, targets, indices)
	if err != nil {
		return nil, errors.Wrap(err, "criterion: boxes loss")
	}
	if k == 0 {
		return []lossValue{
			{Name: "loss_bbox", Value: 0},
			{Name: "loss_giou", Value: 0},
		}, nil
	}

	sv, tv := floats(src), floats(tgt)
	var l1 float32
	for i := range sv {
		l1 += math32.Abs(sv[i] - tv[i])
	}

	srcXY, err := boxes.CxCyWHToXYXY(src)
	if err != nil {
		return nil, err
	}
	tgtXY, err := boxes.CxCyWHToXYXY(tgt)
	if err != nil {
		return nil, err
	}
	gious, err := boxes.MatchedGeneralizedIoU(srcXY, tgtXY)
	if err != nil {
		return nil, err
	}
	var giouLoss float32
	for _, g := range gious {
		giouLoss += 1 - g
	}

	return []lossValue{
		{Name: "loss_bbox", Value: l1 / numBoxes},
		{Name: "loss_giou", Value: giouLoss / numBoxes},
	}, nil
}

// lossCardinality reports the mean absolute difference between the per-image
// count of predictions classified as some object and the true object count.
// Diagnostic only; it carries no gradient. The no-object logit is always the
// final column.
func (c *Criterion) lossCardinality(out *Output, targets []assign.Target) ([]lossValue, error) {
	if out.PredLogits == nil {
		return nil, errors.New("criterion: cardinality loss requires pred_logits")
	}
	s := out.PredLogits.Shape()
	if len(s) != 3 {
		return nil, errors.Errorf("criterion: pred_logits shape %v, want (batch, queries, classes)", s)
	}
	batch, queries, nc := s[0], s[1], s[2]
	logits := floats(out.PredLogits)

	var errSum float32
	for b := 0; b < batch; b++ {
		count := 0
		for q := 0; q < queries; q++ {
			row := logits[(b*queries+q)*nc : (b*queries+q+1)*nc]
			argmax := 0
			for j, v := range row {
				if v > row[argmax] {
					argmax = j
				}
			}
			if argmax != nc-1 {
				count++
			}
		}
		errSum += math32.Abs(float32(count - len(targets[b].Labels)))
	}
	if batch > 0 {
		errSum /= float32(batch)
	}
	return []lossValue{{Name: "cardinality_error", Value: errSum}}, nil
}
