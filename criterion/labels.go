package criterion

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-detr-loss/assign"
	"github.com/nvr-ai/go-detr-loss/boxes"
)

// targetClasses builds the per-slot class assignment: every slot defaults to
// the no-object class, matched slots take their target's label.
func (c *Criterion) targetClasses(batch, queries int, targets []assign.Target, indices []assign.IndexPair) []int {
	tcls := make([]int, batch*queries)
	for i := range tcls {
		tcls[i] = c.cfg.NumClasses
	}
	for img, pair := range indices {
		for k, p := range pair.Pred {
			tcls[img*queries+p] = targets[img].Labels[pair.Tgt[k]]
		}
	}
	return tcls
}

func (c *Criterion) checkLogits(out *Output, wantClasses int, loss string) (batch, queries int, err error) {
	if out.PredLogits == nil {
		return 0, 0, errors.Errorf("criterion: %s loss requires pred_logits", loss)
	}
	s := out.PredLogits.Shape()
	if len(s) != 3 || s[2] != wantClasses {
		return 0, 0, errors.Errorf("criterion: %s loss: pred_logits shape %v, want (batch, queries, %d)",
			loss, s, wantClasses)
	}
	return s[0], s[1], nil
}

// lossLabels computes the weighted cross-entropy classification loss and,
// when reportError is set, the class_error diagnostic over matched slots.
func (c *Criterion) lossLabels(out *Output, targets []assign.Target, indices []assign.IndexPair, reportError bool) ([]lossValue, error) {
	batch, queries, err := c.checkLogits(out, c.cfg.NumClasses+1, "labels")
	if err != nil {
		return nil, err
	}
	nc := c.cfg.NumClasses + 1
	logits := floats(out.PredLogits)
	tcls := c.targetClasses(batch, queries, targets, indices)

	// Weighted cross-entropy, normalized by the summed class weights so the
	// tiny no-object weight down-weights the dominant background slots.
	var lossSum, weightSum float32
	for i := 0; i < batch*queries; i++ {
		row := logits[i*nc : (i+1)*nc]
		t := tcls[i]
		w := c.classWeight[t]
		lossSum += w * (logSumExp(row) - row[t])
		weightSum += w
	}
	var ce float32
	if weightSum > 0 {
		ce = lossSum / weightSum
	}

	vals := []lossValue{{Name: "loss_ce", Value: ce}}
	if reportError {
		var rows [][]float32
		var labels []int
		for img, pair := range indices {
			for k, p := range pair.Pred {
				i := img*queries + p
				rows = append(rows, logits[i*nc:(i+1)*nc])
				labels = append(labels, targets[img].Labels[pair.Tgt[k]])
			}
		}
		// An empty matched set carries no error signal.
		var classErr float32
		if len(rows) > 0 {
			classErr = 100 - topKAccuracy(rows, labels, 1)
		}
		vals = append(vals, lossValue{Name: "class_error", Value: classErr})
	}
	return vals, nil
}

// lossFocal computes the sigmoid focal classification loss. The no-object
// class has no logit column; unmatched slots get an all-zero target row.
func (c *Criterion) lossFocal(out *Output, targets []assign.Target, indices []assign.IndexPair, numBoxes float32) ([]lossValue, error) {
	batch, queries, err := c.checkLogits(out, c.cfg.NumClasses, "focal")
	if err != nil {
		return nil, err
	}
	nc := c.cfg.NumClasses
	logits := floats(out.PredLogits)
	tcls := c.targetClasses(batch, queries, targets, indices)

	alpha, gamma := c.cfg.Alpha, c.cfg.Gamma
	var sum float32
	for i := 0; i < batch*queries; i++ {
		cls := tcls[i]
		for j := 0; j < nc; j++ {
			x := logits[i*nc+j]
			var t float32
			if j == cls {
				t = 1
			}
			p := sigmoid(x)
			pt := p*t + (1-p)*(1-t)
			l := bceWithLogits(x, t) * math32.Pow(1-pt, gamma)
			if alpha >= 0 {
				l *= alpha*t + (1-alpha)*(1-t)
			}
			sum += l
		}
	}
	// Mean over queries, summed, rescaled by queries/normalizer: the query
	// count cancels, leaving the elementwise sum over the normalizer.
	return []lossValue{{Name: "loss_focal", Value: sum / numBoxes}}, nil
}

// lossVFL computes the varifocal classification loss: the detached IoU of each
// matched pair becomes the soft target score on the matched class slot.
func (c *Criterion) lossVFL(out *Output, targets []assign.Target, indices []assign.IndexPair, numBoxes float32) ([]lossValue, error) {
	batch, queries, err := c.checkLogits(out, c.cfg.NumClasses, "vfl")
	if err != nil {
		return nil, err
	}
	nc := c.cfg.NumClasses
	logits := floats(out.PredLogits)
	tcls := c.targetClasses(batch, queries, targets, indices)

	// Per-slot IoU of matched predicted and target boxes, corner form.
	score := make([]float32, batch*queries)
	src, tgt, matched, err := matchedBoxes(out, targets, indices)
	if err != nil {
		return nil, errors.Wrap(err, "criterion: vfl")
	}
	if matched > 0 {
		srcXY, err := boxes.CxCyWHToXYXY(src)
		if err != nil {
			return nil, err
		}
		tgtXY, err := boxes.CxCyWHToXYXY(tgt)
		if err != nil {
			return nil, err
		}
		ious, err := boxes.MatchedIoU(srcXY, tgtXY)
		if err != nil {
			return nil, err
		}
		k := 0
		for img, pair := range indices {
			for _, p := range pair.Pred {
				score[img*queries+p] = ious[k]
				k++
			}
		}
	}

	alpha, gamma := c.cfg.Alpha, c.cfg.Gamma
	var sum float32
	for i := 0; i < batch*queries; i++ {
		cls := tcls[i]
		for j := 0; j < nc; j++ {
			x := logits[i*nc+j]
			var t, ts float32
			if j == cls {
				t = 1
				ts = score[i]
			}
			w := alpha*math32.Pow(sigmoid(x), gamma)*(1-t) + ts
			sum += bceWithLogits(x, ts) * w
		}
	}
	return []lossValue{{Name: "loss_vfl", Value: sum / numBoxes}}, nil
}

// topKAccuracy returns the percentage of rows whose true label ranks within
// the top k logits. Empty input yields 0.
func topKAccuracy(rows [][]float32, labels []int, k int) float32 {
	if len(rows) == 0 {
		return 0
	}
	var correct int
	for i, row := range rows {
		hits := 0
		target := row[labels[i]]
		for j, v := range row {
			if v > target || (v == target && j < labels[i]) {
				hits++
			}
		}
		if hits < k {
			correct++
		}
	}
	return 100 * float32(correct) / float32(len(rows))
}
