// Package criterion - bipartite-matching loss computation for DETR-family
// detectors: per-pair classification, box and point-sampled mask losses over
// main, auxiliary and denoising decoder outputs.
package criterion

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detr-loss/assign"
)

// Loss identifies one of the supported loss computations.
type Loss int

const (
	// LossLabels is weighted cross-entropy classification plus the class_error
	// diagnostic.
	LossLabels Loss = iota
	// LossBoxes is L1 box regression plus generalized IoU.
	LossBoxes
	// LossCardinality is the non-gradient predicted-count diagnostic.
	LossCardinality
	// LossFocal is sigmoid focal classification.
	LossFocal
	// LossVFL is varifocal classification with IoU soft targets.
	LossVFL
	// LossMasks is point-sampled BCE plus Dice over predicted masks.
	LossMasks
)

// String returns the loss name.
func (l Loss) String() string {
	switch l {
	case LossLabels:
		return "labels"
	case LossBoxes:
		return "boxes"
	case LossCardinality:
		return "cardinality"
	case LossFocal:
		return "focal"
	case LossVFL:
		return "vfl"
	case LossMasks:
		return "masks"
	}
	return fmt.Sprintf("Loss(%d)", int(l))
}

// Output is the per-layer model output consumed by the criterion.
type Output struct {
	// PredLogits is a (batch, queries, classes) float32 tensor.
	PredLogits *tensor.Dense
	// PredBoxes is a (batch, queries, 4) float32 tensor in (cx,cy,w,h) form.
	PredBoxes *tensor.Dense
	// PredMasks is an optional (batch, queries, H, W) float32 logit tensor.
	PredMasks *tensor.Dense
	// Aux holds intermediate decoder layer outputs, in layer order.
	Aux []*Output
	// DNOutputs holds the denoising decoder output, with its own Aux layers.
	DNOutputs *Output
	// DNMeta describes the denoising layout; required when DNOutputs is set.
	DNMeta *assign.DenoiseMeta
}

// stripped returns a copy without auxiliary or denoising fields, the view
// handed to the matcher.
func (o *Output) stripped() *Output {
	return &Output{PredLogits: o.PredLogits, PredBoxes: o.PredBoxes, PredMasks: o.PredMasks}
}

// queries returns the per-image prediction slot count.
func (o *Output) queries() int {
	if o.PredLogits != nil && len(o.PredLogits.Shape()) == 3 {
		return o.PredLogits.Shape()[1]
	}
	return 0
}

// Matcher computes a one-to-one assignment between prediction slots and
// ground-truth objects. It receives the layer output with auxiliary fields
// stripped.
type Matcher interface {
	Match(outputs *Output, targets []assign.Target) (assign.Matches, error)
}

// Config configures a Criterion. Zero-valued hyperparameters take the usual
// defaults (Alpha 0.2, Gamma 2.0, EOSCoef 1e-4, NumPoints 12544,
// OversampleRatio 3.0, ImportanceSampleRatio 0.75).
type Config struct {
	// NumClasses is the number of object categories, excluding no-object.
	NumClasses int
	// Matcher computes assignments for main and auxiliary outputs.
	Matcher Matcher
	// Losses selects which losses Forward computes.
	Losses []Loss
	// WeightDict maps loss names to their multipliers; computed losses
	// without an entry are dropped from the result.
	WeightDict map[string]float32

	// Alpha and Gamma parameterize the focal and varifocal losses.
	Alpha float32
	Gamma float32
	// EOSCoef is the cross-entropy weight of the no-object class.
	EOSCoef float32

	// NumPoints, OversampleRatio and ImportanceSampleRatio control the
	// point-sampled mask loss.
	NumPoints             int
	OversampleRatio       float64
	ImportanceSampleRatio float64

	// Rand is the source for point sampling; defaults to a fixed-seed source.
	Rand *rand.Rand
	// Logger receives non-finite loss warnings; defaults to a no-op logger.
	Logger *zap.Logger
	// Aggregator sums the normalizer across workers; defaults to local-only.
	Aggregator Aggregator
}

func (c Config) withDefaults() Config {
	if c.Alpha == 0 {
		c.Alpha = 0.2
	}
	if c.Gamma == 0 {
		c.Gamma = 2.0
	}
	if c.EOSCoef == 0 {
		c.EOSCoef = 1e-4
	}
	if c.NumPoints == 0 {
		c.NumPoints = 12544
	}
	if c.OversampleRatio == 0 {
		c.OversampleRatio = 3.0
	}
	if c.ImportanceSampleRatio == 0 {
		c.ImportanceSampleRatio = 0.75
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(1))
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Aggregator == nil {
		c.Aggregator = localAggregator{}
	}
	return c
}

// Criterion computes the training losses of a matching-based detector. It is
// stateless across invocations apart from the immutable per-class weight
// vector built at construction.
type Criterion struct {
	cfg         Config
	classWeight []float32 // len NumClasses+1, last entry is the no-object weight
}

// New creates a Criterion.
//
// Arguments:
//   - cfg: The criterion configuration.
//
// Returns:
//   - The criterion.
//   - error: An error on invalid configuration.
func New(cfg Config) (*Criterion, error) {
	cfg = cfg.withDefaults()
	if cfg.NumClasses <= 0 {
		return nil, errors.Errorf("criterion: NumClasses must be positive, got %d", cfg.NumClasses)
	}
	if cfg.Matcher == nil {
		return nil, errors.New("criterion: Matcher is required")
	}
	if len(cfg.Losses) == 0 {
		return nil, errors.New("criterion: at least one loss is required")
	}
	for _, l := range cfg.Losses {
		switch l {
		case LossLabels, LossBoxes, LossCardinality, LossFocal, LossVFL, LossMasks:
		default:
			return nil, errors.Errorf("criterion: unknown loss %v", l)
		}
	}

	w := make([]float32, cfg.NumClasses+1)
	for i := range w {
		w[i] = 1
	}
	w[cfg.NumClasses] = cfg.EOSCoef
	return &Criterion{cfg: cfg, classWeight: w}, nil
}

// Forward computes all configured losses for one batch.
//
// Arguments:
//   - outputs: The model outputs, including optional auxiliary and denoising
//     layers.
//   - targets: Per-image ground truth, one entry per batch element.
//
// Returns:
//   - A flat map from loss name to weighted scalar, with _aux_{i}, _dn and
//     _dn_{i} suffixes for auxiliary and denoising stages. The class_error
//     and cardinality_error diagnostics are reported unweighted.
//   - error: An error on missing outputs, malformed metadata or matcher
//     failure.
func (c *Criterion) Forward(outputs *Output, targets []assign.Target) (map[string]float32, error) {
	if outputs == nil || outputs.PredLogits == nil {
		return nil, errors.New("criterion: outputs missing pred_logits")
	}
	if err := c.validateTargets(targets); err != nil {
		return nil, err
	}

	// Average the matched-object count across workers before any loss is
	// computed, clamped so empty batches cannot zero the denominator.
	var total int
	for _, t := range targets {
		total += len(t.Labels)
	}
	agg := c.cfg.Aggregator
	numBoxes := agg.SumFloat(float32(total)) / float32(agg.WorldSize())
	if numBoxes < 1 {
		numBoxes = 1
	}

	matches, err := c.cfg.Matcher.Match(outputs.stripped(), targets)
	if err != nil {
		return nil, errors.Wrap(err, "criterion: matcher")
	}
	if err := assign.Validate(matches.Indices, targets, outputs.queries()); err != nil {
		return nil, err
	}

	b := newResultBuilder(c.cfg.WeightDict, c.cfg.Logger)
	for _, l := range c.cfg.Losses {
		vals, err := c.computeLoss(l, outputs, targets, matches.Indices, numBoxes, true)
		if err != nil {
			return nil, err
		}
		b.add("", vals)
	}

	for i, aux := range outputs.Aux {
		auxMatches, err := c.cfg.Matcher.Match(aux.stripped(), targets)
		if err != nil {
			return nil, errors.Wrapf(err, "criterion: matcher on aux layer %d", i)
		}
		if err := assign.Validate(auxMatches.Indices, targets, aux.queries()); err != nil {
			return nil, err
		}
		for _, l := range c.cfg.Losses {
			if l == LossMasks && aux.PredMasks == nil {
				continue
			}
			vals, err := c.computeLoss(l, aux, targets, auxMatches.Indices, numBoxes, false)
			if err != nil {
				return nil, errors.Wrapf(err, "criterion: aux layer %d", i)
			}
			b.add(fmt.Sprintf("_aux_%d", i), vals)
		}
	}

	if outputs.DNOutputs != nil {
		if outputs.DNMeta == nil {
			return nil, errors.New("criterion: denoising outputs without denoising meta")
		}
		dnIndices, err := assign.DenoiseIndices(outputs.DNMeta, targets)
		if err != nil {
			return nil, err
		}
		dnNumBoxes := numBoxes * float32(outputs.DNMeta.NormalizerScale())
		dn := outputs.DNOutputs

		for _, l := range c.cfg.Losses {
			if l == LossMasks && dn.PredMasks == nil {
				continue
			}
			vals, err := c.computeLoss(l, dn, targets, dnIndices, dnNumBoxes, true)
			if err != nil {
				return nil, errors.Wrap(err, "criterion: denoising")
			}
			b.add("_dn", vals)
		}

		for i, aux := range dn.Aux {
			for _, l := range c.cfg.Losses {
				if l == LossMasks && aux.PredMasks == nil {
					continue
				}
				vals, err := c.computeLoss(l, aux, targets, dnIndices, dnNumBoxes, true)
				if err != nil {
					return nil, errors.Wrapf(err, "criterion: denoising aux layer %d", i)
				}
				b.add(fmt.Sprintf("_dn_%d", i), vals)
			}
		}
	}

	return b.result(), nil
}

func (c *Criterion) computeLoss(
	l Loss,
	out *Output,
	targets []assign.Target,
	indices []assign.IndexPair,
	numBoxes float32,
	reportError bool,
) ([]lossValue, error) {
	switch l {
	case LossLabels:
		return c.lossLabels(out, targets, indices, reportError)
	case LossBoxes:
		return c.lossBoxes(out, targets, indices, numBoxes)
	case LossCardinality:
		return c.lossCardinality(out, targets)
	case LossFocal:
		return c.lossFocal(out, targets, indices, numBoxes)
	case LossVFL:
		return c.lossVFL(out, targets, indices, numBoxes)
	case LossMasks:
		return c.lossMasks(out, targets, indices, numBoxes)
	}
	return nil, errors.Errorf("criterion: unknown loss %v", l)
}

func (c *Criterion) validateTargets(targets []assign.Target) error {
	for img, t := range targets {
		for _, l := range t.Labels {
			if l < 0 || l >= c.cfg.NumClasses {
				return errors.Errorf("criterion: image %d: label %d out of range [0,%d)", img, l, c.cfg.NumClasses)
			}
		}
		if len(t.Labels) > 0 {
			if t.Boxes == nil {
				return errors.Errorf("criterion: image %d: targets missing boxes", img)
			}
			s := t.Boxes.Shape()
			if len(s) != 2 || s[0] != len(t.Labels) || s[1] != 4 {
				return errors.Errorf("criterion: image %d: boxes shape %v for %d labels", img, s, len(t.Labels))
			}
		}
	}
	return nil
}
