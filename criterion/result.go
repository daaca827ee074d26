package criterion

import (
	"github.com/chewxy/math32"
	"go.uber.org/zap"
)

// lossValue is one computed loss term before weighting.
type lossValue struct {
	Name  string
	Value float32
}

// resultBuilder accumulates (name, stage suffix, value) records and flattens
// them into the final keyed map. Every value passes the non-finite guard, then
// the weight table decides inclusion: weighted entries are scaled, the
// diagnostics pass through unweighted, everything else is dropped.
type resultBuilder struct {
	weights map[string]float32
	logger  *zap.Logger
	names   []string
	values  []float32
}

func newResultBuilder(weights map[string]float32, logger *zap.Logger) *resultBuilder {
	return &resultBuilder{weights: weights, logger: logger}
}

func isDiagnostic(name string) bool {
	return name == "class_error" || name == "cardinality_error"
}

func (b *resultBuilder) add(suffix string, vals []lossValue) {
	for _, v := range vals {
		val := b.stabilize(v.Name, suffix, v.Value)
		if w, ok := b.weights[v.Name]; ok {
			b.names = append(b.names, v.Name+suffix)
			b.values = append(b.values, val*w)
		} else if isDiagnostic(v.Name) {
			b.names = append(b.names, v.Name+suffix)
			b.values = append(b.values, val)
		}
	}
}

// stabilize replaces a non-finite loss with a signed sentinel of magnitude
// 10x the loss weight so a single bad term cannot halt training; the event is
// logged so it stays observable.
func (b *resultBuilder) stabilize(name, suffix string, v float32) float32 {
	if !math32.IsNaN(v) && !math32.IsInf(v, 0) {
		return v
	}
	w, ok := b.weights[name]
	if !ok {
		w = 1
	}
	repl := 10 * w
	if math32.IsInf(v, -1) {
		repl = -repl
	}
	b.logger.Warn("unstable loss value, replacing",
		zap.String("loss", name+suffix),
		zap.Float32("replacement", repl))
	return repl
}

func (b *resultBuilder) result() map[string]float32 {
	out := make(map[string]float32, len(b.names))
	for i, n := range b.names {
		out[n] = b.values[i]
	}
	return out
}
