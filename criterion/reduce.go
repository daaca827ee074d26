package criterion

// Aggregator sums the matched-object normalizer across cooperating training
// workers. Distributed runners supply an implementation backed by their
// collective; the default degrades to a local no-op.
type Aggregator interface {
	// SumFloat returns v summed across all workers. The call is a
	// synchronization point when a distributed context is active.
	SumFloat(v float32) float32
	// WorldSize returns the number of cooperating workers.
	WorldSize() int
}

type localAggregator struct{}

func (localAggregator) SumFloat(v float32) float32 { return v }

func (localAggregator) WorldSize() int { return 1 }
