package pipeline

import "math/rand/v2"

// Sampler lets roughly a fixed share of eligible public posts through.
type Sampler struct {
	threshold float64
	draw      func() float64
}

// NewSampler keeps an event when a uniform draw lands in the top
// probability share of [0,1), i.e. at or above 1-probability. A nil draw uses
// math/rand/v2.
func NewSampler(probability float64, draw func() float64) *Sampler {
	if draw == nil {
		draw = rand.Float64
	}
	return &Sampler{threshold: 1 - probability, draw: draw}
}

// Keep draws once and reports whether the event proceeds.
func (s *Sampler) Keep() bool {
	return s.draw() >= s.threshold
}

// Threshold is the drop boundary: draws below it are dropped.
func (s *Sampler) Threshold() float64 {
	return s.threshold
}
