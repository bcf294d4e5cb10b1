// Package predictor forecasts a batch's remaining wall-clock time by
// Monte Carlo simulation: it treats the in-flight tasks' elapsed ages and
// the pool of completed durations as an empirical distribution, then
// replays a simple P-server queue many times with resampled variance.
package predictor

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
	"time"
)

const simulationCount = 200

// Prediction holds the outcome of one forecast: S simulated totals plus
// their mean, with Percentile available for quantile queries.
type Prediction struct {
	Simulations []float64 // wall-clock seconds, one per simulation run
	Mean        float64
}

// Percentile returns the q-th percentile (0-100) of the simulated totals
// using linear interpolation between closest ranks.
func (p *Prediction) Percentile(q float64) float64 {
	if len(p.Simulations) == 0 {
		return 0
	}
	sorted := append([]float64(nil), p.Simulations...)
	sort.Float64s(sorted)

	if q <= 0 {
		return sorted[0]
	}
	if q >= 100 {
		return sorted[len(sorted)-1]
	}

	rank := q / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Predict runs the forecast. historicalDurations are completed task
// durations from this run (and, for a resumed run, none from prior
// runs); inFlightAges are how long each currently-running child has been
// alive; remainingTasks is the queue length; seed makes the simulation
// reproducible for identical inputs.
func Predict(historicalDurations, inFlightAges []time.Duration, remainingTasks int, seed int64) *Prediction {
	rng := rand.New(rand.NewSource(seed))

	slots := len(inFlightAges)
	currentPredictions := make([]float64, slots)
	for i, a := range inFlightAges {
		mean := a.Seconds()
		currentPredictions[i] = drawExponentialWithMean(rng, mean)
	}

	taskTimes := make([]float64, 0, slots+len(historicalDurations))
	taskTimes = append(taskTimes, currentPredictions...)
	for _, d := range historicalDurations {
		taskTimes = append(taskTimes, d.Seconds())
	}

	sims := make([]float64, simulationCount)
	for s := 0; s < simulationCount; s++ {
		sims[s] = simulateOnce(rng, taskTimes, currentPredictions, remainingTasks)
	}

	return &Prediction{Simulations: sims, Mean: mean(sims)}
}

// simulateOnce runs one replay of the P-server queue: the heap's slots
// start at the in-flight predictions (each server is already partway
// through its current task), and each freshly sampled future duration is
// assigned to whichever slot frees up soonest.
func simulateOnce(rng *rand.Rand, taskTimes, currentPredictions []float64, remainingTasks int) float64 {
	h := make(minHeap, len(currentPredictions))
	copy(h, currentPredictions)
	heap.Init(&h)

	if len(h) == 0 {
		// No in-flight tasks; there is nothing to wait on, but the
		// caller only predicts while some child is active, so this
		// path is defensive rather than expected.
		h = append(h, 0)
	}

	for i := 0; i < remainingTasks; i++ {
		sampledRate := taskTimes[rng.Intn(len(taskTimes))]
		t := drawExponentialWithRate(rng, sampledRate)
		clock := heap.Pop(&h).(float64)
		heap.Push(&h, clock+t)
	}

	max := h[0]
	for _, v := range h {
		if v > max {
			max = v
		}
	}
	return max
}

// drawExponentialWithMean draws from Exp(rate = 1/mean), i.e. the
// expected-remaining-time model: a task already running `mean` seconds
// is expected to run another `mean` seconds (memoryless).
func drawExponentialWithMean(rng *rand.Rand, mean float64) float64 {
	if mean <= 0 {
		return 0
	}
	return rng.ExpFloat64() * mean
}

// drawExponentialWithRate draws from Exp(rate), injecting variance
// around a sampled historical duration: the sampled value is used
// directly as the rate parameter rather than its mean.
func drawExponentialWithRate(rng *rand.Rand, rate float64) float64 {
	if rate <= 0 {
		return 0
	}
	return rng.ExpFloat64() / rate
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

type minHeap []float64

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(float64)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
