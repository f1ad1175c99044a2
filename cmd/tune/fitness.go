package main

import (
	"context"
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/sph/config"
	"github.com/pthm-cable/sph/simulation"
	"github.com/pthm-cable/sph/solver"
	"github.com/pthm-cable/sph/telemetry"
)

// Fitness weights.
const (
	densityErrorWeight = 20.0 // per unit of relative excess density error
	unconvergedWeight  = 50.0 // per fraction of unconverged steps
	failurePenalty     = 1e6  // run failed or produced non-finite state
	warmupWindows      = 1    // skip first N windows (initial settling)
)

// FitnessEvaluator runs simulations and computes fitness (lower = better).
type FitnessEvaluator struct {
	params     *ParamVector
	maxSteps   int
	scenes     []float64 // fluid block heights, one run each
	baseConfig *config.Config

	mu   sync.Mutex
	last Evaluation
}

// Evaluation summarizes one parameter vector across all scenes.
type Evaluation struct {
	Fitness      float64
	Iterations   float64 // mean IISPH iterations per step
	DensityError float64 // worst relative density error
	Failed       int     // scenes that failed
}

// sceneResult holds the windows collected from one run.
type sceneResult struct {
	windows []telemetry.WindowStats
	err     error
}

// NewFitnessEvaluator creates an evaluator running each parameter vector on
// the given fluid heights.
func NewFitnessEvaluator(params *ParamVector, maxSteps int, scenes []float64, baseCfg *config.Config) *FitnessEvaluator {
	return &FitnessEvaluator{
		params:     params,
		maxSteps:   maxSteps,
		scenes:     scenes,
		baseConfig: baseCfg,
	}
}

// Last returns the summary of the most recent evaluation.
func (fe *FitnessEvaluator) Last() Evaluation {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.last
}

// Evaluate computes fitness for raw parameter values. Scenes run in parallel.
func (fe *FitnessEvaluator) Evaluate(x []float64) float64 {
	results := make([]sceneResult, len(fe.scenes))
	var wg sync.WaitGroup
	for i, height := range fe.scenes {
		wg.Add(1)
		go func(idx int, h float64) {
			defer wg.Done()
			results[idx] = fe.runScene(x, h)
		}(i, height)
	}
	wg.Wait()

	ev := computeFitness(results, fe.baseConfig.IISPH.MaxDensityError)

	fe.mu.Lock()
	fe.last = ev
	fe.mu.Unlock()
	return ev.Fitness
}

// runScene runs one IISPH simulation with the fluid block raised to height.
func (fe *FitnessEvaluator) runScene(x []float64, height float64) sceneResult {
	cfg := fe.copyConfig()
	fe.params.ApplyToConfig(cfg, x)
	cfg.Simulation.Solver = solver.NameIISPH
	cfg.Parallel.Workers = 1
	cfg.Scenario.Fluid.Height = height

	var r sceneResult
	sim, err := simulation.New(cfg, simulation.Options{
		StatsCallback: func(ws telemetry.WindowStats) {
			r.windows = append(r.windows, ws)
		},
	})
	if err != nil {
		r.err = err
		return r
	}
	defer sim.Close()
	r.err = sim.Run(context.Background(), fe.maxSteps)
	return r
}

// copyConfig returns a copy of the base config. Slices are shared; the
// evaluator only writes scalar fields.
func (fe *FitnessEvaluator) copyConfig() *config.Config {
	cfg := *fe.baseConfig
	return &cfg
}

// computeFitness scores the scene results:
// mean iterations + density error excess + unconverged fraction,
// with a fixed penalty per failed scene.
func computeFitness(results []sceneResult, maxDensityError float64) Evaluation {
	var ev Evaluation
	var iters, weights []float64
	var steps, unconverged int

	for _, r := range results {
		if r.err != nil || !finite(r.windows) {
			ev.Failed++
			continue
		}
		valid := r.windows
		if len(valid) > warmupWindows {
			valid = valid[warmupWindows:]
		}
		for _, w := range valid {
			iters = append(iters, w.IterationsMean)
			weights = append(weights, float64(w.Steps))
			steps += w.Steps
			unconverged += w.Unconverged
			ev.DensityError = max(ev.DensityError, w.DensityErrorMax)
		}
	}

	if len(iters) > 0 {
		ev.Iterations = stat.Mean(iters, weights)
	}
	excess := 0.0
	if maxDensityError > 0 {
		excess = max(0, ev.DensityError/maxDensityError-1)
	}
	frac := 0.0
	if steps > 0 {
		frac = float64(unconverged) / float64(steps)
	}

	ev.Fitness = ev.Iterations + densityErrorWeight*excess + unconvergedWeight*frac +
		failurePenalty*float64(ev.Failed)
	return ev
}

// finite reports whether every window has a finite density field.
func finite(windows []telemetry.WindowStats) bool {
	if len(windows) == 0 {
		return false
	}
	for _, w := range windows {
		if math.IsNaN(w.DensityMax) || math.IsInf(w.DensityMax, 0) ||
			math.IsNaN(w.MaxSpeed) || math.IsInf(w.MaxSpeed, 0) {
			return false
		}
	}
	return true
}
