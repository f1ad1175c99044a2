package telemetry

// StepRecord describes one completed simulation step.
type StepRecord struct {
	DT float64
	// Spawned is the number of particles emitted during the step.
	Spawned int
	// Iterations and DensityError come from an iterative pressure solver.
	Iterations      int
	DensityError    float64
	MaxErrorReached bool
}

// Collector accumulates step records within windows and produces WindowStats.
type Collector struct {
	windowSteps int

	// Current window tracking
	windowStartStep int

	steps           int
	dtSum           float64
	spawned         int
	iterationsSum   int
	iterationsMax   int
	densityErrorMax float64
	unconverged     int
}

// NewCollector creates a new stats collector.
// windowSteps: how many steps each stats window spans.
func NewCollector(windowSteps int) *Collector {
	if windowSteps < 1 {
		windowSteps = 1
	}
	return &Collector{windowSteps: windowSteps}
}

// StartAt discards the current window and starts a new one at step.
// Used when resuming from a snapshot.
func (c *Collector) StartAt(step int) {
	*c = Collector{windowSteps: c.windowSteps, windowStartStep: step}
}

// Record adds a completed step to the current window.
func (c *Collector) Record(r StepRecord) {
	c.steps++
	c.dtSum += r.DT
	c.spawned += r.Spawned
	c.iterationsSum += r.Iterations
	c.iterationsMax = max(c.iterationsMax, r.Iterations)
	c.densityErrorMax = max(c.densityErrorMax, r.DensityError)
	if r.MaxErrorReached {
		c.unconverged++
	}
}

// ShouldFlush returns true if enough steps have passed to flush the window.
func (c *Collector) ShouldFlush(currentStep int) bool {
	return currentStep-c.windowStartStep >= c.windowSteps
}

// Flush produces a WindowStats and resets counters for the next window.
// ps is the particle snapshot taken at currentStep.
func (c *Collector) Flush(currentStep int, simTime float64, ps ParticleStats) WindowStats {
	stats := WindowStats{
		WindowStartStep: c.windowStartStep,
		WindowEndStep:   currentStep,
		SimTime:         simTime,

		Steps:   c.steps,
		Spawned: c.spawned,

		Fluid:    ps.Fluid,
		Boundary: ps.Boundary,
		Dead:     ps.Dead,

		DensityMean: ps.DensityMean,
		DensityMin:  ps.DensityMin,
		DensityMax:  ps.DensityMax,
		DensityP10:  ps.DensityP10,
		DensityP50:  ps.DensityP50,
		DensityP90:  ps.DensityP90,

		PressureMean: ps.PressureMean,
		PressureMax:  ps.PressureMax,

		MaxSpeed:      ps.MaxSpeed,
		KineticEnergy: ps.KineticEnergy,

		NeighborsMean: ps.NeighborsMean,
		NeighborsMin:  ps.NeighborsMin,
		NeighborsMax:  ps.NeighborsMax,

		IterationsMax:   c.iterationsMax,
		DensityErrorMax: c.densityErrorMax,
		Unconverged:     c.unconverged,
	}
	if c.steps > 0 {
		stats.MeanDT = c.dtSum / float64(c.steps)
		stats.IterationsMean = float64(c.iterationsSum) / float64(c.steps)
	}

	c.StartAt(currentStep)
	return stats
}

// WindowSteps returns the number of steps per window.
func (c *Collector) WindowSteps() int {
	return c.windowSteps
}
