package instance

import "sort"

// Phase defines execution ordering within a single tick.
type Phase int

const (
	PhaseInput    Phase = iota // 0: drain the input queue, apply joins/leaves/inputs
	PhaseUpdate                // 1: Heartbeat callbacks
	PhasePhysics               // 2: step the physics world
	PhasePostStep              // 3: Stepped callbacks
	PhaseOutput                // 4: publish the observation snapshot
	PhaseCleanup               // 5: release resources of parts destroyed this tick
)

type stage struct {
	phase Phase
	run   func(dt float64) error
}

// pipeline executes registered stages in phase order each tick. The first
// stage error aborts the tick; phases Output and Cleanup never produce
// script faults, so an aborted tick publishes nothing partial.
type pipeline struct {
	stages []stage
	sorted bool
}

func (p *pipeline) register(phase Phase, run func(dt float64) error) {
	p.stages = append(p.stages, stage{phase: phase, run: run})
	p.sorted = false
}

func (p *pipeline) tick(dt float64) error {
	if !p.sorted {
		sort.SliceStable(p.stages, func(i, j int) bool {
			return p.stages[i].phase < p.stages[j].phase
		})
		p.sorted = true
	}
	for _, s := range p.stages {
		if err := s.run(dt); err != nil {
			return err
		}
	}
	return nil
}
