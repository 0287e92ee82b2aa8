package memory

import (
	"context"
	"sync"

	"github.com/gluonMaster/ImageSearchGPU/pkg/types"
)

// Step is one scripted sampler reading.
type Step struct {
	Sample types.MemorySample
	Err    error
}

// Scripted replays a fixed sequence of readings. After the script is
// exhausted it returns Normal samples. It never reads system state.
type Scripted struct {
	mu    sync.Mutex
	steps []Step
	calls int
}

// NewScripted creates a sampler that returns the given samples in order.
func NewScripted(samples ...types.MemorySample) *Scripted {
	steps := make([]Step, len(samples))
	for i, s := range samples {
		steps[i] = Step{Sample: s}
	}
	return &Scripted{steps: steps}
}

// NewScriptedSteps creates a sampler from steps that may carry errors.
func NewScriptedSteps(steps ...Step) *Scripted {
	return &Scripted{steps: append([]Step(nil), steps...)}
}

// Severities creates a scripted sampler from bare severities.
func Severities(sevs ...types.Severity) *Scripted {
	samples := make([]types.MemorySample, len(sevs))
	for i, sev := range sevs {
		samples[i] = types.MemorySample{Severity: sev}
	}
	return NewScripted(samples...)
}

// Sample returns the next scripted reading.
func (s *Scripted) Sample(ctx context.Context) (types.MemorySample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.calls
	s.calls++
	if i >= len(s.steps) {
		return types.MemorySample{Severity: types.SeverityNormal}, nil
	}
	return s.steps[i].Sample, s.steps[i].Err
}

// Calls returns how many samples were taken.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
