package indexer

import "sync/atomic"

// State is the pipeline state of an Indexer.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StatePlanning
	StateProcessingChunk
	StateCheckpointing
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StatePlanning:
		return "planning"
	case StateProcessingChunk:
		return "processing_chunk"
	case StateCheckpointing:
		return "checkpointing"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// runLock admits one Run at a time and publishes the current state.
type runLock struct {
	running atomic.Bool
	state   atomic.Int32
}

// tryAcquire attempts to start a run without blocking.
func (l *runLock) tryAcquire() bool {
	return l.running.CompareAndSwap(false, true)
}

func (l *runLock) release() {
	l.running.Store(false)
}

func (l *runLock) set(s State) {
	l.state.Store(int32(s))
}

func (l *runLock) get() State {
	return State(l.state.Load())
}
