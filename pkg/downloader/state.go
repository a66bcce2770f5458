package downloader

import "sync"

// Phase is the engine's observable lifecycle state.
type Phase string

const (
	PhaseIdle        Phase = "Idle"
	PhaseDownloading Phase = "Downloading"
	PhasePaused      Phase = "Paused"
	PhaseCancelled   Phase = "Cancelled"
	PhaseCompleted   Phase = "Completed"
)

// Terminal reports whether no further transitions can follow.
func (p Phase) Terminal() bool {
	return p == PhaseCancelled || p == PhaseCompleted
}

// StatePublisher broadcasts lifecycle transitions. Emissions occur only on
// actual changes; the latest phase replays to new subscribers.
type StatePublisher struct {
	mu   sync.Mutex
	last Phase

	phases *broadcaster[Phase]
}

func NewStatePublisher() *StatePublisher {
	return &StatePublisher{
		last:   PhaseIdle,
		phases: newBroadcaster[Phase](),
	}
}

// Publish emits p if it differs from the last emitted phase.
func (s *StatePublisher) Publish(p Phase) {
	s.mu.Lock()

	if p == s.last {
		s.mu.Unlock()

		return
	}

	s.last = p
	s.mu.Unlock()

	s.phases.Publish(p)
}

// Updates subscribes to the phase stream.
func (s *StatePublisher) Updates() (<-chan Phase, func()) {
	return s.phases.Subscribe()
}

// Close detaches all subscribers.
func (s *StatePublisher) Close() {
	s.phases.Close()
}
