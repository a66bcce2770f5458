package downloader

import "sync"

// ProgressPublisher broadcasts byte deltas and a formatted "<done>/<total>"
// string as segments arrive. Both channels replay their latest value to
// late subscribers.
type ProgressPublisher struct {
	mu       sync.Mutex
	streamed int64
	total    int64

	deltas    *broadcaster[int64]
	formatted *broadcaster[string]
}

func NewProgressPublisher() *ProgressPublisher {
	return &ProgressPublisher{
		deltas:    newBroadcaster[int64](),
		formatted: newBroadcaster[string](),
	}
}

// SetTotal records the denominator used for the formatted stream.
func (p *ProgressPublisher) SetTotal(total int64) {
	p.mu.Lock()
	p.total = total
	p.mu.Unlock()
}

// Emit publishes a byte delta and the refreshed formatted string.
func (p *ProgressPublisher) Emit(n int64) {
	if n < 0 {
		n = -n
	}

	p.mu.Lock()
	p.streamed += n
	streamed, total := p.streamed, p.total
	p.mu.Unlock()

	p.deltas.Publish(n)
	p.formatted.Publish(FormatProgress(streamed, total))
}

// Streamed returns the cumulative bytes emitted so far.
func (p *ProgressPublisher) Streamed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.streamed
}

// Updates subscribes to the byte-delta stream.
func (p *ProgressPublisher) Updates() (<-chan int64, func()) {
	return p.deltas.Subscribe()
}

// Formatted subscribes to the "<done>/<total>" stream.
func (p *ProgressPublisher) Formatted() (<-chan string, func()) {
	return p.formatted.Subscribe()
}

// Close detaches all subscribers.
func (p *ProgressPublisher) Close() {
	p.deltas.Close()
	p.formatted.Close()
}
