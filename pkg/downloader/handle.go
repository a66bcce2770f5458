package downloader

import (
	"context"
	"sync"
)

// Result is published once after every durably appended chunk (or once
// after the single-shot write); the last one carries Complete. ID is an
// opaque identifier stable for the session.
type Result struct {
	Path     string
	ID       string
	Complete bool
}

// Handle is the one-shot future returned by Download and Resume. It
// resolves with the completed file reference or fails with a lifecycle
// error (ErrPaused, ErrCancelled, or a fatal fetch/write error).
type Handle struct {
	once sync.Once
	done chan struct{}
	res  Result
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Await blocks until the handle settles or ctx is done.
func (h *Handle) Await(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.res, h.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Done returns a channel closed when the handle settles.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the settled error, or nil if unsettled or resolved.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *Handle) resolve(res Result) {
	h.once.Do(func() {
		h.res = res
		close(h.done)
	})
}

func (h *Handle) fail(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

func (h *Handle) settled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
