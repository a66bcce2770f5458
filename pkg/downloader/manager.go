package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rangedown/rangedown/internal/logctx"
	"golang.org/x/sync/errgroup"
)

// Request describes one download to enqueue on a Manager.
type Request struct {
	URL         string
	Destination string
	FileName    string
	MaxChunks   int
	RetryCount  int
}

// HistoryRecorder persists download history: a pending record when a
// session starts and its terminal status when it ends. Partial chunk
// progress never leaves the process.
type HistoryRecorder interface {
	TrackDownload(downloadID, filePath string) error
	UpdateDownloadStatus(downloadID, status string) error
}

// Metrics receives download lifecycle measurements.
type Metrics interface {
	RecordDownload(status string, duration time.Duration)
	IncrementActiveDownloads()
	DecrementActiveDownloads()
}

// Manager owns a set of download sessions. DownloadAll bounds how many of
// its requests run at once; sessions started directly with Add are not
// limited. Each session fetches its chunks strictly sequentially.
type Manager struct {
	maxParallel int
	history     HistoryRecorder
	metrics     Metrics
	opts        []Option

	mu       sync.Mutex
	sessions map[string]*Downloader

	OnDownloadFinished chan Result
	OnDownloadError    chan error
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHistory records session starts and terminal outcomes through r.
func WithHistory(r HistoryRecorder) ManagerOption {
	return func(m *Manager) { m.history = r }
}

// WithMetrics reports lifecycle measurements through mt.
func WithMetrics(mt Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// WithSessionOptions applies opts to every session the manager creates.
func WithSessionOptions(opts ...Option) ManagerOption {
	return func(m *Manager) { m.opts = append(m.opts, opts...) }
}

func NewManager(maxParallel int, opts ...ManagerOption) *Manager {
	if maxParallel <= 0 {
		maxParallel = 1
	}

	m := &Manager{
		maxParallel:        maxParallel,
		sessions:           make(map[string]*Downloader),
		OnDownloadFinished: make(chan Result),
		OnDownloadError:    make(chan error),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Close releases the event channels.
func (m *Manager) Close() {
	close(m.OnDownloadFinished)
	close(m.OnDownloadError)
}

// Add creates a session for req, starts it and watches its handle. The
// session stays registered until Remove.
func (m *Manager) Add(ctx context.Context, req Request) (*Downloader, *Handle, error) {
	opts := make([]Option, 0, len(m.opts)+4)
	opts = append(opts, m.opts...)

	if req.Destination != "" {
		opts = append(opts, WithDestination(req.Destination))
	}

	if req.FileName != "" {
		opts = append(opts, WithFileName(req.FileName))
	}

	if req.MaxChunks > 0 {
		opts = append(opts, WithMaxChunks(req.MaxChunks))
	}

	if req.RetryCount > 0 {
		opts = append(opts, WithRetryCount(req.RetryCount))
	}

	dl := New(req.URL, opts...)

	// Sessions outlive the caller's request scope; keep log values but
	// detach cancellation.
	runCtx := context.WithoutCancel(ctx)

	handle, err := dl.Download(runCtx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start download: %w", err)
	}

	m.mu.Lock()
	m.sessions[dl.ID()] = dl
	m.mu.Unlock()

	if m.history != nil {
		_ = m.history.TrackDownload(dl.ID(), dl.TargetPath())
	}

	if m.metrics != nil {
		m.metrics.IncrementActiveDownloads()
	}

	go m.watch(runCtx, dl, handle, time.Now())

	return dl, handle, nil
}

// Get returns the session registered under id.
func (m *Manager) Get(id string) (*Downloader, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dl, ok := m.sessions[id]

	return dl, ok
}

// List returns all registered sessions.
func (m *Manager) List() []*Downloader {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Downloader, 0, len(m.sessions))
	for _, dl := range m.sessions {
		out = append(out, dl)
	}

	return out
}

// Pause pauses the session registered under id.
func (m *Manager) Pause(ctx context.Context, id string) error {
	dl, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("unknown download: %s", id)
	}

	dl.Pause(ctx)

	return nil
}

// Resume resumes the session registered under id and re-arms its watcher
// on the fresh handle.
func (m *Manager) Resume(ctx context.Context, id string) (*Handle, error) {
	dl, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("unknown download: %s", id)
	}

	runCtx := context.WithoutCancel(ctx)

	handle, err := dl.Resume(runCtx)
	if err != nil {
		return nil, err
	}

	go m.watch(runCtx, dl, handle, time.Now())

	return handle, nil
}

// Cancel cancels the session registered under id.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	dl, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("unknown download: %s", id)
	}

	dl.Cancel(ctx)

	return nil
}

// Remove cancels, disposes and forgets the session registered under id.
func (m *Manager) Remove(ctx context.Context, id string) error {
	dl, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("unknown download: %s", id)
	}

	dl.Cancel(ctx)
	dl.Dispose()

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	return nil
}

// DownloadAll runs every request to completion with bounded parallelism
// and returns the number that finished.
func (m *Manager) DownloadAll(ctx context.Context, reqs []Request) (int, error) {
	if len(reqs) == 0 {
		return 0, fmt.Errorf("no downloads requested")
	}

	var completed int32

	wg, ctx := errgroup.WithContext(ctx)

	sem := make(chan struct{}, m.maxParallel)

	for i := range reqs {
		req := reqs[i]
		sem <- struct{}{}

		wg.Go(func() error {
			defer func() { <-sem }() // release the slot

			_, handle, err := m.Add(ctx, req)
			if err != nil {
				return err
			}

			if _, err := handle.Await(ctx); err != nil {
				return err
			}

			atomic.AddInt32(&completed, 1)

			return nil
		})
	}

	if err := wg.Wait(); err != nil {
		return int(completed), fmt.Errorf("failed to download files: %w", err)
	}

	return int(completed), nil
}

// watch settles bookkeeping when a handle resolves. A pause is not a
// terminal outcome: the watcher exits and Resume arms a new one.
func (m *Manager) watch(ctx context.Context, dl *Downloader, handle *Handle, startedAt time.Time) {
	logger := logctx.LoggerFromContext(ctx).With("component", "manager", "download_id", dl.ID())

	res, err := handle.Await(ctx)

	if errors.Is(err, ErrPaused) {
		logger.Debug("download paused, watcher detached")

		return
	}

	duration := time.Since(startedAt)

	status := "downloaded"

	switch {
	case errors.Is(err, ErrCancelled):
		status = "cancelled"
	case err != nil:
		status = "failed"
	}

	if m.metrics != nil {
		m.metrics.DecrementActiveDownloads()
		m.metrics.RecordDownload(status, duration)
	}

	if m.history != nil {
		_ = m.history.UpdateDownloadStatus(dl.ID(), status)
	}

	if err != nil {
		logger.Error("download did not complete", "url", dl.URL(), "status", status, "err", err)

		m.OnDownloadError <- fmt.Errorf("download %s: %w", dl.ID(), err)

		return
	}

	logger.Info("download finished", "url", dl.URL(), "target", res.Path, "duration", duration.String())

	m.OnDownloadFinished <- res
}
