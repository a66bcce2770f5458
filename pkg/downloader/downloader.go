package downloader

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rangedown/rangedown/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	dirPerm  = 0755
	filePerm = 0644
)

// Downloader is a single download session: it probes the remote resource,
// splits it into sequential ranged requests, materializes the bytes on
// disk and publishes progress and lifecycle state. One Downloader serves
// one URL for its whole lifetime.
type Downloader struct {
	url        string
	dest       string
	fileName   string
	maxChunks  int
	maxRetries int

	client  *http.Client
	paths   PathProvider
	prober  *Prober
	fetcher *Fetcher

	token    *ControlToken
	progress *ProgressPublisher
	state    *StatePublisher
	results  *broadcaster[Result]
	canPause *broadcaster[bool]

	mu              sync.Mutex
	id              string
	phase           Phase
	started         bool
	targetPath      string
	totalBytes      int64
	canBuffer       bool
	bytesPerChunk   int64
	currentChunk    int
	downloadedBytes int64
	justResumed     bool
	generation      int
	handle          *Handle
	lastResult      *Result

	sizeVal     int64
	sizeReady   chan struct{}
	disposed    chan struct{}
	disposeOnce sync.Once
}

// Option configures a Downloader at construction time.
type Option func(*Downloader)

// WithDestination sets an explicit destination file path. When absent the
// file is placed under <documents>/cacheDirectory/<file_name>.
func WithDestination(path string) Option {
	return func(d *Downloader) { d.dest = path }
}

// WithFileName overrides the file name otherwise derived from the URL.
func WithFileName(name string) Option {
	return func(d *Downloader) { d.fileName = name }
}

// WithMaxChunks caps the number of ranged requests. The planner may reduce
// it further.
func WithMaxChunks(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.maxChunks = n
		}
	}
}

// WithRetryCount bounds attempts per chunk.
func WithRetryCount(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.maxRetries = n
		}
	}
}

// WithHTTPClient swaps the HTTP client used for probing and fetching.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Downloader) { d.client = client }
}

// WithPathProvider swaps the documents directory lookup.
func WithPathProvider(p PathProvider) Option {
	return func(d *Downloader) { d.paths = p }
}

func New(url string, opts ...Option) *Downloader {
	d := &Downloader{
		url:          url,
		maxChunks:    DefaultMaxChunks,
		maxRetries:   DefaultRetryCount,
		client:       defaultHTTPClient(),
		paths:        OSPathProvider{},
		token:        NewControlToken(),
		progress:     NewProgressPublisher(),
		state:        NewStatePublisher(),
		results:      newBroadcaster[Result](),
		canPause:     newBroadcaster[bool](),
		id:           uuid.NewString(),
		phase:        PhaseIdle,
		currentChunk: 1,
		sizeReady:    make(chan struct{}),
		disposed:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(d)
	}

	d.prober = NewProber(d.client)
	d.fetcher = NewFetcher(d.client)

	return d
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

// ID returns the opaque session identifier carried by every Result.
func (d *Downloader) ID() string {
	return d.id
}

// URL returns the source URL.
func (d *Downloader) URL() string {
	return d.url
}

// TargetPath returns the resolved destination path once Download has run.
func (d *Downloader) TargetPath() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.targetPath
}

// Phase returns the current lifecycle phase.
func (d *Downloader) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.phase
}

// Pausable reports whether the server supports byte ranges; it is only
// meaningful once the metadata probe has run.
func (d *Downloader) Pausable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.canBuffer
}

// Progress subscribes to the byte-delta stream.
func (d *Downloader) Progress() (<-chan int64, func()) {
	return d.progress.Updates()
}

// FormattedProgress subscribes to the "<done>/<total>" stream.
func (d *Downloader) FormattedProgress() (<-chan string, func()) {
	return d.progress.Formatted()
}

// State subscribes to the phase stream.
func (d *Downloader) State() (<-chan Phase, func()) {
	return d.state.Updates()
}

// CanPause subscribes to the pausability flag, published once metadata is
// known.
func (d *Downloader) CanPause() (<-chan bool, func()) {
	return d.canPause.Subscribe()
}

// Token exposes the session control token for external observation.
func (d *Downloader) Token() *ControlToken {
	return d.token
}

// FileSize blocks until the metadata probe has run and returns the total
// size of the remote resource.
func (d *Downloader) FileSize(ctx context.Context) (int64, error) {
	select {
	case <-d.sizeReady:
		return d.sizeVal, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// DownloadedFile returns the last published file reference, or nil when no
// chunk has been materialized yet.
func (d *Downloader) DownloadedFile() *Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastResult == nil {
		return nil
	}

	res := *d.lastResult

	return &res
}

// Results subscribes to the per-chunk file reference stream.
func (d *Downloader) Results() (<-chan Result, func()) {
	return d.results.Subscribe()
}

// Download starts the session: it resolves the destination, probes the
// remote metadata, plans the chunking and enters the sequential chunk
// loop (or the single-shot path when the server cannot serve ranges). The
// returned handle settles with the completed file reference or a
// lifecycle error.
func (d *Downloader) Download(ctx context.Context) (*Handle, error) {
	logger := logctx.LoggerFromContext(ctx).With("component", "downloader", "download_id", d.id)

	d.mu.Lock()
	if d.started || d.phase.Terminal() {
		phase := d.phase
		d.mu.Unlock()

		return nil, &IllegalStateError{Op: "download", Phase: phase}
	}
	d.started = true
	d.mu.Unlock()

	target, err := d.resolveTarget()
	if err != nil {
		return nil, err
	}

	meta, err := d.prober.Probe(ctx, d.url)
	if err != nil {
		logger.Error("metadata probe failed", "url", d.url, "err", err)

		return nil, err
	}

	d.mu.Lock()
	d.targetPath = target
	d.totalBytes = meta.TotalBytes
	d.canBuffer = meta.AcceptsRanges
	d.sizeVal = meta.TotalBytes
	d.handle = newHandle()
	d.phase = PhaseDownloading
	d.generation++
	gen := d.generation
	handle := d.handle
	d.mu.Unlock()

	close(d.sizeReady)
	d.progress.SetTotal(meta.TotalBytes)
	d.canPause.Publish(meta.AcceptsRanges)
	d.state.Publish(PhaseDownloading)

	go d.observeResults()

	if meta.AcceptsRanges {
		chunks := planChunks(meta.TotalBytes, d.maxChunks)
		if chunks == 0 {
			logger.Warn("remote resource is empty, cancelling", "url", d.url)
			d.Cancel(ctx)

			return handle, nil
		}

		d.mu.Lock()
		d.maxChunks = chunks
		d.bytesPerChunk = meta.TotalBytes / int64(chunks)
		d.mu.Unlock()
	}

	logger.Info("starting download",
		"url", d.url,
		"target", target,
		"file_size", humanize.Bytes(uint64(meta.TotalBytes)),
		"resumable", meta.AcceptsRanges)

	go d.run(ctx, gen)

	return handle, nil
}

// Pause latches the paused phase when the session is downloading and the
// server supports ranges. The current handle fails with ErrPaused and a
// fresh one replaces it so Resume can hand out a live handle. Without
// range support pause is a no-op beyond an operator note.
func (d *Downloader) Pause(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx).With("component", "downloader", "download_id", d.id)

	d.mu.Lock()
	if !d.canBuffer {
		d.mu.Unlock()
		logger.Info("pause requested but server does not support ranges, ignoring", "url", d.url)

		return
	}

	if d.phase != PhaseDownloading {
		d.mu.Unlock()

		return
	}

	d.phase = PhasePaused
	old := d.handle
	d.handle = newHandle()
	d.mu.Unlock()

	d.token.Pause()
	d.state.Publish(PhasePaused)
	old.fail(ErrPaused)

	logger.Info("download paused", "url", d.url, "downloaded", humanize.Bytes(uint64(d.progress.Streamed())))
}

// Resume re-enters the chunk loop from the current resume offset. It is
// only valid while paused; any other phase yields an IllegalStateError.
func (d *Downloader) Resume(ctx context.Context) (*Handle, error) {
	logger := logctx.LoggerFromContext(ctx).With("component", "downloader", "download_id", d.id)

	d.mu.Lock()
	if d.phase != PhasePaused {
		phase := d.phase
		d.mu.Unlock()

		return nil, &IllegalStateError{Op: "resume", Phase: phase}
	}

	d.phase = PhaseDownloading
	d.justResumed = d.downloadedBytes > 0
	d.generation++
	gen := d.generation
	offset := d.downloadedBytes
	handle := d.handle
	d.mu.Unlock()

	d.token.Resume()
	d.state.Publish(PhaseDownloading)

	logger.Info("resuming download", "url", d.url, "offset", offset)

	go d.run(ctx, gen)

	return handle, nil
}

// Cancel latches the terminal cancelled phase and fails the handle with
// ErrCancelled. Repeated calls are no-ops.
func (d *Downloader) Cancel(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx).With("component", "downloader", "download_id", d.id)

	d.mu.Lock()
	if d.phase.Terminal() {
		d.mu.Unlock()

		return
	}

	d.phase = PhaseCancelled
	handle := d.handle
	d.mu.Unlock()

	d.token.Cancel()
	d.state.Publish(PhaseCancelled)

	if handle != nil {
		handle.fail(ErrCancelled)
	}

	logger.Info("download cancelled", "url", d.url)
}

// Dispose releases the control token, both publishers and the result
// observer. Idempotent.
func (d *Downloader) Dispose() {
	d.disposeOnce.Do(func() {
		close(d.disposed)
		d.token.Release()
		d.progress.Close()
		d.state.Close()
		d.results.Close()
		d.canPause.Close()
	})
}

func (d *Downloader) resolveTarget() (string, error) {
	name := d.fileName
	if name == "" {
		name = fileNameFromURL(d.url)
	}

	if name == "" {
		return "", ErrFileNameIndeterminate
	}

	if d.dest != "" {
		return d.dest, nil
	}

	docs, err := d.paths.DocumentsDirectory()
	if err != nil {
		return "", &WriteError{Path: name, Err: err}
	}

	return filepath.Join(docs, cacheDirName, name), nil
}

func fileNameFromURL(rawURL string) string {
	i := strings.LastIndex(rawURL, "/")
	if i < 0 || i == len(rawURL)-1 {
		return ""
	}

	return rawURL[i+1:]
}

func (d *Downloader) run(ctx context.Context, gen int) {
	if d.Pausable() {
		d.runChunks(ctx, gen)

		return
	}

	d.runSingleShot(ctx, gen)
}

// runChunks is the sequential chunk loop. A chunk advances only after its
// bytes are durably appended; an empty buffer counts as a failed try. The
// loop exits on terminal or paused phases, on chunk exhaustion, or when
// tries reaches the retry bound.
func (d *Downloader) runChunks(ctx context.Context, gen int) {
	logger := logctx.LoggerFromContext(ctx).With("component", "downloader", "download_id", d.id)

	tries := 1

	for {
		d.mu.Lock()
		cur := d.currentChunk
		max := d.maxChunks
		start := chunkStart(cur, d.bytesPerChunk)
		if d.justResumed {
			start = d.downloadedBytes + 1
		}
		end := chunkEnd(cur, max, d.bytesPerChunk, d.totalBytes)
		stale := d.generation != gen
		d.mu.Unlock()

		if stale || cur > max || tries == d.maxRetries {
			break
		}

		buf, err := d.fetcher.Fetch(ctx, d.url, start, end, d.keepStreaming(gen), d.onSegment)
		if err != nil {
			d.fatal(ctx, err)

			return
		}

		d.mu.Lock()
		live := d.phase == PhaseDownloading && d.generation == gen
		d.mu.Unlock()

		if !live {
			break
		}

		if len(buf) == 0 {
			tries++
			logger.Warn("empty chunk, retrying", "chunk", cur, "tries", tries)

			continue
		}

		if err := d.appendChunk(cur, buf); err != nil {
			d.fatal(ctx, err)

			return
		}

		d.mu.Lock()
		d.downloadedBytes = end
		d.justResumed = false
		complete := cur >= max
		d.currentChunk++
		res := Result{Path: d.targetPath, ID: d.id, Complete: complete}
		d.lastResult = &res
		d.mu.Unlock()

		tries = 0

		logger.Debug("chunk persisted",
			"chunk", cur,
			"chunks_total", max,
			"downloaded", humanize.Bytes(uint64(end)))

		d.results.Publish(res)
	}

	d.mu.Lock()
	exhausted := tries == d.maxRetries && d.phase == PhaseDownloading && d.generation == gen
	d.mu.Unlock()

	if exhausted {
		d.fatal(ctx, &FetchError{URL: d.url, Err: errors.New("chunk retries exhausted")})
	}
}

// runSingleShot is the non-resumable path: one unranged GET accumulated in
// memory, then written over any pre-existing file at the target.
func (d *Downloader) runSingleShot(ctx context.Context, gen int) {
	logger := logctx.LoggerFromContext(ctx).With("component", "downloader", "download_id", d.id)

	buf, err := d.fetcher.Fetch(ctx, d.url, 0, 0, d.keepStreaming(gen), d.onSegment)
	if err != nil {
		d.fatal(ctx, err)

		return
	}

	if d.Phase() != PhaseDownloading {
		return
	}

	d.mu.Lock()
	target := d.targetPath
	d.mu.Unlock()

	if _, err := os.Stat(target); err == nil {
		if err := os.Remove(target); err != nil {
			d.fatal(ctx, &WriteError{Path: target, Err: err})

			return
		}

		logger.Debug("removed pre-existing file", "target", target)
	}

	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		d.fatal(ctx, &WriteError{Path: target, Err: err})

		return
	}

	if err := os.WriteFile(target, buf, filePerm); err != nil {
		d.fatal(ctx, &WriteError{Path: target, Err: err})

		return
	}

	d.mu.Lock()
	d.downloadedBytes = int64(len(buf))
	res := Result{Path: target, ID: d.id, Complete: true}
	d.lastResult = &res
	d.mu.Unlock()

	logger.Info("downloaded and saved file", "target", target, "file_size", humanize.Bytes(uint64(len(buf))))

	d.results.Publish(res)
}

func (d *Downloader) appendChunk(chunk int, buf []byte) error {
	d.mu.Lock()
	target := d.targetPath
	d.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return &WriteError{Path: target, Err: err}
	}

	flags := os.O_WRONLY | os.O_CREATE
	if chunk == 1 {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}

	f, err := os.OpenFile(target, flags, filePerm)
	if err != nil {
		return &WriteError{Path: target, Err: err}
	}

	if _, err := f.Write(buf); err != nil {
		f.Close()

		return &WriteError{Path: target, Err: err}
	}

	if err := f.Close(); err != nil {
		return &WriteError{Path: target, Err: err}
	}

	return nil
}

// observeResults resolves the terminal handle and emits Completed when the
// final chunk lands, unless the session was paused or cancelled in the
// meantime.
func (d *Downloader) observeResults() {
	ch, cancel := d.results.Subscribe()
	defer cancel()

	for {
		select {
		case res := <-ch:
			if !res.Complete {
				continue
			}

			d.mu.Lock()
			if d.phase == PhaseCancelled || d.phase == PhasePaused || d.handle.settled() {
				d.mu.Unlock()

				continue
			}

			d.phase = PhaseCompleted
			handle := d.handle
			d.mu.Unlock()

			d.state.Publish(PhaseCompleted)
			handle.resolve(res)
		case <-d.disposed:
			return
		}
	}
}

// keepStreaming gates segment delivery: a segment is kept only while the
// session is still downloading under the generation that issued the fetch.
func (d *Downloader) keepStreaming(gen int) func() bool {
	return func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()

		return d.phase == PhaseDownloading && d.generation == gen
	}
}

func (d *Downloader) onSegment(n int) {
	d.progress.Emit(int64(n))
}

// fatal routes stream and filesystem faults: the session latches
// Cancelled, the handle fails with the causing error and the error is
// consumed here after logging.
func (d *Downloader) fatal(ctx context.Context, err error) {
	logger := logctx.LoggerFromContext(ctx).With("component", "downloader", "download_id", d.id)

	logger.Error("download failed", "url", d.url, "err", err)

	d.mu.Lock()
	if d.phase.Terminal() {
		d.mu.Unlock()

		return
	}

	d.phase = PhaseCancelled
	handle := d.handle
	d.mu.Unlock()

	d.token.Cancel()
	d.state.Publish(PhaseCancelled)

	if handle != nil {
		handle.fail(err)
	}
}
