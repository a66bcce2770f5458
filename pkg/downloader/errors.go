package downloader

import (
	"errors"
	"fmt"
)

// ErrPaused fails the terminal handle when a download is paused. It is a
// control-flow signal, not a real failure: a fresh handle is installed at
// the same moment so Resume can hand out a live one.
var ErrPaused = errors.New("download paused")

// ErrCancelled fails the terminal handle when a download is cancelled.
var ErrCancelled = errors.New("download cancelled")

// ErrFileNameIndeterminate is returned when neither an explicit file name
// nor a URL-derived suffix is available.
var ErrFileNameIndeterminate = errors.New("file name could not be determined from url")

// MetadataError represents a failed HEAD probe or unusable response headers.
type MetadataError struct {
	URL string // URL that was probed
	Err error  // Underlying error, if any
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("metadata probe failed for %s: %v", e.URL, e.Err)
}

func (e *MetadataError) Unwrap() error {
	return e.Err
}

// FetchError represents a stream-level I/O fault during a ranged GET.
type FetchError struct {
	URL   string // URL being fetched
	Start int64  // First byte of the requested range
	End   int64  // Last byte of the requested range
	Err   error  // Underlying error, if any
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed for %s (bytes %d-%d): %v", e.URL, e.Start, e.End, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// WriteError represents a filesystem failure while materializing a chunk
// or the full file. The engine treats it the same way as a FetchError.
type WriteError struct {
	Path string // Destination path that failed
	Err  error  // Underlying error, if any
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write failed for %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// IllegalStateError is returned when an operation is invoked in a phase
// that does not allow it, such as Resume on a session that is not paused.
type IllegalStateError struct {
	Op    string // The operation that was attempted
	Phase Phase  // The phase the session was in
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("illegal state for %s: session is %s", e.Op, e.Phase)
}
