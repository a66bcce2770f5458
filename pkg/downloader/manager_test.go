package downloader

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	mu       sync.Mutex
	tracked  map[string]string
	statuses map[string]string
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		tracked:  make(map[string]string),
		statuses: make(map[string]string),
	}
}

func (f *fakeHistory) TrackDownload(downloadID, filePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked[downloadID] = filePath

	return nil
}

func (f *fakeHistory) UpdateDownloadStatus(downloadID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[downloadID] = status

	return nil
}

func (f *fakeHistory) status(downloadID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.statuses[downloadID]
}

type fakeMetrics struct {
	mu       sync.Mutex
	active   int
	recorded map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{recorded: make(map[string]int)}
}

func (f *fakeMetrics) RecordDownload(status string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded[status]++
}

func (f *fakeMetrics) IncrementActiveDownloads() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active++
}

func (f *fakeMetrics) DecrementActiveDownloads() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
}

func (f *fakeMetrics) snapshot() (int, map[string]int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]int, len(f.recorded))
	for k, v := range f.recorded {
		out[k] = v
	}

	return f.active, out
}

// drainEvents keeps the manager's event channels flowing during tests.
func drainEvents(t *testing.T, m *Manager) {
	t.Helper()

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	go func() {
		for {
			select {
			case <-m.OnDownloadFinished:
			case <-m.OnDownloadError:
			case <-done:
				return
			}
		}
	}()
}

func TestManager_DownloadAll(t *testing.T) {
	ctx := context.Background()

	data := testData(64 * 1024)
	rec := &recorder{}
	srv := newByteServer(t, data, true, rec, nil)

	dir := t.TempDir()
	history := newFakeHistory()
	metrics := newFakeMetrics()

	m := NewManager(2, WithHistory(history), WithMetrics(metrics))
	defer m.Close()

	drainEvents(t, m)

	reqs := []Request{
		{URL: srv.URL + "/one.bin", Destination: filepath.Join(dir, "one.bin")},
		{URL: srv.URL + "/two.bin", Destination: filepath.Join(dir, "two.bin")},
		{URL: srv.URL + "/three.bin", Destination: filepath.Join(dir, "three.bin")},
	}

	completed, err := m.DownloadAll(ctx, reqs)
	require.NoError(t, err)
	assert.Equal(t, 3, completed)

	for _, req := range reqs {
		got, err := os.ReadFile(req.Destination)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}

	assert.Eventually(t, func() bool {
		active, recorded := metrics.snapshot()
		if active != 0 || recorded["downloaded"] != 3 {
			return false
		}

		for _, dl := range m.List() {
			if history.status(dl.ID()) != "downloaded" {
				return false
			}
		}

		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_DownloadAllRejectsEmptyBatch(t *testing.T) {
	m := NewManager(1)
	defer m.Close()

	_, err := m.DownloadAll(context.Background(), nil)
	require.Error(t, err)
}

func TestManager_UnknownSession(t *testing.T) {
	ctx := context.Background()

	m := NewManager(1)
	defer m.Close()

	require.Error(t, m.Pause(ctx, "missing"))
	require.Error(t, m.Cancel(ctx, "missing"))
	require.Error(t, m.Remove(ctx, "missing"))

	_, err := m.Resume(ctx, "missing")
	require.Error(t, err)
}

func TestManager_RemoveForgetsSession(t *testing.T) {
	ctx := context.Background()

	data := testData(64 * 1024)
	rec := &recorder{}
	srv := newByteServer(t, data, true, rec, nil)

	m := NewManager(1)
	defer m.Close()

	drainEvents(t, m)

	dl, handle, err := m.Add(ctx, Request{
		URL:         srv.URL + "/file.bin",
		Destination: filepath.Join(t.TempDir(), "file.bin"),
	})
	require.NoError(t, err)

	// Let it finish, then remove.
	_, err = handle.Await(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Remove(ctx, dl.ID()))

	_, ok := m.Get(dl.ID())
	assert.False(t, ok)
}

func TestManager_AddSurfacesStartErrors(t *testing.T) {
	ctx := context.Background()

	m := NewManager(1)
	defer m.Close()

	_, _, err := m.Add(ctx, Request{URL: "http://example.invalid/dir/"})
	require.Error(t, err)
}
