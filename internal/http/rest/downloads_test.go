package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rangedown/rangedown/pkg/downloader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func newFileServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.Header().Set("Accept-Ranges", "bytes")
			w.WriteHeader(http.StatusOK)

			return
		}

		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data)

			return
		}

		var start, end int
		if _, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end); err != nil {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		if end > len(data)-1 {
			end = len(data) - 1
		}

		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(data[start : end+1])
	}))

	t.Cleanup(srv.Close)

	return srv
}

func newAPIServer(t *testing.T) (*httptest.Server, *downloader.Manager) {
	t.Helper()

	manager := downloader.NewManager(2)
	t.Cleanup(manager.Close)

	// Keep the manager's event channels flowing.
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	go func() {
		for {
			select {
			case <-manager.OnDownloadFinished:
			case <-manager.OnDownloadError:
			case <-done:
				return
			}
		}
	}()

	handler := NewDownloadsHandler(manager, nil)
	api := httptest.NewServer(handler.Routes())
	t.Cleanup(api.Close)

	return api, manager
}

func createDownload(t *testing.T, api *httptest.Server, body any) (int, downloadResponse) {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(api.URL+"/downloads", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)

	defer resp.Body.Close()

	var out downloadResponse
	if resp.StatusCode == http.StatusCreated {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}

	return resp.StatusCode, out
}

func TestAPI_CreateAndTrackDownload(t *testing.T) {
	data := make([]byte, 64*1024)
	for i := range data {
		data[i] = byte(i % 7)
	}

	fileSrv := newFileServer(t, data)
	api, _ := newAPIServer(t)

	target := filepath.Join(t.TempDir(), "file.bin")

	status, created := createDownload(t, api, map[string]string{
		"url":         fileSrv.URL + "/file.bin",
		"destination": target,
	})
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, created.ID)

	// Poll until the session reaches a terminal phase.
	require.Eventually(t, func() bool {
		resp, err := http.Get(api.URL + "/downloads/" + created.ID)
		if err != nil {
			return false
		}

		defer resp.Body.Close()

		var got downloadResponse
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			return false
		}

		return got.Phase == string(downloader.PhaseCompleted)
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(api.URL + "/downloads")
	require.NoError(t, err)

	defer resp.Body.Close()

	var list []downloadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list, 1)
}

func TestAPI_CreateValidation(t *testing.T) {
	api, _ := newAPIServer(t)

	status, _ := createDownload(t, api, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)

	resp, err := http.Post(api.URL+"/downloads", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_UnknownDownload(t *testing.T) {
	api, _ := newAPIServer(t)

	resp, err := http.Get(api.URL + "/downloads/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(api.URL+"/downloads/missing/pause", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_ResumeConflictWhenNotPaused(t *testing.T) {
	data := make([]byte, 4096)
	fileSrv := newFileServer(t, data)
	api, manager := newAPIServer(t)

	status, created := createDownload(t, api, map[string]string{
		"url":         fileSrv.URL + "/file.bin",
		"destination": filepath.Join(t.TempDir(), "file.bin"),
	})
	require.Equal(t, http.StatusCreated, status)

	dl, ok := manager.Get(created.ID)
	require.True(t, ok)

	// Wait for completion, then resume must conflict.
	require.Eventually(t, func() bool {
		return dl.Phase() == downloader.PhaseCompleted
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Post(api.URL+"/downloads/"+created.ID+"/resume", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_RemoveDownload(t *testing.T) {
	data := make([]byte, 4096)
	fileSrv := newFileServer(t, data)
	api, manager := newAPIServer(t)

	status, created := createDownload(t, api, map[string]string{
		"url":         fileSrv.URL + "/file.bin",
		"destination": filepath.Join(t.TempDir(), "file.bin"),
	})
	require.Equal(t, http.StatusCreated, status)

	req, err := http.NewRequest(http.MethodDelete, api.URL+"/downloads/"+created.ID, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, ok := manager.Get(created.ID)
	assert.False(t, ok)
}

func TestAPI_ProgressWebsocketStreamsUntilTerminal(t *testing.T) {
	data := make([]byte, 64*1024)
	fileSrv := newFileServer(t, data)
	api, manager := newAPIServer(t)

	status, created := createDownload(t, api, map[string]string{
		"url":         fileSrv.URL + "/file.bin",
		"destination": filepath.Join(t.TempDir(), "file.bin"),
	})
	require.Equal(t, http.StatusCreated, status)

	dl, ok := manager.Get(created.ID)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return dl.Phase() == downloader.PhaseCompleted
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(api.URL, "http") + "/downloads/" + created.ID + "/progress"

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)

	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

	// A late subscriber still receives the replayed terminal state before
	// the server closes the stream.
	var messages []progressMessage

	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			break
		}

		var msg progressMessage
		require.NoError(t, json.Unmarshal(payload, &msg))
		messages = append(messages, msg)
	}

	require.NotEmpty(t, messages)

	sawTerminal := false
	for _, msg := range messages {
		if msg.Phase == string(downloader.PhaseCompleted) {
			sawTerminal = true
		}
	}

	assert.True(t, sawTerminal)
}

func TestAPI_Healthz(t *testing.T) {
	api, _ := newAPIServer(t)

	resp, err := http.Get(api.URL + "/healthz")
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
