package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rangedown/rangedown/internal/logctx"
	"github.com/rangedown/rangedown/internal/telemetry"
	"github.com/rangedown/rangedown/pkg/downloader"
	"nhooyr.io/websocket"
)

// DownloadsHandler exposes download sessions over HTTP.
type DownloadsHandler struct {
	manager   *downloader.Manager
	telemetry *telemetry.Telemetry
}

func NewDownloadsHandler(manager *downloader.Manager, tel *telemetry.Telemetry) *DownloadsHandler {
	return &DownloadsHandler{
		manager:   manager,
		telemetry: tel,
	}
}

// Routes wires the handler into a chi router.
func (h *DownloadsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)

	if h.telemetry != nil {
		r.Use(telemetry.NewHTTPMiddleware(h.telemetry).Middleware)
		r.Method(http.MethodGet, "/metrics", h.telemetry.Handler())
	}

	r.Get("/healthz", h.health)

	r.Route("/downloads", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Delete("/", h.remove)
			r.Post("/pause", h.pause)
			r.Post("/resume", h.resume)
			r.Post("/cancel", h.cancel)
			r.Get("/progress", h.progress)
		})
	})

	return r
}

type createDownloadRequest struct {
	URL         string `json:"url"`
	Destination string `json:"destination,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	MaxChunks   int    `json:"maxChunks,omitempty"`
	RetryCount  int    `json:"retryCount,omitempty"`
}

type downloadResponse struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Phase    string `json:"phase"`
	Target   string `json:"target,omitempty"`
	Pausable bool   `json:"pausable"`
}

type progressMessage struct {
	Phase    string `json:"phase,omitempty"`
	Progress string `json:"progress,omitempty"`
}

func toResponse(dl *downloader.Downloader) downloadResponse {
	return downloadResponse{
		ID:       dl.ID(),
		URL:      dl.URL(),
		Phase:    string(dl.Phase()),
		Target:   dl.TargetPath(),
		Pausable: dl.Pausable(),
	}
}

func (h *DownloadsHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *DownloadsHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)

		return
	}

	dl, _, err := h.manager.Add(r.Context(), downloader.Request{
		URL:         req.URL,
		Destination: req.Destination,
		FileName:    req.FileName,
		MaxChunks:   req.MaxChunks,
		RetryCount:  req.RetryCount,
	})
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to start download", "url", req.URL, "err", err)
		http.Error(w, err.Error(), http.StatusBadGateway)

		return
	}

	writeJSON(w, http.StatusCreated, toResponse(dl))
}

func (h *DownloadsHandler) list(w http.ResponseWriter, r *http.Request) {
	sessions := h.manager.List()

	out := make([]downloadResponse, 0, len(sessions))
	for _, dl := range sessions {
		out = append(out, toResponse(dl))
	}

	writeJSON(w, http.StatusOK, out)
}

func (h *DownloadsHandler) get(w http.ResponseWriter, r *http.Request) {
	dl, ok := h.manager.Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	writeJSON(w, http.StatusOK, toResponse(dl))
}

func (h *DownloadsHandler) remove(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) pause(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *DownloadsHandler) resume(w http.ResponseWriter, r *http.Request) {
	_, err := h.manager.Resume(r.Context(), chi.URLParam(r, "id"))

	var illegal *downloader.IllegalStateError

	switch {
	case errors.As(err, &illegal):
		http.Error(w, err.Error(), http.StatusConflict)

		return
	case err != nil:
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *DownloadsHandler) cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// progress upgrades to a websocket and streams formatted progress and
// phase transitions until the session reaches a terminal phase or the
// client goes away.
func (h *DownloadsHandler) progress(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	dl, ok := h.manager.Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Error("websocket accept failed", "err", err)

		return
	}

	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

	ctx := r.Context()

	formatted, cancelFormatted := dl.FormattedProgress()
	defer cancelFormatted()

	states, cancelStates := dl.State()
	defer cancelStates()

	send := func(msg progressMessage) bool {
		data, err := json.Marshal(msg)
		if err != nil {
			return false
		}

		return conn.Write(ctx, websocket.MessageText, data) == nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-formatted:
			if !send(progressMessage{Progress: p}) {
				return
			}
		case phase := <-states:
			if !send(progressMessage{Phase: string(phase)}) {
				return
			}

			if phase.Terminal() {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
