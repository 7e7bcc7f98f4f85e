package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/macrelay/macrelay/internal/models"
	"github.com/macrelay/macrelay/internal/observability"
	"github.com/macrelay/macrelay/internal/relay"
)

// playlistWait bounds how long the first playlist request blocks while the
// transcoder writes its initial output.
const playlistWait = 30 * time.Second

// HLSHandler serves segmented delivery: playlist requests start (or reuse) a
// managed transcoder, segment requests are served from its scratch dir.
type HLSHandler struct {
	resolver *relay.Resolver
	manager  *relay.HLSManager
	logger   *slog.Logger
}

// NewHLSHandler creates an HLS handler.
func NewHLSHandler(resolver *relay.Resolver, manager *relay.HLSManager, logger *slog.Logger) *HLSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HLSHandler{
		resolver: resolver,
		manager:  manager,
		logger:   observability.WithComponent(logger, "hls-http"),
	}
}

// RegisterRoutes registers the HLS routes on the open router.
func (h *HLSHandler) RegisterRoutes(r chi.Router) {
	r.Get("/hls/{portalID}/{channelID}/{file}", h.Serve)
}

// Serve handles both playlist and segment requests. A request for the master
// playlist is the session entry point: it resolves the channel and starts the
// transcoder if one is not already running for this key.
func (h *HLSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	portalID, err := models.ParseULID(chi.URLParam(r, "portalID"))
	if err != nil {
		http.Error(w, "invalid portal ID", http.StatusBadRequest)
		return
	}
	channelID := chi.URLParam(r, "channelID")
	file := chi.URLParam(r, "file")
	key := relay.StreamKey{PortalID: portalID, ChannelID: channelID}

	if file == relay.MasterPlaylistName {
		if err := h.ensureStream(r.Context(), key, r.RemoteAddr); err != nil {
			h.fail(w, r, channelID, err)
			return
		}

		waitCtx, cancel := context.WithTimeout(r.Context(), playlistWait)
		defer cancel()
		filePath, err := h.manager.WaitForFile(waitCtx, key, file)
		if err != nil {
			h.logger.Warn("playlist did not appear",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
			http.Error(w, noStreamsMessage, http.StatusServiceUnavailable)
			return
		}
		h.serveFile(w, r, file, filePath)
		return
	}

	filePath, err := h.manager.GetFile(key, file)
	if err != nil {
		if errors.Is(err, relay.ErrStreamNotFound) {
			http.Error(w, "stream not running", http.StatusNotFound)
			return
		}
		http.Error(w, "invalid file name", http.StatusBadRequest)
		return
	}
	h.serveFile(w, r, file, filePath)
}

// ensureStream resolves the channel and starts a transcoder unless one is
// already running for the key.
func (h *HLSHandler) ensureStream(ctx context.Context, key relay.StreamKey, clientAddr string) error {
	if _, ok := h.manager.Lookup(key); ok {
		return nil
	}

	res, err := h.resolver.Resolve(ctx, relay.Request{
		PortalID:      key.PortalID,
		ChannelID:     key.ChannelID,
		ClientAddr:    clientAddr,
		AllowFallback: true,
	})
	if err != nil {
		return err
	}

	// The manager takes ownership of the occupancy entry; it is released
	// when the stream is reclaimed.
	_, err = h.manager.StartOrReuse(ctx, key, res.Link, res.Portal.Proxy, res.Entry)
	return err
}

func (h *HLSHandler) serveFile(w http.ResponseWriter, r *http.Request, name, filePath string) {
	switch path.Ext(name) {
	case ".m3u8":
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	case ".ts":
		w.Header().Set("Content-Type", "video/mp2t")
	case ".m4s", ".mp4":
		w.Header().Set("Content-Type", "video/mp4")
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, filePath)
}

func (h *HLSHandler) fail(w http.ResponseWriter, r *http.Request, channelID string, err error) {
	if errors.Is(err, relay.ErrNoStream) || errors.Is(err, relay.ErrMaxStreams) {
		h.logger.Warn("no stream available",
			slog.String("channel_id", channelID),
			slog.String("client", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(noStreamsMessage))
		return
	}

	h.logger.Error("stream start failed",
		slog.String("channel_id", channelID),
		slog.String("error", err.Error()),
	)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}
