// Package handlers provides the HTTP API and streaming handlers for macrelay.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/macrelay/macrelay/internal/models"
	"github.com/macrelay/macrelay/internal/observability"
	"github.com/macrelay/macrelay/internal/relay"
)

// noStreamsMessage is the plain-text body players see when resolution fails.
// Some set-top clients display it verbatim, so keep it short.
const noStreamsMessage = "No streams available"

// PlayHandler serves the direct play endpoints: raw pipe delivery or upstream
// redirect, selected by configuration.
type PlayHandler struct {
	resolver *relay.Resolver
	piper    *relay.Piper
	occ      *relay.Occupancy
	method   string
	logger   *slog.Logger
}

// NewPlayHandler creates a play handler. method is "ffmpeg" or "redirect".
func NewPlayHandler(resolver *relay.Resolver, piper *relay.Piper, occ *relay.Occupancy, method string, logger *slog.Logger) *PlayHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlayHandler{
		resolver: resolver,
		piper:    piper,
		occ:      occ,
		method:   method,
		logger:   observability.WithComponent(logger, "play"),
	}
}

// RegisterRoutes registers the play routes on the open router.
func (h *PlayHandler) RegisterRoutes(r chi.Router) {
	r.Get("/play/{portalID}/{channelID}", h.Play)
}

// Play resolves a stream session for the channel and delivers it. With
// ?web=true the pipe is remuxed to fragmented MP4 for browser playback.
func (h *PlayHandler) Play(w http.ResponseWriter, r *http.Request) {
	portalID, err := models.ParseULID(chi.URLParam(r, "portalID"))
	if err != nil {
		http.Error(w, "invalid portal ID", http.StatusBadRequest)
		return
	}
	channelID := chi.URLParam(r, "channelID")
	web := r.URL.Query().Get("web") == "true"

	res, err := h.resolver.Resolve(r.Context(), relay.Request{
		PortalID:   portalID,
		ChannelID:  channelID,
		ClientAddr: r.RemoteAddr,
		// Web players hold the URL they started with; sending them to
		// another portal's channel mid-session cannot work.
		AllowFallback: !web,
	})
	if err != nil {
		h.fail(w, r, channelID, err)
		return
	}

	if h.method == "redirect" {
		// The client talks to the upstream directly from here on; there is
		// nothing left to track.
		h.occ.Release(res.Entry)
		h.logger.Info("redirecting to upstream",
			slog.String("channel_name", res.ChannelName),
			slog.String("portal", res.Portal.Name),
		)
		http.Redirect(w, r, res.Link, http.StatusFound)
		return
	}

	if web {
		w.Header().Set("Content-Type", "video/mp4")
	} else {
		w.Header().Set("Content-Type", "video/mp2t")
	}
	w.Header().Set("Cache-Control", "no-store")

	if err := h.piper.Stream(r.Context(), w, res, web); err != nil {
		// Headers are long gone; just log it.
		h.logger.Error("pipe delivery failed",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *PlayHandler) fail(w http.ResponseWriter, r *http.Request, channelID string, err error) {
	if errors.Is(err, relay.ErrNoStream) {
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

	h.logger.Error("resolution failed",
		slog.String("channel_id", channelID),
		slog.String("error", err.Error()),
	)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}
