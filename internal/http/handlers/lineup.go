package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/macrelay/macrelay/internal/config"
	"github.com/macrelay/macrelay/internal/observability"
	"github.com/macrelay/macrelay/internal/service"
)

// LineupHandler serves the playlist and the HDHomeRun tuner emulation
// endpoints consumed by Plex, Jellyfin and friends.
type LineupHandler struct {
	playlist       *service.PlaylistService
	hdhr           config.HDHRConfig
	advertisedHost string
	logger         *slog.Logger
}

// NewLineupHandler creates a lineup handler.
func NewLineupHandler(playlist *service.PlaylistService, hdhr config.HDHRConfig, advertisedHost string, logger *slog.Logger) *LineupHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LineupHandler{
		playlist:       playlist,
		hdhr:           hdhr,
		advertisedHost: advertisedHost,
		logger:         observability.WithComponent(logger, "lineup"),
	}
}

// RegisterRoutes registers the playlist and tuner routes on the open router.
func (h *LineupHandler) RegisterRoutes(r chi.Router) {
	r.Get("/playlist.m3u", h.Playlist)
	if h.hdhr.Enabled {
		r.Get("/discover.json", h.Discover)
		r.Get("/lineup.json", h.Lineup)
		r.Get("/lineup_status.json", h.LineupStatus)
	}
}

// BaseURL returns the externally reachable root of this server for the given
// request: the configured advertised host, or the host the client dialed.
func (h *LineupHandler) BaseURL(r *http.Request) string {
	host := h.advertisedHost
	if host == "" {
		host = r.Host
	}
	return "http://" + host
}

// Playlist serves the M3U playlist of all enabled channels.
func (h *LineupHandler) Playlist(w http.ResponseWriter, r *http.Request) {
	m3u, err := h.playlist.M3U(r.Context(), h.BaseURL(r))
	if err != nil {
		h.logger.Error("playlist generation failed", slog.String("error", err.Error()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "audio/x-mpegurl")
	_, _ = w.Write([]byte(m3u))
}

type discoverResponse struct {
	FriendlyName    string `json:"FriendlyName"`
	Manufacturer    string `json:"Manufacturer"`
	ModelNumber     string `json:"ModelNumber"`
	FirmwareName    string `json:"FirmwareName"`
	FirmwareVersion string `json:"FirmwareVersion"`
	DeviceID        string `json:"DeviceID"`
	DeviceAuth      string `json:"DeviceAuth"`
	BaseURL         string `json:"BaseURL"`
	LineupURL       string `json:"LineupURL"`
	TunerCount      int    `json:"TunerCount"`
}

// Discover serves the HDHomeRun discovery document.
func (h *LineupHandler) Discover(w http.ResponseWriter, r *http.Request) {
	base := h.BaseURL(r)
	writeJSON(w, discoverResponse{
		FriendlyName:    h.hdhr.Name,
		Manufacturer:    "Silicondust",
		ModelNumber:     "HDTC-2US",
		FirmwareName:    "hdhomeruntc_atsc",
		FirmwareVersion: "20150826",
		DeviceID:        h.hdhr.DeviceID,
		DeviceAuth:      "macrelay",
		BaseURL:         base,
		LineupURL:       base + "/lineup.json",
		TunerCount:      h.hdhr.Tuners,
	})
}

type lineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
}

// Lineup serves the HDHomeRun channel lineup.
func (h *LineupHandler) Lineup(w http.ResponseWriter, r *http.Request) {
	entries, err := h.playlist.Lineup(r.Context())
	if err != nil {
		h.logger.Error("lineup generation failed", slog.String("error", err.Error()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	base := h.BaseURL(r)
	out := make([]lineupEntry, 0, len(entries))
	for i, e := range entries {
		number := e.Number
		if number == "" {
			// Tuner clients require a numeric guide number.
			number = fmt.Sprintf("%d", i+1)
		}
		out = append(out, lineupEntry{
			GuideNumber: number,
			GuideName:   e.Name,
			URL:         service.StreamURL(base, e.PortalID, e.ExtID),
		})
	}
	writeJSON(w, out)
}

// LineupStatus serves the static scan status tuner clients poll.
func (h *LineupHandler) LineupStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"ScanInProgress": 0,
		"ScanPossible":   1,
		"Source":         "Cable",
		"SourceList":     []string{"Cable"},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
