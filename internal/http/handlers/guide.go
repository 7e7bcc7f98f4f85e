package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/macrelay/macrelay/internal/observability"
	"github.com/macrelay/macrelay/internal/service"
)

// GuideHandler serves the XMLTV guide document.
type GuideHandler struct {
	guide  *service.GuideService
	logger *slog.Logger
}

// NewGuideHandler creates a guide handler.
func NewGuideHandler(guide *service.GuideService, logger *slog.Logger) *GuideHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuideHandler{
		guide:  guide,
		logger: observability.WithComponent(logger, "guide-http"),
	}
}

// RegisterRoutes registers the guide routes on the open router. Both paths
// serve the same document; consumers disagree on the conventional name.
func (h *GuideHandler) RegisterRoutes(r chi.Router) {
	r.Get("/guide.xml", h.Guide)
	r.Get("/xmltv", h.Guide)
}

// Guide serves the cached XMLTV document, regenerating it when stale.
func (h *GuideHandler) Guide(w http.ResponseWriter, r *http.Request) {
	data, err := h.guide.Guide(r.Context())
	if err != nil {
		h.logger.Error("guide generation failed", slog.String("error", err.Error()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	_, _ = w.Write(data)
}
