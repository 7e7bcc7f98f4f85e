package handlers

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/macrelay/macrelay/internal/relay"
)

// StreamsHandler exposes the live session state: occupancy entries and the
// managed transcoder pool.
type StreamsHandler struct {
	occ     *relay.Occupancy
	manager *relay.HLSManager
}

// NewStreamsHandler creates a streams handler.
func NewStreamsHandler(occ *relay.Occupancy, manager *relay.HLSManager) *StreamsHandler {
	return &StreamsHandler{occ: occ, manager: manager}
}

// Register registers the stream status routes with the API.
func (h *StreamsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getActiveStreams",
		Method:      "GET",
		Path:        "/api/v1/streams",
		Summary:     "Active streams",
		Description: "Returns current stream sessions and managed transcoder processes",
		Tags:        []string{"Streams"},
	}, h.GetActive)
}

// SessionResponse is one live occupancy entry.
type SessionResponse struct {
	PortalID    string    `json:"portal_id"`
	PortalName  string    `json:"portal_name"`
	MAC         string    `json:"mac"`
	ChannelID   string    `json:"channel_id"`
	ChannelName string    `json:"channel_name,omitempty"`
	ClientAddr  string    `json:"client_addr,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// GetActiveStreamsOutput is the output for the active streams endpoint.
type GetActiveStreamsOutput struct {
	Body struct {
		Sessions    []SessionResponse `json:"sessions"`
		Transcoders []string          `json:"transcoders"`
		MaxStreams  int               `json:"max_streams,omitempty"`
	}
}

// GetActive returns the current sessions and transcoder pool keys.
func (h *StreamsHandler) GetActive(_ context.Context, _ *struct{}) (*GetActiveStreamsOutput, error) {
	resp := &GetActiveStreamsOutput{}

	entries := h.occ.Snapshot()
	resp.Body.Sessions = make([]SessionResponse, 0, len(entries))
	for _, e := range entries {
		resp.Body.Sessions = append(resp.Body.Sessions, SessionResponse{
			PortalID:    e.PortalID.String(),
			PortalName:  e.PortalName,
			MAC:         e.MAC,
			ChannelID:   e.ChannelID,
			ChannelName: e.ChannelName,
			ClientAddr:  e.ClientAddr,
			StartedAt:   e.StartedAt,
		})
	}

	keys := h.manager.Keys()
	resp.Body.Transcoders = make([]string, 0, len(keys))
	for _, k := range keys {
		resp.Body.Transcoders = append(resp.Body.Transcoders, k.String())
	}

	return resp, nil
}
