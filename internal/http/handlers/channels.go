package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/macrelay/macrelay/internal/models"
	"github.com/macrelay/macrelay/internal/observability"
	"github.com/macrelay/macrelay/internal/repository"
	"github.com/macrelay/macrelay/internal/service"
)

// ChannelHandler handles cached channel administration: browsing the cache
// and editing the local overrides that shape playlists and the guide.
type ChannelHandler struct {
	channels *repository.ChannelRepository
	guide    *service.GuideService
	logger   *slog.Logger
}

// NewChannelHandler creates a channel handler.
func NewChannelHandler(channels *repository.ChannelRepository, guide *service.GuideService, logger *slog.Logger) *ChannelHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelHandler{
		channels: channels,
		guide:    guide,
		logger:   observability.WithComponent(logger, "channel-api"),
	}
}

// Register registers the channel routes with the API.
func (h *ChannelHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listPortalChannels",
		Method:      "GET",
		Path:        "/api/v1/portals/{id}/channels",
		Summary:     "List cached channels",
		Description: "Returns the portal's cached channel listing with local overrides",
		Tags:        []string{"Channels"},
	}, h.ListByPortal)

	huma.Register(api, huma.Operation{
		OperationID: "updateChannel",
		Method:      "PUT",
		Path:        "/api/v1/channels/{id}",
		Summary:     "Update channel",
		Description: "Edits a channel's enabled flag, local overrides, and fallback name",
		Tags:        []string{"Channels"},
	}, h.Update)
}

// ChannelResponse is the API representation of a cached channel.
type ChannelResponse struct {
	ID           string    `json:"id"`
	PortalID     string    `json:"portal_id"`
	ExtID        string    `json:"ext_id"`
	Name         string    `json:"name"`
	Number       string    `json:"number,omitempty"`
	Genre        string    `json:"genre,omitempty"`
	Logo         string    `json:"logo,omitempty"`
	Enabled      bool      `json:"enabled"`
	CustomName   string    `json:"custom_name,omitempty"`
	CustomNumber string    `json:"custom_number,omitempty"`
	CustomGenre  string    `json:"custom_genre,omitempty"`
	CustomEPGID  string    `json:"custom_epg_id,omitempty"`
	FallbackName string    `json:"fallback_name,omitempty"`
	EPGID        string    `json:"epg_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func channelFromModel(c *models.Channel) ChannelResponse {
	return ChannelResponse{
		ID:           c.ID.String(),
		PortalID:     c.PortalID.String(),
		ExtID:        c.ExtID,
		Name:         c.Name,
		Number:       c.Number,
		Genre:        c.Genre,
		Logo:         c.Logo,
		Enabled:      c.IsEnabled(),
		CustomName:   c.CustomName,
		CustomNumber: c.CustomNumber,
		CustomGenre:  c.CustomGenre,
		CustomEPGID:  c.CustomEPGID,
		FallbackName: c.FallbackName,
		EPGID:        c.EPGID(),
		UpdatedAt:    c.UpdatedAt,
	}
}

// ListChannelsInput is the input for listing a portal's channels.
type ListChannelsInput struct {
	ID string `path:"id" doc:"Portal ID (ULID)"`
}

// ListChannelsOutput is the output for listing a portal's channels.
type ListChannelsOutput struct {
	Body struct {
		Channels []ChannelResponse `json:"channels"`
	}
}

// ListByPortal returns the portal's cached channels.
func (h *ChannelHandler) ListByPortal(ctx context.Context, input *ListChannelsInput) (*ListChannelsOutput, error) {
	portalID, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	channels, err := h.channels.ListByPortal(ctx, portalID)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list channels", err)
	}

	resp := &ListChannelsOutput{}
	resp.Body.Channels = make([]ChannelResponse, 0, len(channels))
	for i := range channels {
		resp.Body.Channels = append(resp.Body.Channels, channelFromModel(&channels[i]))
	}
	return resp, nil
}

// UpdateChannelInput is the input for updating a channel.
type UpdateChannelInput struct {
	ID   string `path:"id" doc:"Channel ID (ULID)"`
	Body struct {
		Enabled      *bool   `json:"enabled,omitempty"`
		CustomName   *string `json:"custom_name,omitempty"`
		CustomNumber *string `json:"custom_number,omitempty"`
		CustomGenre  *string `json:"custom_genre,omitempty"`
		CustomEPGID  *string `json:"custom_epg_id,omitempty"`
		FallbackName *string `json:"fallback_name,omitempty"`
	}
}

// UpdateChannelOutput is the output for updating a channel.
type UpdateChannelOutput struct {
	Body ChannelResponse
}

// Update applies a partial update to a channel's local fields. Portal-owned
// fields (name, cmd, logo) are refresh-managed and not editable here.
func (h *ChannelHandler) Update(ctx context.Context, input *UpdateChannelInput) (*UpdateChannelOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	channel, err := h.channels.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to get channel", err)
	}
	if channel == nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("channel %s not found", input.ID))
	}

	if input.Body.Enabled != nil {
		channel.Enabled = input.Body.Enabled
	}
	if input.Body.CustomName != nil {
		channel.CustomName = *input.Body.CustomName
	}
	if input.Body.CustomNumber != nil {
		channel.CustomNumber = *input.Body.CustomNumber
	}
	if input.Body.CustomGenre != nil {
		channel.CustomGenre = *input.Body.CustomGenre
	}
	if input.Body.CustomEPGID != nil {
		channel.CustomEPGID = *input.Body.CustomEPGID
	}
	if input.Body.FallbackName != nil {
		channel.FallbackName = *input.Body.FallbackName
	}

	if err := h.channels.Update(ctx, channel); err != nil {
		return nil, huma.Error500InternalServerError("failed to update channel", err)
	}
	h.guide.Invalidate()

	h.logger.Debug("channel updated",
		slog.String("id", channel.ID.String()),
		slog.String("name", channel.DisplayName()),
	)
	return &UpdateChannelOutput{Body: channelFromModel(channel)}, nil
}
