package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/macrelay/macrelay/internal/models"
	"github.com/macrelay/macrelay/internal/observability"
	"github.com/macrelay/macrelay/internal/repository"
	"github.com/macrelay/macrelay/internal/service"
	"github.com/macrelay/macrelay/internal/stalker"
)

// PortalHandler handles portal administration: CRUD, MAC pool management,
// credential testing, and cache refresh.
type PortalHandler struct {
	portals  *repository.PortalRepository
	channels *repository.ChannelRepository
	client   *stalker.Client
	refresh  *service.RefreshService
	guide    *service.GuideService
	logger   *slog.Logger
}

// NewPortalHandler creates a portal handler.
func NewPortalHandler(
	portals *repository.PortalRepository,
	channels *repository.ChannelRepository,
	client *stalker.Client,
	refresh *service.RefreshService,
	guide *service.GuideService,
	logger *slog.Logger,
) *PortalHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PortalHandler{
		portals:  portals,
		channels: channels,
		client:   client,
		refresh:  refresh,
		guide:    guide,
		logger:   observability.WithComponent(logger, "portal-api"),
	}
}

// Register registers the portal routes with the API.
func (h *PortalHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listPortals",
		Method:      "GET",
		Path:        "/api/v1/portals",
		Summary:     "List portals",
		Description: "Returns all configured portals with their MAC pools",
		Tags:        []string{"Portals"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "createPortal",
		Method:      "POST",
		Path:        "/api/v1/portals",
		Summary:     "Create portal",
		Description: "Creates a portal, resolving the given URL to its API endpoint",
		Tags:        []string{"Portals"},
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID: "getPortal",
		Method:      "GET",
		Path:        "/api/v1/portals/{id}",
		Summary:     "Get portal",
		Tags:        []string{"Portals"},
	}, h.GetByID)

	huma.Register(api, huma.Operation{
		OperationID: "updatePortal",
		Method:      "PUT",
		Path:        "/api/v1/portals/{id}",
		Summary:     "Update portal",
		Tags:        []string{"Portals"},
	}, h.Update)

	huma.Register(api, huma.Operation{
		OperationID: "deletePortal",
		Method:      "DELETE",
		Path:        "/api/v1/portals/{id}",
		Summary:     "Delete portal",
		Description: "Deletes a portal, its MAC pool, and its cached channels",
		Tags:        []string{"Portals"},
	}, h.Delete)

	huma.Register(api, huma.Operation{
		OperationID: "addPortalMAC",
		Method:      "POST",
		Path:        "/api/v1/portals/{id}/macs",
		Summary:     "Add MAC",
		Description: "Appends a MAC address to the back of the portal's rotation pool",
		Tags:        []string{"Portals"},
	}, h.AddMAC)

	huma.Register(api, huma.Operation{
		OperationID: "removePortalMAC",
		Method:      "DELETE",
		Path:        "/api/v1/portals/{id}/macs/{mac}",
		Summary:     "Remove MAC",
		Tags:        []string{"Portals"},
	}, h.RemoveMAC)

	huma.Register(api, huma.Operation{
		OperationID: "testPortalMAC",
		Method:      "POST",
		Path:        "/api/v1/portals/{id}/macs/{mac}/test",
		Summary:     "Test MAC",
		Description: "Runs a handshake with the MAC and reports the account expiry",
		Tags:        []string{"Portals"},
	}, h.TestMAC)

	huma.Register(api, huma.Operation{
		OperationID: "refreshPortal",
		Method:      "POST",
		Path:        "/api/v1/portals/{id}/refresh",
		Summary:     "Refresh channel cache",
		Description: "Re-fetches the portal's channel listing into the local cache",
		Tags:        []string{"Portals"},
	}, h.Refresh)
}

// PortalMACResponse is one credential in a portal's pool.
type PortalMACResponse struct {
	MAC      string `json:"mac"`
	Position int    `json:"position"`
	Expiry   string `json:"expiry,omitempty"`
}

// PortalResponse is the API representation of a portal.
type PortalResponse struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	URL            string              `json:"url"`
	Proxy          string              `json:"proxy,omitempty"`
	Enabled        bool                `json:"enabled"`
	StreamsPerMAC  int                 `json:"streams_per_mac"`
	EPGOffsetHours int                 `json:"epg_offset_hours"`
	MACs           []PortalMACResponse `json:"macs"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

func portalFromModel(p *models.Portal) PortalResponse {
	macs := make([]PortalMACResponse, 0, len(p.MACs))
	for _, m := range p.MACs {
		macs = append(macs, PortalMACResponse{MAC: m.MAC, Position: m.Position, Expiry: m.Expiry})
	}
	return PortalResponse{
		ID:             p.ID.String(),
		Name:           p.Name,
		URL:            p.URL,
		Proxy:          p.Proxy,
		Enabled:        p.IsEnabled(),
		StreamsPerMAC:  p.StreamsPerMAC,
		EPGOffsetHours: p.EPGOffsetHours,
		MACs:           macs,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

// ListPortalsOutput is the output for listing portals.
type ListPortalsOutput struct {
	Body struct {
		Portals []PortalResponse `json:"portals"`
	}
}

// List returns all portals.
func (h *PortalHandler) List(ctx context.Context, _ *struct{}) (*ListPortalsOutput, error) {
	portals, err := h.portals.List(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list portals", err)
	}

	resp := &ListPortalsOutput{}
	resp.Body.Portals = make([]PortalResponse, 0, len(portals))
	for i := range portals {
		resp.Body.Portals = append(resp.Body.Portals, portalFromModel(&portals[i]))
	}
	return resp, nil
}

// CreatePortalInput is the input for creating a portal.
type CreatePortalInput struct {
	Body struct {
		Name string `json:"name" minLength:"1" doc:"Display name, unique"`
		// URL may be the portal's landing page; it is resolved to the real
		// API endpoint before storage.
		URL            string   `json:"url" minLength:"1" doc:"Portal URL"`
		Proxy          string   `json:"proxy,omitempty" doc:"HTTP proxy for portal traffic"`
		StreamsPerMAC  int      `json:"streams_per_mac,omitempty" minimum:"0" doc:"Concurrent streams per MAC, 0 = unlimited"`
		EPGOffsetHours int      `json:"epg_offset_hours,omitempty"`
		MACs           []string `json:"macs,omitempty" doc:"Initial MAC pool, in trial order"`
	}
}

// CreatePortalOutput is the output for creating a portal.
type CreatePortalOutput struct {
	Body PortalResponse
}

// Create creates a new portal. The supplied URL is probed for the portal's
// API endpoint; creation fails if discovery does.
func (h *PortalHandler) Create(ctx context.Context, input *CreatePortalInput) (*CreatePortalOutput, error) {
	endpoint, err := h.client.DiscoverEndpoint(ctx, input.Body.URL, input.Body.Proxy)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity(
			fmt.Sprintf("could not resolve portal endpoint for %s", input.Body.URL), err)
	}

	streamsPerMAC := input.Body.StreamsPerMAC
	if streamsPerMAC == 0 {
		streamsPerMAC = 1
	}

	portal := &models.Portal{
		Name:           input.Body.Name,
		URL:            endpoint,
		Proxy:          input.Body.Proxy,
		Enabled:        models.BoolPtr(true),
		StreamsPerMAC:  streamsPerMAC,
		EPGOffsetHours: input.Body.EPGOffsetHours,
	}
	if err := h.portals.Create(ctx, portal); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, huma.Error409Conflict("a portal with this name already exists")
		}
		return nil, huma.Error500InternalServerError("failed to create portal", err)
	}

	for _, mac := range input.Body.MACs {
		if err := h.portals.AddMAC(ctx, portal.ID, mac, ""); err != nil {
			return nil, huma.Error500InternalServerError("failed to add MAC", err)
		}
	}

	created, err := h.portals.GetByID(ctx, portal.ID)
	if err != nil || created == nil {
		return nil, huma.Error500InternalServerError("failed to reload portal", err)
	}

	h.logger.Info("portal created",
		slog.String("name", created.Name),
		slog.String("endpoint", created.URL),
		slog.Int("macs", len(created.MACs)),
	)
	return &CreatePortalOutput{Body: portalFromModel(created)}, nil
}

// GetPortalInput is the input for getting a portal.
type GetPortalInput struct {
	ID string `path:"id" doc:"Portal ID (ULID)"`
}

// GetPortalOutput is the output for getting a portal.
type GetPortalOutput struct {
	Body PortalResponse
}

// GetByID returns a portal by ID.
func (h *PortalHandler) GetByID(ctx context.Context, input *GetPortalInput) (*GetPortalOutput, error) {
	portal, err := h.loadPortal(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	return &GetPortalOutput{Body: portalFromModel(portal)}, nil
}

// UpdatePortalInput is the input for updating a portal.
type UpdatePortalInput struct {
	ID   string `path:"id" doc:"Portal ID (ULID)"`
	Body struct {
		Name           *string `json:"name,omitempty"`
		Proxy          *string `json:"proxy,omitempty"`
		Enabled        *bool   `json:"enabled,omitempty"`
		StreamsPerMAC  *int    `json:"streams_per_mac,omitempty"`
		EPGOffsetHours *int    `json:"epg_offset_hours,omitempty"`
	}
}

// UpdatePortalOutput is the output for updating a portal.
type UpdatePortalOutput struct {
	Body PortalResponse
}

// Update applies a partial update to a portal.
func (h *PortalHandler) Update(ctx context.Context, input *UpdatePortalInput) (*UpdatePortalOutput, error) {
	portal, err := h.loadPortal(ctx, input.ID)
	if err != nil {
		return nil, err
	}

	if input.Body.Name != nil {
		portal.Name = *input.Body.Name
	}
	if input.Body.Proxy != nil {
		portal.Proxy = *input.Body.Proxy
	}
	if input.Body.Enabled != nil {
		portal.Enabled = input.Body.Enabled
	}
	if input.Body.StreamsPerMAC != nil {
		portal.StreamsPerMAC = *input.Body.StreamsPerMAC
	}
	if input.Body.EPGOffsetHours != nil {
		portal.EPGOffsetHours = *input.Body.EPGOffsetHours
	}

	if err := h.portals.Update(ctx, portal); err != nil {
		return nil, huma.Error500InternalServerError("failed to update portal", err)
	}
	return &UpdatePortalOutput{Body: portalFromModel(portal)}, nil
}

// DeletePortalInput is the input for deleting a portal.
type DeletePortalInput struct {
	ID string `path:"id" doc:"Portal ID (ULID)"`
}

// Delete removes a portal and everything attached to it.
func (h *PortalHandler) Delete(ctx context.Context, input *DeletePortalInput) (*struct{}, error) {
	portal, err := h.loadPortal(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.portals.Delete(ctx, portal.ID); err != nil {
		return nil, huma.Error500InternalServerError("failed to delete portal", err)
	}
	h.logger.Info("portal deleted", slog.String("name", portal.Name))
	return &struct{}{}, nil
}

// AddMACInput is the input for adding a MAC.
type AddMACInput struct {
	ID   string `path:"id" doc:"Portal ID (ULID)"`
	Body struct {
		MAC string `json:"mac" minLength:"1" doc:"MAC address"`
	}
}

// AddMAC appends a MAC to the portal's pool.
func (h *PortalHandler) AddMAC(ctx context.Context, input *AddMACInput) (*GetPortalOutput, error) {
	portal, err := h.loadPortal(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.portals.AddMAC(ctx, portal.ID, input.Body.MAC, ""); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, huma.Error409Conflict("this MAC is already in the pool")
		}
		return nil, huma.Error500InternalServerError("failed to add MAC", err)
	}

	updated, err := h.portals.GetByID(ctx, portal.ID)
	if err != nil || updated == nil {
		return nil, huma.Error500InternalServerError("failed to reload portal", err)
	}
	return &GetPortalOutput{Body: portalFromModel(updated)}, nil
}

// RemoveMACInput is the input for removing a MAC.
type RemoveMACInput struct {
	ID  string `path:"id" doc:"Portal ID (ULID)"`
	MAC string `path:"mac" doc:"MAC address"`
}

// RemoveMAC removes a MAC from the portal's pool.
func (h *PortalHandler) RemoveMAC(ctx context.Context, input *RemoveMACInput) (*struct{}, error) {
	portal, err := h.loadPortal(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.portals.RemoveMAC(ctx, portal.ID, input.MAC); err != nil {
		return nil, huma.Error500InternalServerError("failed to remove MAC", err)
	}
	return &struct{}{}, nil
}

// TestMACInput is the input for testing a MAC.
type TestMACInput struct {
	ID  string `path:"id" doc:"Portal ID (ULID)"`
	MAC string `path:"mac" doc:"MAC address"`
}

// TestMACOutput is the output for testing a MAC.
type TestMACOutput struct {
	Body struct {
		OK     bool   `json:"ok"`
		Expiry string `json:"expiry,omitempty"`
		Error  string `json:"error,omitempty"`
	}
}

// TestMAC runs a full handshake with the credential and stores the account
// expiry the portal reports.
func (h *PortalHandler) TestMAC(ctx context.Context, input *TestMACInput) (*TestMACOutput, error) {
	portal, err := h.loadPortal(ctx, input.ID)
	if err != nil {
		return nil, err
	}

	mac := models.NormalizeMAC(input.MAC)
	resp := &TestMACOutput{}

	token, err := h.client.Handshake(ctx, portal.URL, portal.Proxy, mac)
	if err == nil {
		_, err = h.client.GetProfile(ctx, portal.URL, portal.Proxy, mac, token)
	}
	if err != nil {
		resp.Body.Error = err.Error()
		return resp, nil
	}

	expiry, err := h.client.GetExpires(ctx, portal.URL, portal.Proxy, mac, token)
	if err != nil {
		h.logger.Warn("expiry lookup failed",
			slog.String("portal", portal.Name),
			slog.String("mac", mac),
			slog.String("error", err.Error()),
		)
	} else if expiry != "" {
		if err := h.portals.SetMACExpiry(ctx, portal.ID, mac, expiry); err != nil {
			h.logger.Warn("storing expiry failed", slog.String("error", err.Error()))
		}
	}

	resp.Body.OK = true
	resp.Body.Expiry = expiry
	return resp, nil
}

// RefreshPortalInput is the input for refreshing a portal's channel cache.
type RefreshPortalInput struct {
	ID string `path:"id" doc:"Portal ID (ULID)"`
}

// RefreshPortalOutput is the output for refreshing a portal's channel cache.
type RefreshPortalOutput struct {
	Body struct {
		Channels int64 `json:"channels"`
	}
}

// Refresh re-fetches the portal's channel listing into the cache and drops
// the guide cache so the next request reflects it.
func (h *PortalHandler) Refresh(ctx context.Context, input *RefreshPortalInput) (*RefreshPortalOutput, error) {
	portal, err := h.loadPortal(ctx, input.ID)
	if err != nil {
		return nil, err
	}

	if err := h.refresh.RefreshPortal(ctx, portal); err != nil {
		return nil, huma.Error502BadGateway(
			fmt.Sprintf("refreshing %s failed", portal.Name), err)
	}
	h.guide.Invalidate()

	count, err := h.channels.CountByPortal(ctx, portal.ID)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to count channels", err)
	}

	resp := &RefreshPortalOutput{}
	resp.Body.Channels = count
	return resp, nil
}

// loadPortal parses the ID and loads the portal, mapping the failure modes
// onto API errors.
func (h *PortalHandler) loadPortal(ctx context.Context, rawID string) (*models.Portal, error) {
	id, err := models.ParseULID(rawID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}
	portal, err := h.portals.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to get portal", err)
	}
	if portal == nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("portal %s not found", rawID))
	}
	return portal, nil
}
