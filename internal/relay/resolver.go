package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/macrelay/macrelay/internal/models"
	"github.com/macrelay/macrelay/internal/observability"
	"github.com/macrelay/macrelay/internal/repository"
	"github.com/macrelay/macrelay/internal/stalker"
)

// PortalClient is the portal protocol surface the resolver needs.
type PortalClient interface {
	Handshake(ctx context.Context, portalURL, proxy, mac string) (string, error)
	GetProfile(ctx context.Context, portalURL, proxy, mac, token string) (stalker.Profile, error)
	GetAllChannels(ctx context.Context, portalURL, proxy, mac, token string) ([]stalker.Channel, error)
	ResolveLink(ctx context.Context, portalURL, proxy, mac, token, cmd string) (string, error)
}

// StreamProber verifies resolved links before delivery.
type StreamProber interface {
	Available() bool
	Probe(ctx context.Context, link, proxy string) bool
}

// Request describes one play request to resolve.
type Request struct {
	PortalID   models.ULID
	ChannelID  string
	ClientAddr string
	// AllowFallback enables the cross-portal fallback search. Direct/web
	// clients set this false: they cannot follow a channel to another
	// portal mid-session.
	AllowFallback bool
}

// Resolution is a successful session: a playable link plus the occupancy
// entry held for it. The caller owns the entry and must release it when the
// delivery ends (directly or by handing it to the transcoder manager).
type Resolution struct {
	Link        string
	ChannelName string
	MAC         string
	Portal      *models.Portal
	Entry       Entry
	ViaFallback bool
}

// Resolver runs the per-request session state machine: trial over the
// portal's MACs in rotation order with admission control, then the
// cross-portal fallback search.
type Resolver struct {
	portals  *repository.PortalRepository
	channels *repository.ChannelRepository
	client   PortalClient
	occ      *Occupancy
	rotation *Rotation
	prober   StreamProber

	testStreams bool
	tryAllMACs  bool
	logger      *slog.Logger
}

// NewResolver wires a resolver from its collaborators.
func NewResolver(
	portals *repository.PortalRepository,
	channels *repository.ChannelRepository,
	client PortalClient,
	occ *Occupancy,
	rotation *Rotation,
	prober StreamProber,
	testStreams, tryAllMACs bool,
	logger *slog.Logger,
) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		portals:     portals,
		channels:    channels,
		client:      client,
		occ:         occ,
		rotation:    rotation,
		prober:      prober,
		testStreams: testStreams,
		tryAllMACs:  tryAllMACs,
		logger:      observability.WithComponent(logger, "resolver"),
	}
}

// trialStats accumulates what happened across MAC trials so the terminal
// error can distinguish exhaustion from failure.
type trialStats struct {
	busy   int
	failed int
}

// Resolve runs the session state machine for one request.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	portal, err := r.portals.GetByID(ctx, req.PortalID)
	if err != nil {
		return nil, fmt.Errorf("loading portal: %w", err)
	}
	if portal == nil || !portal.IsEnabled() {
		return nil, fmt.Errorf("%w: portal %s not available", ErrNoStream, req.PortalID)
	}

	// The display name survives even when the channel has vanished from the
	// portal's listing, so the fallback search can still match by name.
	channelName := ""
	if cached, err := r.channels.GetByExtID(ctx, req.PortalID, req.ChannelID); err == nil && cached != nil {
		channelName = cached.DisplayName()
	}

	var stats trialStats
	if res := r.tryPortal(ctx, portal, req.ChannelID, &channelName, req.ClientAddr, false, &stats); res != nil {
		return res, nil
	}

	if req.AllowFallback && channelName != "" {
		if res := r.tryFallbacks(ctx, portal.ID, channelName, req.ClientAddr, &stats); res != nil {
			return res, nil
		}
	}

	r.logger.Warn("resolution exhausted",
		slog.String("portal", portal.Name),
		slog.String("channel_id", req.ChannelID),
		slog.String("channel_name", channelName),
		slog.Int("busy_macs", stats.busy),
		slog.Int("failed_attempts", stats.failed),
	)
	if stats.failed > 0 {
		return nil, ErrAllMACsFailed
	}
	return nil, ErrNoFreeMAC
}

// tryFallbacks searches other portals' fallback registrations for a channel
// with the same display name as the failed one.
func (r *Resolver) tryFallbacks(ctx context.Context, homePortalID models.ULID, channelName, clientAddr string, stats *trialStats) *Resolution {
	fallbacks, err := r.channels.ListFallbacksByName(ctx, channelName, homePortalID)
	if err != nil {
		r.logger.Error("fallback lookup failed", slog.String("error", err.Error()))
		return nil
	}

	for i := range fallbacks {
		fb := &fallbacks[i]
		portal, err := r.portals.GetByID(ctx, fb.PortalID)
		if err != nil || portal == nil || !portal.IsEnabled() {
			continue
		}

		r.logger.Info("trying fallback",
			slog.String("channel_name", channelName),
			slog.String("portal", portal.Name),
			slog.String("channel_id", fb.ExtID),
		)

		name := channelName
		if res := r.tryPortal(ctx, portal, fb.ExtID, &name, clientAddr, true, stats); res != nil {
			return res
		}
	}
	return nil
}

// tryPortal walks the portal's MACs in rotation order. channelName is
// updated in place when the upstream listing reveals a name we did not have.
func (r *Resolver) tryPortal(ctx context.Context, portal *models.Portal, channelID string, channelName *string, clientAddr string, viaFallback bool, stats *trialStats) *Resolution {
	for _, mac := range r.rotation.Candidates(portal) {
		entry := Entry{
			PortalID:    portal.ID,
			PortalName:  portal.Name,
			MAC:         mac,
			ChannelID:   channelID,
			ChannelName: *channelName,
			ClientAddr:  clientAddr,
			StartedAt:   time.Now(),
		}
		if !r.occ.TryOccupy(entry, portal.StreamsPerMAC) {
			stats.busy++
			continue
		}

		res, err := r.tryMAC(ctx, portal, mac, channelID, channelName)
		if err == nil {
			// The listing may have supplied a name the local cache did
			// not have; carry it into the tracked entry so the status
			// snapshot reports it.
			if entry.ChannelName != *channelName {
				named := entry
				named.ChannelName = *channelName
				r.occ.Update(entry, named)
				entry = named
			}
			res.Entry = entry
			res.ChannelName = *channelName
			res.ViaFallback = viaFallback
			r.logger.Info("stream resolved",
				slog.String("portal", portal.Name),
				slog.String("mac", mac),
				slog.String("channel_id", channelID),
				slog.String("channel_name", *channelName),
				slog.Bool("via_fallback", viaFallback),
			)
			return res
		}

		r.occ.Release(entry)
		stats.failed++
		r.logger.Warn("MAC attempt failed",
			slog.String("portal", portal.Name),
			slog.String("mac", mac),
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()),
		)
		r.rotation.OnFailure(ctx, portal.ID, mac)

		if !r.tryAllMACs {
			break
		}
	}
	return nil
}

// tryMAC runs one full session attempt with a single credential.
func (r *Resolver) tryMAC(ctx context.Context, portal *models.Portal, mac, channelID string, channelName *string) (*Resolution, error) {
	token, err := r.client.Handshake(ctx, portal.URL, portal.Proxy, mac)
	if err != nil {
		return nil, err
	}
	if _, err := r.client.GetProfile(ctx, portal.URL, portal.Proxy, mac, token); err != nil {
		return nil, err
	}

	channels, err := r.client.GetAllChannels(ctx, portal.URL, portal.Proxy, mac, token)
	if err != nil {
		return nil, err
	}

	var found *stalker.Channel
	for i := range channels {
		if channels[i].ID.String() == channelID {
			found = &channels[i]
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("channel %s not in portal listing", channelID)
	}
	if *channelName == "" {
		*channelName = found.Name
	}

	link, err := r.client.ResolveLink(ctx, portal.URL, portal.Proxy, mac, token, found.Cmd)
	if err != nil {
		return nil, err
	}

	if r.testStreams && r.prober != nil && r.prober.Available() {
		if !r.prober.Probe(ctx, link, portal.Proxy) {
			return nil, fmt.Errorf("stream probe failed for %s", link)
		}
	}

	return &Resolution{
		Link:   link,
		MAC:    mac,
		Portal: portal,
	}, nil
}
