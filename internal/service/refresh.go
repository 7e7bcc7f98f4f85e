// Package service implements the application services built on top of the
// repositories and the portal client: channel cache refresh, guide and
// playlist generation, and the background scheduler.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/macrelay/macrelay/internal/models"
	"github.com/macrelay/macrelay/internal/observability"
	"github.com/macrelay/macrelay/internal/relay"
	"github.com/macrelay/macrelay/internal/repository"
	"github.com/macrelay/macrelay/internal/stalker"
)

// refreshConcurrency bounds how many portals are refreshed in parallel.
const refreshConcurrency = 4

// RefreshService synchronises the local channel cache with each portal's
// live listing.
type RefreshService struct {
	portals  *repository.PortalRepository
	channels *repository.ChannelRepository
	client   *stalker.Client
	rotation *relay.Rotation
	logger   *slog.Logger
}

// NewRefreshService creates a refresh service.
func NewRefreshService(
	portals *repository.PortalRepository,
	channels *repository.ChannelRepository,
	client *stalker.Client,
	rotation *relay.Rotation,
	logger *slog.Logger,
) *RefreshService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshService{
		portals:  portals,
		channels: channels,
		client:   client,
		rotation: rotation,
		logger:   observability.WithComponent(logger, "refresh"),
	}
}

// RefreshAll refreshes the channel cache for every enabled portal. Portal
// failures are logged and do not abort the other portals.
func (s *RefreshService) RefreshAll(ctx context.Context) error {
	portals, err := s.portals.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("listing portals: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)

	for i := range portals {
		portal := &portals[i]
		g.Go(func() error {
			if err := s.RefreshPortal(ctx, portal); err != nil {
				s.logger.Error("portal refresh failed",
					slog.String("portal", portal.Name),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	return g.Wait()
}

// RefreshPortal fetches the portal's channel listing with the first working
// MAC and upserts it into the cache. Failing MACs are rotated to the back of
// the pool, the same demotion streaming failures get.
func (s *RefreshService) RefreshPortal(ctx context.Context, portal *models.Portal) error {
	var lastErr error
	for _, mac := range s.rotation.Candidates(portal) {
		channels, genres, err := s.fetchListing(ctx, portal, mac)
		if err != nil {
			lastErr = err
			s.logger.Warn("listing fetch failed",
				slog.String("portal", portal.Name),
				slog.String("mac", mac),
				slog.String("error", err.Error()),
			)
			s.rotation.OnFailure(ctx, portal.ID, mac)
			continue
		}

		fresh := make([]models.Channel, 0, len(channels))
		for i := range channels {
			ch := &channels[i]
			fresh = append(fresh, models.Channel{
				PortalID: portal.ID,
				ExtID:    ch.ID.String(),
				Cmd:      ch.Cmd,
				Name:     ch.Name,
				Number:   ch.Number.String(),
				Genre:    genres[ch.GenreID.String()],
				Logo:     ch.Logo,
			})
		}

		if err := s.channels.UpsertFromPortal(ctx, portal.ID, fresh); err != nil {
			return fmt.Errorf("upserting channels: %w", err)
		}

		s.logger.Info("channel cache refreshed",
			slog.String("portal", portal.Name),
			slog.String("mac", mac),
			slog.Int("channels", len(fresh)),
		)
		return nil
	}

	if lastErr != nil {
		return fmt.Errorf("all MACs failed: %w", lastErr)
	}
	return fmt.Errorf("portal %s has no MACs", portal.Name)
}

// fetchListing runs one full listing session with a single credential.
func (s *RefreshService) fetchListing(ctx context.Context, portal *models.Portal, mac string) ([]stalker.Channel, map[string]string, error) {
	token, err := s.client.Handshake(ctx, portal.URL, portal.Proxy, mac)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.client.GetProfile(ctx, portal.URL, portal.Proxy, mac, token); err != nil {
		return nil, nil, err
	}

	channels, err := s.client.GetAllChannels(ctx, portal.URL, portal.Proxy, mac, token)
	if err != nil {
		return nil, nil, err
	}

	// Genre names are cosmetic; a failed lookup leaves genres blank rather
	// than failing the refresh.
	genres, err := s.client.GetGenreNames(ctx, portal.URL, portal.Proxy, mac, token)
	if err != nil {
		s.logger.Warn("genre fetch failed",
			slog.String("portal", portal.Name),
			slog.String("error", err.Error()),
		)
		genres = map[string]string{}
	}

	return channels, genres, nil
}
