package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/macrelay/macrelay/internal/models"
	"github.com/macrelay/macrelay/internal/observability"
	"github.com/macrelay/macrelay/internal/repository"
)

// PlaylistService renders the M3U playlist of enabled channels across all
// enabled portals. Stream URLs point back at this server's play endpoint so
// every playback goes through session resolution.
type PlaylistService struct {
	portals  *repository.PortalRepository
	channels *repository.ChannelRepository
	logger   *slog.Logger
}

// NewPlaylistService creates a playlist service.
func NewPlaylistService(portals *repository.PortalRepository, channels *repository.ChannelRepository, logger *slog.Logger) *PlaylistService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlaylistService{
		portals:  portals,
		channels: channels,
		logger:   observability.WithComponent(logger, "playlist"),
	}
}

// LineupEntry is one playable channel with its resolved display fields.
type LineupEntry struct {
	PortalID   models.ULID
	PortalName string
	ExtID      string
	Name       string
	Number     string
	Genre      string
	Logo       string
	EPGID      string
}

// Lineup returns the enabled channels of all enabled portals, ordered by
// channel number then name.
func (s *PlaylistService) Lineup(ctx context.Context) ([]LineupEntry, error) {
	portals, err := s.portals.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing portals: %w", err)
	}

	var entries []LineupEntry
	for i := range portals {
		portal := &portals[i]
		channels, err := s.channels.ListByPortal(ctx, portal.ID)
		if err != nil {
			return nil, fmt.Errorf("listing channels for %s: %w", portal.Name, err)
		}
		for _, ch := range channels {
			if !ch.IsEnabled() {
				continue
			}
			entries = append(entries, LineupEntry{
				PortalID:   portal.ID,
				PortalName: portal.Name,
				ExtID:      ch.ExtID,
				Name:       ch.DisplayName(),
				Number:     ch.DisplayNumber(),
				Genre:      ch.DisplayGenre(),
				Logo:       ch.Logo,
				EPGID:      ch.EPGID(),
			})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Number != entries[j].Number {
			return entries[i].Number < entries[j].Number
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// M3U renders the playlist. baseURL is the externally reachable root of this
// server, without a trailing slash.
func (s *PlaylistService) M3U(ctx context.Context, baseURL string) (string, error) {
	entries, err := s.Lineup(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for _, e := range entries {
		b.WriteString(fmt.Sprintf(
			"#EXTINF:-1 tvg-id=%q tvg-name=%q tvg-logo=%q tvg-chno=%q group-title=%q,%s\n",
			e.EPGID, e.Name, e.Logo, e.Number, e.Genre, e.Name,
		))
		b.WriteString(StreamURL(baseURL, e.PortalID, e.ExtID))
		b.WriteByte('\n')
	}

	s.logger.Debug("playlist rendered", slog.Int("channels", len(entries)))
	return b.String(), nil
}

// StreamURL builds the play endpoint URL for a channel.
func StreamURL(baseURL string, portalID models.ULID, extID string) string {
	return fmt.Sprintf("%s/play/%s/%s", baseURL, portalID, extID)
}
