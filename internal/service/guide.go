package service

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/macrelay/macrelay/internal/config"
	"github.com/macrelay/macrelay/internal/models"
	"github.com/macrelay/macrelay/internal/observability"
	"github.com/macrelay/macrelay/internal/relay"
	"github.com/macrelay/macrelay/internal/repository"
	"github.com/macrelay/macrelay/internal/stalker"
	"github.com/macrelay/macrelay/internal/version"
)

// xmltvTimeFormat is the timestamp layout XMLTV consumers expect.
const xmltvTimeFormat = "20060102150405 -0700"

// placeholderSlot is the duration of generated filler programmes for
// channels the portal has no EPG data for.
const placeholderSlot = time.Hour

type xmltvDoc struct {
	XMLName       xml.Name         `xml:"tv"`
	GeneratorName string           `xml:"generator-info-name,attr"`
	Channels      []xmltvChannel   `xml:"channel"`
	Programmes    []xmltvProgramme `xml:"programme"`
}

type xmltvChannel struct {
	ID          string     `xml:"id,attr"`
	DisplayName string     `xml:"display-name"`
	Icon        *xmltvIcon `xml:"icon,omitempty"`
}

type xmltvIcon struct {
	Src string `xml:"src,attr"`
}

type xmltvProgramme struct {
	Start   string `xml:"start,attr"`
	Stop    string `xml:"stop,attr"`
	Channel string `xml:"channel,attr"`
	Title   string `xml:"title"`
	Desc    string `xml:"desc,omitempty"`
}

// GuideService generates the XMLTV guide for all enabled channels, pulling
// EPG data from each portal and caching the rendered document.
type GuideService struct {
	cfg      config.GuideConfig
	portals  *repository.PortalRepository
	channels *repository.ChannelRepository
	client   *stalker.Client
	rotation *relay.Rotation
	logger   *slog.Logger

	mu      sync.Mutex
	cached  []byte
	expires time.Time
}

// NewGuideService creates a guide service.
func NewGuideService(
	cfg config.GuideConfig,
	portals *repository.PortalRepository,
	channels *repository.ChannelRepository,
	client *stalker.Client,
	rotation *relay.Rotation,
	logger *slog.Logger,
) *GuideService {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuideService{
		cfg:      cfg,
		portals:  portals,
		channels: channels,
		client:   client,
		rotation: rotation,
		logger:   observability.WithComponent(logger, "guide"),
	}
}

// Guide returns the rendered XMLTV document, regenerating it when the cache
// has expired.
func (s *GuideService) Guide(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && time.Now().Before(s.expires) {
		return s.cached, nil
	}

	data, err := s.generate(ctx)
	if err != nil {
		return nil, err
	}
	s.cached = data
	s.expires = time.Now().Add(s.cfg.CacheTTL)
	return data, nil
}

// Invalidate drops the cached document so the next request regenerates it.
func (s *GuideService) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

func (s *GuideService) generate(ctx context.Context) ([]byte, error) {
	portals, err := s.portals.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing portals: %w", err)
	}

	doc := xmltvDoc{GeneratorName: "macrelay/" + version.Short()}

	for i := range portals {
		portal := &portals[i]
		channels, err := s.channels.ListByPortal(ctx, portal.ID)
		if err != nil {
			return nil, fmt.Errorf("listing channels for %s: %w", portal.Name, err)
		}

		enabled := make([]models.Channel, 0, len(channels))
		for _, ch := range channels {
			if ch.IsEnabled() {
				enabled = append(enabled, ch)
			}
		}
		if len(enabled) == 0 {
			continue
		}

		epg := s.fetchEPG(ctx, portal)
		offset := time.Duration(portal.EPGOffsetHours) * time.Hour

		for _, ch := range enabled {
			id := ch.EPGID()
			xc := xmltvChannel{ID: id, DisplayName: ch.DisplayName()}
			if ch.Logo != "" {
				xc.Icon = &xmltvIcon{Src: ch.Logo}
			}
			doc.Channels = append(doc.Channels, xc)

			programmes := epg[ch.ExtID]
			if len(programmes) == 0 {
				doc.Programmes = append(doc.Programmes, placeholderProgrammes(id, ch.DisplayName(), s.cfg.EPGPeriodHours)...)
				continue
			}
			for _, p := range programmes {
				start := time.Unix(int64(p.StartTimestamp), 0).Add(offset)
				stop := time.Unix(int64(p.StopTimestamp), 0).Add(offset)
				doc.Programmes = append(doc.Programmes, xmltvProgramme{
					Start:   start.Format(xmltvTimeFormat),
					Stop:    stop.Format(xmltvTimeFormat),
					Channel: id,
					Title:   p.Name,
					Desc:    p.Description,
				})
			}
		}
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encoding guide: %w", err)
	}
	buf.WriteByte('\n')

	s.logger.Info("guide generated",
		slog.Int("channels", len(doc.Channels)),
		slog.Int("programmes", len(doc.Programmes)),
	)
	return buf.Bytes(), nil
}

// fetchEPG pulls the portal's EPG with the first working MAC. EPG is
// best-effort; on total failure the guide falls back to placeholders.
func (s *GuideService) fetchEPG(ctx context.Context, portal *models.Portal) map[string][]stalker.Programme {
	for _, mac := range s.rotation.Candidates(portal) {
		token, err := s.client.Handshake(ctx, portal.URL, portal.Proxy, mac)
		if err != nil {
			s.rotation.OnFailure(ctx, portal.ID, mac)
			continue
		}
		epg, err := s.client.GetEPG(ctx, portal.URL, portal.Proxy, mac, token, s.cfg.EPGPeriodHours)
		if err != nil {
			s.logger.Warn("EPG fetch failed",
				slog.String("portal", portal.Name),
				slog.String("mac", mac),
				slog.String("error", err.Error()),
			)
			continue
		}
		return epg
	}

	s.logger.Warn("no EPG data available", slog.String("portal", portal.Name))
	return map[string][]stalker.Programme{}
}

// placeholderProgrammes fills a channel's schedule with hour-long slots
// carrying the channel name, so guide consumers still render the channel.
func placeholderProgrammes(channelID, name string, periodHours int) []xmltvProgramme {
	now := time.Now().Truncate(placeholderSlot)
	out := make([]xmltvProgramme, 0, periodHours)
	for i := 0; i < periodHours; i++ {
		start := now.Add(time.Duration(i) * placeholderSlot)
		out = append(out, xmltvProgramme{
			Start:   start.Format(xmltvTimeFormat),
			Stop:    start.Add(placeholderSlot).Format(xmltvTimeFormat),
			Channel: channelID,
			Title:   name,
		})
	}
	return out
}
