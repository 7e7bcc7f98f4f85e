package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macrelay/macrelay/internal/config"
	"github.com/macrelay/macrelay/internal/models"
	"github.com/macrelay/macrelay/internal/relay"
)

func newGuideService(f *serviceFixture, cfg config.GuideConfig) *GuideService {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.EPGPeriodHours == 0 {
		cfg.EPGPeriodHours = 24
	}
	rotation := relay.NewRotation(f.portals, nil)
	return NewGuideService(cfg, f.portals, f.channels, nil, rotation, nil)
}

func TestGuideService_PlaceholdersWithoutEPG(t *testing.T) {
	f := newServiceFixture(t)
	// No MACs on the portal, so no EPG can be fetched and every channel gets
	// placeholder programmes.
	portal := f.addPortal(t, "home", true)
	f.addChannel(t, &models.Channel{
		PortalID: portal.ID, ExtID: "101", Name: "News One",
		Logo:    "http://logo/news.png",
		Enabled: models.BoolPtr(true),
	})

	svc := newGuideService(f, config.GuideConfig{EPGPeriodHours: 6})
	data, err := svc.Guide(context.Background())
	require.NoError(t, err)

	doc := string(data)
	assert.Contains(t, doc, `<?xml`)
	assert.Contains(t, doc, `generator-info-name=`)
	assert.Contains(t, doc, `<channel id="`+portal.ID.String()+`.101">`)
	assert.Contains(t, doc, `<display-name>News One</display-name>`)
	assert.Contains(t, doc, `<icon src="http://logo/news.png">`)

	// One placeholder slot per hour of the guide period.
	assert.Equal(t, 6, strings.Count(doc, `<title>News One</title>`))
}

func TestGuideService_SkipsDisabledChannels(t *testing.T) {
	f := newServiceFixture(t)
	portal := f.addPortal(t, "home", true)
	f.addChannel(t, &models.Channel{
		PortalID: portal.ID, ExtID: "101", Name: "Hidden",
	})

	svc := newGuideService(f, config.GuideConfig{})
	data, err := svc.Guide(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Hidden")
}

func TestGuideService_CachesAndInvalidates(t *testing.T) {
	f := newServiceFixture(t)
	portal := f.addPortal(t, "home", true)
	f.addChannel(t, &models.Channel{
		PortalID: portal.ID, ExtID: "101", Name: "News One",
		Enabled: models.BoolPtr(true),
	})

	svc := newGuideService(f, config.GuideConfig{})
	first, err := svc.Guide(context.Background())
	require.NoError(t, err)

	// A channel added behind the cache's back is invisible until invalidation.
	f.addChannel(t, &models.Channel{
		PortalID: portal.ID, ExtID: "102", Name: "Sports Two",
		Enabled: models.BoolPtr(true),
	})

	cached, err := svc.Guide(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, cached)

	svc.Invalidate()
	fresh, err := svc.Guide(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(fresh), "Sports Two")
}
