package service

import (
	"context"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/macrelay/macrelay/internal/models"
	"github.com/macrelay/macrelay/internal/repository"
)

type serviceFixture struct {
	db       *gorm.DB
	portals  *repository.PortalRepository
	channels *repository.ChannelRepository
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Portal{}, &models.PortalMAC{}, &models.Channel{}))

	return &serviceFixture{
		db:       db,
		portals:  repository.NewPortalRepository(db),
		channels: repository.NewChannelRepository(db),
	}
}

func (f *serviceFixture) addPortal(t *testing.T, name string, enabled bool) *models.Portal {
	t.Helper()
	portal := &models.Portal{
		Name:    name,
		URL:     "http://" + name + ".example.com/portal.php",
		Enabled: models.BoolPtr(enabled),
	}
	require.NoError(t, f.portals.Create(context.Background(), portal))
	return portal
}

func (f *serviceFixture) addChannel(t *testing.T, ch *models.Channel) {
	t.Helper()
	require.NoError(t, f.db.Create(ch).Error)
}

func TestPlaylistService_Lineup(t *testing.T) {
	f := newServiceFixture(t)
	portal := f.addPortal(t, "home", true)

	f.addChannel(t, &models.Channel{
		PortalID: portal.ID, ExtID: "101", Name: "News One", Number: "2",
		Enabled: models.BoolPtr(true),
	})
	f.addChannel(t, &models.Channel{
		PortalID: portal.ID, ExtID: "102", Name: "Sports Two", Number: "1",
		Enabled: models.BoolPtr(true),
	})
	f.addChannel(t, &models.Channel{
		PortalID: portal.ID, ExtID: "103", Name: "Hidden", Number: "0",
	})

	svc := NewPlaylistService(f.portals, f.channels, nil)
	entries, err := svc.Lineup(context.Background())
	require.NoError(t, err)

	// Disabled channels are excluded; the rest sort by number.
	require.Len(t, entries, 2)
	assert.Equal(t, "Sports Two", entries[0].Name)
	assert.Equal(t, "News One", entries[1].Name)
	assert.Equal(t, portal.ID, entries[0].PortalID)
}

func TestPlaylistService_LineupSkipsDisabledPortals(t *testing.T) {
	f := newServiceFixture(t)
	portal := f.addPortal(t, "off", false)
	f.addChannel(t, &models.Channel{
		PortalID: portal.ID, ExtID: "101", Name: "News One",
		Enabled: models.BoolPtr(true),
	})

	svc := NewPlaylistService(f.portals, f.channels, nil)
	entries, err := svc.Lineup(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPlaylistService_M3U(t *testing.T) {
	f := newServiceFixture(t)
	portal := f.addPortal(t, "home", true)
	f.addChannel(t, &models.Channel{
		PortalID: portal.ID, ExtID: "101", Name: "News One", Number: "1",
		Genre: "News", Logo: "http://logo/news.png",
		Enabled: models.BoolPtr(true),
	})

	svc := NewPlaylistService(f.portals, f.channels, nil)
	m3u, err := svc.M3U(context.Background(), "http://relay.local:13681")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(m3u, "#EXTM3U\n"))
	assert.Contains(t, m3u, `tvg-name="News One"`)
	assert.Contains(t, m3u, `tvg-chno="1"`)
	assert.Contains(t, m3u, `group-title="News"`)
	assert.Contains(t, m3u, `tvg-logo="http://logo/news.png"`)
	assert.Contains(t, m3u, `tvg-id="`+portal.ID.String()+`.101"`)
	assert.Contains(t, m3u, "http://relay.local:13681/play/"+portal.ID.String()+"/101\n")
}

func TestPlaylistService_M3UUsesOverrides(t *testing.T) {
	f := newServiceFixture(t)
	portal := f.addPortal(t, "home", true)
	f.addChannel(t, &models.Channel{
		PortalID: portal.ID, ExtID: "101", Name: "News One", Number: "7",
		CustomName: "My News", CustomNumber: "1", CustomEPGID: "news.custom",
		Enabled: models.BoolPtr(true),
	})

	svc := NewPlaylistService(f.portals, f.channels, nil)
	m3u, err := svc.M3U(context.Background(), "http://relay.local")
	require.NoError(t, err)

	assert.Contains(t, m3u, `tvg-name="My News"`)
	assert.Contains(t, m3u, `tvg-chno="1"`)
	assert.Contains(t, m3u, `tvg-id="news.custom"`)
	assert.NotContains(t, m3u, "News One")
}

func TestStreamURL(t *testing.T) {
	id := models.NewULID()
	assert.Equal(t,
		"http://relay.local/play/"+id.String()+"/101",
		StreamURL("http://relay.local", id, "101"),
	)
}
