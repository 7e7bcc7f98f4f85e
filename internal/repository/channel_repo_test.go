package repository

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/macrelay/macrelay/internal/models"
)

func setupChannelTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(&models.Portal{}, &models.PortalMAC{}, &models.Channel{})
	require.NoError(t, err)

	return db
}

func createChannelTestPortal(t *testing.T, db *gorm.DB, name string) *models.Portal {
	t.Helper()
	portal := &models.Portal{
		Name:    name,
		URL:     "http://" + name + ".example.com/portal.php",
		Enabled: models.BoolPtr(true),
	}
	require.NoError(t, db.Create(portal).Error)
	return portal
}

func TestChannelRepo_GetByExtID(t *testing.T) {
	db := setupChannelTestDB(t)
	repo := NewChannelRepository(db)
	ctx := context.Background()

	portal := createChannelTestPortal(t, db, "provider-a")
	require.NoError(t, db.Create(&models.Channel{
		PortalID: portal.ID,
		ExtID:    "101",
		Cmd:      "ffrt http://localhost/ch/101",
		Name:     "News One",
	}).Error)

	found, err := repo.GetByExtID(ctx, portal.ID, "101")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "News One", found.Name)

	missing, err := repo.GetByExtID(ctx, portal.ID, "999")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestChannelRepo_UpsertFromPortal_InsertsAndUpdates(t *testing.T) {
	db := setupChannelTestDB(t)
	repo := NewChannelRepository(db)
	ctx := context.Background()

	portal := createChannelTestPortal(t, db, "provider-a")

	first := []models.Channel{
		{ExtID: "101", Cmd: "cmd-101", Name: "News One", Number: "1"},
		{ExtID: "102", Cmd: "cmd-102", Name: "Sports Two", Number: "2"},
	}
	require.NoError(t, repo.UpsertFromPortal(ctx, portal.ID, first))

	count, err := repo.CountByPortal(ctx, portal.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Second refresh: 101 renamed, 102 gone, 103 new.
	second := []models.Channel{
		{ExtID: "101", Cmd: "cmd-101-v2", Name: "News One HD", Number: "1"},
		{ExtID: "103", Cmd: "cmd-103", Name: "Movies Three", Number: "3"},
	}
	require.NoError(t, repo.UpsertFromPortal(ctx, portal.ID, second))

	renamed, err := repo.GetByExtID(ctx, portal.ID, "101")
	require.NoError(t, err)
	require.NotNil(t, renamed)
	assert.Equal(t, "News One HD", renamed.Name)
	assert.Equal(t, "cmd-101-v2", renamed.Cmd)

	stale, err := repo.GetByExtID(ctx, portal.ID, "102")
	require.NoError(t, err)
	assert.Nil(t, stale)

	added, err := repo.GetByExtID(ctx, portal.ID, "103")
	require.NoError(t, err)
	assert.NotNil(t, added)
}

func TestChannelRepo_UpsertFromPortal_PreservesOverrides(t *testing.T) {
	db := setupChannelTestDB(t)
	repo := NewChannelRepository(db)
	ctx := context.Background()

	portal := createChannelTestPortal(t, db, "provider-a")
	require.NoError(t, repo.UpsertFromPortal(ctx, portal.ID, []models.Channel{
		{ExtID: "101", Cmd: "cmd-101", Name: "News One"},
	}))

	ch, err := repo.GetByExtID(ctx, portal.ID, "101")
	require.NoError(t, err)
	require.NotNil(t, ch)
	ch.Enabled = models.BoolPtr(true)
	ch.CustomName = "My News"
	ch.FallbackName = "News One"
	require.NoError(t, repo.Update(ctx, ch))

	// Refresh with a new upstream name must not clobber local state.
	require.NoError(t, repo.UpsertFromPortal(ctx, portal.ID, []models.Channel{
		{ExtID: "101", Cmd: "cmd-101-v2", Name: "News One International"},
	}))

	after, err := repo.GetByExtID(ctx, portal.ID, "101")
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, "News One International", after.Name)
	assert.True(t, after.IsEnabled())
	assert.Equal(t, "My News", after.CustomName)
	assert.Equal(t, "News One", after.FallbackName)
	assert.Equal(t, "My News", after.DisplayName())
}

func TestChannelRepo_ListFallbacksByName(t *testing.T) {
	db := setupChannelTestDB(t)
	repo := NewChannelRepository(db)
	ctx := context.Background()

	home := createChannelTestPortal(t, db, "home")
	other := createChannelTestPortal(t, db, "other")

	require.NoError(t, db.Create(&models.Channel{
		PortalID: home.ID, ExtID: "1", Name: "News One", FallbackName: "News One",
	}).Error)
	require.NoError(t, db.Create(&models.Channel{
		PortalID: other.ID, ExtID: "77", Name: "News 1", FallbackName: "News One",
	}).Error)
	require.NoError(t, db.Create(&models.Channel{
		PortalID: other.ID, ExtID: "78", Name: "Sports", FallbackName: "Sports Two",
	}).Error)

	// The home portal's own registration is excluded.
	fallbacks, err := repo.ListFallbacksByName(ctx, "News One", home.ID)
	require.NoError(t, err)
	require.Len(t, fallbacks, 1)
	assert.Equal(t, other.ID, fallbacks[0].PortalID)
	assert.Equal(t, "77", fallbacks[0].ExtID)
}

func TestChannelRepo_ListEnabled(t *testing.T) {
	db := setupChannelTestDB(t)
	repo := NewChannelRepository(db)
	ctx := context.Background()

	portal := createChannelTestPortal(t, db, "provider-a")
	require.NoError(t, db.Create(&models.Channel{
		PortalID: portal.ID, ExtID: "1", Name: "On", Enabled: models.BoolPtr(true),
	}).Error)
	require.NoError(t, db.Create(&models.Channel{
		PortalID: portal.ID, ExtID: "2", Name: "Off", Enabled: models.BoolPtr(false),
	}).Error)

	enabled, err := repo.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "On", enabled[0].Name)
}
