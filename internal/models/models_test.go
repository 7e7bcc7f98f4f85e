package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestULID_ParseAndString(t *testing.T) {
	id := NewULID()
	parsed, err := ParseULID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseULID("not-a-ulid")
	assert.Error(t, err)
}

func TestULID_JSON(t *testing.T) {
	id := NewULID()
	data, err := json.Marshal(id)
	require.NoError(t, err)
	assert.Equal(t, `"`+id.String()+`"`, string(data))

	var out ULID
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, id, out)

	var zero ULID
	data, err = json.Marshal(zero)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}

func TestNormalizeMAC(t *testing.T) {
	assert.Equal(t, "00:1A:79:AA:BB:CC", NormalizeMAC(" 00:1a:79:aa:bb:cc "))
	assert.Equal(t, "00:1A:79:AA:BB:CC", NormalizeMAC("00:1A:79:AA:BB:CC"))
}

func TestChannel_DisplayFieldsAndEPGID(t *testing.T) {
	portalID := NewULID()
	ch := Channel{
		PortalID: portalID,
		ExtID:    "101",
		Name:     "News One",
		Number:   "5",
		Genre:    "News",
	}

	assert.Equal(t, "News One", ch.DisplayName())
	assert.Equal(t, "5", ch.DisplayNumber())
	assert.Equal(t, "News", ch.DisplayGenre())
	assert.Equal(t, portalID.String()+".101", ch.EPGID())

	ch.CustomName = "My News"
	ch.CustomNumber = "1"
	ch.CustomGenre = "Favourites"
	ch.CustomEPGID = "news.one"

	assert.Equal(t, "My News", ch.DisplayName())
	assert.Equal(t, "1", ch.DisplayNumber())
	assert.Equal(t, "Favourites", ch.DisplayGenre())
	assert.Equal(t, "news.one", ch.EPGID())
}

func TestPortal_IsEnabled(t *testing.T) {
	p := Portal{}
	assert.True(t, p.IsEnabled(), "nil defaults to enabled")

	p.Enabled = BoolPtr(false)
	assert.False(t, p.IsEnabled())
}

func TestChannel_IsEnabled(t *testing.T) {
	ch := Channel{}
	assert.False(t, ch.IsEnabled(), "nil defaults to disabled")

	ch.Enabled = BoolPtr(true)
	assert.True(t, ch.IsEnabled())
}
