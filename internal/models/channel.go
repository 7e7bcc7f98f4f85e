package models

// Channel is a cached portal channel with local overrides.
// The cache is refreshed from the portal's channel listing; override fields
// survive refreshes and take precedence when rendering playlists and guides.
type Channel struct {
	BaseModel
	PortalID ULID `gorm:"not null;index;uniqueIndex:idx_portal_ext" json:"portal_id"`
	// ExtID is the portal's channel identifier, used in play URLs and as
	// the argument to link creation.
	ExtID string `gorm:"not null;uniqueIndex:idx_portal_ext" json:"ext_id"`
	// Cmd is the portal's channel command string, resolved to a playable
	// link at session time.
	Cmd     string `json:"cmd"`
	Name    string `gorm:"not null;index" json:"name"`
	Number  string `json:"number,omitempty"`
	Genre   string `json:"genre,omitempty"`
	Logo    string `json:"logo,omitempty"`
	Enabled *bool  `gorm:"default:false" json:"enabled"`

	// Local overrides. Empty means use the portal-provided value.
	CustomName   string `json:"custom_name,omitempty"`
	CustomNumber string `json:"custom_number,omitempty"`
	CustomGenre  string `json:"custom_genre,omitempty"`
	CustomEPGID  string `json:"custom_epg_id,omitempty"`

	// FallbackName marks this channel as a stand-in for a channel with the
	// given display name on another portal. When a home portal fails, the
	// resolver searches other portals' fallback names for a match.
	FallbackName string `gorm:"index" json:"fallback_name,omitempty"`
}

// IsEnabled returns whether the channel is enabled (nil defaults to false).
func (c *Channel) IsEnabled() bool {
	return c.Enabled != nil && *c.Enabled
}

// DisplayName returns the custom name if set, otherwise the portal name.
func (c *Channel) DisplayName() string {
	if c.CustomName != "" {
		return c.CustomName
	}
	return c.Name
}

// DisplayNumber returns the custom number if set, otherwise the portal number.
func (c *Channel) DisplayNumber() string {
	if c.CustomNumber != "" {
		return c.CustomNumber
	}
	return c.Number
}

// DisplayGenre returns the custom genre if set, otherwise the portal genre.
func (c *Channel) DisplayGenre() string {
	if c.CustomGenre != "" {
		return c.CustomGenre
	}
	return c.Genre
}

// EPGID returns the guide identifier for this channel. The default couples
// the channel to its portal so guide IDs stay unique across portals.
func (c *Channel) EPGID() string {
	if c.CustomEPGID != "" {
		return c.CustomEPGID
	}
	return c.PortalID.String() + "." + c.ExtID
}
