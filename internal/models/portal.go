package models

import "strings"

// Portal represents a Stalker middleware portal and its access credentials.
// A portal owns an ordered pool of MAC addresses used for stream sessions.
type Portal struct {
	BaseModel
	Name string `gorm:"not null;uniqueIndex" json:"name"`
	// URL is the resolved portal endpoint (portal.php or load.php).
	URL string `gorm:"not null" json:"url"`
	// Proxy is an optional HTTP proxy URL used for all portal traffic,
	// including ffmpeg/ffprobe input fetches.
	Proxy   string `json:"proxy,omitempty"`
	Enabled *bool  `gorm:"default:true" json:"enabled"`
	// StreamsPerMAC bounds concurrent streams per MAC. Zero means unlimited.
	StreamsPerMAC int `gorm:"default:1" json:"streams_per_mac"`
	// EPGOffsetHours shifts guide timestamps for portals reporting in a
	// different timezone.
	EPGOffsetHours int `gorm:"default:0" json:"epg_offset_hours"`

	MACs     []PortalMAC `gorm:"foreignKey:PortalID;constraint:OnDelete:CASCADE" json:"macs,omitempty"`
	Channels []Channel   `gorm:"foreignKey:PortalID;constraint:OnDelete:CASCADE" json:"-"`
}

// IsEnabled returns whether the portal is enabled (nil defaults to true).
func (p *Portal) IsEnabled() bool {
	return BoolVal(p.Enabled)
}

// PortalMAC is a single credential in a portal's rotation pool.
// Position defines the trial order; failed MACs are moved to the back.
type PortalMAC struct {
	BaseModel
	PortalID ULID   `gorm:"not null;index;uniqueIndex:idx_portal_mac" json:"portal_id"`
	MAC      string `gorm:"not null;uniqueIndex:idx_portal_mac" json:"mac"`
	Position int    `gorm:"not null;index" json:"position"`
	// Expiry is the account expiry string reported by the portal, refreshed
	// when the MAC is tested.
	Expiry string `json:"expiry,omitempty"`
}

// NormalizeMAC uppercases a MAC address for storage and comparison.
func NormalizeMAC(mac string) string {
	return strings.ToUpper(strings.TrimSpace(mac))
}
