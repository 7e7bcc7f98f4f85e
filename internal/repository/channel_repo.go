package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/macrelay/macrelay/internal/models"
	"gorm.io/gorm"
)

// ChannelRepository handles database operations for the channel cache.
type ChannelRepository struct {
	db *gorm.DB
}

// NewChannelRepository creates a new channel repository.
func NewChannelRepository(db *gorm.DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

// GetByExtID retrieves a channel by portal and portal-side channel ID.
// Returns nil if not found.
func (r *ChannelRepository) GetByExtID(ctx context.Context, portalID models.ULID, extID string) (*models.Channel, error) {
	var channel models.Channel
	err := r.db.WithContext(ctx).
		First(&channel, "portal_id = ? AND ext_id = ?", portalID, extID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting channel by ext ID: %w", err)
	}
	return &channel, nil
}

// GetByID retrieves a channel by its local ID. Returns nil if not found.
func (r *ChannelRepository) GetByID(ctx context.Context, id models.ULID) (*models.Channel, error) {
	var channel models.Channel
	err := r.db.WithContext(ctx).First(&channel, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting channel: %w", err)
	}
	return &channel, nil
}

// ListByPortal retrieves all cached channels for a portal.
func (r *ChannelRepository) ListByPortal(ctx context.Context, portalID models.ULID) ([]models.Channel, error) {
	var channels []models.Channel
	err := r.db.WithContext(ctx).
		Where("portal_id = ?", portalID).
		Order("name ASC").
		Find(&channels).Error
	if err != nil {
		return nil, fmt.Errorf("listing channels by portal: %w", err)
	}
	return channels, nil
}

// ListEnabled retrieves all enabled channels across all portals.
func (r *ChannelRepository) ListEnabled(ctx context.Context) ([]models.Channel, error) {
	var channels []models.Channel
	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("name ASC").
		Find(&channels).Error
	if err != nil {
		return nil, fmt.Errorf("listing enabled channels: %w", err)
	}
	return channels, nil
}

// ListFallbacksByName finds channels on other portals registered as stand-ins
// for the given display name.
func (r *ChannelRepository) ListFallbacksByName(ctx context.Context, name string, excludePortalID models.ULID) ([]models.Channel, error) {
	var channels []models.Channel
	err := r.db.WithContext(ctx).
		Where("fallback_name = ? AND portal_id != ?", name, excludePortalID).
		Find(&channels).Error
	if err != nil {
		return nil, fmt.Errorf("listing fallback channels: %w", err)
	}
	return channels, nil
}

// Update saves override fields on an existing channel.
func (r *ChannelRepository) Update(ctx context.Context, channel *models.Channel) error {
	if err := r.db.WithContext(ctx).Save(channel).Error; err != nil {
		return fmt.Errorf("updating channel: %w", err)
	}
	return nil
}

// UpsertFromPortal refreshes the channel cache for a portal from a fresh
// listing. Portal-provided fields are updated in place; override fields and
// enabled state survive the refresh. Channels absent from the listing are
// removed.
func (r *ChannelRepository) UpsertFromPortal(ctx context.Context, portalID models.ULID, fresh []models.Channel) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []models.Channel
		if err := tx.Where("portal_id = ?", portalID).Find(&existing).Error; err != nil {
			return fmt.Errorf("loading existing channels: %w", err)
		}
		byExtID := make(map[string]*models.Channel, len(existing))
		for i := range existing {
			byExtID[existing[i].ExtID] = &existing[i]
		}

		seen := make(map[string]bool, len(fresh))
		for i := range fresh {
			ch := &fresh[i]
			seen[ch.ExtID] = true

			if cur, ok := byExtID[ch.ExtID]; ok {
				updates := map[string]any{
					"cmd":    ch.Cmd,
					"name":   ch.Name,
					"number": ch.Number,
					"genre":  ch.Genre,
					"logo":   ch.Logo,
				}
				if err := tx.Model(&models.Channel{}).Where("id = ?", cur.ID).Updates(updates).Error; err != nil {
					return fmt.Errorf("refreshing channel %s: %w", ch.ExtID, err)
				}
				continue
			}

			ch.PortalID = portalID
			if err := tx.Create(ch).Error; err != nil {
				return fmt.Errorf("inserting channel %s: %w", ch.ExtID, err)
			}
		}

		for extID, cur := range byExtID {
			if !seen[extID] {
				if err := tx.Unscoped().Delete(&models.Channel{}, "id = ?", cur.ID).Error; err != nil {
					return fmt.Errorf("removing stale channel %s: %w", extID, err)
				}
			}
		}
		return nil
	})
}

// CountByPortal returns the number of cached channels for a portal.
func (r *ChannelRepository) CountByPortal(ctx context.Context, portalID models.ULID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Channel{}).
		Where("portal_id = ?", portalID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("counting channels: %w", err)
	}
	return count, nil
}
