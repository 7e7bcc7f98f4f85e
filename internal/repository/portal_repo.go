// Package repository provides data access layers for macrelay models.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/macrelay/macrelay/internal/models"
	"gorm.io/gorm"
)

// PortalRepository handles database operations for portals and their MAC pools.
type PortalRepository struct {
	db *gorm.DB

	// rotateMu serializes rotation updates per portal so concurrent stream
	// failures cannot lose position updates.
	rotateMu sync.Map // models.ULID -> *sync.Mutex
}

// NewPortalRepository creates a new portal repository.
func NewPortalRepository(db *gorm.DB) *PortalRepository {
	return &PortalRepository{db: db}
}

// Create creates a new portal with its MAC pool.
func (r *PortalRepository) Create(ctx context.Context, portal *models.Portal) error {
	if err := r.db.WithContext(ctx).Create(portal).Error; err != nil {
		return fmt.Errorf("creating portal: %w", err)
	}
	return nil
}

// Update saves changes to an existing portal.
func (r *PortalRepository) Update(ctx context.Context, portal *models.Portal) error {
	if err := r.db.WithContext(ctx).Save(portal).Error; err != nil {
		return fmt.Errorf("updating portal: %w", err)
	}
	return nil
}

// Delete removes a portal and, via FK cascade, its MACs and channels.
func (r *PortalRepository) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Delete(&models.Portal{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("deleting portal: %w", err)
	}
	return nil
}

// GetByID retrieves a portal by ID with its MAC pool preloaded.
// Returns nil if not found.
func (r *PortalRepository) GetByID(ctx context.Context, id models.ULID) (*models.Portal, error) {
	var portal models.Portal
	err := r.db.WithContext(ctx).
		Preload("MACs", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&portal, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting portal by ID: %w", err)
	}
	return &portal, nil
}

// List retrieves all portals with their MAC pools preloaded.
func (r *PortalRepository) List(ctx context.Context) ([]models.Portal, error) {
	var portals []models.Portal
	err := r.db.WithContext(ctx).
		Preload("MACs", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Order("name ASC").
		Find(&portals).Error
	if err != nil {
		return nil, fmt.Errorf("listing portals: %w", err)
	}
	return portals, nil
}

// ListEnabled retrieves all enabled portals with their MAC pools preloaded.
func (r *PortalRepository) ListEnabled(ctx context.Context) ([]models.Portal, error) {
	var portals []models.Portal
	err := r.db.WithContext(ctx).
		Preload("MACs", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("enabled = ?", true).
		Order("name ASC").
		Find(&portals).Error
	if err != nil {
		return nil, fmt.Errorf("listing enabled portals: %w", err)
	}
	return portals, nil
}

// ListMACs returns the portal's MAC pool in rotation order.
func (r *PortalRepository) ListMACs(ctx context.Context, portalID models.ULID) ([]models.PortalMAC, error) {
	var macs []models.PortalMAC
	err := r.db.WithContext(ctx).
		Where("portal_id = ?", portalID).
		Order("position ASC").
		Find(&macs).Error
	if err != nil {
		return nil, fmt.Errorf("listing portal MACs: %w", err)
	}
	return macs, nil
}

// AddMAC appends a MAC to the back of the portal's rotation order.
func (r *PortalRepository) AddMAC(ctx context.Context, portalID models.ULID, mac, expiry string) error {
	mac = models.NormalizeMAC(mac)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxPos int
		if err := tx.Model(&models.PortalMAC{}).
			Where("portal_id = ?", portalID).
			Select("COALESCE(MAX(position), -1)").
			Scan(&maxPos).Error; err != nil {
			return fmt.Errorf("finding max position: %w", err)
		}
		entry := models.PortalMAC{
			PortalID: portalID,
			MAC:      mac,
			Position: maxPos + 1,
			Expiry:   expiry,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("adding MAC: %w", err)
		}
		return nil
	})
}

// RemoveMAC deletes a MAC from the portal's pool.
func (r *PortalRepository) RemoveMAC(ctx context.Context, portalID models.ULID, mac string) error {
	mac = models.NormalizeMAC(mac)
	err := r.db.WithContext(ctx).
		Where("portal_id = ? AND mac = ?", portalID, mac).
		Delete(&models.PortalMAC{}).Error
	if err != nil {
		return fmt.Errorf("removing MAC: %w", err)
	}
	return nil
}

// RotateMACToBack moves the given MAC to the back of the portal's rotation
// order. A MAC not in the pool is a no-op. Updates for the same portal are
// serialized so concurrent failures preserve each other's moves.
func (r *PortalRepository) RotateMACToBack(ctx context.Context, portalID models.ULID, mac string) error {
	mu := r.portalMutex(portalID)
	mu.Lock()
	defer mu.Unlock()

	mac = models.NormalizeMAC(mac)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry models.PortalMAC
		err := tx.Where("portal_id = ? AND mac = ?", portalID, mac).First(&entry).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return fmt.Errorf("finding MAC: %w", err)
		}

		var maxPos int
		if err := tx.Model(&models.PortalMAC{}).
			Where("portal_id = ?", portalID).
			Select("COALESCE(MAX(position), 0)").
			Scan(&maxPos).Error; err != nil {
			return fmt.Errorf("finding max position: %w", err)
		}
		if entry.Position == maxPos {
			return nil // already at the back
		}

		if err := tx.Model(&models.PortalMAC{}).
			Where("id = ?", entry.ID).
			Update("position", maxPos+1).Error; err != nil {
			return fmt.Errorf("rotating MAC: %w", err)
		}
		return nil
	})
}

// SetMACExpiry updates the stored account expiry for a MAC.
func (r *PortalRepository) SetMACExpiry(ctx context.Context, portalID models.ULID, mac, expiry string) error {
	mac = models.NormalizeMAC(mac)
	err := r.db.WithContext(ctx).
		Model(&models.PortalMAC{}).
		Where("portal_id = ? AND mac = ?", portalID, mac).
		Update("expiry", expiry).Error
	if err != nil {
		return fmt.Errorf("updating MAC expiry: %w", err)
	}
	return nil
}

func (r *PortalRepository) portalMutex(portalID models.ULID) *sync.Mutex {
	mu, _ := r.rotateMu.LoadOrStore(portalID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
