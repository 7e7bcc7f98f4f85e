package relay

import (
	"context"
	"log/slog"

	"github.com/macrelay/macrelay/internal/models"
	"github.com/macrelay/macrelay/internal/observability"
	"github.com/macrelay/macrelay/internal/repository"
)

// Rotation implements the MAC failure policy: a MAC that fails a session
// attempt moves to the back of its portal's trial order, so the next request
// starts from credentials that have not recently failed.
type Rotation struct {
	portals *repository.PortalRepository
	logger  *slog.Logger
}

// NewRotation creates a rotation policy over the portal store.
func NewRotation(portals *repository.PortalRepository, logger *slog.Logger) *Rotation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rotation{
		portals: portals,
		logger:  observability.WithComponent(logger, "rotation"),
	}
}

// Candidates returns the portal's MACs in current trial order.
func (r *Rotation) Candidates(portal *models.Portal) []string {
	macs := make([]string, 0, len(portal.MACs))
	for _, m := range portal.MACs {
		macs = append(macs, m.MAC)
	}
	return macs
}

// OnFailure demotes a MAC to the back of its portal's order and persists the
// new order. Unknown MACs are ignored. The repository serializes concurrent
// rotations per portal.
func (r *Rotation) OnFailure(ctx context.Context, portalID models.ULID, mac string) {
	if err := r.portals.RotateMACToBack(ctx, portalID, mac); err != nil {
		r.logger.Error("failed to rotate MAC",
			slog.String("portal_id", portalID.String()),
			slog.String("mac", mac),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.Debug("MAC moved to back of rotation",
		slog.String("portal_id", portalID.String()),
		slog.String("mac", mac),
	)
}
