package relay

import (
	"sync"
	"time"

	"github.com/macrelay/macrelay/internal/models"
)

// Entry describes one active stream session for accounting purposes.
// Entries are compared structurally: two clients watching the same channel
// with the same MAC produce distinct entries only if any field differs, so
// the tracker keeps a multiset.
type Entry struct {
	PortalID    models.ULID `json:"portal_id"`
	PortalName  string      `json:"portal_name"`
	MAC         string      `json:"mac"`
	ChannelID   string      `json:"channel_id"`
	ChannelName string      `json:"channel_name"`
	ClientAddr  string      `json:"client"`
	StartedAt   time.Time   `json:"started_at"`
}

// Occupancy tracks which MACs are serving streams right now. It enforces the
// per-MAC concurrency limit at admission time.
type Occupancy struct {
	mu      sync.RWMutex
	entries []Entry
	counts  map[occKey]int
}

type occKey struct {
	portalID models.ULID
	mac      string
}

// NewOccupancy creates an empty tracker.
func NewOccupancy() *Occupancy {
	return &Occupancy{
		counts: make(map[occKey]int),
	}
}

// IsAdmissible reports whether the MAC can accept another stream under the
// given limit. A limit of zero means unlimited.
func (o *Occupancy) IsAdmissible(portalID models.ULID, mac string, limit int) bool {
	if limit <= 0 {
		return true
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.counts[occKey{portalID, mac}] < limit
}

// TryOccupy atomically checks admissibility and records the entry. It returns
// false without recording when the MAC is at its limit. This is the only safe
// admission path under concurrent requests.
func (o *Occupancy) TryOccupy(entry Entry, limit int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := occKey{entry.PortalID, entry.MAC}
	if limit > 0 && o.counts[key] >= limit {
		return false
	}
	o.entries = append(o.entries, entry)
	o.counts[key]++
	return true
}

// Occupy records the entry without an admission check.
func (o *Occupancy) Occupy(entry Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, entry)
	o.counts[occKey{entry.PortalID, entry.MAC}]++
}

// Release removes one occurrence matching the entry. Releasing an entry that
// was never recorded is a no-op.
func (o *Occupancy) Release(entry Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i := range o.entries {
		if o.entries[i] == entry {
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			key := occKey{entry.PortalID, entry.MAC}
			if o.counts[key] > 1 {
				o.counts[key]--
			} else {
				delete(o.counts, key)
			}
			return
		}
	}
}

// Update replaces one occurrence of old with updated while keeping the
// admission it holds. Counts move only when the {portal, MAC} key changed.
// Updating an entry that was never recorded is a no-op.
func (o *Occupancy) Update(old, updated Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i := range o.entries {
		if o.entries[i] == old {
			o.entries[i] = updated
			oldKey := occKey{old.PortalID, old.MAC}
			newKey := occKey{updated.PortalID, updated.MAC}
			if oldKey != newKey {
				if o.counts[oldKey] > 1 {
					o.counts[oldKey]--
				} else {
					delete(o.counts, oldKey)
				}
				o.counts[newKey]++
			}
			return
		}
	}
}

// CountForMAC returns the number of active streams for a MAC.
func (o *Occupancy) CountForMAC(portalID models.ULID, mac string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.counts[occKey{portalID, mac}]
}

// Len returns the total number of active entries.
func (o *Occupancy) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.entries)
}

// Snapshot returns a copy of all active entries for the status API.
func (o *Occupancy) Snapshot() []Entry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Entry, len(o.entries))
	copy(out, o.entries)
	return out
}
