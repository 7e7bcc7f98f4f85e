package relay

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macrelay/macrelay/internal/models"
)

func testEntry(portalID models.ULID, mac, channelID string) Entry {
	return Entry{
		PortalID:  portalID,
		MAC:       mac,
		ChannelID: channelID,
		StartedAt: time.Now(),
	}
}

func TestOccupancy_TryOccupyRespectsLimit(t *testing.T) {
	occ := NewOccupancy()
	portalID := models.NewULID()

	assert.True(t, occ.TryOccupy(testEntry(portalID, "AA", "1"), 2))
	assert.True(t, occ.TryOccupy(testEntry(portalID, "AA", "2"), 2))
	assert.False(t, occ.TryOccupy(testEntry(portalID, "AA", "3"), 2))

	// Another MAC on the same portal has its own budget.
	assert.True(t, occ.TryOccupy(testEntry(portalID, "BB", "1"), 2))
	assert.Equal(t, 2, occ.CountForMAC(portalID, "AA"))
	assert.Equal(t, 1, occ.CountForMAC(portalID, "BB"))
}

func TestOccupancy_ZeroLimitIsUnlimited(t *testing.T) {
	occ := NewOccupancy()
	portalID := models.NewULID()

	for i := 0; i < 50; i++ {
		require.True(t, occ.TryOccupy(testEntry(portalID, "AA", "1"), 0))
	}
	assert.Equal(t, 50, occ.CountForMAC(portalID, "AA"))
}

func TestOccupancy_ReleaseFreesSlot(t *testing.T) {
	occ := NewOccupancy()
	portalID := models.NewULID()

	e1 := testEntry(portalID, "AA", "1")
	require.True(t, occ.TryOccupy(e1, 1))
	require.False(t, occ.TryOccupy(testEntry(portalID, "AA", "2"), 1))

	occ.Release(e1)
	assert.True(t, occ.TryOccupy(testEntry(portalID, "AA", "2"), 1))
}

func TestOccupancy_ReleaseUnknownEntryIsNoop(t *testing.T) {
	occ := NewOccupancy()
	portalID := models.NewULID()

	occ.Release(testEntry(portalID, "AA", "1"))
	assert.Equal(t, 0, occ.Len())

	// Double release must not go negative.
	e := testEntry(portalID, "AA", "1")
	require.True(t, occ.TryOccupy(e, 1))
	occ.Release(e)
	occ.Release(e)
	assert.Equal(t, 0, occ.CountForMAC(portalID, "AA"))
	assert.True(t, occ.TryOccupy(testEntry(portalID, "AA", "2"), 1))
}

func TestOccupancy_ConcurrentAdmissionHoldsLimit(t *testing.T) {
	occ := NewOccupancy()
	portalID := models.NewULID()
	const limit = 5
	const attempts = 100

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			e := testEntry(portalID, "AA", "ch")
			e.ClientAddr = string(rune('a' + n%26))
			if occ.TryOccupy(e, limit) {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(limit), admitted.Load())
	assert.Equal(t, limit, occ.CountForMAC(portalID, "AA"))
}

func TestOccupancy_UpdateKeepsAdmission(t *testing.T) {
	occ := NewOccupancy()
	portalID := models.NewULID()

	e := testEntry(portalID, "AA", "1")
	require.True(t, occ.TryOccupy(e, 1))

	named := e
	named.ChannelName = "News One"
	occ.Update(e, named)

	// Same {portal, MAC} key: the slot stays held, only the entry changed.
	assert.Equal(t, 1, occ.CountForMAC(portalID, "AA"))
	assert.False(t, occ.TryOccupy(testEntry(portalID, "AA", "2"), 1))

	snap := occ.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "News One", snap[0].ChannelName)

	// The updated entry is what releases.
	occ.Release(named)
	assert.Equal(t, 0, occ.Len())
}

func TestOccupancy_UpdateMovesCountsAcrossMACs(t *testing.T) {
	occ := NewOccupancy()
	portalID := models.NewULID()

	e := testEntry(portalID, "AA", "1")
	require.True(t, occ.TryOccupy(e, 1))

	moved := e
	moved.MAC = "BB"
	occ.Update(e, moved)

	assert.Equal(t, 0, occ.CountForMAC(portalID, "AA"))
	assert.Equal(t, 1, occ.CountForMAC(portalID, "BB"))
}

func TestOccupancy_UpdateUnknownEntryIsNoop(t *testing.T) {
	occ := NewOccupancy()
	portalID := models.NewULID()

	occ.Update(testEntry(portalID, "AA", "1"), testEntry(portalID, "BB", "1"))
	assert.Equal(t, 0, occ.Len())
	assert.Equal(t, 0, occ.CountForMAC(portalID, "BB"))
}

func TestOccupancy_Snapshot(t *testing.T) {
	occ := NewOccupancy()
	portalID := models.NewULID()

	e := testEntry(portalID, "AA", "1")
	e.ChannelName = "News One"
	require.True(t, occ.TryOccupy(e, 0))

	snap := occ.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "News One", snap[0].ChannelName)
	assert.Equal(t, "AA", snap[0].MAC)
}
