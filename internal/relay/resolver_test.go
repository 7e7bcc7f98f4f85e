package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/macrelay/macrelay/internal/models"
	"github.com/macrelay/macrelay/internal/repository"
	"github.com/macrelay/macrelay/internal/stalker"
)

// fakePortalClient scripts portal behavior per MAC.
type fakePortalClient struct {
	// failHandshake lists MACs whose handshake fails.
	failHandshake map[string]bool
	// channels returned for every successful listing.
	channels []stalker.Channel
	link     string
	calls    []string
}

func (f *fakePortalClient) Handshake(_ context.Context, _, _, mac string) (string, error) {
	f.calls = append(f.calls, "handshake:"+mac)
	if f.failHandshake[mac] {
		return "", errors.New("portal rejected handshake")
	}
	return "token-" + mac, nil
}

func (f *fakePortalClient) GetProfile(context.Context, string, string, string, string) (stalker.Profile, error) {
	return stalker.Profile{}, nil
}

func (f *fakePortalClient) GetAllChannels(context.Context, string, string, string, string) ([]stalker.Channel, error) {
	return f.channels, nil
}

func (f *fakePortalClient) ResolveLink(context.Context, string, string, string, string, string) (string, error) {
	return f.link, nil
}

// fakeProber scripts the liveness check result.
type fakeProber struct {
	available bool
	alive     bool
}

func (p *fakeProber) Available() bool { return p.available }

func (p *fakeProber) Probe(context.Context, string, string) bool { return p.alive }

type resolverFixture struct {
	db       *gorm.DB
	portals  *repository.PortalRepository
	channels *repository.ChannelRepository
	occ      *Occupancy
	rotation *Rotation
}

func newResolverFixture(t *testing.T) *resolverFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Portal{}, &models.PortalMAC{}, &models.Channel{}))

	portals := repository.NewPortalRepository(db)
	return &resolverFixture{
		db:       db,
		portals:  portals,
		channels: repository.NewChannelRepository(db),
		occ:      NewOccupancy(),
		rotation: NewRotation(portals, nil),
	}
}

func (f *resolverFixture) addPortal(t *testing.T, name string, streamsPerMAC int, macs ...string) *models.Portal {
	t.Helper()
	portal := &models.Portal{
		Name:          name,
		URL:           "http://" + name + ".example.com/portal.php",
		Enabled:       models.BoolPtr(true),
		StreamsPerMAC: streamsPerMAC,
	}
	require.NoError(t, f.portals.Create(context.Background(), portal))
	for _, mac := range macs {
		require.NoError(t, f.portals.AddMAC(context.Background(), portal.ID, mac, ""))
	}

	loaded, err := f.portals.GetByID(context.Background(), portal.ID)
	require.NoError(t, err)
	return loaded
}

func (f *resolverFixture) resolver(client PortalClient, prober StreamProber, testStreams, tryAllMACs bool) *Resolver {
	return NewResolver(f.portals, f.channels, client, f.occ, f.rotation, prober, testStreams, tryAllMACs, nil)
}

func TestResolver_FirstMACSucceeds(t *testing.T) {
	f := newResolverFixture(t)
	portal := f.addPortal(t, "home", 1, "00:1A:79:00:00:01", "00:1A:79:00:00:02")

	client := &fakePortalClient{
		channels: []stalker.Channel{{ID: "101", Name: "News One", Cmd: "cmd-101"}},
		link:     "http://upstream/live.ts",
	}
	r := f.resolver(client, &fakeProber{}, false, true)

	res, err := r.Resolve(context.Background(), Request{
		PortalID:  portal.ID,
		ChannelID: "101",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://upstream/live.ts", res.Link)
	assert.Equal(t, "00:1A:79:00:00:01", res.MAC)
	assert.Equal(t, "News One", res.ChannelName)
	assert.False(t, res.ViaFallback)

	// The session holds exactly one occupancy entry until released.
	assert.Equal(t, 1, f.occ.Len())
	f.occ.Release(res.Entry)
	assert.Equal(t, 0, f.occ.Len())
}

func TestResolver_SnapshotCarriesResolvedName(t *testing.T) {
	f := newResolverFixture(t)
	portal := f.addPortal(t, "home", 1, "00:1A:79:00:00:01")

	// The channel is not in the local cache; only the upstream listing
	// knows its name.
	client := &fakePortalClient{
		channels: []stalker.Channel{{ID: "101", Name: "News One", Cmd: "cmd-101"}},
		link:     "http://upstream/live.ts",
	}
	r := f.resolver(client, &fakeProber{}, false, true)

	res, err := r.Resolve(context.Background(), Request{PortalID: portal.ID, ChannelID: "101"})
	require.NoError(t, err)
	assert.Equal(t, "News One", res.Entry.ChannelName)

	snap := f.occ.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "News One", snap[0].ChannelName)

	// The admission is unchanged: releasing the returned entry frees it.
	f.occ.Release(res.Entry)
	assert.Equal(t, 0, f.occ.Len())
}

func TestResolver_FailedMACIsRotatedAndNextTried(t *testing.T) {
	f := newResolverFixture(t)
	portal := f.addPortal(t, "home", 1, "00:1A:79:00:00:01", "00:1A:79:00:00:02")

	client := &fakePortalClient{
		failHandshake: map[string]bool{"00:1A:79:00:00:01": true},
		channels:      []stalker.Channel{{ID: "101", Name: "News One", Cmd: "cmd-101"}},
		link:          "http://upstream/live.ts",
	}
	r := f.resolver(client, &fakeProber{}, false, true)

	res, err := r.Resolve(context.Background(), Request{PortalID: portal.ID, ChannelID: "101"})
	require.NoError(t, err)
	assert.Equal(t, "00:1A:79:00:00:02", res.MAC)

	// Only the winning trial's entry remains.
	assert.Equal(t, 1, f.occ.Len())

	// The failed MAC moved to the back of the rotation order.
	macs, err := f.portals.ListMACs(context.Background(), portal.ID)
	require.NoError(t, err)
	require.Len(t, macs, 2)
	assert.Equal(t, "00:1A:79:00:00:02", macs[0].MAC)
	assert.Equal(t, "00:1A:79:00:00:01", macs[1].MAC)
}

func TestResolver_StopsAfterFirstFailureWhenConfigured(t *testing.T) {
	f := newResolverFixture(t)
	portal := f.addPortal(t, "home", 1, "00:1A:79:00:00:01", "00:1A:79:00:00:02")

	client := &fakePortalClient{
		failHandshake: map[string]bool{
			"00:1A:79:00:00:01": true,
			"00:1A:79:00:00:02": true,
		},
	}
	r := f.resolver(client, &fakeProber{}, false, false)

	_, err := r.Resolve(context.Background(), Request{PortalID: portal.ID, ChannelID: "101"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoStream)

	// try_all_macs=false: only the first MAC was attempted.
	assert.Equal(t, []string{"handshake:00:1A:79:00:00:01"}, client.calls)
}

func TestResolver_AllMACsFailed(t *testing.T) {
	f := newResolverFixture(t)
	portal := f.addPortal(t, "home", 1, "00:1A:79:00:00:01", "00:1A:79:00:00:02")

	client := &fakePortalClient{
		failHandshake: map[string]bool{
			"00:1A:79:00:00:01": true,
			"00:1A:79:00:00:02": true,
		},
	}
	r := f.resolver(client, &fakeProber{}, false, true)

	_, err := r.Resolve(context.Background(), Request{PortalID: portal.ID, ChannelID: "101"})
	assert.ErrorIs(t, err, ErrAllMACsFailed)
	assert.ErrorIs(t, err, ErrNoStream)

	// Failed trials must not leak occupancy.
	assert.Equal(t, 0, f.occ.Len())
}

func TestResolver_AllMACsBusy(t *testing.T) {
	f := newResolverFixture(t)
	portal := f.addPortal(t, "home", 1, "00:1A:79:00:00:01")

	// Saturate the only MAC before resolving.
	require.True(t, f.occ.TryOccupy(Entry{PortalID: portal.ID, MAC: "00:1A:79:00:00:01", ChannelID: "x"}, 1))

	client := &fakePortalClient{
		channels: []stalker.Channel{{ID: "101", Name: "News One", Cmd: "cmd-101"}},
		link:     "http://upstream/live.ts",
	}
	r := f.resolver(client, &fakeProber{}, false, true)

	_, err := r.Resolve(context.Background(), Request{PortalID: portal.ID, ChannelID: "101"})
	assert.ErrorIs(t, err, ErrNoFreeMAC)

	// Busy MACs are not failures; nothing was handshaken and nothing rotated.
	assert.Empty(t, client.calls)
}

func TestResolver_ProbeFailureCountsAsFailure(t *testing.T) {
	f := newResolverFixture(t)
	portal := f.addPortal(t, "home", 1, "00:1A:79:00:00:01")

	client := &fakePortalClient{
		channels: []stalker.Channel{{ID: "101", Name: "News One", Cmd: "cmd-101"}},
		link:     "http://upstream/dead.ts",
	}
	r := f.resolver(client, &fakeProber{available: true, alive: false}, true, true)

	_, err := r.Resolve(context.Background(), Request{PortalID: portal.ID, ChannelID: "101"})
	assert.ErrorIs(t, err, ErrAllMACsFailed)
	assert.Equal(t, 0, f.occ.Len())
}

func TestResolver_ChannelMissingFromListing(t *testing.T) {
	f := newResolverFixture(t)
	portal := f.addPortal(t, "home", 1, "00:1A:79:00:00:01")

	client := &fakePortalClient{
		channels: []stalker.Channel{{ID: "999", Name: "Other", Cmd: "cmd-999"}},
	}
	r := f.resolver(client, &fakeProber{}, false, true)

	_, err := r.Resolve(context.Background(), Request{PortalID: portal.ID, ChannelID: "101"})
	assert.ErrorIs(t, err, ErrAllMACsFailed)
}

func TestResolver_DisabledPortal(t *testing.T) {
	f := newResolverFixture(t)
	portal := f.addPortal(t, "home", 1, "00:1A:79:00:00:01")
	portal.Enabled = models.BoolPtr(false)
	require.NoError(t, f.portals.Update(context.Background(), portal))

	r := f.resolver(&fakePortalClient{}, &fakeProber{}, false, true)

	_, err := r.Resolve(context.Background(), Request{PortalID: portal.ID, ChannelID: "101"})
	assert.ErrorIs(t, err, ErrNoStream)
}

func TestResolver_FallbackToOtherPortal(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()

	home := f.addPortal(t, "home", 1, "00:1A:79:00:00:01")
	backup := f.addPortal(t, "backup", 1, "00:1A:79:BB:BB:01")

	// The channel is cached on the home portal under its display name, and
	// the backup portal registers a stand-in for that name.
	require.NoError(t, f.db.Create(&models.Channel{
		PortalID: home.ID, ExtID: "101", Name: "News One",
	}).Error)
	require.NoError(t, f.db.Create(&models.Channel{
		PortalID: backup.ID, ExtID: "555", Name: "News 1 HD", FallbackName: "News One",
	}).Error)

	client := &fakePortalClient{
		failHandshake: map[string]bool{"00:1A:79:00:00:01": true},
		channels:      []stalker.Channel{{ID: "555", Name: "News 1 HD", Cmd: "cmd-555"}},
		link:          "http://backup-upstream/live.ts",
	}
	r := f.resolver(client, &fakeProber{}, false, true)

	res, err := r.Resolve(ctx, Request{
		PortalID:      home.ID,
		ChannelID:     "101",
		AllowFallback: true,
	})
	require.NoError(t, err)
	assert.True(t, res.ViaFallback)
	assert.Equal(t, "http://backup-upstream/live.ts", res.Link)
	assert.Equal(t, backup.ID, res.Portal.ID)
	assert.Equal(t, "00:1A:79:BB:BB:01", res.MAC)
	// The session is reported under the name the client asked for.
	assert.Equal(t, "News One", res.ChannelName)

	assert.Equal(t, 1, f.occ.Len())
}

func TestResolver_NoFallbackWhenDisallowed(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()

	home := f.addPortal(t, "home", 1, "00:1A:79:00:00:01")
	backup := f.addPortal(t, "backup", 1, "00:1A:79:BB:BB:01")

	require.NoError(t, f.db.Create(&models.Channel{
		PortalID: home.ID, ExtID: "101", Name: "News One",
	}).Error)
	require.NoError(t, f.db.Create(&models.Channel{
		PortalID: backup.ID, ExtID: "555", Name: "News 1 HD", FallbackName: "News One",
	}).Error)

	client := &fakePortalClient{
		failHandshake: map[string]bool{"00:1A:79:00:00:01": true},
		channels:      []stalker.Channel{{ID: "555", Name: "News 1 HD", Cmd: "cmd-555"}},
		link:          "http://backup-upstream/live.ts",
	}
	r := f.resolver(client, &fakeProber{}, false, true)

	_, err := r.Resolve(ctx, Request{PortalID: home.ID, ChannelID: "101"})
	assert.ErrorIs(t, err, ErrAllMACsFailed)
	// The backup portal's MAC was never touched.
	assert.NotContains(t, client.calls, "handshake:00:1A:79:BB:BB:01")
}
