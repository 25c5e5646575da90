package supervisor

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/crypto"
	"possync/models"
	"possync/network"
	"possync/registry"
)

type recordingHandler struct {
	mu       sync.Mutex
	ups      []string
	downs    []error
	messages []string
}

func (h *recordingHandler) SessionUp(session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ups = append(h.ups, session.PeerID())
}

func (h *recordingHandler) SessionDown(session *Session, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.downs = append(h.downs, err)
}

func (h *recordingHandler) HandleMessage(session *Session, msgType string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msgType)
}

func (h *recordingHandler) upCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ups)
}

func (h *recordingHandler) downErrors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.downs...)
}

func testKey(t *testing.T, secret string) []byte {
	t.Helper()
	key, err := crypto.HashSecret(secret)
	require.NoError(t, err)
	return key
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New(registry.Options{EvictionInterval: time.Hour})
	r.Start()
	t.Cleanup(r.Stop)
	return r
}

type testNode struct {
	sup      *Supervisor
	registry *registry.Registry
	handler  *recordingHandler
}

func startTestMaster(t *testing.T, listener net.Listener, key []byte, tweak func(*Options)) *testNode {
	t.Helper()

	node := &testNode{registry: newTestRegistry(t), handler: &recordingHandler{}}
	options := Options{
		Identity:          models.TerminalIdentity{TerminalID: "master-1", DisplayName: "Back Office", Role: models.RoleMaster},
		NetworkKey:        key,
		Registry:          node.registry,
		Handler:           node.handler,
		HeartbeatInterval: 50 * time.Millisecond,
		FrameReadTimeout:  40 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&options)
	}

	sup, err := New(options)
	require.NoError(t, err)
	require.NoError(t, sup.Start(listener))
	t.Cleanup(sup.Stop)
	node.sup = sup
	return node
}

func startTestSatellite(t *testing.T, key []byte, tweak func(*Options)) *testNode {
	t.Helper()

	node := &testNode{registry: newTestRegistry(t), handler: &recordingHandler{}}
	options := Options{
		Identity:          models.TerminalIdentity{TerminalID: "sat-1", DisplayName: "Till 1", Role: models.RoleSatellite},
		NetworkKey:        key,
		Registry:          node.registry,
		Handler:           node.handler,
		HeartbeatInterval: 50 * time.Millisecond,
		FrameReadTimeout:  40 * time.Millisecond,
		BackoffMin:        20 * time.Millisecond,
		BackoffMax:        100 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&options)
	}

	sup, err := New(options)
	require.NoError(t, err)
	require.NoError(t, sup.Start(nil))
	t.Cleanup(sup.Stop)
	node.sup = sup
	return node
}

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return listener
}

func TestReconnectBackoffDoublesUpToCap(t *testing.T) {
	b := newReconnectBackoff(time.Second, 30*time.Second)

	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	var previous time.Duration
	for i, want := range expected {
		got := b.NextBackOff()
		assert.Equal(t, want, got, "attempt %d", i+1)
		assert.GreaterOrEqual(t, got, previous)
		previous = got
	}

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestSatelliteConnectsToConfiguredMaster(t *testing.T) {
	key := testKey(t, "correct horse battery")
	listener := listenLoopback(t)
	master := startTestMaster(t, listener, key, nil)
	satellite := startTestSatellite(t, key, func(o *Options) {
		o.MasterAddress = listener.Addr().String()
	})

	require.Eventually(t, func() bool {
		_, ok := satellite.sup.Session("master-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := master.sup.Session("sat-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	peer, ok := satellite.registry.Get("master-1")
	require.True(t, ok)
	assert.Equal(t, models.StateConnected, peer.ConnectionState)
	assert.Equal(t, models.PeerSourceManual, peer.Source)

	peer, ok = master.registry.Get("sat-1")
	require.True(t, ok)
	assert.Equal(t, models.PeerSourceInbound, peer.Source)

	statuses := satellite.sup.Peers()
	require.Len(t, statuses, 1)
	assert.Equal(t, "master-1", statuses[0].TerminalID)
	assert.Equal(t, 1, statuses[0].Attempts)
	assert.Equal(t, 1, satellite.handler.upCount())
}

func TestSilentMasterDegradesThenDisconnects(t *testing.T) {
	key := testKey(t, "correct horse battery")
	silent := false
	listener := listenLoopback(t)
	startTestMaster(t, listener, key, func(o *Options) {
		o.SendHeartbeats = &silent
	})
	satellite := startTestSatellite(t, key, func(o *Options) {
		o.MasterAddress = listener.Addr().String()
		o.DegradedAfter = 150 * time.Millisecond
		o.DisconnectAfter = 300 * time.Millisecond
		o.BackoffMin = time.Hour
		o.BackoffMax = time.Hour
	})

	var seen []models.ConnectionState
	deadline := time.After(3 * time.Second)
	for {
		select {
		case change := <-satellite.sup.Events():
			if change.TerminalID != "master-1" {
				continue
			}
			seen = append(seen, change.To)
			if change.To == models.StateDisconnected && len(seen) > 1 {
				assert.ErrorIs(t, change.Err, ErrPeerSilent)
				assert.Contains(t, seen, models.StateConnected)
				assert.Contains(t, seen, models.StateDegraded)

				downs := satellite.handler.downErrors()
				require.Len(t, downs, 1)
				assert.True(t, errors.Is(downs[0], ErrPeerSilent))

				_, ok := satellite.registry.Get("master-1")
				assert.False(t, ok, "silent master should be marked lost")
				return
			}
		case <-deadline:
			t.Fatalf("timed out; states seen: %v", seen)
		}
	}
}

func TestAuthRejectionIsNotRetried(t *testing.T) {
	listener := listenLoopback(t)
	startTestMaster(t, listener, testKey(t, "correct horse battery"), nil)
	satellite := startTestSatellite(t, testKey(t, "wrong horse battery"), func(o *Options) {
		o.MasterAddress = listener.Addr().String()
		o.BackoffMin = 10 * time.Millisecond
		o.BackoffMax = 10 * time.Millisecond
	})

	require.Eventually(t, func() bool {
		statuses := satellite.sup.Peers()
		return len(statuses) == 1 && statuses[0].LastError != ""
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)

	statuses := satellite.sup.Peers()
	require.Len(t, statuses, 1)
	assert.Equal(t, 1, statuses[0].Attempts)
	assert.Equal(t, models.StateDisconnected, statuses[0].State)
	assert.Contains(t, statuses[0].LastError, network.ErrAuthRejected.Error())
	assert.Empty(t, satellite.sup.Sessions())
}

func TestSatelliteReconnectsAfterMasterRestart(t *testing.T) {
	key := testKey(t, "correct horse battery")
	listener := listenLoopback(t)
	address := listener.Addr().String()
	first := startTestMaster(t, listener, key, nil)
	satellite := startTestSatellite(t, key, func(o *Options) {
		o.MasterAddress = address
	})

	require.Eventually(t, func() bool {
		_, ok := satellite.sup.Session("master-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	first.sup.Stop()
	require.Eventually(t, func() bool {
		_, ok := satellite.sup.Session("master-1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	relisten, err := net.Listen("tcp", address)
	require.NoError(t, err)
	startTestMaster(t, relisten, key, nil)

	require.Eventually(t, func() bool {
		_, ok := satellite.sup.Session("master-1")
		return ok
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, satellite.handler.upCount())
}

func TestDiscoveredMasterOffers(t *testing.T) {
	key := testKey(t, "correct horse battery")
	listener := listenLoopback(t)
	startTestMaster(t, listener, key, nil)
	satellite := startTestSatellite(t, key, nil)

	assert.False(t, satellite.sup.OfferMaster("sat-1", "Self", "127.0.0.1:1"), "self offers are ignored")
	assert.True(t, satellite.sup.OfferMaster("master-1", "Back Office", listener.Addr().String()))

	require.Eventually(t, func() bool {
		_, ok := satellite.sup.Session("master-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, satellite.sup.OfferMaster("master-1", "Back Office", listener.Addr().String()), "live sessions ignore offers")

	peer, ok := satellite.registry.Get("master-1")
	require.True(t, ok)
	assert.Equal(t, models.PeerSourceDiscovered, peer.Source)
}

func TestAddMasterDialsManualAddress(t *testing.T) {
	key := testKey(t, "correct horse battery")
	listener := listenLoopback(t)
	startTestMaster(t, listener, key, nil)
	satellite := startTestSatellite(t, key, nil)

	assert.False(t, satellite.sup.AddMaster(""))
	assert.True(t, satellite.sup.AddMaster(listener.Addr().String()))

	require.Eventually(t, func() bool {
		_, ok := satellite.sup.Session("master-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	peer, ok := satellite.registry.Get("master-1")
	require.True(t, ok)
	assert.Equal(t, models.PeerSourceManual, peer.Source)
}

func TestMasterModeNeverDials(t *testing.T) {
	key := testKey(t, "correct horse battery")
	master := startTestMaster(t, listenLoopback(t), key, nil)

	assert.False(t, master.sup.OfferMaster("master-2", "Other", "127.0.0.1:3847"))
	assert.Empty(t, master.sup.Peers())
}

func TestNewRejectsStandaloneAndMasterWithoutListener(t *testing.T) {
	_, err := New(Options{
		Identity: models.TerminalIdentity{TerminalID: "t1", Role: models.RoleStandalone},
		Registry: registry.New(registry.Options{}),
		Handler:  &recordingHandler{},
	})
	require.ErrorIs(t, err, ErrUnsupportedRole)

	sup, err := New(Options{
		Identity:   models.TerminalIdentity{TerminalID: "t1", Role: models.RoleMaster},
		NetworkKey: testKey(t, "correct horse battery"),
		Registry:   registry.New(registry.Options{}),
		Handler:    &recordingHandler{},
	})
	require.NoError(t, err)
	require.ErrorIs(t, sup.Start(nil), ErrListenerRequired)
}

func TestNewlyDiscoveredMasterReplacesSession(t *testing.T) {
	key := testKey(t, "correct horse battery")
	first := startTestMaster(t, listenLoopback(t), key, nil)
	secondListener := listenLoopback(t)
	startTestMaster(t, secondListener, key, func(o *Options) {
		o.Identity = models.TerminalIdentity{TerminalID: "master-2", DisplayName: "Upstairs", Role: models.RoleMaster}
	})
	satellite := startTestSatellite(t, key, nil)

	require.True(t, satellite.sup.OfferMaster("master-1", "Back Office", first.sup.Addr().String()))
	require.Eventually(t, func() bool {
		_, ok := satellite.sup.Session("master-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, satellite.sup.OfferMaster("master-2", "Upstairs", secondListener.Addr().String()))
	require.Eventually(t, func() bool {
		_, ok := satellite.sup.Session("master-2")
		return ok
	}, 3*time.Second, 10*time.Millisecond)
	_, stillOld := satellite.sup.Session("master-1")
	assert.False(t, stillOld)
	assert.Len(t, satellite.sup.Sessions(), 1)
}

func TestMasterSeenBeforeSessionDoesNotReplaceIt(t *testing.T) {
	key := testKey(t, "correct horse battery")
	first := startTestMaster(t, listenLoopback(t), key, nil)
	secondListener := listenLoopback(t)
	startTestMaster(t, secondListener, key, func(o *Options) {
		o.Identity = models.TerminalIdentity{TerminalID: "master-2", DisplayName: "Upstairs", Role: models.RoleMaster}
	})
	satellite := startTestSatellite(t, key, nil)

	// master-2 is sighted first at an address nobody listens on.
	dead := listenLoopback(t)
	deadAddress := dead.Addr().String()
	require.NoError(t, dead.Close())
	require.True(t, satellite.sup.OfferMaster("master-2", "Upstairs", deadAddress))

	require.True(t, satellite.sup.OfferMaster("master-1", "Back Office", first.sup.Addr().String()))
	require.Eventually(t, func() bool {
		_, ok := satellite.sup.Session("master-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, satellite.sup.OfferMaster("master-2", "Upstairs", secondListener.Addr().String()))
	assert.Never(t, func() bool {
		_, ok := satellite.sup.Session("master-1")
		return !ok
	}, 200*time.Millisecond, 10*time.Millisecond)

	// Once the session ends the other Master can be dialed.
	first.sup.Stop()
	require.Eventually(t, func() bool {
		return len(satellite.sup.Sessions()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, satellite.sup.OfferMaster("master-2", "Upstairs", secondListener.Addr().String()))
	require.Eventually(t, func() bool {
		_, ok := satellite.sup.Session("master-2")
		return ok
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHoldKeepsSatelliteDisconnected(t *testing.T) {
	key := testKey(t, "correct horse battery")
	listener := listenLoopback(t)
	startTestMaster(t, listener, key, nil)
	satellite := startTestSatellite(t, key, nil)

	require.True(t, satellite.sup.AddMaster(listener.Addr().String()))
	require.Eventually(t, func() bool {
		_, ok := satellite.sup.Session("master-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, satellite.sup.Hold())
	require.Eventually(t, func() bool {
		return len(satellite.sup.Sessions()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, satellite.sup.OfferMaster("master-1", "Back Office", listener.Addr().String()))
	assert.Never(t, func() bool {
		return len(satellite.sup.Sessions()) > 0
	}, 300*time.Millisecond, 10*time.Millisecond)

	require.True(t, satellite.sup.AddMaster(listener.Addr().String()))
	assert.False(t, satellite.sup.Held())
	require.Eventually(t, func() bool {
		_, ok := satellite.sup.Session("master-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestForgetPeerDropsSessionAndTarget(t *testing.T) {
	key := testKey(t, "correct horse battery")
	listener := listenLoopback(t)
	startTestMaster(t, listener, key, nil)
	satellite := startTestSatellite(t, key, nil)

	before := time.Now()
	require.True(t, satellite.sup.OfferMaster("master-1", "Back Office", listener.Addr().String()))
	require.Eventually(t, func() bool {
		_, ok := satellite.sup.Session("master-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	peers := satellite.sup.Peers()
	require.Len(t, peers, 1)
	assert.False(t, peers[0].ConnectedAt.Before(before))
	assert.False(t, peers[0].ConnectedAt.After(time.Now()))

	assert.False(t, satellite.sup.ForgetPeer("master-9"))
	require.True(t, satellite.sup.ForgetPeer("master-1"))

	require.Eventually(t, func() bool {
		return len(satellite.sup.Sessions()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	_, ok := satellite.registry.Get("master-1")
	assert.False(t, ok)
	assert.Never(t, func() bool {
		return len(satellite.sup.Sessions()) > 0
	}, 300*time.Millisecond, 10*time.Millisecond)

	// Discovery can bring it back.
	assert.True(t, satellite.sup.OfferMaster("master-1", "Back Office", listener.Addr().String()))
	require.Eventually(t, func() bool {
		_, ok := satellite.sup.Session("master-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}
