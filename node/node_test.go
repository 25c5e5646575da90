package node

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/config"
	"possync/discovery"
	"possync/models"
	"possync/network"
	"possync/role"
	"possync/storage"
)

const testSecret = "correct horse battery"

type fakeAnnouncer struct {
	cfg     discovery.Config
	stopped atomic.Bool
}

func (f *fakeAnnouncer) Stop() { f.stopped.Store(true) }

type fakeScanner struct {
	cfg       discovery.Config
	onFound   discovery.PeerFoundFunc
	refreshes atomic.Int32
	stopped   atomic.Bool
}

func (f *fakeScanner) Refresh(context.Context) error {
	f.refreshes.Add(1)
	return nil
}

func (f *fakeScanner) Stop() { f.stopped.Store(true) }

type fakeDiscovery struct {
	mu         sync.Mutex
	announcers []*fakeAnnouncer
	scanners   []*fakeScanner
}

func (d *fakeDiscovery) announce(cfg discovery.Config) (Announcer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := &fakeAnnouncer{cfg: cfg}
	d.announcers = append(d.announcers, a)
	return a, nil
}

func (d *fakeDiscovery) listen(cfg discovery.Config, onFound discovery.PeerFoundFunc) (Scanner, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &fakeScanner{cfg: cfg, onFound: onFound}
	d.scanners = append(d.scanners, s)
	return s, nil
}

func (d *fakeDiscovery) lastAnnouncer() *fakeAnnouncer {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.announcers) == 0 {
		return nil
	}
	return d.announcers[len(d.announcers)-1]
}

func (d *fakeDiscovery) lastScanner() *fakeScanner {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.scanners) == 0 {
		return nil
	}
	return d.scanners[len(d.scanners)-1]
}

type testNode struct {
	*Node
	disco      *fakeDiscovery
	configPath string
}

func newTestNode(t *testing.T, terminalID string) *testNode {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tunables := config.DefaultTunables()
	tunables.HeartbeatInterval = 100 * time.Millisecond
	tunables.BackoffMin = 20 * time.Millisecond
	tunables.BackoffMax = 200 * time.Millisecond
	tunables.EvictionInterval = time.Hour

	cfg := &config.TerminalConfig{
		TerminalID:  terminalID,
		DisplayName: terminalID,
		Role:        models.RoleStandalone,
		StoreName:   config.DefaultStoreName,
		Network:     config.NetworkConfig{ListenPort: config.DefaultListenPort},
	}
	disco := &fakeDiscovery{}
	configPath := filepath.Join(t.TempDir(), "config.json")

	n, err := New(Options{
		Config:     cfg,
		ConfigPath: configPath,
		Store:      store,
		Tunables:   tunables,
		Announce:   disco.announce,
		Listen:     disco.listen,
	})
	require.NoError(t, err)
	t.Cleanup(n.Stop)

	return &testNode{Node: n, disco: disco, configPath: configPath}
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return uint16(port)
}

func startMasterNode(t *testing.T, port uint16) *testNode {
	t.Helper()
	master := newTestNode(t, "master-1")
	require.NoError(t, master.SetNetworkConfig(role.Settings{
		Role:         models.RoleMaster,
		TerminalName: "Back Office",
		SharedSecret: testSecret,
		ListenPort:   port,
	}))
	require.NoError(t, master.Start(context.Background()))
	return master
}

func waitConnected(t *testing.T, n *testNode, masterID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		status := n.GetStatus()
		return status.ConnectedToMaster && status.CurrentMasterID == masterID
	}, 5*time.Second, 10*time.Millisecond)
}

func waitForNotification(t *testing.T, ch <-chan Notification, match func(Notification) bool) Notification {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case note := <-ch:
			if match(note) {
				return note
			}
		case <-deadline:
			t.Fatal("timed out waiting for notification")
			return Notification{}
		}
	}
}

func TestStandaloneRunsWithoutNetwork(t *testing.T) {
	n := newTestNode(t, "till-1")
	ctx := context.Background()

	require.NoError(t, n.Start(ctx))
	require.NoError(t, n.Start(ctx))

	status := n.GetStatus()
	assert.True(t, status.IsRunning)
	assert.Equal(t, models.RoleStandalone, status.Mode)
	assert.Empty(t, status.LocalAddress)
	assert.Nil(t, n.disco.lastAnnouncer())
	assert.Nil(t, n.disco.lastScanner())

	_, err := n.Publish(models.KindSaleCompleted, models.Sale{SaleID: "s-1", TotalCents: 300})
	require.NoError(t, err)
	stats, err := n.GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.Backlog)

	require.ErrorIs(t, n.AddPeer("127.0.0.1:3847"), ErrNotSatellite)
	require.NoError(t, n.RefreshDiscovery(ctx))

	n.Stop()
	n.Stop()
	assert.False(t, n.GetStatus().IsRunning)
	_, err = n.Publish(models.KindSaleCompleted, models.Sale{SaleID: "s-2"})
	require.ErrorIs(t, err, ErrNotRunning)
	require.ErrorIs(t, n.RefreshDiscovery(ctx), ErrNotRunning)
	require.ErrorIs(t, n.AddPeer("127.0.0.1:3847"), ErrNotRunning)
}

func TestMasterAndSatelliteReplicateThroughNode(t *testing.T) {
	port := freePort(t)
	master := startMasterNode(t, port)

	announcer := master.disco.lastAnnouncer()
	require.NotNil(t, announcer)
	assert.Equal(t, int(port), announcer.cfg.ListeningPort)
	assert.Equal(t, models.RoleMaster, announcer.cfg.Role)
	require.NotNil(t, master.disco.lastScanner(), "masters watch for other masters")

	till := newTestNode(t, "till-1")
	require.NoError(t, till.SetNetworkConfig(role.Settings{
		Role:          models.RoleSatellite,
		SharedSecret:  testSecret,
		MasterAddress: fmt.Sprintf("127.0.0.1:%d", port),
	}))
	require.NoError(t, till.Start(context.Background()))
	assert.Nil(t, till.disco.lastScanner(), "a configured master address skips discovery")

	waitConnected(t, till, "master-1")
	waitForNotification(t, till.Notifications(), func(note Notification) bool {
		return note.Type == NotifySessionState && note.State == models.StateConnected
	})

	_, err := till.Publish(models.KindSaleCompleted, models.Sale{SaleID: "sale-42", TotalCents: 990})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := master.store.GetSale("sale-42")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		stats, err := till.GetStats()
		return err == nil && stats.Backlog == 0 && stats.EventsSent >= 1
	}, 5*time.Second, 10*time.Millisecond)

	stats, err := till.GetStats()
	require.NoError(t, err)
	assert.NotZero(t, stats.BytesSent)
	assert.NotZero(t, stats.BytesReceived)
	assert.False(t, stats.LastSyncAt.IsZero())

	var peerIDs []string
	for _, peer := range master.ListPeers() {
		peerIDs = append(peerIDs, peer.TerminalID)
	}
	assert.Contains(t, peerIDs, "till-1")
}

func TestSetNetworkConfigRestoresPreviousRuntime(t *testing.T) {
	port := freePort(t)
	master := startMasterNode(t, port)

	blocker, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = blocker.Close() })
	busy := uint16(blocker.Addr().(*net.TCPAddr).Port)

	err = master.SetNetworkConfig(role.Settings{Role: models.RoleMaster, ListenPort: busy})
	require.ErrorIs(t, err, role.ErrPortInUse)

	status := master.GetStatus()
	assert.True(t, status.IsRunning)
	assert.Equal(t, models.RoleMaster, status.Mode)
	assert.True(t, strings.HasSuffix(status.LocalAddress, fmt.Sprintf(":%d", port)), status.LocalAddress)
	assert.NotEmpty(t, status.LastError)
	assert.Equal(t, port, master.GetNetworkConfig().ListenPort)
}

func TestInvalidSettingsLeaveRuntimeUntouched(t *testing.T) {
	till := newTestNode(t, "till-1")
	require.NoError(t, till.SetNetworkConfig(role.Settings{
		Role:          models.RoleSatellite,
		SharedSecret:  testSecret,
		MasterAddress: fmt.Sprintf("127.0.0.1:%d", freePort(t)),
	}))
	require.NoError(t, till.Start(context.Background()))

	before := till.rt

	err := till.SetNetworkConfig(role.Settings{Role: models.RoleSatellite})
	require.ErrorIs(t, err, role.ErrMissingMasterAddress)

	err = till.SetNetworkConfig(role.Settings{Role: models.RoleSatellite, AutoDiscovery: true, SharedSecret: "short"})
	require.ErrorIs(t, err, role.ErrInvalidSecretLength)

	err = till.SetNetworkConfig(role.Settings{Role: "cashier"})
	require.ErrorIs(t, err, role.ErrInvalidRole)

	assert.Same(t, before, till.rt)
}

func TestRoleChangeTearsDownSessions(t *testing.T) {
	port := freePort(t)
	master := startMasterNode(t, port)

	till := newTestNode(t, "till-1")
	require.NoError(t, till.SetNetworkConfig(role.Settings{
		Role:          models.RoleSatellite,
		SharedSecret:  testSecret,
		MasterAddress: fmt.Sprintf("127.0.0.1:%d", port),
	}))
	require.NoError(t, till.Start(context.Background()))
	waitConnected(t, till, "master-1")

	require.NoError(t, till.SetNetworkConfig(role.Settings{Role: models.RoleMaster, ListenPort: freePort(t)}))

	require.Eventually(t, func() bool {
		_, ok := master.rt.sup.Session("till-1")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	status := till.GetStatus()
	assert.Equal(t, models.RoleMaster, status.Mode)
	assert.False(t, status.ConnectedToMaster)
	assert.Empty(t, till.rt.sup.Peers(), "a master never dials")
	assert.Empty(t, till.GetNetworkConfig().MasterAddress)

	loaded, err := config.Load(till.configPath)
	require.NoError(t, err)
	assert.Equal(t, models.RoleMaster, loaded.Role)
}

func TestSatelliteDiscoveryFeedsRegistryAndSupervisor(t *testing.T) {
	port := freePort(t)
	startMasterNode(t, port)

	till := newTestNode(t, "till-1")
	require.NoError(t, till.SetNetworkConfig(role.Settings{
		Role:          models.RoleSatellite,
		SharedSecret:  testSecret,
		AutoDiscovery: true,
	}))
	require.NoError(t, till.Start(context.Background()))

	scanner := till.disco.lastScanner()
	require.NotNil(t, scanner)
	assert.Equal(t, "till-1", scanner.cfg.SelfTerminalID)

	scanner.onFound(discovery.DiscoveredPeer{
		TerminalID:  "master-1",
		DisplayName: "Back Office",
		Role:        models.RoleMaster,
		Port:        int(port),
		Addresses:   []string{"127.0.0.1"},
		LastSeen:    time.Now(),
	})
	waitConnected(t, till, "master-1")

	peers := till.ListPeers()
	require.Len(t, peers, 1)
	assert.Equal(t, "master-1", peers[0].TerminalID)
	assert.Equal(t, models.PeerSourceDiscovered, peers[0].Source)

	require.NoError(t, till.RefreshDiscovery(context.Background()))
	assert.EqualValues(t, 1, scanner.refreshes.Load())
}

func TestAddPeerDialsManualMaster(t *testing.T) {
	port := freePort(t)
	startMasterNode(t, port)

	till := newTestNode(t, "till-1")
	require.NoError(t, till.SetNetworkConfig(role.Settings{
		Role:          models.RoleSatellite,
		SharedSecret:  testSecret,
		AutoDiscovery: true,
	}))
	require.NoError(t, till.Start(context.Background()))

	require.ErrorIs(t, till.AddPeer("not-an-address"), role.ErrInvalidMasterAddress)
	require.NoError(t, till.AddPeer(fmt.Sprintf("127.0.0.1:%d", port)))
	waitConnected(t, till, "master-1")
}

func TestMasterAlertsOnSecondMaster(t *testing.T) {
	master := startMasterNode(t, freePort(t))
	scanner := master.disco.lastScanner()
	require.NotNil(t, scanner)

	other := discovery.DiscoveredPeer{
		TerminalID:  "master-2",
		DisplayName: "Upstairs",
		Role:        models.RoleMaster,
		Port:        3847,
		Addresses:   []string{"10.0.0.9"},
	}
	scanner.onFound(other)
	scanner.onFound(other)
	scanner.onFound(discovery.DiscoveredPeer{TerminalID: "sat-9", Role: models.RoleSatellite, Port: 1, Addresses: []string{"10.0.0.10"}})

	alerts := master.GetStatus().Alerts
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0], "master-2")

	note := waitForNotification(t, master.Notifications(), func(note Notification) bool {
		return note.Type == NotifyNetworkError && note.TerminalID == "master-2"
	})
	assert.Contains(t, note.Message, "10.0.0.9:3847")
}

func TestGetNetworkConfigHidesSecret(t *testing.T) {
	n := newTestNode(t, "till-1")
	assert.False(t, n.GetNetworkConfig().HasSecret)

	require.NoError(t, n.SetNetworkConfig(role.Settings{
		Role:          models.RoleSatellite,
		TerminalName:  "Front Till",
		SharedSecret:  testSecret,
		AutoDiscovery: true,
		StoreName:     "downtown",
	}))

	cfg := n.GetNetworkConfig()
	assert.True(t, cfg.HasSecret)
	assert.NotEmpty(t, cfg.KeyFingerprint)
	assert.Equal(t, "Front Till", cfg.TerminalName)
	assert.Equal(t, "downtown", cfg.StoreName)
	assert.True(t, cfg.AutoDiscovery)

	loaded, err := config.Load(n.configPath)
	require.NoError(t, err)
	assert.NotContains(t, string(loaded.Network.SharedSecretHash), testSecret)
	assert.Equal(t, models.RoleSatellite, loaded.Role)
}

func startSatelliteNode(t *testing.T, masterPort uint16) *testNode {
	t.Helper()
	till := newTestNode(t, "till-1")
	require.NoError(t, till.SetNetworkConfig(role.Settings{
		Role:          models.RoleSatellite,
		SharedSecret:  testSecret,
		MasterAddress: fmt.Sprintf("127.0.0.1:%d", masterPort),
	}))
	require.NoError(t, till.Start(context.Background()))
	waitConnected(t, till, "master-1")
	return till
}

func TestForceSyncWakesSessions(t *testing.T) {
	idle := newTestNode(t, "till-0")
	_, err := idle.ForceSync()
	require.ErrorIs(t, err, ErrNotRunning)

	port := freePort(t)
	master := startMasterNode(t, port)
	till := startSatelliteNode(t, port)

	woken, err := till.ForceSync()
	require.NoError(t, err)
	assert.Equal(t, 1, woken)

	_, err = master.Publish(models.KindStockAdjusted, models.StockAdjustment{ProductID: "oats", Delta: 4})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		level, err := till.store.StockLevel("oats")
		return err == nil && level == 4
	}, 5*time.Second, 10*time.Millisecond)

	stats, err := till.GetStats()
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.LogIndex)
}

func TestRemovePeerForgetsMaster(t *testing.T) {
	port := freePort(t)
	startMasterNode(t, port)
	till := startSatelliteNode(t, port)

	removed, err := till.RemovePeer("master-9")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = till.RemovePeer("master-1")
	require.NoError(t, err)
	assert.True(t, removed)

	require.Eventually(t, func() bool {
		return !till.GetStatus().ConnectedToMaster
	}, 5*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool {
		return till.GetStatus().ConnectedToMaster
	}, 300*time.Millisecond, 10*time.Millisecond)
	for _, peer := range till.ListPeers() {
		assert.NotEqual(t, "master-1", peer.TerminalID)
	}

	require.NoError(t, till.AddPeer(fmt.Sprintf("127.0.0.1:%d", port)))
	waitConnected(t, till, "master-1")
}

func TestDisconnectFromMasterHoldsUntilAddPeer(t *testing.T) {
	standalone := newTestNode(t, "till-0")
	require.NoError(t, standalone.Start(context.Background()))
	require.ErrorIs(t, standalone.DisconnectFromMaster(), ErrNotSatellite)

	port := freePort(t)
	startMasterNode(t, port)
	till := startSatelliteNode(t, port)

	require.NoError(t, till.DisconnectFromMaster())
	require.Eventually(t, func() bool {
		return !till.GetStatus().ConnectedToMaster
	}, 5*time.Second, 10*time.Millisecond)

	// Publishing while held only queues.
	_, err := till.Publish(models.KindSaleCompleted, models.Sale{SaleID: "sale-held", TotalCents: 100})
	require.NoError(t, err)
	assert.Never(t, func() bool {
		return till.GetStatus().ConnectedToMaster
	}, 300*time.Millisecond, 10*time.Millisecond)
	stats, err := till.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Backlog)

	require.NoError(t, till.AddPeer(fmt.Sprintf("127.0.0.1:%d", port)))
	waitConnected(t, till, "master-1")
	require.Eventually(t, func() bool {
		stats, err := till.GetStats()
		return err == nil && stats.Backlog == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMasterConnectionCheck(t *testing.T) {
	port := freePort(t)
	startMasterNode(t, port)
	address := fmt.Sprintf("127.0.0.1:%d", port)

	till := newTestNode(t, "till-1")
	ctx := context.Background()

	_, err := till.TestMasterConnection(ctx, address, "")
	require.ErrorIs(t, err, role.ErrMissingSecret)

	_, err = till.TestMasterConnection(ctx, "no-port", testSecret)
	require.ErrorIs(t, err, role.ErrInvalidMasterAddress)

	_, err = till.TestMasterConnection(ctx, address, "wrong horse battery")
	require.ErrorIs(t, err, network.ErrAuthRejected)

	check, err := till.TestMasterConnection(ctx, address, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "master-1", check.TerminalID)
	assert.Equal(t, "Back Office", check.DisplayName)
	assert.Equal(t, address, check.Address)
	assert.Positive(t, check.Latency)
	assert.False(t, till.GetStatus().IsRunning)
}
