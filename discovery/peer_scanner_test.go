package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"possync/models"
)

// fakeBrowser serves a fixed list of entries per call, indexed from 1.
func fakeBrowser(calls *atomic.Int32, entriesFor func(call int32) []*zeroconf.ServiceEntry) browseFunc {
	return func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
		call := calls.Add(1)
		for _, entry := range entriesFor(call) {
			entries <- entry
		}
		<-ctx.Done()
		return nil
	}
}

func TestScannerDropsSelfAndRefreshRescans(t *testing.T) {
	var calls atomic.Int32
	scanner, err := StartListening(Config{
		SelfTerminalID:  "self-terminal",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: fakeBrowser(&calls, func(call int32) []*zeroconf.ServiceEntry {
			out := []*zeroconf.ServiceEntry{
				testServiceEntry("self-terminal", "Self", models.RoleSatellite, 9999, "10.0.0.1"),
				testServiceEntry("master-1", "Back Office", models.RoleMaster, 9998, "10.0.0.2"),
			}
			if call >= 2 {
				out = append(out, testServiceEntry("sat-2", "Annex", models.RoleSatellite, 9997, "10.0.0.3"))
			}
			return out
		}),
	}, nil)
	if err != nil {
		t.Fatalf("StartListening failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool { return scanner.Scans() >= 1 })
	if peers := scanner.LastScan(); len(peers) != 1 || peers[0].TerminalID != "master-1" {
		t.Fatalf("unexpected first scan: %+v", peers)
	}

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	peers := scanner.LastScan()
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers after refresh, got %+v", peers)
	}
	// Sorted by display name.
	if peers[0].TerminalID != "sat-2" || peers[1].TerminalID != "master-1" {
		t.Fatalf("unexpected order: %s, %s", peers[0].TerminalID, peers[1].TerminalID)
	}
}

func TestScannerReportsRepeatSightings(t *testing.T) {
	var (
		calls atomic.Int32
		mu    sync.Mutex
		found []DiscoveredPeer
	)
	scanner, err := StartListening(Config{
		SelfTerminalID:  "self-terminal",
		RefreshInterval: 20 * time.Millisecond,
		ScanTimeout:     10 * time.Millisecond,
		browseFn: fakeBrowser(&calls, func(int32) []*zeroconf.ServiceEntry {
			return []*zeroconf.ServiceEntry{testServiceEntry("master-1", "Back Office", models.RoleMaster, 9998, "10.0.0.2")}
		}),
	}, func(peer DiscoveredPeer) {
		mu.Lock()
		defer mu.Unlock()
		found = append(found, peer)
	})
	if err != nil {
		t.Fatalf("StartListening failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(found) >= 2
	})

	mu.Lock()
	defer mu.Unlock()
	if found[0].Address() != "10.0.0.2:9998" {
		t.Fatalf("unexpected address %q", found[0].Address())
	}
	if found[1].LastSeen.Before(found[0].LastSeen) {
		t.Fatalf("last seen went backwards")
	}
}

func TestScannerIgnoresOtherStores(t *testing.T) {
	var calls atomic.Int32
	uptown := testServiceEntry("master-uptown", "Uptown", models.RoleMaster, 9998, "10.0.0.2")
	uptown.Text = append(uptown.Text, "store=uptown")
	downtown := testServiceEntry("master-downtown", "Downtown", models.RoleMaster, 9997, "10.0.0.3")
	downtown.Text = append(downtown.Text, "store=downtown")

	scanner, err := StartListening(Config{
		SelfTerminalID:  "self-terminal",
		StoreName:       "downtown",
		RefreshInterval: time.Hour,
		ScanTimeout:     25 * time.Millisecond,
		browseFn: fakeBrowser(&calls, func(int32) []*zeroconf.ServiceEntry {
			return []*zeroconf.ServiceEntry{uptown, downtown}
		}),
	}, nil)
	if err != nil {
		t.Fatalf("StartListening failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool { return scanner.Scans() >= 1 })
	peers := scanner.LastScan()
	if len(peers) != 1 || peers[0].TerminalID != "master-downtown" || peers[0].StoreName != "downtown" {
		t.Fatalf("unexpected peers: %+v", peers)
	}
}

func TestScannerLastScanDropsVanishedPeers(t *testing.T) {
	var calls atomic.Int32
	scanner, err := StartListening(Config{
		SelfTerminalID:  "self-terminal",
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		browseFn: fakeBrowser(&calls, func(call int32) []*zeroconf.ServiceEntry {
			annex := testServiceEntry("master-2", "Annex", models.RoleMaster, 9997, "10.0.0.3")
			if call == 1 {
				return []*zeroconf.ServiceEntry{testServiceEntry("master-1", "Back Office", models.RoleMaster, 9998, "10.0.0.2"), annex}
			}
			return []*zeroconf.ServiceEntry{annex}
		}),
	}, nil)
	if err != nil {
		t.Fatalf("StartListening failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, 2*time.Second, func() bool {
		peers := scanner.LastScan()
		return scanner.Scans() >= 2 && len(peers) == 1 && peers[0].TerminalID == "master-2"
	})
}

func TestScannerToleratesDeadlineErrorFromBrowse(t *testing.T) {
	scanner, err := StartListening(Config{
		SelfTerminalID:  "self-terminal",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("master-1", "Back Office", models.RoleMaster, 9998, "10.0.0.2")
			<-ctx.Done()
			return ctx.Err()
		},
	}, nil)
	if err != nil {
		t.Fatalf("StartListening failed: %v", err)
	}
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if peers := scanner.LastScan(); len(peers) != 1 || peers[0].TerminalID != "master-1" {
		t.Fatalf("unexpected peers: %+v", peers)
	}
}

func TestScannerSurfacesBrowseFailure(t *testing.T) {
	failure := errors.New("no multicast interface")
	var calls atomic.Int32
	scanner, err := StartListening(Config{
		SelfTerminalID:  "self-terminal",
		RefreshInterval: time.Hour,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			calls.Add(1)
			return failure
		},
	}, nil)
	if err != nil {
		t.Fatalf("StartListening failed: %v", err)
	}
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); !errors.Is(err, failure) {
		t.Fatalf("expected browse failure, got %v", err)
	}
	if scanner.Scans() != 0 {
		t.Fatalf("failed scans must not count")
	}
}

func TestRefreshAfterStop(t *testing.T) {
	var calls atomic.Int32
	scanner, err := StartListening(Config{
		SelfTerminalID: "self-terminal",
		ScanTimeout:    10 * time.Millisecond,
		browseFn: fakeBrowser(&calls, func(int32) []*zeroconf.ServiceEntry {
			return nil
		}),
	}, nil)
	if err != nil {
		t.Fatalf("StartListening failed: %v", err)
	}
	scanner.Stop()
	scanner.Stop()

	if err := scanner.Refresh(context.Background()); !errors.Is(err, ErrScannerStopped) {
		t.Fatalf("expected ErrScannerStopped, got %v", err)
	}
}

func TestPeerFromEntryRejectsUnknownRole(t *testing.T) {
	entry := testServiceEntry("master-1", "Back Office", models.Role("leader"), 9998, "10.0.0.2")
	if _, ok := peerFromEntry(entry, Config{SelfTerminalID: "self"}.withDefaults()); ok {
		t.Fatalf("expected entry with unknown role to be dropped")
	}
}

func testServiceEntry(terminalID, instance string, role models.Role, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"terminal_id=" + terminalID,
			"display_name=" + instance,
			"role=" + string(role),
			"version=1",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}
