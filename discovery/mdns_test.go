package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"possync/models"
)

func TestStartAnnouncingBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		SelfTerminalID: "terminal-123",
		DisplayName:    "Front Till",
		Role:           models.RoleMaster,
		StoreName:      "downtown",
		ListeningPort:  3847,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartAnnouncing(cfg)
	if err != nil {
		t.Fatalf("StartAnnouncing failed: %v", err)
	}
	defer broadcaster.Stop()

	if gotInstance != "Front Till" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 3847 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "terminal_id=terminal-123")
	assertContainsTXT(t, gotTXT, "display_name=Front Till")
	assertContainsTXT(t, gotTXT, "role=master")
	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "store=downtown")
}

func TestBroadcasterReannouncesPeriodically(t *testing.T) {
	cfg := Config{
		SelfTerminalID:   "terminal-123",
		DisplayName:      "Front Till",
		Role:             models.RoleMaster,
		ListeningPort:    3847,
		AnnounceInterval: 20 * time.Millisecond,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
	}

	broadcaster, err := StartAnnouncing(cfg)
	if err != nil {
		t.Fatalf("StartAnnouncing failed: %v", err)
	}
	defer broadcaster.Stop()

	waitForCondition(t, time.Second, func() bool {
		return broadcaster.Announces() >= 3
	})
}

func TestStartAnnouncingRequiresPort(t *testing.T) {
	_, err := StartAnnouncing(Config{
		SelfTerminalID: "terminal-123",
		DisplayName:    "Front Till",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			t.Fatalf("register should not be called")
			return nil, nil
		},
	})
	if err == nil {
		t.Fatalf("expected error for missing port")
	}
}

func TestScanForMastersReturnsOnlyMasters(t *testing.T) {
	cfg := Config{
		SelfTerminalID: "self",
		ScanTimeout:    30 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("master-1", "Back Office", models.RoleMaster, 3847, "10.0.0.2")
			entries <- testServiceEntry("sat-1", "Till 2", models.RoleSatellite, 3847, "10.0.0.3")
			<-ctx.Done()
			return nil
		},
	}

	masters, err := ScanForMasters(context.Background(), cfg)
	if err != nil {
		t.Fatalf("ScanForMasters failed: %v", err)
	}
	if len(masters) != 1 || masters[0].TerminalID != "master-1" {
		t.Fatalf("unexpected masters: %+v", masters)
	}
	if got := masters[0].Address(); got != "10.0.0.2:3847" {
		t.Fatalf("unexpected address %q", got)
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
