package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"

	"possync/logger"
	"possync/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_possync._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultStoreName is advertised when the terminal has no store configured.
	DefaultStoreName = "default"
	// DefaultAnnounceInterval is how often a Master re-announces itself.
	DefaultAnnounceInterval = 5 * time.Second
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 5 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
)

const (
	txtTerminalID  = "terminal_id"
	txtDisplayName = "display_name"
	txtRole        = "role"
	txtVersion     = "version"
	txtStore       = "store"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS announcer and scanner behavior.
type Config struct {
	Service          string
	Domain           string
	Version          int
	AnnounceInterval time.Duration
	RefreshInterval  time.Duration
	ScanTimeout      time.Duration

	SelfTerminalID string
	DisplayName    string
	Role           models.Role
	StoreName      string
	ListeningPort  int

	Logger *slog.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = DefaultAnnounceInterval
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if strings.TrimSpace(out.StoreName) == "" {
		out.StoreName = DefaultStoreName
	}
	if out.Logger == nil {
		out.Logger = logger.Discard()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAnnounce() error {
	if strings.TrimSpace(c.SelfTerminalID) == "" {
		return errors.New("self terminal ID is required")
	}
	if strings.TrimSpace(c.DisplayName) == "" {
		return errors.New("display name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfTerminalID) == "" {
		return errors.New("self terminal ID is required")
	}
	return nil
}

func (c Config) txtRecords() []string {
	return []string{
		txtTerminalID + "=" + c.SelfTerminalID,
		txtDisplayName + "=" + c.DisplayName,
		txtRole + "=" + string(c.Role),
		txtVersion + "=" + strconv.Itoa(c.Version),
		txtStore + "=" + c.StoreName,
	}
}

// Broadcaster advertises the local Master via mDNS and refreshes the
// announcement on a fixed interval.
type Broadcaster struct {
	server  *zeroconf.Server
	setText func([]string)
	text    []string

	announces atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// StartAnnouncing registers the service and starts the re-announce loop.
func StartAnnouncing(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAnnounce(); err != nil {
		return nil, err
	}

	text := cfg.txtRecords()
	server, err := cfg.registerFn(cfg.DisplayName, cfg.Service, cfg.Domain, cfg.ListeningPort, text, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	b := &Broadcaster{
		server: server,
		text:   text,
		stop:   make(chan struct{}),
	}
	b.setText = func(txt []string) {
		if b.server != nil {
			b.server.SetText(txt)
		}
	}
	b.announces.Add(1)

	log := cfg.Logger.With("component", "discovery")
	log.Info("announcing master", "service", cfg.Service, "port", cfg.ListeningPort, "store", cfg.StoreName)

	b.wg.Add(1)
	go b.loop(cfg.AnnounceInterval)
	return b, nil
}

// Announces returns how many announcements were made so far.
func (b *Broadcaster) Announces() uint64 {
	return b.announces.Load()
}

func (b *Broadcaster) loop(interval time.Duration) {
	defer b.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.setText(b.text)
			b.announces.Add(1)
		case <-b.stop:
			return
		}
	}
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil {
		return
	}
	b.stopOnce.Do(func() {
		close(b.stop)
		b.wg.Wait()
		if b.server != nil {
			b.server.Shutdown()
		}
	})
}
