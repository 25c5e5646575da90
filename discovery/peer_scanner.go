package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"

	"possync/logger"
	"possync/models"
)

// ErrScannerStopped is returned by Refresh once the scanner is stopped.
var ErrScannerStopped = errors.New("discovery: scanner stopped")

// DiscoveredPeer is one terminal seen in a browse window.
type DiscoveredPeer struct {
	TerminalID  string
	DisplayName string
	Role        models.Role
	Version     int
	StoreName   string
	HostName    string
	Port        int
	Addresses   []string
	LastSeen    time.Time
}

// Address returns a dialable host:port, preferring IPv4.
func (p DiscoveredPeer) Address() string {
	if len(p.Addresses) == 0 || p.Port <= 0 {
		return ""
	}
	host := p.Addresses[0]
	for _, candidate := range p.Addresses {
		if ip := net.ParseIP(candidate); ip != nil && ip.To4() != nil {
			host = candidate
			break
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(p.Port))
}

// PeerFoundFunc receives every peer seen by a scan, including repeats. It
// runs on the scan goroutine and must not block.
type PeerFoundFunc func(DiscoveredPeer)

// Scanner browses for terminals on a fixed interval and on demand. Peer
// liveness is left to whoever consumes PeerFoundFunc.
type Scanner struct {
	cfg     Config
	browse  browseFunc
	onFound PeerFoundFunc
	log     *slog.Logger

	mu   sync.RWMutex
	last []DiscoveredPeer

	scans atomic.Uint64

	refresh  chan chan error
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// StartListening starts a background scanner. The first scan runs at once.
func StartListening(config Config, onFound PeerFoundFunc) (*Scanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}
	browse, err := cfg.browser()
	if err != nil {
		return nil, err
	}

	s := &Scanner{
		cfg:     cfg,
		browse:  browse,
		onFound: onFound,
		log:     cfg.Logger.With("component", "discovery"),
		refresh: make(chan chan error),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Stop ends background scanning and waits for an in-flight scan.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

// Refresh runs a scan now and returns once it finishes. Cancelling ctx
// abandons the wait, not the scan.
func (s *Scanner) Refresh(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.refresh <- reply:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrScannerStopped
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrScannerStopped
	}
}

// LastScan returns the peers of the most recent completed scan.
func (s *Scanner) LastScan() []DiscoveredPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.last)
}

// Scans counts completed scans.
func (s *Scanner) Scans() uint64 {
	return s.scans.Load()
}

func (s *Scanner) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.done
		cancel()
	}()

	s.scan(ctx)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.scan(ctx)
		case reply := <-s.refresh:
			reply <- s.scan(ctx)
		case <-s.done:
			return
		}
	}
}

func (s *Scanner) scan(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.ScanTimeout)
	defer cancel()

	found, err := browseWindow(ctx, s.cfg, s.browse, s.onFound)
	if err != nil {
		s.log.Warn("mDNS browse failed", logger.Err(err))
		return err
	}
	if parent.Err() != nil {
		return nil
	}

	peers := sortedPeers(found)
	s.mu.Lock()
	s.last = peers
	s.mu.Unlock()
	s.scans.Add(1)
	s.log.Debug("scan finished", "peers", len(peers))
	return nil
}

// ScanForMasters runs one browse window and returns the Masters it saw.
func ScanForMasters(ctx context.Context, config Config) ([]DiscoveredPeer, error) {
	cfg := config.withDefaults()
	browse, err := cfg.browser()
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()
	found, err := browseWindow(scanCtx, cfg, browse, nil)
	if err != nil {
		return nil, err
	}

	masters := slices.DeleteFunc(sortedPeers(found), func(peer DiscoveredPeer) bool {
		return peer.Role != models.RoleMaster
	})
	return masters, nil
}

func (c Config) browser() (browseFunc, error) {
	if c.browseFn != nil {
		return c.browseFn, nil
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse, nil
}

// browseWindow reads service entries until ctx ends. zeroconf's Browse
// returns immediately and closes entries when ctx ends; test browsers block
// instead, so both are handled.
func browseWindow(ctx context.Context, cfg Config, browse browseFunc, onFound PeerFoundFunc) (map[string]DiscoveredPeer, error) {
	entries := make(chan *zeroconf.ServiceEntry, 32)
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- browse(ctx, cfg.Service, cfg.Domain, entries)
	}()

	found := make(map[string]DiscoveredPeer)
	for {
		select {
		case err := <-browseErr:
			if err != nil && ctx.Err() == nil {
				return nil, fmt.Errorf("browse %s: %w", cfg.Service, err)
			}
			browseErr = nil
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			peer, ok := peerFromEntry(entry, cfg)
			if !ok {
				continue
			}
			found[peer.TerminalID] = peer
			if onFound != nil {
				onFound(peer)
			}
		case <-ctx.Done():
			return found, nil
		}
	}
}

// peerFromEntry parses the TXT record of an entry. Entries from this
// terminal, from another store or with an unknown role are dropped.
func peerFromEntry(entry *zeroconf.ServiceEntry, cfg Config) (DiscoveredPeer, bool) {
	if entry == nil {
		return DiscoveredPeer{}, false
	}

	txt := make(map[string]string, len(entry.Text))
	for _, field := range entry.Text {
		key, value, ok := strings.Cut(field, "=")
		if key = strings.TrimSpace(key); ok && key != "" {
			txt[key] = strings.TrimSpace(value)
		}
	}

	peer := DiscoveredPeer{
		TerminalID: txt[txtTerminalID],
		StoreName:  txt[txtStore],
		HostName:   entry.HostName,
		Port:       entry.Port,
		LastSeen:   time.Now(),
	}
	if peer.TerminalID == "" || peer.TerminalID == cfg.SelfTerminalID {
		return DiscoveredPeer{}, false
	}
	if peer.StoreName == "" {
		peer.StoreName = DefaultStoreName
	}
	if peer.StoreName != cfg.StoreName {
		return DiscoveredPeer{}, false
	}

	var err error
	if peer.Role, err = models.ParseRole(txt[txtRole]); err != nil {
		return DiscoveredPeer{}, false
	}
	peer.Version, _ = strconv.Atoi(txt[txtVersion])

	peer.DisplayName = txt[txtDisplayName]
	if peer.DisplayName == "" {
		peer.DisplayName = strings.TrimSpace(entry.Instance)
	}
	if peer.DisplayName == "" {
		peer.DisplayName = peer.TerminalID
	}

	for _, ip := range slices.Concat(entry.AddrIPv4, entry.AddrIPv6) {
		if len(ip) > 0 {
			peer.Addresses = append(peer.Addresses, ip.String())
		}
	}
	slices.Sort(peer.Addresses)
	peer.Addresses = slices.Compact(peer.Addresses)

	return peer, true
}

func sortedPeers(found map[string]DiscoveredPeer) []DiscoveredPeer {
	peers := make([]DiscoveredPeer, 0, len(found))
	for _, peer := range found {
		peers = append(peers, peer)
	}
	slices.SortFunc(peers, func(a, b DiscoveredPeer) int {
		if c := strings.Compare(a.DisplayName, b.DisplayName); c != 0 {
			return c
		}
		return strings.Compare(a.TerminalID, b.TerminalID)
	})
	return peers
}
