// Package role owns the terminal's role and network settings.
package role

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"possync/config"
	"possync/crypto"
	"possync/logger"
	"possync/models"
)

var (
	// ErrInvalidRole indicates an unknown role value.
	ErrInvalidRole = errors.New("role: invalid role")
	// ErrPortInUse indicates the Master listen port could not be bound.
	ErrPortInUse = errors.New("role: listen port in use")
	// ErrMissingMasterAddress indicates a Satellite has neither a master
	// address nor auto discovery.
	ErrMissingMasterAddress = errors.New("role: master address required when auto discovery is off")
	// ErrInvalidMasterAddress indicates the master address is not host:port.
	ErrInvalidMasterAddress = errors.New("role: invalid master address")
	// ErrMissingSecret indicates a networked role without any shared secret.
	ErrMissingSecret = errors.New("role: shared secret required")
	// ErrInvalidSecretLength indicates the shared secret length is out of bounds.
	ErrInvalidSecretLength = crypto.ErrInvalidSecretLength
)

// Settings is what the settings screen submits.
type Settings struct {
	Role          models.Role
	TerminalName  string
	SharedSecret  string
	MasterAddress string
	ListenPort    uint16
	AutoDiscovery bool
	StoreName     string
}

// listenFunc binds the Master listener.
type listenFunc func(network, address string) (net.Listener, error)

// Manager is the Role Manager. It validates and persists role changes and
// binds the Master listener.
type Manager struct {
	mu   sync.RWMutex
	cfg  config.TerminalConfig
	path string
	log  *slog.Logger

	listen   listenFunc
	listener net.Listener
}

// NewManager wraps a loaded config. Writes are persisted to path; an empty
// path keeps changes in memory only.
func NewManager(cfg *config.TerminalConfig, path string, log *slog.Logger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		cfg:    cfg.Clone(),
		path:   path,
		log:    log.With("component", "role"),
		listen: net.Listen,
	}
}

// Role returns the current terminal identity.
func (m *Manager) Role() models.TerminalIdentity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Identity()
}

// Config returns a copy of the current persisted config.
func (m *Manager) Config() config.TerminalConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Clone()
}

// NetworkKey returns the stored secret hash.
func (m *Manager) NetworkKey() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.cfg.Network.SharedSecretHash...)
}

// Validate runs every check that does not need the network.
func (m *Manager) Validate(role models.Role, settings Settings) error {
	m.mu.RLock()
	hasSecret := len(m.cfg.Network.SharedSecretHash) > 0
	m.mu.RUnlock()
	return validate(role, settings, hasSecret)
}

func validate(role models.Role, settings Settings, hasStoredSecret bool) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if settings.SharedSecret != "" {
		if err := crypto.ValidateSecret(settings.SharedSecret); err != nil {
			return err
		}
	}
	if role == models.RoleStandalone {
		return nil
	}
	if settings.SharedSecret == "" && !hasStoredSecret {
		return ErrMissingSecret
	}

	if role == models.RoleSatellite {
		address := strings.TrimSpace(settings.MasterAddress)
		if address == "" {
			if !settings.AutoDiscovery {
				return ErrMissingMasterAddress
			}
			return nil
		}
		host, port, err := net.SplitHostPort(address)
		if err != nil || host == "" {
			return fmt.Errorf("%w: %q", ErrInvalidMasterAddress, address)
		}
		if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
			return fmt.Errorf("%w: %q", ErrInvalidMasterAddress, address)
		}
	}
	return nil
}

// SetRole validates, binds the Master listener when needed, and persists the
// new role. Errors are returned synchronously and never retried. On success
// a Master's bound listener is available from TakeListener.
func (m *Manager) SetRole(role models.Role, settings Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validate(role, settings, len(m.cfg.Network.SharedSecretHash) > 0); err != nil {
		return err
	}

	next := m.cfg.Clone()
	next.Role = role
	if name := strings.TrimSpace(settings.TerminalName); name != "" {
		next.DisplayName = name
	}
	if store := strings.TrimSpace(settings.StoreName); store != "" {
		next.StoreName = store
	}
	if settings.SharedSecret != "" {
		hash, err := crypto.HashSecret(settings.SharedSecret)
		if err != nil {
			return err
		}
		next.Network.SharedSecretHash = hash
	}
	next.Network.AutoDiscovery = settings.AutoDiscovery
	next.Network.MasterAddress = strings.TrimSpace(settings.MasterAddress)
	if settings.ListenPort != 0 {
		next.Network.ListenPort = settings.ListenPort
	}
	if next.Network.ListenPort == 0 {
		next.Network.ListenPort = config.DefaultListenPort
	}
	if role != models.RoleSatellite {
		next.Network.MasterAddress = ""
	}

	var listener net.Listener
	if role == models.RoleMaster {
		bound, err := m.bind(next.Network.ListenPort)
		if err != nil {
			return err
		}
		listener = bound
	}

	if err := m.persist(&next); err != nil {
		if listener != nil {
			_ = listener.Close()
		}
		return err
	}

	m.replaceListener(listener)
	m.cfg = next
	m.log.Info("role changed",
		"role", next.Role,
		"display_name", next.DisplayName,
		"listen_port", next.Network.ListenPort,
		"master_address", next.Network.MasterAddress,
		"auto_discovery", next.Network.AutoDiscovery,
		"key_fingerprint", crypto.KeyFingerprint(next.Network.SharedSecretHash),
	)
	return nil
}

// RotateSecret replaces the stored secret hash. Existing sessions keep their
// session keys until the runtime restarts them.
func (m *Manager) RotateSecret(newSecret string) error {
	hash, err := crypto.HashSecret(newSecret)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.cfg.Clone()
	next.Network.SharedSecretHash = hash
	if err := m.persist(&next); err != nil {
		return err
	}
	m.cfg = next
	m.log.Info("shared secret rotated", "key_fingerprint", crypto.KeyFingerprint(hash))
	return nil
}

// Listen binds the configured Master port. It is used when the runtime
// starts on a terminal already configured as Master.
func (m *Manager) Listen() (net.Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listener != nil {
		listener := m.listener
		m.listener = nil
		return listener, nil
	}
	return m.bind(m.cfg.Network.ListenPort)
}

// TakeListener hands over the listener bound by the last SetRole to Master.
func (m *Manager) TakeListener() net.Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	listener := m.listener
	m.listener = nil
	return listener
}

func (m *Manager) bind(port uint16) (net.Listener, error) {
	address := net.JoinHostPort("", strconv.Itoa(int(port)))
	listener, err := m.listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPortInUse, address, err)
	}
	return listener, nil
}

func (m *Manager) replaceListener(listener net.Listener) {
	if m.listener != nil {
		_ = m.listener.Close()
	}
	m.listener = listener
}

func (m *Manager) persist(cfg *config.TerminalConfig) error {
	if m.path == "" {
		return nil
	}
	if err := config.Save(m.path, cfg); err != nil {
		return fmt.Errorf("persist role config: %w", err)
	}
	return nil
}
