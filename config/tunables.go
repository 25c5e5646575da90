package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Tunables are the runtime timing knobs of the sync subsystem.
type Tunables struct {
	Env string `yaml:"env" env:"POSSYNC_ENV" env-default:"dev"`

	ConnectTimeout    time.Duration `yaml:"connect_timeout" env:"POSSYNC_CONNECT_TIMEOUT" env-default:"5s"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" env:"POSSYNC_HANDSHAKE_TIMEOUT" env-default:"5s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"POSSYNC_WRITE_TIMEOUT" env-default:"10s"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"POSSYNC_HEARTBEAT_INTERVAL" env-default:"5s"`
	DegradedAfter     time.Duration `yaml:"degraded_after" env:"POSSYNC_DEGRADED_AFTER" env-default:"15s"`
	DisconnectAfter   time.Duration `yaml:"disconnect_after" env:"POSSYNC_DISCONNECT_AFTER" env-default:"30s"`

	BackoffMin time.Duration `yaml:"backoff_min" env:"POSSYNC_BACKOFF_MIN" env-default:"1s"`
	BackoffMax time.Duration `yaml:"backoff_max" env:"POSSYNC_BACKOFF_MAX" env-default:"30s"`

	AnnounceInterval time.Duration `yaml:"announce_interval" env:"POSSYNC_ANNOUNCE_INTERVAL" env-default:"5s"`
	ScanTimeout      time.Duration `yaml:"scan_timeout" env:"POSSYNC_SCAN_TIMEOUT" env-default:"3s"`

	EvictionInterval   time.Duration `yaml:"eviction_interval" env:"POSSYNC_EVICTION_INTERVAL" env-default:"10s"`
	PeerSilenceTimeout time.Duration `yaml:"peer_silence_timeout" env:"POSSYNC_PEER_SILENCE_TIMEOUT" env-default:"30s"`
}

// DefaultTunables returns the documented defaults without consulting the environment.
func DefaultTunables() Tunables {
	return Tunables{
		Env:                "dev",
		ConnectTimeout:     5 * time.Second,
		HandshakeTimeout:   5 * time.Second,
		WriteTimeout:       10 * time.Second,
		HeartbeatInterval:  5 * time.Second,
		DegradedAfter:      15 * time.Second,
		DisconnectAfter:    30 * time.Second,
		BackoffMin:         time.Second,
		BackoffMax:         30 * time.Second,
		AnnounceInterval:   5 * time.Second,
		ScanTimeout:        3 * time.Second,
		EvictionInterval:   10 * time.Second,
		PeerSilenceTimeout: 30 * time.Second,
	}
}

// LoadTunables reads tunables from an optional YAML file, with environment
// variables taking precedence and env-default tags filling the rest.
func LoadTunables(path string) (Tunables, error) {
	var t Tunables
	if path != "" {
		if err := cleanenv.ReadConfig(path, &t); err != nil {
			return Tunables{}, fmt.Errorf("read tunables file: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&t); err != nil {
		return Tunables{}, fmt.Errorf("read tunables env: %w", err)
	}

	if err := t.Validate(); err != nil {
		return Tunables{}, err
	}
	return t, nil
}

// Validate checks the relationships between thresholds.
func (t Tunables) Validate() error {
	for name, d := range map[string]time.Duration{
		"connect_timeout":      t.ConnectTimeout,
		"handshake_timeout":    t.HandshakeTimeout,
		"write_timeout":        t.WriteTimeout,
		"heartbeat_interval":   t.HeartbeatInterval,
		"degraded_after":       t.DegradedAfter,
		"disconnect_after":     t.DisconnectAfter,
		"backoff_min":          t.BackoffMin,
		"backoff_max":          t.BackoffMax,
		"announce_interval":    t.AnnounceInterval,
		"scan_timeout":         t.ScanTimeout,
		"eviction_interval":    t.EvictionInterval,
		"peer_silence_timeout": t.PeerSilenceTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("tunable %s must be > 0", name)
		}
	}
	if t.DegradedAfter >= t.DisconnectAfter {
		return errors.New("degraded_after must be shorter than disconnect_after")
	}
	if t.BackoffMin > t.BackoffMax {
		return errors.New("backoff_min must not exceed backoff_max")
	}
	return nil
}
