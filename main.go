package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"possync/config"
	"possync/discovery"
	"possync/logger"
	"possync/models"
	"possync/node"
	"possync/role"
	"possync/storage"
)

type globals struct {
	DataDir  string `help:"Data directory holding config.json and sync.db." env:"POSSYNC_DATA_DIR" type:"path"`
	Tunables string `help:"Optional YAML file with timing tunables." env:"POSSYNC_TUNABLES" type:"path"`
}

type cli struct {
	globals

	Run       runCmd       `cmd:"" default:"1" help:"Run the sync subsystem until interrupted."`
	Configure configureCmd `cmd:"" help:"Change the terminal role and network settings."`
	Show      showCmd      `cmd:"" help:"Print identity, network settings and sync statistics."`
	Check     checkCmd     `cmd:"" help:"Handshake once with a master without joining the network."`
}

type runCmd struct{}

type configureCmd struct {
	Role          string `required:"" enum:"standalone,master,satellite" help:"Terminal role."`
	Name          string `help:"Terminal display name."`
	Secret        string `env:"POSSYNC_SECRET" help:"Network shared secret (8-128 bytes). Empty keeps the stored one."`
	MasterAddress string `help:"Master host:port for a satellite. Disables discovery."`
	ListenPort    uint16 `help:"TCP port a master listens on."`
	AutoDiscovery bool   `default:"true" negatable:"" help:"Find the master over mDNS."`
	Store         string `help:"Store name announced in discovery records."`
}

type showCmd struct {
	Scan bool `help:"Also browse the LAN for masters."`
}

type checkCmd struct {
	Address string `arg:"" help:"Master host:port."`
	Secret  string `env:"POSSYNC_SECRET" help:"Shared secret to try. Empty uses the stored one."`
}

// terminal is what every command loads before doing its work.
type terminal struct {
	cfg      *config.TerminalConfig
	cfgPath  string
	tunables config.Tunables
	log      *slog.Logger
	store    *storage.Store
	dbPath   string
}

func openTerminal(g *globals) (*terminal, error) {
	tunables, err := config.LoadTunables(g.Tunables)
	if err != nil {
		return nil, err
	}
	log := logger.New(tunables.Env)

	cfg, cfgPath, err := config.LoadOrCreate(g.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	store, dbPath, err := storage.Open(filepath.Dir(cfgPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &terminal{
		cfg:      cfg,
		cfgPath:  cfgPath,
		tunables: tunables,
		log:      log,
		store:    store,
		dbPath:   dbPath,
	}, nil
}

func (t *terminal) close() {
	if err := t.store.Close(); err != nil {
		t.log.Error("database close failed", logger.Err(err))
	}
}

func (t *terminal) node() (*node.Node, error) {
	return node.New(node.Options{
		Config:     t.cfg,
		ConfigPath: t.cfgPath,
		Store:      t.store,
		Tunables:   t.tunables,
		Logger:     t.log,
	})
}

func main() {
	var app cli
	ctx := kong.Parse(&app,
		kong.Name("possyncd"),
		kong.Description("LAN sync for point-of-sale terminals."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&app.globals))
}

func (c *runCmd) Run(g *globals) error {
	t, err := openTerminal(g)
	if err != nil {
		return err
	}
	defer t.close()

	n, err := t.node()
	if err != nil {
		return err
	}

	printIdentity(t, n.GetNetworkConfig())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start sync: %w", err)
	}
	go logNotifications(t.log, n.Notifications())

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
	n.Stop()
	return nil
}

func (c *configureCmd) Run(g *globals) error {
	t, err := openTerminal(g)
	if err != nil {
		return err
	}
	defer t.close()

	n, err := t.node()
	if err != nil {
		return err
	}

	roleName, err := models.ParseRole(c.Role)
	if err != nil {
		return err
	}
	err = n.SetNetworkConfig(role.Settings{
		Role:          roleName,
		TerminalName:  c.Name,
		SharedSecret:  c.Secret,
		MasterAddress: c.MasterAddress,
		ListenPort:    c.ListenPort,
		AutoDiscovery: c.AutoDiscovery,
		StoreName:     c.Store,
	})
	switch {
	case errors.Is(err, role.ErrPortInUse):
		return fmt.Errorf("%w (stop whatever holds the port or choose another with --listen-port)", err)
	case err != nil:
		return err
	}

	printIdentity(t, n.GetNetworkConfig())
	fmt.Println("Saved. Restart possyncd to apply.")
	return nil
}

func (c *showCmd) Run(g *globals) error {
	t, err := openTerminal(g)
	if err != nil {
		return err
	}
	defer t.close()

	n, err := t.node()
	if err != nil {
		return err
	}
	netCfg := n.GetNetworkConfig()
	printIdentity(t, netCfg)

	stats, err := n.GetStats()
	if err != nil {
		return err
	}
	lastSync := "never"
	if !stats.LastSyncAt.IsZero() {
		lastSync = stats.LastSyncAt.Local().Format(time.RFC3339)
	}
	fmt.Printf("Last Sync:       %s\n", lastSync)
	fmt.Printf("Log Index:       %d\n", stats.LogIndex)
	fmt.Printf("Backlog:         %d\n", stats.Backlog)
	fmt.Printf("Conflicts:       %d\n", stats.Conflicts)

	conflicts, err := n.Conflicts(10)
	if err != nil {
		return err
	}
	for _, conflict := range conflicts {
		fmt.Printf("  %s %s %s from %s (held by %s)\n",
			conflict.DetectedAt.Local().Format(time.RFC3339), conflict.Entity, conflict.EntityID,
			conflict.OriginTerminalID, conflict.ExistingOrigin)
	}

	if !c.Scan {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.tunables.ScanTimeout+time.Second)
	defer cancel()
	masters, err := discovery.ScanForMasters(ctx, discovery.Config{
		ScanTimeout:    t.tunables.ScanTimeout,
		SelfTerminalID: netCfg.TerminalID,
		StoreName:      netCfg.StoreName,
		Logger:         t.log,
	})
	if err != nil {
		return fmt.Errorf("scan for masters: %w", err)
	}
	if len(masters) == 0 {
		fmt.Println("Masters:         none found")
	}
	for _, master := range masters {
		fmt.Printf("Master:          %s %q at %s\n", master.TerminalID, master.DisplayName, master.Address())
	}
	if len(masters) > 1 {
		fmt.Println("Warning:         more than one master is announcing for this store")
	}
	return nil
}

func printIdentity(t *terminal, cfg node.NetworkConfig) {
	fmt.Printf("Terminal ID:     %s\n", cfg.TerminalID)
	fmt.Printf("Terminal Name:   %s\n", cfg.TerminalName)
	fmt.Printf("Role:            %s\n", cfg.Role)
	fmt.Printf("Store:           %s\n", cfg.StoreName)
	switch cfg.Role {
	case models.RoleMaster:
		fmt.Printf("Listen Port:     %d\n", cfg.ListenPort)
	case models.RoleSatellite:
		if cfg.MasterAddress != "" {
			fmt.Printf("Master Address:  %s\n", cfg.MasterAddress)
		} else {
			fmt.Printf("Auto Discovery:  %t\n", cfg.AutoDiscovery)
		}
	}
	if cfg.HasSecret {
		fmt.Printf("Key:             %s\n", cfg.KeyFingerprint)
	}
	fmt.Printf("Config File:     %s\n", t.cfgPath)
	fmt.Printf("Database File:   %s\n", t.dbPath)
}

func logNotifications(log *slog.Logger, notifications <-chan node.Notification) {
	for note := range notifications {
		switch note.Type {
		case node.NotifyConflictDetected, node.NotifyNetworkError:
			log.Warn("sync notification", "type", note.Type, "terminal_id", note.TerminalID, "message", note.Message)
		case node.NotifySessionState:
			log.Info("session state", "terminal_id", note.TerminalID, "address", note.Address, "state", note.State, "message", note.Message)
		default:
			log.Debug("sync notification", "type", note.Type, "terminal_id", note.TerminalID)
		}
	}
}

func (c *checkCmd) Run(g *globals) error {
	t, err := openTerminal(g)
	if err != nil {
		return err
	}
	defer t.close()

	n, err := t.node()
	if err != nil {
		return err
	}
	timeout := t.tunables.ConnectTimeout + t.tunables.HandshakeTimeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := n.TestMasterConnection(ctx, c.Address, c.Secret)
	if err != nil {
		return fmt.Errorf("master check failed: %w", err)
	}
	fmt.Printf("Master:          %s %q at %s\n", result.TerminalID, result.DisplayName, result.Address)
	fmt.Printf("Handshake:       %s\n", result.Latency.Round(time.Millisecond))
	return nil
}
