// Command dns-sinkhole-vpn runs the DNS sinkhole VPN engine as a
// standalone headless daemon: it loads the configuration snapshot, builds
// the rule table and upstream pool, acquires the Linux TUN device and
// network-availability monitor, and drives the engine lifecycle until a
// process signal arrives or the engine exits with a fatal error. A STOP or
// PAUSE over the control interface stops the engine but keeps the process
// running, so a later START or RESUME can bring it back.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"dns-sinkhole-vpn/internal/autostart"
	"dns-sinkhole-vpn/internal/control"
	"dns-sinkhole-vpn/internal/core"
	"dns-sinkhole-vpn/internal/engine"
	"dns-sinkhole-vpn/internal/notify"
	"dns-sinkhole-vpn/internal/platform"
	"dns-sinkhole-vpn/internal/platform/linux"
	"dns-sinkhole-vpn/internal/upstream"
)

// Build info — injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	socketPath := flag.String("socket", "/run/dns-sinkhole-vpn.sock", "control interface unix domain socket path")
	bootCheck := flag.Bool("boot-check", false, "exit 0 if the engine should autostart, 1 otherwise")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dns-sinkhole-vpn %s (commit=%s)\n", version, commit)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfgManager := core.NewConfigManager(*configPath)
	if err := cfgManager.Load(); err != nil {
		log.Fatalf("[main] load config: %v", err)
	}
	cfg := cfgManager.Get()
	activeFlag := autostart.NewFlag(activeFlagPath(cfg, *configPath))

	if *bootCheck {
		if autostart.ShouldAutostart(cfg.Global, activeFlag.Load()) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	runID := uuid.NewString()
	log.SetPrefix(fmt.Sprintf("run=%s ", runID))
	log.Printf("[main] dns-sinkhole-vpn %s starting", version)

	logger := core.NewLogger(cfg.Logging)

	rules := buildRuleTable(cfg.DNS, logger)
	pool := buildUpstreamPool(cfg.DNS.Upstreams, logger)

	tunAddr, err := netip.ParsePrefix(cfg.Global.TunnelAddress)
	if err != nil {
		log.Fatalf("[main] parse tunnel_address %q: %v", cfg.Global.TunnelAddress, err)
	}
	var tunAddrV6 *netip.Prefix
	if cfg.DNS.IPv6Enabled && cfg.Global.TunnelAddressV6 != "" {
		p, err := netip.ParsePrefix(cfg.Global.TunnelAddressV6)
		if err != nil {
			log.Fatalf("[main] parse tunnel_address_v6 %q: %v", cfg.Global.TunnelAddressV6, err)
		}
		tunAddrV6 = &p
	}
	tunName := cfg.Global.TunnelName
	if tunName == "" {
		tunName = "sinkhole0"
	}

	physIface, err := linux.DiscoverPhysicalInterface()
	if err != nil {
		log.Fatalf("[main] discover physical interface: %v", err)
	}
	log.Printf("[main] binding upstream socket to physical interface %s", physIface)

	monitor, err := linux.NewNetworkMonitor()
	if err != nil {
		log.Fatalf("[main] start network monitor: %v", err)
	}
	defer monitor.Close()

	status := core.NewStatusReporter(core.StateStopped)
	if cfg.Global.ShowNotification {
		stopNotify := notify.New(logger).Watch(status)
		defer stopNotify()
	}

	eng := engine.NewEngine(engine.Config{
		NewTUN: func() (platform.TUNDevice, error) {
			return linux.NewTUNDevice(platform.TUNConfig{
				Name:    tunName,
				Address: tunAddr,
				IPv6:    tunAddrV6,
				MTU:     cfg.Global.MTU,
				Gateway: tunAddr.Addr(),
				Apps: platform.AppSelection{
					DefaultMode: string(cfg.AppInclusion.DefaultMode),
					Included:    cfg.AppInclusion.Included,
					Excluded:    cfg.AppInclusion.Excluded,
				},
			})
		},
		DialUpstream: func() (*net.UDPConn, error) {
			return linux.DialUpstreamSocket(physIface)
		},
		Rules:           rules,
		Pool:            pool,
		IPv6Enabled:     cfg.DNS.IPv6Enabled,
		BlockLogEnabled: cfg.BlockLog.Enabled,
		BlockLogPath:    blockLogPath(cfg, *configPath),
		BlockLogCap:     cfg.BlockLog.Capacity,
		QueryTimeout:    time.Duration(cfg.DNS.QueryTimeout) * time.Second,
		NetworkEvents:   monitor.Events(),
		Status:          status,
		Logger:          logger,
		RunID:           runID,
		PersistActiveFlag: func(active bool) {
			if err := activeFlag.Store(active); err != nil {
				logger.Warnf("main", "persist active flag: %v", err)
			}
		},
	})

	ctl, err := control.NewServer(*socketPath, eng, logger)
	if err != nil {
		log.Fatalf("[main] start control server: %v", err)
	}
	defer ctl.Close()
	go func() {
		if err := ctl.Serve(); err != nil {
			log.Printf("[main] control server: %v", err)
		}
	}()

	// Run returns nil after every clean STOP/PAUSE; loop so a later START
	// or RESUME over the control socket brings the engine back without
	// restarting the process. Only a fatal engine error ends the loop.
	engineErr := make(chan error, 1)
	go func() {
		for {
			if err := eng.Run(); err != nil {
				engineErr <- err
				return
			}
		}
	}()

	eng.Submit(engine.CmdStart)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		log.Printf("[main] signal received, stopping")
		eng.Submit(engine.CmdStop)
		waitForStopped(status)
	case err := <-engineErr:
		log.Fatalf("[main] engine exited: %v", err)
	}
}

// waitForStopped blocks until the engine publishes STOPPED, bounded so a
// wedged shutdown cannot hang process exit.
func waitForStopped(status *core.StatusReporter) {
	ch, unsubscribe := status.Subscribe()
	defer unsubscribe()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == core.StateStopped {
				return
			}
		case <-deadline:
			log.Printf("[main] shutdown timed out, forcing exit")
			return
		}
	}
}

func activeFlagPath(cfg core.Config, configPath string) string {
	if cfg.Global.ActiveFlagPath != "" {
		return cfg.Global.ActiveFlagPath
	}
	return filepath.Join(filepath.Dir(configPath), "active")
}

func blockLogPath(cfg core.Config, configPath string) string {
	if cfg.BlockLog.Path != "" {
		return cfg.BlockLog.Path
	}
	return filepath.Join(filepath.Dir(configPath), "blocklog.yaml")
}

// buildRuleTable loads every configured host source from disk and merges
// it with the configured overrides into one immutable Rule Table.
func buildRuleTable(cfg core.DNSConfig, logger *core.Logger) *core.RuleTable {
	sources := make([]core.HostSource, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		if sc.Disposition == core.Ignore {
			logger.Infof("main", "host source %q is set to ignore, skipping", sc.Name)
			continue
		}
		lines, err := loadHostFile(sc.Path)
		if err != nil {
			logger.Warnf("main", "load host source %q from %s: %v", sc.Name, sc.Path, err)
			continue
		}
		sources = append(sources, core.HostSource{Name: sc.Name, Disposition: sc.Disposition, Lines: lines})
		logger.Infof("main", "loaded host source %q: %d entries", sc.Name, len(lines))
	}

	overrides := make([]core.Override, 0, len(cfg.Overrides))
	for _, oc := range cfg.Overrides {
		overrides = append(overrides, core.Override{Hostname: oc.Hostname, Disposition: oc.Disposition})
	}

	table := core.NewRuleTable(sources, overrides)
	logger.Infof("main", "rule table built: %d entries", table.Len())
	return table
}

func loadHostFile(path string) ([]core.HostLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []core.HostLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if hl, ok := core.ParseHostFileLine(scanner.Text()); ok {
			lines = append(lines, hl)
		}
	}
	return lines, scanner.Err()
}

// buildUpstreamPool assembles the resolver pool from the enabled configured
// upstreams, inheriting the underlying link's resolvers when none remain.
func buildUpstreamPool(cfgs []core.UpstreamConfig, logger *core.Logger) *upstream.Pool {
	specs := make([]upstream.Spec, 0, len(cfgs))
	for _, u := range cfgs {
		if !u.IsEnabled() {
			logger.Infof("main", "upstream %q (%s) disabled, skipping", u.Name, u.Address)
			continue
		}
		ap, err := upstream.ParseAddr(u.Address)
		if err != nil {
			logger.Warnf("main", "skip upstream %q: %v", u.Address, err)
			continue
		}
		specs = append(specs, upstream.Spec{Name: u.Name, Addr: ap})
	}

	if len(specs) == 0 {
		sysAddrs, err := linux.SystemResolvers()
		if err != nil {
			logger.Warnf("main", "inherit system resolvers: %v", err)
		}
		for _, ap := range sysAddrs {
			specs = append(specs, upstream.Spec{Name: "system", Addr: ap})
		}
		logger.Infof("main", "no enabled upstreams configured, inherited %d system resolvers", len(specs))
	}

	return upstream.NewPool(specs)
}
