package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesleywu/routemesh/internal/config"
	"github.com/wesleywu/routemesh/internal/daemon"
	"github.com/wesleywu/routemesh/internal/logger"
	"github.com/wesleywu/routemesh/internal/network"
	"github.com/wesleywu/routemesh/internal/resolve"
	"github.com/wesleywu/routemesh/internal/routing"
	"github.com/wesleywu/routemesh/internal/routing/types"
)

const defaultConfigPath = "/etc/routemesh/config.yaml"

var (
	version = "0.1.0"

	configFile  string
	verboseMode bool
	port        int
	noDiscovery bool
	noPing      bool
	jsonOutput  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "routemesh",
		Short: "Network mesh daemon for route inspection and peer diagnostics",
		Long: `routemesh discovers peers on the local network, monitors their health and
serves routing, diagnostic and bandwidth test APIs over HTTP and WebSocket.`,
		SilenceUsage: true,
	}

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the mesh daemon",
		Long:  `Run discovery, health monitoring and the HTTP API until interrupted.`,
		Run:   runDaemon,
	}

	routesCmd := &cobra.Command{
		Use:   "routes",
		Short: "Print the routing table",
		Long:  `Read the routing table the daemon would serve and print it.`,
		Run:   showRoutes,
	}
	routesCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of a table")

	lookupCmd := &cobra.Command{
		Use:   "lookup <destination>",
		Short: "Show the route a destination would take",
		Long:  `Resolve an IP address or hostname and print the longest-prefix matching route.`,
		Args:  cobra.ExactArgs(1),
		Run:   lookupRoute,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and service status",
		Run:   showStatus,
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install as system service",
		Long:  `Install routemesh as a system service (systemd on Linux, launchd on macOS).`,
		Run:   installService,
	}

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall system service",
		Run:   uninstallService,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run:   showVersion,
	}

	testCmd := &cobra.Command{
		Use:   "test",
		Short: "Test configuration and platform support",
		Long:  `Validate the configuration, read the routing table and check DNS and interface access.`,
		Run:   testConfiguration,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Configuration file path (default "+defaultConfigPath+")")
	flags.BoolVarP(&verboseMode, "verbose", "v", false, "Verbose mode (debug level logging)")
	flags.IntVar(&port, "port", 0, "HTTP API port (overrides server.port)")
	flags.BoolVar(&noDiscovery, "no-discovery", false, "Disable peer discovery")
	flags.BoolVar(&noPing, "no-ping", false, "Disable peer health monitoring")

	rootCmd.AddCommand(daemonCmd, routesCmd, lookupCmd, statusCmd, installCmd, uninstallCmd, versionCmd, testCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig applies file, environment and flags in that order
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path := configFile
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, path, err
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, path, fmt.Errorf("invalid environment override: %w", err)
	}

	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}
	if noDiscovery {
		cfg.Discovery.Enabled = false
	}
	if noPing {
		cfg.Health.Enabled = false
	}
	if verboseMode {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, path, nil
}

func mustLoadConfig(cmd *cobra.Command) (*config.Config, string) {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg, path
}

func runDaemon(cmd *cobra.Command, _ []string) {
	cfg, path := mustLoadConfig(cmd)
	log := logger.New(cfg.LogLevel)

	sm, err := daemon.NewServiceManager(cfg, path, version, log)
	if err != nil {
		log.Error("Failed to create service manager", "error", err)
		os.Exit(1)
	}

	if err := sm.Start(); err != nil {
		log.Error("Failed to start service", "error", err)
		os.Exit(1)
	}

	if err := sm.Wait(); err != nil {
		log.Error("Service error", "error", err)
		os.Exit(1)
	}
}

func loadTable(ctx context.Context, cfg *config.Config) (*routing.Table, error) {
	table := routing.NewTable(nil, nil, logger.Nop())
	if err := table.Reload(ctx, daemon.RouteSource(cfg)); err != nil {
		return nil, err
	}
	return table, nil
}

func showRoutes(cmd *cobra.Command, _ []string) {
	cfg, _ := mustLoadConfig(cmd)
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	table, err := loadTable(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read routing table: %v\n", err)
		os.Exit(1)
	}
	routes := table.Routes()

	if jsonOutput {
		records := make([]types.RouteRecord, 0, len(routes))
		for _, r := range routes {
			records = append(records, r.Record())
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		_ = encoder.Encode(records)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DESTINATION\tGATEWAY\tINTERFACE\tMETRIC")
	for _, r := range routes {
		gw := "-"
		if r.Gateway.IsValid() {
			gw = r.Gateway.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.Prefix, gw, r.Interface, r.Metric)
	}
	_ = w.Flush()
	v4, v6 := table.Counts()
	fmt.Printf("\n%d IPv4 and %d IPv6 routes\n", v4, v6)
}

func lookupRoute(cmd *cobra.Command, args []string) {
	cfg, _ := mustLoadConfig(cmd)
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	servers, err := config.NormalizeDNSServers(cfg.DNS.Servers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid DNS servers: %v\n", err)
		os.Exit(1)
	}
	res, err := resolve.New(nil, servers, cfg.DNS.Timeout).Resolve(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve %s: %v\n", args[0], err)
		os.Exit(1)
	}

	table, err := loadTable(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read routing table: %v\n", err)
		os.Exit(1)
	}
	route, ok := table.Lookup(res.Addr)
	if !ok {
		fmt.Fprintf(os.Stderr, "No route to %s (%s)\n", args[0], res.Addr)
		os.Exit(1)
	}
	fmt.Printf("%s (%s) -> %s\n", args[0], res.Addr, route)
}

func showStatus(cmd *cobra.Command, _ []string) {
	cfg, _ := mustLoadConfig(cmd)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + cfg.ListenAddress() + "/health")
	if err != nil {
		fmt.Printf("Daemon: not reachable at %s\n", cfg.ListenAddress())
	} else {
		var health struct {
			Status  string `json:"status"`
			NodeID  string `json:"node_id"`
			Version string `json:"version"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&health)
		resp.Body.Close()
		fmt.Printf("Daemon: %s (node %s, version %s)\n", health.Status, health.NodeID, health.Version)
	}

	service := daemon.NewPlatformService("", "")
	status, err := service.Status()
	if err != nil {
		fmt.Printf("Service status: %s (%v)\n", status, err)
		return
	}
	fmt.Printf("Service status: %s\n", status)
	fmt.Printf("Service installed: %t\n", service.IsInstalled())
}

func installService(cmd *cobra.Command, _ []string) {
	if os.Getuid() != 0 {
		fmt.Fprintf(os.Stderr, "Error: Root privileges required for installation\n")
		os.Exit(1)
	}

	execPath, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get executable path: %v\n", err)
		os.Exit(1)
	}
	execPath, err = daemon.InstallBinary(execPath, "/usr/local/bin")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to install binary: %v\n", err)
		os.Exit(1)
	}

	cfg, path := mustLoadConfig(cmd)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := cfg.Save(path); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", path)
	}

	service := daemon.NewPlatformService(execPath, path)
	if err := service.Install(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to install service: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Service installed successfully (%s)\n", runtime.GOOS)
}

func uninstallService(_ *cobra.Command, _ []string) {
	if os.Getuid() != 0 {
		fmt.Fprintf(os.Stderr, "Error: Root privileges required for uninstallation\n")
		os.Exit(1)
	}

	service := daemon.NewPlatformService("", "")
	if err := service.Uninstall(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to uninstall service: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Service uninstalled successfully")
}

func showVersion(_ *cobra.Command, _ []string) {
	fmt.Printf("routemesh v%s\n", version)
	fmt.Printf("Runtime: %s\n", runtime.Version())
	fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func testConfiguration(cmd *cobra.Command, _ []string) {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)
	log.Debug("Starting configuration test", "config_file", path)
	fmt.Println("✅ Configuration loaded successfully")

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	table, err := loadTable(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to read routing table: %v\n", err)
		os.Exit(1)
	}
	v4, v6 := table.Counts()
	fmt.Printf("✅ Routing table read: %d IPv4, %d IPv6 routes\n", v4, v6)

	servers, _ := config.NormalizeDNSServers(cfg.DNS.Servers)
	resolver := resolve.New(nil, servers, cfg.DNS.Timeout, resolve.WithLogger(log))
	if len(resolver.Servers()) == 0 {
		fmt.Println("⚠️  No DNS servers configured, hostnames will not resolve")
	} else {
		fmt.Printf("✅ DNS servers: %v\n", resolver.Servers())
	}

	ifaces, err := network.GetNetworkInterfaces()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to list interfaces: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Network interfaces: %d\n", len(ifaces))

	if cfg.Discovery.Enabled {
		mcast, err := network.MulticastInterfaces()
		if err != nil || len(mcast) == 0 {
			fmt.Println("⚠️  No multicast-capable interface, discovery will rely on gossip")
		} else {
			fmt.Printf("✅ Discovery on %s:%s over %d interfaces\n", cfg.Discovery.MulticastGroup, strconv.Itoa(cfg.Discovery.MulticastPort), len(mcast))
		}
	}

	fmt.Println("✅ All tests passed")
}
