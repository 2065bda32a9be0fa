// Package main runs a meshnet node as a standalone daemon.
//
// The node is configured from a private key and a meshnet map file. Sending
// SIGHUP re-reads the map; SIGINT or SIGTERM shuts the node down.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshcore"
	"github.com/opd-ai/meshcore/adapter"
)

// CLIConfig holds the command-line configuration.
type CLIConfig struct {
	keyFile        string
	meshmapFile    string
	adapterName    string
	listenAddress  string
	interfaceName  string
	wireguardPort  int
	fwmark         uint
	statusInterval time.Duration
	keepalive      time.Duration
	announce       string
	logLevel       string
	generateKey    bool
	version        bool
	help           bool
}

// parseCLIFlags parses command-line flags and returns the configuration.
func parseCLIFlags() *CLIConfig {
	config := &CLIConfig{}

	// Identity and meshnet
	flag.StringVar(&config.keyFile, "key-file", "", "File holding the base64 private key")
	flag.StringVar(&config.meshmapFile, "meshmap", "", "Meshnet map JSON file (re-read on SIGHUP)")

	// Interface
	flag.StringVar(&config.adapterName, "adapter", "", "Backend: userspace, kernel or external (default: platform default)")
	flag.StringVar(&config.listenAddress, "listen", "0.0.0.0:0", "Local address of the meshnet socket")
	flag.StringVar(&config.interfaceName, "name", adapter.DefaultName, "Tunnel interface name")
	flag.IntVar(&config.wireguardPort, "wg-port", 0, "WireGuard UDP port for kernel and external backends")
	flag.UintVar(&config.fwmark, "fwmark", 0, "Firewall mark for WireGuard traffic")
	flag.DurationVar(&config.keepalive, "keepalive", 25*time.Second, "How often to send meshnet keepalives to peers (0 disables)")
	flag.StringVar(&config.announce, "announce", "", "Public ip:port announced to peers after every meshmap load")

	// Output
	flag.DurationVar(&config.statusInterval, "status-interval", 30*time.Second, "How often to log peer status (0 disables)")
	flag.StringVar(&config.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	// Utilities
	flag.BoolVar(&config.generateKey, "genkey", false, "Print a new private key and its public key, then exit")
	flag.BoolVar(&config.version, "version", false, "Print the version and exit")
	flag.BoolVar(&config.help, "help", false, "Show help message")

	flag.Parse()
	return config
}

// printUsage prints the usage information.
func printUsage() {
	fmt.Println("meshcored - meshnet node daemon")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s -key-file node.key -meshmap meshmap.json [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  MESHCORE_ADAPTER, MESHCORE_HANDSHAKE_TIMEOUT, MESHCORE_REPLAY_WINDOW,")
	fmt.Println("  MESHCORE_BACKEND_RETRIES, MESHCORE_LOG_LEVEL, MESHCORE_WIREGUARD_GO")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  # Create an identity\n")
	fmt.Printf("  %s -genkey\n", os.Args[0])
	fmt.Println()
	fmt.Printf("  # Run with the in-process WireGuard backend\n")
	fmt.Printf("  %s -key-file node.key -meshmap meshmap.json -adapter userspace\n", os.Args[0])
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(config *CLIConfig) error {
	if config.keyFile == "" {
		return errors.New("-key-file is required")
	}
	if config.wireguardPort < 0 || config.wireguardPort > 65535 {
		return fmt.Errorf("invalid wireguard port %d: must be between 0 and 65535", config.wireguardPort)
	}
	if config.fwmark > 0xFFFFFFFF {
		return fmt.Errorf("invalid fwmark %d", config.fwmark)
	}
	if config.statusInterval < 0 {
		return errors.New("status interval cannot be negative")
	}
	if config.keepalive < 0 {
		return errors.New("keepalive interval cannot be negative")
	}
	if config.announce != "" {
		if _, err := netip.ParseAddrPort(config.announce); err != nil {
			return fmt.Errorf("invalid announce address: %w", err)
		}
	}
	return nil
}

// createOptions applies the CLI configuration on top of the environment
// defaults.
func createOptions(config *CLIConfig) (*meshcore.Options, error) {
	opts := meshcore.NewOptions()
	if config.adapterName != "" {
		kind, err := adapter.ParseKind(config.adapterName)
		if err != nil {
			return nil, err
		}
		opts.AdapterType = kind
	}
	opts.ListenAddress = config.listenAddress
	opts.InterfaceName = config.interfaceName
	opts.WireGuardPort = config.wireguardPort
	if config.logLevel != "" {
		opts.LogLevel = config.logLevel
	}
	return opts, nil
}

func readKey(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read key file: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func applyMeshmap(dev *meshcore.Device, path string) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read meshmap: %w", err)
	}
	return dev.SetMeshnet(string(raw))
}

// announceEndpoint tells every peer with a known endpoint to reach us at
// endpoint. Failures are only logged.
func announceEndpoint(dev *meshcore.Device, endpoint string) {
	if endpoint == "" {
		return
	}
	nodes, err := dev.Nodes()
	if err != nil {
		logrus.WithError(err).Warn("Failed to read status")
		return
	}
	for _, n := range nodes {
		if n.Endpoint == "" {
			continue
		}
		if err := dev.AnnounceEndpoint(n.PublicKey, endpoint); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "announceEndpoint",
				"peer":     n.PublicKey,
				"error":    err.Error(),
			}).Debug("Failed to announce endpoint")
		}
	}
}

func generateKey() error {
	secret, err := meshcore.GenerateSecretKey()
	if err != nil {
		return err
	}
	public, err := meshcore.GeneratePublicKey(secret)
	if err != nil {
		return err
	}
	fmt.Printf("private: %s\npublic:  %s\n", secret, public)
	return nil
}

func logStatus(dev *meshcore.Device) {
	nodes, err := dev.Nodes()
	if err != nil {
		logrus.WithError(err).Warn("Failed to read status")
		return
	}
	for _, n := range nodes {
		logrus.WithFields(logrus.Fields{
			"function": "logStatus",
			"peer":     n.PublicKey,
			"hostname": n.Hostname,
			"state":    n.State,
			"endpoint": n.Endpoint,
			"rx_bytes": n.RxBytes,
			"tx_bytes": n.TxBytes,
			"rtt_ms":   n.RTTMillis,
		}).Info("Peer status")
		// Refresh the round trip for the next report.
		if n.Endpoint != "" {
			_ = dev.PingPeer(n.PublicKey)
		}
	}
}

// run starts the node and serves until ctx is cancelled.
func run(ctx context.Context, config *CLIConfig, reload <-chan os.Signal) error {
	opts, err := createOptions(config)
	if err != nil {
		return err
	}
	dev, err := meshcore.New(opts)
	if err != nil {
		return err
	}
	defer dev.Close()

	key, err := readKey(config.keyFile)
	if err != nil {
		return err
	}
	if config.fwmark != 0 {
		if err := dev.SetFwmark(uint32(config.fwmark)); err != nil {
			return err
		}
	}
	if err := dev.Start(key, 0); err != nil {
		return err
	}
	addr, _ := dev.MeshnetAddr()
	public, _ := dev.PublicKey()
	logrus.WithFields(logrus.Fields{
		"function":   "run",
		"public_key": public,
		"meshnet":    addr.String(),
		"version":    meshcore.VersionTag(),
	}).Info("Node started")

	if err := applyMeshmap(dev, config.meshmapFile); err != nil {
		return err
	}
	announceEndpoint(dev, config.announce)

	var tick, keepalive <-chan time.Time
	if config.statusInterval > 0 {
		ticker := time.NewTicker(config.statusInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	if config.keepalive > 0 {
		ticker := time.NewTicker(config.keepalive)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			logrus.WithField("function", "run").Info("Shutting down")
			return dev.Stop()
		case <-reload:
			if err := applyMeshmap(dev, config.meshmapFile); err != nil {
				logrus.WithError(err).Error("Failed to reload meshmap")
			}
			announceEndpoint(dev, config.announce)
		case <-tick:
			logStatus(dev)
		case <-keepalive:
			if err := dev.SendKeepalives(); err != nil {
				logrus.WithError(err).Debug("Some keepalives were not sent")
			}
		}
	}
}

func main() {
	cliConfig := parseCLIFlags()

	if cliConfig.help {
		printUsage()
		os.Exit(0)
	}
	if cliConfig.version {
		fmt.Println(meshcore.VersionTag())
		os.Exit(0)
	}
	if cliConfig.generateKey {
		if err := generateKey(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate key: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	if err := validateCLIConfig(cliConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -help for usage information.\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)

	if err := run(ctx, cliConfig, reload); err != nil {
		logrus.WithError(err).Error("meshcored failed")
		os.Exit(1)
	}
}
