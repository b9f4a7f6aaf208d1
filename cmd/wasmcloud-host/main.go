// Command wasmcloud-host runs the wasmCloud host runtime: it loads the
// startup configuration, connects to the lattice, and serves control
// commands until stopped or the lattice connection is permanently lost.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/cuemby/wasmcloud-host/pkg/host"
	"github.com/cuemby/wasmcloud-host/pkg/hostconfig"
	"github.com/cuemby/wasmcloud-host/pkg/log"
	"github.com/spf13/cobra"
)

// Version information, set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// exit codes per spec §6.
const (
	exitOK               = 0
	exitFatalStartup     = 1
	exitBusLostUnrecov   = 2
	exitUnsupportedPlatf = 3
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFatalStartup)
	}
}

var rootCmd = &cobra.Command{
	Use:     "wasmcloud-host",
	Short:   "wasmCloud host runtime",
	Long:    `wasmcloud-host runs Wasm components and native capability providers on a lattice and reconciles the share of desired state addressed to this host.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("wasmcloud-host version %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the host runtime",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().String("config", "", "path to a YAML host configuration file")
	startCmd.Flags().String("lattice-id", "", "lattice identifier (overrides config file)")
	startCmd.Flags().String("nats-url", "", "NATS server URL (overrides config file)")
	startCmd.Flags().String("data-dir", "", "directory for the config/link KV stores")
}

func runStart(cmd *cobra.Command, _ []string) error {
	if !supportedPlatform() {
		fmt.Fprintf(os.Stderr, "unsupported platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(exitUnsupportedPlatf)
	}

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := hostconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if v, _ := cmd.Flags().GetString("lattice-id"); v != "" {
		cfg.LatticeID = v
	}
	if v, _ := cmd.Flags().GetString("nats-url"); v != "" {
		cfg.NATSURL = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := host.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize host: %v\n", err)
		os.Exit(exitFatalStartup)
	}

	if err := h.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start host: %v\n", err)
		os.Exit(exitFatalStartup)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitCode := exitOK
	select {
	case <-sigCh:
	case err := <-h.Fatal():
		fmt.Fprintf(os.Stderr, "lattice connection lost: %v\n", err)
		exitCode = exitBusLostUnrecov
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), hostconfig.DefaultProviderShutdownDelay*2)
	defer shutdownCancel()
	h.Shutdown(shutdownCtx)

	os.Exit(exitCode)
	return nil
}

// supportedPlatform matches spec §4.G's "supported: linux/macOS/windows on
// x86_64, aarch64, riscv64" provider-binary matrix, which also bounds the
// set of platforms the host itself is expected to run on.
func supportedPlatform() bool {
	switch runtime.GOOS {
	case "linux", "darwin", "windows":
	default:
		return false
	}
	switch runtime.GOARCH {
	case "amd64", "arm64", "riscv64":
	default:
		return false
	}
	return true
}
