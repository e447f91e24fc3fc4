package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/securityd/pkg/config"
	"github.com/cuemby/securityd/pkg/daemon"
	"github.com/cuemby/securityd/pkg/log"
	"github.com/cuemby/securityd/pkg/opsapi"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "securityd",
	Short: "securityd - local security daemon",
	Long: `securityd mediates keychain access, issues and validates
authorization tokens, and brokers smartcard reader/token lifecycle
events on behalf of client processes on one host.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"securityd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the securityd daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if logLevel, _ := cmd.Flags().GetString("log-level"); logLevel != "" {
			cfg.LogLevel = log.Level(logLevel)
		}

		srv, err := daemon.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize daemon: %w", err)
		}

		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}

		ops := opsapi.New(srv, Version)
		opsErrCh := make(chan error, 1)
		go func() {
			if err := ops.Start(cfg.OpsAddr); err != nil {
				opsErrCh <- err
			}
		}()
		fmt.Printf("securityd running. Ops endpoints on http://%s (/health, /ready, /metrics)\n", cfg.OpsAddr)
		fmt.Println("Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

		for {
			select {
			case sig := <-sigCh:
				if sig == syscall.SIGHUP {
					fmt.Println("Received SIGHUP (config reload is not supported; ignoring)")
					continue
				}
				fmt.Println("\nShutting down...")
				if err := srv.Shutdown(); err != nil {
					return fmt.Errorf("failed to shut down cleanly: %w", err)
				}
				fmt.Println("Shutdown complete")
				return nil
			case err := <-opsErrCh:
				fmt.Fprintf(os.Stderr, "ops server error: %v\n", err)
				_ = srv.Shutdown()
				return err
			}
		}
	},
}
