package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/qcforge/qcforge/pkg/api"
	"github.com/qcforge/qcforge/pkg/log"
	"github.com/qcforge/qcforge/pkg/server"
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
	Use:   "qcforge",
	Short: "QCForge - compute orchestration for quantum chemistry",
	Long: `QCForge stores quantum-chemistry computation records, hands tasks to
remote compute managers over HTTP, and drives multi-step services like
torsion drives to completion. Everything lives in a single binary
backed by a single SQLite database.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"QCForge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage the QCForge server",
}

var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the QCForge server",
	Long: `Start the server: open the database, launch the periodic jobs and the
service engine, and serve the HTTP API until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dbPath, _ := cmd.Flags().GetString("db")
		apiAddr, _ := cmd.Flags().GetString("api-addr")

		cfg, err := server.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.DatabasePath = dbPath
		}
		if apiAddr != "" {
			cfg.APIAddress = apiAddr
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})

		srv, err := server.New(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}
		srv.Start()

		apiServer := api.NewServer(srv)
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(cfg.APIAddress); err != nil {
				errCh <- fmt.Errorf("API server error: %w", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := apiServer.Stop(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "API shutdown error: %v\n", err)
		}
		if err := srv.Stop(); err != nil {
			return fmt.Errorf("failed to shutdown: %w", err)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	serverStartCmd.Flags().String("config", "", "Path to the YAML config file")
	serverStartCmd.Flags().String("db", "", "Database path (overrides config)")
	serverStartCmd.Flags().String("api-addr", "", "API listen address (overrides config)")

	serverCmd.AddCommand(serverStartCmd)
}
