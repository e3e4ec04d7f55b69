// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/manifold-dl/manifold/internal/api"
	"github.com/manifold-dl/manifold/internal/backend"
	"github.com/manifold-dl/manifold/internal/backend/amule"
	"github.com/manifold-dl/manifold/internal/backend/deluge"
	"github.com/manifold-dl/manifold/internal/backend/qbittorrent"
	"github.com/manifold-dl/manifold/internal/backend/transmission"
	"github.com/manifold-dl/manifold/internal/buildinfo"
	"github.com/manifold-dl/manifold/internal/categories"
	"github.com/manifold-dl/manifold/internal/config"
	"github.com/manifold-dl/manifold/internal/database"
	"github.com/manifold-dl/manifold/internal/domain"
	"github.com/manifold-dl/manifold/internal/metrics"
	"github.com/manifold-dl/manifold/internal/models"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "manifold",
		Short: "Connection manager for heterogeneous download clients",
		Long: `manifold - a single control plane for Deluge, qBittorrent,
Transmission and aMule backends, with shared category reconciliation.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/manifold/ or %APPDATA%\\manifold\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for database and other files (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := &Application{
			configDir: configDir,
			dataDir:   dataDir,
			logPath:   logPath,
		}
		app.runServer()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of manifold",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/manifold/config.toml
- Windows: %APPDATA%\manifold\config.toml

You can specify either a directory path or a direct file path:
- Directory: manifold generate-config --config-dir /path/to/config/
- File: manifold generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				defaultDir := config.GetDefaultConfigDir()
				configPath = filepath.Join(defaultDir, "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
}

func (app *Application) runServer() {
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		os.Setenv("MANIFOLD__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("MANIFOLD__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting manifold")

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	backendStore, err := models.NewBackendStore(db, cfg.GetEncryptionKey())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize backend store")
	}
	errorStore := models.NewBackendErrorStore(db)
	categoryStore := models.NewCategoryStore(db)

	pool := backend.NewPool(map[models.ClientType]backend.Factory{
		models.ClientTypeDeluge:       deluge.NewClient,
		models.ClientTypeQBittorrent:  qbittorrent.NewClient,
		models.ClientTypeTransmission: transmission.NewClient,
		models.ClientTypeAMule:        amule.NewFactory(nil),
	})

	applyManagerDefaults := func(conf *domain.Config) {
		var opts []backend.ManagerOption
		if d := conf.ReconnectDelaySeconds; d > 0 {
			opts = append(opts, backend.WithReconnectDelay(time.Duration(d)*time.Second))
		}
		if d := conf.TrackerRefreshSeconds; d > 0 {
			opts = append(opts, backend.WithRefreshInterval(time.Duration(d)*time.Second))
		}
		pool.SetManagerDefaults(opts...)
	}
	applyManagerDefaults(cfg.Config)
	cfg.RegisterReloadListener(applyManagerDefaults)

	reconciler := categories.NewReconciler(categoryStore, pool)

	// Bring up managers for every stored backend. Connection attempts run
	// in the background per manager.
	go func() {
		listCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		backends, err := backendStore.List(listCtx)
		cancel()

		if err != nil {
			log.Error().Err(err).Msg("Failed to list backends for startup connection")
			return
		}

		for _, b := range backends {
			password, err := backendStore.GetDecryptedPassword(b)
			if err != nil {
				log.Error().Err(err).Int("backendID", b.ID).Msg("Failed to decrypt backend password")
				continue
			}

			if _, err := pool.AddManager(context.Background(), b, password, errorStore, categoryStore); err != nil {
				log.Error().Err(err).Int("backendID", b.ID).Str("name", b.Name).Msg("Failed to create backend manager")
			}
		}
	}()

	httpServer := api.NewServer(&api.Dependencies{
		Config:        cfg,
		Version:       buildinfo.Version,
		BackendStore:  backendStore,
		ErrorStore:    errorStore,
		CategoryStore: categoryStore,
		Pool:          pool,
		Reconciler:    reconciler,
	})

	errorChannel := make(chan error)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
	case err := <-errorChannel:
		log.Fatal().Err(err).Msg("failed to start HTTP server")
	}

	if cfg.Config.MetricsEnabled {
		metricsManager := metrics.NewMetricsManager(pool)

		// Metrics are served on their own listener.
		go func() {
			metricsServer := metrics.NewMetricsServer(
				metricsManager,
				cfg.Config.MetricsHost,
				cfg.Config.MetricsPort,
			)

			errorChannel <- metricsServer.ListenAndServe()
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")
	}

	pool.Close(ctx)
}
