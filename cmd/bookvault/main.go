package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bookvault/internal/app"
	"bookvault/internal/config"
	"bookvault/internal/server"
	"bookvault/internal/usertoken"
	"bookvault/internal/util"
	"bookvault/internal/vault"
	"bookvault/pkg/storage"
	"bookvault/pkg/store"
)

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "bookvault: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "bookvault",
		Short:        "Personal e-book library server",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.ConfigPath, "Path to the YAML config file")
	cmd.AddCommand(
		newServeCmd(),
		newSweepCmd(),
	)
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := util.InitLogger(cfg.LogLevel)

			appCore, err := buildApp(cfg)
			if err != nil {
				return err
			}
			tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
				Secret: []byte(cfg.AuthSecret),
				Issuer: cfg.AuthIssuer,
			})
			if err != nil {
				return err
			}
			httpServer, err := server.New(server.Config{
				App:            appCore,
				TokenVerifier:  tokenVerifier,
				PublicBaseURL:  cfg.PublicBaseURL,
				MaxUploadBytes: cfg.MaxUploadBytes,
			})
			if err != nil {
				return err
			}

			addr := ":" + cfg.Port
			srv := &http.Server{
				Addr:         addr,
				Handler:      httpServer.Router(),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 60 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			go func() {
				<-cmd.Context().Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			slog.Info("server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				return err
			}
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete stored objects no book references",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			util.InitLogger(cfg.LogLevel)
			appCore, err := buildApp(cfg)
			if err != nil {
				return err
			}
			removed, err := appCore.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			slog.Info("sweep finished", "removed", removed)
			return nil
		},
	}
}

func buildApp(cfg config.FileConfig) (*app.App, error) {
	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	vaults, err := vault.New(cfg.StorageRoot)
	if err != nil {
		return nil, fmt.Errorf("init vault store: %w", err)
	}
	var mirror storage.ObjectStore = storage.Disabled{}
	if cfg.MinioEndpoint != "" {
		mirror, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("init object mirror: %w", err)
		}
	}
	return app.New(app.Config{
		Store:             st,
		Vaults:            vaults,
		Mirror:            mirror,
		MaxStorageBytes:   cfg.MaxStorageBytes,
		AllowedExtensions: cfg.AllowedExtensions,
	})
}
