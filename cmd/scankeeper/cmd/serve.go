package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/solatis/scankeeper/internal/core/api"
	"github.com/solatis/scankeeper/internal/core/auth"
	"github.com/solatis/scankeeper/internal/core/config"
	"github.com/solatis/scankeeper/internal/core/db"
	"github.com/solatis/scankeeper/internal/core/server"
	"github.com/solatis/scankeeper/internal/engine"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gRPC scan API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "0.0.0.0", "gRPC server host")
	serveCmd.Flags().Int("port", 50061, "gRPC server port")
	serveCmd.Flags().String("fixtures", "", "fixture file with recorded responses")
	serveCmd.Flags().String("http-base-url", "", "base URL for HTTP-bound actions")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(func(cfg *config.Config) {
		flags := cmd.Flags()
		if flags.Changed("host") {
			cfg.Server.Host, _ = flags.GetString("host")
		}
		if flags.Changed("port") {
			cfg.Server.Port, _ = flags.GetInt("port")
		}
		if flags.Changed("fixtures") {
			cfg.Scan.Fixtures, _ = flags.GetString("fixtures")
		}
		if flags.Changed("http-base-url") {
			cfg.Scan.HTTPBaseURL, _ = flags.GetString("http-base-url")
		}
	})
	if err != nil {
		return err
	}

	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.RequireCurrent(database); err != nil {
		if errors.Is(err, db.ErrPendingMigrations) {
			return fmt.Errorf("%w (run 'scankeeper migrate' first)", err)
		}
		return fmt.Errorf("failed to check migrations: %w", err)
	}

	queries, err := db.LoadQueries(database)
	if err != nil {
		return fmt.Errorf("failed to load queries: %w", err)
	}

	secrets, err := config.HMACSecrets()
	if err != nil {
		return fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	if len(secrets) == 0 {
		return fmt.Errorf("no HMAC secrets configured (set SK_HMAC_SECRET environment variable)")
	}
	authenticator := auth.NewAuthenticator(secrets, queries)

	bind, err := buildBinder(afero.NewOsFs(), cfg.Scan)
	if err != nil {
		return err
	}
	if bind == nil {
		logger.Warn("no invoker binding configured; RunScan requests must carry fixtures")
	}

	service, err := api.NewScanService(engine.New(cfg.Scan.EngineOptions()), queries, bind, cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	grpcServer, err := server.NewGRPCServer(cfg.Server, service, authenticator)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	logger.WithFields(log.Fields{"version": Version, "addr": grpcServer.Addr()}).Info("starting scankeeper scan API")
	errChan := make(chan error, 1)
	go func() {
		errChan <- grpcServer.Start(context.Background())
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case <-sigChan:
		logger.Info("shutting down gracefully")
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		return grpcServer.Shutdown(ctx)
	}
}
