package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cinesync/cinesync/internal/cleanup"
	"github.com/cinesync/cinesync/internal/config"
	"github.com/cinesync/cinesync/internal/database"
	"github.com/cinesync/cinesync/internal/httpx"
	"github.com/cinesync/cinesync/internal/mediastore"
	"github.com/cinesync/cinesync/internal/repository"
	"github.com/cinesync/cinesync/internal/streamer"
	"github.com/cinesync/cinesync/internal/upload"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the cinesync media server",
	Long: `Start the HTTP server that accepts resumable uploads and streams
stored media.

The server provides:
- tus 1.0.0 resumable uploads at /tus/ (creation, termination, expiration)
- byte-range video streaming at /video/{movie-id}
- a background sweep of expired uploads and orphaned partial files`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("database", "cinesync.db", "Database file path")
	serveCmd.Flags().String("media-dir", "media", "Directory holding uploaded media")
	serveCmd.Flags().String("upload-pin", "", "PIN required on upload requests (empty disables)")

	viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("database.path", serveCmd.Flags().Lookup("database"))
	viper.BindPFlag("storage.media_dir", serveCmd.Flags().Lookup("media-dir"))
	viper.BindPFlag("upload.pin", serveCmd.Flags().Lookup("upload-pin"))
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := database.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	store, err := mediastore.NewFileStore(cfg.Storage.MediaDir)
	if err != nil {
		return fmt.Errorf("initializing media store: %w", err)
	}

	repo := repository.NewUploadSessionRepository(db.DB)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker := cleanup.NewWorker(repo, store,
		cfg.Upload.SessionExpiry, cfg.Upload.CleanupInterval, logger)
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("starting cleanup worker: %w", err)
	}
	defer worker.Stop()

	ln, port, err := httpx.Listen(cfg.Server.Host, cfg.Server.Port, cfg.Server.PortFallbackRange)
	if err != nil {
		return fmt.Errorf("binding server: %w", err)
	}

	server := httpx.NewServer(ln, port, cfg.Server.ShutdownGrace, logger)

	uploadHandler := upload.NewHandler(repo, store, upload.Config{
		MaxUploadBytes:  int64(cfg.Upload.MaxUploadBytes),
		StorageHeadroom: int64(cfg.Upload.StorageHeadroom),
		SessionExpiry:   cfg.Upload.SessionExpiry,
		Pin:             viper.GetString("upload.pin"),
	}, logger)
	uploadHandler.Mount(server.Router())

	str := streamer.New(logger)
	str.Mount(server.Router())

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	logger.Info("cinesync media server started",
		slog.String("host", cfg.Server.Host),
		slog.Int("port", port),
		slog.String("media_dir", cfg.Storage.MediaDir),
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if err := server.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}
