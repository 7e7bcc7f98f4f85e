package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/macrelay/macrelay/internal/database"
	"github.com/macrelay/macrelay/internal/ffmpeg"
	internalhttp "github.com/macrelay/macrelay/internal/http"
	"github.com/macrelay/macrelay/internal/http/handlers"
	"github.com/macrelay/macrelay/internal/relay"
	"github.com/macrelay/macrelay/internal/repository"
	"github.com/macrelay/macrelay/internal/service"
	"github.com/macrelay/macrelay/internal/stalker"
	"github.com/macrelay/macrelay/internal/startup"
	"github.com/macrelay/macrelay/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the macrelay server",
	Long: `Start the macrelay HTTP server.

The server provides:
- Stream delivery endpoints (raw pipe, HLS, redirect)
- M3U playlist, XMLTV guide, and HDHomeRun tuner emulation
- REST API for managing portals, MAC pools, and channels
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	initLogging(cfg)
	logger := slog.Default()

	if err := startup.EnsureDirectories(cfg.Storage.DataDir, cfg.Storage.StreamPath()); err != nil {
		return fmt.Errorf("preparing data directories: %w", err)
	}

	// Scratch dirs from a previous run hold dead segment data; remove them
	// before the transcoder pool starts writing new ones.
	removed, err := startup.CleanupOrphanedStreamDirs(logger, cfg.Storage.StreamPath())
	if err != nil {
		logger.Warn("orphaned stream dir cleanup failed", slog.String("error", err.Error()))
	} else if removed > 0 {
		logger.Info("removed orphaned stream dirs", slog.Int("count", removed))
	}

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	binaries, err := ffmpeg.FindBinaries(cfg.Stream.FFmpegPath, cfg.Stream.FFprobePath)
	if err != nil {
		return fmt.Errorf("locating ffmpeg: %w", err)
	}
	logger.Info("transcoder binaries resolved",
		slog.String("ffmpeg", binaries.FFmpeg),
		slog.String("ffprobe", binaries.FFprobe),
	)

	portalRepo := repository.NewPortalRepository(db.DB)
	channelRepo := repository.NewChannelRepository(db.DB)

	stalkerClient := stalker.NewClient(cfg.Stalker, logger)

	occ := relay.NewOccupancy()
	rotation := relay.NewRotation(portalRepo, logger)
	prober := relay.NewProber(binaries.FFprobe, cfg.Stream.ProbeTimeout, logger)
	resolver := relay.NewResolver(
		portalRepo, channelRepo, stalkerClient,
		occ, rotation, prober,
		cfg.Stream.TestStreams, cfg.Stream.TryAllMACs,
		logger,
	)
	piper := relay.NewPiper(binaries.FFmpeg, cfg.Stream.PipeCommand, cfg.Stream.ProbeTimeout, occ, rotation, logger)
	hlsManager := relay.NewHLSManager(cfg.HLS, binaries.FFmpeg, cfg.Storage.StreamPath(), cfg.Stream.ProbeTimeout, occ, logger)

	refreshService := service.NewRefreshService(portalRepo, channelRepo, stalkerClient, rotation, logger)
	guideService := service.NewGuideService(cfg.Guide, portalRepo, channelRepo, stalkerClient, rotation, logger)
	playlistService := service.NewPlaylistService(portalRepo, channelRepo, logger)
	scheduler := service.NewScheduler(cfg.Guide, refreshService, guideService, logger)

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)

	handlers.NewPlayHandler(resolver, piper, occ, cfg.Stream.Method, logger).RegisterRoutes(server.Router())
	handlers.NewHLSHandler(resolver, hlsManager, logger).RegisterRoutes(server.Router())
	handlers.NewLineupHandler(playlistService, cfg.HDHR, cfg.Server.AdvertisedHost, logger).RegisterRoutes(server.Router())
	handlers.NewGuideHandler(guideService, logger).RegisterRoutes(server.Router())

	handlers.NewHealthHandler(version.Version, db.DB, occ, hlsManager, binaries.FFmpeg).Register(server.API())
	handlers.NewPortalHandler(portalRepo, channelRepo, stalkerClient, refreshService, guideService, logger).Register(server.API())
	handlers.NewChannelHandler(channelRepo, guideService, logger).Register(server.API())
	handlers.NewStreamsHandler(occ, hlsManager).Register(server.API())

	// Background lifecycle: reclamation sweep and scheduled refresh.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hlsManager.Run(ctx)

	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer scheduler.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("macrelay started",
		slog.String("address", cfg.Server.Address()),
		slog.String("version", version.Version),
	)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}

	if err := server.Shutdown(context.Background()); err != nil {
		logger.Error("server shutdown failed", slog.String("error", err.Error()))
	}

	// Cancelling the background context makes the transcoder manager kill
	// its subprocesses and remove their scratch dirs.
	cancel()
	hlsManager.CleanupAll()

	return nil
}
