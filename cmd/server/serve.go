package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/tus-placer/backend/internal/api"
	"github.com/tus-placer/backend/internal/assembly"
	"github.com/tus-placer/backend/internal/config"
	"github.com/tus-placer/backend/internal/filename"
	"github.com/tus-placer/backend/internal/ledger"
	"github.com/tus-placer/backend/internal/logger"
	"github.com/tus-placer/backend/internal/placement"
	"github.com/tus-placer/backend/internal/storage"
	"github.com/tus-placer/backend/internal/upload"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hook receiver and placement pipeline",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Init(cfg.Advanced.LogLevel, cfg.Advanced.PrettyLogs)

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	fsys := storage.OS()
	staging := storage.NewStaging(fsys, cfg.Storage.StagingDirectory, cfg.Storage.SidecarSuffix)
	tracker := assembly.NewTracker(assembly.NewMemoryStore(), staging, assembly.Options{
		MaxTotalParts: cfg.Processing.MaxTotalParts,
		VerifySize:    cfg.Processing.VerifyAssembledSize,
	})

	var (
		recorder upload.Recorder
		placeLog api.PlacementLog
		led      *ledger.Ledger
	)
	if cfg.Ledger.Enabled {
		led, err = ledger.Open(cmd.Context(), cfg.Ledger.Path)
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		defer led.Close()
		recorder, placeLog = led, led
	}

	hub := api.NewEventHub()
	uploadMgr := upload.NewManager(upload.Config{
		Staging:          staging,
		Tracker:          tracker,
		Resolver:         filename.NewResolver(fsys, cfg.Processing.MaxNumberingProbe),
		Placer:           placement.NewPlacer(fsys, cfg.Storage.SidecarSuffix),
		MountDir:         cfg.Storage.MountDirectory,
		SidecarRetention: cfg.Processing.SidecarRetention,
		Recorder:         recorder,
		Observer:         hub,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runCleanup(ctx, cfg, uploadMgr)

	api.ShowErrorDetails = cfg.Advanced.LogLevel == "debug"

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	api.SetupMiddleware(e, api.MiddlewareOptions{
		RequestLogging: cfg.Advanced.EnableRequestLogging,
		BodyLimit:      cfg.Server.BodyLimit,
	})

	handlers := api.NewHandlers(&api.Dependencies{
		UploadMgr: uploadMgr,
		Ledger:    placeLog,
		Hub:       hub,
		FS:        fsys,
		Dirs: map[string]string{
			"staging": cfg.Storage.StagingDirectory,
			"mount":   cfg.Storage.MountDirectory,
		},
		Version: Version,
	})
	api.RegisterRoutes(e, handlers)
	api.RegisterWebSocketRoutes(e, handlers)

	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	printBanner(cfg)

	errCh := make(chan error, 1)
	go func() {
		if err := e.StartServer(s); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGHUP, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := shutdown(shutdownCtx, s, hub, uploadMgr); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	return nil
}

// shutdown stops accepting hooks and drains in-flight requests before
// waiting for completion jobs, so no job starts after Wait begins.
func shutdown(ctx context.Context, s *http.Server, hub *api.EventHub, mgr *upload.Manager) error {
	err := s.Shutdown(ctx)
	hub.Close()
	mgr.Wait()
	return err
}

// runCleanup periodically drops stale groups and finished jobs.
func runCleanup(ctx context.Context, cfg *config.AppConfig, mgr *upload.Manager) {
	interval := time.Duration(cfg.Processing.CleanupIntervalMinutes) * time.Minute
	if interval <= 0 {
		return
	}
	groupTTL := time.Duration(cfg.Processing.AbandonedGroupTTLMinutes) * time.Minute
	staleTTL := time.Duration(cfg.Processing.StaleGroupTTLMinutes) * time.Minute
	jobTTL := time.Duration(cfg.Processing.JobRetentionMinutes) * time.Minute

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			groups := 0
			if groupTTL > 0 {
				groups = mgr.Tracker().Prune(groupTTL)
			}
			if staleTTL > 0 {
				groups += mgr.Tracker().PruneStale(staleTTL)
			}
			jobs := mgr.CleanupOldJobs(jobTTL)
			if groups > 0 || jobs > 0 {
				logger.Info().Int("groups", groups).Int("jobs", jobs).Msg("cleanup")
			}
		}
	}
}

func printBanner(cfg *config.AppConfig) {
	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           tus Upload Placer                               ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", configPath)
	fmt.Printf("║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Staging:   %-46s║\n", cfg.Storage.StagingDirectory)
	fmt.Printf("║  Mount:     %-46s║\n", cfg.Storage.MountDirectory)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
}
