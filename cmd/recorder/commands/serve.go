package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	router "github.com/dkeye/Recorder/internal/adapters/http"
	"github.com/dkeye/Recorder/internal/adapters/kurento"
	"github.com/dkeye/Recorder/internal/adapters/rtc"
	"github.com/dkeye/Recorder/internal/adapters/storage"
	"github.com/dkeye/Recorder/internal/adapters/telemetry"
	"github.com/dkeye/Recorder/internal/app"
	"github.com/dkeye/Recorder/internal/app/orch"
	"github.com/dkeye/Recorder/internal/app/pipeline"
	"github.com/dkeye/Recorder/internal/config"
	"github.com/dkeye/Recorder/internal/core"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the signaling server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Watch(configPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return err
	}
	if cfg.Production() {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	var reporter core.Reporter = core.NopReporter{}
	if cfg.Telemetry.SentryDSN != "" {
		s, err := telemetry.NewSentry(cfg.Telemetry.SentryDSN, cfg.Mode)
		if err != nil {
			log.Error().Err(err).Msg("telemetry misconfigured")
			return err
		}
		defer s.Flush(2 * time.Second)
		reporter = s
	}

	fs := afero.NewOsFs()
	engine, err := newEngine(ctx, cfg, fs)
	if err != nil {
		log.Error().Err(err).Str("engine", cfg.Media.Engine).Msg("media engine")
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Warn().Err(err).Msg("close media engine")
		}
	}()

	var deps router.Deps
	var store core.BlobStore
	switch cfg.Storage.Driver {
	case "s3":
		s3, err := storage.NewS3(ctx, storage.S3Config{
			Bucket:    cfg.Storage.S3.Bucket,
			Region:    cfg.Storage.S3.Region,
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
			Endpoint:  cfg.Storage.S3.Endpoint,
			SignedTTL: cfg.Storage.S3.SignedTTL,
		})
		if err != nil {
			return err
		}
		store = s3
	default:
		local := storage.NewLocal(fs, cfg.Storage.LocalDir, cfg.Storage.PublicBaseURL)
		deps.Recordings = local.FileSystem()
		store = local
	}

	pipes := pipeline.New(engine, store, fs, pipeline.Config{
		RecordingsPath:   cfg.Recording.Path,
		URIBase:          cfg.Recording.URIBase,
		MinArtifactBytes: cfg.Recording.MinBytes,
		PollInterval:     cfg.Recording.PollInterval,
		PollTimeout:      cfg.Recording.PollTimeout,
	})
	o := orch.New(app.NewRegistry(), pipes, reporter, orch.Config{
		MediaTimeout: cfg.Recording.MediaTimeout,
		Production:   cfg.Production(),
		CallAttempts: cfg.RateLimit.Attempts,
		CallWindow:   cfg.RateLimit.Interval,
	})

	r := router.SetupRouter(ctx, cfg, o, deps)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Recorder server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	o.Shutdown()
	log.Info().Msg("Server exited gracefully")
	return nil
}

func newEngine(ctx context.Context, cfg *config.Config, fs afero.Fs) (core.MediaEngine, error) {
	if cfg.Media.Engine == "kurento" {
		client, err := kurento.Dial(ctx, cfg.Media.KurentoURL)
		if err != nil {
			return nil, err
		}
		go func() {
			select {
			case <-client.DisconnectNotify():
				log.Error().Str("module", "kurento").Msg("media server connection lost")
			case <-ctx.Done():
			}
		}()
		return kurento.NewEngine(client), nil
	}
	return rtc.NewEngine(rtc.EngineConfig{ICEServers: cfg.Media.ICEServers, Fs: fs})
}
