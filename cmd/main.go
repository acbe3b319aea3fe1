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

	"github.com/averyjennings/claw-stream-vision/internal/archive"
	"github.com/averyjennings/claw-stream-vision/internal/chatroom"
	"github.com/averyjennings/claw-stream-vision/internal/config"
	"github.com/averyjennings/claw-stream-vision/internal/handler"
	"github.com/averyjennings/claw-stream-vision/internal/hub"
	"github.com/averyjennings/claw-stream-vision/internal/ingest"
	"github.com/averyjennings/claw-stream-vision/internal/metrics"
	"github.com/averyjennings/claw-stream-vision/internal/service"
	"github.com/averyjennings/claw-stream-vision/internal/transcript"
	pkglog "github.com/averyjennings/claw-stream-vision/pkg/log"
	"github.com/averyjennings/claw-stream-vision/pkg/pubsub"
	"github.com/averyjennings/claw-stream-vision/pkg/storage"
	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	cfg.Log.Pretty = cfg.Log.Pretty || cfg.Log.Level == "debug"
	pkglog.Init(cfg.Log)
	logger := pkglog.L()

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	m := metrics.New(cfg.Metrics.Namespace)
	wsHub := hub.NewHub(cfg.Hub, m)

	// Transcript coalescing feeds the hub
	aggregator := transcript.NewAggregator(
		cfg.Transcript.QuietPeriod,
		cfg.Transcript.MaxBuffer,
		cfg.Transcript.MaxFragments,
		transcript.NewFilter(cfg.Transcript.Denylist),
	)
	runner := transcript.NewRunner(aggregator, wsHub.PublishTranscript, m)

	// Capture ingest
	encoder := ingest.NewFrameEncoder(cfg.Ingest.MaxWidth, cfg.Ingest.JPEGQuality)
	var workers []service.Worker

	if cfg.Ingest.PubSubOn {
		bus, err := pubsub.New(cfg.Ingest.PubSub)
		if err != nil {
			logger.Fatal().Err(err).Str("driver", cfg.Ingest.PubSub.Driver).Msg("failed to connect capture event bus")
		}
		defer bus.Close()
		workers = append(workers, ingest.NewSubscriber(bus, cfg.Ingest.StreamID, wsHub, runner, encoder))
		logger.Info().Str("driver", cfg.Ingest.PubSub.Driver).Str("stream_id", cfg.Ingest.StreamID).Msg("capture event bus connected")
	}
	if cfg.Ingest.FrameDir != "" {
		workers = append(workers, ingest.NewFrameWatcher(cfg.Ingest.FrameDir, encoder, wsHub.PublishFrame, cfg.Ingest.FramePoll))
	}

	// Chat archive
	archiver, err := archive.New(cfg.Archive, cfg.Ingest.StreamID)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize chat archive")
	}

	// Frame snapshots to object storage
	if fc := cfg.Archive.Frames; fc.Enabled {
		store, err := storage.New(context.Background(), fc.Storage)
		if err != nil {
			logger.Fatal().Err(err).Str("driver", fc.Storage.Driver).Msg("failed to initialize frame storage")
		}
		workers = append(workers, archive.NewFrameArchiver(store, cfg.Ingest.StreamID, fc.Interval, fc.Keep, wsHub.CurrentFrame))
	}

	// Chat room bridge
	opts := service.Options{
		Archiver:     archiver,
		Workers:      workers,
		ReconnectMax: cfg.Chat.ReconnectMax,
	}
	var chatStatus handler.ChatStatus
	if cfg.Chat.Enabled {
		manager := newChatManager(cfg.Chat, m)
		opts.Chat = manager
		chatStatus = manager
		logger.Info().
			Str(pkglog.FieldChannel, cfg.Chat.Channel).
			Bool("refresh", cfg.Chat.RefreshEnabled()).
			Msg("chat room bridge enabled")
	}

	relay := service.NewRelayService(wsHub, runner, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := relay.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start relay")
	}

	// HTTP mirror
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger))
	handler.NewHTTPHandler(wsHub, chatStatus, m.Handler(), cfg.Hub.ChatHistorySize).RegisterRoutes(r)

	// Websocket endpoint shares the port; non-upgrade requests fall through to gin
	mux := http.NewServeMux()
	handler.NewWSHandler(wsHub, cfg.WebSocket).RegisterRoutes(mux, r)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("stream relay listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down stream relay")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server forced to shutdown")
	}
	if err := relay.Stop(); err != nil {
		logger.Warn().Err(err).Msg("relay stopped with errors")
	}

	logger.Info().Msg("stream relay stopped")
}

func newChatManager(cfg config.ChatConfig, m *metrics.Metrics) *chatroom.Manager {
	var creds *chatroom.Credentials
	if cfg.RefreshEnabled() {
		identity := chatroom.NewIdentityClient(cfg.ClientID, cfg.ClientSecret, cfg.TokenURL, cfg.ValidateURL, nil)
		creds = chatroom.NewCredentials(cfg.AccessToken, cfg.RefreshToken, identity, identity, cfg.MinTokenLife)
	} else {
		creds = chatroom.NewCredentials(cfg.AccessToken, "", nil, nil, cfg.MinTokenLife)
	}

	dialer := &chatroom.IRCDialer{
		URL:          cfg.URL,
		Channel:      cfg.Channel,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return chatroom.NewManager(cfg, dialer, creds, m)
}
