// Command intercom runs the voice intercom service: it accepts
// AudioSocket connections from the building's PBX on per-apartment
// visitor/resident port pairs, drives each call leg through speech
// recognition, intent extraction, and synthesis, and originates the
// resident leg over the click-to-call bus once a visitor's request is
// validated against the apartment directory.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/sebas/intercom/internal/banner"
	"github.com/sebas/intercom/internal/logger"
	"github.com/sebas/intercom/services/intercom/api"
	"github.com/sebas/intercom/services/intercom/bus"
	"github.com/sebas/intercom/services/intercom/capability"
	"github.com/sebas/intercom/services/intercom/config"
	"github.com/sebas/intercom/services/intercom/conversation"
	"github.com/sebas/intercom/services/intercom/directory"
	"github.com/sebas/intercom/services/intercom/extension"
	"github.com/sebas/intercom/services/intercom/leg"
	"github.com/sebas/intercom/services/intercom/orchestrator"
	"github.com/sebas/intercom/services/intercom/phrase"
	"github.com/sebas/intercom/services/intercom/resources"
	"github.com/sebas/intercom/services/intercom/session"
	"github.com/sebas/intercom/services/intercom/vad"
)

func main() {
	logger.Init(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("[Main] failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)

	banner.Print("Intercom", []banner.ConfigLine{
		{Label: "API bind", Value: cfg.APIBindAddr},
		{Label: "Log level", Value: cfg.LogLevel},
		{Label: "Voice detection", Value: cfg.VoiceDetectionType},
		{Label: "Transcribers", Value: fmt.Sprint(cfg.TranscriberAddrs)},
		{Label: "Synthesizers", Value: fmt.Sprint(cfg.SynthesizerAddrs)},
		{Label: "NATS", Value: cfg.NATSURL},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cancel, cfg); err != nil {
		slog.Error("[Main] fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config) error {
	meterProvider, err := initMeterProvider()
	if err != nil {
		return fmt.Errorf("main: init metrics provider: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = meterProvider.Shutdown(shutdownCtx)
	}()

	registry := session.NewRegistry(30*time.Minute, time.Minute, func(sess *session.Session) {
		slog.Info("[Main] session expired from registry", "call_id", sess.CallID.String())
	})
	defer registry.Close()

	cpuSampler := resources.GopsutilSampler{}
	resourceManager := resources.New(resources.Config{
		MaxConcurrentTranscriptions: int64(cfg.MaxConcurrentTranscriptions),
		MaxConcurrentSyntheses:      int64(cfg.MaxConcurrentSyntheses),
		MaxActiveSessions:           cfg.MaxActiveSessions,
		ThrottleActiveSessions:      cfg.ThrottleActiveSessions,
		ThrottleCPUPercent:          cfg.ThrottleCPUPercent,
		ThrottleMultiplier:          cfg.ThrottleMultiplier,
		BaseTransmissionDelay:       20 * time.Millisecond,
	}, cpuSampler, slog.Default())

	dir, err := directory.NewStore(ctx, cfg.DirectoryDSN)
	if err != nil {
		return fmt.Errorf("main: connect directory store: %w", err)
	}
	defer dir.Close()

	transcriberPool, err := capability.NewGRPCPool(capability.PoolConfig{
		Addresses:           cfg.TranscriberAddrs,
		ConnectTimeout:      cfg.GRPCConnectTimeout,
		KeepaliveInterval:   cfg.GRPCKeepaliveInterval,
		KeepaliveTimeout:    cfg.GRPCKeepaliveTimeout,
		HealthCheckInterval: 5 * time.Second,
		RequestTimeout:      8 * time.Second,
	}, slog.Default())
	if err != nil {
		return fmt.Errorf("main: dial transcription providers: %w", err)
	}
	defer transcriberPool.Close()

	synthesizerPool, err := capability.NewGRPCPool(capability.PoolConfig{
		Addresses:           cfg.SynthesizerAddrs,
		ConnectTimeout:      cfg.GRPCConnectTimeout,
		KeepaliveInterval:   cfg.GRPCKeepaliveInterval,
		KeepaliveTimeout:    cfg.GRPCKeepaliveTimeout,
		HealthCheckInterval: 5 * time.Second,
		RequestTimeout:      8 * time.Second,
	}, slog.Default())
	if err != nil {
		return fmt.Errorf("main: dial synthesis providers: %w", err)
	}
	defer synthesizerPool.Close()

	phraseCache, err := phrase.NewCache(filepath.Join("data", "phrase-cache"), synthesizerPool)
	if err != nil {
		return fmt.Errorf("main: open phrase cache: %w", err)
	}

	extractor, err := capability.NewOpenAIExtractor(cfg.LLMAPIKey, "")
	if err != nil {
		return fmt.Errorf("main: construct intent extractor: %w", err)
	}

	publisher, err := bus.NewNATSPublisher(bus.Config{
		URL:            cfg.NATSURL,
		StreamName:     "INTERCOM_CALLS",
		SubjectPrefix:  "intercom",
		ConnectTimeout: 5 * time.Second,
		PublishTimeout: 3 * time.Second,
		MaxRetries:     3,
		RetryBackoff:   500 * time.Millisecond,
	}, slog.Default())
	if err != nil {
		return fmt.Errorf("main: connect click-to-call bus: %w", err)
	}
	defer publisher.Close()

	originator := orchestrator.New(orchestrator.DefaultConfig(), publisher, slog.Default())

	legHandler := leg.NewHandler(leg.Deps{
		Registry:    registry,
		Resources:   resourceManager,
		Transcriber: transcriberPool,
		Synthesizer: phraseCache,
		Extractor:   extractor,
		Directory:   dir,
		Originator:  originator,
		Policy: conversation.Policy{
			NameMatchThreshold: cfg.NameMatchThreshold,
		},
		Config: leg.Config{
			VAD:                     vadConfig(cfg),
			UseStreamingRecognizer:  cfg.VoiceDetectionType == "streaming-recognizer",
			StreamingSegmentTimeout: cfg.AzureSpeechSegmentTimeout,
			DeadlockWatchdogTimeout: cfg.DeadlockWatchdogTimeout,
			Voice:                   "default",
			SendQueuePollInterval:   50 * time.Millisecond,
			SilenceThreshold:        cfg.SilenceThreshold,
			ResidentMaxSilence:      cfg.ResidentMaxSilence,
			MaxTransactionTime:      cfg.MaxTransactionTime,
			PostAudioDelay:          300 * time.Millisecond,
			DiscardBufferFrames:     15,
		},
		Logger: slog.Default(),
	})

	extensionManager := extension.NewManager(dir, legHandler.Handle, cfg.ExtensionsSnapshotPath, slog.Default())
	if err := extensionManager.Refresh(ctx); err != nil {
		slog.Warn("[Main] initial extension refresh failed", "error", err)
	}
	defer extensionManager.Close()

	watcher := directory.NewWatcher(cfg.DirectoryDSN, slog.Default())
	go watchDirectory(ctx, watcher, extensionManager)

	apiServer := api.NewServer(registry, extensionManager, slog.Default())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", apiServer)
	httpServer := &http.Server{Addr: cfg.APIBindAddr, Handler: mux}

	go func() {
		slog.Info("[Main] management API listening", "addr", cfg.APIBindAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[Main] management API server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("[Main] received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	time.Sleep(time.Second)
	return nil
}

// watchDirectory keeps the extension manager's listener-pair set in
// sync with directory changes, reconnecting the LISTEN/NOTIFY watcher
// with backoff whenever it drops.
func watchDirectory(ctx context.Context, watcher *directory.Watcher, extensionManager *extension.Manager) {
	backoff := time.Second
	for {
		err := watcher.Run(ctx, func(change directory.Change) {
			slog.Info("[Main] directory change received", "kind", change.Kind, "apartment", change.Entry.Apartment)
			refreshCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := extensionManager.Refresh(refreshCtx); err != nil {
				slog.Warn("[Main] extension refresh after directory change failed", "error", err)
			}
		})
		if ctx.Err() != nil {
			return
		}
		slog.Warn("[Main] directory watcher stopped, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

// initMeterProvider wires a Prometheus-backed OTel meter provider as
// the process global, so every package's DefaultMetrics() call (e.g.
// resources.DefaultMetrics) picks up real instruments scraped at
// /metrics rather than the no-op default.
func initMeterProvider() (*sdkmetric.MeterProvider, error) {
	exporter, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(mp)
	return mp, nil
}

func vadConfig(cfg *config.Config) vad.Config {
	v := vad.DefaultConfig()
	v.AntiEchoGuardPeriod = cfg.AntiEchoGuardPeriod
	v.MinFrames = cfg.MinUtteranceFrames
	v.EnergyThresholdAdmit = cfg.EnergyThresholdAdmit
	v.EnergyThresholdEnd = cfg.EnergyThresholdEnd
	v.PreBufferDuration = cfg.PreBufferDuration
	return v
}
