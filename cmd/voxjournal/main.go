package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/voxjournal/voxjournal/internal/api"
	"github.com/voxjournal/voxjournal/internal/clock"
	"github.com/voxjournal/voxjournal/internal/config"
	"github.com/voxjournal/voxjournal/internal/database"
	"github.com/voxjournal/voxjournal/internal/dialog"
	"github.com/voxjournal/voxjournal/internal/metrics"
	"github.com/voxjournal/voxjournal/internal/provider/llm"
	llmmock "github.com/voxjournal/voxjournal/internal/provider/llm/mock"
	"github.com/voxjournal/voxjournal/internal/provider/llm/openai"
	"github.com/voxjournal/voxjournal/internal/provider/stt"
	"github.com/voxjournal/voxjournal/internal/provider/stt/deepgram"
	sttmock "github.com/voxjournal/voxjournal/internal/provider/stt/mock"
	"github.com/voxjournal/voxjournal/internal/provider/telephony"
	telmock "github.com/voxjournal/voxjournal/internal/provider/telephony/mock"
	"github.com/voxjournal/voxjournal/internal/provider/telephony/twilio"
	"github.com/voxjournal/voxjournal/internal/provider/tts"
	"github.com/voxjournal/voxjournal/internal/provider/tts/elevenlabs"
	ttsmock "github.com/voxjournal/voxjournal/internal/provider/tts/mock"
	"github.com/voxjournal/voxjournal/internal/schedule"
)

// defaultVoiceID is the synthesis voice used for all calls.
const defaultVoiceID = "21m00Tcm4TlvDq8ikWAM"

// ttsCacheSize bounds the in-memory greeting/prompt audio cache.
const ttsCacheSize = 256

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting voxjournal",
		"http_port", cfg.HTTPPort,
		"base_url", cfg.BaseURL,
		"data_dir", cfg.DataDir,
		"mocks", cfg.UseMocks,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DBURL, cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	profiles := database.NewProfileRepository(db)
	templates := database.NewPromptTemplateRepository(db)
	windows := database.NewWindowRepository(db)
	sessions := database.NewSessionRepository(db)
	responses := database.NewResponseRepository(db)
	scheduled := database.NewScheduledCallRepository(db)
	calls := database.NewPhoneCallRepository(db)
	entries := database.NewEntryRepository(db)

	// Initialize recording URL encryption.
	var enc *database.Encryptor
	if keyBytes, err := cfg.EncryptionKeyBytes(); err != nil {
		slog.Error("failed to decode encryption key", "error", err)
		os.Exit(1)
	} else if keyBytes != nil {
		enc, err = database.NewEncryptor(keyBytes)
		if err != nil {
			slog.Error("failed to create encryptor", "error", err)
			os.Exit(1)
		}
		slog.Info("recording url encryption enabled")
	} else {
		slog.Warn("no encryption key configured, recording urls will be dropped")
	}

	telProvider, sttProvider, ttsProvider, llmProvider, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to create providers", "error", err)
		os.Exit(1)
	}
	ttsCache := tts.NewCache(ttsProvider, ttsCacheSize)
	voice := tts.VoiceProfile{ID: defaultVoiceID, SpeedFactor: 1.0}

	runtime := dialog.New(dialog.Config{
		Profiles:    profiles,
		Sessions:    sessions,
		Responses:   responses,
		Calls:       calls,
		Scheduled:   scheduled,
		Entries:     entries,
		STT:         sttProvider,
		TTS:         ttsCache,
		LLM:         llmProvider,
		Telephony:   telProvider,
		Clock:       clock.System{},
		Logger:      logger,
		Voice:       voice,
		PauseMin:    cfg.PauseThreshold(),
		PauseHard:   cfg.PauseHard(),
		MaxCallTime: cfg.MaxCallDuration(),
	})

	materializer := &schedule.Materializer{
		Windows:   windows,
		Profiles:  profiles,
		Templates: templates,
		Sessions:  sessions,
		Scheduled: scheduled,
		Calls:     calls,
		Entries:   entries,
		Clock:     clock.System{},
		Logger:    logger,
		Interval:  time.Duration(cfg.WindowPollSec) * time.Second,
	}
	dispatcher := &schedule.Dispatcher{
		Scheduled:    scheduled,
		Sessions:     sessions,
		Calls:        calls,
		Templates:    templates,
		Profiles:     profiles,
		Telephony:    telProvider,
		From:         cfg.TelephonyFrom,
		AnswerURL:    cfg.WebhookURL("/telephony/answer"),
		StatusURL:    cfg.WebhookURL("/telephony/status"),
		RecordingURL: cfg.WebhookURL("/telephony/recording"),
		Clock:        clock.System{},
		Logger:       logger,
		Interval:     time.Duration(cfg.DispatchPollSec) * time.Second,
		Batch:        cfg.DispatchBatch,
		Limiter:      rate.NewLimiter(rate.Limit(1), 3),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		metrics.NewCollector(runtime, scheduled, calls, entries, time.Now()),
	)

	handler := api.NewServer(api.Deps{
		Cfg:        cfg,
		Profiles:   profiles,
		Sessions:   sessions,
		Calls:      calls,
		Scheduled:  scheduled,
		Runtime:    runtime,
		Dispatcher: dispatcher,
		TTS:        ttsCache,
		Voice:      voice,
		Crypto:     enc,
		Gatherer:   registry,
		Clock:      clock.System{},
		Logger:     logger,
	})
	defer handler.Close()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: handler,
		// Media-stream WebSockets live for the whole call, so no write
		// timeout on this server.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return materializer.Run(ctx) })
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("voxjournal stopped")
}

// buildProviders wires the four external services, or their in-memory mocks
// when -use-mocks is set for local development.
func buildProviders(cfg *config.Config) (telephony.Provider, stt.Provider, tts.Provider, llm.Provider, error) {
	if cfg.UseMocks {
		slog.Warn("using mock providers, no external calls will be made")
		return &telmock.Provider{}, &sttmock.Provider{}, &ttsmock.Provider{}, &llmmock.Provider{}, nil
	}

	tel, err := twilio.New(cfg.TelephonyAccount, cfg.TelephonyToken)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("telephony: %w", err)
	}
	sttP, err := deepgram.New(cfg.STTKey)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("stt: %w", err)
	}
	ttsP, err := elevenlabs.New(cfg.TTSKey)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("tts: %w", err)
	}
	llmP, err := openai.New(cfg.LLMKey)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("llm: %w", err)
	}
	return tel, sttP, ttsP, llmP, nil
}
