package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sunway24/dealbridge/internal/auth"
	"github.com/sunway24/dealbridge/internal/bot"
	"github.com/sunway24/dealbridge/internal/config"
	"github.com/sunway24/dealbridge/internal/console"
	"github.com/sunway24/dealbridge/internal/crm"
	"github.com/sunway24/dealbridge/internal/dispatch"
	"github.com/sunway24/dealbridge/internal/docstore"
	"github.com/sunway24/dealbridge/internal/httpapi"
	"github.com/sunway24/dealbridge/internal/identity"
	"github.com/sunway24/dealbridge/internal/migrate"
	"github.com/sunway24/dealbridge/internal/notify"
	"github.com/sunway24/dealbridge/internal/obs"
	"github.com/sunway24/dealbridge/internal/portal"
	"github.com/sunway24/dealbridge/internal/stage"
	"github.com/sunway24/dealbridge/internal/store/kv"
	"github.com/sunway24/dealbridge/internal/store/pg"
	"github.com/sunway24/dealbridge/internal/stream"
)

var (
	version = "0.1.0"
	commit  = ""
)

// state is the selected backend for identity links and stage observations.
type state struct {
	identities identity.Store
	stages     stage.Cache
	probe      httpapi.Pinger
	close      func() error
}

func openState(ctx context.Context, cfg config.Config) (state, error) {
	switch cfg.StateBackend {
	case config.BackendPostgres:
		store, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			return state{}, err
		}
		if err := migrate.NewManager(store.DB(), migrate.Embedded(), nil).Up(ctx); err != nil {
			_ = store.Close()
			return state{}, err
		}
		return state{identities: store.Identities(), stages: store.Stages(), probe: store, close: store.Close}, nil
	case config.BackendBadger:
		dir := cfg.BadgerPath
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(cfg.DataDir, dir)
		}
		store, err := kv.Open(dir)
		if err != nil {
			return state{}, err
		}
		return state{identities: store, stages: store.Stages(), probe: store, close: store.Close}, nil
	default:
		obs.Warn("state_in_memory", map[string]any{"note": "identity links and stage history are lost on restart"})
		return state{
			identities: identity.NewInMemory(),
			stages:     stage.NewMemoryCache(),
			close:      func() error { return nil },
		}, nil
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	obs.SetLevel(obs.ParseLevel(cfg.LogLevel))
	obs.Init()
	obs.InitBuildInfo(version, commit, cfg.StateBackend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.SetupTracing(ctx, "dealbridge", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}

	st, err := openState(ctx, cfg)
	if err != nil {
		log.Fatalf("state backend %s: %v", cfg.StateBackend, err)
	}

	events := stream.New()
	docs, err := docstore.New(cfg.DataDir, events)
	if err != nil {
		log.Fatalf("document store: %v", err)
	}
	bitrix, err := crm.NewClient(cfg.BitrixWebhookURL, cfg.OutboundTimeout, nil)
	if err != nil {
		log.Fatalf("crm: %v", err)
	}
	tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.OutboundTimeout, cfg.SendRatePerSec)
	if err != nil {
		log.Fatalf("telegram: %v", err)
	}
	poller, err := tg.Poller(bot.PollTimeout)
	if err != nil {
		log.Fatalf("telegram poller: %v", err)
	}

	pipeline, err := dispatch.New(dispatch.Config{
		InvoiceStage:   cfg.InvoiceStage,
		WarehouseStage: cfg.WarehouseStage,
		Grace:          cfg.ArtifactGrace,
	}, dispatch.Deps{
		CRM:        bitrix,
		Identities: st.identities,
		Detector:   stage.NewDetector(st.stages),
		Artifacts:  docs,
		Notifier:   tg,
		Events:     events,
	})
	if err != nil {
		log.Fatalf("dispatch: %v", err)
	}

	staff := auth.NewAllowlist(cfg.StaffIDs)
	uploads, err := console.New(console.Deps{
		Staff:     staff,
		CRM:       bitrix,
		Documents: docs,
		Messenger: tg,
		Files:     tg,
		Uploader:  pipeline,
	})
	if err != nil {
		log.Fatalf("console: %v", err)
	}
	customers, err := portal.New(portal.Deps{
		CRM:        bitrix,
		Names:      bitrix,
		Identities: st.identities,
		Documents:  docs,
		Messenger:  tg,
		Managers:   portal.Managers{WhatsApp: cfg.ManagerWhatsAppURL, Telegram: cfg.ManagerTelegramURL},
	})
	if err != nil {
		log.Fatalf("portal: %v", err)
	}

	api := httpapi.New(pipeline, events, httpapi.ReadyProbe{Backend: st.probe},
		auth.NewWebhookVerifier(cfg.WebhookSecret), version).
		WithRateLimit(cfg.RateBurst, cfg.RatePerSecond)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	obs.Info("service_start", map[string]any{
		"version":     version,
		"addr":        srv.Addr,
		"backend":     cfg.StateBackend,
		"staff_count": staff.Len(),
		"bot":         tg.API().Self.UserName,
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	botDone := make(chan struct{})
	go func() {
		defer close(botDone)
		router := bot.NewRouter(uploads, customers, tg)
		if err := bot.Run(ctx, poller, router); err != nil && !errors.Is(err, context.Canceled) {
			obs.Error("bot_stopped", map[string]any{"error": err})
		}
	}()

	<-ctx.Done()
	obs.Info("service_stopping", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Error("http_shutdown_failed", map[string]any{"error": err})
	}
	select {
	case <-botDone:
	case <-shutdownCtx.Done():
		obs.Warn("bot_shutdown_timeout", nil)
	}
	if err := st.close(); err != nil {
		obs.Error("state_close_failed", map[string]any{"error": err})
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		obs.Error("tracing_shutdown_failed", map[string]any{"error": err})
	}
	obs.Info("service_stopped", nil)
}
