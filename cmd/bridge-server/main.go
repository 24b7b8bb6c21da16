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

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/spf13/pflag"

	"github.com/eventotech/fiscalbridge/pkg/bridge"
	"github.com/eventotech/fiscalbridge/pkg/eventfeed"
	"github.com/eventotech/fiscalbridge/pkg/fiscal"
	"github.com/eventotech/fiscalbridge/pkg/metric"
	"github.com/eventotech/fiscalbridge/pkg/session"
	"github.com/eventotech/fiscalbridge/pkg/transmit"
)

type config struct {
	listenAddr  string
	masterToken string
	natsURL     string
	origins     []string
	pingEvery   time.Duration
	liveness    time.Duration
	logLevel    string

	transmitTo       string
	transmitEvery    time.Duration
	minDailyGap      time.Duration
	fallbackSystemID string
	smtpAddr         string
	smtpFrom         string
	smtpUser         string
	smtpPass         string
	dailyEnabled     bool
	monthlyEnabled   bool
	eventsEnabled    bool
}

// envOr falls back to an environment variable when a flag is left at its
// default, so deployments can configure the binary either way.
func envOr(flagVal, envKey, def string) string {
	if flagVal != def {
		return flagVal
	}
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return flagVal
}

func loadConfig() config {
	var cfg config
	pflag.StringVar(&cfg.listenAddr, "listen", ":8081", "HTTP listen address")
	pflag.StringVar(&cfg.masterToken, "master-token", "", "shared secret agents present to register")
	pflag.StringVar(&cfg.natsURL, "nats-url", "", "NATS URL for the lifecycle event feed (empty disables)")
	pflag.StringSliceVar(&cfg.origins, "origin", []string{"localhost:*"}, "allowed websocket origin patterns")
	pflag.DurationVar(&cfg.pingEvery, "ping-interval", 20*time.Second, "heartbeat ping interval")
	pflag.DurationVar(&cfg.liveness, "liveness-timeout", 35*time.Second, "connection liveness timeout")
	pflag.StringVar(&cfg.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	pflag.StringVar(&cfg.transmitTo, "transmit-to", "", "authority inbox address (empty disables the transmission pipeline)")
	pflag.DurationVar(&cfg.transmitEvery, "transmit-interval", time.Hour, "transmission scheduling pass interval")
	pflag.DurationVar(&cfg.minDailyGap, "min-daily-gap", 20*time.Hour, "minimum gap between successful daily deliveries")
	pflag.StringVar(&cfg.fallbackSystemID, "system-id", "", "fallback system identifier when the card is unreachable")
	pflag.StringVar(&cfg.smtpAddr, "smtp-addr", "", "SMTP server host:port")
	pflag.StringVar(&cfg.smtpFrom, "smtp-from", "", "SMTP sender address")
	pflag.StringVar(&cfg.smtpUser, "smtp-user", "", "SMTP username (empty disables auth)")
	pflag.StringVar(&cfg.smtpPass, "smtp-pass", "", "SMTP password")
	pflag.BoolVar(&cfg.dailyEnabled, "daily", true, "enable daily reports")
	pflag.BoolVar(&cfg.monthlyEnabled, "monthly", true, "enable monthly reports")
	pflag.BoolVar(&cfg.eventsEnabled, "events", true, "enable per-event reports")
	pflag.Parse()

	cfg.masterToken = envOr(cfg.masterToken, "BRIDGE_MASTER_TOKEN", "")
	cfg.natsURL = envOr(cfg.natsURL, "BRIDGE_NATS_URL", "")
	cfg.listenAddr = envOr(cfg.listenAddr, "BRIDGE_LISTEN_ADDR", ":8081")
	cfg.smtpPass = envOr(cfg.smtpPass, "BRIDGE_SMTP_PASS", "")
	return cfg
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg.logLevel)
	slog.SetDefault(logger)

	if cfg.masterToken == "" {
		logger.Error("no master token configured; set --master-token or BRIDGE_MASTER_TOKEN")
		os.Exit(1)
	}

	feed := eventfeed.Publisher(eventfeed.Nop{})
	var nc *nats.Conn
	if cfg.natsURL != "" {
		var err error
		nc, err = nats.Connect(cfg.natsURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			logger.Error("NATS connect failed", "url", cfg.natsURL, "err", err)
			os.Exit(1)
		}
		defer nc.Close()
		feed = eventfeed.NewNATS(nc)
		logger.Info("event feed connected", "url", cfg.natsURL)
	}

	metrics := metric.New()
	sessions := session.NewMemoryStore()

	relay, err := bridge.New(
		bridge.WithLogger(logger),
		bridge.WithMasterToken(cfg.masterToken),
		bridge.WithSessionStore(sessions),
		bridge.WithAcceptOptions(&websocket.AcceptOptions{OriginPatterns: cfg.origins}),
		bridge.WithPingInterval(cfg.pingEvery),
		bridge.WithLivenessTimeout(cfg.liveness),
		bridge.WithMetrics(metrics),
		bridge.WithEventFeed(feed),
	)
	if err != nil {
		logger.Error("relay setup failed", "err", err)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", relay.UpgradeHandler())
	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "ok agent=%t clients=%d\n", relay.AgentLive(), relay.ClientCount())
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	if cfg.transmitTo != "" {
		if nc == nil {
			logger.Error("transmission pipeline needs --nats-url for the aggregates source")
			os.Exit(1)
		}
		if cfg.smtpAddr == "" || cfg.smtpFrom == "" {
			logger.Error("transmission pipeline needs --smtp-addr and --smtp-from")
			os.Exit(1)
		}
		sched := transmit.NewScheduler(
			transmit.Config{
				FallbackSystemID: cfg.fallbackSystemID,
				To:               cfg.transmitTo,
				MinDailyGap:      cfg.minDailyGap,
				DailyEnabled:     cfg.dailyEnabled,
				MonthlyEnabled:   cfg.monthlyEnabled,
				EventEnabled:     cfg.eventsEnabled,
			},
			transmit.NewMemoryStore(),
			transmit.NewNATSSource(nc, 10*time.Second),
			fiscal.NewSigner(relay, logger),
			transmit.NewSMTPMailer(transmit.SMTPConfig{
				Addr: cfg.smtpAddr, From: cfg.smtpFrom,
				User: cfg.smtpUser, Pass: cfg.smtpPass,
			}),
			relay,
			transmit.WithFeed(feed),
			transmit.WithMetrics(metrics),
			transmit.WithLogger(logger),
		)
		go sched.RunEvery(runCtx, cfg.transmitEvery)
		logger.Info("transmission pipeline enabled",
			"to", cfg.transmitTo, "interval", cfg.transmitEvery)
	}

	srv := &http.Server{Addr: cfg.listenAddr, Handler: r}

	go func() {
		logger.Info("bridge server listening", "addr", cfg.listenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = relay.Shutdown(ctx)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "err", err)
	}
}
