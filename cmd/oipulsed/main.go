// oipulsed is the collector daemon: it owns the SQLite snapshot store,
// the upstream option-chain client and the broker session, computes the
// indicator set once per minute, and serves the REST API the chart
// daemon and the dashboard consume.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"oipulse/config"
	"oipulse/internal/api"
	"oipulse/internal/collect"
	"oipulse/internal/logger"
	"oipulse/internal/marketday"
	"oipulse/internal/metrics"
	"oipulse/internal/model"
	"oipulse/internal/notification"
	"oipulse/internal/poll"
	"oipulse/internal/session"
	"oipulse/internal/store/sqlite"
	"oipulse/pkg/optionchain"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[oipulsed] starting...")

	cfg := config.Load()
	logger.InitWithFile("oipulsed", logger.ParseLevel(cfg.LogLevel), logger.FileConfig{Path: cfg.LogFile})

	// ---- Setup context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Snapshot store ----
	os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755)
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("[oipulsed] sqlite init failed: %v", err)
	}
	defer store.Close()

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	health.CheckSQLite(ctx, store.DB())
	health.StartLivenessChecker(ctx, store.DB(), 10*time.Second)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Alert sinks ----
	sinks := []notification.Notifier{notification.NewLogNotifier()}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notification.NewWebhookNotifier(cfg.WebhookURL))
		log.Println("[oipulsed] webhook alerts enabled")
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		sinks = append(sinks, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
		log.Println("[oipulsed] telegram alerts enabled")
	}
	dispatcher := notification.NewDispatcher(sinks...)

	// ---- Upstream client & session ----
	client := optionchain.NewClient(optionchain.Config{})
	sess := session.New(store, client, session.Config{
		Expiry:     cfg.Expiry,
		EnvToken:   cfg.AccessToken,
		TOTPSecret: cfg.TOTPSecret,
		ClientCode: cfg.ClientCode,
		PIN:        cfg.PIN,
	})
	sess.ExpiredHook = func() {
		dispatcher.Notify(notification.SessionExpiredAlert())
	}

	if !sess.Authorized() {
		if _, err := sess.Restore(time.Now()); err != nil {
			log.Printf("[oipulsed] session restore failed: %v", err)
		}
	}
	if !sess.Authorized() && sess.CanAutoLogin() {
		if _, err := sess.AutoLogin(ctx, time.Now()); err != nil {
			log.Printf("[oipulsed] auto-login failed: %v (waiting for manual connect)", err)
		}
	}
	if cfg.Expiry == "" {
		log.Println("[oipulsed] no contract expiry configured, set OIPULSE_EXPIRY or pass expiry_date on /api/connect")
	}

	// ---- Futures contract resolution ----
	futureKey, lotSize := cfg.FutureKey, cfg.LotSize
	if futureKey == "auto" {
		inst, err := optionchain.NearestFuture(cfg.BODMasterPath, time.Now())
		if err != nil {
			log.Printf("[oipulsed] future resolution failed: %v, futures fields stay zero", err)
			futureKey = ""
		} else {
			futureKey = inst.InstrumentKey
			if lotSize == 1 && inst.LotSize > 0 {
				lotSize = inst.LotSize
			}
			log.Printf("[oipulsed] resolved future %s (%s, lot %v, expires %s)",
				inst.TradingSymbol, inst.InstrumentKey, lotSize, inst.Expiry().Format("2006-01-02"))
		}
	}

	// ---- Collector ----
	col := collect.New(client, store, sess, prom, collect.Config{
		InstrumentKey: cfg.InstrumentKey,
		FutureKey:     futureKey,
		LotSize:       lotSize,
	})
	col.Notify = dispatcher
	col.OnPoint = func(p *model.Point, cached bool) {
		if ts, err := p.TimeUTC(); err == nil {
			health.SetLastSnapshot(ts)
		}
		if !cached {
			health.SetUpstreamOK(true)
		}
	}

	// ---- Minute scheduler (optional; REST /api/process always works) ----
	var sched *poll.Scheduler
	if cfg.Scheduler {
		sched = poll.NewScheduler(col.PollFetcher(), poll.Config{})
		sched.OnStatus = func(st poll.State, msg string, _ time.Time) {
			health.SetSchedulerState(st.String())
			if strings.HasPrefix(msg, "error:") {
				health.SetUpstreamOK(false)
			}
		}
		sched.Start(ctx)
		log.Println("[oipulsed] minute scheduler started")
	} else {
		health.SetSchedulerState("disabled")
		log.Println("[oipulsed] minute scheduler disabled, polling is driven over REST")
	}

	// ---- REST API ----
	s := api.NewServer(store, sess, col, cfg.LogFile)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: api.NewRouter(s)}
	go func() {
		log.Printf("[oipulsed] ✅ API serving at http://localhost%s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[oipulsed] server error: %v", err)
		}
	}()

	log.Println("[oipulsed] ╔════════════════════════════════════════════════════════════╗")
	log.Println("[oipulsed] ║  OI Pulse Collector                                        ║")
	log.Println("[oipulsed] ║                                                            ║")
	log.Println("[oipulsed] ║  [Option chain] → [Indicators] → [SQLite] → [REST API]     ║")
	log.Printf("[oipulsed] ║  Instrument: %-45s ║", cfg.InstrumentKey)
	log.Printf("[oipulsed] ║  Expiry: %-49s ║", cfg.Expiry)
	log.Println("[oipulsed] ╚════════════════════════════════════════════════════════════╝")
	log.Printf("[oipulsed] %s", marketday.StatusString(time.Now()))

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[oipulsed] shutdown signal received, cleaning up...")
	cancel()
	if sched != nil {
		sched.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	log.Println("[oipulsed] shutdown complete.")
}
