// oichart is the dashboard daemon: it polls the collector's REST API on
// the minute boundary, rebuilds the pane series from the day's
// snapshots, and pushes incremental chart updates to browser clients
// over WebSocket. A liveness probe against the collector gates the
// offline banner and scheduler restarts.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"oipulse/config"
	"oipulse/internal/chart"
	"oipulse/internal/dashboard"
	"oipulse/internal/health"
	"oipulse/internal/indicator"
	"oipulse/internal/logger"
	"oipulse/internal/marketday"
	"oipulse/internal/metrics"
	"oipulse/internal/model"
	"oipulse/internal/notification"
	"oipulse/internal/poll"
	"oipulse/internal/series"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[oichart] starting...")

	cfg := config.Load()
	logger.InitWithFile("oichart", logger.ParseLevel(cfg.LogLevel), logger.FileConfig{Path: cfg.ChartLogFile})

	layout, err := config.LoadChartLayout(cfg.ChartLayoutPath)
	if err != nil {
		log.Fatalf("[oichart] chart layout: %v", err)
	}
	for i, p := range layout.Panes {
		log.Printf("[oichart] pane %d %q: %d indicators, customs=%v", i, p.Title, len(p.Indicators), p.Customs)
	}

	// ---- Setup context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	status := metrics.NewHealthStatus()
	status.SetSQLiteOK(true) // no local store; the probe watches the collector instead
	metricsSrv := metrics.NewServer(cfg.ChartMetricsAddr, status)
	metricsSrv.Start()

	// ---- Alert sinks ----
	sinks := []notification.Notifier{notification.NewLogNotifier()}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notification.NewWebhookNotifier(cfg.WebhookURL))
		log.Println("[oichart] webhook alerts enabled")
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		sinks = append(sinks, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
		log.Println("[oichart] telegram alerts enabled")
	}
	dispatcher := notification.NewDispatcher(sinks...)

	// ---- Poll scheduler over the collector API ----
	fetcher := poll.NewAPIFetcher(cfg.APIBaseURL)
	sched := poll.NewScheduler(fetcher, poll.Config{})

	// ---- Collector liveness probe ----
	monitor := health.NewMonitor(health.HTTPProber(cfg.APIBaseURL+"/health"), health.Config{})

	// ---- Dashboard hub ----
	hub := dashboard.NewHub(prom, dashboard.Events{
		OnVisible: sched.Kick,
		OnRetry:   monitor.ForceProbe,
		OnStop:    sched.Stop,
		OnStart: func() {
			prom.SchedulerRestarts.Inc()
			sched.Start(ctx)
		},
	})
	hub.SetHello(layout.Panes, cfg.APIBaseURL)
	renderer := chart.NewRenderer(hub)

	wantCustoms := false
	for _, p := range layout.Panes {
		if p.Customs {
			wantCustoms = true
		}
	}

	// rebuild recomputes every pane from the scheduler's day view. It runs
	// on the scheduler loop goroutine; the mutex covers the overlap window
	// when a restart hands the loop to a new goroutine.
	var rebuildMu sync.Mutex
	rebuild := func() {
		rebuildMu.Lock()
		defer rebuildMu.Unlock()

		points := sched.View()

		var customs []model.CustomIndicator
		if wantCustoms {
			cctx, ccancel := context.WithTimeout(ctx, 10*time.Second)
			list, err := fetcher.CustomIndicators(cctx)
			ccancel()
			if err != nil {
				log.Printf("[oichart] custom indicator fetch failed: %v", err)
			}
			customs = list
		}

		for pane, p := range layout.Panes {
			var specs []chart.IndicatorSeries
			for _, ind := range p.Indicators {
				sel, err := series.Field(ind.Field)
				if err != nil {
					log.Printf("[oichart] pane %d field %q: %v", pane, ind.Field, err)
					continue
				}
				specs = append(specs, chart.IndicatorSeries{
					Color:    ind.Color,
					Segments: series.Build(points, sel, series.DefaultGap),
				})
			}
			if p.Customs {
				for _, ci := range customs {
					prog, err := indicator.CompileFormula(ci.Formula)
					if err != nil {
						log.Printf("[oichart] custom indicator %q: %v", ci.Name, err)
						continue
					}
					specs = append(specs, chart.IndicatorSeries{
						Color:    ci.Color,
						Segments: series.Build(points, series.Formula(prog), series.DefaultGap),
					})
				}
			}
			renderer.Apply(pane, chart.Flatten(specs))
		}
	}

	sched.OnPoint = func(*model.Point) { rebuild() }
	sched.OnHistory = func([]model.Point) { rebuild() }
	sched.OnStatus = func(st poll.State, msg string, updated time.Time) {
		status.SetSchedulerState(st.String())
		hub.SetStatus(st.String(), msg, updated)
	}

	monitor.OnFailure = func(string) {
		prom.ProbeFailures.Inc()
	}
	monitor.OnOffline = func(reason string) {
		prom.OfflineEvents.Inc()
		status.SetUpstreamOK(false)
		hub.SetBanner(true, reason)
		dispatcher.Notify(notification.OfflineAlert(reason))
		sched.Stop()
	}
	monitor.OnRecovery = func() {
		prom.SchedulerRestarts.Inc()
		status.SetUpstreamOK(true)
		hub.SetBanner(false, "")
		dispatcher.Notify(notification.RecoveryAlert())
		sched.Start(ctx)
	}

	go monitor.Run(ctx)
	sched.Start(ctx)

	// ---- Dashboard HTTP server ----
	mux := http.NewServeMux()
	hub.RegisterRoutes(mux)
	srv := &http.Server{Addr: cfg.ChartListenAddr, Handler: mux}
	go func() {
		log.Printf("[oichart] ✅ dashboard at http://localhost%s", cfg.ChartListenAddr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[oichart] server error: %v", err)
		}
	}()

	log.Println("[oichart] ╔════════════════════════════════════════════════════════════╗")
	log.Println("[oichart] ║  OI Pulse Dashboard                                        ║")
	log.Println("[oichart] ║                                                            ║")
	log.Println("[oichart] ║  [Collector REST] → [Series Builder] → [WS Chart Panes]    ║")
	log.Printf("[oichart] ║  Collector: %-46s ║", cfg.APIBaseURL)
	log.Println("[oichart] ╚════════════════════════════════════════════════════════════╝")
	log.Printf("[oichart] %s", marketday.StatusString(time.Now()))

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[oichart] shutdown signal received, cleaning up...")
	cancel()
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	log.Println("[oichart] shutdown complete.")
}
