package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hostforge/controlplane/internal/allocator"
	"github.com/hostforge/controlplane/internal/broadcast"
	"github.com/hostforge/controlplane/internal/config"
	"github.com/hostforge/controlplane/internal/health"
	"github.com/hostforge/controlplane/internal/metrics"
	"github.com/hostforge/controlplane/internal/persist"
	"github.com/hostforge/controlplane/internal/registry"
	"github.com/hostforge/controlplane/internal/server"
	"github.com/hostforge/controlplane/internal/session"
	"github.com/hostforge/controlplane/internal/sim"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults apply when empty)")
	port := flag.Int("port", 0, "Override server port")
	dbPath := flag.String("db", "", "Override session record database path")
	simMode := flag.Bool("sim", false, "Run a simulated fleet of nodes and players")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Persistence.Path = *dbPath
	}

	reg := registry.New()
	m := metrics.New()
	broadcaster := broadcast.NewBroadcaster(cfg.Events.QueueSize, cfg.Events.RingSize, cfg.Events.ReplayRetention)
	alloc := allocator.New(reg, cfg.Allocation.FallbackDepth)

	records, err := persist.Open(cfg.Persistence.Path)
	if err != nil {
		log.Fatalf("Failed to open record database: %v", err)
	}
	defer records.Close()

	orch := session.NewOrchestrator(reg, alloc, broadcaster, records, m, session.Config{
		AllocRetryBudget: cfg.Allocation.RetryBudget,
		AllocBackoffMin:  cfg.Allocation.BackoffMin,
		AllocBackoffMax:  cfg.Allocation.BackoffMax,
		Retention:        cfg.Sessions.Retention,
		SweepInterval:    cfg.Sessions.SweepInterval,
		IdleTimeout:      cfg.Sessions.IdleTimeout,
	})
	broadcaster.SetSnapshotHook(orch.Snapshot)

	monitor := health.NewMonitor(reg, orch, broadcaster, m, health.Config{
		TickInterval: cfg.Heartbeat.Tick,
		SuspectAfter: cfg.Heartbeat.SuspectAfter(),
		OfflineAfter: cfg.Heartbeat.OfflineAfter(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go monitor.Start(ctx)
	go orch.Run(ctx)

	if *simMode {
		log.Println("Starting in sim mode (simulated fleet)")
		gen := sim.NewGenerator(reg, orch, cfg.Heartbeat.Interval)
		go gen.Start(ctx)
	}

	srv := server.New(cfg, reg, orch, broadcaster, m, records)
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
		records.Close()
		os.Exit(0)
	}()

	if err := server.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
