package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/etlmon/backend/internal/api"
	"github.com/etlmon/backend/internal/approval"
	"github.com/etlmon/backend/internal/backfill"
	"github.com/etlmon/backend/internal/circuitbreaker"
	"github.com/etlmon/backend/internal/config"
	"github.com/etlmon/backend/internal/configplan"
	"github.com/etlmon/backend/internal/core"
	"github.com/etlmon/backend/internal/crypto"
	"github.com/etlmon/backend/internal/events"
	"github.com/etlmon/backend/internal/lock"
	"github.com/etlmon/backend/internal/metrics"
	"github.com/etlmon/backend/internal/pipeline"
	"github.com/etlmon/backend/internal/scheduler"
	"github.com/etlmon/backend/internal/signals"
	"github.com/etlmon/backend/internal/source"
	"github.com/etlmon/backend/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	// .env is optional; containers inject real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	replica := core.ReplicaName()
	log.Printf("starting etlmon backend (replica=%s, env=%s)", replica, cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Control-plane database.
	st, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("control-plane database: %v", err)
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	codec, err := crypto.NewFieldCodec(cfg.Encryption.Key)
	if err != nil {
		log.Fatalf("field codec: %v", err)
	}

	// Event bus.
	bus, err := buildBus(cfg)
	if err != nil {
		log.Fatalf("event bus: %v", err)
	}
	defer bus.Close()

	mets := metrics.NewMetrics()
	plans := configplan.NewService(st, bus)

	// Source pools behind per-source circuit breakers.
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig("source"))
	sources := source.NewRegistry(st, codec, breakers, cfg.Sources)
	defer sources.Close()

	// Execution plumbing.
	locks := lock.NewManager(st, replica,
		time.Duration(cfg.Locking.StaleThresholdHours)*time.Hour,
		time.Duration(cfg.Locking.ReleasedRetentionDays)*24*time.Hour)
	pipe := pipeline.New(sources, st, st, st, codec, mets)
	sched := scheduler.New(st, locks, pipe, plans, replica, cfg.Scheduler.WorkerPoolSize)

	// Approval workflow and its materializer.
	workflow := approval.NewWorkflow(st, bus)
	materializer := approval.NewMaterializer(st, st, codec, bus)

	// Backfills and the gap scanner.
	backfills := backfill.NewService(st, st, pipe, bus, replica)
	gapScanner := backfill.NewGapScanner(st, st, st, backfills, plans, bus)

	signalsSvc := signals.NewService(st, st)

	// Background loops.
	locks.Start(time.Minute)
	sched.Start()
	materializer.Start()
	backfills.Start()
	gapScanner.Start()

	// HTTP edge.
	server := api.NewServer(st, signalsSvc, backfills, workflow, plans, sources, locks, codec)
	server.RegisterEndpoints(ctx, server.Router())
	go func() {
		if err := server.Start(cfg.Server.Port); err != nil {
			log.Printf("http server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}

	gapScanner.Stop()
	backfills.Stop()
	materializer.Stop()
	sched.Stop()
	locks.Stop()
	log.Println("stopped")
}

// buildBus picks the event backend. Single-replica deployments run fine on
// the local bus; multi-replica needs redis or pubsub so cache invalidation
// crosses process boundaries.
func buildBus(cfg *config.Config) (events.Bus, error) {
	switch cfg.Events.Backend {
	case "redis":
		return events.NewRedisBus(cfg.Events.RedisAddr, cfg.Events.RedisPassword,
			cfg.Events.RedisDB, "etlmon:events")
	case "pubsub":
		return events.NewPubSubBus(cfg.Events.PubSubProject, cfg.Events.PubSubTopic)
	default:
		if cfg.Events.Backend != "local" && cfg.Events.Backend != "" {
			log.Printf("unknown events backend %q, using local", cfg.Events.Backend)
		}
		return events.NewLocalBus(), nil
	}
}
