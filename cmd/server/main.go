package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"

	"github.com/decaynet/cloud/internal/analysis"
	"github.com/decaynet/cloud/internal/api"
	"github.com/decaynet/cloud/internal/config"
	"github.com/decaynet/cloud/internal/feeder"
	"github.com/decaynet/cloud/internal/identity"
	"github.com/decaynet/cloud/internal/ingest"
	"github.com/decaynet/cloud/internal/metrics"
	"github.com/decaynet/cloud/internal/orchestrator"
	"github.com/decaynet/cloud/internal/store"
	"github.com/decaynet/cloud/internal/validators"
	"github.com/decaynet/cloud/internal/wsbridge"
	"github.com/decaynet/cloud/pb"
)

func main() {
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", "", "path to YAML config (optional)")
		schemaPath = flag.String("schema", "", "apply this schema file at startup")
	)
	flag.Parse()

	logger := log.New(log.Writer(), "[MAIN] ", log.LstdFlags)
	logger.Println("Starting decay cloud core...")

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			logger.Fatalf("Config load failed: %v", err)
		}
	} else {
		cfg = config.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Storage
	db, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatalf("Database connection failed: %v", err)
	}
	defer db.Close()

	if *schemaPath != "" {
		if err := db.Migrate(ctx, *schemaPath); err != nil {
			logger.Fatalf("Schema apply failed: %v", err)
		}
		logger.Printf("Applied schema from %s", *schemaPath)
	}

	events := store.NewEventStore(db)
	results := store.NewResultStore(db)
	cache := store.NewCounterCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, 30*time.Second)
	defer cache.Close()

	// 2. Metrics
	m := metrics.New()

	// 3. Identity collaborator
	var verifier identity.Verifier
	if cfg.Identity.IntrospectURL != "" {
		verifier = identity.NewHTTPVerifier(cfg.Identity.IntrospectURL, cfg.Identity.TokenTimeout)
	} else {
		if cfg.Server.Env == "production" {
			logger.Fatal("No introspection endpoint configured in production")
		}
		logger.Println("WARNING: no introspection endpoint configured, accepting any bearer token")
		verifier = identity.InsecureVerifier{}
	}
	tokens := identity.NewHTTPTokenSource(identity.TokenSourceConfig{
		URL:              cfg.Identity.TokenURL,
		Timeout:          cfg.Identity.TokenTimeout,
		BreakerThreshold: cfg.Identity.BreakerThreshold,
		BreakerReset:     cfg.Identity.BreakerReset,
	}, m)

	// 4. Ingestion
	mapper := ingest.NewMapper()
	pipeline := ingest.NewPipeline(db, events, cfg.Ingest.FlushEvery)
	hub := ingest.NewSubscriberHub(cfg.Ingest.SubscriberRatePerSecond, m)
	ingestServer := ingest.NewServer(mapper, pipeline, hub,
		identity.NewGRPCAuthenticator(verifier), cfg.Ingest.QueueCapacity, m)

	// 5. Validation orchestrator
	suite := validators.NewSuiteClient(cfg.Validation.Suite22URL, cfg.Validation.RPCTimeout)
	assessor := validators.NewAssessorClient(cfg.Validation.Assessor90URL, cfg.Validation.RPCTimeout)
	orch := orchestrator.New(cfg.Validation, events, results, suite, assessor, tokens, m)

	recovered, err := orch.Recover(ctx)
	if err != nil {
		logger.Fatalf("Job recovery failed: %v", err)
	}
	if recovered > 0 {
		logger.Printf("Recovered %d orphaned jobs", recovered)
	}

	sched, err := orchestrator.NewScheduler(orch, cfg.Validation.HourlyCron, cfg.Validation.WeeklyCron)
	if err != nil {
		logger.Fatalf("Scheduler init failed: %v", err)
	}
	sched.Start()

	// 6. Kernel entropy feeder
	var feed *feeder.Feeder
	if cfg.Feeder.Enabled {
		feed = feeder.New(events, cfg.Feeder.Period, cfg.Feeder.Device, m)
		feed.Start()
	}

	// 7. gRPC ingest surface
	grpcServer := grpc.NewServer()
	pb.RegisterEntropyIngestServer(grpcServer, ingestServer)

	lis, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
	if err != nil {
		logger.Fatalf("gRPC listen failed: %v", err)
	}
	go func() {
		logger.Printf("gRPC ingest listening on :%s", cfg.Server.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatalf("gRPC serve failed: %v", err)
		}
	}()

	// 8. HTTP: operator REST API, health, metrics, live feed
	router := mux.NewRouter()

	restAPI := api.NewAPIServer(orch, events, cache, verifier, analysis.QualityConfig{
		ExpectedRateHz:    cfg.Analysis.ExpectedRateHz,
		RateToleranceLow:  cfg.Analysis.RateToleranceLow,
		RateToleranceHigh: cfg.Analysis.RateToleranceHigh,
	})
	restAPI.Register(router)

	bridge := wsbridge.NewBridge(hub, verifier)
	router.HandleFunc("/ws/live", bridge.HandleLiveFeed)
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/healthz", healthHandler(db, feed, cache)).Methods("GET")

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		logger.Printf("HTTP listening on :%s", cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP serve failed: %v", err)
		}
	}()

	// 9. Shutdown: stop intake first, then drain the worker pool.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Println("Shutting down...")

	grpcServer.GracefulStop()
	sched.Stop()
	orch.Stop()
	if feed != nil {
		feed.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Println("Shutdown complete")
}

func healthHandler(db *store.DB, feed *feeder.Feeder, cache *store.CounterCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := map[string]interface{}{
			"status":      "ok",
			"redis_cache": cache.RedisBacked(),
		}
		code := http.StatusOK

		if err := db.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			status["database"] = "ok"
		}

		if feed != nil {
			operational := feed.Operational()
			status["feeder_operational"] = operational
			status["feeder_bytes_written"] = feed.TotalBytesWritten()
			if !operational {
				status["status"] = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
