package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"lifeline-dispatch/api"
	"lifeline-dispatch/api/middleware"
	"lifeline-dispatch/db"
	"lifeline-dispatch/pkg/dispatch"
	"lifeline-dispatch/pkg/geofence"
	"lifeline-dispatch/pkg/presence"
	"lifeline-dispatch/pkg/routing"
	embeddednats "lifeline-dispatch/pkg/services/embedded-nats"
	"lifeline-dispatch/pkg/services/workers"
	"lifeline-dispatch/pkg/shared"
)

var (
	dbService *db.Service
	nats      *embeddednats.EmbeddedNATS
)

func initLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if level, err := zerolog.ParseLevel(envOr("LIFELINE_LOG_LEVEL", "info")); err == nil {
		zerolog.SetGlobalLevel(level)
	}
}

func initDB() error {
	var err error

	config := db.DefaultConfig()
	config.DBPath = envOr("LIFELINE_DB_PATH", "./db/lifeline.db")
	config.AutoInitialize = true

	dbService, err = db.New(config)
	if err != nil {
		return fmt.Errorf("failed to initialize database service: %w", err)
	}

	if err := dbService.VerifySchema(); err != nil {
		log.Warn().Err(err).Msg("Schema verification failed, attempting to initialize schema")
		if err := dbService.InitializeSchema(); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	log.Info().Msg("Database service initialized successfully")
	return nil
}

func initNATS() error {
	var err error

	config := embeddednats.DefaultConfig()
	config.DataDir = envOr("LIFELINE_NATS_DIR", "./data/nats")
	config.Port = envInt("LIFELINE_NATS_PORT", 4222)

	nats, err = embeddednats.New(config)
	if err != nil {
		return fmt.Errorf("failed to create embedded NATS: %w", err)
	}

	if err := nats.Start(); err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}

	if err := nats.CreateLifelineStreams(); err != nil {
		return fmt.Errorf("failed to create lifeline streams: %w", err)
	}

	consumers := []struct {
		stream   string
		consumer string
		filter   string
	}{
		{shared.StreamPresence, shared.ConsumerPresenceProjector, shared.SubjectPresenceAll},
		{shared.StreamDispatch, shared.ConsumerDispatchRecorder, shared.SubjectDispatchAll},
		{shared.StreamAlerts, shared.ConsumerAlertRecorder, shared.SubjectAlertsAll},
	}

	for _, c := range consumers {
		if err := nats.CreateDurableConsumer(c.stream, c.consumer, c.filter); err != nil {
			return fmt.Errorf("failed to create consumer %s: %w", c.consumer, err)
		}
	}

	log.Info().Msg("NATS JetStream initialized successfully")
	return nil
}

// initRouting builds the provider fallback chain from the environment. A
// missing provider endpoint simply drops that tier; the straight-line tier
// always remains.
func initRouting() *routing.Resolver {
	timeout := time.Duration(envInt("LIFELINE_ROUTE_TIMEOUT_MS", 3000)) * time.Millisecond

	var providers []routing.Provider
	if endpoint := os.Getenv("LIFELINE_ROUTE_PROVIDER_A_URL"); endpoint != "" {
		providers = append(providers, routing.NewProviderA(endpoint, timeout))
	}
	if endpoint := os.Getenv("LIFELINE_ROUTE_PROVIDER_B_URL"); endpoint != "" {
		providers = append(providers, routing.NewProviderB(endpoint, timeout))
	}

	var routeCache routing.Cache
	if addr := os.Getenv("LIFELINE_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("LIFELINE_REDIS_PASSWORD"),
		})
		ttl := time.Duration(envInt("LIFELINE_ROUTE_CACHE_TTL_MIN", 30)) * time.Minute
		routeCache = routing.NewRedisCache(client, ttl)
		log.Info().Str("addr", addr).Msg("Route cache enabled")
	} else {
		log.Info().Msg("No Redis configured, route cache tier disabled")
	}

	cfg := routing.DefaultConfig()
	if speed := envInt("LIFELINE_ASSUMED_SPEED_KMH", 0); speed > 0 {
		cfg.AssumedSpeedKmh = float64(speed)
	}

	return routing.NewResolver(providers, routeCache, cfg)
}

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found, using environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	initLogging()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := initDB(); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer dbService.Close()

	if err := initNATS(); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize NATS")
	}

	// The projector folds presence change events into the live set that
	// dispatch and geofencing read.
	liveSet := presence.NewLiveSet()

	workerManager, err := workers.NewManager(nats, dbService, liveSet)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create worker manager")
	}
	if err := workerManager.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start workers")
	}

	routeResolver := initRouting()

	dispatchCfg := dispatch.DefaultConfig()
	dispatchCfg.LiveWindow = time.Duration(envInt("LIFELINE_LIVE_WINDOW_SEC", 120)) * time.Second
	dispatchCfg.StaleAfter = time.Duration(envInt("LIFELINE_STALE_AFTER_SEC", 600)) * time.Second
	dispatchService := dispatch.NewService(dbService.GetDB(), liveSet, routeResolver, nats, dispatchCfg)

	presenceStore := presence.NewStore(dbService.GetDB(), nats)

	// HTTP surface
	mux := http.NewServeMux()
	handlers := api.NewHandlers(dbService.GetDB(), dispatchService, presenceStore, dispatchCfg.LiveWindow)
	handlers.RegisterRoutes(mux, nats)
	handler := middleware.CORS(middleware.RequestLogger(mux))

	// Scheduled jobs: geofence containment ticks and the stale-call sweep.
	geofenceCfg := geofence.DefaultConfig()
	geofenceCfg.Interval = time.Duration(envInt("LIFELINE_GEOFENCE_INTERVAL_SEC", 15)) * time.Second
	geofenceCfg.LiveWindow = dispatchCfg.LiveWindow
	evaluator := geofence.NewEvaluator(handlers.ZoneService(), liveSet, nats, geofenceCfg)

	scheduler := cron.New()
	_, err = scheduler.AddFunc(fmt.Sprintf("@every %s", geofenceCfg.Interval), func() {
		if _, err := evaluator.EvaluateTick(ctx); err != nil {
			log.Error().Err(err).Msg("Geofence evaluation failed")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule geofence evaluation")
	}

	sweepInterval := time.Duration(envInt("LIFELINE_STALE_SWEEP_SEC", 60)) * time.Second
	_, err = scheduler.AddFunc(fmt.Sprintf("@every %s", sweepInterval), func() {
		flagged, err := dispatchService.FlagStaleCalls(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Stale call sweep failed")
			return
		}
		if len(flagged) > 0 {
			log.Warn().Strs("call_ids", flagged).Msg("Flagged calls with silent vehicles")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule stale call sweep")
	}
	scheduler.Start()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	port := envOr("LIFELINE_PORT", "8080")
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("port", port).Msg("Starting Lifeline dispatch server")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	<-sigChan
	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()

	schedulerCtx := scheduler.Stop()
	<-schedulerCtx.Done()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown server gracefully")
	}

	if workerManager != nil {
		if err := workerManager.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop workers")
		}
	}

	if nats != nil {
		if err := nats.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown NATS")
		}
	}

	log.Info().Msg("Server shutdown complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
