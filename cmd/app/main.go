package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"runtime/trace"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Harvey-AU/green-carpenter-bee/internal/api"
	"github.com/Harvey-AU/green-carpenter-bee/internal/db"
	"github.com/Harvey-AU/green-carpenter-bee/internal/dedup"
	"github.com/Harvey-AU/green-carpenter-bee/internal/engine"
	"github.com/Harvey-AU/green-carpenter-bee/internal/observability"
	"github.com/Harvey-AU/green-carpenter-bee/internal/queue"
	"github.com/Harvey-AU/green-carpenter-bee/internal/resource"
	"github.com/Harvey-AU/green-carpenter-bee/internal/retry"
)

// Config holds the application configuration loaded from environment variables
type Config struct {
	Port                  string // HTTP port to listen on
	Env                   string // Environment (development/production)
	SentryDSN             string // Sentry DSN for error tracking
	LogLevel              string // Log level (debug, info, warn, error)
	FlightRecorderEnabled bool   // Flight recorder for performance debugging
	ObservabilityEnabled  bool   // Toggle OpenTelemetry + Prometheus exporters
	MetricsAddr           string // Address for Prometheus metrics endpoint (":9464" style)
	OTLPEndpoint          string // OTLP HTTP endpoint for trace export
	OTLPHeaders           string // Comma separated headers for OTLP exporter
	OTLPInsecure          bool   // Disable TLS verification for OTLP exporter

	StorageEnabled bool   // Attach PostgreSQL for history, dead letters and process records
	DedupBackend   string // memory | redis | postgres
	RedisAddr      string // Redis address for the redis dedup backend
	SchemaVersion  int    // Current extraction schema version
	SweepSchedule  string // Cron spec for the re-crawl sweeper
	RecrawlAgeH    int    // Hours before a processed target goes stale
}

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	// Load configuration
	config := &Config{
		Port:                  getEnvWithDefault("PORT", "8080"),
		Env:                   getEnvWithDefault("APP_ENV", "development"),
		SentryDSN:             os.Getenv("SENTRY_DSN"),
		LogLevel:              getEnvWithDefault("LOG_LEVEL", "info"),
		FlightRecorderEnabled: getEnvWithDefault("FLIGHT_RECORDER_ENABLED", "false") == "true",
		ObservabilityEnabled:  getEnvWithDefault("OBSERVABILITY_ENABLED", "true") == "true",
		MetricsAddr:           getEnvWithDefault("METRICS_ADDR", ":9464"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:           os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPInsecure:          getEnvWithDefault("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",
		StorageEnabled:        getEnvWithDefault("STORAGE_ENABLED", "true") == "true",
		DedupBackend:          getEnvWithDefault("DEDUP_BACKEND", "memory"),
		RedisAddr:             getEnvWithDefault("REDIS_ADDR", "localhost:6379"),
		SchemaVersion:         getEnvInt("SCHEMA_VERSION", 1),
		SweepSchedule:         getEnvWithDefault("SWEEP_SCHEDULE", "@hourly"),
		RecrawlAgeH:           getEnvInt("RECRAWL_AGE_HOURS", 24),
	}

	// Start flight recorder if enabled
	if config.FlightRecorderEnabled {
		f, err := os.Create("trace.out")
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create trace file")
		}

		if err := trace.Start(f); err != nil {
			log.Fatal().Err(err).Msg("failed to start flight recorder")
		}
		log.Info().Msg("Flight recorder enabled, writing to trace.out")

		defer func() {
			trace.Stop()
			f.Close()
			log.Info().Msg("Flight recorder stopped and trace file closed.")
		}()
	}

	setupLogging(config)

	// Initialise Sentry for error tracking and performance monitoring
	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1 // 10% sampling in production
				}
				return 1.0 // 100% sampling in development
			}(),
			AttachStacktrace: true,
			Debug:            config.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	var (
		obsProviders *observability.Providers
		metricsSrv   *http.Server
		err          error
	)

	if config.ObservabilityEnabled {
		obsProviders, err = observability.Init(context.Background(), observability.Config{
			Enabled:        true,
			ServiceName:    "green-carpenter-bee",
			Environment:    config.Env,
			OTLPEndpoint:   strings.TrimSpace(config.OTLPEndpoint),
			OTLPHeaders:    parseOTLPHeaders(config.OTLPHeaders),
			OTLPInsecure:   config.OTLPInsecure,
			MetricsAddress: config.MetricsAddr,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else if obsProviders != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := obsProviders.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()

			if obsProviders.MetricsHandler != nil && config.MetricsAddr != "" {
				metricsSrv = &http.Server{
					Addr:              config.MetricsAddr,
					Handler:           obsProviders.MetricsHandler,
					ReadHeaderTimeout: 5 * time.Second,
				}

				go func() {
					log.Info().Str("addr", config.MetricsAddr).Msg("Metrics server listening")
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						sentry.CaptureException(err)
						log.Error().Err(err).Msg("Metrics server failed")
					}
				}()

				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
					}
				}()
			}
		}
	}

	// Connect to PostgreSQL unless running storage-less
	var pgDB *db.DB
	if config.StorageEnabled {
		pgDB, err = db.InitFromEnvWithRetry(context.Background())
		if err != nil {
			sentry.CaptureException(err)
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
		}
		defer pgDB.Close()
		log.Info().Msg("Connected to PostgreSQL database")
	} else {
		log.Warn().Msg("Storage disabled, running without durable history")
	}

	// Scheduler queue actor
	schedQueue := queue.New()
	defer schedQueue.Stop()

	// Dedup registry over the configured backend
	dedupStore := buildDedupStore(config, pgDB)
	schemaVersion := config.SchemaVersion
	registry := dedup.NewRegistry(dedupStore, func() int { return schemaVersion })

	// Retry manager with env-tunable defaults
	retries := retry.NewManager(retry.Policy{
		MaxAttempts:    getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		BackoffBase:    time.Duration(getEnvInt("RETRY_BACKOFF_BASE_MS", 1000)) * time.Millisecond,
		BackoffCeiling: time.Duration(getEnvInt("RETRY_BACKOFF_CEILING_MS", 30000)) * time.Millisecond,
	})

	// Resource monitor fed by the external sampler via the API
	monitor := resource.NewMonitor(resource.Thresholds{
		CPUPercent:    float64(getEnvInt("THROTTLE_CPU_PERCENT", 85)),
		MemoryPercent: float64(getEnvInt("THROTTLE_MEMORY_PERCENT", 90)),
		MaxInFlight:   int64(getEnvInt("THROTTLE_MAX_IN_FLIGHT", 256)),
	})

	manager := engine.NewManager(schedQueue, pgDB, registry, retries)
	executors := engine.NewDefaultRegistry(nil)

	// Configure worker count based on environment to prevent resource exhaustion
	var numWorkers int
	switch config.Env {
	case "production":
		numWorkers = 50 // Production: high throughput
	case "staging":
		numWorkers = 10 // Preview/staging: moderate throughput for PR testing
	default:
		numWorkers = 5 // Development: minimal for local testing
	}
	if override := getEnvInt("NUM_WORKERS", 0); override > 0 {
		numWorkers = override
	}

	log.Info().
		Int("workers", numWorkers).
		Str("environment", config.Env).
		Msg("Configuring worker pool")

	workerPool := engine.NewWorkerPool(manager, monitor, executors, numWorkers)
	workerPool.Start(context.Background())
	defer workerPool.Stop()

	// Re-crawl sweeper over the dedup registry
	sweeper := engine.NewSweeper(manager,
		engine.WithSchedule(config.SweepSchedule),
		engine.WithRecrawlAge(time.Duration(config.RecrawlAgeH)*time.Hour),
		engine.WithSweepPriority(getEnvInt("SWEEP_PRIORITY", 1)),
	)
	if err := sweeper.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start re-crawl sweeper")
	}
	defer sweeper.Stop()

	// Create a rate limiter
	limiter := newRateLimiter()

	// Create API handler with dependencies
	apiHandler := api.NewHandler(manager, monitor, pgDB)

	mux := http.NewServeMux()
	apiHandler.SetupRoutes(mux)

	// Create middleware stack with rate limiting
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		if !limiter.getLimiter(ip).Allow() {
			api.WriteErrorMessage(w, r, "Too many requests", http.StatusTooManyRequests, api.ErrCodeRateLimit)
			return
		}
		mux.ServeHTTP(w, r)
	})

	// Add middleware in reverse order (outermost first)
	handler = api.LoggingMiddleware(handler)
	handler = api.RequestIDMiddleware(handler)
	handler = api.SecurityHeadersMiddleware(handler)
	handler = api.CORSMiddleware(handler)
	handler = observability.WrapHandler(handler, obsProviders)

	server := &http.Server{
		Addr:    ":" + config.Port,
		Handler: handler,
	}

	// Channel to listen for termination signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Channel to signal when the server has shut down
	done := make(chan struct{})

	go func() {
		<-stop
		log.Info().Msg("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Stop accepting new requests
		if err := server.Shutdown(ctx); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Server forced to shutdown")
		}

		close(done)
	}()

	log.Info().Str("port", config.Port).Msg("Starting server")
	baseURL := fmt.Sprintf("http://localhost:%s", config.Port)
	log.Info().Str("health", baseURL+"/health").Msg("Health check")
	log.Info().Str("processes", baseURL+"/v1/processes").Msg("Process API")

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Server error")
	}

	<-done // Wait for the shutdown process to complete
	log.Info().Msg("Server stopped")
}

// buildDedupStore selects the dedup backend. Redis keeps records shared
// across nodes; postgres reuses the main database; memory is for single-node
// and development use.
func buildDedupStore(config *Config, pgDB *db.DB) dedup.Store {
	switch config.DedupBackend {
	case "redis":
		ttl := time.Duration(getEnvInt("DEDUP_TTL_HOURS", 0)) * time.Hour
		log.Info().Str("addr", config.RedisAddr).Msg("Using redis dedup backend")
		return dedup.NewRedisStore(config.RedisAddr, "gcb:dedup:", ttl)
	case "postgres":
		if pgDB == nil {
			log.Fatal().Msg("postgres dedup backend requires STORAGE_ENABLED=true")
		}
		log.Info().Msg("Using postgres dedup backend")
		return db.NewDedupStore(pgDB)
	case "memory":
		log.Info().Msg("Using in-memory dedup backend")
		return dedup.NewMemoryStore()
	default:
		log.Fatal().Str("backend", config.DedupBackend).Msg("Unknown dedup backend")
		return nil
	}
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var result int
	if _, err := fmt.Sscanf(value, "%d", &result); err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}

	return result
}

func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return headers
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}

		headers[key] = value
	}

	return headers
}

// setupLogging configures the logging system
func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use console writer in development
	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "green-carpenter-bee").
			Logger()
	}
}

// RateLimiter represents a rate limiting system based on client IP addresses
type RateLimiter struct {
	limits   map[string]*IPRateLimiter
	mu       sync.Mutex
	rate     rate.Limit
	capacity int
}

// IPRateLimiter wraps a token bucket rate limiter specific to an IP address
type IPRateLimiter struct {
	limiter *rate.Limiter
}

// newRateLimiter creates a new rate limiter with default settings
func newRateLimiter() *RateLimiter {
	return &RateLimiter{
		limits:   make(map[string]*IPRateLimiter),
		rate:     rate.Limit(20), // 20 requests per second
		capacity: 10,             // 10 burst capacity
	}
}

// getLimiter returns the rate limiter for a specific IP address
func (rl *RateLimiter) getLimiter(ip string) *IPRateLimiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limits[ip]
	if !exists {
		limiter = &IPRateLimiter{
			limiter: rate.NewLimiter(rl.rate, rl.capacity),
		}
		rl.limits[ip] = limiter
	}

	return limiter
}

// Allow checks if a request from this IP should be allowed
func (ipl *IPRateLimiter) Allow() bool {
	return ipl.limiter.Allow()
}

// getClientIP extracts the client's IP address from a request
func getClientIP(r *http.Request) string {
	// X-Forwarded-For might contain multiple IPs, take the first one
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		ips := strings.Split(ip, ",")
		return strings.TrimSpace(ips[0])
	}

	ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	return ip
}
