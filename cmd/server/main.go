package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/npezzotti/flickchat/internal/api"
	"github.com/npezzotti/flickchat/internal/config"
	"github.com/npezzotti/flickchat/internal/database"
	"github.com/npezzotti/flickchat/internal/server"
	"github.com/npezzotti/flickchat/internal/share"
	"github.com/npezzotti/flickchat/internal/stats"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr              string
	dsn               string
	signingKey        string
	allowedOrigins    stringSliceFlag
	heartbeatInterval time.Duration
	publicBaseURL     string
	redisAddr         string
	redisPassword     string
	shareMarkerTTL    time.Duration
	shareMemorySize   int
)

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}

func main() {
	logger := log.New(os.Stderr, "[flickchat] ", log.LstdFlags)

	// a missing .env file is fine, the environment and flags still apply
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Println("load .env:", err)
	}

	flag.StringVar(&addr, "addr", envOr("FLICKCHAT_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&dsn, "dsn", envOr("FLICKCHAT_DSN", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flag.StringVar(&signingKey, "signing-key", envOr("FLICKCHAT_SIGNING_KEY", defaultSigningKey), "base64 encoded identity token signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.DurationVar(&heartbeatInterval, "heartbeat-interval", envDurationOr("FLICKCHAT_HEARTBEAT_INTERVAL", config.DefaultHeartbeatInterval), "presence heartbeat interval")
	flag.StringVar(&publicBaseURL, "public-base-url", envOr("FLICKCHAT_PUBLIC_BASE_URL", config.DefaultPublicBaseURL), "base URL used in shared content links")
	flag.StringVar(&redisAddr, "redis-addr", envOr("FLICKCHAT_REDIS_ADDR", ""), "redis address for share markers, in memory when empty")
	flag.StringVar(&redisPassword, "redis-password", envOr("FLICKCHAT_REDIS_PASSWORD", ""), "redis password")
	flag.DurationVar(&shareMarkerTTL, "share-marker-ttl", envDurationOr("FLICKCHAT_SHARE_MARKER_TTL", share.DefaultMarkerTTL), "how long a share is remembered in redis")
	flag.IntVar(&shareMemorySize, "share-memory-size", envIntOr("FLICKCHAT_SHARE_MEMORY_SIZE", share.DefaultMemoryMarkers), "share markers kept in memory")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		if origins := os.Getenv("FLICKCHAT_ALLOWED_ORIGINS"); origins != "" {
			allowedOrigins.Set(origins)
		}
	}

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins,
		config.WithHeartbeatInterval(heartbeatInterval),
		config.WithPublicBaseURL(publicBaseURL),
		config.WithRedis(redisAddr, redisPassword),
		config.WithShareMarkers(shareMarkerTTL, shareMemorySize),
	)
	if err != nil {
		logger.Fatal("config:", err)
	}

	dbConn, err := database.NewPgFlickChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	err = dbConn.Migrate(migrateCtx)
	cancelMigrate()
	if err != nil {
		logger.Fatal("db migrate:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, dbConn, statsUpdater,
		server.WithHeartbeatInterval(cfg.HeartbeatInterval))
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	markers, closeMarkers := newMarkerStore(logger, cfg)
	defer closeMarkers()

	injector := share.NewInjector(logger, chatServer, markers, statsUpdater, cfg.PublicBaseURL)

	srv := api.NewFlickChatApp(mux, logger, chatServer, dbConn, injector, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}

// newMarkerStore uses Redis when an address is configured so markers
// survive restarts and are shared between instances.
func newMarkerStore(logger *log.Logger, cfg *config.Config) (share.MarkerStore, func()) {
	if cfg.RedisAddr != "" {
		store := share.NewRedisMarkerStore(cfg.RedisAddr, cfg.RedisPassword, cfg.ShareMarkerTTL)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			logger.Fatal("redis ping:", err)
		}

		logger.Printf("share markers in redis at %s", cfg.RedisAddr)
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Println("redis close:", err)
			}
		}
	}

	size := cfg.ShareMemorySize
	if size <= 0 {
		size = share.DefaultMemoryMarkers
	}
	store, err := share.NewMemoryMarkerStore(size)
	if err != nil {
		logger.Fatal("share markers:", err)
	}

	logger.Printf("share markers in memory, up to %d", size)
	return store, func() {}
}
