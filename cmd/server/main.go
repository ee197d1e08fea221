package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-classroom/internal/api"
	"github.com/npezzotti/go-classroom/internal/channel"
	"github.com/npezzotti/go-classroom/internal/classroom"
	"github.com/npezzotti/go-classroom/internal/config"
	"github.com/npezzotti/go-classroom/internal/database"
	"github.com/npezzotti/go-classroom/internal/relay"
	"github.com/npezzotti/go-classroom/internal/stats"
	"github.com/npezzotti/go-classroom/internal/studyroom"
	"github.com/redis/go-redis/v9"
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
	addr           string
	signingKey     string
	allowedOrigins stringSliceFlag
	store          config.StoreConfig
	transport      config.TransportConfig
	timing         config.Timing
)

func main() {
	logger := log.New(os.Stderr, "[go-classroom] ", log.LstdFlags)

	if err := config.LoadEnv(); err != nil {
		logger.Fatal("env:", err)
	}

	flag.StringVar(&addr, "addr", config.GetEnvOrDefault("CLASSROOM_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&signingKey, "signing-key", config.GetEnvOrDefault("CLASSROOM_SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&store.Driver, "store", config.GetEnvOrDefault("CLASSROOM_STORE", config.StoreMemory), "room store: memory, postgres or mongo")
	flag.StringVar(&store.DSN, "dsn", config.GetEnvOrDefault("CLASSROOM_DSN", ""), "room store connection string")
	flag.StringVar(&store.MongoDatabase, "mongo-db", config.GetEnvOrDefault("CLASSROOM_MONGO_DB", ""), "mongo database name")
	flag.StringVar(&transport.Driver, "transport", config.GetEnvOrDefault("CLASSROOM_TRANSPORT", config.TransportMemory), "classroom channel medium: memory or redis")
	flag.StringVar(&transport.RedisAddr, "redis-addr", config.GetEnvOrDefault("CLASSROOM_REDIS_ADDR", "localhost:6379"), "redis address")
	flag.StringVar(&transport.Namespace, "namespace", config.GetEnvOrDefault("CLASSROOM_NAMESPACE", string(channel.DefaultNamespace)), "classroom channel namespace")
	flag.DurationVar(&timing.IdleTimeout, "idle-timeout", config.GetEnvAsDurationOrDefault("CLASSROOM_IDLE_TIMEOUT", 0), "time before a silent student is marked idle")
	flag.DurationVar(&timing.SweepInterval, "sweep-interval", config.GetEnvAsDurationOrDefault("CLASSROOM_SWEEP_INTERVAL", 0), "idle sweep interval")
	flag.DurationVar(&timing.PulseWindow, "pulse-window", config.GetEnvAsDurationOrDefault("CLASSROOM_PULSE_WINDOW", 0), "pulse sliding window")
	flag.DurationVar(&timing.PulseInterval, "pulse-interval", config.GetEnvAsDurationOrDefault("CLASSROOM_PULSE_INTERVAL", 0), "pulse recompute interval")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		if v := os.Getenv("CLASSROOM_ALLOWED_ORIGINS"); v != "" {
			allowedOrigins.Set(v)
		}
	}

	cfg, err := config.NewConfig(addr, signingKey, allowedOrigins, store, transport, timing)
	if err != nil {
		logger.Fatal("config:", err)
	}

	roomStore, err := openStore(cfg.Store, logger)
	if err != nil {
		logger.Fatal("store open:", err)
	}
	defer func() {
		if err := roomStore.Close(); err != nil {
			logger.Println("store close:", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	rl := relay.NewRelay(logger, statsUpdater, cfg.AllowedOrigins)
	go rl.Run()

	ns := channel.Namespace(cfg.Transport.Namespace)
	monitor, gateway, closeTransports := openTransports(cfg.Transport, ns, rl, logger)
	defer closeTransports()

	cr := classroom.New(monitor, gateway, ns, classroom.Timing(cfg.Timing), logger, statsUpdater)
	if err := cr.Start(); err != nil {
		logger.Fatal("classroom start:", err)
	}
	defer cr.Stop()

	rooms := studyroom.NewService(roomStore, logger, studyroom.WithStats(statsUpdater))

	srv := api.NewClassroomApp(mux, logger, rooms, roomStore, rl, cr, cfg)

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
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down relay...")
	if err := rl.Shutdown(shutDownCtx); err != nil {
		logger.Println("relay shutdown:", err)
	}

	logger.Println("shutdown complete")
}

func openStore(sc config.StoreConfig, logger *log.Logger) (database.RoomStore, error) {
	switch sc.Driver {
	case config.StorePostgres:
		pg, err := database.NewPgRoomStore(sc.DSN, logger)
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(pg.DB()); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	case config.StoreMongo:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mg, err := database.NewMongoRoomStore(ctx, sc.DSN, sc.MongoDatabase, logger)
		if err != nil {
			return nil, err
		}
		return mg, nil
	default:
		return database.NewMemoryRoomStore(logger), nil
	}
}

// openTransports returns the classroom's monitor and gateway transports. With
// the memory driver both attach to the relay, so they share a medium with
// websocket clients; with redis they share one with every other process
// publishing to the namespace's channel.
func openTransports(tc config.TransportConfig, ns channel.Namespace, rl *relay.Relay, logger *log.Logger) (channel.Transport, channel.Transport, func()) {
	if tc.Driver != config.TransportRedis {
		return rl.Endpoint(ns, "monitor"), rl.Endpoint(ns, "gateway"), func() {}
	}

	client := redis.NewClient(&redis.Options{Addr: tc.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis ping:", err)
	}

	return channel.NewRedisTransport(client, ns, logger), channel.NewRedisTransport(client, ns, logger), func() {
		if err := client.Close(); err != nil {
			logger.Println("redis close:", err)
		}
	}
}
