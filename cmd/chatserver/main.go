package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parley/chat-relay/internal/api"
	"github.com/parley/chat-relay/internal/bus"
	"github.com/parley/chat-relay/internal/messaging"
	"github.com/parley/chat-relay/internal/metrics"
	"github.com/parley/chat-relay/internal/ratelimit"
	"github.com/parley/chat-relay/internal/reconcile"
	"github.com/parley/chat-relay/internal/relay"
	"github.com/parley/chat-relay/internal/session"
	"github.com/parley/chat-relay/internal/store"
)

func main() {
	listenAddr := ":8000"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		listenAddr = v
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL must be set")
	}

	relayConfig := relay.DefaultConfig()
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			relayConfig.WriteTimeout = d
		}
	}
	if v := os.Getenv("GATEWAY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			relayConfig.GatewayTimeout = d
		}
	}

	busCapacity := bus.DefaultCapacity
	if v := os.Getenv("BUS_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			busCapacity = n
		}
	}

	reconcileConfig := reconcile.DefaultConfig()
	if v := os.Getenv("RECONCILE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			reconcileConfig.Interval = d
		}
	}

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "relay-1"
	}

	// --- PostgreSQL ---
	st, err := store.Open(dsn)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	// --- Session cache warm-up ---
	cache := session.NewCache()
	warmCtx, cancelWarm := context.WithTimeout(context.Background(), 10*time.Second)
	if tokens, err := st.ListValidTokens(warmCtx); err != nil {
		// The first reconciliation cycle fills the cache; until then only
		// freshly minted sessions can chat.
		log.Printf("cache warm-up failed, starting empty: %v", err)
	} else {
		cache.ReplaceAll(tokens)
		metrics.SessionCacheSize.Set(float64(cache.Len()))
		log.Printf("session cache warmed with %d tokens", cache.Len())
	}
	cancelWarm()

	// --- Broadcast bus and handlers ---
	b := bus.New(busCapacity)
	relayHandler := relay.NewHandler(relayConfig, cache, st, b)
	apiHandler := api.NewHandler(st, cache)

	// --- Redis (optional): rate limiting ---
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		limiter := ratelimit.NewLimiter(rdb)
		relayHandler.SetLimiter(limiter)
		apiHandler.SetLimiter(limiter)
		log.Printf("rate limiting enabled via redis at %s", redisAddr)
	}

	// --- NATS (optional): cross-instance fanout ---
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = serverName

		natsClient, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		defer natsClient.Close()

		relayHandler.SetBridge(natsClient)
		if err := natsClient.SubscribeChat(func(payload []byte) {
			b.Publish(payload)
		}); err != nil {
			log.Fatalf("failed to subscribe to chat bridge: %v", err)
		}
		log.Printf("cross-instance fanout enabled via NATS at %s", natsURL)
	}

	// --- Reconciliation loop ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reconciler := reconcile.New(cache, st, reconcileConfig)
	go reconciler.Run(ctx)

	// --- HTTP ---
	startedAt := time.Now()
	mux := http.NewServeMux()
	mux.Handle("/ws", relayHandler)
	apiHandler.Register(mux)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		resp := struct {
			Status         string `json:"status"`
			Connections    int    `json:"connections"`
			CachedSessions int    `json:"cached_sessions"`
			Uptime         string `json:"uptime"`
		}{
			Status:         "ok",
			Connections:    b.Len(),
			CachedSessions: cache.Len(),
			Uptime:         time.Since(startedAt).Round(time.Second).String(),
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		log.Printf("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
	}()

	log.Printf("chat relay starting")
	log.Printf("  listen_addr:        %s", listenAddr)
	log.Printf("  server_name:        %s", serverName)
	log.Printf("  bus_capacity:       %d", busCapacity)
	log.Printf("  reconcile_interval: %s", reconcileConfig.Interval)

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server error: %v", err)
	}
}
