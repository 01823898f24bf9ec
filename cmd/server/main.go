package main

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/pilotcrew/agentgate/internal/admin"
	"github.com/pilotcrew/agentgate/internal/catalog"
	"github.com/pilotcrew/agentgate/internal/config"
	"github.com/pilotcrew/agentgate/internal/license"
	"github.com/pilotcrew/agentgate/internal/proxy"
	"github.com/pilotcrew/agentgate/internal/quota"
	"github.com/pilotcrew/agentgate/internal/store"
	"github.com/pilotcrew/agentgate/internal/upstream"
	"github.com/pilotcrew/agentgate/internal/usage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	// Key/subscription store
	keyStore, err := store.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer keyStore.Close()

	// Usage stream backend
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to parse Redis URL:", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	// Model catalog
	cat, err := catalog.Load()
	if err != nil {
		log.Fatal("Failed to load model catalog:", err)
	}
	log.Printf("Model catalog v%d loaded (%d models)", cat.Version, len(cat.Models))

	// Pipeline state: constructed once here, injected everywhere
	resolver := license.NewResolver(keyStore)
	resolver.StartSweeper()
	defer resolver.StopSweeper()

	counter := quota.NewCounter()
	counter.StartSweeper()
	defer counter.StopSweeper()

	sink := usage.NewSink(rdb, keyStore)
	defer sink.Close()

	router := upstream.NewRouter(cfg.Providers)
	interceptor := usage.NewInterceptor(cat, sink)

	// SkipClean keeps traversal sequences intact so the pipeline can
	// reject them with 400 instead of mux normalizing them away.
	r := mux.NewRouter()
	r.SkipClean(true)

	// Public routes
	r.HandleFunc("/health", healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Operator routes
	adminHandler := admin.NewHandler(resolver, counter, cfg.AdminSecret, cfg.AdminJWTSecret)
	adminHandler.RegisterRoutes(r)

	// Provider proxy routes
	proxyHandler := proxy.NewHandler(resolver, counter, cat, router, interceptor)
	proxyHandler.RegisterRoutes(r)

	// Start server
	log.Printf("Gateway starting on port %s", cfg.ServerPort)
	log.Printf("Admin API available at /admin/*")
	log.Printf("Provider proxy available at /v1/{anthropic,openai,google}/*")
	if err := http.ListenAndServe(":"+cfg.ServerPort, r); err != nil {
		log.Fatal("Server failed:", err)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": "1.0.0",
	})
}
