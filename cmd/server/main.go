package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/database"
	"chatrelay/internal/identity"
	"chatrelay/internal/notify"
	"chatrelay/internal/proxy"
	"chatrelay/internal/router"
)

func main() {
	log.Println("🚀 Starting ChatRelay Gateway...")

	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()
	log.Println("✓ Environment variables loaded")

	// ──── Step 2: Initialize Redis Clients ────
	redisClients, err := database.NewRedisClients(cfg.RedisURL)
	if err != nil {
		log.Fatalf("✗ Redis connection failed: %v", err)
	}
	defer redisClients.Close()
	log.Println("✓ Redis connected")

	// ──── Step 3: Identity Resolver ────
	resolver := identity.NewResolver(cfg.JWTSecret)
	if cfg.JWTSecret == "" {
		log.Println("⚠ JWT_SECRET not set; all callers will be treated as guests")
	}

	// ──── Step 4: Refresh Fan-out Hub ────
	hub := notify.NewHub(redisClients.Pub, redisClients.Sub, resolver)
	log.Println("✓ WebSocket hub started")

	// ──── Step 5: Forwarding Proxy ────
	forwarder, err := proxy.New(cfg.BackendURL, resolver, hub)
	if err != nil {
		log.Fatalf("✗ Invalid BACKEND_URL: %v", err)
	}
	log.Printf("✓ Forwarding to backend at %s", cfg.BackendURL)

	// ──── Step 6: Start HTTP Server ────
	r := router.New(forwarder, hub, cfg.FrontendURL)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: r,
		// No WriteTimeout: chat streams are long-lived by design.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("✓ ChatRelay Gateway ready on http://localhost:%s", cfg.Port)
	log.Printf("  API: http://localhost:%s/api/v1", cfg.Port)
	log.Printf("  WS:  ws://localhost:%s/api/v1/ws", cfg.Port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
