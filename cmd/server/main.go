// cmd/server/main.go
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradehelm/internal/broker"
	"tradehelm/internal/config"
	"tradehelm/internal/metrics"
	"tradehelm/internal/trading/repository"
	"tradehelm/internal/trading/service"
	tradinghttp "tradehelm/internal/trading/transport/http"
	"tradehelm/pkg/db"
	"tradehelm/pkg/middleware"
)

var server *http.Server

func main() {
	fmt.Println("TradeHelm API starting...")
	cfg := config.Load()
	fmt.Println("Config loaded")

	metrics.InitMetrics()

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	if err := db.Migrate(database); err != nil {
		log.Fatalf("Schema migration failed: %v", err)
	}
	log.Println("Database connected")

	// --- LAYER WIRING ---
	tradeRepo := repository.NewPostgresTradeRepo(database)
	stateRepo := repository.NewPostgresStateRepo(database)
	configRepo := repository.NewPostgresConfigRepo(database)
	signalRepo := repository.NewPostgresSignalRepo(database)

	brokerClient := broker.NewClientWithProxy(
		cfg.BrokerAPIURL, cfg.BrokerAPIKey, cfg.BrokerSecretKey, cfg.BrokerProxyAddr)

	gateway := service.NewRiskGateway()
	circuitBreaker := service.NewCircuitBreaker(stateRepo)
	executor := service.NewOrderExecutor(brokerClient, tradeRepo, stateRepo, signalRepo)
	monitor := service.NewPositionMonitor(brokerClient, tradeRepo, stateRepo, executor)
	engine := service.NewEngine(gateway, circuitBreaker, executor, monitor,
		brokerClient, tradeRepo, stateRepo, configRepo, signalRepo)

	h := tradinghttp.NewHandler(engine, cfg)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional fill stream, operational logging only.
	if cfg.BrokerWSURL != "" {
		stream := broker.NewStreamClient(cfg.BrokerWSURL, cfg.BrokerAPIKey, cfg.BrokerSecretKey, cfg.BrokerProxyAddr)
		if err := stream.Connect(rootCtx); err != nil {
			log.Printf("Trade-updates stream unavailable: %v", err)
		}
		defer stream.Close()
	}

	go runMonitorLoop(rootCtx, engine, brokerClient, cfg.MonitorInterval)

	// --- ROUTER ---
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.MetricsMiddleware)
	r.Use(middleware.ValidateRequest)
	r.Use(middleware.NewRateLimiter(100, time.Minute).Middleware)

	r.Post("/auth/login", h.Login)

	r.Group(func(pr chi.Router) {
		pr.Use(middleware.JWTAuth(cfg.JWTSecret))

		pr.Post("/api/trading/signals", h.SubmitSignal)
		pr.Post("/api/trading/trades/{id}/exit", h.ExitTrade)
		pr.Post("/api/trading/kill-switch", h.KillSwitch)
		pr.Post("/api/trading/resume", h.Resume)
		pr.Get("/api/trading/state", h.GetState)
		pr.Get("/api/trading/trades", h.GetTrades)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.With(middleware.BasicAuth(cfg.MetricsUser, cfg.MetricsPass)).
		Get("/metrics", promhttp.Handler().ServeHTTP)

	server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	log.Printf("Server running on %s", cfg.ListenAddr)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		log.Println("Shutdown signal received, starting graceful shutdown")
		cancel()
		shutdownServer()
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

// runMonitorLoop drives the position monitor while the market is open.
// The monitor itself never self-schedules.
func runMonitorLoop(ctx context.Context, engine *service.Engine, b broker.Broker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		clock, err := b.GetClock(ctx)
		if err != nil {
			log.Printf("MonitorLoop: clock unavailable, running cycle anyway: %v", err)
		} else if !clock.IsOpen {
			continue
		}

		cycleCtx, cancel := context.WithTimeout(ctx, interval)
		if _, err := engine.RunMonitorCycle(cycleCtx); err != nil {
			log.Printf("MonitorLoop: cycle failed: %v", err)
		}
		cancel()
	}
}

func shutdownServer() {
	log.Println("Starting server shutdown process")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}

	log.Println("Server stopped")
}
