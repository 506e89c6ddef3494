package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	authrepo "chat-delivery-plane/backend/internal/auth/repository"
	"chat-delivery-plane/backend/internal/auth/service"
	"chat-delivery-plane/backend/internal/bridge"
	chatrepo "chat-delivery-plane/backend/internal/chat/repository"
	"chat-delivery-plane/backend/internal/config"
	"chat-delivery-plane/backend/internal/connection"
	"chat-delivery-plane/backend/internal/db"
	"chat-delivery-plane/backend/internal/delivery"
	"chat-delivery-plane/backend/internal/registry"
	"chat-delivery-plane/backend/internal/security"
	"chat-delivery-plane/backend/internal/server"
	"chat-delivery-plane/backend/internal/telemetry/otel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, "chat-delivery-plane", false)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	privateKey, err := security.ParsePrivateKey(cfg.JWTPrivateKey)
	if err != nil {
		log.Fatalf("jwt private key: %v", err)
	}
	publicKey, err := security.ParsePublicKey(cfg.JWTPublicKey)
	if err != nil {
		log.Fatalf("jwt public key: %v", err)
	}
	provider := security.NewTokenProvider(privateKey, publicKey, cfg.JWTIssuer, cfg.JWTAudience,
		cfg.AccessTTL(), cfg.RefreshTTL(), cfg.ClockSkew())
	hasher := security.NewHasher(cfg.BcryptCost)

	users := authrepo.NewPostgresUserStore(pool)
	tokens := authrepo.NewPostgresTokenStore(pool)
	chatStore := chatrepo.NewPostgresStore(pool)
	tokenSvc := service.NewTokenService(users, tokens, chatStore, provider, hasher)

	var br bridge.Bridge
	if brokers := cfg.KafkaBrokersList(); len(brokers) > 0 {
		kb := bridge.NewKafkaBridge(brokers, cfg.DeliveryKafkaTopic, cfg.KafkaGroupID)
		defer kb.Close()
		br = kb
	} else {
		// Single-instance mode: events loop back in-process only.
		log.Println("KAFKA_BROKERS not set; running with in-memory bridge")
		br = bridge.NewMemoryBridge()
	}

	reg := registry.New()
	router := delivery.NewRouter(chatStore, chatStore, reg, br)
	go func() {
		if err := br.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("bridge: %v", err)
		}
	}()

	sup := connection.NewSupervisor(tokenSvc, router, reg, cfg.Heartbeat(), cfg.Revalidation(), cfg.QueueCapacity)
	srv := server.New(tokenSvc, chatStore, chatStore, sup, pool)

	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Handler(),
		// Request contexts derive from ctx, so a shutdown signal cancels
		// every live websocket supervisor cooperatively.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		log.Printf("http server listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down, closing %d live connections...", len(reg.All()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("server stopped")
}
