package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/wejdan/chat-app/internal/ai"
	"github.com/wejdan/chat-app/internal/api"
	"github.com/wejdan/chat-app/internal/auth"
	"github.com/wejdan/chat-app/internal/chat"
	"github.com/wejdan/chat-app/internal/history"
	"github.com/wejdan/chat-app/internal/messaging"
	"github.com/wejdan/chat-app/internal/metrics"
	"github.com/wejdan/chat-app/internal/presence"
	"github.com/wejdan/chat-app/internal/protocol"
	"github.com/wejdan/chat-app/internal/ratelimit"
	"github.com/wejdan/chat-app/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "chat-1"
	}

	// --- Core room state ---
	registry := chat.NewRegistry()
	broadcaster := chat.NewBroadcaster(registry)

	opts := chat.DefaultOptions()
	if v := os.Getenv("TYPING_INCLUDES_SENDER"); v == "true" {
		opts.TypingExcludesSender = false
	}
	if v := os.Getenv("JOIN_INCLUDES_SENDER"); v == "true" {
		opts.JoinExcludesSender = false
	}

	handlers := chat.NewHandlers(registry, broadcaster, opts)

	// --- Redis (presence mirror + rate limiting), optional ---
	var presenceStore *presence.Store
	var limiter *ratelimit.Limiter
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		var err error
		presenceStore, err = presence.NewStore(redisAddr, serverName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		limiter = ratelimit.NewLimiter(presenceStore.Client())
		handlers.WithPresenceStore(presenceStore)
		handlers.WithRateLimiter(limiter)
	}
	// Refresh well inside the TTL so a slow sweep cannot expire live users.
	stopRefresher := handlers.StartPresenceRefresher(presence.PresenceTTL / 4)

	// --- NATS event tap, optional ---
	var natsClient *messaging.NATSClient
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = serverName

		var err error
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		handlers.WithEventTap(natsClient)
	}

	// --- PostgreSQL message history, optional ---
	var historyStore *history.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		var err error
		historyStore, err = history.Open(dsn)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		handlers.WithMessageStore(historyStore)
	}

	// --- AI orchestrator ---
	orchestrator := ai.NewOrchestrator(ai.DefaultDirectory())

	// --- JWT auth, optional ---
	var issuer *auth.Issuer
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		var err error
		issuer, err = auth.NewIssuer(secret)
		if err != nil {
			log.Fatalf("auth setup failed: %v", err)
		}
	}

	log.Printf("Wejdan chat server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  server_name:     %s", serverName)
	log.Printf("  redis:           %v", presenceStore != nil)
	log.Printf("  nats:            %v", natsClient != nil)
	log.Printf("  postgres:        %v", historyStore != nil)
	log.Printf("  auth:            %v", issuer != nil)
	log.Printf("  ai_models:       %v", orchestrator.Directory().AvailableModels())

	// --- WebSocket message routing ---
	dispatcher := ws.NewMessageDispatcher(nil)

	dispatcher.Register(protocol.TypeIdentify, func(conn *ws.Connection, msg interface{}) {
		identifyMsg, ok := msg.(protocol.IdentifyMsg)
		if !ok {
			return
		}
		handlers.Identify(conn.ID, identifyMsg)
	})

	dispatcher.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		chatMsg, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}
		handlers.Message(conn.ID, chatMsg)
	})

	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		handlers.Typing(conn.ID, typingMsg)
	})

	server := ws.NewServer(config, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	server.SetOnConnect(func(conn *ws.Connection) {
		if err := handlers.Connect(conn.ID, conn); err != nil {
			log.Printf("register session=%s: %v", conn.ID, err)
		}
	})
	server.SetOnDisconnect(func(connID string) {
		handlers.Disconnect(connID)
	})

	// --- HTTP API + metrics on the same listener ---
	apiServer := api.NewServer(orchestrator, registry, handlers.Recent())
	if historyStore != nil {
		apiServer.WithHistory(historyStore)
	}
	if presenceStore != nil {
		apiServer.WithPresence(presenceStore)
	}
	if issuer != nil {
		apiServer.WithAuth(issuer)
	}
	if limiter != nil {
		apiServer.WithRateLimiter(limiter)
	}
	apiServer.Register(server.Handle)
	server.Handle("/metrics", metrics.Handler())

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		stopRefresher()
		registry.Close()
		if natsClient != nil {
			natsClient.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if presenceStore != nil {
			if err := presenceStore.Close(); err != nil {
				log.Printf("presence store close error: %v", err)
			}
		}
		if historyStore != nil {
			if err := historyStore.Close(); err != nil {
				log.Printf("history store close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
