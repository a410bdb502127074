// chatagent is a headless marketplace chat client: it holds the broker
// connection for one user, keeps rooms synchronized, fans notification
// events out to NATS, and optionally archives message traffic to Postgres.
package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/bazaar/market-chat/internal/api"
	"github.com/bazaar/market-chat/internal/archive"
	"github.com/bazaar/market-chat/internal/conn"
	"github.com/bazaar/market-chat/internal/engine"
	"github.com/bazaar/market-chat/internal/metrics"
	"github.com/bazaar/market-chat/internal/notify"
	"github.com/bazaar/market-chat/internal/protocol"
	"github.com/bazaar/market-chat/internal/token"
	"github.com/bazaar/market-chat/internal/unread"
)

type agentConfig struct {
	UserID    string `env:"CHAT_USER_ID,required"`
	APIBase   string `env:"CHAT_API_BASE" envDefault:"http://localhost:8080/api/v1"`
	BrokerURL string `env:"CHAT_BROKER_URL" envDefault:"ws://localhost:8080/ws"`

	// Exactly one of Token / TokenURL must be set. Token is a fixed
	// credential (service accounts); TokenURL is an endpoint that mints
	// fresh ones.
	Token    string `env:"CHAT_TOKEN"`
	TokenURL string `env:"CHAT_TOKEN_URL"`

	Rooms []string `env:"CHAT_ROOMS" envSeparator:","`

	DialTimeout          time.Duration `env:"CHAT_DIAL_TIMEOUT" envDefault:"10s"`
	PingInterval         time.Duration `env:"CHAT_PING_INTERVAL" envDefault:"30s"`
	ReconnectBase        time.Duration `env:"CHAT_RECONNECT_BASE" envDefault:"2s"`
	MaxReconnectAttempts int           `env:"CHAT_MAX_RECONNECT_ATTEMPTS" envDefault:"5"`
	HistoryPageSize      int           `env:"CHAT_HISTORY_PAGE_SIZE" envDefault:"50"`

	// Optional integrations; empty disables each.
	RedisAddr   string `env:"REDIS_ADDR"`
	NATSURL     string `env:"NATS_URL"`
	ArchiveDSN  string `env:"ARCHIVE_DSN"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9300"`
}

func main() {
	var config agentConfig
	if err := env.Parse(&config); err != nil {
		log.Fatalf("config: %v", err)
	}

	// --- Token supply ---
	provider, err := buildTokenProvider(config)
	if err != nil {
		log.Fatalf("token provider: %v", err)
	}

	apiClient := api.NewClient(config.APIBase, provider)

	// --- Notification fan-out ---
	var notifier *notify.NATSPublisher
	if config.NATSURL != "" {
		natsConfig := notify.DefaultNATSConfig()
		natsConfig.URL = config.NATSURL
		notifier, err = notify.NewNATSPublisher(natsConfig, config.UserID)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	}

	// --- Connection + engine ---
	manager := conn.NewManager(conn.Config{
		BrokerURL:            config.BrokerURL,
		DialTimeout:          config.DialTimeout,
		PingInterval:         config.PingInterval,
		ReconnectBase:        config.ReconnectBase,
		MaxReconnectAttempts: config.MaxReconnectAttempts,
	}, conn.NewWSDialer(), provider)

	// A typed nil pointer must not reach the interface parameter.
	var fanout unread.Notifier
	if notifier != nil {
		fanout = notifier
	}
	eng := engine.New(engine.Config{
		SelfID:          config.UserID,
		HistoryPageSize: config.HistoryPageSize,
	}, manager, apiClient, fanout)

	// --- Message archive ---
	var db *sql.DB
	if config.ArchiveDSN != "" {
		db, err = sql.Open("postgres", config.ArchiveDSN)
		if err != nil {
			log.Fatalf("failed to open archive database: %v", err)
		}
		if err := archive.Migrate(db); err != nil {
			log.Fatalf("archive migrations: %v", err)
		}
		arch := archive.NewStore(db)

		eng.OnIngest(func(msg protocol.Message) {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := arch.RecordMessage(ctx, msg); err != nil {
				log.Printf("[archive] record message %s: %v", msg.ID, err)
			}
		})
		eng.OnEdit(func(msg protocol.Message) {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := arch.RecordEdit(ctx, msg); err != nil {
				log.Printf("[archive] record edit %s: %v", msg.ID, err)
			}
		})
		eng.OnDelete(func(chatID, messageID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := arch.RecordDelete(ctx, messageID); err != nil {
				log.Printf("[archive] record delete %s: %v", messageID, err)
			}
		})
	}

	eng.OnConnectionState(func(s conn.State) {
		log.Printf("connection state: %s", s)
	})
	eng.OnGiveUp(func() {
		log.Printf("reconnection abandoned after %d attempts; waiting for operator", config.MaxReconnectAttempts)
	})
	eng.OnBrokerError(func(msg string) {
		log.Printf("broker error: %s", msg)
	})

	log.Printf("market-chat agent starting")
	log.Printf("  user_id:       %s", config.UserID)
	log.Printf("  api_base:      %s", config.APIBase)
	log.Printf("  broker_url:    %s", config.BrokerURL)
	log.Printf("  rooms:         %v", config.Rooms)
	log.Printf("  nats_url:      %s", orDisabled(config.NATSURL))
	log.Printf("  redis_addr:    %s", orDisabled(config.RedisAddr))
	log.Printf("  archive_dsn:   %s", orDisabled(config.ArchiveDSN))
	log.Printf("  metrics_addr:  %s", config.MetricsAddr)

	// --- Metrics endpoint ---
	if config.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(config.MetricsAddr, mux); err != nil {
				log.Printf("metrics endpoint: %v", err)
			}
		}()
	}

	ctx := context.Background()

	if err := eng.RefreshRooms(ctx); err != nil {
		log.Printf("initial room list refresh: %v", err)
	}

	// Record subscription intent before connecting; the joins are replayed
	// the moment the socket comes up.
	for _, chatID := range config.Rooms {
		if err := eng.JoinRoom(chatID); err != nil {
			log.Printf("join %s: %v", chatID, err)
		}
	}

	if err := eng.Connect(ctx); err != nil {
		log.Fatalf("broker connect: %v", err)
	}

	for _, chatID := range config.Rooms {
		if err := eng.LoadHistory(ctx, chatID); err != nil {
			log.Printf("history %s: %v", chatID, err)
		}
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	eng.Disconnect()
	if notifier != nil {
		notifier.Close()
	}
	if db != nil {
		if err := db.Close(); err != nil {
			log.Printf("archive close: %v", err)
		}
	}
}

// buildTokenProvider assembles the credential chain: a static token or a
// refresh endpoint, optionally fronted by a shared Redis cache.
func buildTokenProvider(config agentConfig) (token.Provider, error) {
	var provider token.Provider
	switch {
	case config.Token != "":
		provider = token.Static(config.Token)
	case config.TokenURL != "":
		provider = token.NewRefreshing(refreshFromEndpoint(config.TokenURL, config.UserID))
	default:
		return nil, fmt.Errorf("one of CHAT_TOKEN or CHAT_TOKEN_URL is required")
	}

	if config.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: config.RedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		provider = token.NewCache(client, config.UserID, provider)
	}
	return provider, nil
}

// refreshFromEndpoint mints tokens by POSTing to the auth endpoint. The
// response body is {"token": "<jwt>"}.
func refreshFromEndpoint(endpoint, userID string) token.RefreshFunc {
	client := &http.Client{Timeout: 10 * time.Second}
	return func(ctx context.Context) (string, error) {
		body, err := json.Marshal(map[string]string{"user_id": userID})
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("token refresh: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return "", fmt.Errorf("token refresh: unexpected status %d", resp.StatusCode)
		}

		var out struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("token refresh: decode response: %w", err)
		}
		if out.Token == "" {
			return "", token.ErrNoToken
		}
		return out.Token, nil
	}
}

func orDisabled(v string) string {
	if v == "" {
		return "(disabled)"
	}
	return v
}
