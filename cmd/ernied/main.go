package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/knoguchi/ernie/internal/auth"
	"github.com/knoguchi/ernie/internal/config"
	"github.com/knoguchi/ernie/internal/memory"
	"github.com/knoguchi/ernie/internal/server"
	"github.com/knoguchi/ernie/internal/service"
	"github.com/knoguchi/ernie/pkg/credential"
	"github.com/knoguchi/ernie/pkg/credential/pgcache"
	"github.com/knoguchi/ernie/pkg/credential/rediscache"
	"github.com/knoguchi/ernie/pkg/endpoint"
	"github.com/knoguchi/ernie/pkg/models"
	"github.com/knoguchi/ernie/pkg/response"
)

func main() {
	// Structured logging; the level is applied once configuration is loaded.
	slog.SetDefault(newLogger(os.Stdout, slog.LevelInfo))

	if err := run(); err != nil {
		slog.Error("failed to run gateway", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var envFile string
	var mintSubject string
	var printToken bool

	flagSet := pflag.NewFlagSet("ernied", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", "", "load environment variables from this file before .env")
	flagSet.StringVar(&mintSubject, "mint-token", "", "print a gateway JWT for this subject and exit")
	flagSet.BoolVar(&printToken, "print-access-token", false, "obtain a Qianfan access token, print it and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logLevel, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(os.Stdout, logLevel))

	jwtManager := newJWTManager(cfg)
	if mintSubject != "" {
		return mintToken(os.Stdout, jwtManager, mintSubject)
	}

	cache, closeCache, err := newTokenCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	tokens := credential.NewStore(
		credential.NewHTTPRefresher(credential.HTTPRefresherConfig{
			AuthURL:      cfg.AuthURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
		}),
		credential.WithCache(cache),
		credential.WithTTL(cfg.TokenTTL),
	)

	if printToken {
		token, err := tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to obtain access token: %w", err)
		}
		fmt.Fprintln(os.Stdout, token)
		return nil
	}

	slog.Info("starting ERNIE gateway",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"token_cache", cfg.TokenCache,
		"auth_enabled", cfg.AuthEnabled(),
	)

	policy, err := response.ParsePolicy(cfg.StreamPolicy)
	if err != nil {
		return fmt.Errorf("invalid STREAM_POLICY: %w", err)
	}

	chatModel, err := models.ParseChatModel(cfg.DefaultChatModel)
	if err != nil {
		return fmt.Errorf("invalid DEFAULT_CHAT_MODEL: %w", err)
	}
	embeddingModel, err := models.ParseEmbeddingModel(cfg.DefaultEmbeddingModel)
	if err != nil {
		return fmt.Errorf("invalid DEFAULT_EMBEDDING_MODEL: %w", err)
	}

	svcCfg := service.Config{
		ChatBaseURL:           cfg.ChatBaseURL,
		EmbeddingBaseURL:      cfg.EmbeddingBaseURL,
		DefaultChatModel:      chatModel,
		DefaultEmbeddingModel: embeddingModel,
		EndpointOptions: []endpoint.Option{
			endpoint.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
			endpoint.WithStreamPolicy(policy),
		},
		Logger: slog.Default(),
	}

	sessions := memory.NewStore(cfg.SessionMaxMessages, cfg.SessionTTL)
	defer sessions.Close()

	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: []string{"*"}, // Configure in production
		Chat:           service.NewChatService(tokens, svcCfg, service.WithMemory(sessions)),
		Embeddings:     service.NewEmbeddingService(tokens, svcCfg),
		JWT:            jwtManager,
		Ready: func(ctx context.Context) error {
			_, err := tokens.Token(ctx)
			return err
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	// Start server
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("gateway stopped")
	return nil
}

// newTokenCache builds the access token cache selected by TOKEN_CACHE. The
// returned func releases any connection the cache holds.
func newTokenCache(ctx context.Context, cfg *config.Config) (credential.Cache, func(), error) {
	switch cfg.TokenCache {
	case config.CacheEnv:
		return credential.NewEnvCache(), func() {}, nil

	case config.CacheRedis:
		cache, err := rediscache.Dial(ctx, rediscache.Config{
			URL:      cfg.RedisURL,
			ClientID: cfg.ClientID,
			TTL:      cfg.TokenTTL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		slog.Info("connected to Redis token cache", "key", cache.Key())
		return cache, func() { _ = cache.Close() }, nil

	case config.CachePostgres:
		cache, err := pgcache.Connect(ctx, cfg.DatabaseURL, cfg.ClientID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := cache.EnsureSchema(ctx); err != nil {
			cache.Close()
			return nil, nil, fmt.Errorf("failed to create token table: %w", err)
		}
		slog.Info("connected to PostgreSQL token cache")
		return cache, cache.Close, nil

	default:
		return credential.NewMemoryCache(), func() {}, nil
	}
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

func newJWTManager(cfg *config.Config) *auth.JWTManager {
	if !cfg.AuthEnabled() {
		return nil
	}
	jwtCfg := auth.DefaultJWTConfig(cfg.JWTSecret)
	jwtCfg.Expiry = cfg.JWTExpiry
	jwtCfg.Issuer = cfg.JWTIssuer
	jwtCfg.RefreshGrace = cfg.JWTRefreshGrace
	return auth.NewJWTManager(jwtCfg)
}

func mintToken(w io.Writer, m *auth.JWTManager, subject string) error {
	if m == nil {
		return fmt.Errorf("JWT_SECRET is not set")
	}
	token, err := m.GenerateToken(subject, "")
	if err != nil {
		return fmt.Errorf("failed to mint token: %w", err)
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `ernied: HTTP gateway for the Qianfan ERNIE chat and embedding models.

Usage:
  ernied [flags]

Configuration is read from the environment and .env (QIANFAN_AK, QIANFAN_SK,
TOKEN_CACHE, HTTP_PORT, ...).

Flags:
%s`, strings.TrimRight(flagSet.FlagUsages(), "\n")+"\n")
}

// Ensure interfaces are satisfied at compile time
var (
	_ endpoint.TokenSource = (*credential.Store)(nil)
	_ credential.Cache     = (*credential.MemoryCache)(nil)
	_ credential.Cache     = (*credential.EnvCache)(nil)
	_ credential.Cache     = (*rediscache.Cache)(nil)
	_ credential.Cache     = (*pgcache.Cache)(nil)
)
