package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/handler"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/repository"
	"github.com/chatsync/internal/repository/memrepo"
	"github.com/chatsync/internal/startup"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/storage/memory"
	"github.com/chatsync/internal/ws"
	"github.com/chatsync/migrations"
)

func main() {
	logger.SetPrefix("relay")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	inMemory := flag.Bool("memory", false, "keep conversations in process memory (no database)")
	flag.Parse()

	logger.Info("starting relay")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		convs    handler.ConversationStore
		msgs     handler.MessageStore
		hubConvs ws.Conversations
	)
	if *inMemory {
		store := memrepo.New()
		convs, msgs, hubConvs = store, store, store
		logger.Info("conversations kept in memory, nothing survives a restart")
	} else {
		if *dev {
			embeddedDB, err := startEmbeddedPostgres(cfg)
			if err != nil {
				logger.Errorf("embedded postgres: %v", err)
				os.Exit(1)
			}
			defer func() {
				logger.Info("stopping embedded postgres...")
				if err := embeddedDB.Stop(); err != nil {
					logger.Errorf("embedded postgres stop: %v", err)
				}
			}()
		}

		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
		if err != nil {
			logger.Errorf("parse db config: %v", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		poolCfg.MinConns = 2

		pool, err := startup.ConnectDBWithRetry(ctx, poolCfg, 60*time.Second, "")
		if err != nil {
			os.Exit(1)
		}
		defer pool.Close()

		if err := runMigrations(ctx, pool); err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		if *migrate {
			return
		}
		logger.Info("database connected, migrations applied")

		convRepo := repository.NewConversationRepository(pool)
		convs, hubConvs = convRepo, convRepo
		msgs = repository.NewMessageRepository(pool)
	}

	var bus storage.Bus
	if cfg.Redis.URL != "" {
		rc, err := startup.ConnectRedisWithRetry(ctx, cfg.Redis.URL, 60*time.Second, "")
		if err != nil {
			os.Exit(1)
		}
		bus = rc
		logger.Info("event bus: redis")
	} else {
		bus = memory.New()
		logger.Info("event bus: in-process (single relay instance)")
	}
	defer bus.Close()

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(hubConvs, bus, cfg.MaxWSConnections, cfg.Sync.TypingTTL)
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	r := handler.NewRouter(handler.RouterDeps{
		Conversations:      convs,
		Messages:           msgs,
		Hub:                hub,
		Bus:                bus,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		WS: ws.ClientLimits{
			SendBuffer:     cfg.WSSendBufferSize,
			WriteWait:      time.Duration(cfg.WSWriteTimeout) * time.Second,
			PongWait:       time.Duration(cfg.WSPongTimeout) * time.Second,
			MaxMessageSize: int64(cfg.WSMaxMessageSize),
		},
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			hubCancel()
			hubWg.Wait()
			logger.Flush(2 * time.Second)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	// Shutdown не ждёт hijacked-соединения: websocket-клиентов закрывает хаб.
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Flush(2 * time.Second)
}

// runMigrations применяет встроенные миграции по порядку имён (001, 002, ...).
// Все миграции идемпотентны (IF NOT EXISTS), повторный запуск безопасен.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	entries, err := fs.ReadDir(migrations.Files, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := fs.ReadFile(migrations.Files, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("run migration %s: %w", name, err)
		}
	}
	logger.Infof("migrations applied: %d", len(names))
	return nil
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "chatsync"
		password = "chatsync_secret"
		database = "chatsync"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
