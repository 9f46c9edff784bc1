package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"chatsync/internal/cache"
	"chatsync/internal/config"
	"chatsync/internal/domain"
	"chatsync/internal/httpserver"
	"chatsync/internal/realtime"
	"chatsync/internal/security"
	"chatsync/internal/service"
	"chatsync/internal/store/postgres"
	"chatsync/internal/store/sqlite"
	"chatsync/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	issueFor := flag.String("issue-token", "", "print a bearer token for the given user id and exit")
	addUser := flag.String("add-user", "", "mirror a profile given as id:username into the store and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})).
		With("app", cfg.AppName, "env", cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *issueFor, *addUser); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, issueFor, addUser string) error {
	tokens := security.NewTokenService(cfg.JWTSecret, cfg.TokenTTL)
	if issueFor != "" {
		tok, err := tokens.Issue(issueFor)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Println(tok)
		return nil
	}

	cipher, err := security.NewCipher([]byte(cfg.EncryptKey), cfg.LegacyKeys)
	if err != nil {
		return fmt.Errorf("initialize cipher: %w", err)
	}

	b, err := openBackend(cfg, cipher, logger)
	if err != nil {
		return err
	}
	defer b.close()

	if addUser != "" {
		id, name, ok := strings.Cut(addUser, ":")
		if !ok || id == "" || name == "" {
			return fmt.Errorf("add-user wants id:username, got %q", addUser)
		}
		return b.store.SaveUser(ctx, &domain.User{ID: id, Username: name})
	}

	gw := cache.NewCachedGateway(b.store, cache.New(), cfg.ListTTL, cfg.LookupTTL)
	mux := realtime.NewMultiplexer(b.feed, gw, logger, realtime.WithHydrateTimeout(cfg.HydrateTimeout))

	convSvc := service.NewConversationService(gw, logger, cfg.AtomicDirect)
	msgSvc := service.NewMessageService(gw, cfg.MaxMessageLength, cfg.PageSize)
	auth := security.NewAuthenticator(tokens, gw)

	hub := ws.NewHub()
	router := httpserver.NewRouter(httpserver.Deps{
		CORSOrigins:   cfg.CORSOrigins,
		Auth:          auth,
		Users:         gw,
		Conversations: convSvc,
		Messages:      msgSvc,
		WebSocket: ws.MakeHandler(ws.Deps{
			Hub:            hub,
			Auth:           auth,
			Conversations:  convSvc,
			Messages:       msgSvc,
			Subscriber:     mux,
			AllowedOrigins: cfg.CORSOrigins,
			Log:            logger,
		}),
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", "addr", cfg.HTTPAddr(), "driver", cfg.Driver, "atomic_direct", cfg.AtomicDirect)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		hub.CloseAll()
		if cerr := mux.Close(); cerr != nil {
			logger.Warn("close multiplexer", "err", cerr)
		}
		if err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

type userStore interface {
	domain.Gateway
	SaveUser(ctx context.Context, u *domain.User) error
}

// backend bundles the store with the change feed that matches it.
type backend struct {
	store userStore
	feed  realtime.Feed
	close func()
}

func openBackend(cfg *config.Config, cipher *security.Cipher, logger *slog.Logger) (*backend, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		return &backend{
			store: postgres.NewGateway(db, cipher),
			feed:  postgres.NewListenFeed(cfg.DatabaseURL, logger, cfg.FeedBuffer),
			close: func() { db.Close() },
		}, nil

	default:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := sqlite.Migrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		broker := realtime.NewBroker(logger, cfg.FeedBuffer)
		return &backend{
			store: sqlite.NewGateway(db, cipher, broker),
			feed:  broker,
			close: func() {
				broker.Close()
				db.Close()
			},
		}, nil
	}
}
