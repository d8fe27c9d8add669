// Package server initializes and wires the application: database connection,
// migrations, session cache, exchange client and the vault and sub-account
// services.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmvolov/exvault/internal/logging"
	"github.com/dmvolov/exvault/internal/server/config"
	"github.com/dmvolov/exvault/internal/server/exchange"
	"github.com/dmvolov/exvault/internal/server/repositories/repomanager"
	"github.com/dmvolov/exvault/internal/server/services"
	"github.com/dmvolov/exvault/internal/server/session"
)

// App holds the wired application services and owns the database connection.
type App struct {
	config      *config.Config
	logger      logging.Logger
	db          *sql.DB
	vault       *services.VaultService
	subAccounts *services.SubAccountService
}

// NewApp opens the database, runs migrations and constructs the services.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {

	sl := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(sl)

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}

	sessions := session.NewStore()
	ex := exchange.NewHTTPClient(cfg.ExchangeBaseURL)

	vault, err := services.NewVaultService(db, rm, ex, sessions, logger, cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("vault init error: %w", err)
	}
	subAccounts := services.NewSubAccountService(db, rm, vault, ex, sessions, logger)

	return &App{
		config:      cfg,
		logger:      logger,
		db:          db,
		vault:       vault,
		subAccounts: subAccounts,
	}, nil
}

// Vault returns the credential vault service.
func (app *App) Vault() *services.VaultService {
	return app.vault
}

// SubAccounts returns the sub-account reconciliation service.
func (app *App) SubAccounts() *services.SubAccountService {
	return app.subAccounts
}

// Logger returns the application logger.
func (app *App) Logger() logging.Logger {
	return app.logger
}

// NotifyContext returns a context cancelled on SIGINT/SIGTERM/SIGQUIT.
func (app *App) NotifyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
}

// Close releases the database connection.
func (app *App) Close() error {
	return app.db.Close()
}
