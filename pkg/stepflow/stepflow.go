package stepflow

import (
	"context"
	"database/sql"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lmittmann/tint"

	"github.com/stepflowio/stepflow/internal/builder"
	"github.com/stepflowio/stepflow/internal/config"
	"github.com/stepflowio/stepflow/internal/engine"
	"github.com/stepflowio/stepflow/internal/events"
	"github.com/stepflowio/stepflow/internal/migrations"
	"github.com/stepflowio/stepflow/internal/repository"
	"github.com/stepflowio/stepflow/pkg/stepflow/core"

	_ "github.com/go-sql-driver/mysql"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// App bundles the wired services of one workflow engine instance. Construct
// it with Start, register record stores and event publishers, then drive
// workflows through Builder and Engine.
type App struct {
	DB        *sql.DB
	Builder   *builder.Builder
	Engine    *engine.Engine
	Workflows *repository.WorkflowRepository
	Instances *repository.InstanceRepository
	Steps     *repository.InstanceStepRepository
	Approvals *repository.ApprovalRepository

	sweepCancel context.CancelFunc
}

// Options tunes what Start wires beyond the defaults.
type Options struct {
	// Publisher receives engine events. Defaults to a LoggingPublisher.
	Publisher events.Publisher
	// Clock defaults to the real clock; tests substitute a fixed one.
	Clock core.Clock
	// DisableSweep skips starting the overdue approval escalation loop.
	DisableSweep bool
}

// Start opens the configured database, runs migrations and wires the engine.
// The overdue approval sweep runs in the background until Stop is called.
func Start(ctx context.Context, opts Options) (*App, error) {
	databaseType := config.GetSystemSettingString(config.DATABASE_TYPE)
	if databaseType == "" || (databaseType != config.DATABASE_TYPE_POSTGRES && databaseType != config.DATABASE_TYPE_MYSQL && databaseType != config.DATABASE_TYPE_SQLLITE) {
		panic("SFLOW_DATABASE_TYPE must be set to one of the following values: POSTGRES, MYSQL, SQLLITE")
	}

	var db *sql.DB
	if databaseType == config.DATABASE_TYPE_POSTGRES {
		db = setupPostgresDatabase()
	}
	if databaseType == config.DATABASE_TYPE_SQLLITE {
		db = setupSqlLiteDatabase()
	}
	if databaseType == config.DATABASE_TYPE_MYSQL {
		db = setupMysqlDatabase()
	}

	clock := opts.Clock
	if clock == nil {
		clock = core.NewRealClock()
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.NewLoggingPublisher()
	}

	workflowRepo := repository.NewWorkflowRepository(db, clock)
	instanceRepo := repository.NewInstanceRepository(db, clock)
	stepRepo := repository.NewInstanceStepRepository(db, clock)
	approvalRepo := repository.NewApprovalRepository(db, clock)

	eng := engine.NewEngine(workflowRepo, instanceRepo, stepRepo, approvalRepo,
		engine.NewRecordRegistry(), publisher, clock)

	app := &App{
		DB:        db,
		Builder:   builder.NewBuilder(workflowRepo),
		Engine:    eng,
		Workflows: workflowRepo,
		Instances: instanceRepo,
		Steps:     stepRepo,
		Approvals: approvalRepo,
	}

	if !opts.DisableSweep {
		sweepCtx, cancel := context.WithCancel(ctx)
		app.sweepCancel = cancel
		go eng.Approvals().RunOverdueSweep(sweepCtx)
	}
	return app, nil
}

// Stop halts the background sweep and closes the database.
func (a *App) Stop() error {
	if a.sweepCancel != nil {
		a.sweepCancel()
	}
	return a.DB.Close()
}

func setupPostgresDatabase() *sql.DB {
	dbURL := config.GetSystemSettingString(config.DATABASE_URL)
	if dbURL == "" {
		panic("SFLOW_DATABASE_URL must be set when using the POSTGRES database type")
	}
	slog.Info("Using Postgres database", "url", dbURL)
	slog.Info("Running migrations")
	if err := runMigrationsFromEmbed("postgres", dbURL); err != nil {
		slog.Error("DB migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Opening Postgres database")
	dbPostgres, err := sql.Open("postgres", dbURL)
	if err != nil {
		slog.Error("DB connection failed", "error", err)
		os.Exit(1)
	}
	return dbPostgres
}

func setupSqlLiteDatabase() *sql.DB {
	fileName := config.GetSystemSettingString(config.DATABASE_SQLLITE_FILE_NAME)
	if fileName == "" {
		panic("SFLOW_DATABASE_SQLLITE_FILE_NAME must be set")
	}
	dbURL := "sqlite3://" + fileName
	slog.Info("Using SQLite database", "file", fileName)
	slog.Info("Running migrations")
	if err := runMigrationsFromEmbed("sqllite3", dbURL); err != nil {
		slog.Error("DB migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Opening SQLite database")
	dbSqlLite, err := sql.Open("sqlite3", fileName)
	if err != nil {
		log.Fatalf("Failed to open SQLite DB: %v", err)
	}
	if err := dbSqlLite.Ping(); err != nil {
		log.Fatalf("Failed to ping SQLite DB: %v", err)
	}
	return dbSqlLite
}

func setupMysqlDatabase() *sql.DB {
	dbURL := config.GetSystemSettingString(config.DATABASE_URL)
	if dbURL == "" {
		panic("SFLOW_DATABASE_URL must be set when using the MYSQL database type")
	}
	if !strings.Contains(dbURL, "parseTime=true") {
		panic("SFLOW_DATABASE_URL must contain 'parseTime=true' for MySQL")
	}
	if !strings.HasPrefix(dbURL, "mysql://") {
		panic("SFLOW_DATABASE_URL must start with 'mysql://' for MySQL")
	}

	slog.Info("Using MySQL database", "url", dbURL)
	slog.Info("Running migrations")
	if err := runMigrationsFromEmbed("mysql", dbURL); err != nil {
		slog.Error("DB migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Opening MySQL database")
	dbMysql, err := sql.Open("mysql", strings.Replace(dbURL, "mysql://", "", 1))
	if err != nil {
		slog.Error("DB connection failed", "error", err)
		os.Exit(1)
	}
	return dbMysql
}

func runMigrationsFromEmbed(migrationsPath string, dbURL string) error {
	sub, err := fs.Sub(migrations.FS, migrationsPath)
	if err != nil {
		return err
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func SetupLogger() {
	w := os.Stderr
	slog.SetDefault(slog.New(
		tint.NewHandler(w, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: time.RFC3339Nano,
		}),
	))
}
