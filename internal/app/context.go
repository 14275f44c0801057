package app

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"poiledger/internal/config"
	"poiledger/internal/db"
	"poiledger/internal/engine"
	"poiledger/internal/engine/auth"
	"poiledger/internal/metrics"
	"poiledger/internal/migrate"
	"poiledger/internal/notify"
)

// Options select the database and configuration of a registry workspace.
type Options struct {
	Workspace string
	Driver    string
	DSN       string
	// ConfigPath overrides <workspace>/registry.yml.
	ConfigPath string
	Logger     *slog.Logger
	Metrics    metrics.Recorder
}

// Runtime is an opened registry: migrated database, resolved config and an
// engine publishing to an in-process bus.
type Runtime struct {
	Conn      *sql.DB
	Dialect   db.Dialect
	Config    *config.Config
	Engine    engine.Engine
	Directory auth.Directory
	Bus       *notify.Bus
	Logger    *slog.Logger
}

// Open resolves the config (file when present, built-in defaults otherwise),
// opens and migrates the database and wires the engine.
func Open(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg, err := ResolveConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	dialect, err := db.ParseDialect(opts.Driver)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Driver: dialect, DSN: opts.DSN})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	bus := notify.NewBus(logger)
	e := engine.New(conn, dialect, cfg)
	e.Logger = logger
	e.Bus = bus
	if opts.Metrics != nil {
		e.Metrics = opts.Metrics
	}
	return &Runtime{
		Conn:      conn,
		Dialect:   dialect,
		Config:    cfg,
		Engine:    e,
		Directory: auth.Directory{DB: conn, Dialect: dialect},
		Bus:       bus,
		Logger:    logger,
	}, nil
}

// Close waits for in-flight subscribers and closes the database.
func (r *Runtime) Close() error {
	r.Bus.Wait()
	return r.Conn.Close()
}

// ResolveConfig prefers an explicit path, then the workspace file, then the
// defaults named after the workspace directory.
func ResolveConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}
	return config.Default(registryName(workspace)), nil
}

func registryName(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return "registry"
	}
	name := filepath.Base(abs)
	if name == "" || name == "/" || name == "." {
		return "registry"
	}
	return name
}
