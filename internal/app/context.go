package app

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"jubee/internal/config"
	"jubee/internal/db"
	"jubee/internal/engine"
	"jubee/internal/migrate"
	"jubee/internal/notify"
)

// Options select the workspace and how its engine runs.
type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/jubee.yml.
	ConfigPath  string
	Synchronous bool
	Logger      zerolog.Logger
	Bus         *notify.Bus
}

// Runtime is an opened workspace: its database, config and engine.
type Runtime struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    *engine.Engine
}

// ResolveConfig loads the explicit config file when given, then the
// workspace's jubee.yml, then the built-in defaults.
func ResolveConfig(workspace, override string) (*config.Config, error) {
	if strings.TrimSpace(override) != "" {
		cfg, err := config.FromFile(override)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", override, err)
		}
		return cfg, nil
	}
	return config.LoadOptional(workspace)
}

// Open prepares the workspace directory, migrates its database and starts an
// engine over it.
func Open(opts Options) (*Runtime, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	cfg, err := ResolveConfig(workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	e, err := engine.New(engine.Options{
		DB:          conn,
		Config:      cfg,
		Logger:      opts.Logger,
		Bus:         opts.Bus,
		Synchronous: opts.Synchronous,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	opts.Logger.Debug().Str("workspace", workspace).Str("db", db.Path(workspace)).Msg("workspace opened")
	return &Runtime{Workspace: workspace, DB: conn, Config: cfg, Engine: e}, nil
}

func (r *Runtime) Close() error {
	return errors.Join(r.Engine.Close(), r.DB.Close())
}
