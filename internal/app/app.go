// Package app opens a workspace: database, migrations, config and engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"experimenter/internal/config"
	"experimenter/internal/db"
	"experimenter/internal/engine"
	"experimenter/internal/metrics"
	"experimenter/internal/migrate"
)

// EnvFile is the dotenv file read from the workspace root.
const EnvFile = ".env"

type Options struct {
	Workspace string
	// Owner is granted the owner role when nobody holds it yet.
	Owner   string
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Workspace is an opened workspace. Close releases the database.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open migrates the workspace database, loads experimenter.yml (defaults when
// absent) and syncs the configured roles.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	dir := opts.Workspace
	if dir == "" {
		dir = "."
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	if opts.Logger != nil {
		e.Logger = opts.Logger
	}
	if opts.Now != nil {
		e.Now = opts.Now
	}
	e.Metrics = opts.Metrics
	if err := e.SyncRBAC(ctx, opts.Owner); err != nil {
		conn.Close()
		return nil, err
	}
	return &Workspace{Dir: dir, DB: conn, Config: cfg, Engine: e}, nil
}

func (w *Workspace) Close() error {
	return w.DB.Close()
}

// LoadEnv reads the workspace .env into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadEnv(workspace string) error {
	err := godotenv.Load(filepath.Join(workspace, EnvFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// SetEnvValue writes key=value into the dotenv file at path, keeping the
// other entries.
func SetEnvValue(path, key, value string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		env = map[string]string{}
	}
	env[key] = value
	return godotenv.Write(env, path)
}
