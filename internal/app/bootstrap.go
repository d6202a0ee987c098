// Package app opens a data directory and wires the engine the CLI and server share.
package app

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"beacon/internal/config"
	"beacon/internal/db"
	"beacon/internal/engine"
	"beacon/internal/engine/auth"
	"beacon/internal/migrate"
)

const secretFile = "token_secret"

type Options struct {
	// DataDir overrides config.data_dir when set.
	DataDir string
	// ConfigPath points at a beacon.yml; defaults are used when empty.
	ConfigPath string
	// Override adjusts the loaded config before validation, e.g. from flags or env.
	Override func(*config.Config)
	Logger   *zap.Logger
}

// Runtime is an opened data directory. Close releases the database.
type Runtime struct {
	DB      *sql.DB
	Config  *config.Config
	Engine  engine.Engine
	DataDir string
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// LoadConfig reads the config file at path, or the defaults when path is empty.
func LoadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Default(), nil
	}
	cfg, err := config.FromFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Open loads config, opens and migrates the database, fixes the relay token
// secret and seeds the native agents.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Override != nil {
		opts.Override(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = cfg.DataDir
	}
	if dataDir, err = db.EnsureDataDir(dataDir); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	if cfg.Auth.TokenSecret == "" {
		secret, err := loadOrCreateSecret(dataDir)
		if err != nil {
			return nil, err
		}
		cfg.Auth.TokenSecret = secret
	}
	conn, err := db.Open(db.Config{DataDir: dataDir})
	if err != nil {
		return nil, err
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		logger.Info("applied migrations", zap.Int("count", applied), zap.String("db", db.Path(dataDir)))
	}
	e := engine.New(conn, cfg)
	e.Logger = logger
	if err := e.SeedNativeAgents(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed native agents: %w", err)
	}
	return &Runtime{DB: conn, Config: cfg, Engine: e, DataDir: dataDir}, nil
}

// loadOrCreateSecret keeps relay tokens valid across restarts when no secret
// is configured.
func loadOrCreateSecret(dataDir string) (string, error) {
	p := filepath.Join(dataDir, secretFile)
	data, err := os.ReadFile(p)
	if err == nil {
		if s := strings.TrimSpace(string(data)); s != "" {
			return s, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read token secret: %w", err)
	}
	secret := hex.EncodeToString(auth.RandomSecret())
	if err := os.WriteFile(p, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write token secret: %w", err)
	}
	return secret, nil
}
