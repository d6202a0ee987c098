package engine

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"beacon/internal/config"
	"beacon/internal/engine/auth"
	"beacon/internal/events"
	"beacon/internal/identity"
	"beacon/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Tokens   auth.Tokens
	Verifier identity.Verifier
	Logger   *zap.Logger
	Now      func() time.Time
}

// New wires an engine over an opened, migrated database. When the config
// carries no token secret a random one is used, so tokens do not survive a restart.
func New(db *sql.DB, cfg *config.Config) Engine {
	secret := []byte(cfg.Auth.TokenSecret)
	if len(secret) == 0 {
		secret = auth.RandomSecret()
	}
	var verifier identity.Verifier
	if cfg.Relay.VerifySignatures {
		verifier = identity.Ed25519{}
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Tokens:   auth.Tokens{Secret: secret, TTL: cfg.Relay.TokenTTL},
		Verifier: verifier,
		Logger:   zap.NewNop(),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// events shares the engine clock so audit timestamps match row timestamps.
func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

// ValidationError lists every rule a request broke.
type ValidationError struct {
	Problems []string
}

func (e ValidationError) Error() string {
	return strings.Join(e.Problems, "; ")
}

type problems []string

func (p *problems) add(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

func (p problems) err() error {
	if len(p) == 0 {
		return nil
	}
	return ValidationError{Problems: p}
}

func invalid(format string, args ...any) error {
	return ValidationError{Problems: []string{fmt.Sprintf(format, args...)}}
}

type ConflictError struct {
	Message string
}

func (e ConflictError) Error() string { return e.Message }

// SignatureError means a supplied registration signature did not verify.
type SignatureError struct {
	AgentID string
}

func (e SignatureError) Error() string {
	return "signature does not match model_id, provider and public_key"
}

// AuthError is re-exported so callers need only this package.
type AuthError = auth.Error

// notFound wraps repo.ErrNotFound with the entity that was missing.
func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, repo.ErrNotFound)
}

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
