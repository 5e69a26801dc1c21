package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"payline/internal/config"
	"payline/internal/engine/auth"
	"payline/internal/events"
	"payline/internal/repo"
)

// Ledger rules. These are business constants, not deployment settings.
var (
	TeamPoolRate = decimal.RequireFromString("0.30")
	FundRate     = decimal.RequireFromString("0.05")
)

const (
	MinClaimInteractions int64 = 5
	ClaimTTL                   = 24 * time.Hour
	DedupeWindow               = time.Second
)

// Notifier delivers a text message to a member. Failures never roll back
// ledger state; implementations are expected to log their own errors.
type Notifier interface {
	Notify(ctx context.Context, memberID, message string) error
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Auth     auth.Service
	Config   *config.Config
	Notifier Notifier
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return formatTime(e.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// begin opens a write transaction. The driver issues BEGIN IMMEDIATE, so
// writers serialize on the database lock rather than failing at commit.
func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	return e.DB.BeginTx(ctx, nil)
}

// record appends an audit event stamped with the engine clock.
func (e Engine) record(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload)
}

func (e Engine) notify(ctx context.Context, memberID, message string) {
	if e.Notifier == nil {
		return
	}
	_ = e.Notifier.Notify(ctx, memberID, message)
}
