// Package storage persists delivery outcomes and session transitions for
// operator inspection. It is best-effort history, not a queue: nothing in the
// gateway resumes work from it after a restart.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "zapgw/pkg/logx"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", history is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeliveryRecord is one terminal delivery outcome.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	MessageID string
	TenantID  string
	Recipient string
	Status    string
	Attempts  int
	Reason    string
	At        time.Time
}

// SessionEvent is one session state transition.
type SessionEvent struct {
	TenantID  string
	FromState string
	ToState   string
	ErrKind   string
	ErrMsg    string
	At        time.Time
}

// Store is the minimal persistence API used by the history subscriber and
// the HTTP layer.
type Store interface {
	AppendDelivery(ctx context.Context, r DeliveryRecord) error
	AppendSessionEvent(ctx context.Context, e SessionEvent) error
	RecentDeliveries(ctx context.Context, tenantID string, limit int) ([]DeliveryRecord, error)
	RecentSessionEvents(ctx context.Context, tenantID string, limit int) ([]SessionEvent, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
