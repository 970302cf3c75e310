package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "zapgw/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_history (message_id, tenant_id, recipient, status, attempts, reason, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.MessageID, r.TenantID, r.Recipient, r.Status, r.Attempts, r.Reason, at.UnixMilli())
	return err
}

func (s *sqliteStore) AppendSessionEvent(ctx context.Context, e SessionEvent) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_history (tenant_id, from_state, to_state, err_kind, err_msg, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.TenantID, e.FromState, e.ToState, e.ErrKind, e.ErrMsg, at.UnixMilli())
	return err
}

func (s *sqliteStore) RecentDeliveries(ctx context.Context, tenantID string, limit int) ([]DeliveryRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, tenant_id, recipient, status, attempts, reason, at
		 FROM delivery_history WHERE tenant_id = ? ORDER BY at DESC LIMIT ?`,
		tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryRecord
	for rows.Next() {
		var r DeliveryRecord
		var at int64
		if err := rows.Scan(&r.MessageID, &r.TenantID, &r.Recipient, &r.Status, &r.Attempts, &r.Reason, &at); err != nil {
			return nil, err
		}
		r.At = time.UnixMilli(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecentSessionEvents(ctx context.Context, tenantID string, limit int) ([]SessionEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, from_state, to_state, err_kind, err_msg, at
		 FROM session_history WHERE tenant_id = ? ORDER BY at DESC LIMIT ?`,
		tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionEvent
	for rows.Next() {
		var e SessionEvent
		var at int64
		if err := rows.Scan(&e.TenantID, &e.FromState, &e.ToState, &e.ErrKind, &e.ErrMsg, &at); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}
