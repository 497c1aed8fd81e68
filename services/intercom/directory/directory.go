// Package directory resolves apartment -> resident name / VoIP number
// lookups against the building's directory database, and watches that
// database for changes so the extension manager (services/intercom/extension)
// can start or stop listeners as apartments are added or removed
// without a restart.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one row of the directory: an apartment, its resident, and
// the VoIP number the orchestrator dials to reach them.
type Entry struct {
	Apartment    string `json:"apartment"`
	ResidentName string `json:"residentName"`
	VoipNumber   string `json:"voipNumber"`
	VisitorPort  int    `json:"visitorPort"`
	ResidentPort int    `json:"residentPort"`
}

// normalizeVoipNumber strips everything but leading '+' and digits, so
// "(555) 123-4567" and "555-123-4567" compare equal to "+15551234567"
// once a country code has been applied upstream.
func normalizeVoipNumber(raw string) string {
	var b strings.Builder
	for i, r := range raw {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Store reads the directory table and resolves apartment lookups.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn and verifies the connection.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("directory: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("directory: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// LookupApartment implements the residentDirectory interface consumed
// by services/intercom/conversation.
func (s *Store) LookupApartment(ctx context.Context, apartment string) (residentName, voipNumber string, ok bool) {
	row := s.pool.QueryRow(ctx,
		`SELECT resident_name, voip_number FROM directory_entries WHERE apartment = $1`,
		apartment)

	var name, number string
	if err := row.Scan(&name, &number); err != nil {
		return "", "", false
	}
	return name, normalizeVoipNumber(number), true
}

// All returns every directory entry, used to build the extension
// manager's listener-pair set at startup and on refresh.
func (s *Store) All(ctx context.Context) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT apartment, resident_name, voip_number, visitor_port, resident_port FROM directory_entries`)
	if err != nil {
		return nil, fmt.Errorf("directory: query all: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var number string
		if err := rows.Scan(&e.Apartment, &e.ResidentName, &number, &e.VisitorPort, &e.ResidentPort); err != nil {
			return nil, fmt.Errorf("directory: scan entry: %w", err)
		}
		e.VoipNumber = normalizeVoipNumber(number)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ChangeKind distinguishes the three directory change notifications.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// Change is one directory row change, as published by a Postgres
// trigger over LISTEN/NOTIFY on the "directory_changes" channel.
type Change struct {
	Kind  ChangeKind `json:"kind"`
	Entry Entry      `json:"entry"`
}

// Watcher listens for directory_changes notifications on a dedicated
// connection (LISTEN/NOTIFY requires holding a connection open, so
// this does not share the pool used for ordinary queries).
type Watcher struct {
	dsn    string
	logger *slog.Logger
}

// NewWatcher constructs a Watcher. Run must be called to start
// listening.
func NewWatcher(dsn string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{dsn: dsn, logger: logger}
}

// Run connects, issues LISTEN directory_changes, and delivers parsed
// Change values to onChange until ctx is canceled. Reconnecting is the
// caller's responsibility: Run returns on any connection error rather
// than looping internally, and cmd/intercom's watchDirectory decides
// whether and how to retry.
func (w *Watcher) Run(ctx context.Context, onChange func(Change)) error {
	conn, err := pgx.Connect(ctx, w.dsn)
	if err != nil {
		return fmt.Errorf("directory: watcher connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN directory_changes"); err != nil {
		return fmt.Errorf("directory: LISTEN: %w", err)
	}
	w.logger.Info("[Directory] watching for changes")

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("directory: wait for notification: %w", err)
		}

		var change Change
		if err := json.Unmarshal([]byte(notification.Payload), &change); err != nil {
			w.logger.Warn("[Directory] malformed change notification", "error", err)
			continue
		}
		onChange(change)
	}
}
