// Package pglisten adapts Postgres LISTEN/NOTIFY into a blocking event
// stream plus a point-lookup for the row behind each event.
//
// The notification payload carries only the row id, never the row itself:
// NOTIFY truncates payloads beyond a hard ceiling of a few KB, and a
// truncated row would be silently corrupt. The id-only payload plus a
// separate fetch avoids that, and keeping the fetch on its own pool means
// a slow lookup never blocks receipt of the next notification.
package pglisten

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rpmautosales/inquiry-notifier/libs/db"
)

var (
	// ErrChannelClosed means the LISTEN connection dropped; the worker
	// treats it as instance-fatal.
	ErrChannelClosed = errors.New("notification channel closed")

	// ErrRecordNotFound means the row vanished between notify and fetch.
	ErrRecordNotFound = errors.New("record not found")

	// ErrBadPayload means the notification payload was not {"id": N}.
	ErrBadPayload = errors.New("bad notification payload")
)

// Event is the minimal content of one notification.
type Event struct {
	ID int64
}

// Record is one fetched row: column values keyed by name, plus the
// column order so formatted output is stable.
type Record struct {
	Columns []string
	Values  map[string]any
}

// Source builds listen sessions for one instance's database. The pool is
// long-lived and shared with readiness checks; each session opens its own
// dedicated connection for the blocking LISTEN.
type Source struct {
	pool        *db.Pool
	databaseURL string
	channel     string
	table       string
}

func NewSource(pool *db.Pool, databaseURL, channel, table string) *Source {
	return &Source{
		pool:        pool,
		databaseURL: databaseURL,
		channel:     channel,
		table:       table,
	}
}

// Connect opens the dedicated LISTEN connection and subscribes to the
// channel. The returned session must only be used from one goroutine:
// sharing a connection that is blocked in WaitForNotification is the
// known cause of silently missed notifications.
func (s *Source) Connect(ctx context.Context) (*Session, error) {
	conn, err := pgx.Connect(ctx, s.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("listen on %s: %w", s.channel, err)
	}
	return &Session{
		conn:  conn,
		pool:  s.pool,
		table: s.table,
	}, nil
}

// Session is one live subscription.
type Session struct {
	conn  *pgx.Conn
	pool  *db.Pool
	table string
}

// WaitEvent blocks until a notification arrives, the context is
// cancelled, or the connection drops.
func (s *Session) WaitEvent(ctx context.Context) (Event, error) {
	n, err := s.conn.WaitForNotification(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Event{}, ctx.Err()
		}
		return Event{}, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return parsePayload(n.Payload)
}

func parsePayload(payload string) (Event, error) {
	var body struct {
		ID *int64 `json:"id"`
	}
	if err := json.Unmarshal([]byte(payload), &body); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if body.ID == nil {
		return Event{}, fmt.Errorf("%w: missing id", ErrBadPayload)
	}
	return Event{ID: *body.ID}, nil
}

// FetchRecord looks up the full row for an event id on the fetch pool.
func (s *Session) FetchRecord(ctx context.Context, id int64) (Record, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE id = $1", pgx.Identifier{s.table}.Sanitize())
	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return Record{}, fmt.Errorf("fetch %s id %d: %w", s.table, id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Record{}, fmt.Errorf("fetch %s id %d: %w", s.table, id, err)
		}
		return Record{}, ErrRecordNotFound
	}
	values, err := rows.Values()
	if err != nil {
		return Record{}, fmt.Errorf("read %s id %d: %w", s.table, id, err)
	}

	fields := rows.FieldDescriptions()
	rec := Record{
		Columns: make([]string, 0, len(fields)),
		Values:  make(map[string]any, len(fields)),
	}
	for i, fd := range fields {
		rec.Columns = append(rec.Columns, fd.Name)
		rec.Values[fd.Name] = values[i]
	}
	return rec, nil
}

// Close releases the LISTEN connection.
func (s *Session) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}
