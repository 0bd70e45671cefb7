package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS connection_events (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id TEXT NOT NULL,
	channel       TEXT NOT NULL,
	action        TEXT NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	remote_addr   TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	content    TEXT NOT NULL,
	recipients INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	level      TEXT NOT NULL,
	message    TEXT NOT NULL,
	fields     TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);
`

// SQLiteSink stores records in a local sqlite database.
type SQLiteSink struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) WriteConnectionEvent(ctx context.Context, e ConnectionEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connection_events (connection_id, channel, action, reason, remote_addr, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ConnectionID, e.Channel, e.Action, e.Reason, e.RemoteAddr, e.At.UTC(),
	)
	return err
}

func (s *SQLiteSink) WriteMessage(ctx context.Context, m Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, type, content, recipients, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.Type, m.Content, m.Recipients, m.At.UTC(),
	)
	return err
}

func (s *SQLiteSink) WriteLog(ctx context.Context, l Log) error {
	fields := []byte("{}")
	if len(l.Fields) > 0 {
		var err error
		if fields, err = json.Marshal(l.Fields); err != nil {
			return fmt.Errorf("encode log fields: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (level, message, fields, created_at) VALUES (?, ?, ?, ?)`,
		l.Level, l.Message, string(fields), l.At.UTC(),
	)
	return err
}

// RecentMessages returns the latest broadcasts, newest first.
func (s *SQLiteSink) RecentMessages(ctx context.Context, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, content, recipients, created_at FROM messages ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m  Message
			at time.Time
		)
		if err := rows.Scan(&m.ID, &m.Type, &m.Content, &m.Recipients, &at); err != nil {
			return nil, err
		}
		m.At = at
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
