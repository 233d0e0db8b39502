package parser

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Snapshot is one stored rule export.
type Snapshot struct {
	Name       string
	Type       string
	CapturedAt time.Time
}

// MariaDBSource loads rule exports stored in the fw_rule_snapshot table:
//
//	name VARCHAR(128), rule_type VARCHAR(16), body LONGTEXT, captured_at DATETIME
type MariaDBSource struct {
	db *sql.DB
}

func NewMariaDBSource(dsn string) (*MariaDBSource, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &MariaDBSource{db: db}, nil
}

func (s *MariaDBSource) Close() {
	s.db.Close()
}

// Load returns the most recent snapshot stored under name as a Request.
func (s *MariaDBSource) Load(name string) (*Request, error) {
	row := s.db.QueryRow(
		"SELECT rule_type, body FROM fw_rule_snapshot WHERE name = ? ORDER BY captured_at DESC LIMIT 1",
		name,
	)
	var req Request
	if err := row.Scan(&req.Type, &req.Rules); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("snapshot %q not found", name)
		}
		return nil, fmt.Errorf("failed to load snapshot %q: %w", name, err)
	}
	return &req, nil
}

// List returns the latest capture of every stored snapshot, newest first.
func (s *MariaDBSource) List() ([]Snapshot, error) {
	rows, err := s.db.Query(
		"SELECT name, rule_type, MAX(captured_at) AS captured_at FROM fw_rule_snapshot GROUP BY name, rule_type ORDER BY captured_at DESC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var capturedAt sql.NullTime
		if err := rows.Scan(&snap.Name, &snap.Type, &capturedAt); err != nil {
			return nil, err
		}
		if capturedAt.Valid {
			snap.CapturedAt = capturedAt.Time
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
