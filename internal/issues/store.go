// Package issues provides durable storage for customer issue tickets.
package issues

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Issue is a single customer issue ticket.
type Issue struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Issue string `json:"issue"`
}

// Store manages issue persistence. The underlying *sql.DB pools
// connections; every query runs on a short-lived pooled connection.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewStoreWithDB creates a store on an existing database connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS issues (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			issue TEXT NOT NULL
		);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Register inserts a new issue and returns its assigned ID.
func (s *Store) Register(ctx context.Context, name, issue string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO issues (name, issue) VALUES (?, ?)`, name, issue)
	if err != nil {
		return 0, fmt.Errorf("insert issue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// ByName returns all issues whose customer name contains name
// (case-insensitive), most recent first.
func (s *Store) ByName(ctx context.Context, name string) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, issue FROM issues WHERE name LIKE ? ORDER BY id DESC`,
		"%"+name+"%")
	if err != nil {
		return nil, fmt.Errorf("query issues: %w", err)
	}
	defer rows.Close()
	return scanIssues(rows)
}

// Recent returns the most recent issues overall, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, issue FROM issues ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query issues: %w", err)
	}
	defer rows.Close()
	return scanIssues(rows)
}

func scanIssues(rows *sql.Rows) ([]Issue, error) {
	var issues []Issue
	for rows.Next() {
		var i Issue
		if err := rows.Scan(&i.ID, &i.Name, &i.Issue); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		issues = append(issues, i)
	}
	return issues, rows.Err()
}
