package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/aide/internal/ledger"
	"github.com/kalambet/aide/internal/mood"
)

// tsLayout is fixed width so text comparison in SQL orders chronologically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the decision mirror, engagement
// counters, usage events, and locally executed entities.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "aide.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: an in-memory database is per-connection, and a file
	// database avoids "database is locked" this way.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migrations that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Decisions ---

// SaveDecision inserts a ledger entry. It satisfies ledger.Sink.
func (s *Store) SaveDecision(e ledger.Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding decision: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO decisions (id, created_at, session_id, confidence, executed, entry_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UTC().Format(tsLayout), e.SessionID, e.ConfidenceScore, e.Executed, string(b),
	)
	return err
}

// UpdateDecision overwrites a stored ledger entry.
func (s *Store) UpdateDecision(e ledger.Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding decision: %w", err)
	}
	res, err := s.db.Exec(`UPDATE decisions SET executed = ?, confidence = ?, entry_json = ? WHERE id = ?`,
		e.Executed, e.ConfidenceScore, string(b), e.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDecisions removes the given entries. Missing ids are ignored.
func (s *Store) DeleteDecisions(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat(",?", len(ids)-1)
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.Exec(`DELETE FROM decisions WHERE id IN (?`+placeholders+`)`, args...)
	return err
}

// LoadDecisions returns the newest limit decisions, oldest first, for
// restoring the in-memory ledger at startup.
func (s *Store) LoadDecisions(limit int) ([]ledger.Entry, error) {
	rows, err := s.db.Query(`
		SELECT entry_json FROM (
			SELECT entry_json, created_at FROM decisions ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e ledger.Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decoding decision: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Engagement ---

// SaveEngagement stores the engagement counters of a session.
func (s *Store) SaveEngagement(sessionID string, m mood.EngagementMetrics) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding engagement: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO engagement (session_id, metrics_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET metrics_json = excluded.metrics_json, updated_at = excluded.updated_at`,
		sessionID, string(b), time.Now().UTC().Format(tsLayout),
	)
	return err
}

// GetEngagement loads the engagement counters of a session.
func (s *Store) GetEngagement(sessionID string) (mood.EngagementMetrics, error) {
	var raw string
	err := s.db.QueryRow("SELECT metrics_json FROM engagement WHERE session_id = ?", sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return mood.EngagementMetrics{}, ErrNotFound
	}
	if err != nil {
		return mood.EngagementMetrics{}, err
	}
	var m mood.EngagementMetrics
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return mood.EngagementMetrics{}, fmt.Errorf("decoding engagement: %w", err)
	}
	return m, nil
}

// --- Usage events ---

// RecordUsageEvent appends one usage observation.
func (s *Store) RecordUsageEvent(ev UsageEvent) error {
	at := ev.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO usage_events (session_id, kind, entity_id, created_at) VALUES (?, ?, ?, ?)`,
		ev.SessionID, ev.Kind, ev.EntityID, at.UTC().Format(tsLayout))
	return err
}

// ListUsageEvents returns a session's events at or after since, oldest first.
func (s *Store) ListUsageEvents(sessionID string, since time.Time) ([]UsageEvent, error) {
	rows, err := s.db.Query(`
		SELECT session_id, kind, entity_id, created_at FROM usage_events
		WHERE session_id = ? AND created_at >= ? ORDER BY created_at ASC, id ASC`,
		sessionID, since.UTC().Format(tsLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UsageEvent
	for rows.Next() {
		var ev UsageEvent
		var createdAt string
		if err := rows.Scan(&ev.SessionID, &ev.Kind, &ev.EntityID, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(tsLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		ev.CreatedAt = t
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Entities ---

// SaveEntity inserts or replaces an entity.
func (s *Store) SaveEntity(e Entity) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	if e.Status == "" {
		e.Status = "open"
	}
	if e.PayloadJSON == "" {
		e.PayloadJSON = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO entities (id, kind, title, body, status, payload_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, title = excluded.title, body = excluded.body,
			status = excluded.status, payload_json = excluded.payload_json, updated_at = excluded.updated_at`,
		e.ID, e.Kind, e.Title, e.Body, e.Status, e.PayloadJSON,
		e.CreatedAt.UTC().Format(tsLayout), e.UpdatedAt.UTC().Format(tsLayout),
	)
	return err
}

// GetEntity loads one entity.
func (s *Store) GetEntity(id string) (Entity, error) {
	row := s.db.QueryRow(`
		SELECT id, kind, title, body, status, payload_json, created_at, updated_at
		FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return Entity{}, ErrNotFound
	}
	return e, err
}

// ListEntities returns entities of kind (all kinds when empty), newest first.
func (s *Store) ListEntities(kind string, limit int) ([]Entity, error) {
	query := `SELECT id, kind, title, body, status, payload_json, created_at, updated_at FROM entities`
	var args []interface{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetEntityStatus updates the status of an entity.
func (s *Store) SetEntityStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE entities SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(tsLayout), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEntity removes an entity.
func (s *Store) DeleteEntity(id string) error {
	res, err := s.db.Exec(`DELETE FROM entities WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(r rowScanner) (Entity, error) {
	var e Entity
	var createdAt, updatedAt string
	if err := r.Scan(&e.ID, &e.Kind, &e.Title, &e.Body, &e.Status, &e.PayloadJSON, &createdAt, &updatedAt); err != nil {
		return Entity{}, err
	}
	var err error
	if e.CreatedAt, err = time.Parse(tsLayout, createdAt); err != nil {
		return Entity{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if e.UpdatedAt, err = time.Parse(tsLayout, updatedAt); err != nil {
		return Entity{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return e, nil
}
