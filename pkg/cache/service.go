// Package cache persists device profiles, compatibility scores and the
// execution journal in SQLite so a restart can start warm.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"droidpilot/pkg/engine"
	"droidpilot/pkg/logger"
	"droidpilot/pkg/types"
)

const schemaSQL = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;

CREATE TABLE IF NOT EXISTS profiles (
    device_id TEXT PRIMARY KEY,
    manufacturer TEXT NOT NULL,
    model TEXT NOT NULL,
    api_level INTEGER NOT NULL,
    screen_width INTEGER NOT NULL,
    screen_height INTEGER NOT NULL,
    density INTEGER NOT NULL,
    class TEXT NOT NULL,
    resolved_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS scores (
    device_id TEXT NOT NULL,
    category TEXT NOT NULL,
    score REAL NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (device_id, category)
);

CREATE TABLE IF NOT EXISTS executions (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    action TEXT NOT NULL,
    category TEXT NOT NULL,
    status TEXT NOT NULL,
    candidate_index INTEGER NOT NULL,
    candidate_id TEXT,
    output TEXT,
    attempts TEXT NOT NULL,
    elapsed_ms INTEGER NOT NULL,
    score REAL NOT NULL,
    started_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_executions_device_time ON executions(device_id, started_at DESC);
`

// Store is the SQLite-backed snapshot and journal
type Store struct {
	db     *sql.DB
	dbPath string

	stmtUpsertProfile   *sql.Stmt
	stmtUpsertScore     *sql.Stmt
	stmtInsertExecution *sql.Stmt
}

// Open creates or opens droidpilot.db under dataDir
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "droidpilot.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: dbPath}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.Debug("cache").Str("path", dbPath).Msg("Snapshot store opened")
	return s, nil
}

func (s *Store) prepareStatements() error {
	var err error

	s.stmtUpsertProfile, err = s.db.Prepare(`
		INSERT INTO profiles (
			device_id, manufacturer, model, api_level,
			screen_width, screen_height, density, class, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			manufacturer = excluded.manufacturer, model = excluded.model,
			api_level = excluded.api_level, screen_width = excluded.screen_width,
			screen_height = excluded.screen_height, density = excluded.density,
			class = excluded.class, resolved_at = excluded.resolved_at
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert profile: %w", err)
	}

	s.stmtUpsertScore, err = s.db.Prepare(`
		INSERT INTO scores (device_id, category, score, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id, category) DO UPDATE SET
			score = excluded.score, updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert score: %w", err)
	}

	s.stmtInsertExecution, err = s.db.Prepare(`
		INSERT OR REPLACE INTO executions (
			id, device_id, action, category, status, candidate_index, candidate_id,
			output, attempts, elapsed_ms, score, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert execution: %w", err)
	}
	return nil
}

// Path returns the database file path
func (s *Store) Path() string { return s.dbPath }

// Close releases statements and the database
func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{s.stmtUpsertProfile, s.stmtUpsertScore, s.stmtInsertExecution} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

// ========================================
// Profiles
// ========================================

// SaveProfiles upserts every profile in one transaction
func (s *Store) SaveProfiles(profiles []types.DeviceProfile) error {
	if len(profiles) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt := tx.Stmt(s.stmtUpsertProfile)
	for _, p := range profiles {
		_, err := stmt.Exec(
			p.ID, p.Manufacturer, p.Model, p.APILevel,
			p.ScreenWidth, p.ScreenHeight, p.Density, string(p.Class),
			p.ResolvedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upsert profile %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// LoadProfiles returns every stored profile
func (s *Store) LoadProfiles() ([]types.DeviceProfile, error) {
	rows, err := s.db.Query(`
		SELECT device_id, manufacturer, model, api_level,
			screen_width, screen_height, density, class, resolved_at
		FROM profiles ORDER BY device_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var out []types.DeviceProfile
	for rows.Next() {
		var p types.DeviceProfile
		var class string
		var resolvedAt int64
		if err := rows.Scan(&p.ID, &p.Manufacturer, &p.Model, &p.APILevel,
			&p.ScreenWidth, &p.ScreenHeight, &p.Density, &class, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		c, ok := types.ParseDeviceClass(class)
		if !ok {
			logger.Warn("cache").Str("deviceId", p.ID).Str("class", class).Msg("Skipping stored profile with unknown class")
			continue
		}
		p.Class = c
		p.ResolvedAt = time.UnixMilli(resolvedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProfile forgets one device's stored profile
func (s *Store) DeleteProfile(deviceID string) error {
	_, err := s.db.Exec("DELETE FROM profiles WHERE device_id = ?", deviceID)
	return err
}

// ========================================
// Scores
// ========================================

// SaveScores upserts the score snapshot in one transaction
func (s *Store) SaveScores(entries []engine.ScoreEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	stmt := tx.Stmt(s.stmtUpsertScore)
	for _, e := range entries {
		if _, err := stmt.Exec(e.DeviceID, e.Category, e.Score, now); err != nil {
			return fmt.Errorf("upsert score %s/%s: %w", e.DeviceID, e.Category, err)
		}
	}
	return tx.Commit()
}

// LoadScores returns the stored score snapshot
func (s *Store) LoadScores() ([]engine.ScoreEntry, error) {
	rows, err := s.db.Query("SELECT device_id, category, score FROM scores ORDER BY device_id, category")
	if err != nil {
		return nil, fmt.Errorf("query scores: %w", err)
	}
	defer rows.Close()

	var out []engine.ScoreEntry
	for rows.Next() {
		var e engine.ScoreEntry
		if err := rows.Scan(&e.DeviceID, &e.Category, &e.Score); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ========================================
// Execution journal
// ========================================

// RecordExecution appends one result to the journal
func (s *Store) RecordExecution(r types.ExecutionResult) error {
	attempts, err := json.Marshal(r.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	_, err = s.stmtInsertExecution.Exec(
		r.ID, r.DeviceID, r.Action, r.Category, string(r.Status),
		r.CandidateIndex, nullString(r.CandidateID), nullString(r.Output),
		string(attempts), r.Elapsed.Milliseconds(), r.Score, r.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", r.ID, err)
	}
	return nil
}

// RecentExecutions returns up to limit journal entries for a device, newest
// first. An empty deviceID returns entries for every device.
func (s *Store) RecentExecutions(deviceID string, limit int) ([]types.ExecutionResult, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, device_id, action, category, status, candidate_index, candidate_id,
			output, attempts, elapsed_ms, score, started_at
		FROM executions`
	args := []interface{}{}
	if deviceID != "" {
		query += " WHERE device_id = ?"
		args = append(args, deviceID)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []types.ExecutionResult
	for rows.Next() {
		var r types.ExecutionResult
		var status, attempts string
		var candidateID, output sql.NullString
		var elapsedMs, startedAt int64
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Action, &r.Category, &status,
			&r.CandidateIndex, &candidateID, &output, &attempts,
			&elapsedMs, &r.Score, &startedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		r.Status = types.ExecutionStatus(status)
		r.CandidateID = candidateID.String
		r.Output = output.String
		r.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		r.StartedAt = time.UnixMilli(startedAt)
		if err := json.Unmarshal([]byte(attempts), &r.Attempts); err != nil {
			return nil, fmt.Errorf("decode attempts of %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneExecutions drops journal entries older than cutoff
func (s *Store) PruneExecutions(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM executions WHERE started_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
