// Package store provides the two persisted collaborators the policy
// evaluator needs: a VerdictCache and a SettingsStore, both backed by
// SQLite via database/sql + mattn/go-sqlite3, in the style of
// agentwarden/internal/trace.SQLiteStore.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/webruntime/ace/internal/policy"
)

const schema = `
CREATE TABLE IF NOT EXISTS verdict_cache (
	fingerprint TEXT PRIMARY KEY,
	result      INTEGER NOT NULL,
	updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS settings (
	widget_id  TEXT NOT NULL,
	feature    TEXT NOT NULL,
	preference INTEGER NOT NULL,
	PRIMARY KEY (widget_id, feature)
);

CREATE TABLE IF NOT EXISTS settings_global (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	preference INTEGER NOT NULL
);
`

// DB wraps the shared *sql.DB handle and owns schema creation, mirroring
// agentwarden/internal/trace.SQLiteStore.Initialize.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if absent) a SQLite database at path with the
// same pragmas as agentwarden/internal/trace.SQLiteStore: WAL journal
// mode, a busy timeout so concurrent evaluators don't fail hard on lock
// contention, and NORMAL synchronous for a reasonable durability/speed
// tradeoff for a local cache.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: initializing schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close releases the underlying database handle.
func (d *DB) Close() error {
	return d.conn.Close()
}

// SQLiteCache implements policy.VerdictCache over the verdict_cache
// table.
type SQLiteCache struct {
	db     *DB
	logger *slog.Logger
}

// NewSQLiteCache wraps an opened DB as a policy.VerdictCache.
func NewSQLiteCache(db *DB, logger *slog.Logger) *SQLiteCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteCache{db: db, logger: logger.With("component", "store.SQLiteCache")}
}

func (c *SQLiteCache) Lookup(fingerprint string) (policy.PolicyResult, bool) {
	var result int
	err := c.db.conn.QueryRow(`SELECT result FROM verdict_cache WHERE fingerprint = ?`, fingerprint).Scan(&result)
	if err == sql.ErrNoRows {
		return 0, false
	}
	if err != nil {
		c.logger.Error("cache lookup failed", "error", err)
		return 0, false
	}
	return policy.PolicyResult(result), true
}

func (c *SQLiteCache) Store(fingerprint string, result policy.PolicyResult) {
	_, err := c.db.conn.Exec(
		`INSERT INTO verdict_cache (fingerprint, result) VALUES (?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET result = excluded.result, updated_at = CURRENT_TIMESTAMP`,
		fingerprint, int(result))
	if err != nil {
		c.logger.Error("cache store failed", "error", err)
	}
}

func (c *SQLiteCache) PurgeAll() error {
	_, err := c.db.conn.Exec(`DELETE FROM verdict_cache`)
	if err != nil {
		return fmt.Errorf("store: purging verdict_cache: %w", err)
	}
	return nil
}

// SQLiteSettings implements policy.SettingsStore over the settings and
// settings_global tables.
type SQLiteSettings struct {
	db     *DB
	logger *slog.Logger
}

// NewSQLiteSettings wraps an opened DB as a policy.SettingsStore.
func NewSQLiteSettings(db *DB, logger *slog.Logger) *SQLiteSettings {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteSettings{db: db, logger: logger.With("component", "store.SQLiteSettings")}
}

func (s *SQLiteSettings) FindGlobalUserPreference(req policy.Request) policy.GlobalPreference {
	var pref int
	err := s.db.conn.QueryRow(`SELECT preference FROM settings_global WHERE id = 1`).Scan(&pref)
	if err == sql.ErrNoRows {
		return policy.PreferenceDefault
	}
	if err != nil {
		s.logger.Error("global preference lookup failed", "error", err)
		return policy.PreferenceDefault
	}
	return policy.UserPreference(pref)
}

func (s *SQLiteSettings) FindWidgetFeaturePreference(widgetID, feature string) policy.UserPreference {
	var pref int
	err := s.db.conn.QueryRow(
		`SELECT preference FROM settings WHERE widget_id = ? AND feature = ?`, widgetID, feature,
	).Scan(&pref)
	if err == sql.ErrNoRows {
		return policy.PreferenceDefault
	}
	if err != nil {
		s.logger.Error("widget preference lookup failed", "error", err)
		return policy.PreferenceDefault
	}
	return policy.UserPreference(pref)
}

// SetWidgetFeaturePreference records (or clears, with PreferenceDefault)
// a per-widget-feature preference.
func (s *SQLiteSettings) SetWidgetFeaturePreference(widgetID, feature string, pref policy.UserPreference) error {
	if pref == policy.PreferenceDefault {
		_, err := s.db.conn.Exec(`DELETE FROM settings WHERE widget_id = ? AND feature = ?`, widgetID, feature)
		return err
	}
	_, err := s.db.conn.Exec(
		`INSERT INTO settings (widget_id, feature, preference) VALUES (?, ?, ?)
		 ON CONFLICT(widget_id, feature) DO UPDATE SET preference = excluded.preference`,
		widgetID, feature, int(pref))
	return err
}

// SetGlobalUserPreference records the process-wide default preference.
func (s *SQLiteSettings) SetGlobalUserPreference(pref policy.UserPreference) error {
	_, err := s.db.conn.Exec(
		`INSERT INTO settings_global (id, preference) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET preference = excluded.preference`,
		int(pref))
	return err
}

// MemorySettings is a process-local policy.SettingsStore, suitable for
// tests and for deployments that don't need preferences to survive a
// restart.
type MemorySettings struct {
	mu     sync.RWMutex
	global policy.UserPreference
	perKey map[string]policy.UserPreference
}

// NewMemorySettings creates an empty, all-default MemorySettings.
func NewMemorySettings() *MemorySettings {
	return &MemorySettings{perKey: make(map[string]policy.UserPreference)}
}

func (m *MemorySettings) FindGlobalUserPreference(_ policy.Request) policy.GlobalPreference {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

func (m *MemorySettings) FindWidgetFeaturePreference(widgetID, feature string) policy.UserPreference {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.perKey[widgetID+"\x00"+feature]
}

func (m *MemorySettings) SetWidgetFeaturePreference(widgetID, feature string, pref policy.UserPreference) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pref == policy.PreferenceDefault {
		delete(m.perKey, widgetID+"\x00"+feature)
		return
	}
	m.perKey[widgetID+"\x00"+feature] = pref
}

func (m *MemorySettings) SetGlobalUserPreference(pref policy.UserPreference) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global = pref
}
