// Package sqlstore is the one shipped Storage backend: a pure-Go SQLite
// database via modernc.org/sqlite, single-writer, WAL-journaled.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	sb "github.com/sblgo/safebrowsing"
)

const schema = `
CREATE TABLE metadata (key TEXT PRIMARY KEY, value TEXT NOT NULL);
CREATE TABLE threat_list (
    threat_type TEXT NOT NULL, platform_type TEXT NOT NULL, threat_entry_type TEXT NOT NULL,
    client_state BLOB, updated_at INTEGER NOT NULL,
    PRIMARY KEY (threat_type, platform_type, threat_entry_type)
);
CREATE TABLE hash_prefix (
    value BLOB NOT NULL, cue BLOB NOT NULL,
    threat_type TEXT NOT NULL, platform_type TEXT NOT NULL, threat_entry_type TEXT NOT NULL,
    negative_expires_at INTEGER NOT NULL,
    PRIMARY KEY (value, threat_type, platform_type, threat_entry_type),
    FOREIGN KEY (threat_type, platform_type, threat_entry_type)
        REFERENCES threat_list ON DELETE CASCADE
);
CREATE INDEX idx_hash_prefix_cue ON hash_prefix (cue);
CREATE TABLE full_hash (
    value BLOB NOT NULL, threat_type TEXT NOT NULL, platform_type TEXT NOT NULL, threat_entry_type TEXT NOT NULL,
    downloaded_at INTEGER NOT NULL, expires_at INTEGER NOT NULL, malware_threat_type TEXT,
    PRIMARY KEY (value, threat_type, platform_type, threat_entry_type)
);
CREATE INDEX idx_full_hash_value ON full_hash (value);
CREATE INDEX idx_full_hash_expires_at ON full_hash (expires_at);
`

// DB owns the underlying SQLite connection pool. Begin opens a new
// transaction-scoped Storage; DB itself is not a Storage.
type DB struct {
	db     *sql.DB
	logger sb.Logger
}

// Open opens (creating if absent) a SQLite database at path, enforces the
// single-writer model via SetMaxOpenConns(1), enables WAL journaling and
// foreign keys, and reinitializes the schema if schema_version doesn't
// match sb.CurrentSchemaVersion.
func Open(ctx context.Context, path string, logger sb.Logger) (*DB, error) {
	if logger == nil {
		logger = sb.NewDefaultLogger(nil, false)
	}
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &sb.StorageError{Op: "open", Err: err}
	}
	sqldb.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=10000",
	} {
		if _, err := sqldb.ExecContext(ctx, pragma); err != nil {
			sqldb.Close()
			return nil, &sb.StorageError{Op: pragma, Err: err}
		}
	}

	d := &DB{db: sqldb, logger: logger}
	if err := d.ensureSchema(ctx); err != nil {
		sqldb.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) ensureSchema(ctx context.Context) error {
	var version string
	row := d.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key='schema_version'`)
	err := row.Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		// metadata table exists (so some prior attempt ran) but has no
		// schema_version row; fall through to reinit.
	case err != nil:
		// most likely "no such table: metadata" on a brand-new file.
		version = ""
	}
	if version == sb.CurrentSchemaVersion {
		return nil
	}
	d.logger.Info("sqlstore: schema_version mismatch (have %q, want %q), reinitializing", version, sb.CurrentSchemaVersion)
	return d.reinitialize(ctx)
}

func (d *DB) reinitialize(ctx context.Context) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return &sb.StorageError{Op: "reinitialize/begin", Err: err}
	}
	for _, table := range []string{"hash_prefix", "full_hash", "threat_list", "metadata"} {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			tx.Rollback()
			return &sb.StorageError{Op: "reinitialize/drop " + table, Err: err}
		}
	}
	for _, stmt := range strings.Split(strings.TrimSpace(schema), ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return &sb.StorageError{Op: "reinitialize/create", Err: err}
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO metadata(key, value) VALUES ('schema_version', ?)`, sb.CurrentSchemaVersion); err != nil {
		tx.Rollback()
		return &sb.StorageError{Op: "reinitialize/seed version", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &sb.StorageError{Op: "reinitialize/commit", Err: err}
	}
	return nil
}

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// Begin opens a transaction-scoped Storage. The caller must Commit or
// Rollback it; Storage.Close is a no-op, the connection lives on DB.
func (d *DB) Begin(ctx context.Context) (sb.Storage, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &sb.StorageError{Op: "begin", Err: err}
	}
	return &txStorage{tx: tx}, nil
}

type txStorage struct {
	tx *sql.Tx
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &sb.StorageError{Op: op, Err: err}
}

func (s *txStorage) GetThreatLists(ctx context.Context) ([]sb.ThreatListId, error) {
	rows, err := s.tx.QueryContext(ctx, `SELECT threat_type, platform_type, threat_entry_type FROM threat_list`)
	if err != nil {
		return nil, wrapErr("get_threat_lists", err)
	}
	defer rows.Close()
	var out []sb.ThreatListId
	for rows.Next() {
		var id sb.ThreatListId
		if err := rows.Scan(&id.ThreatType, &id.PlatformType, &id.ThreatEntryType); err != nil {
			return nil, wrapErr("get_threat_lists/scan", err)
		}
		out = append(out, id)
	}
	return out, wrapErr("get_threat_lists/rows", rows.Err())
}

func (s *txStorage) GetClientState(ctx context.Context) (map[sb.ThreatListId][]byte, error) {
	rows, err := s.tx.QueryContext(ctx, `SELECT threat_type, platform_type, threat_entry_type, client_state FROM threat_list`)
	if err != nil {
		return nil, wrapErr("get_client_state", err)
	}
	defer rows.Close()
	out := make(map[sb.ThreatListId][]byte)
	for rows.Next() {
		var id sb.ThreatListId
		var state []byte
		if err := rows.Scan(&id.ThreatType, &id.PlatformType, &id.ThreatEntryType, &state); err != nil {
			return nil, wrapErr("get_client_state/scan", err)
		}
		out[id] = state
	}
	return out, wrapErr("get_client_state/rows", rows.Err())
}

func (s *txStorage) AddThreatList(ctx context.Context, id sb.ThreatListId) error {
	_, err := s.tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO threat_list (threat_type, platform_type, threat_entry_type, client_state, updated_at)
		VALUES (?, ?, ?, NULL, 0)`,
		id.ThreatType, id.PlatformType, id.ThreatEntryType)
	return wrapErr("add_threat_list", err)
}

func (s *txStorage) DeleteThreatList(ctx context.Context, id sb.ThreatListId) error {
	_, err := s.tx.ExecContext(ctx, `
		DELETE FROM threat_list WHERE threat_type=? AND platform_type=? AND threat_entry_type=?`,
		id.ThreatType, id.PlatformType, id.ThreatEntryType)
	return wrapErr("delete_threat_list", err)
}

func (s *txStorage) UpdateThreatListClientState(ctx context.Context, id sb.ThreatListId, state []byte) error {
	_, err := s.tx.ExecContext(ctx, `
		UPDATE threat_list SET client_state=?, updated_at=strftime('%s','now')
		WHERE threat_type=? AND platform_type=? AND threat_entry_type=?`,
		state, id.ThreatType, id.PlatformType, id.ThreatEntryType)
	return wrapErr("update_threat_list_client_state", err)
}

func (s *txStorage) PopulateHashPrefixList(ctx context.Context, id sb.ThreatListId, prefixes [][]byte, now int64) error {
	stmt, err := s.tx.PrepareContext(ctx, `
		INSERT INTO hash_prefix (value, cue, threat_type, platform_type, threat_entry_type, negative_expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return wrapErr("populate_hash_prefix_list/prepare", err)
	}
	defer stmt.Close()
	for _, value := range prefixes {
		if len(value) < 4 {
			return wrapErr("populate_hash_prefix_list", fmt.Errorf("prefix %x shorter than 4 bytes", value))
		}
		if _, err := stmt.ExecContext(ctx, value, value[:4], id.ThreatType, id.PlatformType, id.ThreatEntryType, now); err != nil {
			return wrapErr("populate_hash_prefix_list/insert", err)
		}
	}
	return nil
}

func (s *txStorage) DeleteHashPrefixList(ctx context.Context, id sb.ThreatListId) error {
	_, err := s.tx.ExecContext(ctx, `
		DELETE FROM hash_prefix WHERE threat_type=? AND platform_type=? AND threat_entry_type=?`,
		id.ThreatType, id.PlatformType, id.ThreatEntryType)
	return wrapErr("delete_hash_prefix_list", err)
}

func (s *txStorage) sortedPrefixValues(ctx context.Context, id sb.ThreatListId) ([][]byte, error) {
	rows, err := s.tx.QueryContext(ctx, `
		SELECT value FROM hash_prefix
		WHERE threat_type=? AND platform_type=? AND threat_entry_type=?
		ORDER BY value ASC`,
		id.ThreatType, id.PlatformType, id.ThreatEntryType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *txStorage) HashPrefixListChecksum(ctx context.Context, id sb.ThreatListId) ([]byte, error) {
	values, err := s.sortedPrefixValues(ctx, id)
	if err != nil {
		return nil, wrapErr("hash_prefix_list_checksum", err)
	}
	return sb.ChecksumSortedPrefixes(values), nil
}

func (s *txStorage) RemoveHashPrefixIndices(ctx context.Context, id sb.ThreatListId, indices []int) error {
	values, err := s.sortedPrefixValues(ctx, id)
	if err != nil {
		return wrapErr("remove_hash_prefix_indices", err)
	}
	sorted := append([]int(nil), indices...)
	sort.Ints(sorted)
	for _, idx := range sorted {
		if idx < 0 || idx >= len(values) {
			return wrapErr("remove_hash_prefix_indices", fmt.Errorf("index %d out of range [0,%d)", idx, len(values)))
		}
	}
	stmt, err := s.tx.PrepareContext(ctx, `
		DELETE FROM hash_prefix
		WHERE value=? AND threat_type=? AND platform_type=? AND threat_entry_type=?`)
	if err != nil {
		return wrapErr("remove_hash_prefix_indices/prepare", err)
	}
	defer stmt.Close()
	for _, idx := range sorted {
		if _, err := stmt.ExecContext(ctx, values[idx], id.ThreatType, id.PlatformType, id.ThreatEntryType); err != nil {
			return wrapErr("remove_hash_prefix_indices/delete", err)
		}
	}
	return nil
}

func (s *txStorage) LookupHashPrefix(ctx context.Context, cues [][4]byte, now int64) ([]sb.PrefixLookupResult, error) {
	if len(cues) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(cues))
	args := make([]interface{}, len(cues))
	for i, c := range cues {
		placeholders[i] = "?"
		args[i] = c[:]
	}
	query := fmt.Sprintf(`SELECT value, negative_expires_at FROM hash_prefix WHERE cue IN (%s)`, strings.Join(placeholders, ","))
	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("lookup_hash_prefix", err)
	}
	defer rows.Close()

	expiredByValue := make(map[string]bool)
	order := make([]string, 0)
	for rows.Next() {
		var value []byte
		var negExp int64
		if err := rows.Scan(&value, &negExp); err != nil {
			return nil, wrapErr("lookup_hash_prefix/scan", err)
		}
		key := string(value)
		if _, seen := expiredByValue[key]; !seen {
			order = append(order, key)
		}
		expiredByValue[key] = expiredByValue[key] || negExp < now
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("lookup_hash_prefix/rows", err)
	}
	out := make([]sb.PrefixLookupResult, 0, len(order))
	for _, key := range order {
		out = append(out, sb.PrefixLookupResult{Value: []byte(key), AnyExpired: expiredByValue[key]})
	}
	return out, nil
}

func (s *txStorage) UpdateHashPrefixExpiration(ctx context.Context, prefixValue []byte, now int64, seconds int64) error {
	_, err := s.tx.ExecContext(ctx, `UPDATE hash_prefix SET negative_expires_at=? WHERE value=?`, now+seconds, prefixValue)
	return wrapErr("update_hash_prefix_expiration", err)
}

func (s *txStorage) LookupFullHashes(ctx context.Context, values [][32]byte, now int64) ([]sb.FullHashLookupResult, error) {
	if len(values) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(values))
	args := make([]interface{}, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		args[i] = v[:]
	}
	query := fmt.Sprintf(`
		SELECT threat_type, platform_type, threat_entry_type, expires_at
		FROM full_hash WHERE value IN (%s)`, strings.Join(placeholders, ","))
	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("lookup_full_hashes", err)
	}
	defer rows.Close()

	freshByList := make(map[sb.ThreatListId]bool)
	order := make([]sb.ThreatListId, 0)
	for rows.Next() {
		var id sb.ThreatListId
		var expiresAt int64
		if err := rows.Scan(&id.ThreatType, &id.PlatformType, &id.ThreatEntryType, &expiresAt); err != nil {
			return nil, wrapErr("lookup_full_hashes/scan", err)
		}
		if _, seen := freshByList[id]; !seen {
			order = append(order, id)
		}
		freshByList[id] = freshByList[id] || expiresAt >= now
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("lookup_full_hashes/rows", err)
	}
	out := make([]sb.FullHashLookupResult, 0, len(order))
	for _, id := range order {
		out = append(out, sb.FullHashLookupResult{ListId: id, HasExpired: !freshByList[id]})
	}
	return out, nil
}

func (s *txStorage) StoreFullHash(ctx context.Context, listId sb.ThreatListId, value [32]byte, now int64, cacheSeconds int64, malwareThreatType string) error {
	var malware interface{}
	if malwareThreatType != "" {
		malware = malwareThreatType
	}
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO full_hash (value, threat_type, platform_type, threat_entry_type, downloaded_at, expires_at, malware_threat_type)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (value, threat_type, platform_type, threat_entry_type) DO UPDATE SET
			downloaded_at=excluded.downloaded_at,
			expires_at=excluded.expires_at,
			malware_threat_type=excluded.malware_threat_type`,
		value[:], listId.ThreatType, listId.PlatformType, listId.ThreatEntryType, now, now+cacheSeconds, malware)
	return wrapErr("store_full_hash", err)
}

func (s *txStorage) CleanupFullHashes(ctx context.Context, now int64, graceSeconds int64) error {
	_, err := s.tx.ExecContext(ctx, `DELETE FROM full_hash WHERE expires_at < ?`, now-graceSeconds)
	return wrapErr("cleanup_full_hashes", err)
}

func (s *txStorage) Commit(ctx context.Context) error {
	return wrapErr("commit", s.tx.Commit())
}

func (s *txStorage) Rollback(ctx context.Context) error {
	return wrapErr("rollback", s.tx.Rollback())
}

func (s *txStorage) Close() error { return nil }
