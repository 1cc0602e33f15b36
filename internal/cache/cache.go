// Package cache is the ephemeral, size-bounded, searchable store of
// ingested items backing investigations. Items are keyed by
// source:type:externalID; storing runs entity extraction over
// title+body and maintains an entity index so investigations can pull
// cross-source related items by entity value.
//
// When the storage location cannot be opened the cache degrades to a
// documented unavailable state: every read returns empty, every write
// is a no-op, and nothing raises.
package cache

import (
	"bytes"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	_ "modernc.org/sqlite"

	"github.com/sgerhart/triageflux/internal/entities"
	"github.com/sgerhart/triageflux/internal/model"
)

// EvictResult reports a size-bounded eviction pass.
type EvictResult struct {
	Removed   int   `json:"removed"`
	SizeAfter int64 `json:"size_after"`
}

// Cache is the SQLite-backed evidence cache.
type Cache struct {
	mu        sync.RWMutex
	db        *sql.DB
	logger    *slog.Logger
	available bool
	fts       bool
	now       func() time.Time
}

// New opens (creating if needed) the cache database at path. Open
// failures produce an unavailable cache, not an error: callers always
// get a usable handle.
func New(path string, logger *slog.Logger) *Cache {
	c := &Cache{logger: logger, now: time.Now}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Warn("Cache storage location unreachable, cache disabled", "path", path, "error", err)
		return c
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		logger.Warn("Failed to open cache database, cache disabled", "path", path, "error", err)
		return c
	}

	if err := initSchema(db); err != nil {
		logger.Warn("Failed to initialize cache schema, cache disabled", "path", path, "error", err)
		db.Close()
		return c
	}

	c.db = db
	c.available = true
	c.fts = initFTS(db, logger)
	return c
}

// NewMemory opens an in-memory cache. Test helper.
func NewMemory(logger *slog.Logger) *Cache {
	c := &Cache{logger: logger, now: time.Now}
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return c
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return c
	}
	c.db = db
	c.available = true
	c.fts = initFTS(db, logger)
	return c
}

// Unavailable returns a permanently degraded cache.
func Unavailable(logger *slog.Logger) *Cache {
	return &Cache{logger: logger, now: time.Now}
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		type TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		cached_at INTEGER NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_items_cached_at ON items(cached_at);
	CREATE INDEX IF NOT EXISTS idx_items_source ON items(source);

	CREATE TABLE IF NOT EXISTS item_entities (
		item_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_value TEXT NOT NULL,
		PRIMARY KEY (item_id, entity_type, entity_value)
	);
	CREATE INDEX IF NOT EXISTS idx_entities_value ON item_entities(entity_value);

	CREATE TABLE IF NOT EXISTS raw_payloads (
		item_id TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

// initFTS tries to create the full-text index. Builds without FTS5
// fall back to substring scans.
func initFTS(db *sql.DB, logger *slog.Logger) bool {
	_, err := db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS items_fts
		USING fts5(id UNINDEXED, title, body)`)
	if err != nil {
		logger.Info("FTS5 unavailable, using substring search fallback", "error", err)
		return false
	}
	return true
}

// Available reports whether the backing store is usable.
func (c *Cache) Available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

// ItemID builds the globally unique cache key.
func ItemID(source, itemType, externalID string) string {
	return source + ":" + itemType + ":" + externalID
}

// Store upserts one item. Entity associations are recomputed from
// title+body on every store; a non-nil raw payload is gzip-compressed
// and kept alongside. Last write wins on the same key.
func (c *Cache) Store(source, itemType, externalID, title, body string, raw []byte) (*model.CacheItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.available {
		return nil, nil
	}

	id := ItemID(source, itemType, externalID)
	cachedAt := c.now().UTC()
	extracted := entities.Extract(title + "\n" + body)

	var compressed []byte
	if raw != nil {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(raw); err != nil {
			return nil, fmt.Errorf("compress raw payload: %w", err)
		}
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("compress raw payload: %w", err)
		}
		compressed = buf.Bytes()
	}

	size := int64(len(title) + len(body) + len(compressed))

	tx, err := c.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin cache transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO items (id, source, type, title, body, cached_at, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			cached_at = excluded.cached_at,
			size_bytes = excluded.size_bytes`,
		id, source, itemType, title, body, cachedAt.UnixMilli(), size); err != nil {
		return nil, fmt.Errorf("upsert cache item: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM item_entities WHERE item_id = ?`, id); err != nil {
		return nil, fmt.Errorf("clear entity index: %w", err)
	}
	for _, e := range extracted {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO item_entities (item_id, entity_type, entity_value)
			VALUES (?, ?, ?)`, id, string(e.Type), strings.ToLower(e.Value)); err != nil {
			return nil, fmt.Errorf("index entity: %w", err)
		}
	}

	if compressed != nil {
		if _, err := tx.Exec(`INSERT INTO raw_payloads (item_id, payload) VALUES (?, ?)
			ON CONFLICT(item_id) DO UPDATE SET payload = excluded.payload`,
			id, compressed); err != nil {
			return nil, fmt.Errorf("store raw payload: %w", err)
		}
	}

	if c.fts {
		if _, err := tx.Exec(`DELETE FROM items_fts WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("clear fts row: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO items_fts (id, title, body) VALUES (?, ?, ?)`,
			id, title, body); err != nil {
			return nil, fmt.Errorf("index fts row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cache transaction: %w", err)
	}

	return &model.CacheItem{
		ID:       id,
		Source:   source,
		Type:     itemType,
		Title:    title,
		Body:     body,
		CachedAt: cachedAt,
		HasRaw:   compressed != nil,
		Entities: extracted,
	}, nil
}

// QueryEntity returns items whose indexed entities include the value,
// newest first. Matching is case-insensitive.
func (c *Cache) QueryEntity(value string, limit int) ([]model.CacheItem, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.available {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := c.db.Query(`SELECT i.id, i.source, i.type, i.title, i.body, i.cached_at
		FROM items i
		JOIN item_entities e ON e.item_id = i.id
		WHERE e.entity_value = ?
		ORDER BY i.cached_at DESC
		LIMIT ?`, strings.ToLower(value), limit)
	if err != nil {
		return nil, fmt.Errorf("query entity index: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// Search finds items matching the text, optionally restricted to one
// source. Uses FTS when available and a LIKE substring scan otherwise.
func (c *Cache) Search(text, source string, limit int) ([]model.CacheItem, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.available {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	var (
		rows *sql.Rows
		err  error
	)
	if c.fts {
		query := `SELECT i.id, i.source, i.type, i.title, i.body, i.cached_at
			FROM items_fts f
			JOIN items i ON i.id = f.id
			WHERE items_fts MATCH ?`
		args := []interface{}{ftsQuery(text)}
		if source != "" {
			query += ` AND i.source = ?`
			args = append(args, source)
		}
		query += ` ORDER BY i.cached_at DESC LIMIT ?`
		args = append(args, limit)
		rows, err = c.db.Query(query, args...)
	} else {
		pattern := "%" + strings.ToLower(text) + "%"
		query := `SELECT id, source, type, title, body, cached_at
			FROM items
			WHERE (lower(title) LIKE ? OR lower(body) LIKE ?)`
		args := []interface{}{pattern, pattern}
		if source != "" {
			query += ` AND source = ?`
			args = append(args, source)
		}
		query += ` ORDER BY cached_at DESC LIMIT ?`
		args = append(args, limit)
		rows, err = c.db.Query(query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("search cache: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// ftsQuery quotes each term so user text cannot inject FTS operators.
func ftsQuery(text string) string {
	fields := strings.Fields(text)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, ``)+`"`)
	}
	return strings.Join(quoted, " ")
}

// Recent returns the newest items, optionally restricted to a source.
func (c *Cache) Recent(source string, limit int) ([]model.CacheItem, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.available {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	var (
		rows *sql.Rows
		err  error
	)
	if source != "" {
		rows, err = c.db.Query(`SELECT id, source, type, title, body, cached_at
			FROM items WHERE source = ? ORDER BY cached_at DESC LIMIT ?`, source, limit)
	} else {
		rows, err = c.db.Query(`SELECT id, source, type, title, body, cached_at
			FROM items ORDER BY cached_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query recent items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// GetRaw returns the decompressed raw payload for an item, or nil when
// none was stored.
func (c *Cache) GetRaw(id string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.available {
		return nil, nil
	}

	var compressed []byte
	err := c.db.QueryRow(`SELECT payload FROM raw_payloads WHERE item_id = ?`, id).Scan(&compressed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read raw payload: %w", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("decompress raw payload: %w", err)
	}
	defer gz.Close()

	return io.ReadAll(gz)
}

// Stats returns cache statistics.
func (c *Cache) Stats() (map[string]interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.available {
		return map[string]interface{}{"available": false, "total": 0}, nil
	}

	var total int
	var totalSize sql.NullInt64
	if err := c.db.QueryRow(`SELECT COUNT(*), SUM(size_bytes) FROM items`).Scan(&total, &totalSize); err != nil {
		return nil, fmt.Errorf("read cache stats: %w", err)
	}

	bySource := make(map[string]int)
	rows, err := c.db.Query(`SELECT source, COUNT(*) FROM items GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("read cache source stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		var count int
		if err := rows.Scan(&source, &count); err != nil {
			return nil, err
		}
		bySource[source] = count
	}

	var indexed int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM item_entities`).Scan(&indexed); err != nil {
		return nil, fmt.Errorf("read entity index stats: %w", err)
	}

	return map[string]interface{}{
		"available":        true,
		"total":            total,
		"size_bytes":       totalSize.Int64,
		"by_source":        bySource,
		"indexed_entities": indexed,
		"full_text_search": c.fts,
	}, nil
}

// Evict removes items in strictly ascending cached_at order until the
// total size fits the budget, deleting raw payloads and index rows
// alongside. It never removes more than necessary.
func (c *Cache) Evict(maxSizeBytes int64) (EvictResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.available {
		return EvictResult{}, nil
	}

	var totalSize sql.NullInt64
	if err := c.db.QueryRow(`SELECT SUM(size_bytes) FROM items`).Scan(&totalSize); err != nil {
		return EvictResult{}, fmt.Errorf("read cache size: %w", err)
	}
	size := totalSize.Int64

	if size <= maxSizeBytes {
		return EvictResult{Removed: 0, SizeAfter: size}, nil
	}

	rows, err := c.db.Query(`SELECT id, size_bytes FROM items ORDER BY cached_at ASC, id ASC`)
	if err != nil {
		return EvictResult{}, fmt.Errorf("list eviction candidates: %w", err)
	}

	type candidate struct {
		id   string
		size int64
	}
	var victims []candidate
	for rows.Next() {
		if size <= maxSizeBytes {
			break
		}
		var cand candidate
		if err := rows.Scan(&cand.id, &cand.size); err != nil {
			rows.Close()
			return EvictResult{}, err
		}
		victims = append(victims, cand)
		size -= cand.size
	}
	rows.Close()

	tx, err := c.db.Begin()
	if err != nil {
		return EvictResult{}, fmt.Errorf("begin eviction transaction: %w", err)
	}
	defer tx.Rollback()

	for _, v := range victims {
		for _, stmt := range []string{
			`DELETE FROM items WHERE id = ?`,
			`DELETE FROM item_entities WHERE item_id = ?`,
			`DELETE FROM raw_payloads WHERE item_id = ?`,
		} {
			if _, err := tx.Exec(stmt, v.id); err != nil {
				return EvictResult{}, fmt.Errorf("evict item %q: %w", v.id, err)
			}
		}
		if c.fts {
			if _, err := tx.Exec(`DELETE FROM items_fts WHERE id = ?`, v.id); err != nil {
				return EvictResult{}, fmt.Errorf("evict fts row %q: %w", v.id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return EvictResult{}, fmt.Errorf("commit eviction: %w", err)
	}

	c.logger.Info("Cache eviction completed", "removed", len(victims), "size_after", size)
	return EvictResult{Removed: len(victims), SizeAfter: size}, nil
}

// Close releases the database handle.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	c.available = false
	return err
}

func scanItems(rows *sql.Rows) ([]model.CacheItem, error) {
	var items []model.CacheItem
	for rows.Next() {
		var item model.CacheItem
		var cachedAt int64
		if err := rows.Scan(&item.ID, &item.Source, &item.Type, &item.Title, &item.Body, &cachedAt); err != nil {
			return nil, err
		}
		item.CachedAt = time.UnixMilli(cachedAt).UTC()
		items = append(items, item)
	}
	return items, rows.Err()
}
