// Package statecache memoizes state.Reconstruct results in a small
// on-disk SQLite database, keyed by a hash of the migration-chain
// prefix that produced them. It exists purely to avoid re-folding a
// long chain on every check/update run; deleting the cache file never
// changes what Reconstruct would have returned (spec.md §4.5's purity
// is preserved — this package is never consulted for correctness).
// Grounded on kailab/store's modernc.org/sqlite-backed DB wrapper.
package statecache

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
	"lukechampine.com/blake3"

	"tmplforge/internal/migration"
	"tmplforge/internal/state"
)

const schema = `
CREATE TABLE IF NOT EXISTS reconstruct_cache (
	chain_key TEXT PRIMARY KEY,
	state_json BLOB NOT NULL
);
`

// Cache wraps a SQLite connection used to memoize reconstructed state.
type Cache struct {
	conn *sql.DB
	mu   sync.Mutex
}

// Open opens or creates the cache database at path.
func Open(path string) (*Cache, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening statecache: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying statecache schema: %w", err)
	}
	return &Cache{conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Cache) Close() error { return c.conn.Close() }

// ChainKey derives a stable cache key from an ordered list of applied
// migration identifiers (the "prefix" a reconstruction folded over).
func ChainKey(ids []string) string {
	h := blake3.New(32, nil)
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached state for key, if present.
func (c *Cache) Get(key string) (state.State, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var raw []byte
	err := c.conn.QueryRow(`SELECT state_json FROM reconstruct_cache WHERE chain_key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading statecache entry: %w", err)
	}

	var st state.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, false, fmt.Errorf("decoding cached state: %w", err)
	}
	return st, true, nil
}

// Reconstruct is state.Reconstruct with memoization: it folds chain
// only on a cache miss, keyed by the identifiers of the migrations
// actually folded (chain up to upToID, or the full chain if nil). A
// cache hit is logically identical to a fresh fold, so callers may
// freely swap a *Cache in and out without changing results.
func (c *Cache) Reconstruct(chain []*migration.Migration, upToID *string) (state.State, error) {
	ids := make([]string, 0, len(chain))
	for _, m := range chain {
		ids = append(ids, m.ID)
		if upToID != nil && m.ID == *upToID {
			break
		}
	}
	key := ChainKey(ids)

	if st, ok, err := c.Get(key); err != nil {
		return nil, err
	} else if ok {
		return st, nil
	}

	st, err := state.Reconstruct(chain, upToID)
	if err != nil {
		return nil, err
	}
	if err := c.Put(key, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Put stores st under key, replacing any existing entry.
func (c *Cache) Put(key string, st state.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding state for cache: %w", err)
	}
	_, err = c.conn.Exec(
		`INSERT INTO reconstruct_cache (chain_key, state_json) VALUES (?, ?)
		 ON CONFLICT(chain_key) DO UPDATE SET state_json = excluded.state_json`,
		key, raw,
	)
	if err != nil {
		return fmt.Errorf("writing statecache entry: %w", err)
	}
	return nil
}
