package safebrowsing

import "context"

// Storage is the transactional cache contract the Sync and Lookup Engines
// run against: threat-list metadata, negative-cache hash prefixes indexed
// by cue, and positive-cache full hashes. A Storage value is not safe for
// concurrent writers; the caller serializes update passes and lookups.
//
// Every mutating method participates in whatever transaction is currently
// open on the Storage value (opened implicitly by the backend, or
// explicitly where the backend exposes Begin); Commit or Rollback closes it.
// schema_version bookkeeping and reinitialization on mismatch are a backend
// construction concern (see sqlstore.Open), not a per-transaction operation,
// so they aren't part of this interface.
type Storage interface {
	// GetThreatLists returns every ThreatListId currently tracked.
	GetThreatLists(ctx context.Context) ([]ThreatListId, error)

	// GetClientState returns the stored client_state for every tracked
	// list; a nil value means the list has never completed a sync.
	GetClientState(ctx context.Context) (map[ThreatListId][]byte, error)

	// AddThreatList inserts id if absent; a no-op otherwise.
	AddThreatList(ctx context.Context, id ThreatListId) error

	// DeleteThreatList removes id and cascades to its prefix rows.
	DeleteThreatList(ctx context.Context, id ThreatListId) error

	// UpdateThreatListClientState sets the stored client_state for id.
	UpdateThreatListClientState(ctx context.Context, id ThreatListId, state []byte) error

	// PopulateHashPrefixList bulk-inserts prefixes for id, each with
	// negative_expires_at set to now (i.e. already expired).
	PopulateHashPrefixList(ctx context.Context, id ThreatListId, prefixes [][]byte, now int64) error

	// DeleteHashPrefixList removes every prefix row belonging to id.
	DeleteHashPrefixList(ctx context.Context, id ThreatListId) error

	// HashPrefixListChecksum is SHA-256 over id's prefix values, sorted
	// lexicographically and concatenated.
	HashPrefixListChecksum(ctx context.Context, id ThreatListId) ([]byte, error)

	// RemoveHashPrefixIndices removes the rows at the given zero-based
	// positions in id's lexicographically sorted prefix order.
	RemoveHashPrefixIndices(ctx context.Context, id ThreatListId, indices []int) error

	// LookupHashPrefix returns one PrefixLookupResult per distinct prefix
	// value whose cue is in cues, with AnyExpired true iff at least one
	// row carrying that value has negative_expires_at < now.
	LookupHashPrefix(ctx context.Context, cues [][4]byte, now int64) ([]PrefixLookupResult, error)

	// UpdateHashPrefixExpiration sets negative_expires_at := now+seconds
	// for every row whose value is prefixValue, across all lists.
	UpdateHashPrefixExpiration(ctx context.Context, prefixValue []byte, now int64, seconds int64) error

	// LookupFullHashes returns one FullHashLookupResult per (list_id) with
	// a row matching one of values, HasExpired reflecting that row's
	// expires_at against now.
	LookupFullHashes(ctx context.Context, values [][32]byte, now int64) ([]FullHashLookupResult, error)

	// StoreFullHash upserts a positive-cache row, setting
	// expires_at := now+cacheSeconds.
	StoreFullHash(ctx context.Context, listId ThreatListId, value [32]byte, now int64, cacheSeconds int64, malwareThreatType string) error

	// CleanupFullHashes deletes rows with expires_at < now-graceSeconds.
	CleanupFullHashes(ctx context.Context, now int64, graceSeconds int64) error

	// Commit and Rollback end the transaction this Storage value was opened
	// with; no new transaction is opened on the same value afterwards.
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// Close releases whatever the backend holds for this Storage value; it
	// does not close the backend's connection pool.
	Close() error
}

// DefaultFullHashGraceSeconds is the default grace period passed to
// CleanupFullHashes: expired positive-cache rows are kept this long past
// expiry before being purged, per spec.md §4.2.
const DefaultFullHashGraceSeconds = 12 * 60 * 60
