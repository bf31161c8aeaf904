package safebrowsing

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/singleflight"
)

// txOpener is satisfied by sqlstore.DB: it owns the connection pool and
// hands out one transaction-scoped Storage per call. Keeping the Sync/
// Lookup engines against this narrow interface instead of *sqlstore.DB
// avoids an import of the concrete backend package from the core module.
type txOpener interface {
	Begin(ctx context.Context) (Storage, error)
}

// Engine runs update passes and on-demand full-hash syncs against one
// Storage backend and one Transport. Concurrent callers of UpdatePass (or
// of the full-hash sync Lookup Engine triggers) are collapsed onto a
// single in-flight pass via singleflight, since Storage has one logical
// writer (spec.md §5).
type Engine struct {
	db        txOpener
	transport *Transport
	logger    Logger
	clock     clock

	graceSeconds int64

	sf singleflight.Group
}

// NewEngine constructs a Sync Engine. A nil logger defaults to a no-op.
func NewEngine(db txOpener, transport *Transport, logger Logger) *Engine {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Engine{
		db:           db,
		transport:    transport,
		logger:       logger,
		clock:        realClock{},
		graceSeconds: DefaultFullHashGraceSeconds,
	}
}

// UpdatePass runs one full update pass (spec.md §4.4): cleanup expired
// full-hash rows, reconcile the tracked list set, fetch and apply
// incremental updates per list. Overlapping calls share one pass.
func (e *Engine) UpdatePass(ctx context.Context) error {
	_, err, _ := e.sf.Do("update-pass", func() (interface{}, error) {
		return nil, e.runUpdatePass(ctx)
	})
	return err
}

func (e *Engine) now() int64 {
	return e.clock.Now().Unix()
}

func (e *Engine) runUpdatePass(ctx context.Context) error {
	if err := e.cleanupFullHashes(ctx); err != nil {
		return err
	}
	if err := e.reconcileLists(ctx); err != nil {
		return err
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return err
	}
	clientStates, err := tx.GetClientState(ctx)
	if err != nil {
		tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	if len(clientStates) == 0 {
		return nil
	}

	updates, err := e.transport.ThreatListUpdatesFetch(ctx, clientStates)
	if err != nil {
		return err
	}

	for _, u := range updates {
		if err := e.applyListUpdate(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) cleanupFullHashes(ctx context.Context) error {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.CleanupFullHashes(ctx, e.now(), e.graceSeconds); err != nil {
		tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// reconcileLists discovers the server's current list set and adds/removes
// locally tracked lists to match it. Removing a list cascades its stored
// prefixes (foreign key ON DELETE CASCADE in the sqlstore schema).
func (e *Engine) reconcileLists(ctx context.Context) error {
	remote, err := e.transport.ThreatListsList(ctx)
	if err != nil {
		return err
	}
	remoteSet := make(map[ThreatListId]bool, len(remote))
	for _, id := range remote {
		remoteSet[id] = true
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return err
	}
	local, err := tx.GetThreatLists(ctx)
	if err != nil {
		tx.Rollback(ctx)
		return err
	}
	localSet := make(map[ThreatListId]bool, len(local))
	for _, id := range local {
		localSet[id] = true
	}

	for _, id := range remote {
		if !localSet[id] {
			if err := tx.AddThreatList(ctx, id); err != nil {
				tx.Rollback(ctx)
				return err
			}
			e.logger.Info("safebrowsing: tracking new threat list %s", id)
		}
	}
	for _, id := range local {
		if !remoteSet[id] {
			if err := tx.DeleteThreatList(ctx, id); err != nil {
				tx.Rollback(ctx)
				return err
			}
			e.logger.Info("safebrowsing: dropped threat list %s, no longer offered", id)
		}
	}
	return tx.Commit(ctx)
}

// applyListUpdate applies one per-list threatListUpdates.fetch response as
// its own transaction, per spec.md §5's "each list commits independently
// after its own checksum succeeds" ordering guarantee. A checksum mismatch
// rolls back only this list's transaction and halts the pass; lists
// already committed in this pass remain advanced.
func (e *Engine) applyListUpdate(ctx context.Context, u UpdateResponse) error {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return err
	}

	if u.FullUpdate {
		if err := tx.DeleteHashPrefixList(ctx, u.ListId); err != nil {
			tx.Rollback(ctx)
			return err
		}
	}
	if len(u.RemovalIndices) > 0 {
		if err := tx.RemoveHashPrefixIndices(ctx, u.ListId, u.RemovalIndices); err != nil {
			tx.Rollback(ctx)
			return err
		}
	}
	if len(u.Additions) > 0 {
		if err := tx.PopulateHashPrefixList(ctx, u.ListId, u.Additions, e.now()); err != nil {
			tx.Rollback(ctx)
			return err
		}
	}

	got, err := tx.HashPrefixListChecksum(ctx, u.ListId)
	if err != nil {
		tx.Rollback(ctx)
		return err
	}
	if !bytes.Equal(got, u.ChecksumSHA256) {
		tx.Rollback(ctx)
		e.logger.Error("safebrowsing: checksum mismatch for %s, pass halted", u.ListId)
		return &ChecksumError{ListId: u.ListId, Want: u.ChecksumSHA256, Got: got}
	}

	if err := tx.UpdateThreatListClientState(ctx, u.ListId, u.NewClientState); err != nil {
		tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// syncFullHashes is the on-demand full-hash sync of spec.md §4.4's last
// paragraph, invoked by Lookup Engine step 8. It queries fullHashes.find
// for prefixes, stores every match, and extends the negative-cache
// expiration of every queried prefix regardless of whether it matched.
func (e *Engine) syncFullHashes(ctx context.Context, prefixes [][]byte) error {
	key := fullHashSyncKey(prefixes)
	_, err, _ := e.sf.Do(key, func() (interface{}, error) {
		return nil, e.runFullHashSync(ctx, prefixes)
	})
	return err
}

func (e *Engine) runFullHashSync(ctx context.Context, prefixes [][]byte) error {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return err
	}
	lists, err := tx.GetThreatLists(ctx)
	if err != nil {
		tx.Rollback(ctx)
		return err
	}
	clientStates, err := tx.GetClientState(ctx)
	if err != nil {
		tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	resp, err := e.transport.FullHashesFind(ctx, lists, clientStates, prefixes)
	if err != nil {
		return err
	}

	tx, err = e.db.Begin(ctx)
	if err != nil {
		return err
	}
	now := e.now()
	for _, m := range resp.Matches {
		cacheSeconds := m.CacheSeconds
		if err := tx.StoreFullHash(ctx, m.ListId, m.Hash, now, cacheSeconds, m.MalwareThreatType); err != nil {
			tx.Rollback(ctx)
			return err
		}
	}
	for _, p := range prefixes {
		if err := tx.UpdateHashPrefixExpiration(ctx, p, now, resp.NegativeCacheSeconds); err != nil {
			tx.Rollback(ctx)
			return err
		}
	}
	return tx.Commit(ctx)
}

// fullHashSyncKey derives a singleflight key from the sorted, deduplicated
// prefix set so concurrent lookups landing on the same uncached prefixes
// share one in-flight fullHashes.find call (spec.md §8's "at most one
// full_hashes.find call per lookup_url invocation", extended to the
// concurrent case).
func fullHashSyncKey(prefixes [][]byte) string {
	sorted := append([][]byte(nil), prefixes...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })
	key := ""
	for _, p := range sorted {
		key += fmt.Sprintf("%x,", p)
	}
	return key
}
