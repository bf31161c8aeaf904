package safebrowsing

import (
	"bytes"
	"context"
)

// LookupURL implements spec.md §4.5's lookup_url: canonicalize and hash the
// URL, match its prefixes against the cache, and return the threat lists it
// belongs to (or nil if clean). It favors the cache over the network: a
// fresh positive hit or a current negative cache both resolve without
// contacting the server; only an uncertain prefix match triggers Sync
// Engine's on-demand full-hash sync.
func (e *Engine) LookupURL(ctx context.Context, url string) ([]ThreatListId, error) {
	if url == "" {
		return nil, ErrEmptyURL
	}

	hashes := FullHashes(url)
	cues := make([][4]byte, len(hashes))
	for i, h := range hashes {
		copy(cues[i][:], h[:4])
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	rows, err := tx.LookupHashPrefix(ctx, cues, now)
	if err != nil {
		tx.Rollback(ctx)
		return nil, err
	}

	matchingPrefixes := map[string]bool{} // prefix value -> any row expired
	matchingFullHashes := map[[32]byte]bool{}
	for _, row := range rows {
		for _, h := range hashes {
			if bytes.HasPrefix(h[:], row.Value) {
				matchingPrefixes[string(row.Value)] = row.AnyExpired
				matchingFullHashes[h] = true
			}
		}
	}
	if len(matchingPrefixes) == 0 {
		tx.Commit(ctx)
		return nil, nil
	}

	fullHashValues := make([][32]byte, 0, len(matchingFullHashes))
	for h := range matchingFullHashes {
		fullHashValues = append(fullHashValues, h)
	}
	fhResults, err := tx.LookupFullHashes(ctx, fullHashValues, now)
	if err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if fresh := freshListIds(fhResults); len(fresh) > 0 {
		return fresh, nil
	}

	if !anyExpiredFullHash(fhResults) && !anyTrue(matchingPrefixes) {
		return nil, nil
	}

	prefixes := make([][]byte, 0, len(matchingPrefixes))
	for v := range matchingPrefixes {
		prefixes = append(prefixes, []byte(v))
	}
	if err := e.syncFullHashes(ctx, prefixes); err != nil {
		return nil, err
	}

	tx, err = e.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	fhResults, err = tx.LookupFullHashes(ctx, fullHashValues, e.now())
	if err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return freshListIds(fhResults), nil
}

func freshListIds(results []FullHashLookupResult) []ThreatListId {
	var out []ThreatListId
	for _, r := range results {
		if !r.HasExpired {
			out = append(out, r.ListId)
		}
	}
	return out
}

func anyExpiredFullHash(results []FullHashLookupResult) bool {
	for _, r := range results {
		if r.HasExpired {
			return true
		}
	}
	return false
}

func anyTrue(m map[string]bool) bool {
	for _, v := range m {
		if v {
			return true
		}
	}
	return false
}
