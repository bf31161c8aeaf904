package safebrowsing

import (
	"context"
	"sort"
	"sync"
)

// fakeOpener is an in-memory Storage backend for Engine/Lookup tests,
// mirroring sqlstore's semantics closely enough to exercise the algorithms
// without spinning up SQLite. Begin snapshots committed state; Commit
// swaps it back in; Rollback discards the working copy untouched.
type fakeOpener struct {
	mu        sync.Mutex
	committed fakeState
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{committed: fakeState{lists: map[ThreatListId]*fakeList{}}}
}

type fakeState struct {
	lists map[ThreatListId]*fakeList
}

type fakeList struct {
	clientState []byte
	prefixes    map[string]int64 // value -> negative_expires_at
	fullHashes  map[[32]byte]*fakeFullHash
}

type fakeFullHash struct {
	downloadedAt, expiresAt int64
	malware                 string
}

func (s fakeState) clone() fakeState {
	out := fakeState{lists: make(map[ThreatListId]*fakeList, len(s.lists))}
	for id, l := range s.lists {
		nl := &fakeList{
			clientState: append([]byte(nil), l.clientState...),
			prefixes:    make(map[string]int64, len(l.prefixes)),
			fullHashes:  make(map[[32]byte]*fakeFullHash, len(l.fullHashes)),
		}
		for k, v := range l.prefixes {
			nl.prefixes[k] = v
		}
		for k, v := range l.fullHashes {
			cp := *v
			nl.fullHashes[k] = &cp
		}
		out.lists[id] = nl
	}
	return out
}

func (o *fakeOpener) Begin(ctx context.Context) (Storage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return &fakeStorage{opener: o, state: o.committed.clone()}, nil
}

type fakeStorage struct {
	opener *fakeOpener
	state  fakeState
}

func (s *fakeStorage) GetThreatLists(ctx context.Context) ([]ThreatListId, error) {
	out := make([]ThreatListId, 0, len(s.state.lists))
	for id := range s.state.lists {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

func (s *fakeStorage) GetClientState(ctx context.Context) (map[ThreatListId][]byte, error) {
	out := make(map[ThreatListId][]byte, len(s.state.lists))
	for id, l := range s.state.lists {
		out[id] = l.clientState
	}
	return out, nil
}

func (s *fakeStorage) AddThreatList(ctx context.Context, id ThreatListId) error {
	if _, ok := s.state.lists[id]; ok {
		return nil
	}
	s.state.lists[id] = &fakeList{prefixes: map[string]int64{}, fullHashes: map[[32]byte]*fakeFullHash{}}
	return nil
}

func (s *fakeStorage) DeleteThreatList(ctx context.Context, id ThreatListId) error {
	delete(s.state.lists, id)
	return nil
}

func (s *fakeStorage) UpdateThreatListClientState(ctx context.Context, id ThreatListId, state []byte) error {
	l, ok := s.state.lists[id]
	if !ok {
		return &StorageError{Op: "update_threat_list_client_state", Err: errListNotFound(id)}
	}
	l.clientState = append([]byte(nil), state...)
	return nil
}

func (s *fakeStorage) PopulateHashPrefixList(ctx context.Context, id ThreatListId, prefixes [][]byte, now int64) error {
	l, ok := s.state.lists[id]
	if !ok {
		return &StorageError{Op: "populate_hash_prefix_list", Err: errListNotFound(id)}
	}
	for _, v := range prefixes {
		if len(v) < 4 {
			return &StorageError{Op: "populate_hash_prefix_list", Err: errShortPrefix(v)}
		}
		l.prefixes[string(v)] = now
	}
	return nil
}

func (s *fakeStorage) DeleteHashPrefixList(ctx context.Context, id ThreatListId) error {
	l, ok := s.state.lists[id]
	if !ok {
		return nil
	}
	l.prefixes = map[string]int64{}
	return nil
}

func (s *fakeStorage) sortedPrefixValues(id ThreatListId) [][]byte {
	l, ok := s.state.lists[id]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(l.prefixes))
	for v := range l.prefixes {
		out = append(out, []byte(v))
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i]) < string(out[j]) })
	return out
}

func (s *fakeStorage) HashPrefixListChecksum(ctx context.Context, id ThreatListId) ([]byte, error) {
	return ChecksumSortedPrefixes(s.sortedPrefixValues(id)), nil
}

func (s *fakeStorage) RemoveHashPrefixIndices(ctx context.Context, id ThreatListId, indices []int) error {
	values := s.sortedPrefixValues(id)
	for _, idx := range indices {
		if idx < 0 || idx >= len(values) {
			return &StorageError{Op: "remove_hash_prefix_indices", Err: errIndexRange(idx, len(values))}
		}
	}
	l := s.state.lists[id]
	for _, idx := range indices {
		delete(l.prefixes, string(values[idx]))
	}
	return nil
}

func (s *fakeStorage) LookupHashPrefix(ctx context.Context, cues [][4]byte, now int64) ([]PrefixLookupResult, error) {
	cueSet := make(map[[4]byte]bool, len(cues))
	for _, c := range cues {
		cueSet[c] = true
	}
	expiredByValue := map[string]bool{}
	var order []string
	for _, l := range s.state.lists {
		for v, negExp := range l.prefixes {
			var cue [4]byte
			copy(cue[:], v)
			if !cueSet[cue] {
				continue
			}
			if _, seen := expiredByValue[v]; !seen {
				order = append(order, v)
			}
			expiredByValue[v] = expiredByValue[v] || negExp < now
		}
	}
	sort.Strings(order)
	out := make([]PrefixLookupResult, 0, len(order))
	for _, v := range order {
		out = append(out, PrefixLookupResult{Value: []byte(v), AnyExpired: expiredByValue[v]})
	}
	return out, nil
}

func (s *fakeStorage) UpdateHashPrefixExpiration(ctx context.Context, prefixValue []byte, now int64, seconds int64) error {
	for _, l := range s.state.lists {
		if _, ok := l.prefixes[string(prefixValue)]; ok {
			l.prefixes[string(prefixValue)] = now + seconds
		}
	}
	return nil
}

func (s *fakeStorage) LookupFullHashes(ctx context.Context, values [][32]byte, now int64) ([]FullHashLookupResult, error) {
	wanted := make(map[[32]byte]bool, len(values))
	for _, v := range values {
		wanted[v] = true
	}
	freshByList := map[ThreatListId]bool{}
	var order []ThreatListId
	for id, l := range s.state.lists {
		for v, fh := range l.fullHashes {
			if !wanted[v] {
				continue
			}
			if _, seen := freshByList[id]; !seen {
				order = append(order, id)
			}
			freshByList[id] = freshByList[id] || fh.expiresAt >= now
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i].Less(order[j]) })
	out := make([]FullHashLookupResult, 0, len(order))
	for _, id := range order {
		out = append(out, FullHashLookupResult{ListId: id, HasExpired: !freshByList[id]})
	}
	return out, nil
}

func (s *fakeStorage) StoreFullHash(ctx context.Context, listId ThreatListId, value [32]byte, now int64, cacheSeconds int64, malwareThreatType string) error {
	l, ok := s.state.lists[listId]
	if !ok {
		return &StorageError{Op: "store_full_hash", Err: errListNotFound(listId)}
	}
	l.fullHashes[value] = &fakeFullHash{downloadedAt: now, expiresAt: now + cacheSeconds, malware: malwareThreatType}
	return nil
}

func (s *fakeStorage) CleanupFullHashes(ctx context.Context, now int64, graceSeconds int64) error {
	threshold := now - graceSeconds
	for _, l := range s.state.lists {
		for v, fh := range l.fullHashes {
			if fh.expiresAt < threshold {
				delete(l.fullHashes, v)
			}
		}
	}
	return nil
}

func (s *fakeStorage) Commit(ctx context.Context) error {
	s.opener.mu.Lock()
	defer s.opener.mu.Unlock()
	s.opener.committed = s.state
	return nil
}

func (s *fakeStorage) Rollback(ctx context.Context) error { return nil }

func (s *fakeStorage) Close() error { return nil }

func errListNotFound(id ThreatListId) error {
	return &notFoundError{msg: "list not tracked: " + id.String()}
}

func errShortPrefix(v []byte) error {
	return &notFoundError{msg: "prefix shorter than 4 bytes"}
}

func errIndexRange(idx, n int) error {
	return &notFoundError{msg: "index out of range"}
}

type notFoundError struct{ msg string }

func (e *notFoundError) Error() string { return e.msg }
