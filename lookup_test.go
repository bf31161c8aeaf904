package safebrowsing

import (
	"context"
	"encoding/base64"
	"testing"
	"time"
)

func TestLookupURLEmptyInputIsAnError(t *testing.T) {
	engine := newTestEngine(newFakeOpener(), &fakeDoer{})
	if _, err := engine.LookupURL(context.Background(), ""); err != ErrEmptyURL {
		t.Fatalf("expected ErrEmptyURL, got %v", err)
	}
}

func TestLookupURLNegativeCacheHitMakesNoRemoteCall(t *testing.T) {
	const url = "http://example.com/malware.html"
	hashes := FullHashes(url)
	prefix := append([]byte(nil), hashes[0][:4]...)

	opener := newFakeOpener()
	ctx := context.Background()
	seed, _ := opener.Begin(ctx)
	seed.AddThreatList(ctx, testListId)
	// negative_expires_at = 1000, and the lookup below runs at now = 500,
	// so the cached negative result is still current.
	seed.PopulateHashPrefixList(ctx, testListId, [][]byte{prefix}, 1000)
	seed.Commit(ctx)

	doer := &fakeDoer{} // no scripted responses: a call here fails the test
	engine := newTestEngine(opener, doer)
	engine.clock = &fakeClock{now: time.Unix(500, 0)}

	lists, err := engine.LookupURL(ctx, url)
	if err != nil {
		t.Fatalf("LookupURL failed: %v", err)
	}
	if len(lists) != 0 {
		t.Fatalf("expected no match (negative cache hit), got %v", lists)
	}
	if len(doer.requests) != 0 {
		t.Fatalf("expected zero remote calls, got %d", len(doer.requests))
	}
}

func TestLookupURLExpiredNegativeCacheTriggersSyncThenCaches(t *testing.T) {
	const url = "http://example.com/malware.html"
	hashes := FullHashes(url)
	prefix := append([]byte(nil), hashes[0][:4]...)
	fullHashB64 := base64.StdEncoding.EncodeToString(hashes[0][:])

	opener := newFakeOpener()
	ctx := context.Background()
	seed, _ := opener.Begin(ctx)
	seed.AddThreatList(ctx, testListId)
	// negative_expires_at = 0, and lookups below run at now = 1000, so the
	// cached negative result has expired and a sync is required.
	seed.PopulateHashPrefixList(ctx, testListId, [][]byte{prefix}, 0)
	seed.Commit(ctx)

	matchBody := `{"matches":[{
		"threatType":"MALWARE","platformType":"ANY_PLATFORM","threatEntryType":"URL",
		"threat":{"hash":"` + fullHashB64 + `"},
		"cacheDuration":"300s"
	}],"negativeCacheDuration":"600s"}`
	doer := &fakeDoer{responses: []fakeResponse{{status: 200, body: matchBody}}}
	engine := newTestEngine(opener, doer)
	engine.clock = &fakeClock{now: time.Unix(1000, 0)}

	lists, err := engine.LookupURL(ctx, url)
	if err != nil {
		t.Fatalf("first LookupURL failed: %v", err)
	}
	if len(lists) != 1 || lists[0] != testListId {
		t.Fatalf("expected [%v], got %v", testListId, lists)
	}
	if len(doer.requests) != 1 {
		t.Fatalf("expected exactly one remote call, got %d", len(doer.requests))
	}

	// A second, immediate lookup must hit the now-populated positive cache
	// without any further remote call.
	lists2, err := engine.LookupURL(ctx, url)
	if err != nil {
		t.Fatalf("second LookupURL failed: %v", err)
	}
	if len(lists2) != 1 || lists2[0] != testListId {
		t.Fatalf("expected [%v] on second lookup, got %v", testListId, lists2)
	}
	if len(doer.requests) != 1 {
		t.Fatalf("expected no additional remote call on second lookup, got %d total", len(doer.requests))
	}
}

func TestLookupURLNoPrefixMatchReturnsEmptyWithoutQuery(t *testing.T) {
	opener := newFakeOpener()
	doer := &fakeDoer{}
	engine := newTestEngine(opener, doer)

	lists, err := engine.LookupURL(context.Background(), "http://totally-unlisted-example.org/safe")
	if err != nil {
		t.Fatalf("LookupURL failed: %v", err)
	}
	if len(lists) != 0 {
		t.Fatalf("expected no match against an empty cache, got %v", lists)
	}
	if len(doer.requests) != 0 {
		t.Fatalf("expected zero remote calls, got %d", len(doer.requests))
	}
}
