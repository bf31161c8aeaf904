package safebrowsing

import (
	"context"
	"testing"
)

func TestSafeBrowserIsListedWrapsLookupURL(t *testing.T) {
	opener := newFakeOpener()
	doer := &fakeDoer{}
	sbr := NewSafeBrowser(opener, Config{APIKey: "k", Doer: doer, Logger: noopLogger{}})

	listed, lists, err := sbr.IsListed(context.Background(), "http://totally-unlisted-example.org/safe")
	if err != nil {
		t.Fatalf("IsListed failed: %v", err)
	}
	if listed {
		t.Errorf("expected not listed against an empty cache, got lists=%v", lists)
	}
}

func TestSafeBrowserIsListedRejectsEmptyURL(t *testing.T) {
	sbr := NewSafeBrowser(newFakeOpener(), Config{APIKey: "k"})
	if _, _, err := sbr.IsListed(context.Background(), ""); err != ErrEmptyURL {
		t.Fatalf("expected ErrEmptyURL, got %v", err)
	}
}
