package safebrowsing

import "testing"

func TestCanonicalizeVectors(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"http://host/%25%32%35", "http://host/%25"},
		{"http://host/%25%32%35%25%32%35", "http://host/%25%25"},
		{"http://host/%2525252525252525", "http://host/%25"},
		{"http://host/asdf%25%32%35asd", "http://host/asdf%25asd"},
		{"http://host/%%%25%32%35asd%%", "http://host/%25%25%25asd%25%25"},
		{"http://www.google.com/", "http://www.google.com/"},
		{"http://3279880203/blah", "http://195.127.0.11/blah"},
		{"http://0xc37f000b/blah", "http://195.127.0.11/blah"},
		{"http://www.google.com/blah/..", "http://www.google.com/"},
		{"www.google.com/", "http://www.google.com/"},
		{"www.google.com", "http://www.google.com/"},
		{"http://www.evil.com/blah#frag", "http://www.evil.com/blah"},
		{"http://www.GOOgle.com/", "http://www.google.com/"},
		{"http://www.google.com.../", "http://www.google.com/"},
		{"  http://www.google.com/  ", "http://www.google.com/"},
		{"http://host.com//twoslashes?more//slashes", "http://host.com/twoslashes?more//slashes"},
		{"http://host.com/notrailingslash", "http://host.com/notrailingslash"},
		{"http://www.google.com/q?", "http://www.google.com/q?"},
		{"http://www.google.com/q?r?", "http://www.google.com/q?r?"},
		{"http://www.google.com/q?r?s", "http://www.google.com/q?r?s"},
		{"http://evil.com/foo;?bar=baz#quux", "http://evil.com/foo;?bar=baz"},
		{"http://%31%36%38%2e%31%38%38%2e%39%39%2e%32%36/%2E%73%65%63%75%72%65/%77%77%77%2E%65%62%61%79%2E%63%6F%6D/",
			"http://168.188.99.26/.secure/www.ebay.com/"},
		{"http://195.127.0.11/blah", "http://195.127.0.11/blah"},
		{"http://host.com/ab%23cd", "http://host.com/ab%23cd"},
		{"http://host.com/ab%25cd", "http://host.com/ab%25cd"},
		{"http://host.com/ab%00cd", "http://host.com/ab%00cd"},
	}
	for _, c := range cases {
		if got := Canonicalize(c.in); got != c.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestCanonicalizeControlCharacters(t *testing.T) {
	in := "http://www.google.com/foo\tbar\rbaz\n2"
	want := "http://www.google.com/foobarbaz2"
	if got := Canonicalize(in); got != want {
		t.Errorf("Canonicalize(%q) = %q, want %q", in, got, want)
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	inputs := []string{
		"http://host/%25%32%35",
		"http://3279880203/blah",
		"http://www.google.com/blah/..",
		"www.google.com/",
		"http://host.com//twoslashes?more//slashes",
	}
	for _, in := range inputs {
		once := Canonicalize(in)
		twice := Canonicalize(once)
		if once != twice {
			t.Errorf("Canonicalize not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestPermutationsExactOrder(t *testing.T) {
	canonical := Canonicalize("http://a.b.c/1/2.html?param=1")
	want := []string{
		"a.b.c/1/2.html?param=1",
		"a.b.c/1/2.html",
		"a.b.c/",
		"a.b.c/1/",
		"b.c/1/2.html?param=1",
		"b.c/1/2.html",
		"b.c/",
		"b.c/1/",
	}
	got := Permutations(canonical)
	if len(got) != len(want) {
		t.Fatalf("Permutations(%q) = %v, want %v", canonical, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Permutations[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestPermutationsLongHostDropsNoneButCapsSuffixes(t *testing.T) {
	canonical := "http://a.b.c.d.e.f.g/1.html"
	want := []string{
		"a.b.c.d.e.f.g/1.html",
		"a.b.c.d.e.f.g/",
		"c.d.e.f.g/1.html",
		"c.d.e.f.g/",
		"d.e.f.g/1.html",
		"d.e.f.g/",
		"e.f.g/1.html",
		"e.f.g/",
		"f.g/1.html",
		"f.g/",
	}
	got := Permutations(canonical)
	if len(got) != len(want) {
		t.Fatalf("Permutations(%q) = %v, want %v", canonical, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Permutations[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestPermutationsIPHostOnlyYieldsItself(t *testing.T) {
	canonical := "http://1.2.3.4/1/"
	got := Permutations(canonical)
	if len(got) == 0 {
		t.Fatalf("Permutations(%q) returned none", canonical)
	}
	for _, p := range got {
		if len(p) < len("1.2.3.4") || p[:len("1.2.3.4")] != "1.2.3.4" {
			t.Errorf("expected every permutation to keep the full IP host, got %q", p)
		}
	}
}

func TestFullHashesMatchesPermutationCount(t *testing.T) {
	hashes := FullHashes("http://a.b.c/1/2.html?param=1")
	if len(hashes) != 8 {
		t.Fatalf("FullHashes returned %d hashes, want 8", len(hashes))
	}
}
