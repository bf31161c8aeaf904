package safebrowsing

import "context"

// Config configures a SafeBrowser. Doer and Logger are optional; a nil
// Doer uses http.DefaultClient, a nil Logger discards everything.
type Config struct {
	APIKey              string
	ClientId            string
	ClientVersion       string
	BaseURL             string // default https://safebrowsing.googleapis.com/v4
	Doer                httpDoer
	Logger              Logger
	DisableThrottleWait bool // debug switch; must be logged when set
}

// SafeBrowser is the process-lifetime facade wiring one Storage backend to
// one Transport through the Sync and Lookup Engines. Construct once per
// database and hold it for as long as the process runs.
type SafeBrowser struct {
	engine *Engine
	logger Logger
}

// NewSafeBrowser builds a SafeBrowser against an already-opened Storage
// backend (typically *sqlstore.DB, which satisfies txOpener structurally;
// the concrete backend package is never imported here to avoid a cycle
// with sqlstore's own dependency on this package's types).
func NewSafeBrowser(db txOpener, cfg Config) *SafeBrowser {
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	transport := NewTransport(TransportConfig{
		Doer:                cfg.Doer,
		BaseURL:             cfg.BaseURL,
		APIKey:              cfg.APIKey,
		ClientId:            cfg.ClientId,
		ClientVersion:       cfg.ClientVersion,
		Logger:              logger,
		DisableThrottleWait: cfg.DisableThrottleWait,
	})
	return &SafeBrowser{
		engine: NewEngine(db, transport, logger),
		logger: logger,
	}
}

// UpdatePass runs one Sync Engine update pass. Callers that need a
// long-running sync loop call this on a cadence of their own choosing
// (spec.md §7's "sleep 3 seconds between passes" policy lives in the CLI,
// not here, since this library imposes no scheduling model of its own).
func (b *SafeBrowser) UpdatePass(ctx context.Context) error {
	return b.engine.UpdatePass(ctx)
}

// LookupURL returns every threat list url belongs to, or nil if clean.
func (b *SafeBrowser) LookupURL(ctx context.Context, url string) ([]ThreatListId, error) {
	return b.engine.LookupURL(ctx, url)
}

// IsListed is a convenience wrapper over LookupURL for callers that only
// care whether url is blacklisted at all, generalizing the teacher's
// single-list-name v2 return value to v4's "belongs to zero or more lists"
// model.
func (b *SafeBrowser) IsListed(ctx context.Context, url string) (bool, []ThreatListId, error) {
	lists, err := b.LookupURL(ctx, url)
	if err != nil {
		return false, nil, err
	}
	return len(lists) > 0, lists, nil
}
