package safebrowsing

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// httpDoer is satisfied by *http.Client; tests inject a fake to avoid real
// network calls.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// UpdateResponse is one per-list result of ThreatListUpdatesFetch, with
// additions/removals already decoded and flattened to the shapes Sync
// Engine applies directly.
type UpdateResponse struct {
	ListId         ThreatListId
	FullUpdate     bool // responseType == FULL_UPDATE
	Additions      [][]byte
	RemovalIndices []int
	NewClientState []byte
	ChecksumSHA256 []byte
}

// FullHashMatch is one match row of a FullHashesFind response.
type FullHashMatch struct {
	ListId            ThreatListId
	Hash              [32]byte
	CacheSeconds      int64
	MalwareThreatType string
}

// FullHashResponse is the decoded result of FullHashesFind.
type FullHashResponse struct {
	Matches              []FullHashMatch
	NegativeCacheSeconds int64
}

// Transport wraps the Safe Browsing v4 HTTP/JSON endpoints of spec.md §4.3
// behind the fair-use throttle and retry/backoff policy.
type Transport struct {
	doer          httpDoer
	baseURL       string
	apiKey        string
	clientId      string
	clientVersion string
	logger        Logger

	gate  *throttleGate
	retry *retryPolicy
}

// TransportConfig configures a Transport. Clock and RNG are overridable
// for deterministic tests; a nil value uses the real wall clock / a
// time-seeded RNG.
type TransportConfig struct {
	Doer                httpDoer
	BaseURL             string // default https://safebrowsing.googleapis.com/v4
	APIKey              string
	ClientId            string
	ClientVersion       string
	Logger              Logger
	DisableThrottleWait bool // debug switch; must be logged when set

	clock clock
	rng   *retryPolicy
}

func NewTransport(cfg TransportConfig) *Transport {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://safebrowsing.googleapis.com/v4"
	}
	if cfg.Doer == nil {
		cfg.Doer = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.clock == nil {
		cfg.clock = realClock{}
	}
	if cfg.rng == nil {
		cfg.rng = newRetryPolicy(nil)
	}
	return &Transport{
		doer:          cfg.Doer,
		baseURL:       cfg.BaseURL,
		apiKey:        cfg.APIKey,
		clientId:      cfg.ClientId,
		clientVersion: cfg.ClientVersion,
		logger:        cfg.Logger,
		gate:          newThrottleGate(cfg.clock, cfg.Logger, cfg.DisableThrottleWait),
		retry:         cfg.rng,
	}
}

type clientInfo struct {
	ClientId      string `json:"clientId"`
	ClientVersion string `json:"clientVersion"`
}

func (t *Transport) client() clientInfo {
	return clientInfo{ClientId: t.clientId, ClientVersion: t.clientVersion}
}

// ThreatListsList wraps threatLists.list.
func (t *Transport) ThreatListsList(ctx context.Context) ([]ThreatListId, error) {
	body, err := t.call(ctx, http.MethodGet, "/threatLists", nil)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		ThreatLists []struct {
			ThreatType      string `json:"threatType"`
			PlatformType    string `json:"platformType"`
			ThreatEntryType string `json:"threatEntryType"`
		} `json:"threatLists"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("decode threatLists.list response: %w", err)}
	}
	out := make([]ThreatListId, len(decoded.ThreatLists))
	for i, e := range decoded.ThreatLists {
		out[i] = ThreatListId{ThreatType: e.ThreatType, PlatformType: e.PlatformType, ThreatEntryType: e.ThreatEntryType}
	}
	return out, nil
}

type listUpdateRequest struct {
	ThreatType      string `json:"threatType"`
	PlatformType    string `json:"platformType"`
	ThreatEntryType string `json:"threatEntryType"`
	State           string `json:"state,omitempty"`
	Constraints     struct {
		SupportedCompressions []string `json:"supportedCompressions"`
	} `json:"constraints"`
}

// ThreatListUpdatesFetch wraps threatListUpdates.fetch.
func (t *Transport) ThreatListUpdatesFetch(ctx context.Context, clientStates map[ThreatListId][]byte) ([]UpdateResponse, error) {
	reqs := make([]listUpdateRequest, 0, len(clientStates))
	for id, state := range clientStates {
		lu := listUpdateRequest{ThreatType: id.ThreatType, PlatformType: id.PlatformType, ThreatEntryType: id.ThreatEntryType}
		if len(state) > 0 {
			lu.State = base64.StdEncoding.EncodeToString(state)
		}
		lu.Constraints.SupportedCompressions = []string{"RAW"}
		reqs = append(reqs, lu)
	}
	reqBody, err := json.Marshal(struct {
		Client             clientInfo          `json:"client"`
		ListUpdateRequests []listUpdateRequest `json:"listUpdateRequests"`
	}{Client: t.client(), ListUpdateRequests: reqs})
	if err != nil {
		return nil, &PermanentError{Err: err}
	}

	body, err := t.call(ctx, http.MethodPost, "/threatListUpdates:fetch", reqBody)
	if err != nil {
		return nil, err
	}

	if mwd := gjson.GetBytes(body, "minimumWaitDuration"); mwd.Exists() {
		if d, ok := parseDurationSeconds(mwd.String()); ok {
			t.gate.record(d)
		}
	}

	var decoded struct {
		ListUpdateResponses []struct {
			ThreatType      string `json:"threatType"`
			PlatformType    string `json:"platformType"`
			ThreatEntryType string `json:"threatEntryType"`
			ResponseType    string `json:"responseType"`
			Additions       []struct {
				RawHashes struct {
					PrefixSize int    `json:"prefixSize"`
					RawHashes  string `json:"rawHashes"`
				} `json:"rawHashes"`
			} `json:"additions"`
			Removals []struct {
				RawIndices struct {
					Indices []int `json:"indices"`
				} `json:"rawIndices"`
			} `json:"removals"`
			NewClientState string `json:"newClientState"`
			Checksum       struct {
				Sha256 string `json:"sha256"`
			} `json:"checksum"`
		} `json:"listUpdateResponses"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("decode threatListUpdates.fetch response: %w", err)}
	}

	out := make([]UpdateResponse, 0, len(decoded.ListUpdateResponses))
	for _, r := range decoded.ListUpdateResponses {
		ur := UpdateResponse{
			ListId:     ThreatListId{ThreatType: r.ThreatType, PlatformType: r.PlatformType, ThreatEntryType: r.ThreatEntryType},
			FullUpdate: r.ResponseType == "FULL_UPDATE",
		}
		for _, add := range r.Additions {
			raw, err := base64.StdEncoding.DecodeString(add.RawHashes.RawHashes)
			if err != nil {
				return nil, &PermanentError{Err: fmt.Errorf("decode rawHashes for %s: %w", ur.ListId, err)}
			}
			size := add.RawHashes.PrefixSize
			if size <= 0 {
				continue
			}
			for i := 0; i+size <= len(raw); i += size {
				ur.Additions = append(ur.Additions, append([]byte(nil), raw[i:i+size]...))
			}
		}
		for _, rem := range r.Removals {
			ur.RemovalIndices = append(ur.RemovalIndices, rem.RawIndices.Indices...)
		}
		if r.NewClientState != "" {
			state, err := base64.StdEncoding.DecodeString(r.NewClientState)
			if err != nil {
				return nil, &PermanentError{Err: fmt.Errorf("decode newClientState for %s: %w", ur.ListId, err)}
			}
			ur.NewClientState = state
		}
		if r.Checksum.Sha256 != "" {
			sum, err := base64.StdEncoding.DecodeString(r.Checksum.Sha256)
			if err != nil {
				return nil, &PermanentError{Err: fmt.Errorf("decode checksum for %s: %w", ur.ListId, err)}
			}
			ur.ChecksumSHA256 = sum
		}
		out = append(out, ur)
	}
	return out, nil
}

// FullHashesFind wraps fullHashes.find. lists is the set of currently
// tracked lists, used to populate the union of threat/platform/entry
// types the request declares interest in.
func (t *Transport) FullHashesFind(ctx context.Context, lists []ThreatListId, clientStates map[ThreatListId][]byte, prefixes [][]byte) (FullHashResponse, error) {
	threatTypes := map[string]bool{}
	platformTypes := map[string]bool{}
	entryTypes := map[string]bool{}
	for _, id := range lists {
		threatTypes[id.ThreatType] = true
		platformTypes[id.PlatformType] = true
		entryTypes[id.ThreatEntryType] = true
	}
	states := make([]string, 0, len(clientStates))
	for _, s := range clientStates {
		states = append(states, base64.StdEncoding.EncodeToString(s))
	}
	threatEntries := make([]struct {
		Hash string `json:"hash"`
	}, len(prefixes))
	for i, p := range prefixes {
		threatEntries[i].Hash = base64.StdEncoding.EncodeToString(p)
	}

	reqBody, err := json.Marshal(struct {
		Client       clientInfo `json:"client"`
		ClientStates []string   `json:"clientStates"`
		ThreatInfo   struct {
			ThreatTypes      []string `json:"threatTypes"`
			PlatformTypes    []string `json:"platformTypes"`
			ThreatEntryTypes []string `json:"threatEntryTypes"`
			ThreatEntries    []struct {
				Hash string `json:"hash"`
			} `json:"threatEntries"`
		} `json:"threatInfo"`
	}{
		Client:       t.client(),
		ClientStates: states,
		ThreatInfo: struct {
			ThreatTypes      []string `json:"threatTypes"`
			PlatformTypes    []string `json:"platformTypes"`
			ThreatEntryTypes []string `json:"threatEntryTypes"`
			ThreatEntries    []struct {
				Hash string `json:"hash"`
			} `json:"threatEntries"`
		}{
			ThreatTypes:      sortedKeys(threatTypes),
			PlatformTypes:    sortedKeys(platformTypes),
			ThreatEntryTypes: sortedKeys(entryTypes),
			ThreatEntries:    threatEntries,
		},
	})
	if err != nil {
		return FullHashResponse{}, &PermanentError{Err: err}
	}

	body, err := t.call(ctx, http.MethodPost, "/fullHashes:find", reqBody)
	if err != nil {
		return FullHashResponse{}, err
	}

	if mwd := gjson.GetBytes(body, "minimumWaitDuration"); mwd.Exists() {
		if d, ok := parseDurationSeconds(mwd.String()); ok {
			t.gate.record(d)
		}
	}

	var resp FullHashResponse
	if ncd := gjson.GetBytes(body, "negativeCacheDuration"); ncd.Exists() {
		if secs, ok := parseDurationSeconds(ncd.String()); ok {
			resp.NegativeCacheSeconds = int64(math.Ceil(secs.Seconds()))
		}
	}

	matches := gjson.GetBytes(body, "matches")
	if !matches.Exists() {
		return resp, nil
	}
	var decodeErr error
	matches.ForEach(func(_, match gjson.Result) bool {
		threatHash := match.Get("threat.hash").String()
		hashBytes, err := base64.StdEncoding.DecodeString(threatHash)
		if err != nil || len(hashBytes) != 32 {
			decodeErr = fmt.Errorf("malformed threat.hash in fullHashes.find match: %v", err)
			return false
		}
		var malware string
		match.Get("threatEntryMetadata.entries").ForEach(func(_, entry gjson.Result) bool {
			key, kerr := base64.StdEncoding.DecodeString(entry.Get("key").String())
			if kerr != nil || string(key) != "malware_threat_type" {
				return true
			}
			val, verr := base64.StdEncoding.DecodeString(entry.Get("value").String())
			if verr == nil {
				malware = string(val)
			}
			return false
		})
		var cacheSeconds int64
		if d, ok := parseDurationSeconds(match.Get("cacheDuration").String()); ok {
			cacheSeconds = int64(math.Ceil(d.Seconds()))
		}
		fm := FullHashMatch{
			ListId: ThreatListId{
				ThreatType:      match.Get("threatType").String(),
				PlatformType:    match.Get("platformType").String(),
				ThreatEntryType: match.Get("threatEntryType").String(),
			},
			CacheSeconds:      cacheSeconds,
			MalwareThreatType: malware,
		}
		copy(fm.Hash[:], hashBytes)
		resp.Matches = append(resp.Matches, fm)
		return true
	})
	if decodeErr != nil {
		return FullHashResponse{}, &PermanentError{Err: decodeErr}
	}
	return resp, nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// parseDurationSeconds parses a Safe Browsing "<float>s" duration string
// (spec.md §9 open question), tolerating fractional seconds.
func parseDurationSeconds(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "s")
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(math.Ceil(secs)) * time.Second, true
}

// call performs one throttled, retried HTTP round trip and returns the
// response body.
func (t *Transport) call(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	url := t.baseURL + path + "?key=" + t.apiKey
	serverFailures := 0
	for {
		if err := t.gate.wait(ctx); err != nil {
			return nil, err
		}

		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return nil, &PermanentError{Err: err}
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := t.doer.Do(req)
		if err != nil {
			t.logger.Warn("safebrowsing: socket error calling %s: %v; retrying in %s", path, err, t.retry.socketBackoff())
			if werr := t.sleepFor(ctx, t.retry.socketBackoff()); werr != nil {
				return nil, werr
			}
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.logger.Warn("safebrowsing: socket error reading %s response: %v; retrying in %s", path, err, t.retry.socketBackoff())
			if werr := t.sleepFor(ctx, t.retry.socketBackoff()); werr != nil {
				return nil, werr
			}
			continue
		}

		if resp.StatusCode >= 500 {
			serverFailures++
			delay := t.retry.serverBackoff(serverFailures)
			t.logger.Warn("safebrowsing: server error %d calling %s; retry %d in %s", resp.StatusCode, path, serverFailures, delay)
			if werr := t.sleepFor(ctx, delay); werr != nil {
				return nil, werr
			}
			continue
		}
		if resp.StatusCode >= 400 {
			return nil, &PermanentError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", string(respBody))}
		}
		return respBody, nil
	}
}

func (t *Transport) sleepFor(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.gate.clock.After(d):
		return nil
	}
}
