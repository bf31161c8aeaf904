/*
Copyright (c) 2013, Richard Johnson
All rights reserved.

Redistribution and use in source and binary forms, with or without
modification, are permitted provided that the following conditions are met:
 * Redistributions of source code must retain the above copyright notice, this
   list of conditions and the following disclaimer.
 * Redistributions in binary form must reproduce the above copyright notice,
   this list of conditions and the following disclaimer in the documentation
   and/or other materials provided with the distribution.

THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS" AND
ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE IMPLIED
WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.
*/

// Package safebrowsing implements a client for the Safe Browsing v4 Update
// API: local prefix-list synchronization, checksum-verified incremental
// updates, and URL lookups served from cache except when a prefix match
// forces a full-hash confirmation against the remote service.
package safebrowsing

import "fmt"

// ThreatListId identifies one threat list as a (threatType, platformType,
// threatEntryType) triple. Equality and ordering are componentwise.
type ThreatListId struct {
	ThreatType      string
	PlatformType    string
	ThreatEntryType string
}

func (id ThreatListId) String() string {
	return fmt.Sprintf("%s/%s/%s", id.ThreatType, id.PlatformType, id.ThreatEntryType)
}

// Less gives ThreatListId a total order, used only to produce a stable
// iteration order (e.g. for logging); it has no protocol significance.
func (id ThreatListId) Less(other ThreatListId) bool {
	if id.ThreatType != other.ThreatType {
		return id.ThreatType < other.ThreatType
	}
	if id.PlatformType != other.PlatformType {
		return id.PlatformType < other.PlatformType
	}
	return id.ThreatEntryType < other.ThreatEntryType
}

// ThreatListState is the locally-held sync position for a list: the
// server-issued clientState token plus the last time it advanced.
type ThreatListState struct {
	Id           ThreatListId
	ClientState  []byte // nil if never synced
	UpdatedAtSec int64
}

// HashPrefix is one stored prefix row. Cue is always value[:4] and exists
// as its own field purely so storage backends can index on it without
// computing a substring at query time.
type HashPrefix struct {
	Value             []byte
	Cue               [4]byte
	ListId            ThreatListId
	NegativeExpiresAt int64
}

// NewHashPrefix derives Cue from Value; Value must be at least 4 bytes.
func NewHashPrefix(value []byte, listId ThreatListId, negativeExpiresAt int64) HashPrefix {
	hp := HashPrefix{
		Value:             append([]byte(nil), value...),
		ListId:            listId,
		NegativeExpiresAt: negativeExpiresAt,
	}
	copy(hp.Cue[:], value[:4])
	return hp
}

// FullHash is a positive-cache row: a full 32-byte SHA-256 known to belong
// to ListId until ExpiresAtSec.
type FullHash struct {
	Value             [32]byte
	ListId            ThreatListId
	DownloadedAtSec   int64
	ExpiresAtSec      int64
	MalwareThreatType string // empty if absent
}

// Expired reports whether this full hash is no longer an authoritative hit.
func (fh FullHash) Expired(now int64) bool {
	return fh.ExpiresAtSec < now
}

// PrefixLookupResult is one row of storage.lookup_hash_prefix's result:
// a distinct prefix value, and whether any row carrying it has an expired
// negative cache.
type PrefixLookupResult struct {
	Value      []byte
	AnyExpired bool
}

// FullHashLookupResult is one row of storage.lookup_full_hashes's result.
type FullHashLookupResult struct {
	ListId     ThreatListId
	HasExpired bool
}

const schemaVersionKey = "schema_version"

// CurrentSchemaVersion is bumped whenever the on-disk layout changes in a
// way that isn't forward-compatible; sqlstore.Open reinitializes the cache
// when the stored value doesn't match.
const CurrentSchemaVersion = "1"
