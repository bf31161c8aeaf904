package safebrowsing

import (
	"bytes"
	"crypto/sha256"
	"sort"
)

// ChecksumSortedPrefixes computes SHA-256 over values sorted lexicographically
// and concatenated — the checksum invariant of spec.md I2. values is not
// mutated.
func ChecksumSortedPrefixes(values [][]byte) []byte {
	sorted := make([][]byte, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i], sorted[j]) < 0
	})
	h := sha256.New()
	for _, v := range sorted {
		h.Write(v)
	}
	return h.Sum(nil)
}
