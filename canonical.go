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

package safebrowsing

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ipLikeHostRe = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+`)

// Canonicalize normalizes a raw URL to the canonical byte form Safe Browsing
// matches against. It operates on the raw bytes of s, since percent-encoded
// octets on the wire may not be valid UTF-8; malformed input degrades to a
// best-effort canonical form rather than failing.
func Canonicalize(s string) string {
	raw := []byte(s)

	raw = bytes.TrimSpace(raw)
	raw = bytes.ReplaceAll(raw, []byte("\t"), nil)
	raw = bytes.ReplaceAll(raw, []byte("\r"), nil)
	raw = bytes.ReplaceAll(raw, []byte("\n"), nil)

	if idx := bytes.IndexByte(raw, '#'); idx >= 0 {
		raw = raw[:idx]
	}

	if bytes.HasPrefix(raw, []byte("//")) {
		raw = append([]byte("http:"), raw...)
	} else if !bytes.Contains(raw, []byte("://")) {
		raw = append([]byte("http://"), raw...)
	}

	raw = fullUnescape(raw)
	raw = percentEncode(raw)

	scheme, host, port, path, hasQuery, query := splitURLBytes(raw)
	if scheme == "" {
		raw = append([]byte("http://"), raw...)
		scheme, host, port, path, hasQuery, query = splitURLBytes(raw)
	}

	host = normalizeHost(host)
	path = normalizePath(path)

	host = string(percentEncode([]byte(host)))
	path = string(percentEncode([]byte(path)))

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	if port != "" {
		b.WriteString(":")
		b.WriteString(port)
	}
	b.WriteString(path)
	if hasQuery {
		b.WriteString("?")
		b.WriteString(query)
	}
	return b.String()
}

// splitURLBytes decomposes an already percent-encoded, scheme-prefixed URL
// into scheme, host (userinfo dropped), port, path (starting with "/", or
// empty when nothing follows the host), and query. It never re-encodes or unescapes; callers do that.
func splitURLBytes(raw []byte) (scheme, host, port, path string, hasQuery bool, query string) {
	idx := bytes.Index(raw, []byte("://"))
	if idx < 0 {
		return "", "", "", string(raw), false, ""
	}
	scheme = string(raw[:idx])
	rest := raw[idx+3:]

	if qidx := bytes.IndexByte(rest, '?'); qidx >= 0 {
		hasQuery = true
		query = string(rest[qidx+1:])
		rest = rest[:qidx]
	}

	var hostPart, pathPart []byte
	if pidx := bytes.IndexByte(rest, '/'); pidx >= 0 {
		hostPart = rest[:pidx]
		pathPart = rest[pidx:]
	} else {
		hostPart = rest
		pathPart = nil
	}

	if aidx := bytes.IndexByte(hostPart, '@'); aidx >= 0 {
		hostPart = hostPart[aidx+1:]
	}
	if cidx := bytes.LastIndexByte(hostPart, ':'); cidx >= 0 {
		host = string(hostPart[:cidx])
		port = string(hostPart[cidx+1:])
	} else {
		host = string(hostPart)
	}
	path = string(pathPart)
	return scheme, host, port, path, hasQuery, query
}

func normalizeHost(host string) string {
	hb := fullUnescape([]byte(host))
	hb = bytes.Trim(hb, ".")
	hb = collapseDots(hb)
	h := strings.ToLower(string(hb))

	if isAllDigits(h) {
		if v, err := strconv.ParseUint(h, 10, 64); err == nil && v <= 0xFFFFFFFF {
			h = dottedIPv4(uint32(v))
		}
		return h
	}
	if strings.HasPrefix(h, "0x") && !strings.Contains(h, ".") {
		if v, err := strconv.ParseUint(h[2:], 16, 64); err == nil && v <= 0xFFFFFFFF {
			h = dottedIPv4(uint32(v))
		}
		return h
	}
	return h
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func dottedIPv4(v uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func collapseDots(b []byte) []byte {
	out := make([]byte, 0, len(b))
	prevDot := false
	for _, c := range b {
		if c == '.' {
			if prevDot {
				continue
			}
			prevDot = true
		} else {
			prevDot = false
		}
		out = append(out, c)
	}
	return out
}

func normalizePath(path string) string {
	pb := fullUnescape([]byte(path))
	if len(pb) == 0 {
		return "/"
	}
	hadTrailingSlash := pb[len(pb)-1] == '/'
	cleaned := cleanPosixPath(string(pb))
	if hadTrailingSlash && !strings.HasSuffix(cleaned, "/") {
		cleaned += "/"
	}
	return cleaned
}

// cleanPosixPath resolves "." and ".." segments and collapses repeated "/"
// the way posixpath.normpath does, always preserving a leading "/".
func cleanPosixPath(p string) string {
	if p == "" {
		return "/"
	}
	segments := strings.Split(p, "/")
	var stack []string
	for _, seg := range segments {
		switch seg {
		case "", ".":
			// collapses repeated slashes and drops "." segments
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, seg)
		}
	}
	return "/" + strings.Join(stack, "/")
}

// fullUnescape repeatedly percent-decodes s until a fixed point is reached,
// leaving malformed %XX sequences untouched.
func fullUnescape(s []byte) []byte {
	for {
		next := percentUnescapeOnce(s)
		if bytes.Equal(next, s) {
			return s
		}
		s = next
	}
}

func percentUnescapeOnce(s []byte) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			out = append(out, hexVal(s[i+1])<<4|hexVal(s[i+2]))
			i += 3
			continue
		}
		out = append(out, s[i])
		i++
	}
	return out
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

const hexDigits = "0123456789ABCDEF"

// percentEncode escapes every byte outside {0x21..0x7E} \ {'%','#'}.
func percentEncode(s []byte) []byte {
	out := make([]byte, 0, len(s))
	for _, c := range s {
		if c >= 0x21 && c <= 0x7E && c != '%' && c != '#' {
			out = append(out, c)
			continue
		}
		out = append(out, '%', hexDigits[c>>4], hexDigits[c&0xF])
	}
	return out
}

// Permutations enumerates the host-suffix + path-prefix candidate strings
// Safe Browsing considers equivalent to canonical for matching purposes, in
// first-seen order with duplicates removed.
func Permutations(canonical string) []string {
	_, host, _, path, hasQuery, query := splitURLBytes([]byte(canonical))
	pathAndQuery := path
	if hasQuery {
		pathAndQuery += "?" + query
	}

	seen := make(map[string]bool)
	var out []string
	for _, h := range hostSuffixes(host) {
		for _, p := range pathPrefixes(pathAndQuery) {
			combo := h + p
			if !seen[combo] {
				seen[combo] = true
				out = append(out, combo)
			}
		}
	}
	return out
}

func hostSuffixes(host string) []string {
	if ipLikeHostRe.MatchString(host) {
		return []string{host}
	}
	parts := strings.Split(host, ".")
	l := len(parts)
	if l > 5 {
		l = 5
	}
	var out []string
	if l > 4 {
		out = append(out, host)
	}
	for i := 0; i < l-1; i++ {
		lastN := l - i
		out = append(out, strings.Join(parts[len(parts)-lastN:], "."))
	}
	return out
}

func pathPrefixes(pathAndQuery string) []string {
	out := []string{pathAndQuery}

	remainder := pathAndQuery
	hasQuery := false
	if idx := strings.IndexByte(pathAndQuery, '?'); idx >= 0 {
		remainder = pathAndQuery[:idx]
		hasQuery = true
	}
	if hasQuery {
		out = append(out, remainder)
	}

	segments := strings.Split(remainder, "/")
	if len(segments) > 0 {
		segments = segments[:len(segments)-1]
	}
	n := 4
	if len(segments) < n {
		n = len(segments)
	}
	curr := ""
	for i := 0; i < n; i++ {
		curr = curr + segments[i] + "/"
		out = append(out, curr)
	}
	return out
}

// FullHashes computes the SHA-256 of every canonicalization permutation of
// url, in the same order Permutations returns them.
func FullHashes(url string) [][32]byte {
	perms := Permutations(Canonicalize(url))
	out := make([][32]byte, len(perms))
	for i, p := range perms {
		out[i] = sha256.Sum256([]byte(p))
	}
	return out
}
