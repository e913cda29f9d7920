// Package keys derives deterministic cache keys from prefixes, symbol sets,
// and query parameters. Identical logical requests must always land on the
// same storage key regardless of input ordering.
package keys

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Separator joins key segments; Wildcard matches any suffix in SCAN
// patterns.
const (
	Separator = ":"
	Wildcard  = "*"
)

// Default key namespaces.
const (
	PrefixSmartCache  = "smart-cache"
	PrefixStreamCache = "stream-cache"
	PrefixCommonCache = "common-cache"
)

// Reserved sub-prefixes; user keys must not collide with these.
const (
	SubPrefixMetadata = "metadata"
	SubPrefixStats    = "stats"
	SubPrefixConfig   = "config"
	SubPrefixHealth   = "health"
)

// Symbol lists above this size are hashed instead of joined.
const maxInlineSymbols = 5

// hashHexLen is how many hex chars of the SHA-1 digest make up a hashed
// symbol segment.
const hashHexLen = 16

var (
	ErrEmptyPrefix  = errors.New("cache key prefix cannot be empty")
	ErrNoSymbols    = errors.New("cache key requires at least one symbol")
	ErrEmptySegment = errors.New("cache key segment cannot be empty")
)

// Builder validates and assembles cache keys. The zero value applies no
// length limit.
type Builder struct {
	MaxKeyLength int
}

// NewBuilder returns a Builder enforcing the given maximum key length.
func NewBuilder(maxKeyLength int) *Builder {
	return &Builder{MaxKeyLength: maxKeyLength}
}

// Build assembles `prefix:symbols-or-hash[:params]`.
//
// One symbol is appended verbatim. Two to five symbols are sorted ascending
// and joined with "|". Larger sets are normalized (trimmed, upper-cased,
// deduplicated, sorted) and replaced by "hash:" plus the first 16 hex chars
// of their SHA-1. Params are appended as one "k:v|k2:v2" segment with keys
// sorted lexicographically.
func (b *Builder) Build(prefix string, syms []string, params map[string]string) (string, error) {
	if strings.TrimSpace(prefix) == "" {
		return "", ErrEmptyPrefix
	}
	if len(syms) == 0 {
		return "", ErrNoSymbols
	}

	parts := []string{prefix}

	switch {
	case len(syms) == 1:
		parts = append(parts, syms[0])
	case len(syms) <= maxInlineSymbols:
		sorted := make([]string, len(syms))
		copy(sorted, syms)
		sort.Strings(sorted)
		parts = append(parts, strings.Join(sorted, "|"))
	default:
		parts = append(parts, hashSymbols(syms))
	}

	if len(params) > 0 {
		parts = append(parts, paramSegment(params))
	}

	return b.join(parts)
}

// hashSymbols normalizes the set and digests it so oversized symbol lists
// produce bounded keys.
func hashSymbols(syms []string) string {
	seen := make(map[string]bool, len(syms))
	norm := make([]string, 0, len(syms))
	for _, s := range syms {
		u := strings.ToUpper(strings.TrimSpace(s))
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		norm = append(norm, u)
	}
	sort.Strings(norm)

	sum := sha1.Sum([]byte(strings.Join(norm, "|")))
	return "hash:" + hex.EncodeToString(sum[:])[:hashHexLen]
}

// paramSegment renders params as "k:v|k2:v2" with keys sorted so that maps
// with identical contents always serialize identically.
func paramSegment(params map[string]string) string {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, k := range names {
		pairs = append(pairs, k+":"+params[k])
	}
	return strings.Join(pairs, "|")
}

func (b *Builder) join(parts []string) (string, error) {
	if len(parts) < 2 {
		return "", ErrNoSymbols
	}
	for _, p := range parts {
		if p == "" {
			return "", ErrEmptySegment
		}
	}

	key := strings.Join(parts, Separator)
	if b.MaxKeyLength > 0 && len(key) > b.MaxKeyLength {
		return "", fmt.Errorf("cache key length %d exceeds limit %d", len(key), b.MaxKeyLength)
	}
	return key, nil
}

// Namespaced prepends a namespace prefix to an already-built key.
func Namespaced(namespace, key string) string {
	return namespace + Separator + key
}

// Pattern builds a SCAN match pattern for every key under the namespace.
func Pattern(namespace, suffix string) string {
	if suffix == "" {
		suffix = Wildcard
	}
	return namespace + Separator + suffix
}
