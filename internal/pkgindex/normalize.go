// Package pkgindex provides the leaf types shared by the mirroring
// engine: release file metadata with content digests, and the canonical
// package name normalization rules of the simple index.
package pkgindex

import (
	"regexp"
	"strings"
)

var separatorRuns = regexp.MustCompile(`[-_.]+`)

// Normalize canonicalizes a package name: case folding plus collapsing
// any run of "-", "_", and "." into a single "-".  The operation is
// idempotent, so normalized names pass through unchanged.
func Normalize(name string) string {
	return separatorRuns.ReplaceAllString(strings.ToLower(name), "-")
}

// IsNormalized returns true if name is already in canonical form.
func IsNormalized(name string) bool {
	return name == Normalize(name)
}

// HashPrefix returns the shard directory for a normalized package name
// when hash-index layout is enabled.  The scheme is the first rune of
// the normalized name and is a fixed contract: changing it would orphan
// every sharded directory in an existing mirror tree.
func HashPrefix(normalized string) string {
	if normalized == "" {
		return ""
	}
	return string([]rune(normalized)[0])
}
