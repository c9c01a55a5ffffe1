// Package key derives the cache key namespace shared by every service that
// talks to the same backend. Derivation is deterministic and pure: the same
// logical lookup always renders the same byte sequence, and two distinct
// logical entities can never render the same key, because every dynamic
// segment is escaped before separators are applied.
package key

import (
	"fmt"
	"strings"
)

// Namespace prefixes every key written by this module so that unrelated
// users of a shared backend cannot collide with it.
const Namespace = "hoard"

const sep = ":"

// escaper neutralises the segment separator and the Redis glob
// metacharacters inside dynamic segments, so that no two distinct logical
// keys can render identically.
var escaper = strings.NewReplacer(
	`\`, `\\`,
	sep, `\:`,
	`*`, `\*`,
	`?`, `\?`,
	`[`, `\[`,
	`]`, `\]`,
)

// globEscaper makes a rendered segment safe to embed literally in a MATCH
// glob. The rendered form already contains backslashes from escaper, and a
// backslash is itself glob-significant, so patterns escape the rendered
// bytes once more.
var globEscaper = strings.NewReplacer(
	`\`, `\\`,
	`*`, `\*`,
	`?`, `\?`,
	`[`, `\[`,
	`]`, `\]`,
)

// patternSegment renders raw exactly as String does, then glob-escapes the
// result so a pattern built from it matches only that literal segment.
func patternSegment(raw string) string {
	return globEscaper.Replace(escaper.Replace(raw))
}

// Key identifies one cache entry: an entity type (the logical namespace), the
// entity's identity in the source of record, and an optional variant
// discriminator for caller-specific derived values (for example a per-user
// computed price). The zero Key is not valid.
type Key struct {
	EntityType string
	Identity   string
	Variant    string
}

// New returns the key for a globally shared entity.
func New(entityType, identity string) Key {
	return Key{EntityType: entityType, Identity: identity}
}

// NewVariant returns the key for a caller-specific derived value.
func NewVariant(entityType, identity, variant string) Key {
	return Key{EntityType: entityType, Identity: identity, Variant: variant}
}

// String renders the backend key: hoard:<type>:<identity>[:<variant>].
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(Namespace)
	b.WriteString(sep)
	b.WriteString(escaper.Replace(k.EntityType))
	b.WriteString(sep)
	b.WriteString(escaper.Replace(k.Identity))
	if k.Variant != "" {
		b.WriteString(sep)
		b.WriteString(escaper.Replace(k.Variant))
	}
	return b.String()
}

// TypePattern returns a backend MATCH glob covering every key of the given
// entity type, used for administrative flush.
func TypePattern(entityType string) string {
	return Namespace + sep + patternSegment(entityType) + sep + "*"
}

// VariantPattern returns a backend MATCH glob covering every variant key of
// one identity, used for invalidation fan-out. It deliberately excludes the
// base key (delete that exactly) and cannot over-match a longer identity
// sharing the same prefix, because variants always follow a separator that
// would be escaped inside an identity.
func VariantPattern(entityType, identity string) string {
	return Namespace + sep + patternSegment(entityType) + sep + patternSegment(identity) + sep + "*"
}

// Parse is the inverse of String. It rejects keys outside the module
// namespace and keys with a malformed segment count.
func Parse(s string) (Key, error) {
	segs, err := splitEscaped(s)
	if err != nil {
		return Key{}, err
	}
	if len(segs) < 3 || len(segs) > 4 || segs[0] != Namespace {
		return Key{}, fmt.Errorf("key: malformed key %q", s)
	}
	k := Key{EntityType: segs[1], Identity: segs[2]}
	if len(segs) == 4 {
		k.Variant = segs[3]
	}
	return k, nil
}

// splitEscaped splits s on unescaped separators and unescapes each segment.
func splitEscaped(s string) ([]string, error) {
	var segs []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 >= len(s) {
				return nil, fmt.Errorf("key: dangling escape in %q", s)
			}
			i++
			cur.WriteByte(s[i])
		case sep[0]:
			segs = append(segs, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(s[i])
		}
	}
	segs = append(segs, cur.String())
	return segs, nil
}
