package imapfetch

import (
	"strings"
)

// CacheFlags indicates what a message cache must provide before a section can
// be fetched.
type CacheFlags uint8

const (
	CachePart       CacheFlags = 1 << iota // Parsed MIME structure.
	CacheOpen                              // Message data can be read.
	CacheHeaderSize                        // Size of the message header is known.
)

func (f CacheFlags) String() string {
	var l []string
	if f&CachePart != 0 {
		l = append(l, "part")
	}
	if f&CacheOpen != 0 {
		l = append(l, "open")
	}
	if f&CacheHeaderSize != 0 {
		l = append(l, "headersize")
	}
	if len(l) == 0 {
		return "none"
	}
	return strings.Join(l, ",")
}

// Requirements returns the cache requirements for fetching section. Zero is
// returned for an unrecognized section. Body-only fetches do not require the
// header size, so partial fetches of the body don't force parsing the header.
func Requirements(section string) CacheFlags {
	switch {
	case section != "" && isDigit(section[0]):
		return CachePart | CacheOpen
	case section == "" || equalFold(section, "TEXT"):
		return CacheOpen
	case hasPrefixFold(section, "HEADER") || equalFold(section, "MIME"):
		return CacheHeaderSize | CacheOpen
	}
	return 0
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - ('a' - 'A')
	}
	return c
}

// equalFold compares ASCII case-insensitively. Unlike strings.EqualFold, it
// does not fold non-ASCII characters like U+017F to ASCII.
func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if upper(a[i]) != upper(b[i]) {
			return false
		}
	}
	return true
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && equalFold(s[:len(prefix)], prefix)
}
