package imapfetch

import (
	"strings"
)

// Matcher reports whether a header field with name should be included.
type Matcher func(fields []string, name []byte) bool

// ParseFields parses a header field list like "(SUBJECT FROM)", as follows
// HEADER.FIELDS. Names are uppercased. Everything after the closing parenthesis
// is ignored. A malformed list results in fewer or no names, not an error.
func ParseFields(s string) []string {
	s = strings.TrimLeft(s, " ")
	s = strings.TrimPrefix(s, "(")
	if i := strings.IndexByte(s, ')'); i >= 0 {
		s = s[:i]
	}
	var l []string
	for _, t := range strings.Split(s, " ") {
		if t != "" {
			l = append(l, strings.ToUpper(t))
		}
	}
	return l
}

// MatchInclude returns whether name is in fields, compared ASCII
// case-insensitively. Only complete names match, a name that is a prefix of a
// field or the other way around does not. An empty name never matches.
func MatchInclude(fields []string, name []byte) bool {
	if len(name) == 0 {
		return false
	}
	for _, f := range fields {
		if f != "" && equalFoldBytes(name, f) {
			return true
		}
	}
	return false
}

// MatchExclude is the negation of MatchInclude.
func MatchExclude(fields []string, name []byte) bool {
	return !MatchInclude(fields, name)
}

// MatchMIME returns whether name is a MIME header field: Content-* or
// Mime-Version. Fields are ignored.
func MatchMIME(fields []string, name []byte) bool {
	if len(name) > 8 && equalFoldBytes(name[:8], "Content-") {
		return true
	}
	return len(name) == 12 && equalFoldBytes(name, "Mime-Version")
}

func equalFoldBytes(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := range b {
		if upper(b[i]) != upper(s[i]) {
			return false
		}
	}
	return true
}
