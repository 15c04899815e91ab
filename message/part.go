// Package message holds the parsed MIME structure of a message and helpers to
// read its header fields.
package message

import (
	"fmt"
	"strings"
)

// Size of a header or body.
type Size struct {
	Physical int64 // Octets as stored.
	Virtual  int64 // Octets when bare LF line endings are sent as CRLF.
}

// Add returns the sum of both sizes.
func (s Size) Add(o Size) Size {
	return Size{s.Physical + o.Physical, s.Virtual + o.Virtual}
}

// Flags for a part.
type Flags uint8

const (
	FlagMultipart Flags = 1 << iota // Content-Type multipart/* with a boundary.
)

// Part is a node in the MIME structure of a message. The top-level message is
// a part too. Parts reference each other by index in Structure.Parts.
type Part struct {
	PhysicalPos int64 // Offset in message where the header of this part starts.
	HeaderSize  Size  // Including the empty line that ends the header, if present.
	BodySize    Size

	Flags        Flags
	MediaType    string // Upper case, e.g. "TEXT".
	MediaSubType string // Upper case, e.g. "PLAIN".

	FirstChild int // Index of first subpart, -1 if none.
	Next       int // Index of next sibling within the same parent, -1 if none.
}

// IsMultipart returns whether subparts of this part are addressed by number.
func (p Part) IsMultipart() bool {
	return p.Flags&FlagMultipart != 0
}

// BodyOffset returns the offset in the message where the body of the part starts.
func (p Part) BodyOffset() int64 {
	return p.PhysicalPos + p.HeaderSize.Physical
}

// Structure is the MIME structure of a message, stored as an arena of parts.
// Parts[0] is the top-level message.
type Structure struct {
	Parts []Part
}

// Root returns the index of the top-level part.
func (s *Structure) Root() int {
	return 0
}

// Child returns the index of subpart num (starting at 1) of part i.
func (s *Structure) Child(i, num int) (int, bool) {
	if num <= 0 || i < 0 || i >= len(s.Parts) {
		return -1, false
	}
	c := s.Parts[i].FirstChild
	for ; num > 1 && c >= 0; num-- {
		c = s.Parts[c].Next
	}
	return c, c >= 0
}

// Children returns the indices of the direct subparts of part i, in order.
func (s *Structure) Children(i int) []int {
	var l []int
	for c := s.Parts[i].FirstChild; c >= 0; c = s.Parts[c].Next {
		l = append(l, c)
	}
	return l
}

// String returns the tree for debugging, one part per line, with the part
// number as used in IMAP sections.
func (s *Structure) String() string {
	var b strings.Builder
	var walk func(i int, name string)
	walk = func(i int, name string) {
		p := s.Parts[i]
		display := name
		if display == "" {
			display = "root"
		}
		fmt.Fprintf(&b, "%s %s/%s pos %d header %d/%d body %d/%d\n", display, p.MediaType, p.MediaSubType, p.PhysicalPos, p.HeaderSize.Physical, p.HeaderSize.Virtual, p.BodySize.Physical, p.BodySize.Virtual)
		for n, c := range s.Children(i) {
			cname := fmt.Sprintf("%d", n+1)
			if name != "" {
				cname = name + "." + cname
			}
			walk(c, cname)
		}
	}
	if len(s.Parts) > 0 {
		walk(0, "")
	}
	return b.String()
}
