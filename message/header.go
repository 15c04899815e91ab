package message

import (
	"bufio"
	"bytes"
	"io"
)

// HeaderField is a single header field, including continuation lines.
// The byte slices are only valid until the next call to HeaderScanner.Next.
type HeaderField struct {
	Raw   []byte // Field as read, including line endings.
	Name  []byte // Before the colon, without trailing whitespace.
	Value []byte // After the colon and leading whitespace, through the last continuation line, without its line ending.
	end   int    // Offset in Raw where the value ends.
}

// Span returns the field from the start of its name through the end of its
// value. Line endings of continuation lines are included, the final line ending
// is not.
func (f HeaderField) Span() []byte {
	return f.Raw[:f.end]
}

// HeaderScanner reads the fields of a message header, one at a time. It stops
// at the empty line that separates header and body, or at EOF. A scanner is not
// restartable.
type HeaderScanner struct {
	br    *bufio.Reader
	raw   []byte
	field HeaderField
	err   error
	done  bool
}

// NewHeaderScanner returns a scanner reading a header from r.
func NewHeaderScanner(r io.Reader) *HeaderScanner {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &HeaderScanner{br: br}
}

// Next reads the next field. It returns false at the end of the header or on
// error, see Err.
func (s *HeaderScanner) Next() bool {
	if s.done {
		return false
	}
	s.raw = s.raw[:0]
	for {
		buf, err := s.br.ReadSlice('\n')
		if len(s.raw) == 0 && err == nil && isBlank(buf) {
			s.done = true
			return false
		}
		s.raw = append(s.raw, buf...)
		if err == bufio.ErrBufferFull {
			continue
		} else if err == io.EOF {
			s.done = true
			if len(s.raw) == 0 {
				return false
			}
			break
		} else if err != nil {
			s.err = err
			s.done = true
			return false
		}
		// Complete line, the field continues if the next line starts with whitespace.
		if c, err := s.br.Peek(1); err == nil && (c[0] == ' ' || c[0] == '\t') {
			continue
		}
		break
	}
	s.field = parseField(s.raw)
	return true
}

// Field returns the field read by the last call to Next.
func (s *HeaderScanner) Field() HeaderField {
	return s.field
}

// Err returns the first read error, EOF is not an error.
func (s *HeaderScanner) Err() error {
	return s.err
}

func parseField(raw []byte) HeaderField {
	end := len(raw) - lineEndLen(raw)
	f := HeaderField{Raw: raw, end: end}
	i := bytes.IndexByte(raw[:end], ':')
	if i < 0 {
		// Not a valid field, we keep it so it can still be matched or passed through.
		f.Name = raw[:end]
		f.Value = raw[end:end]
		return f
	}
	f.Name = bytes.TrimRight(raw[:i], " \t")
	v := i + 1
	for v < end && (raw[v] == ' ' || raw[v] == '\t') {
		v++
	}
	f.Value = raw[v:end]
	return f
}

func lineEndLen(buf []byte) int {
	if bytes.HasSuffix(buf, []byte("\r\n")) {
		return 2
	} else if bytes.HasSuffix(buf, []byte("\n")) {
		return 1
	}
	return 0
}

func isBlank(line []byte) bool {
	return len(line) == lineEndLen(line)
}
