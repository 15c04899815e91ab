package imapfetch

import (
	"bytes"
	"fmt"
	"io"

	"github.com/mjl-/sectfetch/message"
)

// CopyHeaderFields reads the header fields from r and copies the fields
// accepted by match into dst. Line endings are written as CRLF, including after
// the last line of each field. Copying stops with ErrHeaderOverflow when the
// capacity of dst is reached. When dst has capacity for the virtual size of the
// header, that only happens for a header ending at EOF without line ending.
func CopyHeaderFields(r io.Reader, dst []byte, fields []string, match Matcher) (int, error) {
	b := headerBuf{buf: dst[:0]}
	hs := message.NewHeaderScanner(r)
	for hs.Next() {
		f := hs.Field()
		if !match(fields, f.Name) {
			continue
		}
		if err := b.appendCRLF(f.Span()); err != nil {
			return len(b.buf), err
		}
		if err := b.append(crlf); err != nil {
			return len(b.buf), err
		}
	}
	if err := hs.Err(); err != nil {
		return len(b.buf), fmt.Errorf("reading header: %w", err)
	}
	return len(b.buf), nil
}

var crlf = []byte("\r\n")

// headerBuf is a buffer with fixed capacity.
type headerBuf struct {
	buf []byte
}

func (b *headerBuf) append(p []byte) error {
	if len(b.buf)+len(p) > cap(b.buf) {
		return fmt.Errorf("%w: %d bytes in buffer of %d", ErrHeaderOverflow, len(b.buf)+len(p), cap(b.buf))
	}
	b.buf = append(b.buf, p...)
	return nil
}

// appendCRLF appends p, inserting a \r before each \n without \r.
func (b *headerBuf) appendCRLF(p []byte) error {
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			return b.append(p)
		}
		if i > 0 && p[i-1] == '\r' {
			if err := b.append(p[:i+1]); err != nil {
				return err
			}
		} else {
			if err := b.append(p[:i]); err != nil {
				return err
			}
			if err := b.append(crlf); err != nil {
				return err
			}
		}
		p = p[i+1:]
	}
	return nil
}
