package msgio

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrShortSource is returned by SendWindow when the source has fewer bytes than
	// its declared size.
	ErrShortSource = errors.New("source shorter than declared size")

	// ErrWrite wraps errors from the destination writer of SendWindow.
	ErrWrite = errors.New("write")
)

// WindowSize returns how many bytes are sent for a window starting at skip of at
// most max bytes, in data of size bytes. A negative max is unbounded.
func WindowSize(size, skip, max int64) int64 {
	if skip >= size {
		return 0
	}
	n := size - skip
	if max >= 0 && max < n {
		n = max
	}
	return n
}

// SendWindow reads the stored message data from r, in which bare LF is sent as
// CRLF, and writes the window of WindowSize(size, skip, max) bytes, with skip and
// size in terms of the CRLF-normalized data. It returns the number of bytes
// written. Errors from w are wrapped with ErrWrite.
func SendWindow(w io.Writer, r io.Reader, size, skip, max int64) (int64, error) {
	n := WindowSize(size, skip, max)
	if n == 0 {
		return 0, nil
	}
	cr := &crlfReader{r: r}
	if skip > 0 {
		if k, err := io.CopyN(io.Discard, cr, skip); err == io.EOF {
			return 0, fmt.Errorf("%w: skipped %d of %d bytes", ErrShortSource, k, skip)
		} else if err != nil {
			return 0, fmt.Errorf("skipping to offset: %w", err)
		}
	}
	ew := &errWriter{w: w}
	written, err := io.CopyN(ew, cr, n)
	if ew.err != nil {
		return written, fmt.Errorf("%w: %w", ErrWrite, ew.err)
	} else if err == io.EOF {
		return written, fmt.Errorf("%w: sent %d of %d bytes", ErrShortSource, written, n)
	} else if err != nil {
		return written, fmt.Errorf("reading source: %w", err)
	}
	return written, nil
}

// errWriter remembers a write error, to tell it apart from read errors in io.Copy.
type errWriter struct {
	w   io.Writer
	err error
}

func (w *errWriter) Write(buf []byte) (int, error) {
	n, err := w.w.Write(buf)
	if err != nil {
		w.err = err
	}
	return n, err
}

// crlfReader reads from r, inserting a \r before each \n that is not preceded by
// a \r.
type crlfReader struct {
	r         io.Reader
	buf       []byte
	prevCR    bool
	pendingLF bool
}

func (r *crlfReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var n int
	if r.pendingLF {
		p[0] = '\n'
		n = 1
		r.pendingLF = false
		r.prevCR = false
		if n == len(p) {
			return n, nil
		}
	}

	// Read at most half of the remaining space, room for a \r for each byte.
	m := max((len(p)-n)/2, 1)
	if cap(r.buf) < m {
		r.buf = make([]byte, m)
	}
	k, err := r.r.Read(r.buf[:m])
	for _, c := range r.buf[:k] {
		if c == '\n' && !r.prevCR {
			p[n] = '\r'
			n++
			if n == len(p) {
				r.pendingLF = true
				break
			}
		}
		p[n] = c
		n++
		r.prevCR = c == '\r'
	}
	if r.pendingLF && err == io.EOF {
		err = nil
	}
	return n, err
}
