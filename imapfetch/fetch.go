// Package imapfetch writes IMAP BODY[section] responses for a message.
//
// A section is resolved against the MIME structure of the message, the data is
// optionally filtered to header fields, and written as a literal with a size
// that always matches the data that follows.
package imapfetch

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mjl-/sectfetch/message"
	"github.com/mjl-/sectfetch/metrics"
	"github.com/mjl-/sectfetch/mlog"
	"github.com/mjl-/sectfetch/msgio"
)

var pkglog = mlog.New("imapfetch", nil)

// MaxHeaderSize is the largest header, in virtual size, that is filtered for
// HEADER.FIELDS, HEADER.FIELDS.NOT and MIME. The filtered header is buffered.
var MaxHeaderSize int64 = 1 << 20

// Source provides the data of a message.
type Source interface {
	// Message returns the whole message, or only its body, and its size.
	Message(withHeader bool) (io.Reader, message.Size, error)

	// Open returns a reader for the message data from its start.
	Open() (io.Reader, error)

	// Header returns the message header, including the empty line that ends it,
	// and its size.
	Header() (io.Reader, message.Size, error)

	// Structure returns the parsed MIME structure.
	Structure() (*message.Structure, error)
}

// Window is the <skip.max> partial range of a fetch.
type Window struct {
	Skip    int64
	MaxSize int64 // Negative is unbounded.

	// Whether "<skip>" is added to the response. Does not change the data sent.
	SkipSet bool
}

// Unbounded is the window for a fetch without partial range.
var Unbounded = Window{MaxSize: -1}

// Context is used for the sections of a single FETCH response line.
type Context struct {
	W      io.Writer
	First  bool // Whether no fragment has been written yet, so no leading space is needed.
	Source Source
	Log    mlog.Log
	UID    int64  // For logging.

	fatal *Error
}

func (c *Context) log() mlog.Log {
	if c.Log.Logger == nil {
		return pkglog
	}
	return c.Log
}

// Err returns the fatal error that ended the response, if any.
func (c *Context) Err() error {
	if c.fatal == nil {
		return nil
	}
	return c.fatal
}

// FetchBodySection writes a response fragment for BODY[section] with window win.
// The error, always of type *Error, tells whether other sections can still be
// written. After a fatal error, all calls return that error.
func (c *Context) FetchBodySection(section string, win Window) error {
	if c.fatal != nil {
		return c.fatal
	}
	if win.Skip < 0 {
		win.Skip = 0
	}

	kind := sectionKind(section)
	err := c.fetch(section, win)
	if err == nil {
		metrics.SectionInc(kind, "ok")
		return nil
	}
	metrics.SectionInc(kind, err.Kind.String())
	attrs := []slog.Attr{slog.String("section", section), slog.Any("uid", c.UID)}
	if err.Fatal() {
		c.fatal = err
		c.log().Infox("fetching body section, response cannot continue", err, attrs...)
	} else {
		c.log().Debugx("fetching body section", err, attrs...)
	}
	return err
}

func sectionKind(section string) string {
	switch {
	case section == "":
		return "message"
	case equalFold(section, "TEXT"):
		return "text"
	case equalFold(section, "HEADER"):
		return "header"
	case hasPrefixFold(section, "HEADER"):
		return "headerfields"
	case isDigit(section[0]):
		i := 0
		for i < len(section) && (isDigit(section[i]) || section[i] == '.') {
			i++
		}
		if hasPrefixFold(section[i:], "HEADER") || equalFold(section[i:], "MIME") {
			return "partheader"
		}
		return "part"
	}
	return "unknown"
}

func (c *Context) fetch(section string, win Window) *Error {
	switch {
	case section == "":
		return c.fetchMessage(section, win, true)
	case equalFold(section, "TEXT"):
		return c.fetchMessage(section, win, false)
	case hasPrefixFold(section, "HEADER"):
		r, size, err := c.Source.Header()
		if err != nil {
			return xerr(KindSource, false, "getting header: %w", err)
		}
		return c.fetchHeader(section, section, win, r, size)
	case isDigit(section[0]):
		return c.fetchPart(section, win)
	}
	return &Error{KindUnrecognized, false, ErrUnrecognized}
}

func (c *Context) fetchMessage(section string, win Window, withHeader bool) *Error {
	r, size, err := c.Source.Message(withHeader)
	if err != nil {
		return xerr(KindSource, false, "getting message: %w", err)
	}
	return c.send(section, win, r, size)
}

func (c *Context) fetchPart(section string, win Window) *Error {
	st, err := c.Source.Structure()
	if err != nil {
		return xerr(KindSource, false, "getting message structure: %w", err)
	}
	index, rest, err := FindPart(st, section)
	if err != nil {
		return &Error{KindNotFound, false, err}
	}
	part := st.Parts[index]

	body := rest == "" || equalFold(rest, "TEXT")
	if !body && !hasPrefixFold(rest, "HEADER") && !equalFold(rest, "MIME") {
		return &Error{KindUnrecognized, false, ErrUnrecognized}
	}

	r, err := c.Source.Open()
	if err != nil {
		return xerr(KindSource, false, "opening message: %w", err)
	}
	if body {
		if err := skip(r, part.BodyOffset()); err != nil {
			return xerr(KindSource, false, "seeking to part body: %w", err)
		}
		return c.send(section, win, io.LimitReader(r, part.BodySize.Physical), part.BodySize)
	}
	if err := skip(r, part.PhysicalPos); err != nil {
		return xerr(KindSource, false, "seeking to part header: %w", err)
	}
	return c.fetchHeader(section, rest, win, io.LimitReader(r, part.HeaderSize.Physical), part.HeaderSize)
}

// skip positions r at offset n.
func skip(r io.Reader, n int64) error {
	if s, ok := r.(io.Seeker); ok {
		_, err := s.Seek(n, io.SeekStart)
		return err
	}
	k, err := io.CopyN(io.Discard, r, n)
	if err == io.EOF {
		return fmt.Errorf("%w: at offset %d, expected %d", msgio.ErrShortSource, k, n)
	}
	return err
}

// fetchHeader writes a header, or the selected fields of the header. Kind is
// the HEADER or MIME part of section.
func (c *Context) fetchHeader(section, kind string, win Window, r io.Reader, size message.Size) *Error {
	if equalFold(kind, "HEADER") {
		return c.send(section, win, r, size)
	}

	var fields []string
	var match Matcher
	switch {
	case hasPrefixFold(kind, "HEADER.FIELDS "):
		fields = ParseFields(kind[len("HEADER.FIELDS "):])
		match = MatchInclude
	case hasPrefixFold(kind, "HEADER.FIELDS.NOT "):
		fields = ParseFields(kind[len("HEADER.FIELDS.NOT "):])
		match = MatchExclude
	case equalFold(kind, "MIME"):
		match = MatchMIME
	}

	var buf []byte
	if match != nil {
		if size.Virtual > MaxHeaderSize {
			return xerr(KindSource, false, "%w: %d bytes, max %d", ErrHeaderTooLarge, size.Virtual, MaxHeaderSize)
		}
		buf = make([]byte, 0, size.Virtual)
		n, err := CopyHeaderFields(r, buf, fields, match)
		if err != nil {
			return xerr(KindSource, false, "filtering header fields: %w", err)
		}
		buf = buf[:n]
	}
	// Other HEADER forms select no fields.

	n := msgio.WindowSize(int64(len(buf)), win.Skip, win.MaxSize)
	if err := c.writePrefix(section, win, n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if _, err := c.W.Write(buf[win.Skip : win.Skip+n]); err != nil {
		return xerr(KindTransport, true, "writing header fields: %w", err)
	}
	metrics.LiteralBytesAdd(n)
	return nil
}

// send writes the window of the data in r as literal.
func (c *Context) send(section string, win Window, r io.Reader, size message.Size) *Error {
	n := msgio.WindowSize(size.Virtual, win.Skip, win.MaxSize)
	if err := c.writePrefix(section, win, n); err != nil {
		return err
	}
	written, err := msgio.SendWindow(c.W, r, size.Virtual, win.Skip, win.MaxSize)
	metrics.LiteralBytesAdd(written)
	if errors.Is(err, msgio.ErrWrite) {
		return xerr(KindTransport, true, "writing literal: %w", err)
	} else if err != nil {
		return xerr(KindSource, true, "reading message data: %w", err)
	}
	return nil
}

// writePrefix writes the response item and literal size, e.g. ` BODY[1]<10> {5}`.
func (c *Context) writePrefix(section string, win Window, n int64) *Error {
	s := "BODY[" + section + "]"
	if win.SkipSet {
		s += fmt.Sprintf("<%d>", win.Skip)
	}
	if !c.First {
		s = " " + s
	}
	s += fmt.Sprintf(" {%d}\r\n", n)
	if _, err := io.WriteString(c.W, s); err != nil {
		return xerr(KindTransport, false, "writing response: %w", err)
	}
	c.First = false
	return nil
}
