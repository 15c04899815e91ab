package fetchserver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-imap"

	"github.com/mjl-/sectfetch/imapfetch"
	"github.com/mjl-/sectfetch/mlog"
)

var errBadItem = errors.New("bad fetch item")

// Item is a parsed BODY[section]<partial> fetch item.
type Item struct {
	// Text between the brackets, passed on as is. Malformed sections are left to
	// the fetch, which does not find them.
	Section string
	Window  imapfetch.Window
	Peek    bool
}

// ParseItem parses a fetch item like "BODY[1.HEADER.FIELDS (TO)]<0.100>".
func ParseItem(s string) (Item, error) {
	open := strings.IndexByte(s, '[')
	end := strings.LastIndexByte(s, ']')
	if open < 0 || end < open {
		return Item{}, fmt.Errorf("%w: missing brackets in %q", errBadItem, s)
	}
	name := strings.ToUpper(s[:open])
	if name != "BODY" && name != "BODY.PEEK" {
		return Item{}, fmt.Errorf("%w: unsupported item %q", errBadItem, s)
	}
	// Section syntax is checked by go-imap, for the partial range and to reject
	// items that would not be a single atom or list.
	bsn, err := imap.ParseBodySectionName(imap.FetchItem(name + s[open:]))
	if err != nil {
		return Item{}, fmt.Errorf("%w: %v", errBadItem, err)
	}

	it := Item{Section: s[open+1 : end], Window: imapfetch.Unbounded, Peek: bsn.Peek}
	switch len(bsn.Partial) {
	case 0:
	case 1, 2:
		if bsn.Partial[0] < 0 {
			return Item{}, fmt.Errorf("%w: negative partial offset %d", errBadItem, bsn.Partial[0])
		}
		it.Window = imapfetch.Window{Skip: int64(bsn.Partial[0]), MaxSize: -1, SkipSet: true}
		if len(bsn.Partial) == 2 {
			if bsn.Partial[1] < 0 {
				return Item{}, fmt.Errorf("%w: negative partial length %d", errBadItem, bsn.Partial[1])
			}
			it.Window.MaxSize = int64(bsn.Partial[1])
		}
	}
	return it, nil
}

// SplitItems splits s on spaces outside brackets and parentheses. An outer
// parenthesized list, as in "(BODY[1] BODY[2])", is unwrapped.
func SplitItems(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = s[1 : len(s)-1]
	}
	var l []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[', '(':
			depth++
		case ']', ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%w: unbalanced %q at offset %d", errBadItem, s[i], i)
			}
		case ' ':
			if depth > 0 {
				continue
			}
			if i > start {
				l = append(l, s[start:i])
			}
			start = i + 1
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("%w: unbalanced brackets", errBadItem)
	}
	if start < len(s) {
		l = append(l, s[start:])
	}
	if len(l) == 0 {
		return nil, fmt.Errorf("%w: no fetch items", errBadItem)
	}
	return l, nil
}

// ParseItems splits and parses the fetch items in s.
func ParseItems(s string) ([]Item, error) {
	words, err := SplitItems(s)
	if err != nil {
		return nil, err
	}
	items := make([]Item, len(words))
	for i, w := range words {
		items[i], err = ParseItem(w)
		if err != nil {
			return nil, err
		}
	}
	return items, nil
}

// Requirements returns the combined cache requirements of items.
func Requirements(items []Item) imapfetch.CacheFlags {
	var f imapfetch.CacheFlags
	for _, it := range items {
		f |= imapfetch.Requirements(it.Section)
	}
	return f
}

// Preparer is implemented by sources that load message data ahead of a fetch,
// like store.Cache.
type Preparer interface {
	Prepare(flags imapfetch.CacheFlags) error
}

// WriteResponse writes an untagged FETCH response for message id with each of
// items, e.g.:
//
//	* 1 FETCH (BODY[1] {5}
//	hello BODY[2] {5}
//	world)
//
// Items that cannot be fetched are left out, errs has the failure per item,
// nil for items that were written. A non-nil fatal error means the response is
// incomplete and the output stream cannot be used anymore.
//
// If src is a Preparer, the data needed by items is prepared first. A failure
// to prepare does not fail the response, only the sections that need the data.
func WriteResponse(log mlog.Log, w io.Writer, id int64, src imapfetch.Source, items []Item) (errs []error, fatal error) {
	if p, ok := src.(Preparer); ok {
		if err := p.Prepare(Requirements(items)); err != nil {
			log.Debugx("preparing message for fetch", err, slog.Int64("id", id))
		}
	}
	if _, err := fmt.Fprintf(w, "* %d FETCH (", id); err != nil {
		return nil, fmt.Errorf("writing response: %w", err)
	}
	fc := &imapfetch.Context{W: w, First: true, Source: src, Log: log, UID: id}
	errs = make([]error, len(items))
	for i, it := range items {
		err := fc.FetchBodySection(it.Section, it.Window)
		if err == nil {
			continue
		}
		if fe, ok := err.(*imapfetch.Error); ok && fe.Fatal() {
			return errs, err
		}
		errs[i] = err
	}
	if _, err := io.WriteString(w, ")\r\n"); err != nil {
		return errs, fmt.Errorf("writing response: %w", err)
	}
	return errs, nil
}
