package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mjl-/sectfetch/imapfetch"
	"github.com/mjl-/sectfetch/message"
	"github.com/mjl-/sectfetch/mlog"
)

// Cache gives access to the data of a single stored message, for fetching body
// sections. The file is opened and the structure parsed when first needed. A
// Cache is not safe for concurrent use.
type Cache struct {
	ctx   context.Context
	log   mlog.Log
	store *Store
	m     Message

	f  *os.File
	st *message.Structure
}

var _ imapfetch.Source = (*Cache)(nil)

// Cache returns a cache for message id. Close must be called when done.
func (s *Store) Cache(ctx context.Context, log mlog.Log, id int64) (*Cache, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Cache{ctx: ctx, log: log, store: s, m: m, st: m.Structure()}, nil
}

// Msg returns the stored message, with the structure if it was parsed.
func (c *Cache) Msg() Message {
	return c.m
}

// Prepare ensures the data for flags is available, as returned by
// imapfetch.Requirements.
func (c *Cache) Prepare(flags imapfetch.CacheFlags) error {
	if flags&imapfetch.CacheOpen != 0 {
		if err := c.open(); err != nil {
			return err
		}
	}
	if flags&imapfetch.CacheHeaderSize != 0 {
		if _, err := c.headerSize(); err != nil {
			return err
		}
	}
	if flags&imapfetch.CachePart != 0 {
		if _, err := c.Structure(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the message file, if opened.
func (c *Cache) Close() error {
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}

func (c *Cache) open() error {
	if c.f != nil {
		return nil
	}
	f, err := os.Open(c.store.MessagePath(c.m.ID))
	if err != nil {
		return fmt.Errorf("open message file: %w", err)
	}
	c.f = f
	return nil
}

// headerSize returns the header size, determining it from the file for
// messages stored without it.
func (c *Cache) headerSize() (message.Size, error) {
	if c.m.HeaderSize.Physical > 0 || c.m.Size == 0 {
		return c.m.HeaderSize, nil
	}
	if err := c.open(); err != nil {
		return message.Size{}, err
	}
	hs, err := message.HeaderSize(c.f, c.m.Size)
	if err != nil {
		return message.Size{}, fmt.Errorf("reading header size: %w", err)
	}
	c.m.HeaderSize = hs
	return hs, nil
}

func (c *Cache) section(offset, size int64) (*io.SectionReader, error) {
	if err := c.open(); err != nil {
		return nil, err
	}
	return io.NewSectionReader(c.f, offset, size), nil
}

func (c *Cache) Open() (io.Reader, error) {
	return c.section(0, c.m.Size)
}

func (c *Cache) Message(withHeader bool) (io.Reader, message.Size, error) {
	total := message.Size{Physical: c.m.Size, Virtual: c.m.VirtualSize}
	if withHeader {
		r, err := c.section(0, c.m.Size)
		return r, total, err
	}
	hs, err := c.headerSize()
	if err != nil {
		return nil, message.Size{}, err
	}
	r, err := c.section(hs.Physical, c.m.Size-hs.Physical)
	return r, message.Size{Physical: total.Physical - hs.Physical, Virtual: total.Virtual - hs.Virtual}, err
}

func (c *Cache) Header() (io.Reader, message.Size, error) {
	hs, err := c.headerSize()
	if err != nil {
		return nil, message.Size{}, err
	}
	r, err := c.section(0, hs.Physical)
	return r, hs, err
}

// Structure returns the MIME structure, parsing the message file and storing the
// result when not yet parsed.
func (c *Cache) Structure() (*message.Structure, error) {
	if c.st != nil {
		return c.st, nil
	}
	if err := c.open(); err != nil {
		return nil, err
	}
	st, err := message.Parse(c.log.Logger, c.f, c.m.Size)
	if err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	if err := c.store.SaveStructure(c.ctx, c.m.ID, st); err != nil {
		// The parsed structure can still be used.
		c.log.Errorx("storing parsed message structure", err, slog.Int64("id", c.m.ID))
	} else {
		c.m.Parsed = true
		c.m.Parts = st.Parts
	}
	c.st = st
	return st, nil
}
