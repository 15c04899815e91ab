package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/emersion/go-mbox"

	"github.com/mjl-/sectfetch/mlog"
	"github.com/mjl-/sectfetch/store"
)

func cmdImport(c *cmd) {
	c.params = "file ..."
	c.help = `Import messages from files, one message per file.

The message files are copied into the data directory. The ID of each new message
is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	ctx := context.Background()
	_, s := mustOpenStore(ctx)
	defer func() {
		err := s.Close()
		c.log.Check(err, "closing store")
	}()

	for _, p := range args {
		f, err := os.Open(p)
		xcheckf(err, "open message file")
		m, err := s.Add(ctx, c.log, f)
		f.Close()
		xcheckf(err, "importing %s", p)
		fmt.Printf("%d %s\n", m.ID, p)
	}
}

func cmdImportmbox(c *cmd) {
	c.params = "mbox"
	c.help = `Import messages from an mbox file.

Messages are separated by "From " lines, which are not part of the stored
messages. The number of imported messages is printed.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	ctx := context.Background()
	_, s := mustOpenStore(ctx)
	defer func() {
		err := s.Close()
		c.log.Check(err, "closing store")
	}()

	f, err := os.Open(args[0])
	xcheckf(err, "open mbox")
	defer f.Close()
	n, err := importMbox(ctx, c.log, s, f)
	fmt.Printf("%d messages imported\n", n)
	xcheckf(err, "importing mbox")
}

// importMbox adds each message from the mbox in r to s.
func importMbox(ctx context.Context, log mlog.Log, s *store.Store, r io.Reader) (int, error) {
	mr := mbox.NewReader(r)
	n := 0
	for {
		msgr, err := mr.NextMessage()
		if err == io.EOF {
			return n, nil
		} else if err != nil {
			return n, fmt.Errorf("reading message %d from mbox: %w", n+1, err)
		}
		m, err := s.Add(ctx, log, msgr)
		if err != nil {
			return n, fmt.Errorf("adding message %d: %w", n+1, err)
		}
		log.Debug("imported message from mbox", slog.Int64("id", m.ID), slog.Int("index", n))
		n++
	}
}
