package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/mjl-/sectfetch/fetchserver"
	"github.com/mjl-/sectfetch/message"
	"github.com/mjl-/sectfetch/mlog"
	"github.com/mjl-/sectfetch/store"
)

func xparseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		log.Fatalf("invalid message id %q", s)
	}
	return id
}

func cmdList(c *cmd) {
	c.help = `List stored messages.

For each message, the ID, size, whether its MIME structure has been parsed,
the Message-ID and the subject are printed.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	ctx := context.Background()
	_, s := mustOpenStore(ctx)
	defer func() {
		err := s.Close()
		c.log.Check(err, "closing store")
	}()

	l, err := s.List(ctx)
	xcheckf(err, "listing messages")
	err = writeList(os.Stdout, l)
	xcheckf(err, "write")
}

func writeList(w io.Writer, l []store.Message) error {
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "id\tsize\tparsed\tmessageid\tsubject\n")
	for _, m := range l {
		fmt.Fprintf(tw, "%d\t%d\t%v\t%s\t%s\n", m.ID, m.Size, m.Parsed, m.MessageID, m.Subject)
	}
	return tw.Flush()
}

func cmdParts(c *cmd) {
	c.params = "id"
	c.help = `Print the MIME structure of a message.

Each part is printed with its part number, offset, header and body sizes, and
media type. The structure is parsed and stored if not done before.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	id := xparseID(args[0])

	ctx := context.Background()
	_, s := mustOpenStore(ctx)
	defer func() {
		err := s.Close()
		c.log.Check(err, "closing store")
	}()

	mc, err := s.Cache(ctx, c.log, id)
	xcheckf(err, "looking up message")
	defer mc.Close()
	st, err := mc.Structure()
	xcheckf(err, "parsing message")
	err = writeParts(os.Stdout, st)
	xcheckf(err, "write")
}

func writeParts(w io.Writer, st *message.Structure) error {
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "part\toffset\theader\tbody\ttype\n")
	var walk func(i int, name string)
	walk = func(i int, name string) {
		p := st.Parts[i]
		label := name
		if label == "" {
			label = "root"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d/%d\t%d/%d\t%s/%s\n", label, p.PhysicalPos, p.HeaderSize.Physical, p.HeaderSize.Virtual, p.BodySize.Physical, p.BodySize.Virtual, p.MediaType, p.MediaSubType)
		for n, ci := range st.Children(i) {
			cname := strconv.Itoa(n + 1)
			if name != "" {
				cname = name + "." + cname
			}
			walk(ci, cname)
		}
	}
	walk(st.Root(), "")
	return tw.Flush()
}

func cmdFetch(c *cmd) {
	c.params = "id item ..."
	c.help = `Fetch body sections of a message.

Items are like "BODY[1.2.HEADER.FIELDS (TO)]<0.100>", and can be given as
separate arguments or as a single parenthesized list. The untagged FETCH
response is written to stdout, as it would be written by serve.
`
	args := c.Parse()
	if len(args) < 2 {
		c.Usage()
	}
	id := xparseID(args[0])

	ctx := context.Background()
	_, s := mustOpenStore(ctx)
	defer func() {
		err := s.Close()
		c.log.Check(err, "closing store")
	}()

	bw := bufio.NewWriter(os.Stdout)
	err := fetchMessage(ctx, c.log, bw, s, id, strings.Join(args[1:], " "))
	ferr := bw.Flush()
	xcheckf(err, "fetch")
	xcheckf(ferr, "write")
}

// fetchMessage writes a FETCH response for the items in itemstr of message id.
// Items that could not be fetched are reported as error, after the response.
func fetchMessage(ctx context.Context, log mlog.Log, w io.Writer, s *store.Store, id int64, itemstr string) error {
	items, err := fetchserver.ParseItems(itemstr)
	if err != nil {
		return err
	}
	mc, err := s.Cache(ctx, log, id)
	if err != nil {
		return err
	}
	defer func() {
		err := mc.Close()
		log.Check(err, "closing message cache")
	}()
	errs, err := fetchserver.WriteResponse(log, w, id, mc, items)
	if err != nil {
		return err
	}
	var l []error
	for i, err := range errs {
		if err != nil {
			l = append(l, fmt.Errorf("BODY[%s]: %w", items[i].Section, err))
		}
	}
	return errors.Join(l...)
}

func cmdRemove(c *cmd) {
	c.params = "id ..."
	c.help = `Remove messages from the store, with their message files.`
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

	for _, a := range args {
		err := s.Remove(ctx, c.log, xparseID(a))
		xcheckf(err, "removing message %s", a)
	}
}
