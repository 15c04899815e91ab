// Package fetchserver serves body section fetches of stored messages over a
// line-based protocol resembling IMAP.
//
// A request is "<tag> FETCH <id> <item>...", with items like
// "BODY[1.HEADER.FIELDS (TO)]<0.100>". The response is an untagged FETCH
// response followed by a tagged OK, NO or BAD result. NOOP and LOGOUT are also
// recognized.
package fetchserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mjl-/sectfetch/imapfetch"
	"github.com/mjl-/sectfetch/metrics"
	"github.com/mjl-/sectfetch/mlog"
	"github.com/mjl-/sectfetch/msgio"
	"github.com/mjl-/sectfetch/store"
)

var pkglog = mlog.New("fetchserver", nil)

var errIO = errors.New("io error")             // For read/write errors and errors that should close the connection.
var errProtocol = errors.New("protocol error") // For protocol errors for which a stack trace should be printed.

var cleanClose struct{} // Sentinel value for panic/recover indicating clean close of connection.

// Server handles connections for a store.
type Server struct {
	Store       *store.Store
	MaxLineSize int // Default 8k.

	bufpoolOnce sync.Once
	bufpool     *msgio.Bufpool
	cid         atomic.Int64
	conns       sync.WaitGroup
}

func (s *Server) lineBufpool() *msgio.Bufpool {
	s.bufpoolOnce.Do(func() {
		size := s.MaxLineSize
		if size <= 0 {
			size = 8 * 1024
		}
		s.bufpool = msgio.NewBufpool(8, size)
	})
	return s.bufpool
}

// Serve accepts connections on ln until ctx is canceled, then closes ln and
// waits for open connections to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		err := ln.Close()
		pkglog.Check(err, "closing listener")
	})
	defer stop()
	defer s.conns.Wait()

	pkglog.Print("listening for fetch requests", slog.Any("addr", ln.Addr()))
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				pkglog.Infox("accept", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.ServeConn(ctx, nc)
		}()
	}
}

type conn struct {
	srv  *Server
	ctx  context.Context
	cid  int64
	conn net.Conn
	tr   *msgio.TraceReader
	tw   *msgio.TraceWriter
	br   *bufio.Reader
	bw   *bufio.Writer
	log  mlog.Log

	lastLine string
	ncmds    int
}

// ServeConn handles requests on nc and closes it when done.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) {
	c := &conn{
		srv:  s,
		ctx:  ctx,
		cid:  s.cid.Add(1),
		conn: nc,
	}
	c.log = pkglog.WithCid(c.cid)
	c.tr = msgio.NewTraceReader(c.log, "C: ", c.conn)
	c.tw = msgio.NewTraceWriter(c.log, "S: ", c)
	c.br = bufio.NewReader(c.tr)
	c.bw = bufio.NewWriter(c.tw)

	c.log.Info("new connection", slog.Any("remote", c.conn.RemoteAddr()), slog.Any("local", c.conn.LocalAddr()))

	// Stop reading when shutting down. A pending read returns with an error.
	stop := context.AfterFunc(ctx, func() {
		err := nc.SetReadDeadline(time.Now())
		c.log.Check(err, "setting read deadline for shutdown")
	})
	defer stop()

	defer func() {
		c.conn.Close()

		x := recover()
		if x == nil || x == cleanClose {
			c.log.Info("connection closed")
		} else if err, ok := x.(error); ok && isClosed(err) {
			c.log.Infox("connection closed", err)
		} else {
			c.log.Error("unhandled panic", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc("fetchserver")
		}
	}()

	c.writelinef("* OK sectfetch ready")

	for {
		c.command()
		c.xflush()
	}
}

// isClosed returns whether i/o failed, typically because the connection is closed.
func isClosed(err error) bool {
	return errors.Is(err, errIO) || errors.Is(err, errProtocol) || msgio.IsClosed(err)
}

// Write makes a connection an io.Writer. Errors are marked with errIO.
func (c *conn) Write(buf []byte) (int, error) {
	err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Minute))
	c.log.Check(err, "setting write deadline")
	n, err := c.conn.Write(buf)
	if err != nil {
		return n, fmt.Errorf("write: %s (%w)", err, errIO)
	}
	return n, nil
}

func (c *conn) readline() string {
	if c.ctx.Err() != nil {
		c.writelinef("* BYE shutting down")
		panic(fmt.Errorf("shutting down (%w)", errIO))
	}
	err := c.conn.SetReadDeadline(time.Now().Add(30 * time.Minute))
	c.log.Check(err, "setting read deadline")

	line, err := c.srv.lineBufpool().Readline(c.log, c.br)
	if err != nil && errors.Is(err, msgio.ErrLineTooLong) {
		c.writelinef("* BYE line too long")
		panic(fmt.Errorf("%s (%w)", err, errProtocol))
	} else if err != nil {
		panic(fmt.Errorf("%s (%w)", err, errIO))
	}
	c.lastLine = line
	return line
}

func (c *conn) writelinef(format string, args ...any) {
	c.bwritelinef(format, args...)
	c.xflush()
}

// Buffer line for write.
func (c *conn) bwritelinef(format string, args ...any) {
	format += "\r\n"
	fmt.Fprintf(c.bw, format, args...)
}

func (c *conn) xflush() {
	if err := c.bw.Flush(); err != nil {
		panic(fmt.Errorf("flush: %w", err))
	}
}

// xtrace flushes pending data and sets the trace level for reading and writing,
// returning a function that restores the trace level.
func (c *conn) xtrace(level slog.Level) func() {
	c.xflush()
	c.tr.SetTrace(level)
	c.tw.SetTrace(level)
	return func() {
		c.xflush()
		c.tr.SetTrace(mlog.LevelTrace)
		c.tw.SetTrace(mlog.LevelTrace)
	}
}

func (c *conn) command() {
	var tag, cmd string
	cmdStart := time.Now()

	defer func() {
		logAttrs := []slog.Attr{
			slog.String("cmd", cmd),
			slog.Duration("duration", time.Since(cmdStart)),
		}

		first := c.ncmds == 0
		c.ncmds++

		x := recover()
		if x == nil || x == cleanClose {
			c.log.Debugx("command done", nil, logAttrs...)
			if x == cleanClose {
				panic(x)
			}
			return
		}
		err, ok := x.(error)
		if !ok {
			c.log.Errorx("command panic", nil, append([]slog.Attr{slog.Any("panic", x)}, logAttrs...)...)
			panic(x)
		}

		var sxerr syntaxError
		var uerr userError
		var serr serverError
		if isClosed(err) {
			c.log.Infox("command ioerror", err, logAttrs...)
			if errors.Is(err, errProtocol) {
				debug.PrintStack()
			}
			panic(err)
		} else if errors.As(err, &sxerr) {
			if first {
				c.writelinef("* BYE please try again speaking this protocol")
				panic(errIO)
			}
			c.log.Debugx("command syntax error", sxerr.err, logAttrs...)
			c.log.Info("syntax error", slog.String("lastline", c.lastLine))
			c.bwritelinef("%s BAD %s %s", tag, cmd, sxerr.errmsg)
		} else if errors.As(err, &serr) {
			c.log.Errorx("command server error", err, logAttrs...)
			c.bwritelinef("%s NO %s %v", tag, cmd, err)
		} else if errors.As(err, &uerr) {
			c.log.Debugx("command user error", err, logAttrs...)
			c.bwritelinef("%s NO %s %v", tag, cmd, err)
		} else {
			c.log.Errorx("command panic", err, logAttrs...)
			panic(err)
		}
	}()

	tag = "*"
	line := c.readline()
	t := strings.SplitN(line, " ", 3)
	if len(t) < 2 || t[0] == "" {
		xsyntaxErrorf("expected tag and command")
	}
	tag = t[0]
	cmd = strings.ToLower(t[1])
	var args string
	if len(t) == 3 {
		args = t[2]
	}

	switch cmd {
	case "noop":
		c.bwritelinef("%s OK NOOP done", tag)
	case "logout":
		c.writelinef("* BYE thanks")
		c.writelinef("%s OK LOGOUT done", tag)
		panic(cleanClose)
	case "fetch":
		c.cmdFetch(tag, args)
	default:
		xsyntaxErrorf("unknown command %q", cmd)
	}
}

// Fetch sections of a message.
//
// State: any
func (c *conn) cmdFetch(tag, args string) {
	// Request syntax: <id> <item>...
	ids, itemstr, _ := strings.Cut(args, " ")
	id, err := strconv.ParseInt(ids, 10, 64)
	if err != nil || id <= 0 {
		xsyntaxErrorf("invalid message id %q", ids)
	}
	items, err := ParseItems(itemstr)
	if err != nil {
		xsyntaxErrorf("%v", err)
	}

	cache, err := c.srv.Store.Cache(c.ctx, c.log, id)
	if errors.Is(err, store.ErrUnknownMessage) {
		xuserErrorf("%w", err)
	}
	xcheckf(err, "looking up message")
	defer func() {
		err := cache.Close()
		c.log.Check(err, "closing message cache")
	}()

	restore := c.xtrace(mlog.LevelTracedata)
	errs, err := WriteResponse(c.log, c.bw, id, cache, items)
	if err != nil {
		// The announced literal sizes cannot be honored anymore.
		panic(fmt.Errorf("fetch response aborted: %s (%w)", err, errIO))
	}
	restore()

	bad := 0
	failed := 0
	for _, err := range errs {
		var fe *imapfetch.Error
		if err == nil {
			continue
		} else if errors.As(err, &fe) && fe.Kind == imapfetch.KindUnrecognized {
			bad++
		} else {
			failed++
		}
	}
	switch {
	case bad > 0:
		c.bwritelinef("%s BAD FETCH %d unrecognized sections", tag, bad)
	case failed > 0:
		c.bwritelinef("%s NO FETCH %d sections could not be fetched", tag, failed)
	default:
		c.bwritelinef("%s OK FETCH done", tag)
	}
}
