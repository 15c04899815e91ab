package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/mjl-/sectfetch/imapfetch"
	"github.com/mjl-/sectfetch/message"
	"github.com/mjl-/sectfetch/mlog"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got %v, expected %v", got, exp)
	}
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(ctxbg, t.TempDir())
	tcheck(t, err, "open store")
	t.Cleanup(func() {
		err := s.Close()
		tcheck(t, err, "close store")
	})
	return s
}

const testMsg = "Message-ID: <abc@example.org>\r\n" +
	"Subject: =?iso-8859-1?q?caf=E9?=\r\n" +
	"Content-Type: multipart/mixed; boundary=b\r\n" +
	"\r\n" +
	"--b\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"hello\r\n" +
	"--b\r\n" +
	"\r\n" +
	"world\r\n" +
	"--b--\r\n"

func TestMessagePath(t *testing.T) {
	tcompare(t, MessagePath(1), "a/1")
	tcompare(t, MessagePath(8191), "a/8191")
	tcompare(t, MessagePath(8192), "b/8192")
	tcompare(t, MessagePath(64*8192), "ab/524288")
}

func TestAdd(t *testing.T) {
	log := mlog.New("store", nil)
	s := openStore(t)

	m, err := s.Add(ctxbg, log, strings.NewReader(testMsg))
	tcheck(t, err, "add")
	tcompare(t, m.ID, int64(1))
	tcompare(t, m.Size, int64(len(testMsg)))
	tcompare(t, m.VirtualSize, int64(len(testMsg)))
	tcompare(t, m.MessageID, "abc@example.org")
	tcompare(t, m.Subject, "café")
	tcompare(t, m.Parsed, false)
	hdrLen := int64(strings.Index(testMsg, "\r\n\r\n") + 4)
	tcompare(t, m.HeaderSize, message.Size{Physical: hdrLen, Virtual: hdrLen})

	buf, err := os.ReadFile(s.MessagePath(m.ID))
	tcheck(t, err, "read message file")
	tcompare(t, string(buf), testMsg)

	m2, err := s.Add(ctxbg, log, strings.NewReader("Subject: bare\n\nline\n"))
	tcheck(t, err, "add")
	tcompare(t, m2.Size, int64(20))
	tcompare(t, m2.VirtualSize, int64(23))

	l, err := s.List(ctxbg)
	tcheck(t, err, "list")
	tcompare(t, len(l), 2)
	tcompare(t, l[0].ID, m.ID)
	tcompare(t, l[1].Subject, "bare")

	l, err = s.FindMessageID(ctxbg, "abc@example.org")
	tcheck(t, err, "find message-id")
	tcompare(t, len(l), 1)
	tcompare(t, l[0].ID, m.ID)

	tcheck(t, s.Remove(ctxbg, log, m2.ID), "remove")
	_, err = s.Get(ctxbg, m2.ID)
	if !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("got %v, expected ErrUnknownMessage", err)
	}
	if _, err := os.Stat(s.MessagePath(m2.ID)); !os.IsNotExist(err) {
		t.Fatalf("message file still present: %v", err)
	}
	err = s.Remove(ctxbg, log, m2.ID)
	if !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("got %v, expected ErrUnknownMessage", err)
	}

	// Temp files are cleaned up.
	entries, err := os.ReadDir(s.Dir + "/tmp")
	tcheck(t, err, "read tmp dir")
	tcompare(t, len(entries), 0)
}

func TestDecodeWords(t *testing.T) {
	log := mlog.New("store", nil)
	tcompare(t, decodeWords(log, "plain"), "plain")
	tcompare(t, decodeWords(log, "=?utf-8?b?w6k=?="), "é")
	tcompare(t, decodeWords(log, "=?windows-1252?q?=80?="), "€")
	tcompare(t, decodeWords(log, "=?x-unknown?q?a?="), "=?x-unknown?q?a?=")
}

func TestCache(t *testing.T) {
	log := mlog.New("store", nil)
	s := openStore(t)
	m, err := s.Add(ctxbg, log, strings.NewReader(testMsg))
	tcheck(t, err, "add")

	c, err := s.Cache(ctxbg, log, m.ID)
	tcheck(t, err, "cache")
	defer func() {
		tcheck(t, c.Close(), "close cache")
	}()

	tcheck(t, c.Prepare(imapfetch.Requirements("1")), "prepare")
	stored, err := s.Get(ctxbg, m.ID)
	tcheck(t, err, "get")
	tcompare(t, stored.Parsed, true)
	tcompare(t, len(stored.Parts), 3)
	st, err := c.Structure()
	tcheck(t, err, "structure")
	tcompare(t, stored.Structure(), st)

	var b bytes.Buffer
	fc := &imapfetch.Context{W: &b, First: true, Source: c, Log: log, UID: m.ID}
	tcheck(t, fc.FetchBodySection("2", imapfetch.Unbounded), "fetch part")
	tcheck(t, fc.FetchBodySection("HEADER.FIELDS (MESSAGE-ID)", imapfetch.Unbounded), "fetch header fields")
	tcheck(t, fc.FetchBodySection("TEXT", imapfetch.Window{Skip: 2, MaxSize: 1, SkipSet: true}), "fetch text")
	tcompare(t, b.String(), "BODY[2] {5}\r\nworld BODY[HEADER.FIELDS (MESSAGE-ID)] {31}\r\nMessage-ID: <abc@example.org>\r\n BODY[TEXT]<2> {1}\r\nb")

	// A new cache uses the stored structure.
	c2, err := s.Cache(ctxbg, log, m.ID)
	tcheck(t, err, "cache")
	defer c2.Close()
	st2, err := c2.Structure()
	tcheck(t, err, "structure")
	tcompare(t, st2, st)

	_, err = s.Cache(ctxbg, log, 999)
	if !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("got %v, expected ErrUnknownMessage", err)
	}
}

func TestCacheMissingFile(t *testing.T) {
	log := mlog.New("store", nil)
	s := openStore(t)
	m, err := s.Add(ctxbg, log, strings.NewReader(testMsg))
	tcheck(t, err, "add")
	tcheck(t, os.Remove(s.MessagePath(m.ID)), "remove message file")

	c, err := s.Cache(ctxbg, log, m.ID)
	tcheck(t, err, "cache")
	defer c.Close()
	if err := c.Prepare(imapfetch.CacheOpen); err == nil {
		t.Fatalf("prepare succeeded without message file")
	}

	var b bytes.Buffer
	fc := &imapfetch.Context{W: &b, First: true, Source: c, Log: log}
	err = fc.FetchBodySection("", imapfetch.Unbounded)
	var ferr *imapfetch.Error
	if !errors.As(err, &ferr) || ferr.Kind != imapfetch.KindSource || ferr.Fatal() {
		t.Fatalf("got %v, expected non-fatal source error", err)
	}
	tcompare(t, b.Len(), 0)
}
