package imapfetch

import (
	"errors"
	"reflect"
	"testing"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got %q, expected %q", got, exp)
	}
}

func tkind(t *testing.T, err error, kind Kind, fatal bool) *Error {
	t.Helper()
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("got err %v, expected *Error of kind %s", err, kind)
	}
	if e.Kind != kind || e.Fatal() != fatal {
		t.Fatalf("got kind %s fatal %v (%v), expected kind %s fatal %v", e.Kind, e.Fatal(), e, kind, fatal)
	}
	return e
}

func TestRequirements(t *testing.T) {
	check := func(section string, exp CacheFlags) {
		t.Helper()
		if got := Requirements(section); got != exp {
			t.Fatalf("section %q: got %s, expected %s", section, got, exp)
		}
	}
	check("", CacheOpen)
	check("TEXT", CacheOpen)
	check("text", CacheOpen)
	check("TEXTX", 0)
	check("1", CachePart|CacheOpen)
	check("1.2.HEADER", CachePart|CacheOpen)
	check("0", CachePart|CacheOpen)
	check("HEADER", CacheHeaderSize|CacheOpen)
	check("header.fields (subject)", CacheHeaderSize|CacheOpen)
	check("HEADERX", CacheHeaderSize|CacheOpen)
	check("MIME", CacheHeaderSize|CacheOpen)
	check("mime", CacheHeaderSize|CacheOpen)
	check("MIMEX", 0)
	check("BOGUS", 0)
	check(" 1", 0)
	check("HEADER.FIELDſ", CacheHeaderSize|CacheOpen)
	check("ſEXT", 0)

	tcompare(t, (CachePart | CacheOpen).String(), "part,open")
	tcompare(t, CacheFlags(0).String(), "none")
}
