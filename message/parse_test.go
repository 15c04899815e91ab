package message

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
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
		t.Fatalf("got %v, expected %v", got, exp)
	}
}

func tfail(t *testing.T, err, expErr error) {
	t.Helper()
	if (err == nil) != (expErr == nil) || expErr != nil && !errors.Is(err, expErr) {
		t.Fatalf("got err %v, expected %v", err, expErr)
	}
}

func parse(t *testing.T, s string) *Structure {
	t.Helper()
	st, err := Parse(nil, strings.NewReader(s), int64(len(s)))
	tcheck(t, err, "parse")
	return st
}

func TestParseSingle(t *testing.T) {
	st := parse(t, "Subject: Hi\r\n\r\nhello\r\n")
	tcompare(t, st.Parts, []Part{{
		PhysicalPos:  0,
		HeaderSize:   Size{15, 15},
		BodySize:     Size{7, 7},
		MediaType:    "TEXT",
		MediaSubType: "PLAIN",
		FirstChild:   -1,
		Next:         -1,
	}})
}

func TestParseBareLF(t *testing.T) {
	st := parse(t, "Subject: a\n\nab\ncd\n")
	p := st.Parts[0]
	tcompare(t, p.HeaderSize, Size{12, 14})
	tcompare(t, p.BodySize, Size{6, 8})
}

func TestParseNoBody(t *testing.T) {
	st := parse(t, "Subject: a\r\nTo: b")
	p := st.Parts[0]
	tcompare(t, p.HeaderSize, Size{17, 17})
	tcompare(t, p.BodySize, Size{})

	st = parse(t, "")
	tcompare(t, len(st.Parts), 1)
	tcompare(t, st.Parts[0].HeaderSize, Size{})
}

func TestParseLongLine(t *testing.T) {
	// The \r of the line ending is the last byte of a full read buffer.
	s := "\r\n" + strings.Repeat("a", maxLineLength-1) + "\r\n"
	st := parse(t, s)
	p := st.Parts[0]
	tcompare(t, p.HeaderSize, Size{2, 2})
	tcompare(t, p.BodySize, Size{int64(maxLineLength + 1), int64(maxLineLength + 1)})
}

func TestParseMultipart(t *testing.T) {
	s := "Content-Type: multipart/mixed; boundary=x\r\n\r\n--x\r\n\r\nhello\r\n--x\r\n\r\nworld\r\n--x--\r\n"
	st := parse(t, s)
	tcompare(t, len(st.Parts), 3)
	root := st.Parts[0]
	tcompare(t, root.IsMultipart(), true)
	tcompare(t, root.MediaType+"/"+root.MediaSubType, "MULTIPART/MIXED")
	tcompare(t, root.HeaderSize, Size{45, 45})
	tcompare(t, root.BodySize, Size{35, 35})

	c1, ok := st.Child(0, 1)
	tcompare(t, ok, true)
	tcompare(t, st.Parts[c1].PhysicalPos, int64(50))
	tcompare(t, st.Parts[c1].HeaderSize, Size{2, 2})
	tcompare(t, st.Parts[c1].BodySize, Size{5, 5})
	tcompare(t, s[st.Parts[c1].BodyOffset():st.Parts[c1].BodyOffset()+5], "hello")

	c2, ok := st.Child(0, 2)
	tcompare(t, ok, true)
	tcompare(t, st.Parts[c2].PhysicalPos, int64(64))
	tcompare(t, s[st.Parts[c2].BodyOffset():st.Parts[c2].BodyOffset()+5], "world")

	_, ok = st.Child(0, 3)
	tcompare(t, ok, false)
	_, ok = st.Child(0, 0)
	tcompare(t, ok, false)
	tcompare(t, st.Children(0), []int{c1, c2})
}

func TestParseNested(t *testing.T) {
	s := "Content-Type: multipart/mixed; boundary=outer\r\n" +
		"\r\n" +
		"preamble\r\n" +
		"--outer\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"one\r\n" +
		"--outer\r\n" +
		"Content-Type: multipart/alternative; boundary=\"in\"\r\n" +
		"\r\n" +
		"--in\r\n" +
		"\r\n" +
		"two\r\n" +
		"--in\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<b>three</b>\r\n" +
		"--in--\r\n" +
		"\r\n" +
		"--outer--\r\n" +
		"epilogue\r\n"
	st := parse(t, s)
	tcompare(t, len(st.Parts), 5)
	tcompare(t, st.Parts[0].HeaderSize, Size{49, 49})
	tcompare(t, st.Parts[0].BodySize, Size{206, 206})

	body := func(i int) string {
		p := st.Parts[i]
		return s[p.BodyOffset() : p.BodyOffset()+p.BodySize.Physical]
	}

	c1, _ := st.Child(0, 1)
	tcompare(t, st.Parts[c1].PhysicalPos, int64(68))
	tcompare(t, st.Parts[c1].HeaderSize, Size{28, 28})
	tcompare(t, body(c1), "one")

	c2, _ := st.Child(0, 2)
	tcompare(t, st.Parts[c2].IsMultipart(), true)
	tcompare(t, st.Parts[c2].MediaSubType, "ALTERNATIVE")
	tcompare(t, st.Parts[c2].PhysicalPos, int64(110))
	tcompare(t, st.Parts[c2].HeaderSize, Size{54, 54})
	tcompare(t, st.Parts[c2].BodySize, Size{68, 68})

	c21, _ := st.Child(c2, 1)
	tcompare(t, body(c21), "two")
	c22, _ := st.Child(c2, 2)
	tcompare(t, st.Parts[c22].MediaType+"/"+st.Parts[c22].MediaSubType, "TEXT/HTML")
	tcompare(t, body(c22), "<b>three</b>")
	_, ok := st.Child(c2, 3)
	tcompare(t, ok, false)

	exp := `root MULTIPART/MIXED pos 0 header 49/49 body 206/206
1 TEXT/PLAIN pos 68 header 28/28 body 3/3
2 MULTIPART/ALTERNATIVE pos 110 header 54/54 body 68/68
2.1 TEXT/PLAIN pos 170 header 2/2 body 3/3
2.2 TEXT/HTML pos 183 header 27/27 body 12/12
`
	tcompare(t, st.String(), exp)
}

func TestParseMissingClose(t *testing.T) {
	s := "Content-Type: multipart/mixed; boundary=x\r\n\r\n--x\r\n\r\nhello\r\n"
	st := parse(t, s)
	c1, ok := st.Child(0, 1)
	tcompare(t, ok, true)
	tcompare(t, st.Parts[c1].HeaderSize, Size{2, 2})
	tcompare(t, st.Parts[c1].BodySize, Size{7, 7})
	_, ok = st.Child(0, 2)
	tcompare(t, ok, false)
}

func TestParseContentType(t *testing.T) {
	// No boundary, not addressable as multipart.
	st := parse(t, "Content-Type: multipart/mixed\r\n\r\n--x\r\n\r\nhello\r\n")
	tcompare(t, st.Parts[0].MediaType, "MULTIPART")
	tcompare(t, st.Parts[0].IsMultipart(), false)
	tcompare(t, st.Parts[0].FirstChild, -1)

	// Folded header value.
	st = parse(t, "Content-Type: multipart/mixed;\r\n boundary=x\r\n\r\n--x\r\n\r\na\r\n--x--\r\n")
	tcompare(t, st.Parts[0].IsMultipart(), true)
	tcompare(t, len(st.Children(0)), 1)

	// Unparsable, default.
	st = parse(t, "Content-Type: ;;;\r\n\r\nx")
	tcompare(t, st.Parts[0].MediaType+"/"+st.Parts[0].MediaSubType, "TEXT/PLAIN")
}

func TestParseDepth(t *testing.T) {
	var b strings.Builder
	n := maxDepth + 5
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "Content-Type: multipart/mixed; boundary=b%d\r\n\r\n--b%d\r\n", i, i)
	}
	b.WriteString("\r\nleaf\r\n")
	st := parse(t, b.String())
	tcompare(t, len(st.Parts), maxDepth+1)
	tcompare(t, st.Parts[maxDepth].IsMultipart(), false)
}

type shortReaderAt struct{}

func (shortReaderAt) ReadAt(buf []byte, off int64) (int, error) {
	return 0, errors.New("broken")
}

func TestParseError(t *testing.T) {
	_, err := Parse(nil, shortReaderAt{}, 10)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestCheckBound(t *testing.T) {
	check := func(line string, match, last bool) {
		t.Helper()
		m, l := checkBound([]byte(line), []byte("--x"))
		tcompare(t, [2]bool{m, l}, [2]bool{match, last})
	}
	check("--x\r\n", true, false)
	check("--x", true, false)
	check("--x \r\n", true, false)
	check("--x--\r\n", true, true)
	check("--xy\r\n", false, false)
	check("-x\r\n", false, false)
}

func TestHeaderSize(t *testing.T) {
	s := "Subject: a\nTo: b\r\n\r\nbody\n"
	size, err := HeaderSize(strings.NewReader(s), int64(len(s)))
	tcheck(t, err, "header size")
	tcompare(t, size, Size{20, 21})
	tcompare(t, size, parse(t, s).Parts[0].HeaderSize)
}
