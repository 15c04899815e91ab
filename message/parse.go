package message

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"

	"github.com/mjl-/sectfetch/mlog"
)

// Nesting deeper than this is treated as a leaf part.
const maxDepth = 50

// Lines are read in pieces of at most this size. A longer line continues in the
// next piece.
const maxLineLength = 8 * 1024

// Parse reads the MIME structure of the message in r, of size bytes. Malformed
// multipart messages are parsed leniently: a missing closing boundary ends the
// last subpart at the end of its parent.
func Parse(elog *slog.Logger, r io.ReaderAt, size int64) (*Structure, error) {
	p := &parser{log: mlog.New("message", elog), r: r}
	if _, err := p.parsePart(0, size, 0); err != nil {
		return nil, err
	}
	return &Structure{Parts: p.parts}, nil
}

type parser struct {
	log   mlog.Log
	r     io.ReaderAt
	parts []Part
}

// lineReader returns lines of a section of the message, with their offset.
type lineReader struct {
	br     *bufio.Reader
	offset int64 // Of the next piece, absolute in the message.
	bol    bool  // Next piece starts a line.
	prevCR bool  // Previous piece ended with \r.
}

type piece struct {
	buf     []byte
	offset  int64
	bol     bool
	termLen int  // Line ending length: 2 for \r\n, 1 for bare \n, 0 if the line continues or at EOF.
	bareLF  bool // Line ends with \n not preceded by \r.
}

func newLineReader(r io.ReaderAt, start, end int64) *lineReader {
	sr := io.NewSectionReader(r, start, end-start)
	return &lineReader{br: bufio.NewReaderSize(sr, maxLineLength), offset: start, bol: true}
}

// next returns the next piece, or io.EOF. The buffer is only valid until the next call.
func (lr *lineReader) next() (piece, error) {
	buf, err := lr.br.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		err = nil
	} else if err == io.EOF && len(buf) > 0 {
		err = nil
	}
	if err != nil {
		return piece{}, err
	}
	pc := piece{buf: buf, offset: lr.offset, bol: lr.bol}
	if buf[len(buf)-1] == '\n' {
		if len(buf) >= 2 && buf[len(buf)-2] == '\r' || len(buf) == 1 && lr.prevCR {
			pc.termLen = 2
		} else {
			pc.termLen = 1
			pc.bareLF = true
		}
	}
	lr.offset += int64(len(buf))
	lr.bol = pc.termLen > 0
	lr.prevCR = buf[len(buf)-1] == '\r'
	return pc, nil
}

// HeaderSize returns the size of the header of the message in r, including the
// empty line ending it.
func HeaderSize(r io.ReaderAt, size int64) (Size, error) {
	return readHeader(newLineReader(r, 0, size))
}

// readHeader consumes the header lines, through the empty line.
func readHeader(lr *lineReader) (Size, error) {
	var hdr Size
	for {
		pc, err := lr.next()
		if err == io.EOF {
			return hdr, nil
		} else if err != nil {
			return hdr, fmt.Errorf("reading header: %w", err)
		}
		hdr.Physical += int64(len(pc.buf))
		hdr.Virtual += int64(len(pc.buf))
		if pc.bareLF {
			hdr.Virtual++
		}
		if pc.bol && len(pc.buf) == pc.termLen && pc.termLen > 0 {
			return hdr, nil
		}
	}
}

// parsePart parses the part from start to end, appending it and its subparts,
// returning its index.
func (p *parser) parsePart(start, end int64, depth int) (int, error) {
	index := len(p.parts)
	p.parts = append(p.parts, Part{
		PhysicalPos:  start,
		MediaType:    "TEXT",
		MediaSubType: "PLAIN",
		FirstChild:   -1,
		Next:         -1,
	})

	lr := newLineReader(p.r, start, end)
	hdr, err := readHeader(lr)
	if err != nil {
		return -1, err
	}
	p.parts[index].HeaderSize = hdr

	boundary, err := p.contentType(index, start, hdr.Physical)
	if err != nil {
		return -1, err
	}
	if boundary != "" && depth >= maxDepth {
		p.log.Debug("multipart nesting too deep, treating as leaf part", slog.Int64("offset", start), slog.Int("depth", depth))
		boundary = ""
	}

	var ranges [][2]int64
	body := Size{}
	bodyStart := start + hdr.Physical
	var bound []byte
	if boundary != "" {
		p.parts[index].Flags |= FlagMultipart
		bound = []byte("--" + boundary)
	}
	var childStart int64 = -1
	var prevTerm int
	closed := false
	for {
		pc, err := lr.next()
		if err == io.EOF {
			break
		} else if err != nil {
			return -1, fmt.Errorf("reading body: %w", err)
		}
		body.Physical += int64(len(pc.buf))
		body.Virtual += int64(len(pc.buf))
		if pc.bareLF {
			body.Virtual++
		}
		if bound != nil && !closed && pc.bol {
			if match, last := checkBound(pc.buf, bound); match {
				if childStart >= 0 {
					ranges = append(ranges, [2]int64{childStart, max(childStart, pc.offset-int64(prevTerm))})
				}
				childStart = pc.offset + int64(len(pc.buf))
				if last {
					closed = true
					childStart = -1
				}
			}
		}
		prevTerm = pc.termLen
	}
	if childStart >= 0 {
		ranges = append(ranges, [2]int64{childStart, max(childStart, end)})
	}
	p.parts[index].BodySize = body
	if bodyStart+body.Physical != end {
		return -1, fmt.Errorf("part at offset %d: read %d bytes, expected %d", start, bodyStart+body.Physical-start, end-start)
	}

	prev := -1
	for _, rg := range ranges {
		ci, err := p.parsePart(rg[0], rg[1], depth+1)
		if err != nil {
			return -1, err
		}
		if prev < 0 {
			p.parts[index].FirstChild = ci
		} else {
			p.parts[prev].Next = ci
		}
		prev = ci
	}
	return index, nil
}

// contentType sets the media type of the part from its header, returning the
// boundary for a multipart part.
func (p *parser) contentType(index int, start, headerSize int64) (string, error) {
	hs := NewHeaderScanner(io.NewSectionReader(p.r, start, headerSize))
	var ct string
	for hs.Next() {
		f := hs.Field()
		if strings.EqualFold(string(f.Name), "Content-Type") {
			ct = unfold(f.Value)
			break
		}
	}
	if err := hs.Err(); err != nil {
		return "", fmt.Errorf("reading header fields: %w", err)
	}
	if ct == "" {
		return "", nil
	}
	mt, params, err := mime.ParseMediaType(ct)
	if err != nil {
		// Keep the default, like for a missing Content-Type.
		p.log.Debugx("parsing content-type, using text/plain", err, slog.String("contenttype", ct))
		return "", nil
	}
	t, s, _ := strings.Cut(strings.ToUpper(mt), "/")
	p.parts[index].MediaType = t
	p.parts[index].MediaSubType = s
	if t == "MULTIPART" {
		return params["boundary"], nil
	}
	return "", nil
}

func unfold(v []byte) string {
	v = bytes.ReplaceAll(v, []byte("\r\n"), nil)
	v = bytes.ReplaceAll(v, []byte("\n"), nil)
	return strings.TrimSpace(string(v))
}

// checkBound returns whether line is a boundary line for bound (which starts
// with "--"), and whether it is the closing boundary.
func checkBound(line, bound []byte) (bool, bool) {
	if !bytes.HasPrefix(line, bound) {
		return false, false
	}
	line = line[len(bound):]
	if bytes.HasPrefix(line, []byte("--")) {
		return true, true
	}
	if len(line) == 0 {
		return true, false
	}
	switch line[0] {
	case ' ', '\t', '\r', '\n':
		return true, false
	}
	return false, false
}
