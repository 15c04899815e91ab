package store

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"

	"golang.org/x/text/encoding/ianaindex"

	"github.com/mjl-/sectfetch/mlog"
)

var wordDecoder = mime.WordDecoder{
	CharsetReader: func(charset string, r io.Reader) (io.Reader, error) {
		switch strings.ToLower(charset) {
		case "", "us-ascii", "utf-8":
			return r, nil
		}
		enc, _ := ianaindex.MIME.Encoding(charset)
		if enc == nil {
			enc, _ = ianaindex.IANA.Encoding(charset)
		}
		if enc == nil {
			return r, fmt.Errorf("unknown charset %q", charset)
		}
		return enc.NewDecoder().Reader(r), nil
	},
}

// decodeWords decodes RFC 2047 encoded-words in a header value. On error, the
// raw value is returned.
func decodeWords(log mlog.Log, s string) string {
	d, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		log.Debugx("decoding header value, using raw value", err, slog.String("value", s))
		return s
	}
	return d
}
