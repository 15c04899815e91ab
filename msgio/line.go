package msgio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mjl-/sectfetch/mlog"
)

var ErrLineTooLong = errors.New("line from remote too long") // Returned by Bufpool.Readline.

// Bufpool caches line buffers for reuse while reading request lines from
// connections.
type Bufpool struct {
	c    chan []byte
	size int
}

// NewBufpool makes a new pool, initially empty, holding at most "max" buffers of
// "size" bytes each. Lines longer than size are rejected.
func NewBufpool(max, size int) *Bufpool {
	return &Bufpool{
		c:    make(chan []byte, max),
		size: size,
	}
}

func (b *Bufpool) get() []byte {
	select {
	case buf := <-b.c:
		return buf
	default:
		return make([]byte, 0, b.size)
	}
}

// put returns buf to the pool, or drops it if the pool is full.
func (b *Bufpool) put(log mlog.Log, buf []byte) {
	if cap(buf) != b.size {
		log.Error("buffer with bad size returned, ignoring", slog.Int("badsize", cap(buf)), slog.Int("expsize", b.size))
		return
	}
	clear(buf[:cap(buf)])
	select {
	case b.c <- buf[:0]:
	default:
	}
}

// Readline reads a \n- or \r\n-terminated line. Line is returned without \n or
// \r\n. If the line is longer than the buffer size, ErrLineTooLong is returned
// and the connection cannot be used anymore. If an EOF is encountered before a
// \n, io.ErrUnexpectedEOF is returned.
func (b *Bufpool) Readline(log mlog.Log, r *bufio.Reader) (string, error) {
	buf := b.get()
	defer func() {
		b.put(log, buf)
	}()

	for {
		s, err := r.ReadSlice('\n')
		if len(buf)+len(s) > b.size {
			return "", fmt.Errorf("%w: no newline after %d bytes", ErrLineTooLong, len(buf)+len(s))
		}
		buf = append(buf, s...)
		if err == bufio.ErrBufferFull {
			continue
		} else if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		} else if err != nil {
			return "", fmt.Errorf("reading line from remote: %w", err)
		}
		line := buf[:len(buf)-1]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		return string(line), nil
	}
}
