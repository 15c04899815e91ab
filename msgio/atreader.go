package msgio

import (
	"io"
)

// AtReader turns an io.ReaderAt into an io.Reader by keeping track of the
// offset. Reads stop at End if it is positive.
type AtReader struct {
	R      io.ReaderAt
	Offset int64
	End    int64
}

func (r *AtReader) Read(buf []byte) (int, error) {
	if r.End > 0 {
		if r.Offset >= r.End {
			return 0, io.EOF
		}
		if rem := r.End - r.Offset; int64(len(buf)) > rem {
			buf = buf[:rem]
		}
	}
	n, err := r.R.ReadAt(buf, r.Offset)
	if n > 0 {
		r.Offset += int64(n)
	}
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}
