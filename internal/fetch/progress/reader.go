package progress

import (
	"errors"
	"io"
)

// Reader wraps an io.Reader and reports the running byte count through a
// callback every interval bytes and once more when the stream ends.
type Reader struct {
	Reader     io.Reader
	OnProgress func(read int64)

	read     int64
	pending  int64
	interval int64
}

func NewReader(r io.Reader, interval int64, cb func(read int64)) *Reader {
	if interval <= 0 {
		interval = 1
	}

	return &Reader{
		Reader:     r,
		OnProgress: cb,
		interval:   interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.pending += int64(n)

		if pr.pending >= pr.interval {
			pr.report()
		}
	}

	if errors.Is(err, io.EOF) && pr.pending > 0 {
		pr.report()
	}

	return n, err
}

// N returns the number of bytes read so far.
func (pr *Reader) N() int64 {
	return pr.read
}

func (pr *Reader) report() {
	pr.pending = 0

	if pr.OnProgress != nil {
		pr.OnProgress(pr.read)
	}
}
