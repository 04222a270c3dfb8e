package jsonrpc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// MaxLineSize bounds a single inbound frame. Longer lines are skipped.
const MaxLineSize = 64 * 1024 * 1024

// LineTooLongError reports a frame that was discarded for exceeding the
// reader's limit. The stream stays usable.
type LineTooLongError struct {
	Size   int
	Prefix string
}

func (e *LineTooLongError) Error() string {
	return fmt.Sprintf("line of %d bytes exceeds the %d byte limit", e.Size, MaxLineSize)
}

// lineReader splits a stream on '\n' without a scanner's token limit
// killing the stream.
type lineReader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

func newLineReader(r io.Reader, max int) *lineReader {
	if max <= 0 {
		max = MaxLineSize
	}
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024), max: max}
}

// ReadLine returns the next line without its terminator. The slice is
// only valid until the next call. An oversized line is consumed through
// its newline and reported as *LineTooLongError.
func (l *lineReader) ReadLine() ([]byte, error) {
	l.buf = l.buf[:0]
	size := 0
	tooLong := false
	var prefix string
	for {
		chunk, err := l.r.ReadSlice('\n')
		size += len(chunk)
		if !tooLong {
			if len(l.buf)+len(chunk) > l.max {
				tooLong = true
				prefix = truncate(string(append(l.buf, chunk...)), 200)
				l.buf = l.buf[:0]
			} else {
				l.buf = append(l.buf, chunk...)
			}
		}

		switch {
		case err == nil:
			if tooLong {
				return nil, &LineTooLongError{Size: size - 1, Prefix: prefix}
			}
			return trimEOL(l.buf), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if tooLong {
				return nil, &LineTooLongError{Size: size, Prefix: prefix}
			}
			if len(l.buf) > 0 {
				return trimEOL(l.buf), nil
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

func trimEOL(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}
