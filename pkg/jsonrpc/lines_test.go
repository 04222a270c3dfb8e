package jsonrpc

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestLineReader(t *testing.T) {
	t.Run("SplitsLines", func(t *testing.T) {
		r := newLineReader(strings.NewReader("one\r\ntwo\nlast"), 0)
		for _, want := range []string{"one", "two", "last"} {
			line, err := r.ReadLine()
			if err != nil {
				t.Fatalf("ReadLine failed: %v", err)
			}
			if string(line) != want {
				t.Errorf("expected %q, got %q", want, line)
			}
		}
		if _, err := r.ReadLine(); !errors.Is(err, io.EOF) {
			t.Errorf("expected EOF, got %v", err)
		}
	})

	t.Run("SkipsOversizedLine", func(t *testing.T) {
		big := strings.Repeat("x", 200*1024)
		r := newLineReader(strings.NewReader("before\n"+big+"\nafter\n"), 100*1024)

		line, err := r.ReadLine()
		if err != nil || string(line) != "before" {
			t.Fatalf("expected before, got %q (%v)", line, err)
		}
		_, err = r.ReadLine()
		var tooLong *LineTooLongError
		if !errors.As(err, &tooLong) {
			t.Fatalf("expected LineTooLongError, got %v", err)
		}
		if tooLong.Size != len(big) {
			t.Errorf("expected size %d, got %d", len(big), tooLong.Size)
		}
		line, err = r.ReadLine()
		if err != nil || string(line) != "after" {
			t.Errorf("expected the stream to continue with after, got %q (%v)", line, err)
		}
	})

	t.Run("LongLineWithinLimit", func(t *testing.T) {
		big := strings.Repeat("y", 300*1024)
		r := newLineReader(strings.NewReader(big+"\n"), 0)
		line, err := r.ReadLine()
		if err != nil {
			t.Fatalf("ReadLine failed: %v", err)
		}
		if len(line) != len(big) {
			t.Errorf("expected %d bytes, got %d", len(big), len(line))
		}
	})
}
