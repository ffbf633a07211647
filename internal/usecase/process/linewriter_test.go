package process

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// syncBuffer is a goroutine-safe bytes.Buffer for capturing log output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newCaptureLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func TestLineWriter_SplitsLines(t *testing.T) {
	logger, out := newCaptureLogger()
	tail := newRingBuffer(1024)
	w := newLineWriter(logger, slog.LevelInfo, "stdout", tail)

	w.Write([]byte("first li"))
	w.Write([]byte("ne\r\nsecond line\n\nthird"))
	if strings.Contains(out.String(), "third") {
		t.Fatal("partial line logged before flush")
	}
	w.Flush()

	logged := out.String()
	for _, want := range []string{`msg="first line"`, `msg="second line"`, "msg=third", "stream=stdout"} {
		if !strings.Contains(logged, want) {
			t.Errorf("log output missing %q:\n%s", want, logged)
		}
	}
	if got := strings.Count(logged, "\n"); got != 3 {
		t.Errorf("logged %d records, want 3 (blank lines skipped)", got)
	}
	if tail.String() != "first line\r\nsecond line\n\nthird" {
		t.Errorf("tail = %q", tail.String())
	}
}

func TestLineWriter_LongLineChunked(t *testing.T) {
	logger, out := newCaptureLogger()
	w := newLineWriter(logger, slog.LevelWarn, "stderr", newRingBuffer(0))

	w.Write(bytes.Repeat([]byte("x"), maxLineBytes+10))
	w.Flush()

	if got := strings.Count(out.String(), "level=WARN"); got != 2 {
		t.Errorf("got %d records, want 2", got)
	}
}
