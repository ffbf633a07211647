package process

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// maxLineBytes caps a single buffered line; longer runs are logged in pieces.
const maxLineBytes = 64 * 1024

// lineWriter splits a child output stream into lines and logs each one.
// Every byte is also copied to tail.
type lineWriter struct {
	mu     sync.Mutex
	buf    []byte
	logger *slog.Logger
	level  slog.Level
	stream string
	tail   *ringBuffer
}

func newLineWriter(logger *slog.Logger, level slog.Level, stream string, tail *ringBuffer) *lineWriter {
	return &lineWriter{logger: logger, level: level, stream: stream, tail: tail}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.tail.Write(p)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) >= maxLineBytes {
		w.emit(w.buf[:maxLineBytes])
		w.buf = w.buf[maxLineBytes:]
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logger.Log(context.Background(), w.level, string(line), "stream", w.stream)
}
