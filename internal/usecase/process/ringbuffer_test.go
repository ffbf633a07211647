package process

import (
	"sync"
	"testing"
)

func TestRingBuffer_BasicWriteRead(t *testing.T) {
	rb := newRingBuffer(1024)
	rb.Write([]byte("hello "))
	rb.Write([]byte("world"))
	if got := rb.String(); got != "hello world" {
		t.Errorf("String() = %q, want %q", got, "hello world")
	}
	if rb.Truncated() {
		t.Error("buffer should not be truncated")
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := newRingBuffer(10)
	rb.Write([]byte("0123456789"))
	rb.Write([]byte("ABCDE"))
	if got := rb.String(); got != "56789ABCDE" {
		t.Errorf("String() after overflow = %q, want %q", got, "56789ABCDE")
	}
	if !rb.Truncated() {
		t.Error("buffer should report truncation")
	}
}

func TestRingBuffer_ZeroCapacity(t *testing.T) {
	rb := newRingBuffer(0)
	n, err := rb.Write([]byte("dropped"))
	if err != nil || n != 7 {
		t.Fatalf("Write = (%d, %v), want (7, nil)", n, err)
	}
	if got := rb.String(); got != "" {
		t.Errorf("String() = %q, want empty", got)
	}
}

func TestRingBuffer_ConcurrentWrites(t *testing.T) {
	rb := newRingBuffer(100)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rb.Write([]byte("abcdefghij"))
		}()
	}
	wg.Wait()
	if got := len(rb.String()); got != 100 {
		t.Errorf("len = %d, want 100", got)
	}
}
