package iohandler

import (
	"io"
	"sync"
	"testing"
	"time"
)

type fakePane struct {
	r    io.Reader
	dead bool
}

func (f *fakePane) Reader() io.Reader { return f.r }
func (f *fakePane) IsDead() bool      { return f.dead }

func TestHandlerForwardsOutput(t *testing.T) {
	pr, pw := io.Pipe()
	h := New(nil, nil, nil)

	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})
	h2 := New(nil, func(_ uint32, text []byte) {
		mu.Lock()
		got = append(got, text...)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	}, nil)
	_ = h

	h2.Spawn(1, &fakePane{r: pr})
	pw.Write([]byte("hello"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for output")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(got) != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
	pw.Close()
}

func TestDecodeAndEmitSplitsMultiByteAcrossReads(t *testing.T) {
	var got []byte
	h := New(nil, func(_ uint32, text []byte) {
		got = append(got, text...)
	}, nil)

	// "é" = 0xC3 0xA9 in UTF-8, split across two reads.
	pending := h.decodeAndEmit(1, nil, []byte{0xC3})
	if len(got) != 0 {
		t.Fatalf("expected no emission yet, got %q", got)
	}
	pending = h.decodeAndEmit(1, pending, []byte{0xA9, 'x'})
	if string(got) != "éx" {
		t.Errorf("got %q, want %q", got, "éx")
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending bytes left, got %v", pending)
	}
}

func TestDecodeAndEmitDropsInvalidByte(t *testing.T) {
	var got []byte
	h := New(nil, func(_ uint32, text []byte) {
		got = append(got, text...)
	}, nil)

	h.decodeAndEmit(1, nil, []byte{0xFF, 'a', 'b'})
	if string(got) != "ab" {
		t.Errorf("got %q, want %q", got, "ab")
	}
}

type stripSink struct{}

func (stripSink) ProcessOutput(_ uint32, frame []byte) []byte {
	out := make([]byte, 0, len(frame))
	for _, b := range frame {
		if b != '\x07' {
			out = append(out, b)
		}
	}
	return out
}

func TestSinkCanFilterOutput(t *testing.T) {
	var got []byte
	h := New(stripSink{}, func(_ uint32, text []byte) {
		got = append(got, text...)
	}, nil)

	h.emit(1, []byte("a\x07b"))
	if string(got) != "ab" {
		t.Errorf("got %q, want %q", got, "ab")
	}
}
