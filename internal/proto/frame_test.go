package proto

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"text","content":"hi"}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestFrameRejectsEmpty(t *testing.T) {
	if _, err := EncodeFrame(nil); err != ErrFrameEmpty {
		t.Fatalf("expected ErrFrameEmpty, got %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0})); err != ErrFrameEmpty {
		t.Fatalf("expected ErrFrameEmpty, got %v", err)
	}
}

func TestFrameRejectsOversize(t *testing.T) {
	big := make([]byte, MaxFrameSize+1)
	if _, err := EncodeFrame(big); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	hdr := []byte{0xff, 0xff, 0xff, 0xff}
	if _, err := ReadFrame(bytes.NewReader(hdr)); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestFrameBufferPartialFeed(t *testing.T) {
	payload := []byte("hello frame")
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	var fb FrameBuffer
	for i := range frame {
		fb.Feed(frame[i : i+1])
		got, err := fb.Next()
		if err != nil {
			t.Fatalf("Next failed at byte %d: %v", i, err)
		}
		if i < len(frame)-1 {
			if got != nil {
				t.Fatalf("premature frame at byte %d", i)
			}
			continue
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("payload mismatch")
		}
	}
	if fb.Buffered() != 0 {
		t.Fatalf("leftover bytes: %d", fb.Buffered())
	}
}

func TestFrameBufferMultipleFrames(t *testing.T) {
	a, _ := EncodeFrame([]byte("first"))
	b, _ := EncodeFrame([]byte("second"))
	var fb FrameBuffer
	fb.Feed(append(append([]byte{}, a...), b...))
	got1, err := fb.Next()
	if err != nil || string(got1) != "first" {
		t.Fatalf("first frame: %q err=%v", got1, err)
	}
	got2, err := fb.Next()
	if err != nil || string(got2) != "second" {
		t.Fatalf("second frame: %q err=%v", got2, err)
	}
	got3, err := fb.Next()
	if err != nil || got3 != nil {
		t.Fatalf("expected no third frame, got %q err=%v", got3, err)
	}
}

func TestFrameBufferRejectsBadLength(t *testing.T) {
	var fb FrameBuffer
	fb.Feed([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := fb.Next(); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	var fb2 FrameBuffer
	fb2.Feed([]byte{0, 0, 0, 0})
	if _, err := fb2.Next(); err != ErrFrameEmpty {
		t.Fatalf("expected ErrFrameEmpty, got %v", err)
	}
}
