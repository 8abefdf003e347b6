package proto

import (
	"bytes"
	"testing"
)

func TestEnvelopePackUnpack(t *testing.T) {
	e := Envelope{
		Seq:        42,
		Timestamp:  1700000000123,
		Ciphertext: []byte{0xde, 0xad, 0xbe, 0xef},
	}
	for i := range e.IV {
		e.IV[i] = byte(i)
	}
	for i := range e.Tag {
		e.Tag[i] = byte(0xf0 + i%16)
	}
	packed := PackEnvelope(e)
	if packed[0] != FrameVersionEnvelope {
		t.Fatalf("bad version byte %d", packed[0])
	}
	got, err := UnpackEnvelope(packed)
	if err != nil {
		t.Fatalf("UnpackEnvelope failed: %v", err)
	}
	if got.Seq != e.Seq || got.Timestamp != e.Timestamp {
		t.Fatalf("header mismatch: %+v", got)
	}
	if got.IV != e.IV || got.Tag != e.Tag {
		t.Fatalf("iv/tag mismatch")
	}
	if !bytes.Equal(got.Ciphertext, e.Ciphertext) {
		t.Fatalf("ciphertext mismatch")
	}
}

func TestEnvelopeRejectsTruncated(t *testing.T) {
	e := Envelope{Seq: 1, Ciphertext: []byte("x")}
	packed := PackEnvelope(e)
	if _, err := UnpackEnvelope(packed[:10]); err != ErrEnvelopeTruncated {
		t.Fatalf("expected ErrEnvelopeTruncated, got %v", err)
	}
}

func TestEnvelopeRejectsBadVersion(t *testing.T) {
	e := Envelope{Seq: 1, Ciphertext: []byte("x")}
	packed := PackEnvelope(e)
	packed[0] = 9
	if _, err := UnpackEnvelope(packed); err != ErrEnvelopeVersion {
		t.Fatalf("expected ErrEnvelopeVersion, got %v", err)
	}
}

func TestEnvelopeRejectsLengthMismatch(t *testing.T) {
	e := Envelope{Seq: 1, Ciphertext: []byte("abcd")}
	packed := PackEnvelope(e)
	// Shorten the trailing tag so the declared ciphertext length no longer fits.
	if _, err := UnpackEnvelope(packed[:len(packed)-1]); err != ErrEnvelopeLength {
		t.Fatalf("expected ErrEnvelopeLength, got %v", err)
	}
}

func TestTagInputCoversHeader(t *testing.T) {
	e := Envelope{Seq: 7, Timestamp: 99, Ciphertext: []byte("ct")}
	in1 := TagInput(e)
	e2 := e
	e2.Seq = 8
	in2 := TagInput(e2)
	if bytes.Equal(in1, in2) {
		t.Fatalf("tag input must bind the sequence number")
	}
	if len(in1) != 8+8+IVSize+len(e.Ciphertext) {
		t.Fatalf("unexpected tag input length %d", len(in1))
	}
}
