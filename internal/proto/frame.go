package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// EnvelopeOverhead covers the packed envelope header and trailer around
	// a maximum-size plaintext: version, seq, timestamp, iv, length, tag.
	EnvelopeOverhead = 128

	MaxPlaintextSize = 1 << 20
	MaxFrameSize     = MaxPlaintextSize + EnvelopeOverhead

	frameHeaderSize = 4
)

var (
	ErrFrameEmpty    = errors.New("empty frame")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrFrameEmpty
	}
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(out[:frameHeaderSize], uint32(len(payload)))
	copy(out[frameHeaderSize:], payload)
	return out, nil
}

func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [frameHeaderSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, ErrFrameEmpty
	}
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}

// FrameBuffer accumulates raw stream bytes and extracts complete frames.
// Feed never blocks; Next returns (nil, nil) until a full frame is buffered.
type FrameBuffer struct {
	buf []byte
}

func (b *FrameBuffer) Feed(data []byte) {
	b.buf = append(b.buf, data...)
}

func (b *FrameBuffer) Buffered() int {
	return len(b.buf)
}

func (b *FrameBuffer) Next() ([]byte, error) {
	if len(b.buf) < frameHeaderSize {
		return nil, nil
	}
	n := binary.BigEndian.Uint32(b.buf[:frameHeaderSize])
	if n == 0 {
		return nil, ErrFrameEmpty
	}
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	total := frameHeaderSize + int(n)
	if len(b.buf) < total {
		return nil, nil
	}
	payload := make([]byte, int(n))
	copy(payload, b.buf[frameHeaderSize:total])
	rest := len(b.buf) - total
	copy(b.buf, b.buf[total:])
	b.buf = b.buf[:rest]
	return payload, nil
}
