package proto

import (
	"encoding/binary"
	"errors"
)

// Frame payload discriminator: handshake frames are cleartext JSON with a
// leading zero byte; everything after HELLO_ACK is a packed envelope.
const (
	FrameVersionHandshake = 0
	FrameVersionEnvelope  = 1

	IVSize  = 16
	TagSize = 32

	// version + seq + timestamp + iv + ciphertext length
	envelopeHeaderSize = 1 + 8 + 8 + IVSize + 4
)

var (
	ErrEnvelopeTruncated = errors.New("truncated envelope")
	ErrEnvelopeVersion   = errors.New("unsupported envelope version")
	ErrEnvelopeLength    = errors.New("envelope length mismatch")
)

// Envelope is the session-crypto wrapping of one application message.
type Envelope struct {
	Seq        uint64
	Timestamp  int64
	IV         [IVSize]byte
	Ciphertext []byte
	Tag        [TagSize]byte
}

// PackEnvelope emits the binary wire form:
// u8 version | u64be seq | u64be ts | iv[16] | u32be ctlen | ct | tag[32].
func PackEnvelope(e Envelope) []byte {
	out := make([]byte, envelopeHeaderSize+len(e.Ciphertext)+TagSize)
	out[0] = FrameVersionEnvelope
	binary.BigEndian.PutUint64(out[1:9], e.Seq)
	binary.BigEndian.PutUint64(out[9:17], uint64(e.Timestamp))
	copy(out[17:17+IVSize], e.IV[:])
	binary.BigEndian.PutUint32(out[17+IVSize:envelopeHeaderSize], uint32(len(e.Ciphertext)))
	copy(out[envelopeHeaderSize:], e.Ciphertext)
	copy(out[envelopeHeaderSize+len(e.Ciphertext):], e.Tag[:])
	return out
}

func UnpackEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if len(data) < envelopeHeaderSize+TagSize {
		return e, ErrEnvelopeTruncated
	}
	if data[0] != FrameVersionEnvelope {
		return e, ErrEnvelopeVersion
	}
	e.Seq = binary.BigEndian.Uint64(data[1:9])
	e.Timestamp = int64(binary.BigEndian.Uint64(data[9:17]))
	copy(e.IV[:], data[17:17+IVSize])
	ctLen := binary.BigEndian.Uint32(data[17+IVSize : envelopeHeaderSize])
	if int(ctLen) != len(data)-envelopeHeaderSize-TagSize {
		return e, ErrEnvelopeLength
	}
	e.Ciphertext = make([]byte, int(ctLen))
	copy(e.Ciphertext, data[envelopeHeaderSize:envelopeHeaderSize+int(ctLen)])
	copy(e.Tag[:], data[envelopeHeaderSize+int(ctLen):])
	return e, nil
}

// TagInput assembles the authenticated bytes: seq ‖ ts ‖ iv ‖ ciphertext.
func TagInput(e Envelope) []byte {
	buf := make([]byte, 0, 8+8+IVSize+len(e.Ciphertext))
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], e.Seq)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], uint64(e.Timestamp))
	buf = append(buf, tmp[:]...)
	buf = append(buf, e.IV[:]...)
	buf = append(buf, e.Ciphertext...)
	return buf
}
