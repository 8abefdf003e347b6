package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"securechat/internal/proto"
)

var (
	ErrKeyExchangeFailed = errors.New("key exchange failed")
	ErrIntegrityFailed   = errors.New("envelope integrity check failed")
	ErrReplayDetected    = errors.New("replayed or out-of-order sequence")
	ErrDecryptFailed     = errors.New("envelope decrypt failed")
)

// SessionCipher carries one connection's symmetric state. The send direction
// is driven by the single send task, the receive direction by the single
// receive task; the mutex only serializes a rekey swap against both.
type SessionCipher struct {
	mu       sync.Mutex
	keys     Keys
	block    cipher.Block
	sendSeq  uint64
	recvSeq  uint64
	haveRecv bool
	keyedAt  time.Time
}

func NewSessionCipher(k Keys) (*SessionCipher, error) {
	block, err := aes.NewCipher(k.Cipher[:])
	if err != nil {
		return nil, err
	}
	return &SessionCipher{keys: k, block: block, keyedAt: time.Now()}, nil
}

// Encrypt seals one plaintext: random IV, AES-256-CTR, HMAC-SHA256 over
// seq ‖ ts ‖ iv ‖ ciphertext. The send sequence advances once per call.
func (s *SessionCipher) Encrypt(plain []byte) (proto.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendSeq == ^uint64(0) {
		return proto.Envelope{}, errors.New("send sequence exhausted")
	}
	var env proto.Envelope
	env.Seq = s.sendSeq
	env.Timestamp = time.Now().UnixMilli()
	if _, err := rand.Read(env.IV[:]); err != nil {
		return proto.Envelope{}, err
	}
	env.Ciphertext = make([]byte, len(plain))
	cipher.NewCTR(s.block, env.IV[:]).XORKeyStream(env.Ciphertext, plain)
	mac := hmac.New(sha256.New, s.keys.MAC[:])
	mac.Write(proto.TagInput(env))
	copy(env.Tag[:], mac.Sum(nil))
	s.sendSeq++
	return env, nil
}

// Decrypt opens one envelope. Order is fixed: replay check, constant-time
// tag verification, decrypt, advance. Every failure is fatal to the session.
func (s *SessionCipher) Decrypt(env proto.Envelope) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveRecv && env.Seq <= s.recvSeq {
		return nil, ErrReplayDetected
	}
	mac := hmac.New(sha256.New, s.keys.MAC[:])
	mac.Write(proto.TagInput(env))
	if subtle.ConstantTimeCompare(mac.Sum(nil), env.Tag[:]) != 1 {
		return nil, ErrIntegrityFailed
	}
	plain := make([]byte, len(env.Ciphertext))
	cipher.NewCTR(s.block, env.IV[:]).XORKeyStream(plain, env.Ciphertext)
	s.recvSeq = env.Seq
	s.haveRecv = true
	return plain, nil
}

// Rekey swaps in fresh key material atomically: both sequence counters reset
// to zero and the old keys are wiped before the call returns.
func (s *SessionCipher) Rekey(k Keys) error {
	block, err := aes.NewCipher(k.Cipher[:])
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys.Zero()
	s.keys = k
	s.block = block
	s.sendSeq = 0
	s.recvSeq = 0
	s.haveRecv = false
	s.keyedAt = time.Now()
	return nil
}

func (s *SessionCipher) KeyedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyedAt
}

func (s *SessionCipher) SendSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendSeq
}

// Close wipes the key material.
func (s *SessionCipher) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys.Zero()
}
