package crypto

import (
	"bytes"
	"testing"
)

func testKeys(t *testing.T) Keys {
	t.Helper()
	secret := bytes.Repeat([]byte{0x42}, 32)
	nonce := bytes.Repeat([]byte{0x07}, 16)
	k, err := DeriveKeys(secret, nonce)
	if err != nil {
		t.Fatalf("DeriveKeys failed: %v", err)
	}
	return k
}

func pairedCiphers(t *testing.T) (*SessionCipher, *SessionCipher) {
	t.Helper()
	k := testKeys(t)
	a, err := NewSessionCipher(k)
	if err != nil {
		t.Fatalf("NewSessionCipher failed: %v", err)
	}
	b, err := NewSessionCipher(k)
	if err != nil {
		t.Fatalf("NewSessionCipher failed: %v", err)
	}
	return a, b
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, dec := pairedCiphers(t)
	for i := 0; i < 10; i++ {
		plain := []byte("message payload")
		env, err := enc.Encrypt(plain)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		if env.Seq != uint64(i) {
			t.Fatalf("seq = %d, want %d", env.Seq, i)
		}
		got, err := dec.Decrypt(env)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if !bytes.Equal(got, plain) {
			t.Fatalf("round trip mismatch")
		}
	}
}

func TestEncryptRandomizesIV(t *testing.T) {
	enc, _ := pairedCiphers(t)
	plain := []byte("same plaintext")
	e1, err := enc.Encrypt(plain)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	e2, err := enc.Encrypt(plain)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if e1.IV == e2.IV {
		t.Fatalf("iv reused")
	}
	if bytes.Equal(e1.Ciphertext, e2.Ciphertext) {
		t.Fatalf("ciphertext repeated for identical plaintext")
	}
}

func TestDecryptRejectsReplay(t *testing.T) {
	enc, dec := pairedCiphers(t)
	for i := 0; i < 6; i++ {
		env, err := enc.Encrypt([]byte("m"))
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		if i == 5 {
			cp := env
			cp.Ciphertext = append([]byte{}, env.Ciphertext...)
			if _, err := dec.Decrypt(env); err != nil {
				t.Fatalf("first delivery failed: %v", err)
			}
			if _, err := dec.Decrypt(cp); err != ErrReplayDetected {
				t.Fatalf("expected ErrReplayDetected, got %v", err)
			}
			return
		}
		if _, err := dec.Decrypt(env); err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
	}
}

func TestDecryptRejectsReordering(t *testing.T) {
	enc, dec := pairedCiphers(t)
	e0, _ := enc.Encrypt([]byte("a"))
	e1, _ := enc.Encrypt([]byte("b"))
	if _, err := dec.Decrypt(e1); err != nil {
		t.Fatalf("Decrypt skipped ahead should succeed: %v", err)
	}
	if _, err := dec.Decrypt(e0); err != ErrReplayDetected {
		t.Fatalf("stale sequence must be rejected, got %v", err)
	}
}

func TestDecryptRejectsEveryByteFlip(t *testing.T) {
	enc, _ := pairedCiphers(t)
	env, err := enc.Encrypt([]byte("integrity"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	for i := 0; i < len(env.Ciphertext); i++ {
		_, fresh := pairedCiphers(t)
		tampered := env
		tampered.Ciphertext = append([]byte{}, env.Ciphertext...)
		tampered.Ciphertext[i] ^= 0x01
		if _, err := fresh.Decrypt(tampered); err != ErrIntegrityFailed {
			t.Fatalf("ciphertext flip at %d: got %v", i, err)
		}
	}
	for i := 0; i < len(env.Tag); i++ {
		_, fresh := pairedCiphers(t)
		tampered := env
		tampered.Tag[i] ^= 0x01
		if _, err := fresh.Decrypt(tampered); err != ErrIntegrityFailed {
			t.Fatalf("tag flip at %d: got %v", i, err)
		}
	}
	for i := 0; i < len(env.IV); i++ {
		_, fresh := pairedCiphers(t)
		tampered := env
		tampered.IV[i] ^= 0x01
		if _, err := fresh.Decrypt(tampered); err != ErrIntegrityFailed {
			t.Fatalf("iv flip at %d: got %v", i, err)
		}
	}
}

func TestRekeyResetsCountersAndRoundTrips(t *testing.T) {
	enc, dec := pairedCiphers(t)
	for i := 0; i < 10; i++ {
		env, _ := enc.Encrypt([]byte("pre"))
		if _, err := dec.Decrypt(env); err != nil {
			t.Fatalf("pre-rekey decrypt failed: %v", err)
		}
	}
	if enc.SendSeq() != 10 {
		t.Fatalf("send seq = %d, want 10", enc.SendSeq())
	}

	staleEnv, _ := enc.Encrypt([]byte("old keys"))

	secret := bytes.Repeat([]byte{0x99}, 32)
	nonce := bytes.Repeat([]byte{0x11}, 16)
	fresh, err := DeriveKeys(secret, nonce)
	if err != nil {
		t.Fatalf("DeriveKeys failed: %v", err)
	}
	if err := enc.Rekey(fresh); err != nil {
		t.Fatalf("Rekey failed: %v", err)
	}
	if err := dec.Rekey(fresh); err != nil {
		t.Fatalf("Rekey failed: %v", err)
	}

	env, err := enc.Encrypt([]byte("post"))
	if err != nil {
		t.Fatalf("post-rekey encrypt failed: %v", err)
	}
	if env.Seq != 0 {
		t.Fatalf("post-rekey seq = %d, want 0", env.Seq)
	}
	got, err := dec.Decrypt(env)
	if err != nil || !bytes.Equal(got, []byte("post")) {
		t.Fatalf("post-rekey round trip failed: %v", err)
	}

	// A frame sealed under the retired keys must fail integrity.
	if _, err := dec.Decrypt(staleEnv); err != ErrIntegrityFailed {
		t.Fatalf("old-key envelope after rekey: got %v, want ErrIntegrityFailed", err)
	}
}

func TestRekeyInterleavedAtEveryPoint(t *testing.T) {
	for cut := 0; cut <= 5; cut++ {
		enc, dec := pairedCiphers(t)
		for i := 0; i < 5; i++ {
			if i == cut {
				k, err := DeriveKeys(bytes.Repeat([]byte{byte(cut + 1)}, 32), bytes.Repeat([]byte{0x55}, 16))
				if err != nil {
					t.Fatalf("DeriveKeys failed: %v", err)
				}
				if err := enc.Rekey(k); err != nil {
					t.Fatalf("Rekey failed: %v", err)
				}
				if err := dec.Rekey(k); err != nil {
					t.Fatalf("Rekey failed: %v", err)
				}
			}
			env, err := enc.Encrypt([]byte{byte(i)})
			if err != nil {
				t.Fatalf("Encrypt failed: %v", err)
			}
			got, err := dec.Decrypt(env)
			if err != nil {
				t.Fatalf("cut=%d msg=%d decrypt failed: %v", cut, i, err)
			}
			if !bytes.Equal(got, []byte{byte(i)}) {
				t.Fatalf("cut=%d msg=%d payload mismatch", cut, i)
			}
		}
	}
}
