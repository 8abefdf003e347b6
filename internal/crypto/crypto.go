package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	AESKeySize  = 32
	HMACKeySize = 32
	RSABits     = 2048

	// PreMasterSize is the RSA key-transport secret length.
	PreMasterSize = 48

	kdfLabel = "securechat:session:v1"
)

// Keys holds one session's symmetric material: a confidentiality key and an
// HMAC key, both derived together from the exchanged secret.
type Keys struct {
	Cipher [AESKeySize]byte
	MAC    [HMACKeySize]byte
}

func (k *Keys) Zero() {
	for i := range k.Cipher {
		k.Cipher[i] = 0
	}
	for i := range k.MAC {
		k.MAC[i] = 0
	}
}

// DeriveKeys runs HKDF-SHA256 over the shared secret with the server nonce
// as salt and splits the output into cipher and MAC keys.
func DeriveKeys(secret, nonce []byte) (Keys, error) {
	var k Keys
	if len(secret) == 0 || len(nonce) == 0 {
		return k, errors.New("empty key material")
	}
	r := hkdf.New(sha256.New, secret, nonce, []byte(kdfLabel))
	if _, err := io.ReadFull(r, k.Cipher[:]); err != nil {
		return Keys{}, err
	}
	if _, err := io.ReadFull(r, k.MAC[:]); err != nil {
		return Keys{}, err
	}
	return k, nil
}

// -----------------------------------------------------------------------------
// X25519 ephemeral keys
// -----------------------------------------------------------------------------

type Ephemeral struct {
	priv      *ecdh.PrivateKey
	privBytes []byte
	pub       []byte
	destroyed bool
}

func (e *Ephemeral) String() string {
	return "Ephemeral{REDACTED}"
}

func (e *Ephemeral) GoString() string {
	return "crypto.Ephemeral{REDACTED}"
}

func GenerateEphemeral() (*Ephemeral, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	privBytes := priv.Bytes()
	privCopy := make([]byte, len(privBytes))
	copy(privCopy, privBytes)
	pubBytes := priv.PublicKey().Bytes()
	pubCopy := make([]byte, len(pubBytes))
	copy(pubCopy, pubBytes)
	return &Ephemeral{priv: priv, privBytes: privCopy, pub: pubCopy}, nil
}

func (e *Ephemeral) Public() ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	out := make([]byte, len(e.pub))
	copy(out, e.pub)
	return out, nil
}

func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	if len(peerPub) == 0 {
		return nil, errors.New("empty key material")
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return e.priv.ECDH(pub)
}

func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	for i := range e.privBytes {
		e.privBytes[i] = 0
	}
	for i := range e.pub {
		e.pub[i] = 0
	}
	e.priv = nil
	e.destroyed = true
}

// -----------------------------------------------------------------------------
// RSA-2048 key transport
// -----------------------------------------------------------------------------

func GenerateRSAKeypair() ([]byte, []byte, error) {
	priv, err := rsa.GenerateKey(rand.Reader, RSABits)
	if err != nil {
		return nil, nil, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	return pubDER, privDER, nil
}

func ParseRSAPublicKey(pub []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not rsa public key")
	}
	return rsaKey, nil
}

func ParseRSAPrivateKey(priv []byte) (*rsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not rsa private key")
	}
	return rsaKey, nil
}

// TransportSecret generates a fresh pre-master secret and seals it to the
// peer's RSA public key with OAEP-SHA256.
func TransportSecret(peerPubDER []byte) (secret, sealed []byte, err error) {
	pub, err := ParseRSAPublicKey(peerPubDER)
	if err != nil {
		return nil, nil, fmt.Errorf("bad rsa key: %w", err)
	}
	if pub.Size() < RSABits/8 {
		return nil, nil, fmt.Errorf("rsa key too small: %d bits", pub.Size()*8)
	}
	secret = make([]byte, PreMasterSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, nil, err
	}
	sealed, err = rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, secret, nil)
	if err != nil {
		Zero(secret)
		return nil, nil, err
	}
	return secret, sealed, nil
}

// RecoverSecret opens an RSA-OAEP sealed pre-master with the private key.
func RecoverSecret(privDER, sealed []byte) ([]byte, error) {
	priv, err := ParseRSAPrivateKey(privDER)
	if err != nil {
		return nil, fmt.Errorf("bad rsa key: %w", err)
	}
	secret, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, sealed, nil)
	if err != nil {
		return nil, err
	}
	if len(secret) != PreMasterSize {
		Zero(secret)
		return nil, errors.New("bad pre-master size")
	}
	return secret, nil
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
