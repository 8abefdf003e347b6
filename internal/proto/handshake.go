package proto

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	ProtoVersion = 1

	SuiteRSA  = "RSA-AES256-HMACSHA256"
	SuiteECDH = "ECDH-AES256-HMACSHA256"

	MaxHelloSize    = 8 << 10
	MaxHelloAckSize = 8 << 10

	ServerNonceSize = 16
)

// HelloMsg is the first cleartext frame from the client. ClientPublicKey is
// hex: a 2048-bit PKIX DER key for the RSA suite, 32 raw bytes for ECDH.
type HelloMsg struct {
	ProtoVersion          int      `json:"protoVersion"`
	SupportedCipherSuites []string `json:"supportedCipherSuites"`
	ClientPublicKey       string   `json:"clientPublicKey"`
}

// HelloAckMsg is the server reply. For the ECDH suite ServerPublicKey is the
// server's ephemeral X25519 public key; for the RSA suite it carries the
// RSA-OAEP ciphertext of the pre-master secret.
type HelloAckMsg struct {
	ChosenCipherSuite string `json:"chosenCipherSuite"`
	ServerPublicKey   string `json:"serverPublicKey"`
	ServerNonce       string `json:"serverNonce"`
}

func EncodeHello(m HelloMsg) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return prependVersion(data), nil
}

func DecodeHello(payload []byte) (HelloMsg, error) {
	data, err := stripVersion(payload, MaxHelloSize)
	if err != nil {
		return HelloMsg{}, err
	}
	var m HelloMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return HelloMsg{}, err
	}
	if m.ProtoVersion != ProtoVersion {
		return HelloMsg{}, fmt.Errorf("unsupported protocol version %d", m.ProtoVersion)
	}
	if len(m.SupportedCipherSuites) == 0 {
		return HelloMsg{}, fmt.Errorf("no cipher suites offered")
	}
	if _, err := hex.DecodeString(m.ClientPublicKey); err != nil || m.ClientPublicKey == "" {
		return HelloMsg{}, fmt.Errorf("bad client public key")
	}
	return m, nil
}

func EncodeHelloAck(m HelloAckMsg) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return prependVersion(data), nil
}

func DecodeHelloAck(payload []byte) (HelloAckMsg, error) {
	data, err := stripVersion(payload, MaxHelloAckSize)
	if err != nil {
		return HelloAckMsg{}, err
	}
	var m HelloAckMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return HelloAckMsg{}, err
	}
	if m.ChosenCipherSuite == "" {
		return HelloAckMsg{}, fmt.Errorf("missing cipher suite")
	}
	nonce, err := hex.DecodeString(m.ServerNonce)
	if err != nil || len(nonce) != ServerNonceSize {
		return HelloAckMsg{}, fmt.Errorf("bad server nonce")
	}
	if _, err := hex.DecodeString(m.ServerPublicKey); err != nil || m.ServerPublicKey == "" {
		return HelloAckMsg{}, fmt.Errorf("bad server public key")
	}
	return m, nil
}

func prependVersion(data []byte) []byte {
	out := make([]byte, 1+len(data))
	out[0] = FrameVersionHandshake
	copy(out[1:], data)
	return out
}

func stripVersion(payload []byte, maxSize int) ([]byte, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("handshake frame too short")
	}
	if payload[0] != FrameVersionHandshake {
		return nil, fmt.Errorf("unexpected frame version %d", payload[0])
	}
	if len(payload)-1 > maxSize {
		return nil, fmt.Errorf("handshake frame too large")
	}
	return payload[1:], nil
}
