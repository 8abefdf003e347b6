package crypto

import (
	"encoding/hex"
	"fmt"

	"securechat/internal/proto"
)

// NegotiateSuite picks the strongest mutually supported suite. The forward
// secret ECDH suite wins over RSA key transport when both are offered.
func NegotiateSuite(offered []string) (string, error) {
	var haveRSA, haveECDH bool
	for _, s := range offered {
		switch s {
		case proto.SuiteECDH:
			haveECDH = true
		case proto.SuiteRSA:
			haveRSA = true
		}
	}
	if haveECDH {
		return proto.SuiteECDH, nil
	}
	if haveRSA {
		return proto.SuiteRSA, nil
	}
	return "", fmt.Errorf("%w: no common cipher suite", ErrKeyExchangeFailed)
}

// ServerExchange runs the responder side of the initial key exchange and
// builds the HELLO_ACK. The derived Keys feed a fresh SessionCipher.
func ServerExchange(hello proto.HelloMsg) (proto.HelloAckMsg, Keys, error) {
	suite, err := NegotiateSuite(hello.SupportedCipherSuites)
	if err != nil {
		return proto.HelloAckMsg{}, Keys{}, err
	}
	clientPub, err := hex.DecodeString(hello.ClientPublicKey)
	if err != nil || len(clientPub) == 0 {
		return proto.HelloAckMsg{}, Keys{}, fmt.Errorf("%w: bad client key", ErrKeyExchangeFailed)
	}
	nonce, err := RandomBytes(proto.ServerNonceSize)
	if err != nil {
		return proto.HelloAckMsg{}, Keys{}, err
	}

	var serverField, secret []byte
	switch suite {
	case proto.SuiteECDH:
		eph, err := GenerateEphemeral()
		if err != nil {
			return proto.HelloAckMsg{}, Keys{}, err
		}
		defer eph.Destroy()
		serverField, err = eph.Public()
		if err != nil {
			return proto.HelloAckMsg{}, Keys{}, err
		}
		secret, err = eph.Shared(clientPub)
		if err != nil {
			return proto.HelloAckMsg{}, Keys{}, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err)
		}
	case proto.SuiteRSA:
		secret, serverField, err = TransportSecret(clientPub)
		if err != nil {
			return proto.HelloAckMsg{}, Keys{}, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err)
		}
	}
	defer Zero(secret)

	keys, err := DeriveKeys(secret, nonce)
	if err != nil {
		return proto.HelloAckMsg{}, Keys{}, err
	}
	ack := proto.HelloAckMsg{
		ChosenCipherSuite: suite,
		ServerPublicKey:   hex.EncodeToString(serverField),
		ServerNonce:       hex.EncodeToString(nonce),
	}
	return ack, keys, nil
}

// ClientExchange completes the initiator side once the HELLO_ACK arrives.
// For ECDH, eph is the ephemeral generated before HELLO; for RSA, rsaPrivDER
// is the private key matching the HELLO's public key.
func ClientExchange(ack proto.HelloAckMsg, eph *Ephemeral, rsaPrivDER []byte) (Keys, error) {
	nonce, err := hex.DecodeString(ack.ServerNonce)
	if err != nil || len(nonce) != proto.ServerNonceSize {
		return Keys{}, fmt.Errorf("%w: bad server nonce", ErrKeyExchangeFailed)
	}
	serverField, err := hex.DecodeString(ack.ServerPublicKey)
	if err != nil || len(serverField) == 0 {
		return Keys{}, fmt.Errorf("%w: bad server field", ErrKeyExchangeFailed)
	}
	var secret []byte
	switch ack.ChosenCipherSuite {
	case proto.SuiteECDH:
		if eph == nil {
			return Keys{}, fmt.Errorf("%w: missing ephemeral", ErrKeyExchangeFailed)
		}
		secret, err = eph.Shared(serverField)
		if err != nil {
			return Keys{}, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err)
		}
	case proto.SuiteRSA:
		secret, err = RecoverSecret(rsaPrivDER, serverField)
		if err != nil {
			return Keys{}, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err)
		}
	default:
		return Keys{}, fmt.Errorf("%w: unknown suite %q", ErrKeyExchangeFailed, ack.ChosenCipherSuite)
	}
	defer Zero(secret)
	return DeriveKeys(secret, nonce)
}

// Rekey exchanges always run X25519 regardless of the initial suite, so every
// rotation gains forward secrecy. The exchange rides inside the live session.

// BeginRekey generates the initiator's ephemeral and nonce for a rekey
// message. The caller must Destroy the ephemeral after FinishRekey.
func BeginRekey() (*Ephemeral, []byte, error) {
	eph, err := GenerateEphemeral()
	if err != nil {
		return nil, nil, err
	}
	nonce, err := RandomBytes(proto.ServerNonceSize)
	if err != nil {
		eph.Destroy()
		return nil, nil, err
	}
	return eph, nonce, nil
}

// RespondRekey derives the responder's keys from the initiator's public key
// and nonce, returning the responder public key to echo back.
func RespondRekey(initiatorPub, nonce []byte) ([]byte, Keys, error) {
	eph, err := GenerateEphemeral()
	if err != nil {
		return nil, Keys{}, err
	}
	defer eph.Destroy()
	pub, err := eph.Public()
	if err != nil {
		return nil, Keys{}, err
	}
	secret, err := eph.Shared(initiatorPub)
	if err != nil {
		return nil, Keys{}, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err)
	}
	defer Zero(secret)
	keys, err := DeriveKeys(secret, nonce)
	if err != nil {
		return nil, Keys{}, err
	}
	return pub, keys, nil
}

// FinishRekey derives the initiator's keys once the responder's public key
// arrives.
func FinishRekey(eph *Ephemeral, responderPub, nonce []byte) (Keys, error) {
	secret, err := eph.Shared(responderPub)
	if err != nil {
		return Keys{}, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err)
	}
	defer Zero(secret)
	return DeriveKeys(secret, nonce)
}
