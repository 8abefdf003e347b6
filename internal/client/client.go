// Package client is a minimal programmatic counterpart to the server
// engine: it dials, runs the handshake as initiator, authenticates, and
// exchanges envelopes. The desktop UI builds on the same primitives; tests
// drive the server with it directly.
package client

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"securechat/internal/crypto"
	"securechat/internal/proto"
)

type Options struct {
	// TLS enables transport encryption with the given config.
	TLS *tls.Config

	// Suites offered in HELLO; defaults to the ECDH suite.
	Suites []string

	// AutoAck answers every received user-visible message with a delivery
	// frame, the way an interactive client confirms receipt.
	AutoAck bool

	// AutoRekey transparently answers server-initiated rekey requests.
	// Dial always turns it on, whatever the caller passes.
	AutoRekey bool

	DialTimeout time.Duration
}

type Client struct {
	nc     net.Conn
	opts   Options
	cipher *crypto.SessionCipher

	rbuf      proto.FrameBuffer
	readChunk []byte
	readErr   error

	writeMu sync.Mutex

	Username string
	Token    string
}

func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if len(opts.Suites) == 0 {
		opts.Suites = []string{proto.SuiteECDH}
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 10 * time.Second
	}
	opts.AutoRekey = true
	d := net.Dialer{Timeout: opts.DialTimeout}
	var nc net.Conn
	var err error
	if opts.TLS != nil {
		nc, err = tls.DialWithDialer(&d, "tcp", addr, opts.TLS)
	} else {
		nc, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	c := &Client{nc: nc, opts: opts, readChunk: make([]byte, 8192)}
	if err := c.handshake(); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

// handshake sends HELLO and installs the session cipher from HELLO_ACK.
func (c *Client) handshake() error {
	var eph *crypto.Ephemeral
	var rsaPriv []byte
	var clientPub []byte
	offersECDH := false
	for _, s := range c.opts.Suites {
		if s == proto.SuiteECDH {
			offersECDH = true
		}
	}
	if offersECDH {
		var err error
		eph, err = crypto.GenerateEphemeral()
		if err != nil {
			return err
		}
		defer eph.Destroy()
		clientPub, err = eph.Public()
		if err != nil {
			return err
		}
	} else {
		pub, priv, err := crypto.GenerateRSAKeypair()
		if err != nil {
			return err
		}
		rsaPriv = priv
		clientPub = pub
	}
	hello, err := proto.EncodeHello(proto.HelloMsg{
		ProtoVersion:          proto.ProtoVersion,
		SupportedCipherSuites: c.opts.Suites,
		ClientPublicKey:       hex.EncodeToString(clientPub),
	})
	if err != nil {
		return err
	}
	if err := c.writeFrame(hello); err != nil {
		return err
	}
	payload, err := c.readFramePayload(time.Now().Add(10 * time.Second))
	if err != nil {
		return err
	}
	ack, err := proto.DecodeHelloAck(payload)
	if err != nil {
		return err
	}
	keys, err := crypto.ClientExchange(ack, eph, rsaPriv)
	if err != nil {
		return err
	}
	cipher, err := crypto.NewSessionCipher(keys)
	if err != nil {
		return err
	}
	c.cipher = cipher
	return nil
}

// Login authenticates with a password or a previously issued token.
func (c *Client) Login(username, secret string) error {
	if err := c.Send(proto.Message{
		Type:     proto.MsgTypeAuth,
		Username: username,
		Password: secret,
	}); err != nil {
		return err
	}
	reply, err := c.Recv(10 * time.Second)
	if err != nil {
		return err
	}
	if reply.Type != proto.MsgTypeAuth {
		return fmt.Errorf("unexpected %q reply to auth", reply.Type)
	}
	if !reply.OK {
		return fmt.Errorf("authentication rejected: %s", reply.Error)
	}
	c.Username = username
	c.Token = reply.Token
	return nil
}

// Send seals one message into an envelope and writes it.
func (c *Client) Send(msg proto.Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	payload, err := proto.EncodeMessage(msg)
	if err != nil {
		return err
	}
	env, err := c.cipher.Encrypt(payload)
	if err != nil {
		return err
	}
	return c.writeFrame(proto.PackEnvelope(env))
}

// SendText broadcasts a text message and returns its generated id.
func (c *Client) SendText(content, recipient string) (string, error) {
	id := NewMessageID()
	err := c.Send(proto.Message{
		Type:      proto.MsgTypeText,
		ID:        id,
		Recipient: recipient,
		Content:   content,
	})
	return id, err
}

// Recv returns the next application message. Rekey control frames are
// answered transparently; keep-alive probes are surfaced like any message.
func (c *Client) Recv(timeout time.Duration) (proto.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		msg, err := c.recvRaw(deadline)
		if err != nil {
			return proto.Message{}, err
		}
		if c.opts.AutoRekey && msg.Type == proto.MsgTypeRekey {
			if err := c.answerRekey(msg); err != nil {
				return proto.Message{}, err
			}
			continue
		}
		if c.opts.AutoAck && proto.UserVisible(msg.Type) && msg.ID != "" {
			if err := c.Send(proto.Message{Type: proto.MsgTypeDelivery, ID: msg.ID, Status: "delivered"}); err != nil {
				return proto.Message{}, err
			}
		}
		return msg, nil
	}
}

func (c *Client) recvRaw(deadline time.Time) (proto.Message, error) {
	payload, err := c.readFramePayload(deadline)
	if err != nil {
		return proto.Message{}, err
	}
	env, err := proto.UnpackEnvelope(payload)
	if err != nil {
		return proto.Message{}, err
	}
	plain, err := c.cipher.Decrypt(env)
	if err != nil {
		return proto.Message{}, err
	}
	return proto.DecodeMessage(plain)
}

// answerRekey completes a server-initiated rotation: the ack is the last
// frame under the old keys, then both directions swap.
func (c *Client) answerRekey(msg proto.Message) error {
	peerPub, err := hex.DecodeString(msg.PublicKey)
	if err != nil {
		return err
	}
	nonce, err := hex.DecodeString(msg.Nonce)
	if err != nil {
		return err
	}
	pub, keys, err := crypto.RespondRekey(peerPub, nonce)
	if err != nil {
		return err
	}
	if err := c.Send(proto.Message{
		Type:      proto.MsgTypeRekeyAck,
		PublicKey: hex.EncodeToString(pub),
	}); err != nil {
		return err
	}
	return c.cipher.Rekey(keys)
}

// RequestRekey initiates a client-driven rotation and waits for the ack.
func (c *Client) RequestRekey(timeout time.Duration) error {
	eph, nonce, err := crypto.BeginRekey()
	if err != nil {
		return err
	}
	defer eph.Destroy()
	pub, err := eph.Public()
	if err != nil {
		return err
	}
	if err := c.Send(proto.Message{
		Type:      proto.MsgTypeRekey,
		PublicKey: hex.EncodeToString(pub),
		Nonce:     hex.EncodeToString(nonce),
	}); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		msg, err := c.recvRaw(deadline)
		if err != nil {
			return err
		}
		if msg.Type != proto.MsgTypeRekeyAck {
			// Frames already in flight under the old keys surface first.
			continue
		}
		respPub, err := hex.DecodeString(msg.PublicKey)
		if err != nil {
			return err
		}
		keys, err := crypto.FinishRekey(eph, respPub, nonce)
		if err != nil {
			return err
		}
		return c.cipher.Rekey(keys)
	}
}

func (c *Client) Close() error {
	if c.cipher != nil {
		c.cipher.Close()
	}
	return c.nc.Close()
}

func (c *Client) writeFrame(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.nc.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return proto.WriteFrame(c.nc, payload)
}

func (c *Client) readFramePayload(deadline time.Time) ([]byte, error) {
	for {
		payload, err := c.rbuf.Next()
		if err != nil {
			return nil, err
		}
		if payload != nil {
			return payload, nil
		}
		if c.readErr != nil {
			return nil, c.readErr
		}
		if err := c.nc.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, err := c.nc.Read(c.readChunk)
		if n > 0 {
			c.rbuf.Feed(c.readChunk[:n])
		}
		if err != nil {
			c.readErr = err
		}
	}
}

// NewMessageID returns a fresh 32-hex-character message id.
func NewMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
