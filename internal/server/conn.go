package server

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"securechat/internal/auth"
	"securechat/internal/crypto"
	"securechat/internal/debuglog"
	"securechat/internal/limiter"
	"securechat/internal/proto"
	"securechat/internal/sendq"
)

const (
	connectTimeout = 10 * time.Second
	authTimeout    = 30 * time.Second
	writeTimeout   = 10 * time.Second
	drainTimeout   = 2 * time.Second
	rekeyAckWait   = 10 * time.Second
	typingDebounce = 3 * time.Second

	readChunkSize = 8192
)

// Conn is one accepted connection: the FSM, the crypto session, the send
// queue and the two driver goroutines. The registry owns it; everything else
// addresses it by id.
type Conn struct {
	id  uint64
	srv *Server
	nc  net.Conn

	state atomic.Int32

	cipher  *crypto.SessionCipher
	queue   *sendq.Queue
	limiter *limiter.Limiter

	mu        sync.Mutex
	principal auth.Principal

	rbuf      proto.FrameBuffer
	readChunk []byte
	readErr   error

	writeMu sync.Mutex

	ackMu sync.Mutex
	acks  map[string]chan struct{}

	rekeyMu    sync.Mutex
	rekeyEph   *crypto.Ephemeral
	rekeyNonce []byte
	rekeyDone  chan struct{}
	respKeys   *crypto.Keys

	typingMu   sync.Mutex
	lastTyping time.Time

	connectedAt  time.Time
	lastActivity atomic.Int64

	msgsIn   atomic.Uint64
	msgsOut  atomic.Uint64
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64

	cancel         context.CancelFunc
	disconnectOnce sync.Once
	closed         chan struct{}
}

func newConn(srv *Server, nc net.Conn, id uint64) *Conn {
	c := &Conn{
		id:          id,
		srv:         srv,
		nc:          nc,
		queue:       sendq.New(srv.cfg.Send.QueueCapacity),
		limiter:     limiter.New(srv.limiterConfig()),
		readChunk:   make([]byte, readChunkSize),
		acks:        make(map[string]chan struct{}),
		connectedAt: time.Now(),
		closed:      make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	c.touch()
	return c
}

func (c *Conn) ID() uint64 { return c.id }

func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Conn) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal.Username
}

func (c *Conn) Principal() auth.Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Closed is closed once the connection reaches its terminal state.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

func (c *Conn) QueueDepth() int { return c.queue.Len() }

// run drives the connection to completion. It owns the receive direction;
// the send direction runs in its own goroutine after key exchange. The
// cancel function is installed by the acceptor before run starts.
func (c *Conn) run(ctx context.Context) {
	defer c.beginDisconnect("io")

	if err := c.transportHandshake(ctx); err != nil {
		c.srv.log.Debug("transport handshake failed", "conn", c.id, "err", err)
		return
	}
	c.setState(StateAwaitAuth)

	if err := c.keyExchange(); err != nil {
		c.srv.log.Debug("key exchange failed", "conn", c.id, "err", err)
		return
	}

	go c.sendLoop(ctx)

	if err := c.authenticate(ctx); err != nil {
		c.srv.log.Debug("authentication failed", "conn", c.id, "err", err)
		return
	}

	c.readLoop(ctx)
}

// transportHandshake completes TLS (when enabled) within the Connecting
// budget. Plain TCP has nothing to do here.
func (c *Conn) transportHandshake(ctx context.Context) error {
	tc, ok := c.nc.(*tls.Conn)
	if !ok {
		return nil
	}
	hsCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := tc.HandshakeContext(hsCtx); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}
	return nil
}

// keyExchange runs the responder side: read HELLO, negotiate, reply
// HELLO_ACK, install the session cipher.
func (c *Conn) keyExchange() error {
	payload, err := c.readFramePayload(time.Now().Add(connectTimeout))
	if err != nil {
		return err
	}
	hello, err := proto.DecodeHello(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", crypto.ErrKeyExchangeFailed, err)
	}
	ack, keys, err := crypto.ServerExchange(hello)
	if err != nil {
		return err
	}
	cipher, err := crypto.NewSessionCipher(keys)
	if err != nil {
		return err
	}
	ackPayload, err := proto.EncodeHelloAck(ack)
	if err != nil {
		return err
	}
	if err := c.writeFrame(ackPayload); err != nil {
		return err
	}
	c.cipher = cipher
	return nil
}

// authenticate consumes auth envelopes until success, lockout, or deadline.
// Failures are answered and counted toward the login lockout.
func (c *Conn) authenticate(ctx context.Context) error {
	deadline := time.Now().Add(authTimeout)
	for {
		if c.limiter.LockedOut() {
			return fmt.Errorf("login locked out")
		}
		msg, _, err := c.readMessage(deadline)
		if errors.Is(err, errRecoverableDecode) {
			continue
		}
		if err != nil {
			return err
		}
		if msg.Type != proto.MsgTypeAuth {
			c.sendError(CodeProtocolError, "authentication required")
			return fmt.Errorf("unexpected %q frame before auth", msg.Type)
		}
		secret := msg.Password
		if secret == "" {
			secret = msg.Token
		}
		principal, err := c.srv.verifier.Verify(ctx, msg.Username, secret)
		if err != nil {
			c.srv.metrics.IncAuthFailed()
			locked := c.limiter.RecordLoginFailure()
			c.enqueueOwn(proto.Message{
				Type:  proto.MsgTypeAuth,
				OK:    false,
				Error: CodeAuthFailed,
			}, sendq.Critical)
			if locked {
				return fmt.Errorf("login lockout after repeated failures")
			}
			continue
		}
		if c.srv.draining() {
			c.sendError(CodeShutdown, "server shutting down")
			return ErrServerShutdown
		}
		c.mu.Lock()
		c.principal = principal
		c.mu.Unlock()
		if prev := c.srv.registry.Bind(c, principal.Username); prev != nil {
			c.srv.metrics.IncSessionReplaced()
			prev.sendError(CodeSessionReplaced, "signed in from another connection")
			prev.beginDisconnect("session replaced")
		}
		c.setState(StateAuthenticated)
		c.srv.metrics.IncAuthenticated()
		c.touch()
		c.enqueueOwn(proto.Message{
			Type:  proto.MsgTypeAuth,
			OK:    true,
			Token: principal.Token,
		}, sendq.Critical)
		c.srv.log.Info("client authenticated", "conn", c.id, "user", principal.Username)
		return nil
	}
}

// readLoop is the receive driver in the Authenticated state.
func (c *Conn) readLoop(ctx context.Context) {
	idle := c.srv.idleTimeout()
	for {
		if ctx.Err() != nil || c.State() != StateAuthenticated {
			return
		}
		msg, size, err := c.readMessage(time.Now().Add(idle))
		if errors.Is(err, errRecoverableDecode) {
			c.touch()
			continue
		}
		if err != nil {
			if c.State() == StateAuthenticated {
				c.classifyReadError(err)
			}
			return
		}
		c.touch()
		c.msgsIn.Add(1)
		c.srv.metrics.IncMessagesIn()
		if fatal := c.dispatch(msg, size); fatal != nil {
			c.srv.log.Warn("fatal protocol error", "conn", c.id, "err", fatal)
			c.beginDisconnect(fatal.Error())
			return
		}
	}
}

func (c *Conn) classifyReadError(err error) {
	switch {
	case errors.Is(err, crypto.ErrReplayDetected):
		c.srv.metrics.IncReplayDetected()
		c.srv.log.Warn("replay detected", "conn", c.id, "user", c.Username())
	case errors.Is(err, crypto.ErrIntegrityFailed):
		c.srv.metrics.IncIntegrityFailed()
		c.srv.log.Warn("integrity failure", "conn", c.id, "user", c.Username())
	case errors.Is(err, io.EOF):
		debuglog.Debugf("conn %d closed by peer", c.id)
	default:
		debuglog.RateLimitedf(fmt.Sprintf("read-err-%d", c.id), time.Second, "conn %d read error: %v", c.id, err)
	}
	c.beginDisconnect(err.Error())
}

// dispatch routes one decoded message. A non-nil return terminates the
// connection; recoverable problems answer with an error frame and keep it.
func (c *Conn) dispatch(msg proto.Message, size int) error {
	// Rate limiting applies to everything a client pushes at us.
	if !c.limiter.AllowMessage(size) {
		c.srv.metrics.IncRateLimited()
		c.sendError(CodeRateLimited, "rate limit exceeded")
		return nil
	}
	if max := proto.MaxSizeForType(msg.Type); max > 0 && size > max {
		c.srv.metrics.IncDecodeErrors()
		c.sendError(CodeDecodeError, fmt.Sprintf("%s frame too large", msg.Type))
		return nil
	}
	switch msg.Type {
	case proto.MsgTypeText, proto.MsgTypeImage, proto.MsgTypeFile, proto.MsgTypeAudio, proto.MsgTypeVideo:
		return c.routeUserMessage(msg)
	case proto.MsgTypeTyping:
		c.routeTyping(msg)
	case proto.MsgTypeReadReceipt:
		c.routeReadReceipt(msg)
	case proto.MsgTypeUserList:
		c.enqueueOwn(proto.Message{
			Type:  proto.MsgTypeUserList,
			Users: c.srv.registry.Directory(),
		}, sendq.Normal)
	case proto.MsgTypeUserStatus:
		c.routeUserStatus(msg)
	case proto.MsgTypeDelivery:
		c.ackNotify(msg.ID)
	case proto.MsgTypeRekey:
		return c.handleRekeyRequest(msg)
	case proto.MsgTypeRekeyAck:
		return c.handleRekeyAck(msg)
	case proto.MsgTypeAuth:
		// Auth frames are only legal in AwaitAuth.
		return fmt.Errorf("auth frame in authenticated state")
	case proto.MsgTypeError:
		c.srv.log.Warn("client error frame", "conn", c.id, "code", msg.Code, "detail", msg.Error)
	case proto.MsgTypeSystem:
		// Keep-alive echo; activity already recorded.
	default:
		c.srv.metrics.IncDecodeErrors()
		c.sendError(CodeDecodeError, fmt.Sprintf("unknown message type %q", msg.Type))
	}
	return nil
}

func (c *Conn) routeUserMessage(msg proto.Message) error {
	if !proto.ValidMessageID(msg.ID) {
		c.srv.metrics.IncDecodeErrors()
		c.sendError(CodeDecodeError, "missing or malformed message id")
		return nil
	}
	msg.Sender = c.Username()
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if msg.Recipient != "" {
		if err := c.srv.sendTo(msg.Recipient, msg, c.id); err != nil {
			c.sendError(CodePeerNotFound, fmt.Sprintf("user %q not connected", msg.Recipient))
			return nil
		}
	} else {
		c.srv.broadcast(msg, c.id)
	}
	c.enqueueOwn(proto.Message{
		Type:   proto.MsgTypeDelivery,
		ID:     msg.ID,
		Status: "delivered",
	}, sendq.High)
	return nil
}

func (c *Conn) routeTyping(msg proto.Message) {
	c.typingMu.Lock()
	since := time.Since(c.lastTyping)
	if since < typingDebounce {
		c.typingMu.Unlock()
		return
	}
	c.lastTyping = time.Now()
	c.typingMu.Unlock()
	msg.Sender = c.Username()
	c.srv.broadcast(msg, c.id)
}

func (c *Conn) routeReadReceipt(msg proto.Message) {
	if msg.Recipient == "" {
		return
	}
	msg.Sender = c.Username()
	// Best-effort: a disconnected original sender simply misses the receipt.
	_ = c.srv.sendTo(msg.Recipient, msg, c.id)
}

func (c *Conn) routeUserStatus(msg proto.Message) {
	target := msg.Recipient
	if target == "" {
		target = msg.Username
	}
	status := "offline"
	if peer, ok := c.srv.registry.Lookup(target); ok && peer.State() == StateAuthenticated {
		status = "online"
	}
	c.enqueueOwn(proto.Message{
		Type:      proto.MsgTypeUserStatus,
		Recipient: target,
		Status:    status,
	}, sendq.Normal)
}

// -----------------------------------------------------------------------------
// Rekey
// -----------------------------------------------------------------------------

// StartRekey begins a server-initiated rotation. The send driver pauses
// after emitting the rekey frame until the peer acknowledges, so no frame is
// ever sealed under keys the peer has already discarded.
func (c *Conn) StartRekey() {
	c.rekeyMu.Lock()
	if c.rekeyEph != nil {
		c.rekeyMu.Unlock()
		return
	}
	eph, nonce, err := crypto.BeginRekey()
	if err != nil {
		c.rekeyMu.Unlock()
		c.srv.log.Error("rekey start failed", "conn", c.id, "err", err)
		return
	}
	pub, err := eph.Public()
	if err != nil {
		eph.Destroy()
		c.rekeyMu.Unlock()
		return
	}
	c.rekeyEph = eph
	c.rekeyNonce = nonce
	c.rekeyDone = make(chan struct{})
	c.rekeyMu.Unlock()
	c.enqueueOwn(proto.Message{
		Type:      proto.MsgTypeRekey,
		PublicKey: hex.EncodeToString(pub),
		Nonce:     hex.EncodeToString(nonce),
	}, sendq.Critical)
}

// handleRekeyRequest answers a peer-initiated rotation. The ack is the last
// frame sealed under the old keys; the swap happens in the send driver right
// after it is written.
func (c *Conn) handleRekeyRequest(msg proto.Message) error {
	peerPub, err := hex.DecodeString(msg.PublicKey)
	if err != nil || len(peerPub) == 0 {
		return fmt.Errorf("%w: bad rekey public key", crypto.ErrKeyExchangeFailed)
	}
	nonce, err := hex.DecodeString(msg.Nonce)
	if err != nil || len(nonce) != proto.ServerNonceSize {
		return fmt.Errorf("%w: bad rekey nonce", crypto.ErrKeyExchangeFailed)
	}
	pub, keys, err := crypto.RespondRekey(peerPub, nonce)
	if err != nil {
		return err
	}
	c.rekeyMu.Lock()
	c.respKeys = &keys
	c.rekeyMu.Unlock()
	c.enqueueOwn(proto.Message{
		Type:      proto.MsgTypeRekeyAck,
		PublicKey: hex.EncodeToString(pub),
	}, sendq.Critical)
	return nil
}

func (c *Conn) handleRekeyAck(msg proto.Message) error {
	c.rekeyMu.Lock()
	eph, nonce, done := c.rekeyEph, c.rekeyNonce, c.rekeyDone
	c.rekeyEph, c.rekeyNonce, c.rekeyDone = nil, nil, nil
	c.rekeyMu.Unlock()
	if eph == nil {
		return fmt.Errorf("%w: unsolicited rekey ack", crypto.ErrKeyExchangeFailed)
	}
	defer eph.Destroy()
	peerPub, err := hex.DecodeString(msg.PublicKey)
	if err != nil || len(peerPub) == 0 {
		return fmt.Errorf("%w: bad rekey ack key", crypto.ErrKeyExchangeFailed)
	}
	keys, err := crypto.FinishRekey(eph, peerPub, nonce)
	if err != nil {
		return err
	}
	if err := c.cipher.Rekey(keys); err != nil {
		return err
	}
	crypto.Zero(nonce)
	c.srv.metrics.IncRekeys()
	if done != nil {
		close(done)
	}
	debuglog.Debugf("conn %d rekeyed", c.id)
	return nil
}

// -----------------------------------------------------------------------------
// Send direction
// -----------------------------------------------------------------------------

// sendLoop is the sole consumer of the queue: pop, rate-pace, seal, write,
// then wait for the delivery ack when the entry demands one.
func (c *Conn) sendLoop(ctx context.Context) {
	for {
		e, err := c.queue.Pop(ctx)
		if err != nil {
			return
		}
		if err := c.limiter.WaitBytes(ctx, len(e.Payload)); err != nil {
			return
		}
		env, err := c.cipher.Encrypt(e.Payload)
		if err != nil {
			c.srv.log.Error("encrypt failed", "conn", c.id, "err", err)
			c.beginDisconnect("encrypt failure")
			return
		}
		var ackCh chan struct{}
		if e.WantAck {
			ackCh = c.registerAck(e.MsgID)
		}
		if err := c.writeFrame(proto.PackEnvelope(env)); err != nil {
			c.unregisterAck(e.MsgID)
			debuglog.RateLimitedf(fmt.Sprintf("write-err-%d", c.id), time.Second, "conn %d write error: %v", c.id, err)
			c.beginDisconnect("write failure")
			return
		}
		c.msgsOut.Add(1)
		c.srv.metrics.IncMessagesOut()

		switch e.MsgType {
		case proto.MsgTypeRekey:
			if !c.awaitRekeyAck(ctx) {
				c.beginDisconnect("rekey unacknowledged")
				return
			}
		case proto.MsgTypeRekeyAck:
			c.swapResponderKeys()
		}

		if ackCh != nil {
			c.awaitDeliveryAck(ctx, e, ackCh)
		}
	}
}

func (c *Conn) awaitRekeyAck(ctx context.Context) bool {
	c.rekeyMu.Lock()
	done := c.rekeyDone
	c.rekeyMu.Unlock()
	if done == nil {
		// Ack already processed before the send driver got here.
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(rekeyAckWait):
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Conn) swapResponderKeys() {
	c.rekeyMu.Lock()
	keys := c.respKeys
	c.respKeys = nil
	c.rekeyMu.Unlock()
	if keys == nil {
		return
	}
	if err := c.cipher.Rekey(*keys); err != nil {
		c.srv.log.Error("rekey swap failed", "conn", c.id, "err", err)
		c.beginDisconnect("rekey swap failure")
		return
	}
	c.srv.metrics.IncRekeys()
}

func (c *Conn) awaitDeliveryAck(ctx context.Context, e *sendq.Entry, ackCh chan struct{}) {
	timer := time.NewTimer(c.srv.ackTimeout())
	defer timer.Stop()
	select {
	case <-ackCh:
		c.unregisterAck(e.MsgID)
	case <-timer.C:
		c.unregisterAck(e.MsgID)
		c.srv.metrics.IncAckTimeouts()
		e.Retries++
		if e.Retries > c.srv.cfg.Send.MaxRetries {
			c.srv.notifySendFailure(e.Origin, e.MsgID, CodeMessageFailed)
			c.srv.metrics.IncEnqueueFailed()
			return
		}
		if _, err := c.queue.Push(e); err != nil {
			c.srv.notifySendFailure(e.Origin, e.MsgID, CodeMessageFailed)
		}
	case <-ctx.Done():
		c.unregisterAck(e.MsgID)
	}
}

func (c *Conn) registerAck(msgID string) chan struct{} {
	ch := make(chan struct{})
	c.ackMu.Lock()
	c.acks[msgID] = ch
	c.ackMu.Unlock()
	return ch
}

func (c *Conn) unregisterAck(msgID string) {
	c.ackMu.Lock()
	delete(c.acks, msgID)
	c.ackMu.Unlock()
}

func (c *Conn) ackNotify(msgID string) {
	c.ackMu.Lock()
	ch, ok := c.acks[msgID]
	if ok {
		delete(c.acks, msgID)
	}
	c.ackMu.Unlock()
	if ok {
		close(ch)
	}
}

// Enqueue serializes msg and places it on the send queue. The origin
// username travels with user-visible entries so a final delivery failure can
// be reported back to whoever sent the message.
func (c *Conn) Enqueue(msg proto.Message, priority sendq.Priority, origin string) error {
	payload, err := proto.EncodeMessage(msg)
	if err != nil {
		return err
	}
	entry := &sendq.Entry{
		Payload:  payload,
		MsgType:  msg.Type,
		MsgID:    msg.ID,
		Origin:   origin,
		Priority: priority,
		WantAck:  proto.UserVisible(msg.Type),
	}
	evicted, err := c.queue.Push(entry)
	if err != nil {
		c.srv.metrics.IncQueueFullDrops()
		if origin != "" {
			c.srv.notifySendFailure(origin, msg.ID, CodeMessageFailed)
		}
		return err
	}
	if evicted != nil {
		c.srv.metrics.IncQueueFullDrops()
		if evicted.WantAck && evicted.Origin != "" {
			c.srv.notifySendFailure(evicted.Origin, evicted.MsgID, CodeMessageFailed)
		}
	}
	return nil
}

func (c *Conn) enqueueOwn(msg proto.Message, priority sendq.Priority) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if err := c.Enqueue(msg, priority, ""); err != nil {
		debuglog.Debugf("conn %d enqueue %s failed: %v", c.id, msg.Type, err)
	}
}

func (c *Conn) sendError(code, detail string) {
	c.enqueueOwn(proto.Message{
		Type:  proto.MsgTypeError,
		Code:  code,
		Error: detail,
	}, sendq.High)
}

// Probe enqueues a keep-alive system frame.
func (c *Conn) Probe() {
	c.enqueueOwn(proto.Message{
		Type:    proto.MsgTypeSystem,
		Content: "keepalive",
	}, sendq.Low)
}

// -----------------------------------------------------------------------------
// Wire I/O
// -----------------------------------------------------------------------------

func (c *Conn) readFramePayload(deadline time.Time) ([]byte, error) {
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
			c.bytesIn.Add(uint64(n))
			c.srv.metrics.AddBytesIn(uint64(n))
		}
		if err != nil {
			// Drain anything already buffered before surfacing the error.
			c.readErr = err
		}
	}
}

// errRecoverableDecode marks malformed JSON inside a valid envelope: the
// client is answered with an error frame and the connection survives.
var errRecoverableDecode = errors.New("recoverable decode error")

// readMessage reads, decrypts and decodes one envelope frame, returning the
// wire size of the frame alongside the message.
func (c *Conn) readMessage(deadline time.Time) (proto.Message, int, error) {
	payload, err := c.readFramePayload(deadline)
	if err != nil {
		return proto.Message{}, 0, err
	}
	size := 4 + len(payload)
	env, err := proto.UnpackEnvelope(payload)
	if err != nil {
		return proto.Message{}, size, fmt.Errorf("%w: %v", crypto.ErrDecryptFailed, err)
	}
	plain, err := c.cipher.Decrypt(env)
	if err != nil {
		return proto.Message{}, size, err
	}
	msg, err := proto.DecodeMessage(plain)
	if err != nil {
		c.srv.metrics.IncDecodeErrors()
		c.sendError(CodeDecodeError, "malformed message payload")
		return proto.Message{}, size, errRecoverableDecode
	}
	return msg, size, nil
}

func (c *Conn) writeFrame(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.nc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := proto.WriteFrame(c.nc, payload); err != nil {
		return err
	}
	n := uint64(4 + len(payload))
	c.bytesOut.Add(n)
	c.srv.metrics.AddBytesOut(n)
	return nil
}

// -----------------------------------------------------------------------------
// Teardown
// -----------------------------------------------------------------------------

// beginDisconnect moves the connection to Disconnecting exactly once and
// finishes the teardown on its own goroutine: drain the send queue briefly,
// fail what remains, close the transport, release registry and keys.
func (c *Conn) beginDisconnect(reason string) {
	c.disconnectOnce.Do(func() {
		if c.State() != StateClosed {
			c.setState(StateDisconnecting)
		}
		go c.finishClose(reason)
	})
}

func (c *Conn) finishClose(reason string) {
	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) && c.queue.Len() > 0 {
		time.Sleep(20 * time.Millisecond)
	}
	pending := c.queue.Close()
	for _, e := range pending {
		if e.WantAck && e.Origin != "" {
			c.srv.notifySendFailure(e.Origin, e.MsgID, CodeShutdown)
		}
	}
	if c.cancel != nil {
		c.cancel()
	}
	_ = c.nc.Close()
	if c.cipher != nil {
		c.cipher.Close()
	}
	c.srv.registry.Remove(c.id)
	c.setState(StateClosed)
	c.srv.metrics.ConnClosed()
	c.srv.log.Info("connection closed", "conn", c.id, "reason", reason,
		"msgs_in", c.msgsIn.Load(), "msgs_out", c.msgsOut.Load(),
		"bytes_in", c.bytesIn.Load(), "bytes_out", c.bytesOut.Load())
	close(c.closed)
}
