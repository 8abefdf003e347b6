package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	quic "github.com/quic-go/quic-go"

	"securechat/internal/debuglog"
)

const (
	emfileBackoff   = 100 * time.Millisecond
	keepalivePeriod = 30 * time.Second
	quicNextProto   = "securechat/1"
)

func (s *Server) listenTCP() (net.Listener, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Listen.Address, s.cfg.Listen.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	return ln, nil
}

// acceptLoop accepts until the listener closes. Transient errors are logged
// and retried; file-descriptor exhaustion backs off before the next accept.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.draining() {
				return nil
			}
			if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) {
				s.log.Warn("accept: out of file descriptors, backing off")
				time.Sleep(emfileBackoff)
				continue
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if s.draining() || s.registry.Len() >= s.cfg.Limits.MaxConnections {
			debuglog.Debugf("rejecting connection from %s: at capacity", nc.RemoteAddr())
			_ = nc.Close()
			continue
		}
		s.configureSocket(nc)
		if s.tlsConf != nil {
			nc = tls.Server(nc, s.tlsConf)
		}
		s.startConn(ctx, nc)
	}
}

// configureSocket applies the transport options from the original design:
// no Nagle delay, OS keep-alive probes, and the configured buffer sizes.
func (s *Server) configureSocket(nc net.Conn) {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(keepalivePeriod)
	if s.cfg.Limits.RecvBuffer > 0 {
		_ = tc.SetReadBuffer(s.cfg.Limits.RecvBuffer)
	}
	if s.cfg.Limits.SendBuffer > 0 {
		_ = tc.SetWriteBuffer(s.cfg.Limits.SendBuffer)
	}
}

// -----------------------------------------------------------------------------
// QUIC endpoint
// -----------------------------------------------------------------------------

// acceptQUIC serves the same framed protocol over QUIC: one connection, one
// bidirectional stream, the stream treated exactly like a TCP byte stream.
func (s *Server) acceptQUIC(ctx context.Context) error {
	if s.tlsConf == nil {
		return fmt.Errorf("quic endpoint requires tls.enabled with a certificate")
	}
	tlsConf := s.tlsConf.Clone()
	tlsConf.NextProtos = []string{quicNextProto}
	addr := fmt.Sprintf("%s:%d", s.cfg.Listen.Address, s.cfg.Listen.QUICPort)
	ln, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("quic bind %s: %w", addr, err)
	}
	defer ln.Close()
	s.log.Info("quic listening", "addr", addr)
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		qc, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || s.draining() {
				return nil
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		if s.draining() || s.registry.Len() >= s.cfg.Limits.MaxConnections {
			_ = qc.CloseWithError(0, "at capacity")
			continue
		}
		go func(qc *quic.Conn) {
			stream, err := qc.AcceptStream(ctx)
			if err != nil {
				debuglog.Debugf("quic accept stream: %v", err)
				_ = qc.CloseWithError(0, "no stream")
				return
			}
			s.startConn(ctx, &quicStreamConn{Stream: stream, conn: qc})
		}(qc)
	}
}

// quicStreamConn adapts a QUIC bidirectional stream to net.Conn so the
// connection engine is transport-agnostic.
type quicStreamConn struct {
	*quic.Stream
	conn *quic.Conn
}

func (q *quicStreamConn) Close() error {
	_ = q.Stream.Close()
	return q.conn.CloseWithError(0, "")
}

func (q *quicStreamConn) LocalAddr() net.Addr  { return q.conn.LocalAddr() }
func (q *quicStreamConn) RemoteAddr() net.Addr { return q.conn.RemoteAddr() }
