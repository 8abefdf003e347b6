// Package server is the connection engine: acceptor, per-connection state
// machine, session crypto drivers, registry/router, and the periodic
// scheduler. A Server owns every live connection through its registry.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"securechat/internal/auth"
	"securechat/internal/config"
	"securechat/internal/limiter"
	"securechat/internal/metrics"
	"securechat/internal/proto"
	"securechat/internal/sendq"
)

const shutdownDrainWait = 5 * time.Second

type Server struct {
	cfg      config.Config
	log      *slog.Logger
	registry *Registry
	metrics  *metrics.Metrics
	verifier auth.Verifier
	tlsConf  *tls.Config

	shuttingDown atomic.Bool
}

func New(cfg config.Config, verifier auth.Verifier, log *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if verifier == nil {
		verifier = auth.NewStaticVerifier(cfg.Auth.Users)
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		log:      log,
		registry: NewRegistry(),
		metrics:  metrics.New(),
		verifier: verifier,
	}
	if cfg.TLS.Enabled {
		tlsConf, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		s.tlsConf = tlsConf
	}
	return s, nil
}

func buildTLSConfig(cfg config.TLS) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	minVersion := uint16(tls.VersionTLS13)
	if cfg.MinVersion == "1.2" {
		minVersion = tls.VersionTLS12
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}, nil
}

func (s *Server) Registry() *Registry       { return s.registry }
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Run serves until ctx is cancelled, then shuts down gracefully. The error
// is nil on clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.listenTCP()
	if err != nil {
		return err
	}
	s.log.Info("listening", "addr", ln.Addr().String(), "tls", s.cfg.TLS.Enabled)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(gctx, ln) })
	if s.cfg.Listen.QUICEnabled {
		g.Go(func() error { return s.acceptQUIC(gctx) })
	}
	g.Go(func() error {
		s.runScheduler(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		return nil
	})

	err = g.Wait()
	s.Shutdown()
	if err != nil && ctx.Err() != nil {
		// Listener close errors during a requested shutdown are expected.
		return nil
	}
	return err
}

// Shutdown moves every connection to Disconnecting in parallel, waits for
// drains to complete, and clears the registry last.
func (s *Server) Shutdown() {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	conns := s.registry.Snapshot()
	s.log.Info("shutting down", "connections", len(conns))
	for _, c := range conns {
		c.beginDisconnect("server shutdown")
	}
	deadline := time.After(shutdownDrainWait + drainTimeout)
	for _, c := range conns {
		select {
		case <-c.Closed():
		case <-deadline:
			s.log.Warn("shutdown drain deadline exceeded")
			return
		}
	}
	s.log.Info("shutdown complete")
}

func (s *Server) draining() bool {
	return s.shuttingDown.Load()
}

// startConn registers and launches the drivers for one accepted transport.
func (s *Server) startConn(ctx context.Context, nc net.Conn) {
	c := newConn(s, nc, s.registry.NextID())
	connCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	s.registry.Add(c)
	s.metrics.ConnOpened()
	s.log.Debug("connection accepted", "conn", c.id, "remote", nc.RemoteAddr().String())
	go c.run(connCtx)
}

// -----------------------------------------------------------------------------
// Router
// -----------------------------------------------------------------------------

// broadcast enqueues msg on every authenticated connection except the
// sender. Enqueue failures are counted, never propagated: broadcast is
// best-effort per recipient. Because each sender's read driver calls this
// serially, recipients observe per-sender FIFO order.
func (s *Server) broadcast(msg proto.Message, senderID uint64) {
	targets := s.registry.Snapshot()
	s.metrics.IncBroadcasts()
	for _, peer := range targets {
		if peer.ID() == senderID || peer.State() != StateAuthenticated {
			continue
		}
		if err := peer.Enqueue(msg, sendq.Normal, msg.Sender); err != nil {
			s.metrics.IncEnqueueFailed()
		}
	}
}

// sendTo enqueues msg for one username. ErrPeerNotFound when the user is
// absent or not yet authenticated.
func (s *Server) sendTo(username string, msg proto.Message, senderID uint64) error {
	peer, ok := s.registry.Lookup(username)
	if !ok || peer.State() != StateAuthenticated || peer.ID() == senderID {
		return ErrPeerNotFound
	}
	return peer.Enqueue(msg, sendq.Normal, msg.Sender)
}

// notifySendFailure tells the originating user a message finally failed.
func (s *Server) notifySendFailure(origin, msgID, code string) {
	peer, ok := s.registry.Lookup(origin)
	if !ok || peer.State() != StateAuthenticated {
		return
	}
	peer.enqueueOwn(proto.Message{
		Type:  proto.MsgTypeError,
		ID:    msgID,
		Code:  code,
		Error: "message could not be delivered",
	}, sendq.High)
}

// -----------------------------------------------------------------------------
// Config accessors used by connections
// -----------------------------------------------------------------------------

func (s *Server) limiterConfig() limiter.Config {
	return limiter.Config{
		MessagesPerSec: s.cfg.Limits.MessagesPerSec,
		MessageBurst:   s.cfg.Limits.Burst,
		BytesPerSec:    s.cfg.Limits.BytesPerSec,
		ByteBurst:      int(s.cfg.Limits.BytesPerSec) * 2,
		LoginPerMin:    s.cfg.Limits.LoginAttemptsPerMin,
		Lockout:        time.Duration(s.cfg.Limits.LockoutSeconds) * time.Second,
	}
}

func (s *Server) idleTimeout() time.Duration {
	return time.Duration(s.cfg.Session.IdleTimeoutSec) * time.Second
}

func (s *Server) keepaliveInterval() time.Duration {
	return time.Duration(s.cfg.Session.KeepaliveSec) * time.Second
}

func (s *Server) rekeyInterval() time.Duration {
	return time.Duration(s.cfg.Session.RekeyIntervalSec) * time.Second
}

func (s *Server) ackTimeout() time.Duration {
	return time.Duration(s.cfg.Send.AckTimeoutMs) * time.Millisecond
}
