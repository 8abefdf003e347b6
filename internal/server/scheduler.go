package server

import (
	"context"
	"time"
)

const (
	idleReapInterval  = 60 * time.Second
	rekeyScanInterval = 30 * time.Second
	metricsInterval   = 10 * time.Second
)

// runScheduler drives the four periodic duties from one timer goroutine:
// keep-alive probes, idle reaping, session rekeying, and metrics snapshots.
func (s *Server) runScheduler(ctx context.Context) {
	keepalive := time.NewTicker(s.keepaliveInterval())
	reap := time.NewTicker(idleReapInterval)
	rekey := time.NewTicker(rekeyScanInterval)
	metricsTick := time.NewTicker(metricsInterval)
	defer keepalive.Stop()
	defer reap.Stop()
	defer rekey.Stop()
	defer metricsTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			s.probeAll()
		case <-reap.C:
			s.reapIdle()
		case <-rekey.C:
			s.rekeyDue()
		case <-metricsTick.C:
			s.metricsTick()
		}
	}
}

func (s *Server) probeAll() {
	for _, c := range s.registry.Snapshot() {
		if c.State() == StateAuthenticated {
			c.Probe()
		}
	}
}

func (s *Server) reapIdle() {
	cutoff := time.Now().Add(-s.idleTimeout())
	for _, c := range s.registry.Snapshot() {
		state := c.State()
		if state != StateAuthenticated && state != StateAwaitAuth && state != StateConnecting {
			continue
		}
		if c.LastActivity().Before(cutoff) {
			s.metrics.IncIdleReaped()
			s.log.Info("reaping idle connection", "conn", c.ID(), "user", c.Username())
			c.beginDisconnect("idle timeout")
		}
	}
}

func (s *Server) rekeyDue() {
	interval := s.rekeyInterval()
	for _, c := range s.registry.Snapshot() {
		if c.State() != StateAuthenticated || c.cipher == nil {
			continue
		}
		if time.Since(c.cipher.KeyedAt()) >= interval {
			c.StartRekey()
		}
	}
}

func (s *Server) metricsTick() {
	depth := uint64(0)
	for _, c := range s.registry.Snapshot() {
		depth += uint64(c.QueueDepth())
	}
	s.metrics.SetQueueDepth(depth)
	if path := s.cfg.Metrics.SnapshotPath; path != "" {
		if err := s.metrics.WriteSnapshot(path); err != nil {
			s.log.Warn("metrics snapshot failed", "err", err)
		}
	}
}
