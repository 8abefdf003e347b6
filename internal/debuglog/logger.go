// Package debuglog is a non-blocking stderr channel for hot-path
// diagnostics, enabled with SECURECHAT_DEBUG=1. Connection read/write loops
// log through it so a slow terminal can never stall the data path.
package debuglog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const queueSize = 2048

type logger struct {
	once sync.Once
	ch   chan string
}

var (
	global  logger
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func Enabled() bool {
	return os.Getenv("SECURECHAT_DEBUG") == "1"
}

func (l *logger) start() {
	l.once.Do(func() {
		l.ch = make(chan string, queueSize)
		go func() {
			for msg := range l.ch {
				_, _ = os.Stderr.WriteString(msg)
			}
		}()
	})
}

func Debugf(format string, args ...any) {
	if !Enabled() {
		return
	}
	global.start()
	msg := fmt.Sprintf(format+"\n", args...)
	select {
	case global.ch <- msg:
	default:
		// Drop when saturated to keep connection goroutines non-blocking.
	}
}

// RateLimitedf suppresses repeats of the same key within interval, so a
// misbehaving peer cannot flood the log.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !Enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Debugf(format, args...)
}
