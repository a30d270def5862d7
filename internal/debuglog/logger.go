// Package debuglog builds the process logger and rate-limits noisy lines.
package debuglog

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// New returns a JSON production logger, or a console development logger
// when debug is set. An empty level means info.
func New(level string, debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}

// Limiter lets one line per key through each interval. Security drops on
// a busy mesh would otherwise flood the log.
type Limiter struct {
	mu    sync.Mutex
	last  map[string]time.Time
	sweep time.Time
	now   func() time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{last: make(map[string]time.Time), now: time.Now}
}

func (l *Limiter) Allow(key string, interval time.Duration) bool {
	if l == nil || key == "" {
		return false
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.last[key]; ok && now.Sub(last) < interval {
		return false
	}
	l.last[key] = now
	if now.Sub(l.sweep) > 2*interval {
		for k, ts := range l.last {
			if now.Sub(ts) > 4*interval {
				delete(l.last, k)
			}
		}
		l.sweep = now
	}
	return true
}

// Warn logs at warn level when key is allowed.
func (l *Limiter) Warn(log *zap.Logger, key string, interval time.Duration, msg string, fields ...zap.Field) {
	if l.Allow(key, interval) {
		log.Warn(msg, fields...)
	}
}
