package debuglog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewParsesLevel(t *testing.T) {
	log, err := New("warn", false)
	require.NoError(t, err)
	require.False(t, log.Core().Enabled(zapcore.InfoLevel))
	require.True(t, log.Core().Enabled(zapcore.WarnLevel))

	log, err = New("", true)
	require.NoError(t, err)
	require.True(t, log.Core().Enabled(zapcore.DebugLevel))

	_, err = New("loud", false)
	require.Error(t, err)
}

func TestLimiterWindow(t *testing.T) {
	now := time.Unix(100, 0)
	l := NewLimiter()
	l.now = func() time.Time { return now }

	require.True(t, l.Allow("bad-sig", time.Second))
	require.False(t, l.Allow("bad-sig", time.Second))
	require.True(t, l.Allow("replay", time.Second))
	require.False(t, l.Allow("", time.Second))

	now = now.Add(time.Second)
	require.True(t, l.Allow("bad-sig", time.Second))

	now = now.Add(10 * time.Second)
	require.True(t, l.Allow("other", time.Second))
	l.mu.Lock()
	require.Len(t, l.last, 1)
	l.mu.Unlock()
}

func TestLimiterWarn(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	log := zap.New(core)
	l := NewLimiter()
	for i := 0; i < 5; i++ {
		l.Warn(log, "drop", time.Hour, "packet dropped")
	}
	require.Equal(t, 1, logs.Len())
}
