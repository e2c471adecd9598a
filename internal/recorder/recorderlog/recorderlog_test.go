package recorderlog

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLoggerFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core)).Named("recorder").With(String("device", "cam01"))

	l.Warn("upload queue full",
		String("clip", "cam01_20250101_120000"),
		Int("depth", 20),
		Duration("elapsed", 2*time.Second),
		Error(errors.New("boom")),
	)

	entries := logs.All()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "recorder", e.LoggerName)
	assert.Equal(t, zapcore.WarnLevel, e.Level)

	ctx := e.ContextMap()
	assert.Equal(t, "cam01", ctx["device"])
	assert.Equal(t, "cam01_20250101_120000", ctx["clip"])
	assert.EqualValues(t, 20, ctx["depth"])
	assert.Equal(t, "boom", ctx["error"])
}

func TestNilErrorFieldIsSkipped(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	FromZap(zap.New(core)).Info("ok", Error(nil))

	require.Len(t, logs.All(), 1)
	_, present := logs.All()[0].ContextMap()["error"]
	assert.False(t, present)
}

func TestReplaceGlobal(t *testing.T) {
	prev := L()
	t.Cleanup(func() { ReplaceGlobal(prev) })

	core, logs := observer.New(zapcore.InfoLevel)
	ReplaceGlobal(FromZap(zap.New(core)))
	ReplaceGlobal(nil) // ignored

	L().Info("hello")
	assert.Equal(t, 1, logs.Len())
}

func TestNewZapRejectsUnknownLevel(t *testing.T) {
	_, _, err := NewZap("loud", false)
	assert.Error(t, err)

	l, z, err := NewZap("debug", true)
	require.NoError(t, err)
	require.NotNil(t, l)
	_ = z.Sync()
}
