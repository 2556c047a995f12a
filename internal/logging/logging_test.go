package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestNew(t *testing.T) {
	req := require.New(t)

	logger, err := New("debug", "console")
	req.NoError(err)
	req.True(logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = New("warn", "json")
	req.NoError(err)
	req.False(logger.Core().Enabled(zapcore.InfoLevel))

	_, err = New("info", "xml")
	req.Error(err)
}
