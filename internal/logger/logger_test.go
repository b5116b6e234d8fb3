package logger

import (
	"context"
	"io"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		env     string
		level   string
		wantErr bool
	}{
		{name: "dev default", env: "dev"},
		{name: "empty env is dev", env: ""},
		{name: "prod with level", env: "prod", level: "warn"},
		{name: "unknown env", env: "staging", wantErr: true},
		{name: "bad level", env: "dev", level: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewLogger(tt.env, tt.level)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestFromContext(t *testing.T) {
	l := zap.NewExample()
	ctx := ContextWithLogger(context.Background(), l)
	assert.Same(t, l, FromContext(ctx, nil))

	fallback := zap.NewExample()
	assert.Same(t, fallback, FromContext(context.Background(), fallback))
	assert.NotNil(t, FromContext(context.Background(), nil))
}

func TestRedirectStdLog(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	undo, err := RedirectStdLog(zap.New(core))
	require.NoError(t, err)

	log.Printf("[WARN] created a chunk of size %d, which is longer than the specified %d", 6, 5)
	undo()
	log.SetOutput(io.Discard)
	log.Print("after restore")
	log.SetOutput(os.Stderr)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Contains(t, entries[0].Message, "created a chunk of size 6")
}
