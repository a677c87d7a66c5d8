package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "DEBUG", "text", false)

	Info("connection accepted", KeyConnectionID, "abc123")

	out := buf.String()
	require.Contains(t, out, "connection accepted")
	assert.Contains(t, out, "connection_id=abc123")
}

func TestInitWithWriter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json", false)

	Info("handshake complete", KeyExport, "default")

	out := buf.String()
	assert.Contains(t, out, `"msg":"handshake complete"`)
	assert.Contains(t, out, `"export":"default"`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text", false)

	Debug("should not appear")
	Info("should not appear either")
	Warn("should appear")

	out := buf.String()
	assert.False(t, strings.Contains(out, "should not appear"))
	assert.True(t, strings.Contains(out, "should appear"))
}

func TestContextFieldsArePrepended(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "DEBUG", "text", false)

	lc := NewLogContext("conn-1", "10.0.0.5:54321")
	ctx := WithContext(context.Background(), lc)

	InfoCtx(ctx, "request served", KeyCommand, "READ")

	out := buf.String()
	assert.Contains(t, out, "connection_id=conn-1")
	assert.Contains(t, out, "client_addr=10.0.0.5:54321")
	assert.Contains(t, out, "command=READ")
	assert.Less(t, strings.Index(out, "connection_id=conn-1"), strings.Index(out, "command=READ"))
}

func TestLogContextClone(t *testing.T) {
	lc := NewLogContext("conn-2", "127.0.0.1:1234")
	clone := lc.WithExport("disk0").WithThreadName("worker-1")

	assert.Equal(t, "conn-2", clone.ConnectionID)
	assert.Equal(t, "disk0", clone.Export)
	assert.Equal(t, "worker-1", clone.ThreadName)
	assert.Empty(t, lc.Export, "original LogContext must not be mutated")
}

func TestSetLevelIgnoresInvalid(t *testing.T) {
	SetLevel("INFO")
	SetLevel("NOT_A_LEVEL")
	assert.Equal(t, LevelInfo, Level(currentLevel.Load()))
}
