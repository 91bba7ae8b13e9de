package observability

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContext_RoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, GetCommandID(ctx))

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithCommandID(ctx, "cmd-1")
	ctx = WithAgent(ctx, "build", "agent-1")

	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Equal(t, "cmd-1", GetCommandID(ctx))
	zone, name := GetAgent(ctx)
	assert.Equal(t, "build", zone)
	assert.Equal(t, "agent-1", name)
}

func TestGenerateRequestID_IsUUID(t *testing.T) {
	id := GenerateRequestID()
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
	assert.NotEqual(t, id, GenerateRequestID())
}

func TestContextLogger_AddsFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	ctx := WithAgent(WithCommandID(context.Background(), "cmd-9"), "build", "agent-2")
	ContextLogger(ctx, logger).Info("dispatched")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "cmd-9", fields["command_id"])
		assert.Equal(t, "build", fields["zone"])
		assert.Equal(t, "agent-2", fields["agent"])
		assert.NotContains(t, fields, "request_id")
	}
}
