package logger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/layer-3/authflow/internal/logger"
)

func TestMaskEmail(t *testing.T) {
	require.Equal(t, "al***@example.com", logger.MaskEmail("alice@example.com"))
	require.Equal(t, "***", logger.MaskEmail("a@"))
	require.Equal(t, "no***", logger.MaskEmail("noatsign"))
	require.Equal(t, "a@***", logger.MaskEmail("a@b.c"))
}

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	scoped := zap.New(core).With(logger.SessionID("s1"))

	ctx := logger.ToContext(context.Background(), scoped)
	logger.From(ctx, nil).Info("hello")

	require.Equal(t, 1, logs.Len())
	require.Equal(t, "s1", logs.All()[0].ContextMap()["session_id"])

	// No logger on the context and no fallback must not panic.
	require.NotPanics(t, func() { logger.From(context.Background(), nil).Info("dropped") })
}

func TestWatermillAdapter(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	a := logger.Watermill(zap.New(core)).With(watermill.LogFields{"topic": "t"})

	a.Info("published", watermill.LogFields{"uuid": "u1"})
	a.Error("failed", errors.New("boom"), nil)
	a.Trace("trace", nil)

	require.Equal(t, 3, logs.Len())
	first := logs.All()[0].ContextMap()
	require.Equal(t, "t", first["topic"])
	require.Equal(t, "u1", first["uuid"])
	require.Equal(t, "boom", logs.All()[1].ContextMap()["error"])
}
