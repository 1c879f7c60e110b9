package logger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteaudit/internal/logger"
)

func TestNew_BuildsUsableLogger(t *testing.T) {
	t.Parallel()

	l, err := logger.New(logger.Config{Level: "warn", OutputPaths: []string{"stderr"}})
	require.NoError(t, err)

	child := l.With(logger.String("audit_id", "abc"))
	assert.NotSame(t, l, child)
	child.Warn("warn message", logger.Int("attempt", 2))
}

func TestFromContext_RoundTrip(t *testing.T) {
	t.Parallel()

	l, err := logger.New(logger.Config{Level: "error", OutputPaths: []string{"stderr"}})
	require.NoError(t, err)

	ctx := logger.WithContext(context.Background(), l)
	assert.Same(t, l, logger.FromContext(ctx))
}

func TestFromContext_MissingReturnsNop(t *testing.T) {
	t.Parallel()

	got := logger.FromContext(context.Background())
	require.NotNil(t, got)
	got.Error("discarded")
	assert.NoError(t, got.Sync())
}
