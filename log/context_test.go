package log_test

import (
	"context"
	"testing"

	"github.com/nanogit-core/gitcore/log"
	"github.com/nanogit-core/gitcore/log/logmock"
	"github.com/stretchr/testify/require"
)

func TestContextLogger(t *testing.T) {
	t.Run("adds logger to context", func(t *testing.T) {
		customLogger := &logmock.FakeLogger{}
		ctx := context.Background()
		newCtx := log.ToContext(ctx, customLogger)

		logger := log.FromContext(newCtx)
		require.Equal(t, customLogger, logger, "context should contain provided logger")

		originalLogger := log.FromContext(ctx)
		require.NotEqual(t, customLogger, originalLogger, "original context should not be modified")
	})

	t.Run("returns nil logger if no logger in context", func(t *testing.T) {
		ctx := context.Background()
		logger := log.FromContext(ctx)
		require.Nil(t, logger, "should return nil logger")
	})

	t.Run("FromContextOrDiscard returns Discard when unset", func(t *testing.T) {
		ctx := context.Background()
		require.Equal(t, log.Discard, log.FromContextOrDiscard(ctx))
	})
}
