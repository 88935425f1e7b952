package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCollectorAddr(t *testing.T) {
	require.Equal(t, "otel:4317", collectorAddr("http://otel:4317/"))
	require.Equal(t, "otel:4317", collectorAddr(" grpc://otel:4317"))
	require.Equal(t, "otel:4317", collectorAddr("otel:4317"))
	require.Empty(t, collectorAddr(""))
}

func TestInitWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "canvas-chat", "test", "")

	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitWithEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "canvas-chat", "test", "http://127.0.0.1:1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
