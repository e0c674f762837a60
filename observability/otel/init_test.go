package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)
}

func TestInitWithoutExportersIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "vaultd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = abc ,broken,=x, tenant=vault")
	require.Equal(t, map[string]string{"api-key": "abc", "tenant": "vault"}, headers)
}

func TestCollectorEndpoint(t *testing.T) {
	endpoint, insecure := collector("", false)
	require.Equal(t, defaultCollector, endpoint)
	require.False(t, insecure)

	endpoint, insecure = collector(" http://otel:4318/ ", false)
	require.Equal(t, "otel:4318", endpoint)
	require.True(t, insecure)

	endpoint, insecure = collector("https://collector.example.com", false)
	require.Equal(t, "collector.example.com", endpoint)
	require.False(t, insecure)
}
