package observability

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientMetaFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws/groups/g1", nil)
	req.Header.Set("X-Device-Id", "tablet")
	req.Header.Set("X-Request-Id", "req-1")
	req.Header.Set("X-Forwarded-For", "10.0.0.7, 172.16.0.1")

	meta := ClientMetaFromRequest(req)

	require.Equal(t, ClientMeta{DeviceID: "tablet", RequestID: "req-1", IP: "10.0.0.7"}, meta)
}

func TestClientMetaFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.168.1.2:5555"

	require.Equal(t, "192.168.1.2", ClientMetaFromRequest(req).IP)
}
