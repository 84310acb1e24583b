package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminet/guigate/fabric"
)

func TestDumpDebugInfoCountsState(t *testing.T) {
	srv, _ := startTestGateway(t, nil)

	client := dialClient(t, srv)
	client.login("2.20.0")
	startMonitoring(client, "motor1")
	subscribeNetwork(client, testChannel, true)

	require.Eventually(t, func() bool {
		dump := srv.DumpDebugInfo()
		clients := dump["clients"].(fabric.Hash)
		monitors := dump["monitors"].(fabric.Hash)
		pipelines := dump["pipelines"].(fabric.Hash)
		return len(clients) == 1 && len(monitors) == 1 && len(pipelines) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDisconnectClientByID(t *testing.T) {
	srv, _ := startTestGateway(t, nil)

	client := dialClient(t, srv)
	client.login("2.20.0")

	var clientID string
	srv.clientsMu.RLock()
	for c := range srv.clients {
		clientID = c.id
	}
	srv.clientsMu.RUnlock()
	require.NotEmpty(t, clientID)

	assert.True(t, srv.DisconnectClient(clientID))
	assert.False(t, srv.DisconnectClient("no-such-client"))

	// The connection dies under the client.
	client.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg fabric.Hash
	for {
		if err := client.conn.ReadJSON(&msg); err != nil {
			break
		}
	}

	require.Eventually(t, func() bool {
		srv.clientsMu.RLock()
		defer srv.clientsMu.RUnlock()
		return len(srv.clients) == 0
	}, 2*time.Second, 20*time.Millisecond)
}
