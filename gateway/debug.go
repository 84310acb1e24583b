package gateway

import (
	"time"

	"github.com/luminet/guigate/fabric"
)

// DumpDebugInfo snapshots the gateway's connection state for diagnostics.
// Care: can be large with many clients and subscriptions.
func (s *Server) DumpDebugInfo() fabric.Hash {
	clients := fabric.Hash{}
	s.clientsMu.RLock()
	for c := range s.clients {
		versionStr := ""
		if c.version != nil {
			versionStr = c.version.String()
		}
		lossless, removeOldest, fastData := c.lanes.depths()
		clients[c.id] = fabric.Hash{
			"remoteAddress":       c.remoteAddr,
			"username":            c.username,
			"clientVersion":       versionStr,
			"sessionStart":        c.sessionStart.Format(time.RFC3339),
			"visibleInstances":    len(c.visibleInstances),
			"queueDepthLossless":  lossless,
			"queueDepthRemoveOld": removeOldest,
			"queueDepthFastData":  fastData,
			"queueDropped":        c.lanes.droppedCount(),
			"bytesRead":           c.bytesRead.Load(),
			"bytesWritten":        c.bytesWritten.Load(),
		}
	}
	s.clientsMu.RUnlock()

	s.monitorsMu.Lock()
	monitors := fabric.Hash{}
	for deviceID, count := range s.monitors {
		monitors[deviceID] = count
	}
	s.monitorsMu.Unlock()

	s.pipelinesMu.Lock()
	pipelines := fabric.Hash{}
	for name, subscribers := range s.pipelines {
		pipelines[name] = len(subscribers)
	}
	s.pipelinesMu.Unlock()

	return fabric.Hash{
		"clients":          clients,
		"monitors":         monitors,
		"pipelines":        pipelines,
		"visibleInstances": len(s.visibilityUnion()),
	}
}

// DisconnectClient force-closes a client by id. Returns false if no such
// client is connected.
func (s *Server) DisconnectClient(clientID string) bool {
	s.clientsMu.RLock()
	var target *Client
	for c := range s.clients {
		if c.id == clientID {
			target = c
			break
		}
	}
	s.clientsMu.RUnlock()

	if target == nil {
		return false
	}
	s.log.Infow("Disconnecting client on request", "client_id", clientID)
	target.close()
	return true
}
