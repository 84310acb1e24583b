package gateway

import (
	"time"

	"github.com/luminet/guigate/fabric"
	"github.com/luminet/guigate/logger"
)

// ingestLogs filters fabric log messages against the forwarding level
// before caching; the forward timer drains the cache in batches.
func (s *Server) ingestLogs(messages []fabric.Hash) {
	minLevel := s.forwardLogLevel()

	s.logCacheMu.Lock()
	defer s.logCacheMu.Unlock()
	for _, msg := range messages {
		levelName, _ := getString(msg, "type")
		if logger.ParseLevel(levelName) < minLevel {
			continue
		}
		s.logCache = append(s.logCache, msg)
	}
}

// startLogForwardTimer arms the periodic batched log forward.
func (s *Server) startLogForwardTimer() {
	interval := time.Duration(s.cfg.ForwardLogIntervalMS) * time.Millisecond
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.forwardLogs()
			}
		}
	}()
}

// forwardLogs moves the accumulated cache into one batched message for all
// clients. The slice is handed over, not copied.
func (s *Server) forwardLogs() {
	s.logCacheMu.Lock()
	if len(s.logCache) == 0 {
		s.logCacheMu.Unlock()
		return
	}
	messages := s.logCache
	s.logCache = nil
	s.logCacheMu.Unlock()

	s.broadcast(fabric.Hash{
		"type":     msgTypeLog,
		"messages": messages,
	}, laneRemoveOldest)
}
