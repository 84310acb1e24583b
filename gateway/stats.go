package gateway

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// startNetworkStatsTimer samples traffic counters over all client
// connections and pipeline subscriptions and publishes them, together with
// process load figures, as observable properties.
func (s *Server) startNetworkStatsTimer() {
	interval := time.Duration(s.cfg.NetworkPerformance.SampleIntervalSec) * time.Second

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.log.Warnw("Process stats unavailable", "error", err)
	}

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
				s.collectNetworkStats(proc)
			}
		}
	}()
}

func (s *Server) collectNetworkStats(proc *process.Process) {
	var clientRead, clientWritten uint64
	s.clientsMu.RLock()
	for c := range s.clients {
		clientRead += c.bytesRead.Load()
		clientWritten += c.bytesWritten.Load()
	}
	s.clientsMu.RUnlock()

	var pipeRead, pipeWritten uint64
	s.pipelinesMu.Lock()
	channels := make([]string, 0, len(s.pipelines))
	for name := range s.pipelines {
		channels = append(channels, name)
	}
	s.pipelinesMu.Unlock()
	for _, name := range channels {
		read, written := s.fab.ChannelTraffic(name)
		pipeRead += read
		pipeWritten += written
	}

	s.fab.Set("networkPerformance.clientBytesRead", clientRead)
	s.fab.Set("networkPerformance.clientBytesWritten", clientWritten)
	s.fab.Set("networkPerformance.pipelineBytesRead", pipeRead)
	s.fab.Set("networkPerformance.pipelineBytesWritten", pipeWritten)

	if proc != nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			s.fab.Set("performanceStatistics.processCpuPercent", cpu)
		}
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			s.fab.Set("performanceStatistics.residentSetBytes", mem.RSS)
		}
	}
}
