package gateway

import (
	"time"

	"github.com/luminet/guigate/fabric"
)

// onSubscribeNetwork adds or removes a client's interest in a producer
// channel. One upstream subscription exists exactly while the subscriber
// set is non-empty.
func (s *Server) onSubscribeNetwork(c *Client, msg fabric.Hash) {
	channelName, hasName := getString(msg, "channelName")
	subscribe, hasFlag := getBool(msg, "subscribe")
	if !hasName || !hasFlag {
		c.send(notification("subscribeNetwork request lacks channelName or subscribe"), laneLossless)
		return
	}

	if subscribe {
		s.subscribeNetwork(c, channelName)
	} else {
		s.unsubscribeNetwork(c, channelName)
	}
}

func (s *Server) subscribeNetwork(c *Client, channelName string) {
	s.pipelinesMu.Lock()
	subscribers := s.pipelines[channelName]
	if subscribers == nil {
		subscribers = make(map[*Client]struct{})
		s.pipelines[channelName] = subscribers
	}
	notYetRegistered := len(subscribers) == 0
	if _, duplicate := subscribers[c]; duplicate {
		s.log.Warnw("Client subscribed a second time to producer channel",
			"channel", channelName,
			"client_id", c.id,
		)
	}
	subscribers[c] = struct{}{}
	// Mark as ready no matter whether ready already before
	readiness := s.ready[channelName]
	if readiness == nil {
		readiness = make(map[*Client]bool)
		s.ready[channelName] = readiness
	}
	readiness[c] = true
	s.pipelinesMu.Unlock()

	if !notYetRegistered {
		s.log.Debugw("Producer channel already monitored",
			"channel", channelName,
		)
		return
	}

	s.log.Debugw("Registering monitor for producer channel", "channel", channelName)
	registered := s.fab.RegisterChannelMonitor(channelName,
		func(data fabric.Hash, meta fabric.Meta) {
			s.onNetworkData(channelName, data, meta)
		},
		fabric.ChannelConfig{
			Distribution: "copy",
			OnSlowness:   "drop",
			DelayOnInput: time.Duration(s.cfg.DelayOnInputMS) * time.Millisecond,
		},
	)
	if !registered {
		s.log.Warnw("Producer channel was already monitored upstream",
			"channel", channelName,
		)
	}
}

func (s *Server) unsubscribeNetwork(c *Client, channelName string) {
	s.pipelinesMu.Lock()
	subscribers := s.pipelines[channelName]
	if subscribers == nil {
		s.pipelinesMu.Unlock()
		s.log.Warnw("Client unsubscribed from a producer channel it never subscribed",
			"channel", channelName,
			"client_id", c.id,
		)
		return
	}
	if _, subscribed := subscribers[c]; !subscribed {
		s.log.Warnw("Client unsubscribed from a producer channel it never subscribed",
			"channel", channelName,
			"client_id", c.id,
		)
	}
	delete(subscribers, c)
	if readiness := s.ready[channelName]; readiness != nil {
		// No interest, no readiness
		delete(readiness, c)
		if len(readiness) == 0 {
			delete(s.ready, channelName)
		}
	}
	empty := len(subscribers) == 0
	if empty {
		delete(s.pipelines, channelName)
	}
	remaining := len(subscribers)
	s.pipelinesMu.Unlock()

	if !empty {
		s.log.Debugw("Producer channel still has subscribers",
			"channel", channelName,
			"remaining", remaining,
		)
		return
	}
	if !s.fab.UnregisterChannelMonitor(channelName) {
		s.log.Warnw("Failed to unregister producer channel", "channel", channelName)
	}
}

// onRequestNetwork re-arms the client's readiness for a producer channel:
// it processed the previous item and wants the next one.
func (s *Server) onRequestNetwork(c *Client, msg fabric.Hash) {
	channelName, ok := getString(msg, "channelName")
	if !ok {
		c.send(notification("requestNetwork request lacks channelName"), laneLossless)
		return
	}

	s.pipelinesMu.Lock()
	readiness := s.ready[channelName]
	if readiness == nil {
		readiness = make(map[*Client]bool)
		s.ready[channelName] = readiness
	}
	readiness[c] = true
	s.pipelinesMu.Unlock()
}

// onNetworkData forwards one pipeline item to every subscriber that is
// ready, flipping its readiness off. Subscribers that are not ready are
// skipped: the overall flow is lossy by design and each client re-arms
// itself via requestNetwork.
func (s *Server) onNetworkData(channelName string, data fabric.Hash, meta fabric.Meta) {
	msg := fabric.Hash{
		"type": msgTypeNetworkData,
		"name": channelName,
		"data": data,
		"meta": fabric.Hash{
			"timestamp": meta.Timestamp.UnixNano(),
		},
	}

	s.pipelinesMu.Lock()
	subscribers := s.pipelines[channelName]
	recipients := make([]*Client, 0, len(subscribers))
	readiness := s.ready[channelName]
	for c := range subscribers {
		if readiness[c] {
			recipients = append(recipients, c)
			readiness[c] = false
		}
	}
	s.pipelinesMu.Unlock()

	for _, c := range recipients {
		c.send(msg, laneFastData)
	}
}
