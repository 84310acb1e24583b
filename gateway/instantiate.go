package gateway

import (
	"time"

	"github.com/luminet/guigate/fabric"
)

// Events gating the schema-attribute update of a freshly instantiated
// device. Both instanceNewEvent and serverReplyEvent must fire before the
// update is sent; instanceGoneEvent resets the pending entry.
const (
	instanceNewEvent  = 0x01
	serverReplyEvent  = 0x02
	fullMaskEvent     = instanceNewEvent | serverReplyEvent
	instanceGoneEvent = 0x04
)

// attributeUpdates is the pending two-bit state machine of one device.
type attributeUpdates struct {
	eventMask int
	updates   []fabric.Hash
}

// deviceInstantiation is one queued start-device request.
type deviceInstantiation struct {
	client *Client
	msg    fabric.Hash
}

// onInitDevice queues a device instantiation; the timer services the queue
// one request at a time as a rate limiter.
func (s *Server) onInitDevice(c *Client, msg fabric.Hash) {
	serverID, hasServer := getString(msg, "serverId")
	deviceID, hasDevice := getString(msg, "deviceId")
	if !hasServer || !hasDevice {
		c.send(notification("initDevice request lacks serverId or deviceId"), laneLossless)
		return
	}

	s.log.Debugw("Queuing request to start device instance",
		"device_id", deviceID,
		"server_id", serverID,
	)

	if updates, hasUpdates := getHashSlice(msg, "schemaUpdates"); hasUpdates && deviceID != "" {
		s.pendingAttrsMu.Lock()
		s.pendingAttrs[deviceID] = &attributeUpdates{updates: updates}
		s.pendingAttrsMu.Unlock()
	}

	s.pendingInitsMu.Lock()
	s.pendingInits = append(s.pendingInits, deviceInstantiation{client: c, msg: msg})
	s.pendingInitsMu.Unlock()
}

// startInstantiationTimer arms the instantiation rate limiter. This timer
// always re-arms.
func (s *Server) startInstantiationTimer() {
	interval := time.Duration(s.cfg.WaitInitDeviceMS) * time.Millisecond
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
				s.initSingleDevice()
			}
		}
	}()
}

// initSingleDevice dequeues at most one pending instantiation and fires
// the start request at the targeted server.
func (s *Server) initSingleDevice() {
	s.pendingInitsMu.Lock()
	if len(s.pendingInits) == 0 {
		s.pendingInitsMu.Unlock()
		return
	}
	inst := s.pendingInits[0]
	s.pendingInits = s.pendingInits[1:]
	s.pendingInitsMu.Unlock()

	serverID, _ := getString(inst.msg, "serverId")
	deviceID, _ := getString(inst.msg, "deviceId")

	s.log.Debugw("Requesting to start device instance",
		"device_id", deviceID,
		"server_id", serverID,
	)

	s.fab.Request(serverID, "slotStartDevice", inst.msg).Receive(
		func(reply fabric.Hash) {
			success, _ := getBool(reply, "success")
			message, _ := getString(reply, "message")
			s.initReply(inst.client, deviceID, success, message, false)
		},
		func(err error) {
			s.initReply(inst.client, deviceID, false, err.Error(), true)
		},
	)
}

// initReply forwards the instantiation outcome to the requesting client
// and advances the pending attribute-update machine.
func (s *Server) initReply(c *Client, deviceID string, success bool, message string, isFailure bool) {
	c.send(fabric.Hash{
		"type":     msgTypeInitReply,
		"deviceId": deviceID,
		"success":  success,
		"message":  message,
	}, laneLossless)

	event := serverReplyEvent
	if isFailure || !success {
		event = instanceGoneEvent
	}
	s.tryToUpdateNewInstanceAttributes(deviceID, event)
}

// tryToUpdateNewInstanceAttributes fires the buffered schema-attribute
// update once both the instance announcement and the server reply have
// been seen. A gone event drops the pending entry.
func (s *Server) tryToUpdateNewInstanceAttributes(deviceID string, event int) {
	s.pendingAttrsMu.Lock()
	pending := s.pendingAttrs[deviceID]
	if pending == nil {
		s.pendingAttrsMu.Unlock()
		return
	}
	if event == instanceGoneEvent {
		delete(s.pendingAttrs, deviceID)
		s.pendingAttrsMu.Unlock()
		return
	}
	pending.eventMask |= event
	if pending.eventMask&fullMaskEvent != fullMaskEvent {
		s.pendingAttrsMu.Unlock()
		s.log.Debugw("Schema attribute update still pending until all events received",
			"device_id", deviceID,
		)
		return
	}
	updates := pending.updates
	s.pendingAttrsMu.Unlock()

	s.log.Debugw("Updating schema attributes of device", "device_id", deviceID)
	s.fab.Request(deviceID, "slotUpdateSchemaAttributes", fabric.Hash{"updates": updates}).Receive(
		func(reply fabric.Hash) { s.onNewInstanceAttributesUpdated(deviceID, reply) },
		func(err error) {
			s.log.Errorw("Schema attribute update failed",
				"device_id", deviceID,
				"error", err,
			)
			s.clearPendingAttributes(deviceID)
		},
	)
}

func (s *Server) onNewInstanceAttributesUpdated(deviceID string, reply fabric.Hash) {
	if success, _ := getBool(reply, "success"); !success {
		s.log.Errorw("Schema attribute update refused by device", "device_id", deviceID)
	}
	s.clearPendingAttributes(deviceID)
}

func (s *Server) clearPendingAttributes(deviceID string) {
	s.pendingAttrsMu.Lock()
	defer s.pendingAttrsMu.Unlock()
	if _, pending := s.pendingAttrs[deviceID]; !pending {
		s.log.Errorw("Received non-requested attribute update response",
			"device_id", deviceID,
		)
		return
	}
	delete(s.pendingAttrs, deviceID)
}
