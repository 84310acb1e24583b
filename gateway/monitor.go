package gateway

import (
	"github.com/luminet/guigate/fabric"
)

// onStartMonitoringDevice notes client interest in a device and, on the
// first interested client, opens the upstream property monitor. The
// current configuration is pushed back right away when the fabric has it
// cached; otherwise the upstream reply arrives through the monitor stream.
func (s *Server) onStartMonitoringDevice(c *Client, msg fabric.Hash) {
	deviceID, ok := getString(msg, "deviceId")
	if !ok {
		c.send(notification("startMonitoringDevice request lacks deviceId"), laneLossless)
		return
	}

	s.clientsMu.Lock()
	c.visibleInstances[deviceID] = struct{}{}
	s.clientsMu.Unlock()

	s.monitorsMu.Lock()
	s.monitors[deviceID]++
	count := s.monitors[deviceID]
	s.monitorsMu.Unlock()

	s.log.Debugw("Start monitoring device",
		"device_id", deviceID,
		"ref_count", count,
		"client_id", c.id,
	)

	if count == 1 {
		// Fresh device on the shelf
		s.fab.RegisterDeviceMonitor(deviceID)
	}

	s.onGetDeviceConfiguration(c, msg)
}

// onStopMonitoringDevice drops client interest and releases the upstream
// monitor when nobody is left.
func (s *Server) onStopMonitoringDevice(c *Client, msg fabric.Hash) {
	deviceID, ok := getString(msg, "deviceId")
	if !ok {
		c.send(notification("stopMonitoringDevice request lacks deviceId"), laneLossless)
		return
	}

	s.clientsMu.Lock()
	delete(c.visibleInstances, deviceID)
	s.clientsMu.Unlock()

	s.monitorsMu.Lock()
	s.monitors[deviceID]--
	count := s.monitors[deviceID]
	if count <= 0 {
		delete(s.monitors, deviceID)
	}
	s.monitorsMu.Unlock()

	s.log.Debugw("Stop monitoring device",
		"device_id", deviceID,
		"ref_count", count,
		"client_id", c.id,
	)

	if count <= 0 {
		s.fab.UnregisterDeviceMonitor(deviceID)
	}
}

// onGetDeviceConfiguration answers directly from the fabric cache when
// possible; otherwise the client is served by a later monitor update.
func (s *Server) onGetDeviceConfiguration(c *Client, msg fabric.Hash) {
	deviceID, ok := getString(msg, "deviceId")
	if !ok {
		c.send(notification("getDeviceConfiguration request lacks deviceId"), laneLossless)
		return
	}

	cfg, cached := s.fab.CachedConfiguration(deviceID)
	if !cached {
		s.log.Debugw("Device configuration not cached, expect later answer",
			"device_id", deviceID,
		)
		return
	}
	c.send(fabric.Hash{
		"type":           msgTypeDeviceConfigurations,
		"configurations": fabric.Hash{deviceID: cfg},
	}, laneLossless)
}

// devicesChangedHandler fans one upstream bulk update out to the clients,
// restricted per client to its visible instances and batched into a single
// message each.
func (s *Server) devicesChangedHandler(updates map[string]fabric.Hash) {
	s.clientsMu.RLock()
	type delivery struct {
		client  *Client
		configs fabric.Hash
	}
	deliveries := make([]delivery, 0, len(s.clients))
	for c := range s.clients {
		if !c.loggedIn {
			continue
		}
		configs := fabric.Hash{}
		for deviceID, delta := range updates {
			if _, visible := c.visibleInstances[deviceID]; visible {
				configs[deviceID] = delta
			}
		}
		if len(configs) > 0 {
			deliveries = append(deliveries, delivery{client: c, configs: configs})
		}
	}
	s.clientsMu.RUnlock()

	for _, d := range deliveries {
		d.client.send(fabric.Hash{
			"type":           msgTypeDeviceConfigurations,
			"configurations": d.configs,
		}, laneLossless)
	}
}

// onGetDeviceSchema answers from the cache or records the request for the
// next schemaUpdated event.
func (s *Server) onGetDeviceSchema(c *Client, msg fabric.Hash) {
	deviceID, ok := getString(msg, "deviceId")
	if !ok {
		c.send(notification("getDeviceSchema request lacks deviceId"), laneLossless)
		return
	}

	if schema, cached := s.fab.CachedDeviceSchema(deviceID); cached {
		c.send(fabric.Hash{
			"type":     msgTypeDeviceSchema,
			"deviceId": deviceID,
			"schema":   schema,
		}, laneLossless)
		return
	}

	s.clientsMu.Lock()
	c.requestedDeviceSchemas[deviceID] = struct{}{}
	s.clientsMu.Unlock()
	s.log.Debugw("Device schema not cached, expect later answer", "device_id", deviceID)
}

// onGetClassSchema answers from the cache or records the request for the
// next classSchema event.
func (s *Server) onGetClassSchema(c *Client, msg fabric.Hash) {
	serverID, hasServer := getString(msg, "serverId")
	classID, hasClass := getString(msg, "classId")
	if !hasServer || !hasClass {
		c.send(notification("getClassSchema request lacks serverId or classId"), laneLossless)
		return
	}

	if schema, cached := s.fab.CachedClassSchema(serverID, classID); cached {
		c.send(fabric.Hash{
			"type":     msgTypeClassSchema,
			"serverId": serverID,
			"classId":  classID,
			"schema":   schema,
		}, laneLossless)
		return
	}

	s.clientsMu.Lock()
	pending := c.requestedClassSchemas[serverID]
	if pending == nil {
		pending = make(map[string]struct{})
		c.requestedClassSchemas[serverID] = pending
	}
	pending[classID] = struct{}{}
	s.clientsMu.Unlock()
	s.log.Debugw("Class schema not cached, expect later answer",
		"server_id", serverID,
		"class_id", classID,
	)
}

// schemaUpdatedHandler pushes a fresh device schema to clients that watch
// the device or asked for its schema, and clears the pending requests.
func (s *Server) schemaUpdatedHandler(deviceID string, schema fabric.Hash) {
	if len(schema) == 0 {
		s.log.Warnw("Forwarding an empty schema", "device_id", deviceID)
	}

	msg := fabric.Hash{
		"type":     msgTypeDeviceSchema,
		"deviceId": deviceID,
		"schema":   schema,
	}

	s.clientsMu.Lock()
	recipients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		_, visible := c.visibleInstances[deviceID]
		_, requested := c.requestedDeviceSchemas[deviceID]
		if visible || requested {
			recipients = append(recipients, c)
			delete(c.requestedDeviceSchemas, deviceID)
		}
	}
	s.clientsMu.Unlock()

	for _, c := range recipients {
		c.send(msg, laneLossless)
	}
}

// classSchemaHandler answers the clients that asked for a class schema.
// Empty schemas clear the pending request without an answer (the plugin
// may simply not exist).
func (s *Server) classSchemaHandler(serverID, classID string, schema fabric.Hash) {
	msg := fabric.Hash{
		"type":     msgTypeClassSchema,
		"serverId": serverID,
		"classId":  classID,
		"schema":   schema,
	}

	s.clientsMu.Lock()
	recipients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		pending := c.requestedClassSchemas[serverID]
		if pending == nil {
			continue
		}
		if _, asked := pending[classID]; !asked {
			continue
		}
		if len(schema) > 0 {
			recipients = append(recipients, c)
		}
		delete(pending, classID)
		if len(pending) == 0 {
			delete(c.requestedClassSchemas, serverID)
		}
	}
	s.clientsMu.Unlock()

	for _, c := range recipients {
		c.send(msg, laneLossless)
	}
}
