package fabric

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/luminet/guigate/errors"
)

// SlotHandler services one slot of an instance attached to the Hub.
type SlotHandler func(args Hash) (Hash, error)

// channelFeed is one monitored producer channel.
type channelFeed struct {
	handler      func(data Hash, meta Meta)
	cfg          ChannelConfig
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// Hub is an in-process fabric. Simulated instances attach slots and push
// topology, property and pipeline events; the gateway consumes them through
// the Client interface. Tests drive both sides.
type Hub struct {
	log *zap.SugaredLogger

	mu        sync.RWMutex
	slots     map[string]map[string]SlotHandler
	topology  map[string]map[string]Hash
	configs   map[string]Hash
	schemas   map[string]Hash
	classes   map[string]Hash // serverID + "." + classID
	monitored map[string]bool
	channels  map[string]*channelFeed
	signals   map[string][]func(args Hash)

	instNew     []func(InstanceInfo)
	instUpdated []func(InstanceInfo)
	instGone    []func(InstanceInfo)
	devsChanged []func(map[string]Hash)
	schemaUpd   []func(string, Hash)
	classSchema []func(string, string, Hash)
	logReaders  []func([]Hash)

	observables     map[string]any
	published       map[string][]Hash
	monitorInterval time.Duration
}

// NewHub creates an empty in-process fabric.
func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		log:         log,
		slots:       make(map[string]map[string]SlotHandler),
		topology:    make(map[string]map[string]Hash),
		configs:     make(map[string]Hash),
		schemas:     make(map[string]Hash),
		classes:     make(map[string]Hash),
		monitored:   make(map[string]bool),
		channels:    make(map[string]*channelFeed),
		signals:     make(map[string][]func(Hash)),
		observables: make(map[string]any),
		published:   make(map[string][]Hash),
	}
}

var _ Client = (*Hub)(nil)

// --- Client side ---

// Topology returns a copy of the current topology.
func (h *Hub) Topology() Hash {
	h.mu.RLock()
	defer h.mu.RUnlock()

	top := Hash{}
	for typ, instances := range h.topology {
		entry := Hash{}
		for id, info := range instances {
			entry[id] = info
		}
		top[typ] = entry
	}
	return top
}

func (h *Hub) OnInstanceNew(handler func(InstanceInfo)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.instNew = append(h.instNew, handler)
}

func (h *Hub) OnInstanceUpdated(handler func(InstanceInfo)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.instUpdated = append(h.instUpdated, handler)
}

func (h *Hub) OnInstanceGone(handler func(InstanceInfo)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.instGone = append(h.instGone, handler)
}

func (h *Hub) OnDevicesChanged(handler func(map[string]Hash)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devsChanged = append(h.devsChanged, handler)
}

func (h *Hub) OnSchemaUpdated(handler func(string, Hash)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.schemaUpd = append(h.schemaUpd, handler)
}

func (h *Hub) OnClassSchema(handler func(string, string, Hash)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.classSchema = append(h.classSchema, handler)
}

func (h *Hub) RegisterDeviceMonitor(deviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.monitored[deviceID] = true
}

func (h *Hub) UnregisterDeviceMonitor(deviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.monitored, deviceID)
}

func (h *Hub) SetDeviceMonitorInterval(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.monitorInterval = d
}

func (h *Hub) CachedConfiguration(deviceID string) (Hash, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cfg, ok := h.configs[deviceID]
	return cfg, ok
}

func (h *Hub) CachedDeviceSchema(deviceID string) (Hash, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	schema, ok := h.schemas[deviceID]
	return schema, ok
}

func (h *Hub) CachedClassSchema(serverID, classID string) (Hash, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	schema, ok := h.classes[serverID+"."+classID]
	return schema, ok
}

func (h *Hub) RegisterChannelMonitor(name string, handler func(Hash, Meta), cfg ChannelConfig) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.channels[name]; exists {
		return false
	}
	h.channels[name] = &channelFeed{handler: handler, cfg: cfg}
	return true
}

func (h *Hub) UnregisterChannelMonitor(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.channels[name]; !exists {
		return false
	}
	delete(h.channels, name)
	return true
}

func (h *Hub) ChannelTraffic(name string) (uint64, uint64) {
	h.mu.RLock()
	feed := h.channels[name]
	h.mu.RUnlock()
	if feed == nil {
		return 0, 0
	}
	return feed.bytesRead.Load(), feed.bytesWritten.Load()
}

func (h *Hub) Subscribe(instanceID, signal string, handler func(Hash)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := instanceID + "." + signal
	h.signals[key] = append(h.signals[key], handler)
	return nil
}

// Request prepares an asynchronous call against an attached slot handler.
func (h *Hub) Request(instanceID, slot string, args Hash) *Call {
	return NewCall(instanceID, slot, args, h.dispatchCall)
}

func (h *Hub) dispatchCall(c *Call, onSuccess func(Hash), onFailure func(error)) {
	go func() {
		h.mu.RLock()
		handler := h.slots[c.Instance()][c.Slot()]
		h.mu.RUnlock()

		if handler == nil {
			onFailure(&RemoteError{
				Instance: c.Instance(),
				Slot:     c.Slot(),
				Message:  "no such slot",
			})
			return
		}

		type result struct {
			reply Hash
			err   error
		}
		done := make(chan result, 1)
		go func() {
			reply, err := handler(c.Args())
			done <- result{reply, err}
		}()

		timer := time.NewTimer(c.RequestTimeout())
		defer timer.Stop()

		select {
		case res := <-done:
			if res.err != nil {
				onFailure(errors.Wrapf(res.err, "request to %s.%s failed", c.Instance(), c.Slot()))
				return
			}
			onSuccess(res.reply)
		case <-timer.C:
			// Late replies are discarded: the pending entry is gone.
			onFailure(ErrTimeout)
		}
	}()
}

// Notify performs a fire-and-forget slot call. Errors are logged only.
func (h *Hub) Notify(instanceID, slot string, args Hash) {
	go func() {
		h.mu.RLock()
		handler := h.slots[instanceID][slot]
		h.mu.RUnlock()
		if handler == nil {
			h.log.Warnw("Notify to unknown slot",
				"instance", instanceID,
				"slot", slot,
			)
			return
		}
		if _, err := handler(args); err != nil {
			h.log.Warnw("Notify failed",
				"instance", instanceID,
				"slot", slot,
				"error", err,
			)
		}
	}()
}

func (h *Hub) ReadLogs(handler func([]Hash)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logReaders = append(h.logReaders, handler)
}

func (h *Hub) Publish(topic string, payload Hash) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.published[topic] = append(h.published[topic], payload)
}

func (h *Hub) Set(key string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observables[key] = value
}

// --- Instance / simulation side ---

// RegisterSlot attaches a slot handler to an instance.
func (h *Hub) RegisterSlot(instanceID, slot string, handler SlotHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.slots[instanceID] == nil {
		h.slots[instanceID] = make(map[string]SlotHandler)
	}
	h.slots[instanceID][slot] = handler
}

// AddInstance inserts an instance into the topology and notifies trackers.
func (h *Hub) AddInstance(inst InstanceInfo) {
	h.mu.Lock()
	if h.topology[inst.Type] == nil {
		h.topology[inst.Type] = make(map[string]Hash)
	}
	h.topology[inst.Type][inst.ID] = inst.Info
	handlers := append([]func(InstanceInfo){}, h.instNew...)
	h.mu.Unlock()

	for _, handler := range handlers {
		handler(inst)
	}
}

// UpdateInstance replaces the instance info and notifies trackers.
func (h *Hub) UpdateInstance(inst InstanceInfo) {
	h.mu.Lock()
	if h.topology[inst.Type] == nil {
		h.topology[inst.Type] = make(map[string]Hash)
	}
	h.topology[inst.Type][inst.ID] = inst.Info
	handlers := append([]func(InstanceInfo){}, h.instUpdated...)
	h.mu.Unlock()

	for _, handler := range handlers {
		handler(inst)
	}
}

// RemoveInstance drops an instance from the topology and notifies trackers.
func (h *Hub) RemoveInstance(inst InstanceInfo) {
	h.mu.Lock()
	if instances := h.topology[inst.Type]; instances != nil {
		delete(instances, inst.ID)
		if len(instances) == 0 {
			delete(h.topology, inst.Type)
		}
	}
	delete(h.configs, inst.ID)
	handlers := append([]func(InstanceInfo){}, h.instGone...)
	h.mu.Unlock()

	for _, handler := range handlers {
		handler(inst)
	}
}

// SetConfiguration caches a device configuration.
func (h *Hub) SetConfiguration(deviceID string, cfg Hash) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.configs[deviceID] = cfg
}

// SetDeviceSchema caches a device schema.
func (h *Hub) SetDeviceSchema(deviceID string, schema Hash) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.schemas[deviceID] = schema
}

// SetClassSchema caches a class schema.
func (h *Hub) SetClassSchema(serverID, classID string, schema Hash) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.classes[serverID+"."+classID] = schema
}

// PushDeviceUpdates delivers configuration deltas for monitored devices.
// Updates for devices without an active monitor are dropped, mirroring a
// property stream that nobody subscribed to.
func (h *Hub) PushDeviceUpdates(updates map[string]Hash) {
	h.mu.RLock()
	filtered := make(map[string]Hash, len(updates))
	for deviceID, delta := range updates {
		if h.monitored[deviceID] {
			filtered[deviceID] = delta
		}
	}
	handlers := append([]func(map[string]Hash){}, h.devsChanged...)
	h.mu.RUnlock()

	if len(filtered) == 0 {
		return
	}
	for _, handler := range handlers {
		handler(filtered)
	}
}

// EmitSchemaUpdated notifies device schema trackers.
func (h *Hub) EmitSchemaUpdated(deviceID string, schema Hash) {
	h.mu.Lock()
	h.schemas[deviceID] = schema
	handlers := append([]func(string, Hash){}, h.schemaUpd...)
	h.mu.Unlock()

	for _, handler := range handlers {
		handler(deviceID, schema)
	}
}

// EmitClassSchema notifies class schema trackers.
func (h *Hub) EmitClassSchema(serverID, classID string, schema Hash) {
	h.mu.Lock()
	h.classes[serverID+"."+classID] = schema
	handlers := append([]func(string, string, Hash){}, h.classSchema...)
	h.mu.Unlock()

	for _, handler := range handlers {
		handler(serverID, classID, schema)
	}
}

// PushChannelData delivers one pipeline item to the monitor of a producer
// channel, if any.
func (h *Hub) PushChannelData(name string, data Hash, meta Meta) {
	h.mu.RLock()
	feed := h.channels[name]
	h.mu.RUnlock()
	if feed == nil {
		return
	}
	if encoded, err := json.Marshal(data); err == nil {
		feed.bytesRead.Add(uint64(len(encoded)))
	}
	feed.handler(data, meta)
}

// PushLogs delivers a batch of fabric log messages to log readers.
func (h *Hub) PushLogs(messages []Hash) {
	h.mu.RLock()
	handlers := append([]func([]Hash){}, h.logReaders...)
	h.mu.RUnlock()

	for _, handler := range handlers {
		handler(messages)
	}
}

// EmitSignal fires a fabric signal of an instance.
func (h *Hub) EmitSignal(instanceID, signal string, args Hash) {
	h.mu.RLock()
	handlers := append([]func(Hash){}, h.signals[instanceID+"."+signal]...)
	h.mu.RUnlock()

	for _, handler := range handlers {
		handler(args)
	}
}

// MonitoredDevices returns the devices with an active property monitor.
func (h *Hub) MonitoredDevices() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	devices := make([]string, 0, len(h.monitored))
	for deviceID := range h.monitored {
		devices = append(devices, deviceID)
	}
	return devices
}

// MonitorsChannel reports whether a producer channel is being monitored.
func (h *Hub) MonitorsChannel(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.channels[name]
	return ok
}

// Published returns the payloads published to a topic.
func (h *Hub) Published(topic string) []Hash {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Hash{}, h.published[topic]...)
}

// Observable returns the last value set for an observable property.
func (h *Hub) Observable(key string) (any, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.observables[key]
	return v, ok
}
