// Package fabric abstracts the distributed control fabric the gateway
// mediates for: asynchronous slot requests with continuations, instance
// topology tracking, device property monitors, pipeline channel monitors
// and the fabric-wide log stream.
//
// The gateway only depends on the Client interface. Hub is an in-process
// implementation used by tests and by the standalone serve mode; a
// broker-backed driver implements the same contract.
package fabric

import (
	"time"
)

// Hash is the dynamic payload type exchanged with the fabric and with GUI
// clients. Values are JSON-compatible.
type Hash = map[string]any

// Meta carries per-item pipeline metadata.
type Meta struct {
	Timestamp time.Time
}

// InstanceInfo describes one instance in the fabric topology. Type
// partitions the id space ("device", "server", "macro"); ID is unique
// within a type.
type InstanceInfo struct {
	Type string
	ID   string
	Info Hash
}

// ChannelConfig configures a pipeline channel monitor.
type ChannelConfig struct {
	// Distribution is the connection kind; the gateway always asks for a
	// copy of the stream.
	Distribution string
	// OnSlowness is the producer-side policy when this consumer is slow.
	OnSlowness string
	// DelayOnInput postpones the readiness announcement to the producer.
	DelayOnInput time.Duration
}

// DefaultRequestTimeout applies to requests armed without an explicit
// timeout.
var DefaultRequestTimeout = 2 * time.Minute

// Client is the gateway's view of the control fabric.
type Client interface {
	// Topology returns the current system topology as
	// type -> instanceId -> instanceInfo.
	Topology() Hash

	// OnInstanceNew registers a handler for instances joining the fabric.
	OnInstanceNew(handler func(inst InstanceInfo))
	// OnInstanceUpdated registers a handler for instance info updates.
	OnInstanceUpdated(handler func(inst InstanceInfo))
	// OnInstanceGone registers a handler for instances leaving the fabric.
	OnInstanceGone(handler func(inst InstanceInfo))

	// OnDevicesChanged registers a handler for batched configuration
	// deltas of monitored devices (deviceId -> delta).
	OnDevicesChanged(handler func(updates map[string]Hash))
	// OnSchemaUpdated registers a handler for device schema updates.
	OnSchemaUpdated(handler func(deviceID string, schema Hash))
	// OnClassSchema registers a handler for class schema replies.
	OnClassSchema(handler func(serverID, classID string, schema Hash))

	// RegisterDeviceMonitor subscribes to the property stream of a device.
	RegisterDeviceMonitor(deviceID string)
	// UnregisterDeviceMonitor drops the property stream subscription.
	UnregisterDeviceMonitor(deviceID string)
	// SetDeviceMonitorInterval sets the minimum interval between
	// forwarded property updates of a single device.
	SetDeviceMonitorInterval(d time.Duration)

	// CachedConfiguration returns the cached configuration of a device,
	// if the fabric has seen one.
	CachedConfiguration(deviceID string) (Hash, bool)
	// CachedDeviceSchema returns the cached schema of a device.
	CachedDeviceSchema(deviceID string) (Hash, bool)
	// CachedClassSchema returns the cached schema of a class on a server.
	CachedClassSchema(serverID, classID string) (Hash, bool)

	// RegisterChannelMonitor opens the single upstream subscription for a
	// producer channel ("producerId:channelName"). Returns false if the
	// channel is already monitored.
	RegisterChannelMonitor(name string, handler func(data Hash, meta Meta), cfg ChannelConfig) bool
	// UnregisterChannelMonitor releases the upstream subscription.
	// Returns false if the channel was not monitored.
	UnregisterChannelMonitor(name string) bool
	// ChannelTraffic reports bytes read/written on a monitored channel.
	ChannelTraffic(name string) (read, written uint64)

	// Subscribe connects a fabric signal of an instance to a handler.
	Subscribe(instanceID, signal string, handler func(args Hash)) error

	// Request prepares an asynchronous slot call. The call is dispatched
	// when Receive arms the continuations.
	Request(instanceID, slot string, args Hash) *Call
	// Notify performs a fire-and-forget slot call.
	Notify(instanceID, slot string, args Hash)

	// ReadLogs registers a handler for batches of fabric log messages.
	ReadLogs(handler func(messages []Hash))
	// Publish writes a payload to a fabric topic (debug traffic).
	Publish(topic string, payload Hash)

	// Set publishes an observable property of the gateway itself.
	Set(key string, value any)
}
