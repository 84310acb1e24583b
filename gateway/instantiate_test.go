package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminet/guigate/config"
	"github.com/luminet/guigate/errors"
	"github.com/luminet/guigate/fabric"
)

func TestInitDeviceQueuedAndAnswered(t *testing.T) {
	srv, hub := startTestGateway(t, nil)

	hub.RegisterSlot("server_a", "slotStartDevice", func(args fabric.Hash) (fabric.Hash, error) {
		return fabric.Hash{"success": true, "message": "started"}, nil
	})

	client := dialClient(t, srv)
	client.login("2.20.0")

	client.sendMsg(fabric.Hash{
		"type":     msgTypeInitDevice,
		"serverId": "server_a",
		"deviceId": "motor9",
	})

	reply := client.expect(msgTypeInitReply, 3*time.Second)
	assert.Equal(t, "motor9", reply["deviceId"])
	assert.Equal(t, true, reply["success"])
}

func TestInitDeviceFailureAnswered(t *testing.T) {
	srv, hub := startTestGateway(t, nil)

	hub.RegisterSlot("server_a", "slotStartDevice", func(args fabric.Hash) (fabric.Hash, error) {
		return nil, errors.New("plugin not found")
	})

	client := dialClient(t, srv)
	client.login("2.20.0")

	client.sendMsg(fabric.Hash{
		"type":     msgTypeInitDevice,
		"serverId": "server_a",
		"deviceId": "motor9",
	})

	reply := client.expect(msgTypeInitReply, 3*time.Second)
	assert.Equal(t, false, reply["success"])
	assert.Contains(t, reply["message"], "plugin not found")
}

func TestInstantiationsAreRateLimited(t *testing.T) {
	srv, hub := startTestGateway(t, func(cfg *config.Config) {
		cfg.WaitInitDeviceMS = 100
	})

	started := make(chan time.Time, 4)
	hub.RegisterSlot("server_a", "slotStartDevice", func(args fabric.Hash) (fabric.Hash, error) {
		started <- time.Now()
		return fabric.Hash{"success": true}, nil
	})

	client := dialClient(t, srv)
	client.login("2.20.0")

	for _, deviceID := range []string{"m1", "m2"} {
		client.sendMsg(fabric.Hash{
			"type":     msgTypeInitDevice,
			"serverId": "server_a",
			"deviceId": deviceID,
		})
	}

	var first, second time.Time
	select {
	case first = <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("first instantiation never fired")
	}
	select {
	case second = <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("second instantiation never fired")
	}

	// One dequeue per timer tick.
	assert.GreaterOrEqual(t, second.Sub(first), 50*time.Millisecond)
}

func TestSchemaAttributesUpdatedAfterBothEvents(t *testing.T) {
	srv, hub := startTestGateway(t, nil)

	hub.RegisterSlot("server_a", "slotStartDevice", func(args fabric.Hash) (fabric.Hash, error) {
		return fabric.Hash{"success": true}, nil
	})
	attrsUpdated := make(chan fabric.Hash, 1)
	hub.RegisterSlot("motor9", "slotUpdateSchemaAttributes", func(args fabric.Hash) (fabric.Hash, error) {
		attrsUpdated <- args
		return fabric.Hash{"success": true}, nil
	})

	client := dialClient(t, srv)
	client.login("2.20.0")

	client.sendMsg(fabric.Hash{
		"type":     msgTypeInitDevice,
		"serverId": "server_a",
		"deviceId": "motor9",
		"schemaUpdates": []fabric.Hash{
			{"path": "speed", "attribute": "maxInc", "value": 10},
		},
	})

	client.expect(msgTypeInitReply, 3*time.Second)

	// Server reply alone is not enough: the instance announcement is
	// still missing.
	select {
	case <-attrsUpdated:
		t.Fatal("attributes updated before the instance was announced")
	case <-time.After(200 * time.Millisecond):
	}

	hub.AddInstance(fabric.InstanceInfo{
		Type: "device",
		ID:   "motor9",
		Info: fabric.Hash{"classId": "Motor"},
	})

	select {
	case args := <-attrsUpdated:
		updates, ok := getHashSlice(args, "updates")
		require.True(t, ok)
		require.Len(t, updates, 1)
		assert.Equal(t, "speed", updates[0]["path"])
	case <-time.After(3 * time.Second):
		t.Fatal("attributes never updated")
	}
}

func TestInstanceGoneDropsPendingAttributeUpdates(t *testing.T) {
	srv, hub := startTestGateway(t, nil)

	hub.RegisterSlot("server_a", "slotStartDevice", func(args fabric.Hash) (fabric.Hash, error) {
		return fabric.Hash{"success": true}, nil
	})
	attrsUpdated := make(chan struct{}, 1)
	hub.RegisterSlot("motor9", "slotUpdateSchemaAttributes", func(fabric.Hash) (fabric.Hash, error) {
		attrsUpdated <- struct{}{}
		return fabric.Hash{"success": true}, nil
	})

	client := dialClient(t, srv)
	client.login("2.20.0")

	client.sendMsg(fabric.Hash{
		"type":     msgTypeInitDevice,
		"serverId": "server_a",
		"deviceId": "motor9",
		"schemaUpdates": []fabric.Hash{
			{"path": "speed", "attribute": "maxInc", "value": 10},
		},
	})
	client.expect(msgTypeInitReply, 3*time.Second)

	// The device vanishes before announcing itself: pending updates die.
	hub.RemoveInstance(fabric.InstanceInfo{Type: "device", ID: "motor9"})
	hub.AddInstance(fabric.InstanceInfo{
		Type: "device",
		ID:   "motor9",
		Info: fabric.Hash{"classId": "Motor"},
	})

	select {
	case <-attrsUpdated:
		t.Fatal("pending updates must not survive an instance-gone")
	case <-time.After(300 * time.Millisecond):
	}
}
