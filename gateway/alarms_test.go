package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminet/guigate/config"
	"github.com/luminet/guigate/fabric"
)

func addAlarmService(hub *fabric.Hub, id string) {
	hub.RegisterSlot(id, "slotRequestAlarmDump", func(fabric.Hash) (fabric.Hash, error) {
		return fabric.Hash{
			"instanceId": id,
			"alarms":     fabric.Hash{"row1": fabric.Hash{"severity": "warn"}},
		}, nil
	})
	hub.AddInstance(fabric.InstanceInfo{
		Type: "device",
		ID:   id,
		Info: fabric.Hash{"classId": "AlarmService"},
	})
}

func TestAlarmServiceDiscoveryBroadcastsInit(t *testing.T) {
	srv, hub := startTestGateway(t, nil)

	client := dialClient(t, srv)
	client.login("2.20.0")

	addAlarmService(hub, "alarms1")

	init := client.expect(msgTypeAlarmInit, 3*time.Second)
	assert.Equal(t, "alarms1", init["instanceId"])
	rows := init["rows"].(map[string]any)
	assert.Contains(t, rows, "row1")
}

func TestRequestAlarmsAnswersRequestingClient(t *testing.T) {
	srv, hub := startTestGateway(t, nil)
	addAlarmService(hub, "alarms1")

	client := dialClient(t, srv)
	client.login("2.20.0")

	client.sendMsg(fabric.Hash{
		"type":            msgTypeRequestAlarms,
		"alarmInstanceId": "alarms1",
	})

	init := client.expect(msgTypeAlarmInit, 3*time.Second)
	assert.Equal(t, "alarms1", init["instanceId"])
}

func TestAcknowledgeAlarmForwarded(t *testing.T) {
	srv, hub := startTestGateway(t, nil)

	acked := make(chan fabric.Hash, 1)
	hub.RegisterSlot("alarms1", "slotAcknowledgeAlarm", func(args fabric.Hash) (fabric.Hash, error) {
		acked <- args
		return fabric.Hash{}, nil
	})

	client := dialClient(t, srv)
	client.login("2.20.0")

	client.sendMsg(fabric.Hash{
		"type":             msgTypeAcknowledgeAlarm,
		"alarmInstanceId":  "alarms1",
		"acknowledgedRows": fabric.Hash{"row1": true},
	})

	select {
	case args := <-acked:
		assert.Contains(t, args, "row1")
	case <-time.After(2 * time.Second):
		t.Fatal("acknowledgement never reached the alarm service")
	}
}

// TestAlarmUpdateFlushesThrottlerFirst pins the ordering guarantee: a
// client always sees the instanceNew of an alarming device before the
// alarm row that references it.
func TestAlarmUpdateFlushesThrottlerFirst(t *testing.T) {
	srv, hub := startTestGateway(t, func(cfg *config.Config) {
		// A long cycle: only the alarm-triggered flush can deliver the
		// buffered instanceNew in time.
		cfg.Throttler.CycleIntervalMS = 8000
	})

	client := dialClient(t, srv)
	client.login("2.20.0")
	addAlarmService(hub, "alarms1")
	client.expect(msgTypeAlarmInit, 3*time.Second) // discovery broadcast

	hub.AddInstance(fabric.InstanceInfo{
		Type: "device",
		ID:   "flakyDevice",
		Info: fabric.Hash{"classId": "Motor"},
	})
	hub.EmitSignal("alarms1", "signalAlarmServiceUpdate", fabric.Hash{
		"type": "alarmUpdate",
		"rows": fabric.Hash{"row2": fabric.Hash{"deviceId": "flakyDevice"}},
	})

	var sawTopology bool
	deadline := time.Now().Add(3 * time.Second)
	for {
		client.conn.SetReadDeadline(deadline)
		var msg fabric.Hash
		require.NoError(t, client.conn.ReadJSON(&msg))
		if msg["type"] == msgTypeTopologyUpdate {
			sawTopology = true
			continue
		}
		if msg["type"] == "alarmUpdate" {
			assert.True(t, sawTopology, "topologyUpdate must precede the alarm row")
			return
		}
	}
}
