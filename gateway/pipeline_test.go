package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminet/guigate/fabric"
)

func subscribeNetwork(c *wsClient, channel string, subscribe bool) {
	c.sendMsg(fabric.Hash{
		"type":        msgTypeSubscribeNetwork,
		"channelName": channel,
		"subscribe":   subscribe,
	})
}

func requestNetwork(c *wsClient, channel string) {
	c.sendMsg(fabric.Hash{"type": msgTypeRequestNetwork, "channelName": channel})
}

func pushData(hub *fabric.Hub, channel string, seq int) {
	hub.PushChannelData(channel, fabric.Hash{"seq": seq}, fabric.Meta{Timestamp: time.Now()})
}

const testChannel = "camera1:output"

func TestPipelineReadinessHandshake(t *testing.T) {
	srv, hub := startTestGateway(t, nil)
	client := dialClient(t, srv)
	client.login("2.20.0")

	subscribeNetwork(client, testChannel, true)
	require.Eventually(t, func() bool {
		return hub.MonitorsChannel(testChannel)
	}, 2*time.Second, 20*time.Millisecond)

	// Subscribing marks the client ready: the first item is delivered.
	pushData(hub, testChannel, 1)
	msg := client.expect(msgTypeNetworkData, 2*time.Second)
	assert.Equal(t, testChannel, msg["name"])
	data := msg["data"].(map[string]any)
	assert.EqualValues(t, 1, data["seq"])

	// Delivery flipped readiness off: the next item is dropped, not queued.
	pushData(hub, testChannel, 2)
	client.expectNone(msgTypeNetworkData, 300*time.Millisecond)

	// requestNetwork re-arms; the following item arrives.
	requestNetwork(client, testChannel)
	time.Sleep(50 * time.Millisecond)
	pushData(hub, testChannel, 3)
	msg = client.expect(msgTypeNetworkData, 2*time.Second)
	data = msg["data"].(map[string]any)
	assert.EqualValues(t, 3, data["seq"], "the dropped item is gone for good")
}

func TestPipelineSingleUpstreamSubscription(t *testing.T) {
	srv, hub := startTestGateway(t, nil)

	first := dialClient(t, srv)
	first.login("2.20.0")
	second := dialClient(t, srv)
	second.login("2.20.0")

	subscribeNetwork(first, testChannel, true)
	subscribeNetwork(second, testChannel, true)
	require.Eventually(t, func() bool {
		return hub.MonitorsChannel(testChannel)
	}, 2*time.Second, 20*time.Millisecond)

	// Both ready: one upstream item fans out to both.
	time.Sleep(50 * time.Millisecond)
	pushData(hub, testChannel, 7)
	first.expect(msgTypeNetworkData, 2*time.Second)
	second.expect(msgTypeNetworkData, 2*time.Second)

	// Upstream subscription survives until the last client leaves.
	subscribeNetwork(first, testChannel, false)
	time.Sleep(100 * time.Millisecond)
	assert.True(t, hub.MonitorsChannel(testChannel))

	subscribeNetwork(second, testChannel, false)
	require.Eventually(t, func() bool {
		return !hub.MonitorsChannel(testChannel)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPipelineReleasedOnClientError(t *testing.T) {
	srv, hub := startTestGateway(t, nil)

	client := dialClient(t, srv)
	client.login("2.20.0")

	subscribeNetwork(client, testChannel, true)
	require.Eventually(t, func() bool {
		return hub.MonitorsChannel(testChannel)
	}, 2*time.Second, 20*time.Millisecond)

	client.conn.Close()

	require.Eventually(t, func() bool {
		return !hub.MonitorsChannel(testChannel)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPipelineReleasedWhenProducerGone(t *testing.T) {
	srv, hub := startTestGateway(t, nil)

	client := dialClient(t, srv)
	client.login("2.20.0")

	subscribeNetwork(client, testChannel, true)
	require.Eventually(t, func() bool {
		return hub.MonitorsChannel(testChannel)
	}, 2*time.Second, 20*time.Millisecond)

	hub.RemoveInstance(fabric.InstanceInfo{Type: "device", ID: "camera1"})

	require.Eventually(t, func() bool {
		return !hub.MonitorsChannel(testChannel)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDuplicateSubscribeIsHarmless(t *testing.T) {
	srv, hub := startTestGateway(t, nil)

	client := dialClient(t, srv)
	client.login("2.20.0")

	subscribeNetwork(client, testChannel, true)
	subscribeNetwork(client, testChannel, true)
	require.Eventually(t, func() bool {
		return hub.MonitorsChannel(testChannel)
	}, 2*time.Second, 20*time.Millisecond)

	// Still a single subscriber: one unsubscribe releases the channel.
	subscribeNetwork(client, testChannel, false)
	require.Eventually(t, func() bool {
		return !hub.MonitorsChannel(testChannel)
	}, 2*time.Second, 20*time.Millisecond)
}
