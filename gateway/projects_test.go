package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminet/guigate/fabric"
)

func addProjectManager(hub *fabric.Hub, id string) {
	hub.AddInstance(fabric.InstanceInfo{
		Type: "device",
		ID:   id,
		Info: fabric.Hash{"classId": "ProjectManager"},
	})
}

func TestProjectManagerDiscoveryAndListing(t *testing.T) {
	srv, hub := startTestGateway(t, nil)
	addProjectManager(hub, "projects1")

	client := dialClient(t, srv)
	client.login("2.20.0")

	client.sendMsg(fabric.Hash{"type": msgTypeProjectListManagers})
	reply := client.expect(msgTypeProjectListManagers, 2*time.Second)
	managers := reply["reply"].([]any)
	require.Len(t, managers, 1)
	assert.Equal(t, "projects1", managers[0])
}

func TestProjectOperationAgainstUnknownManagerRefused(t *testing.T) {
	srv, _ := startTestGateway(t, nil)

	client := dialClient(t, srv)
	client.login("2.20.0")

	client.sendMsg(fabric.Hash{
		"type":           msgTypeProjectListDomains,
		"projectManager": "nobody",
		"token":          "tok",
	})

	reply := client.expect(msgTypeProjectListDomains, 2*time.Second)
	inner := reply["reply"].(map[string]any)
	assert.Equal(t, false, inner["success"])
	assert.Contains(t, inner["reason"], "does not exist")
}

func TestProjectListDomainsRoundTrip(t *testing.T) {
	srv, hub := startTestGateway(t, nil)
	addProjectManager(hub, "projects1")

	hub.RegisterSlot("projects1", "slotListDomains", func(args fabric.Hash) (fabric.Hash, error) {
		return fabric.Hash{"success": true, "domains": []string{"SASE1"}}, nil
	})

	client := dialClient(t, srv)
	client.login("2.20.0")

	client.sendMsg(fabric.Hash{
		"type":           msgTypeProjectListDomains,
		"projectManager": "projects1",
		"token":          "tok",
	})

	reply := client.expect(msgTypeProjectListDomains, 2*time.Second)
	inner := reply["reply"].(map[string]any)
	assert.Equal(t, true, inner["success"])
}

func TestProjectUpdateSignalBroadcast(t *testing.T) {
	srv, hub := startTestGateway(t, nil)
	addProjectManager(hub, "projects1")

	client := dialClient(t, srv)
	client.login("2.20.0")

	hub.EmitSignal("projects1", "signalProjectUpdate", fabric.Hash{"projectId": "p1"})

	update := client.expect(msgTypeProjectUpdate, 2*time.Second)
	info := update["info"].(map[string]any)
	assert.Equal(t, "p1", info["projectId"])
}

func TestProjectManagerForgottenWhenGone(t *testing.T) {
	srv, hub := startTestGateway(t, nil)
	addProjectManager(hub, "projects1")

	require.Eventually(t, func() bool {
		return len(srv.knownProjectManagers()) == 1
	}, 2*time.Second, 20*time.Millisecond)

	hub.RemoveInstance(fabric.InstanceInfo{Type: "device", ID: "projects1"})

	require.Eventually(t, func() bool {
		return len(srv.knownProjectManagers()) == 0
	}, 2*time.Second, 20*time.Millisecond)
}
