package gateway

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"

	"github.com/luminet/guigate/fabric"
)

func TestViolatesReadOnly(t *testing.T) {
	cases := []struct {
		name    string
		msgType string
		msg     fabric.Hash
		want    bool
	}{
		{"execute is mutating", msgTypeExecute, fabric.Hash{}, true},
		{"reconfigure is mutating", msgTypeReconfigure, fabric.Hash{}, true},
		{"killDevice is mutating", msgTypeKillDevice, fabric.Hash{}, true},
		{"projectSaveItems is mutating", msgTypeProjectSaveItems, fabric.Hash{}, true},
		{"monitoring is not", msgTypeStartMonitoringDevice, fabric.Hash{}, false},
		{"history is not", msgTypeGetPropertyHistory, fabric.Hash{}, false},
		{
			"generic scene request allowed",
			msgTypeRequestGeneric,
			fabric.Hash{"slot": "requestScene"},
			false,
		},
		{
			"generic slotGetScene allowed",
			msgTypeRequestFromSlot,
			fabric.Hash{"slot": "slotGetScene"},
			false,
		},
		{
			"generic non-scene slot refused",
			msgTypeRequestGeneric,
			fabric.Hash{"slot": "slotSaveConfiguration"},
			true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, violatesReadOnly(tc.msgType, tc.msg))
		})
	}
}

func TestViolatesVersionRestriction(t *testing.T) {
	old := semver.MustParse("2.9.0")
	current := semver.MustParse("2.10.0")

	assert.True(t, violatesVersionRestriction(msgTypeProjectSaveItems, old))
	assert.False(t, violatesVersionRestriction(msgTypeProjectSaveItems, current))
	assert.False(t, violatesVersionRestriction(msgTypeExecute, old), "unrestricted types pass")
	assert.True(t, violatesVersionRestriction(msgTypeProjectSaveItems, nil))
}

func TestProducerOf(t *testing.T) {
	assert.Equal(t, "camera1", producerOf("camera1:output"))
	assert.Equal(t, "camera1", producerOf("camera1"))
	assert.Equal(t, "a", producerOf("a:b:c"))
}
