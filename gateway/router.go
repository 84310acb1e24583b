package gateway

import (
	"github.com/Masterminds/semver/v3"

	"github.com/luminet/guigate/fabric"
)

// writeCommands are refused outright in read-only mode. requestGeneric and
// requestFromSlot are fine grained writeable commands and are checked
// against their slot argument instead.
var writeCommands = map[string]struct{}{
	msgTypeProjectSaveItems:       {},
	msgTypeInitDevice:             {},
	msgTypeKillDevice:             {},
	msgTypeExecute:                {},
	msgTypeKillServer:             {},
	msgTypeAcknowledgeAlarm:       {},
	msgTypeProjectUpdateAttribute: {},
	msgTypeReconfigure:            {},
	msgTypeUpdateAttributes:       {},
}

// minVersionRestrictions refuses request types from clients older than the
// protocol change that introduced them.
var minVersionRestrictions = map[string]*semver.Version{
	msgTypeProjectSaveItems:       semver.MustParse("2.10.0"),
	msgTypeProjectUpdateAttribute: semver.MustParse("2.10.0"),
}

// buildHandlerTable maps message types to their handlers. Missing entries
// produce the unknown-type notification in route.
func (s *Server) buildHandlerTable() map[string]func(*Client, fabric.Hash) {
	return map[string]func(*Client, fabric.Hash){
		msgTypeRequestFromSlot:          s.onRequestFromSlot,
		msgTypeReconfigure:              s.onReconfigure,
		msgTypeExecute:                  s.onExecute,
		msgTypeGetDeviceConfiguration:   s.onGetDeviceConfiguration,
		msgTypeGetDeviceSchema:          s.onGetDeviceSchema,
		msgTypeGetClassSchema:           s.onGetClassSchema,
		msgTypeInitDevice:               s.onInitDevice,
		msgTypeKillServer:               s.onKillServer,
		msgTypeKillDevice:               s.onKillDevice,
		msgTypeStartMonitoringDevice:    s.onStartMonitoringDevice,
		msgTypeStopMonitoringDevice:     s.onStopMonitoringDevice,
		msgTypeGetPropertyHistory:       s.onGetPropertyHistory,
		msgTypeGetConfigurationFromPast: s.onGetConfigurationFromPast,
		msgTypeSubscribeNetwork:         s.onSubscribeNetwork,
		msgTypeRequestNetwork:           s.onRequestNetwork,
		msgTypeGuiError:                 s.onGuiError,
		msgTypeAcknowledgeAlarm:         s.onAcknowledgeAlarm,
		msgTypeRequestAlarms:            s.onRequestAlarms,
		msgTypeUpdateAttributes:         s.onUpdateAttributes,
		msgTypeRequestGeneric:           s.onRequestGeneric,
		msgTypeProjectBeginUserSession:  s.onProjectBeginUserSession,
		msgTypeProjectEndUserSession:    s.onProjectEndUserSession,
		msgTypeProjectSaveItems:         s.onProjectSaveItems,
		msgTypeProjectLoadItems:         s.onProjectLoadItems,
		msgTypeProjectListManagers:      s.onProjectListProjectManagers,
		msgTypeProjectListItems:         s.onProjectListItems,
		msgTypeProjectListDomains:       s.onProjectListDomains,
		msgTypeProjectUpdateAttribute:   s.onProjectUpdateAttribute,
	}
}

// violatesReadOnly reports whether a message of the given type mutates the
// system. Scene requests stay allowed in read-only mode; configuration
// management does not.
func violatesReadOnly(msgType string, msg fabric.Hash) bool {
	if _, write := writeCommands[msgType]; write {
		return true
	}
	if msgType == msgTypeRequestFromSlot || msgType == msgTypeRequestGeneric {
		if slot, ok := getString(msg, "slot"); ok {
			return slot != "requestScene" && slot != "slotGetScene"
		}
	}
	return false
}

// violatesVersionRestriction reports whether the client is too old for the
// request type.
func violatesVersionRestriction(msgType string, clientVersion *semver.Version) bool {
	minVersion, restricted := minVersionRestrictions[msgType]
	if !restricted {
		return false
	}
	if clientVersion == nil {
		return true
	}
	return clientVersion.LessThan(minVersion)
}
