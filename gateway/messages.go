package gateway

import (
	"github.com/luminet/guigate/fabric"
)

// Message type discriminators understood by the gateway. Every wire
// message is a JSON object carrying a "type" field.
const (
	// client -> gateway
	msgTypeLogin                    = "login"
	msgTypeReconfigure              = "reconfigure"
	msgTypeExecute                  = "execute"
	msgTypeGetDeviceConfiguration   = "getDeviceConfiguration"
	msgTypeGetDeviceSchema          = "getDeviceSchema"
	msgTypeGetClassSchema           = "getClassSchema"
	msgTypeInitDevice               = "initDevice"
	msgTypeKillServer               = "killServer"
	msgTypeKillDevice               = "killDevice"
	msgTypeStartMonitoringDevice    = "startMonitoringDevice"
	msgTypeStopMonitoringDevice     = "stopMonitoringDevice"
	msgTypeGetPropertyHistory       = "getPropertyHistory"
	msgTypeGetConfigurationFromPast = "getConfigurationFromPast"
	msgTypeSubscribeNetwork         = "subscribeNetwork"
	msgTypeRequestNetwork           = "requestNetwork"
	msgTypeGuiError                 = "error"
	msgTypeAcknowledgeAlarm         = "acknowledgeAlarm"
	msgTypeRequestAlarms            = "requestAlarms"
	msgTypeUpdateAttributes         = "updateAttributes"
	msgTypeRequestGeneric           = "requestGeneric"
	msgTypeRequestFromSlot          = "requestFromSlot"
	msgTypeProjectBeginUserSession  = "projectBeginUserSession"
	msgTypeProjectEndUserSession    = "projectEndUserSession"
	msgTypeProjectSaveItems         = "projectSaveItems"
	msgTypeProjectLoadItems         = "projectLoadItems"
	msgTypeProjectListManagers      = "projectListProjectManagers"
	msgTypeProjectListItems         = "projectListItems"
	msgTypeProjectListDomains       = "projectListDomains"
	msgTypeProjectUpdateAttribute   = "projectUpdateAttribute"

	// gateway -> client
	msgTypeBrokerInformation     = "brokerInformation"
	msgTypeSystemTopology        = "systemTopology"
	msgTypeTopologyUpdate        = "topologyUpdate"
	msgTypeDeviceConfigurations  = "deviceConfigurations"
	msgTypeDeviceSchema          = "deviceSchema"
	msgTypeClassSchema           = "classSchema"
	msgTypeReconfigureReply      = "reconfigureReply"
	msgTypeExecuteReply          = "executeReply"
	msgTypeInitReply             = "initReply"
	msgTypeNetworkData           = "networkData"
	msgTypePropertyHistory       = "propertyHistory"
	msgTypeConfigurationFromPast = "configurationFromPast"
	msgTypeLog                   = "log"
	msgTypeNotification          = "notification"
	msgTypeAlarmInit             = "alarmInit"
	msgTypeAttributesUpdated     = "attributesUpdated"
	msgTypeProjectUpdate         = "projectUpdate"
)

// notification builds the generic human-readable refusal/advisory message.
func notification(message string) fabric.Hash {
	return fabric.Hash{
		"type":    msgTypeNotification,
		"message": message,
	}
}

// --- field extraction helpers for decoded client messages ---

func getString(h fabric.Hash, key string) (string, bool) {
	v, ok := h[key].(string)
	return v, ok
}

func getBool(h fabric.Hash, key string) (bool, bool) {
	v, ok := h[key].(bool)
	return v, ok
}

// getInt accepts both float64 (JSON numbers) and int values.
func getInt(h fabric.Hash, key string) (int, bool) {
	switch v := h[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

func getHash(h fabric.Hash, key string) (fabric.Hash, bool) {
	v, ok := h[key].(map[string]any)
	return v, ok
}

func getHashSlice(h fabric.Hash, key string) ([]fabric.Hash, bool) {
	raw, ok := h[key].([]any)
	if !ok {
		if direct, isDirect := h[key].([]fabric.Hash); isDirect {
			return direct, true
		}
		return nil, false
	}
	out := make([]fabric.Hash, 0, len(raw))
	for _, item := range raw {
		m, isMap := item.(map[string]any)
		if !isMap {
			return nil, false
		}
		out = append(out, m)
	}
	return out, true
}

func getStringSlice(h fabric.Hash, key string) ([]string, bool) {
	raw, ok := h[key].([]any)
	if !ok {
		if direct, isDirect := h[key].([]string); isDirect {
			return direct, true
		}
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, isStr := item.(string)
		if !isStr {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
