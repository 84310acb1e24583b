package gateway

import (
	"fmt"
	"time"

	"github.com/luminet/guigate/errors"
	"github.com/luminet/guigate/fabric"
)

// applyTimeout installs the effective timeout on a pending call: the
// maximum of the client-requested and the configured timeout. Devices of a
// timeout-ignored class get no explicit timeout at all, and neither do
// requests that did not ask for one.
func (s *Server) applyTimeout(call *fabric.Call, msg fabric.Hash, instanceKey string) {
	clientTimeout, ok := getInt(msg, "timeout")
	if !ok {
		return
	}
	if instanceID, hasID := getString(msg, instanceKey); hasID && s.skipExecutionTimeout(instanceID) {
		return
	}
	effective := clientTimeout
	if configured := int(s.timeoutSec.Load()); configured > effective {
		effective = configured
	}
	call.Timeout(time.Duration(effective) * time.Second)
}

// effectiveTimeoutSec mirrors applyTimeout for building failure texts.
func (s *Server) effectiveTimeoutSec(clientTimeout int) int {
	if configured := int(s.timeoutSec.Load()); configured > clientTimeout {
		return configured
	}
	return clientTimeout
}

// onReconfigure forwards a property reconfiguration to the target device,
// optionally awaiting the reply.
func (s *Server) onReconfigure(c *Client, msg fabric.Hash) {
	deviceID, hasID := getString(msg, "deviceId")
	configuration, hasConfig := getHash(msg, "configuration")
	if !hasID || !hasConfig {
		c.send(notification("reconfigure request lacks deviceId or configuration"), laneLossless)
		return
	}

	if wantReply, _ := getBool(msg, "reply"); wantReply {
		call := s.fab.Request(deviceID, "slotReconfigure", configuration)
		s.applyTimeout(call, msg, "deviceId")
		call.Receive(
			func(fabric.Hash) { s.forwardReconfigureReply(true, c, msg, nil) },
			func(err error) { s.forwardReconfigureReply(false, c, msg, err) },
		)
		return
	}
	s.fab.Notify(deviceID, "slotReconfigure", configuration)
}

func (s *Server) forwardReconfigureReply(success bool, c *Client, input fabric.Hash, cause error) {
	deviceID, _ := getString(input, "deviceId")
	reply := fabric.Hash{
		"type":    msgTypeReconfigureReply,
		"success": success,
		"input":   input,
	}
	if !success {
		failTxt := fmt.Sprintf("Failure on request to reconfigure device '%s'", deviceID)
		reply["failureReason"] = s.classifyFailure(failTxt, input, "deviceId", cause, reply)
	}
	c.send(reply, laneLossless)
}

// onExecute calls a command slot on the target device.
func (s *Server) onExecute(c *Client, msg fabric.Hash) {
	deviceID, hasID := getString(msg, "deviceId")
	command, hasCommand := getString(msg, "command")
	if !hasID || !hasCommand {
		c.send(notification("execute request lacks deviceId or command"), laneLossless)
		return
	}

	if wantReply, _ := getBool(msg, "reply"); wantReply {
		call := s.fab.Request(deviceID, command, fabric.Hash{})
		s.applyTimeout(call, msg, "deviceId")
		call.Receive(
			func(fabric.Hash) { s.forwardExecuteReply(true, c, msg, nil) },
			func(err error) { s.forwardExecuteReply(false, c, msg, err) },
		)
		return
	}
	s.fab.Notify(deviceID, command, fabric.Hash{})
}

func (s *Server) forwardExecuteReply(success bool, c *Client, input fabric.Hash, cause error) {
	deviceID, _ := getString(input, "deviceId")
	command, _ := getString(input, "command")
	reply := fabric.Hash{
		"type":    msgTypeExecuteReply,
		"success": success,
		"input":   input,
	}
	if !success {
		failTxt := fmt.Sprintf("Failure on request to execute '%s' on device '%s'", command, deviceID)
		reply["failureReason"] = s.classifyFailure(failTxt, input, "deviceId", cause, reply)
	}
	c.send(reply, laneLossless)
}

// classifyFailure appends the failure classification to the base text and
// may flip the reply to success for forgiven timeouts. The reply hash is
// mutated in place.
func (s *Server) classifyFailure(baseTxt string, input fabric.Hash, instanceKey string, cause error, reply fabric.Hash) string {
	if cause == nil {
		return baseTxt
	}

	if fabric.IsTimeout(cause) {
		instanceID, _ := getString(input, instanceKey)
		clientTimeout, hasTimeout := getInt(input, "timeout")
		ignoreTimeout := !hasTimeout || s.skipExecutionTimeout(instanceID)
		if ignoreTimeout {
			// No explicit timeout was installed: report success but keep
			// the reason so the client can still surface it.
			reply["success"] = true
			baseTxt += fmt.Sprintf(". Request not answered within %.1f minutes.",
				fabric.DefaultRequestTimeout.Minutes())
		} else {
			baseTxt += fmt.Sprintf(". Request not answered within %d seconds.",
				s.effectiveTimeoutSec(clientTimeout))
		}
		s.log.Warnw("Request timed out", "reason", baseTxt)
		return baseTxt
	}

	if remote, ok := fabric.AsRemote(cause); ok {
		baseTxt += ", details:\n" + remote.Message
	} else {
		baseTxt += ", details:\n" + cause.Error()
	}
	for _, detail := range errors.GetAllDetails(cause) {
		baseTxt += "\n" + detail
	}
	s.log.Warnw("Request failed", "reason", baseTxt)
	return baseTxt
}

// onRequestGeneric is the generic interface to slots taking a single hash
// argument and replying with one.
func (s *Server) onRequestGeneric(c *Client, msg fabric.Hash) {
	instanceID, hasID := getString(msg, "instanceId")
	slot, hasSlot := getString(msg, "slot")
	args, hasArgs := getHash(msg, "args")
	if !hasID || !hasSlot || !hasArgs {
		c.send(notification("requestGeneric lacks instanceId, slot or args"), laneLossless)
		return
	}

	call := s.fab.Request(instanceID, slot, args)
	s.applyTimeout(call, msg, "instanceId")
	call.Receive(
		func(reply fabric.Hash) { s.forwardHashReply(true, c, msg, reply, nil) },
		func(err error) { s.forwardHashReply(false, c, msg, fabric.Hash{}, err) },
	)
}

// forwardHashReply answers a generic request; the reply type can be
// overridden by the request's replyType field.
func (s *Server) forwardHashReply(success bool, c *Client, info fabric.Hash, replyPayload fabric.Hash, cause error) {
	replyType := msgTypeRequestGeneric
	if override, ok := getString(info, "replyType"); ok {
		replyType = override
	}
	request := info
	if _, condensed := info["empty"]; condensed {
		request = fabric.Hash{}
	}

	reply := fabric.Hash{
		"type":    replyType,
		"success": success,
		"request": request,
		"reply":   replyPayload,
		"reason":  "",
	}
	if !success {
		instanceID, _ := getString(info, "instanceId")
		slot, _ := getString(info, "slot")
		baseTxt := fmt.Sprintf("Failure on request to %s.%s", instanceID, slot)
		reply["reason"] = s.classifyFailure(baseTxt, info, "instanceId", cause, reply)
		// classifyFailure may forgive a timeout; the generic reply keeps
		// its failure flag since there is no partial result to show.
		reply["success"] = false
	}
	c.send(reply, laneLossless)
}

// onRequestFromSlot bridges a slot request identified by a client token.
func (s *Server) onRequestFromSlot(c *Client, msg fabric.Hash) {
	failureInfo := fabric.Hash{
		"deviceId": msg["deviceId"] != nil,
		"slot":     msg["slot"] != nil,
		"args":     msg["args"] != nil,
		"token":    msg["token"] != nil,
	}

	deviceID, hasID := getString(msg, "deviceId")
	slot, hasSlot := getString(msg, "slot")
	args, hasArgs := getHash(msg, "args")
	token, hasToken := getString(msg, "token")
	if !hasID || !hasSlot || !hasArgs || !hasToken {
		if !hasToken {
			token = "undefined"
		}
		failureInfo["replied_error"] = "malformed requestFromSlot"
		c.send(fabric.Hash{
			"type":    msgTypeRequestFromSlot,
			"success": false,
			"info":    failureInfo,
			"token":   token,
		}, laneLossless)
		return
	}

	s.fab.Request(deviceID, slot, args).Receive(
		func(reply fabric.Hash) {
			c.send(fabric.Hash{
				"type":    msgTypeRequestFromSlot,
				"success": true,
				"reply":   reply,
				"token":   token,
			}, laneLossless)
		},
		func(err error) {
			failureInfo["replied_error"] = err.Error()
			s.log.Errorw("requestFromSlot failed",
				"device_id", deviceID,
				"slot", slot,
				"error", err,
			)
			c.send(fabric.Hash{
				"type":    msgTypeRequestFromSlot,
				"success": false,
				"info":    failureInfo,
				"token":   token,
			}, laneLossless)
		},
	)
}

// onKillServer asks a device server to shut down. Fire-and-forget.
func (s *Server) onKillServer(c *Client, msg fabric.Hash) {
	serverID, ok := getString(msg, "serverId")
	if !ok {
		c.send(notification("killServer request lacks serverId"), laneLossless)
		return
	}
	s.log.Debugw("Kill server requested", "server_id", serverID, "client_id", c.id)
	s.fab.Notify(serverID, "slotKillServer", fabric.Hash{})
}

// onKillDevice asks a device to shut down. Fire-and-forget.
func (s *Server) onKillDevice(c *Client, msg fabric.Hash) {
	deviceID, ok := getString(msg, "deviceId")
	if !ok {
		c.send(notification("killDevice request lacks deviceId"), laneLossless)
		return
	}
	s.log.Debugw("Kill device requested", "device_id", deviceID, "client_id", c.id)
	s.fab.Notify(deviceID, "slotKillDevice", fabric.Hash{})
}

// onUpdateAttributes forwards schema attribute updates to an instance.
func (s *Server) onUpdateAttributes(c *Client, msg fabric.Hash) {
	instanceID, hasID := getString(msg, "instanceId")
	updates, hasUpdates := getHashSlice(msg, "updates")
	if !hasID || !hasUpdates {
		c.send(notification("updateAttributes lacks instanceId or updates"), laneLossless)
		return
	}

	s.fab.Request(instanceID, "slotUpdateSchemaAttributes", fabric.Hash{"updates": updates}).Receive(
		func(reply fabric.Hash) {
			c.send(fabric.Hash{
				"type":  msgTypeAttributesUpdated,
				"reply": reply,
			}, laneLossless)
		},
		func(err error) {
			c.send(fabric.Hash{
				"type":  msgTypeAttributesUpdated,
				"reply": fabric.Hash{"success": false, "reason": err.Error()},
			}, laneLossless)
		},
	)
}
