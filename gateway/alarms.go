package gateway

import (
	"github.com/luminet/guigate/fabric"
)

// connectPotentialAlarmService hooks the gateway onto a newly discovered
// alarm service and asks it to announce its current alarms to everybody.
func (s *Server) connectPotentialAlarmService(inst fabric.InstanceInfo) {
	classID, _ := getString(inst.Info, "classId")
	if classID != "AlarmService" {
		return
	}

	alarmServiceID := inst.ID
	if err := s.fab.Subscribe(alarmServiceID, "signalAlarmServiceUpdate", func(args fabric.Hash) {
		s.onAlarmSignalsUpdate(alarmServiceID, args)
	}); err != nil {
		s.log.Warnw("Could not subscribe to alarm service",
			"alarm_service", alarmServiceID,
			"error", err,
		)
		return
	}

	s.requestAlarmDump(nil, alarmServiceID)
}

// onAlarmSignalsUpdate broadcasts an alarm update. The throttler is
// flushed first so any instanceNew referenced by an alarm row reaches the
// clients before the row itself.
func (s *Server) onAlarmSignalsUpdate(alarmServiceID string, args fabric.Hash) {
	s.throttler.Flush()

	updateType, ok := getString(args, "type")
	if !ok {
		updateType = "alarmUpdate"
	}
	s.broadcast(fabric.Hash{
		"type":       updateType,
		"instanceId": alarmServiceID,
		"rows":       args["rows"],
	}, laneLossless)
}

// onAcknowledgeAlarm forwards an acknowledgement to the alarm service.
// Fire-and-forget.
func (s *Server) onAcknowledgeAlarm(c *Client, msg fabric.Hash) {
	alarmServiceID, hasID := getString(msg, "alarmInstanceId")
	rows, hasRows := getHash(msg, "acknowledgedRows")
	if !hasID || !hasRows {
		c.send(notification("acknowledgeAlarm lacks alarmInstanceId or acknowledgedRows"), laneLossless)
		return
	}
	s.fab.Notify(alarmServiceID, "slotAcknowledgeAlarm", rows)
}

// onRequestAlarms answers one client with the current alarm dump of a
// service.
func (s *Server) onRequestAlarms(c *Client, msg fabric.Hash) {
	alarmServiceID, ok := getString(msg, "alarmInstanceId")
	if !ok {
		c.send(notification("requestAlarms lacks alarmInstanceId"), laneLossless)
		return
	}
	s.requestAlarmDump(c, alarmServiceID)
}

// requestAlarmDump fetches the alarm dump; a nil client broadcasts the
// init to everyone (service discovery path).
func (s *Server) requestAlarmDump(c *Client, alarmServiceID string) {
	s.fab.Request(alarmServiceID, "slotRequestAlarmDump", fabric.Hash{}).Receive(
		func(reply fabric.Hash) {
			// Same ordering guarantee as live updates: flush pending
			// topology changes before the alarm rows referencing them.
			s.throttler.Flush()

			instanceID, ok := getString(reply, "instanceId")
			if !ok {
				instanceID = alarmServiceID
			}
			msg := fabric.Hash{
				"type":       msgTypeAlarmInit,
				"instanceId": instanceID,
				"rows":       reply["alarms"],
			}
			if c == nil {
				s.broadcast(msg, laneLossless)
			} else {
				c.send(msg, laneLossless)
			}
		},
		func(err error) {
			s.log.Warnw("Alarm dump request failed",
				"alarm_service", alarmServiceID,
				"error", err,
			)
		},
	)
}
