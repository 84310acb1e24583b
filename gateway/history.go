package gateway

import (
	"fmt"
	"time"

	"github.com/luminet/guigate/errors"
	"github.com/luminet/guigate/fabric"
)

// Data-log reader resolution. Every logged device has a logger instance
// named dataLoggerPrefix + deviceId in the logger map; reads are spread
// over the reader replicas of its server round-robin.
const (
	dataLoggerPrefix        = "DataLogger-"
	dataLogReaderPrefix     = "DataLogReader"
	dataLogReadersPerServer = 2

	// Reading past configurations may traverse large time ranges.
	configFromPastTimeout = 2 * time.Minute
)

// onLoggerMap replaces the logger map with a fresh snapshot from the data
// log manager.
func (s *Server) onLoggerMap(args fabric.Hash) {
	newMap := make(map[string]string, len(args))
	for loggerID, server := range args {
		if serverStr, ok := server.(string); ok {
			newMap[loggerID] = serverStr
		}
	}

	s.loggerMapMu.Lock()
	s.loggerMap = newMap
	s.loggerMapMu.Unlock()

	s.log.Debugw("Logger map updated", "loggers", len(newMap))
}

// requestLoggerMap actively asks the data log manager for its map; the
// signal subscription keeps it current afterwards.
func (s *Server) requestLoggerMap() {
	s.fab.Request(s.cfg.DataLogManagerID, "slotGetLoggerMap", fabric.Hash{}).Receive(
		s.onLoggerMap,
		func(err error) {
			s.log.Warnw("Could not fetch logger map",
				"data_log_manager", s.cfg.DataLogManagerID,
				"error", err,
			)
		},
	)
}

// dataReaderID resolves the reader replica for a device, or fails when the
// device is not logged.
func (s *Server) dataReaderID(deviceID string) (string, error) {
	loggerID := dataLoggerPrefix + deviceID

	s.loggerMapMu.Lock()
	server, ok := s.loggerMap[loggerID]
	s.loggerMapMu.Unlock()
	if !ok {
		s.log.Errorw("Cannot determine data log reader: logger not in map",
			"logger_id", loggerID,
			"device_id", deviceID,
		)
		return "", errors.Newf("no data log reader for device %q", deviceID)
	}

	replica := s.readerRR.Add(1) % dataLogReadersPerServer
	return fmt.Sprintf("%s%d-%s", dataLogReaderPrefix, replica, server), nil
}

// onGetPropertyHistory resolves the reader and bridges the history query.
// Replies travel on the drop-oldest lane: history payloads are bulky and a
// slow client should lose old pages, not control traffic.
func (s *Server) onGetPropertyHistory(c *Client, msg fabric.Hash) {
	deviceID, hasDevice := getString(msg, "deviceId")
	property, hasProperty := getString(msg, "property")
	t0, hasT0 := getString(msg, "t0")
	t1, hasT1 := getString(msg, "t1")
	if !hasDevice || !hasProperty || !hasT0 || !hasT1 {
		c.send(notification("getPropertyHistory request lacks deviceId, property, t0 or t1"), laneLossless)
		return
	}
	maxNumData, _ := getInt(msg, "maxNumData")

	s.log.Debugw("Property history requested",
		"device_id", deviceID,
		"property", property,
		"from", t0,
		"to", t1,
		"max_num_data", maxNumData,
	)

	readerID, err := s.dataReaderID(deviceID)
	if err != nil {
		s.propertyHistory(c, false, deviceID, property, nil, err.Error())
		return
	}

	args := fabric.Hash{
		"deviceId":   deviceID,
		"property":   property,
		"from":       t0,
		"to":         t1,
		"maxNumData": maxNumData,
	}
	s.fab.Request(readerID, "slotGetPropertyHistory", args).Receive(
		func(reply fabric.Hash) {
			data, _ := getHashSlice(reply, "data")
			s.propertyHistory(c, true, deviceID, property, data, "")
		},
		func(err error) {
			s.propertyHistory(c, false, deviceID, property, nil, err.Error())
		},
	)
}

func (s *Server) propertyHistory(c *Client, success bool, deviceID, property string, data []fabric.Hash, reason string) {
	if data == nil {
		data = []fabric.Hash{}
	}
	if success {
		s.log.Debugw("Unicasting property history",
			"device_id", deviceID,
			"property", property,
			"points", len(data),
		)
	} else {
		s.log.Infow("Property history request failed",
			"device_id", deviceID,
			"property", property,
			"reason", reason,
		)
	}
	c.send(fabric.Hash{
		"type":          msgTypePropertyHistory,
		"deviceId":      deviceID,
		"property":      property,
		"data":          data,
		"success":       success,
		"failureReason": reason,
	}, laneRemoveOldest)
}

// onGetConfigurationFromPast bridges a past-configuration query with a
// long explicit timeout: the reader may have to replay every parameter
// update since the device's last logger restart.
func (s *Server) onGetConfigurationFromPast(c *Client, msg fabric.Hash) {
	deviceID, hasDevice := getString(msg, "deviceId")
	timepoint, hasTime := getString(msg, "time")
	if !hasDevice || !hasTime {
		c.send(notification("getConfigurationFromPast request lacks deviceId or time"), laneLossless)
		return
	}
	preview, _ := getBool(msg, "preview")

	readerID, err := s.dataReaderID(deviceID)
	if err != nil {
		s.configurationFromPastError(c, deviceID, timepoint, err)
		return
	}

	s.fab.Request(readerID, "slotGetConfigurationFromPast", fabric.Hash{
		"deviceId": deviceID,
		"time":     timepoint,
	}).Timeout(configFromPastTimeout).Receive(
		func(reply fabric.Hash) {
			s.configurationFromPast(c, deviceID, timepoint, preview, reply)
		},
		func(err error) {
			s.configurationFromPastError(c, deviceID, timepoint, err)
		},
	)
}

func (s *Server) configurationFromPast(c *Client, deviceID, timepoint string, preview bool, reply fabric.Hash) {
	msg := fabric.Hash{
		"type":     msgTypeConfigurationFromPast,
		"deviceId": deviceID,
		"time":     timepoint,
		"preview":  preview,
	}

	cfg, hasConfig := getHash(reply, "config")
	if !hasConfig || len(cfg) == 0 {
		// Readers answer an empty configuration instead of an error when
		// the device was not logged at the requested time.
		msg["success"] = false
		msg["reason"] = fmt.Sprintf(
			"Received empty configuration:\nLikely '%s' has not been online (or not logging) until the requested time '%s'.",
			deviceID, timepoint,
		)
	} else {
		msg["success"] = true
		msg["config"] = cfg
		msg["configAtTimepoint"] = reply["configAtTimepoint"]
		msg["configTimepoint"] = reply["configTimepoint"]
	}

	c.send(msg, laneRemoveOldest)
}

func (s *Server) configurationFromPastError(c *Client, deviceID, timepoint string, cause error) {
	var reason string
	if fabric.IsTimeout(cause) {
		reason = "Request timed out:\nProbably the data logging infrastructure is not available."
	} else {
		// Details stay in the log, hidden from the GUI client.
		reason = "Request to configuration from past failed."
	}
	s.log.Debugw("Configuration from past failed",
		"device_id", deviceID,
		"time", timepoint,
		"reason", reason,
		"error", cause,
	)

	c.send(fabric.Hash{
		"type":     msgTypeConfigurationFromPast,
		"deviceId": deviceID,
		"time":     timepoint,
		"success":  false,
		"reason":   reason,
	}, laneRemoveOldest)
}
