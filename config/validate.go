package config

import (
	"fmt"
)

var logLevels = map[string]bool{"ERROR": true, "WARN": true, "INFO": true, "DEBUG": true}

// Validate checks that the configuration is within the supported ranges.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", c.Port)
	}

	// Max 5 Hz readiness announcements towards producers
	if c.DelayOnInputMS < 200 {
		return fmt.Errorf("delay_on_input_ms must be >= 200, got %d", c.DelayOnInputMS)
	}

	if c.LossyDataQueueCapacity <= 0 || c.LossyDataQueueCapacity > 1000 {
		return fmt.Errorf("lossy_data_queue_capacity must be in 1..1000, got %d", c.LossyDataQueueCapacity)
	}

	if c.PropertyUpdateIntervalMS < 0 || c.PropertyUpdateIntervalMS > 10000 {
		return fmt.Errorf("property_update_interval_ms must be in 0..10000, got %d", c.PropertyUpdateIntervalMS)
	}

	// Not too fast: the instantiation timer is always running
	if c.WaitInitDeviceMS < 100 || c.WaitInitDeviceMS > 5000 {
		return fmt.Errorf("wait_init_device_ms must be in 100..5000, got %d", c.WaitInitDeviceMS)
	}

	if c.ForwardLogIntervalMS < 500 || c.ForwardLogIntervalMS > 5000 {
		return fmt.Errorf("forward_log_interval_ms must be in 500..5000, got %d", c.ForwardLogIntervalMS)
	}

	if !logLevels[c.LogForwardingLevel] {
		return fmt.Errorf("log_forwarding_level must be one of ERROR, WARN, INFO, DEBUG, got %q", c.LogForwardingLevel)
	}

	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be > 0, got %d", c.TimeoutSeconds)
	}

	if c.MaxClients <= 0 {
		return fmt.Errorf("max_clients must be > 0, got %d", c.MaxClients)
	}

	if c.ClientRequestsPerSecond < 0 {
		return fmt.Errorf("client_requests_per_second must be >= 0 (0 = unlimited), got %f", c.ClientRequestsPerSecond)
	}

	if c.NetworkPerformance.SampleIntervalSec < 1 || c.NetworkPerformance.SampleIntervalSec > 3600 {
		return fmt.Errorf("network_performance.sample_interval_sec must be in 1..3600, got %d", c.NetworkPerformance.SampleIntervalSec)
	}

	if c.Throttler.CycleIntervalMS <= 0 {
		return fmt.Errorf("throttler.cycle_interval_ms must be > 0, got %d", c.Throttler.CycleIntervalMS)
	}

	if c.Throttler.MaxChangesPerCycle <= 0 {
		return fmt.Errorf("throttler.max_changes_per_cycle must be > 0, got %d", c.Throttler.MaxChangesPerCycle)
	}

	return nil
}
