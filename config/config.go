// Package config holds the gateway configuration: loading via Viper,
// range validation and hot-reload of the reconfigurable subset.
package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/luminet/guigate/errors"
)

// Config is the full gateway configuration.
type Config struct {
	// Port is the local port the gateway listens on for GUI clients.
	Port int `mapstructure:"port"`
	// GatewayID identifies this gateway on the control fabric.
	GatewayID string `mapstructure:"gateway_id"`
	// Topic is the fabric topic announced to clients in the banner.
	Topic string `mapstructure:"topic"`
	// Hostname announced to clients in the banner.
	Hostname string `mapstructure:"hostname"`

	// DelayOnInputMS is the extra delay on pipeline input channels before
	// announcing readiness to the producer. Lowering it adds load on the
	// producers the gateway connects to.
	DelayOnInputMS int `mapstructure:"delay_on_input_ms"`
	// LossyDataQueueCapacity bounds the drop-oldest forwarding queue.
	// Each client's queue is sized from the startup value when it
	// connects; a config reload does not change it.
	LossyDataQueueCapacity int `mapstructure:"lossy_data_queue_capacity"`
	// PropertyUpdateIntervalMS is the minimum interval between property
	// updates forwarded to clients.
	PropertyUpdateIntervalMS int `mapstructure:"property_update_interval_ms"`
	// WaitInitDeviceMS is the interval between device instantiations.
	WaitInitDeviceMS int `mapstructure:"wait_init_device_ms"`
	// ForwardLogIntervalMS is the interval between log batch forwards.
	ForwardLogIntervalMS int `mapstructure:"forward_log_interval_ms"`
	// LogForwardingLevel is the lowest level forwarded to clients
	// (ERROR, WARN, INFO or DEBUG).
	LogForwardingLevel string `mapstructure:"log_forwarding_level"`

	// MinClientVersion refuses logins from older clients. If it does not
	// parse as semver, no version check is enforced.
	MinClientVersion string `mapstructure:"min_client_version"`
	// IsReadOnly refuses all mutating request types.
	IsReadOnly bool `mapstructure:"is_read_only"`
	// IgnoreTimeoutClasses lists classIds whose devices are treated like
	// macros: slot call timeouts are forgiven.
	IgnoreTimeoutClasses []string `mapstructure:"ignore_timeout_classes"`
	// TimeoutSeconds is the request timeout floor: client-supplied
	// timeouts below it are raised to it.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`

	// DataLogManagerID is the data log manager queried for log readers.
	DataLogManagerID string `mapstructure:"data_log_manager_id"`

	// MaxClients caps concurrent client connections.
	MaxClients int `mapstructure:"max_clients"`
	// ClientRequestsPerSecond is the inbound admission limit per client
	// (0 = unlimited).
	ClientRequestsPerSecond float64 `mapstructure:"client_requests_per_second"`

	NetworkPerformance NetworkPerformance `mapstructure:"network_performance"`
	Throttler          Throttler          `mapstructure:"throttler"`
}

// NetworkPerformance configures the byte-count sampler.
type NetworkPerformance struct {
	// SampleIntervalSec is the interval between network performance
	// recordings.
	SampleIntervalSec int `mapstructure:"sample_interval_sec"`
}

// Throttler configures the instance-change throttler.
type Throttler struct {
	// CycleIntervalMS is the throttler cycle interval.
	CycleIntervalMS int `mapstructure:"cycle_interval_ms"`
	// MaxChangesPerCycle triggers an early dispatch when reached.
	MaxChangesPerCycle int `mapstructure:"max_changes_per_cycle"`
}

// SetDefaults installs the default values on a Viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", 44444)
	v.SetDefault("gateway_id", "GuiGateway_0")
	v.SetDefault("topic", "control")
	v.SetDefault("hostname", "localhost")
	v.SetDefault("delay_on_input_ms", 500)
	v.SetDefault("lossy_data_queue_capacity", 100)
	v.SetDefault("property_update_interval_ms", 500)
	v.SetDefault("wait_init_device_ms", 100)
	v.SetDefault("forward_log_interval_ms", 1000)
	v.SetDefault("log_forwarding_level", "INFO")
	v.SetDefault("min_client_version", "2.10.4")
	v.SetDefault("is_read_only", false)
	v.SetDefault("ignore_timeout_classes", []string{})
	v.SetDefault("timeout_seconds", 10)
	v.SetDefault("data_log_manager_id", "DataLogManager")
	v.SetDefault("max_clients", 100)
	v.SetDefault("client_requests_per_second", 0)
	v.SetDefault("network_performance.sample_interval_sec", 5)
	v.SetDefault("throttler.cycle_interval_ms", 600)
	v.SetDefault("throttler.max_changes_per_cycle", 100)
}

// Load reads the configuration from the given file path. An empty path
// loads defaults plus environment overrides only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("GUIGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
