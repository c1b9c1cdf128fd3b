package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the sequencer station configuration loaded from config.yaml.
type Config struct {
	Version int `yaml:"version"`
	Station struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"station"`
	Network   NetworkConfig   `yaml:"network"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Servers   []ServerConfig  `yaml:"servers"`
	Clock     ClockConfig     `yaml:"clock"`
	Run       RunConfig       `yaml:"run"`
	RunLog    RunLogConfig    `yaml:"runlog"`
	Cameras   []CameraConfig  `yaml:"cameras"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type NetworkConfig struct {
	APIPort int `yaml:"api_port"`
}

type MQTTConfig struct {
	URL                string        `yaml:"url"`
	ClientID           string        `yaml:"client_id"`
	TopicPrefix        string        `yaml:"topic_prefix"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	HeartbeatTolerance time.Duration `yaml:"heartbeat_tolerance"`
}

// ServerConfig declares a control server this station expects to see.
type ServerConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
}

type ClockConfig struct {
	AlwaysUseNetworkClock bool          `yaml:"always_use_network_clock"`
	LocalResolution       time.Duration `yaml:"local_resolution"`
	Grace                 time.Duration `yaml:"grace"`
	PollInterval          time.Duration `yaml:"poll_interval"`
}

// ChannelSet lists channels grouped by output kind.
type ChannelSet struct {
	Analog  []string `yaml:"analog"`
	GPIB    []string `yaml:"gpib"`
	Digital []string `yaml:"digital"`
}

type RunConfig struct {
	SavePath               string             `yaml:"save_path"`
	ServerSettingsPath     string             `yaml:"server_settings_path"`
	SequenceFile           string             `yaml:"sequence_file"`
	CalibrationFile        string             `yaml:"calibration_file"`
	PermanentVariables     map[string]float64 `yaml:"permanent_variables"`
	ChannelsToTurnOff      ChannelSet         `yaml:"channels_to_turn_off"`
	OverriddenChannels     []string           `yaml:"overridden_channels"`
	ConfirmTimeout         time.Duration      `yaml:"confirm_timeout"`
	AutoConfirmAnalogCheck bool               `yaml:"auto_confirm_analog_check"`
	BackgroundPoll         time.Duration      `yaml:"background_poll_interval"`
}

type RunLogConfig struct {
	Dir      string            `yaml:"dir"`
	Postgres PostgresLogConfig `yaml:"postgres"`
	MySQL    []MySQLConfig     `yaml:"mysql"`
	Redis    RedisConfig       `yaml:"redis"`
}

// PostgresLogConfig enables the run_logs table on the event store connection.
type PostgresLogConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MySQLConfig is one run-log database. DSNEnv names an environment variable
// (or *_FILE secret) that overrides DSN.
type MySQLConfig struct {
	Name    string `yaml:"name"`
	DSN     string `yaml:"dsn"`
	DSNEnv  string `yaml:"dsn_env"`
	Enabled bool   `yaml:"enabled"`
	Verbose bool   `yaml:"verbose"`
}

type RedisConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Addrs       []string `yaml:"addrs"`
	Key         string   `yaml:"key"`
	Channel     string   `yaml:"channel"`
	PasswordEnv string   `yaml:"password_env"`
	Verbose     bool     `yaml:"verbose"`

	Password string `yaml:"-"`
}

type CameraConfig struct {
	Address      string `yaml:"address"`
	Port         int    `yaml:"port"`
	InUse        bool   `yaml:"in_use"`
	UseFWCamera  bool   `yaml:"use_fw_camera"`
	UseUSBCamera bool   `yaml:"use_usb_camera"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	Dir        string `yaml:"dir"`
	Filename   string `yaml:"filename"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// APIPort returns the configured API port, defaulting to 8080 if not set.
func (c *Config) APIPort() int {
	if c.Network.APIPort == 0 {
		return 8080
	}
	return c.Network.APIPort
}

// RequiredServers returns the IDs of servers marked required.
func (c *Config) RequiredServers() []string {
	var out []string
	for _, s := range c.Servers {
		if s.Required {
			out = append(out, s.ID)
		}
	}
	return out
}

// ApplyDefaults fills zero values with the station defaults.
func (c *Config) ApplyDefaults() {
	if c.Station.ID == "" {
		c.Station.ID = "station"
	}
	if c.MQTT.URL == "" {
		c.MQTT.URL = "tcp://localhost:1883"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "sentient-sequencer"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "sequencer"
	}
	if c.MQTT.RequestTimeout <= 0 {
		c.MQTT.RequestTimeout = 5 * time.Second
	}
	if c.MQTT.HeartbeatTolerance <= 0 {
		c.MQTT.HeartbeatTolerance = 3 * time.Second
	}
	if c.Clock.LocalResolution <= 0 {
		c.Clock.LocalResolution = 10 * time.Millisecond
	}
	if c.Clock.Grace <= 0 {
		c.Clock.Grace = 200 * time.Millisecond
	}
	if c.Clock.PollInterval <= 0 {
		c.Clock.PollInterval = 100 * time.Millisecond
	}
	if c.Run.ConfirmTimeout <= 0 {
		c.Run.ConfirmTimeout = 2 * time.Minute
	}
	if c.Run.BackgroundPoll <= 0 {
		c.Run.BackgroundPoll = 50 * time.Millisecond
	}
	if c.RunLog.Dir == "" {
		c.RunLog.Dir = "runlogs"
	}
	if c.RunLog.Redis.Key == "" {
		c.RunLog.Redis.Key = "sequencer:runlog"
	}
	for i := range c.Cameras {
		if c.Cameras[i].Port == 0 {
			c.Cameras[i].Port = 1500
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "sentient-sequencer"
	}
	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "none"
	}
	if c.Telemetry.SampleRate <= 0 {
		c.Telemetry.SampleRate = 1.0
	}
}

// Validate checks structural constraints that defaults cannot repair.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i, s := range c.Servers {
		if s.ID == "" {
			return fmt.Errorf("servers[%d]: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("servers[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
	}
	for i, m := range c.RunLog.MySQL {
		if m.Enabled && m.DSN == "" {
			return fmt.Errorf("runlog.mysql[%d] (%s): dsn is required when enabled", i, m.Name)
		}
	}
	if c.RunLog.Redis.Enabled && len(c.RunLog.Redis.Addrs) == 0 {
		return fmt.Errorf("runlog.redis: addrs is required when enabled")
	}
	for i, cam := range c.Cameras {
		if cam.InUse && cam.Address == "" {
			return fmt.Errorf("cameras[%d]: address is required when in_use", i)
		}
	}
	if c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be in (0, 1], got %v", c.Telemetry.SampleRate)
	}
	return nil
}

// Load reads, defaults, overrides from the environment and validates a config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes a config document. See Load.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	if cfg.Version != 1 {
		return nil, fmt.Errorf("unsupported config.yaml version: %d", cfg.Version)
	}

	cfg.ApplyDefaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("MQTT_URL"); v != "" {
		c.MQTT.URL = v
	}
	for i := range c.RunLog.MySQL {
		m := &c.RunLog.MySQL[i]
		if m.DSNEnv == "" {
			continue
		}
		dsn, err := ResolveSecret(m.DSNEnv)
		if err != nil {
			return err
		}
		if dsn != "" {
			m.DSN = dsn
		}
	}
	if env := c.RunLog.Redis.PasswordEnv; env != "" {
		pw, err := ResolveSecret(env)
		if err != nil {
			return err
		}
		c.RunLog.Redis.Password = pw
	}
	return nil
}
