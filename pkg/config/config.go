package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment key, e.g. BRAINMOVE_TRANSPORT.
const EnvPrefix = "BRAINMOVE"

// Transport kinds.
const (
	TransportBLE  = "ble"
	TransportMQTT = "mqtt"
)

// MQTTConfig holds the broker settings used by the mqtt transport.
type MQTTConfig struct {
	Broker      string `json:"broker"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"-"`
	TopicPrefix string `json:"topic_prefix" validate:"required"`
	QoS         byte   `json:"qos" validate:"max=2"`
}

// Config holds application configuration
type Config struct {
	LogLevel  logrus.Level `json:"log_level"`
	Transport string       `json:"transport" validate:"oneof=ble mqtt"`

	SafetyByte        byte   `json:"safety_byte"`
	TimestampedFrames bool   `json:"timestamped_frames"`
	NamePrefix        string `json:"name_prefix" validate:"required"`
	// Colors are the logical cones, in display order.
	Colors []string `json:"colors" validate:"min=1,unique,dive,required,lowercase"`
	// Trusted maps a colour to the MAC address allowed to claim it.
	Trusted         map[string]string `json:"trusted"`
	StrictWhitelist bool              `json:"strict_whitelist"`

	ScanTimeout          time.Duration `json:"scan_timeout" validate:"gt=0"`
	ConnectTimeout       time.Duration `json:"connect_timeout" validate:"gt=0"`
	ReconnectMaxAttempts int           `json:"reconnect_max_attempts" validate:"gte=0"`
	ReconnectDelay       time.Duration `json:"reconnect_delay" validate:"gt=0"`
	KeepaliveInterval    time.Duration `json:"keepalive_interval" validate:"gt=0"`
	HealthTimeout        time.Duration `json:"health_timeout" validate:"gtfield=KeepaliveInterval"`
	HardwareDelay        time.Duration `json:"hardware_delay" validate:"gte=0"`

	MQTT MQTTConfig `json:"mqtt"`

	// DatabaseDSN enables persistence when set.
	DatabaseDSN string `json:"-"`
	// ListenAddr enables the websocket hub when set.
	ListenAddr string `json:"listen_addr"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		LogLevel:             logrus.InfoLevel,
		Transport:            TransportBLE,
		SafetyByte:           0x42,
		NamePrefix:           "BM-",
		Colors:               []string{"red", "blue", "yellow", "green"},
		Trusted:              map[string]string{},
		ScanTimeout:          5 * time.Second,
		ConnectTimeout:       10 * time.Second,
		ReconnectMaxAttempts: 4,
		ReconnectDelay:       60 * time.Second,
		KeepaliveInterval:    15 * time.Second,
		HealthTimeout:        60 * time.Second,
		HardwareDelay:        70 * time.Millisecond,
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "brainmove-host",
			TopicPrefix: "bm",
			QoS:         1,
		},
	}
}

// Load reads envFile (if it exists) into the environment and then builds the
// configuration from BRAINMOVE_* variables on top of the defaults.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
		}
	}

	def := DefaultConfig()
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	v.SetDefault("LOG_LEVEL", def.LogLevel.String())
	v.SetDefault("TRANSPORT", def.Transport)
	v.SetDefault("SAFETY_BYTE", fmt.Sprintf("0x%02X", def.SafetyByte))
	v.SetDefault("TIMESTAMPED_FRAMES", def.TimestampedFrames)
	v.SetDefault("NAME_PREFIX", def.NamePrefix)
	v.SetDefault("COLORS", strings.Join(def.Colors, ","))
	v.SetDefault("STRICT_WHITELIST", def.StrictWhitelist)
	v.SetDefault("SCAN_TIMEOUT", def.ScanTimeout)
	v.SetDefault("CONNECT_TIMEOUT", def.ConnectTimeout)
	v.SetDefault("RECONNECT_MAX_ATTEMPTS", def.ReconnectMaxAttempts)
	v.SetDefault("KEEPALIVE_INTERVAL", def.KeepaliveInterval)
	v.SetDefault("HEALTH_TIMEOUT", def.HealthTimeout)
	v.SetDefault("HARDWARE_DELAY", def.HardwareDelay)
	v.SetDefault("MQTT_BROKER", def.MQTT.Broker)
	v.SetDefault("MQTT_CLIENT_ID", def.MQTT.ClientID)
	v.SetDefault("MQTT_TOPIC_PREFIX", def.MQTT.TopicPrefix)
	v.SetDefault("MQTT_QOS", int(def.MQTT.QoS))

	level, err := logrus.ParseLevel(v.GetString("LOG_LEVEL"))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	safety, err := strconv.ParseUint(strings.TrimSpace(v.GetString("SAFETY_BYTE")), 0, 8)
	if err != nil {
		return nil, fmt.Errorf("invalid SAFETY_BYTE %q: %w", v.GetString("SAFETY_BYTE"), err)
	}

	cfg := &Config{
		LogLevel:             level,
		Transport:            strings.ToLower(v.GetString("TRANSPORT")),
		SafetyByte:           byte(safety),
		TimestampedFrames:    v.GetBool("TIMESTAMPED_FRAMES"),
		NamePrefix:           v.GetString("NAME_PREFIX"),
		Colors:               SplitColors(v.GetString("COLORS")),
		Trusted:              map[string]string{},
		StrictWhitelist:      v.GetBool("STRICT_WHITELIST"),
		ScanTimeout:          v.GetDuration("SCAN_TIMEOUT"),
		ConnectTimeout:       v.GetDuration("CONNECT_TIMEOUT"),
		ReconnectMaxAttempts: v.GetInt("RECONNECT_MAX_ATTEMPTS"),
		KeepaliveInterval:    v.GetDuration("KEEPALIVE_INTERVAL"),
		HealthTimeout:        v.GetDuration("HEALTH_TIMEOUT"),
		HardwareDelay:        v.GetDuration("HARDWARE_DELAY"),
		MQTT: MQTTConfig{
			Broker:      v.GetString("MQTT_BROKER"),
			ClientID:    v.GetString("MQTT_CLIENT_ID"),
			Username:    v.GetString("MQTT_USERNAME"),
			Password:    v.GetString("MQTT_PASSWORD"),
			TopicPrefix: v.GetString("MQTT_TOPIC_PREFIX"),
			QoS:         byte(v.GetUint("MQTT_QOS")),
		},
		DatabaseDSN: v.GetString("DATABASE_DSN"),
		ListenAddr:  v.GetString("LISTEN_ADDR"),
	}

	// MQTT cones come back quickly after a broker hiccup; BLE cones need the radio
	// to settle.
	cfg.ReconnectDelay = def.ReconnectDelay
	if cfg.Transport == TransportMQTT {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if v.GetString("RECONNECT_DELAY") != "" {
		cfg.ReconnectDelay = v.GetDuration("RECONNECT_DELAY")
	}

	for _, c := range cfg.Colors {
		if mac := v.GetString("TRUSTED_" + strings.ToUpper(c)); mac != "" {
			cfg.Trusted[c] = strings.ToUpper(mac)
		}
	}
	return cfg, nil
}

// SplitColors parses a comma separated colour list.
func SplitColors(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			out = append(out, c)
		}
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports configuration errors that must stop the program at startup.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	switch c.Transport {
	case TransportBLE:
		if c.StrictWhitelist {
			var missing []string
			for _, color := range c.Colors {
				if c.Trusted[color] == "" {
					missing = append(missing, color)
				}
			}
			if len(missing) > 0 {
				return fmt.Errorf("strict whitelist enabled but no trusted MAC for: %s", strings.Join(missing, ", "))
			}
		}
	case TransportMQTT:
		if c.MQTT.Broker == "" {
			return errors.New("mqtt transport requires a broker address")
		}
	}
	return nil
}

// TrustedByAddress inverts Trusted: MAC to colour.
func (c *Config) TrustedByAddress() map[string]string {
	out := make(map[string]string, len(c.Trusted))
	for color, mac := range c.Trusted {
		out[strings.ToUpper(mac)] = color
	}
	return out
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
