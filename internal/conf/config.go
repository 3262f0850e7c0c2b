// Package conf handles loading and validation of the capture service
// configuration from config files and environment variables.
package conf

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StreamConfig describes one camera source.
type StreamConfig struct {
	Name      string  `mapstructure:"name"`
	URL       string  `mapstructure:"url"`
	Latitude  float64 `mapstructure:"latitude"`
	Longitude float64 `mapstructure:"longitude"`
	Region    string  `mapstructure:"region"`
	Enabled   bool    `mapstructure:"enabled"`
}

// CaptureConfig holds frame capture tuning.
type CaptureConfig struct {
	SampleInterval  time.Duration `mapstructure:"sampleinterval"`
	QueueCapacity   int           `mapstructure:"queuecapacity"`
	MotionThreshold float64       `mapstructure:"motionthreshold"`
	MaxRetries      int           `mapstructure:"maxretries"`
	BackoffInitial  time.Duration `mapstructure:"backoffinitial"`
	BackoffCeiling  time.Duration `mapstructure:"backoffceiling"`
}

// InferenceConfig holds settings for the detection model service.
type InferenceConfig struct {
	Endpoint            string        `mapstructure:"endpoint"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConfidenceThreshold float64       `mapstructure:"confidencethreshold"`
}

// StorageConfig selects and configures the detection store.
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // "sqlite" or "rest"
	Path    string `mapstructure:"path"`    // sqlite database file
	URL     string `mapstructure:"url"`     // rest base URL
	APIKey  string `mapstructure:"apikey"`  // rest service key
}

// SinkConfig holds persistence retry and overflow tuning.
type SinkConfig struct {
	OverflowCapacity   int           `mapstructure:"overflowcapacity"`
	RetryBackoff       time.Duration `mapstructure:"retrybackoff"`
	RecordNoDetections bool          `mapstructure:"recordnodetections"`
}

// MQTTConfig holds the optional realtime broadcast broker settings.
type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	ClientID string `mapstructure:"clientid"`
}

// TelegramConfig holds the optional field-team alert bot settings.
type TelegramConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	BotToken        string `mapstructure:"bottoken"`
	ChatID          string `mapstructure:"chatid"`
	CooldownSeconds int    `mapstructure:"cooldownseconds"`
}

// Settings is the root configuration for the service.
type Settings struct {
	Streams   []StreamConfig  `mapstructure:"streams"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Inference InferenceConfig `mapstructure:"inference"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Sink      SinkConfig      `mapstructure:"sink"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	HTTPPort  string          `mapstructure:"httpport"`
	Debug     bool            `mapstructure:"debug"`
}

// Load reads the configuration from config.yaml (searched in the working
// directory, $HOME/.config/skyhawk and /etc/skyhawk) with environment
// variable overrides under the SKYHAWK_ prefix. A missing config file is
// not an error; defaults apply. A non-empty path bypasses the search and
// reads that file; it must exist.
func Load(path string) (*Settings, error) {
	if err := initViper(path); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return settings, nil
}

func initViper(path string) error {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/skyhawk")
		viper.AddConfigPath("/etc/skyhawk")
	}

	viper.SetEnvPrefix("skyhawk")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if path != "" {
			return fmt.Errorf("error reading config file %s: %w", path, err)
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// EnabledStreams returns only the streams marked enabled.
func (s *Settings) EnabledStreams() []StreamConfig {
	var enabled []StreamConfig
	for _, st := range s.Streams {
		if st.Enabled {
			enabled = append(enabled, st)
		}
	}
	return enabled
}

// Validate reports fatal configuration problems that must stop startup.
func (s *Settings) Validate() error {
	if len(s.EnabledStreams()) == 0 {
		return errors.New("no enabled streams configured")
	}
	if s.Inference.Endpoint == "" {
		return errors.New("inference endpoint is required")
	}
	switch s.Storage.Backend {
	case "sqlite":
		if s.Storage.Path == "" {
			return errors.New("storage path is required for sqlite backend")
		}
	case "rest":
		if s.Storage.URL == "" {
			return errors.New("storage url is required for rest backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", s.Storage.Backend)
	}
	for _, st := range s.Streams {
		if st.Name == "" || st.URL == "" {
			return fmt.Errorf("stream entries require name and url (got name=%q url=%q)", st.Name, st.URL)
		}
	}
	return nil
}
