package susanoo

import (
	"fmt"
	"time"

	"github.com/radovskyb/watcher"
	"github.com/spf13/viper"
)

// Config carries everything a Session needs to run. Zero values are filled
// in by applyDefaults, so the minimal construction is Config{Token: "..."}.
type Config struct {
	Token string `mapstructure:"token"`

	// GatewayURL overrides gateway discovery. When empty the URL is
	// resolved once through the REST endpoint and cached.
	GatewayURL string `mapstructure:"gatewayUrl"`
	RestURL    string `mapstructure:"restUrl"`

	// Compression selects the transport codec: "none" or "zlib-stream".
	Compression string `mapstructure:"compression"`

	ShardID    int `mapstructure:"shardId"`
	ShardTotal int `mapstructure:"shardTotal"`

	PresenceStatus string `mapstructure:"presenceStatus"`

	AutoReconnect     bool `mapstructure:"autoReconnect"`
	MaxReconnectDelay int  `mapstructure:"maxReconnectDelaySec"`

	// RawEvents mirrors every DISPATCH frame to the listener after the
	// handler has run.
	RawEvents bool `mapstructure:"rawEvents"`

	// EventCacheTimeout is the dispatch count between cache expiry pulses.
	EventCacheTimeout int64 `mapstructure:"eventCacheTimeout"`

	// MissedAckLimit closes the socket with 4000 after this many heartbeat
	// intervals pass without a HEARTBEAT_ACK. Zero disables the watchdog.
	MissedAckLimit int `mapstructure:"missedAckLimit"`
}

func (c *Config) applyDefaults() {
	if c.RestURL == "" {
		c.RestURL = "https://discord.com/api/v6"
	}
	if c.Compression == "" {
		c.Compression = CompressionZlib
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 900
	}
	if c.EventCacheTimeout <= 0 {
		c.EventCacheTimeout = 100
	}
	if c.ShardTotal <= 0 {
		c.ShardTotal = 1
	}
	if c.PresenceStatus == "" {
		c.PresenceStatus = "online"
	}
}

func (c *Config) validate() error {
	if c.Token == "" {
		return fmt.Errorf("config: token is required")
	}
	switch c.Compression {
	case CompressionNone, CompressionZlib:
	default:
		return fmt.Errorf("config: unknown compression %q", c.Compression)
	}
	if c.ShardID < 0 || c.ShardID >= c.ShardTotal {
		return fmt.Errorf("config: shard %d out of range for total %d", c.ShardID, c.ShardTotal)
	}
	return nil
}

func (c Config) shard() *ShardInfo {
	if c.ShardTotal <= 1 {
		return nil
	}
	return &ShardInfo{ID: c.ShardID, Total: c.ShardTotal}
}

// LoadConfig reads config.yaml (or .json/.toml) from the given directory,
// with environment variables taking precedence over file values.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetEnvPrefix("gateway")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: read: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WatchConfig polls the config file and invokes onReload with the freshly
// parsed Config on every change. Reload failures are swallowed so a half
// written file never kills the watcher; the previous config stays active.
// The returned stop function ends the watch.
func WatchConfig(dir, file string, onReload func(Config)) (func(), error) {
	w := watcher.New()

	go func() {
		for {
			select {
			case <-w.Event:
				cfg, err := LoadConfig(dir)
				if err == nil {
					onReload(cfg)
				}
			case <-w.Error:
			case <-w.Closed:
				return
			}
		}
	}()

	if err := w.Add(file); err != nil {
		w.Close()
		return nil, err
	}

	go func() {
		_ = w.Start(time.Second)
	}()

	return w.Close, nil
}

// Compression codecs.
const (
	CompressionNone = "none"
	CompressionZlib = "zlib-stream"
)
