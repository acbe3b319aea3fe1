package config

import (
	"errors"
	"fmt"
	"time"

	pkgconfig "github.com/averyjennings/claw-stream-vision/pkg/config"
	"github.com/averyjennings/claw-stream-vision/pkg/log"
	"github.com/averyjennings/claw-stream-vision/pkg/pubsub"
	"github.com/averyjennings/claw-stream-vision/pkg/storage"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	WebSocket  WebSocketConfig
	Hub        HubConfig
	Chat       ChatConfig
	Transcript TranscriptConfig
	Ingest     IngestConfig
	Archive    ArchiveConfig
	Metrics    MetricsConfig
	Log        log.Config
}

type ServerConfig struct {
	Host string
	Port int
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

type HubConfig struct {
	ChatHistorySize int           `mapstructure:"chat_history_size"`
	StateChatTail   int           `mapstructure:"state_chat_tail"`
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	// Channel is stamped on chat lines that originate from clients.
	Channel string
}

// ChatConfig describes the external chat room connection and its credentials.
type ChatConfig struct {
	Enabled         bool
	URL             string
	Channel         string
	Username        string
	AccessToken     string        `mapstructure:"access_token"`
	RefreshToken    string        `mapstructure:"refresh_token"`
	ClientID        string        `mapstructure:"client_id"`
	ClientSecret    string        `mapstructure:"client_secret"`
	TokenURL        string        `mapstructure:"token_url"`
	ValidateURL     string        `mapstructure:"validate_url"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	RefreshRetry    time.Duration `mapstructure:"refresh_retry"`
	MinTokenLife    time.Duration `mapstructure:"min_token_life"`
	MessagePrefix   string        `mapstructure:"message_prefix"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ReconnectMax    time.Duration `mapstructure:"reconnect_max"`
}

// RefreshEnabled reports whether credential rotation is configured.
func (c ChatConfig) RefreshEnabled() bool {
	return c.RefreshToken != ""
}

type TranscriptConfig struct {
	QuietPeriod  time.Duration `mapstructure:"quiet_period"`
	MaxBuffer    time.Duration `mapstructure:"max_buffer"`
	MaxFragments int           `mapstructure:"max_fragments"`
	Denylist     []string
}

type IngestConfig struct {
	StreamID    string        `mapstructure:"stream_id"`
	PubSub      pubsub.Config `mapstructure:"pubsub"`
	PubSubOn    bool          `mapstructure:"pubsub_enabled"`
	FrameDir    string        `mapstructure:"frame_dir"`
	FramePoll   time.Duration `mapstructure:"frame_poll"`
	MaxWidth    int           `mapstructure:"frame_max_width"`
	JPEGQuality int           `mapstructure:"jpeg_quality"`
}

type ArchiveConfig struct {
	Driver     string // "none", "kafka"
	Brokers    string
	Topic      string
	Partitions int
	Frames     FrameArchiveConfig
}

// FrameArchiveConfig controls periodic frame snapshots to object storage.
type FrameArchiveConfig struct {
	Enabled  bool
	Interval time.Duration
	Keep     int
	Storage  storage.Config
}

type MetricsConfig struct {
	Namespace string
}

// DefaultDenylist holds phrases the transcription model emits on silence
// or at recording boundaries.
var DefaultDenylist = []string{
	"thank you for watching",
	"thanks for watching",
	"please subscribe",
	"like and subscribe",
	"subscribe to my channel",
	"[music]",
	"(music)",
	"[blank_audio]",
	"[silence]",
	"♪",
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	setDefaults(v)

	if err := pkgconfig.BindEnvs(v, map[string]string{
		"server.port":                                 "PORT",
		"log.level":                                   "LOG_LEVEL",
		"chat.enabled":                                "CHAT_ENABLED",
		"chat.channel":                                "TWITCH_CHANNEL",
		"chat.username":                               "TWITCH_USERNAME",
		"chat.access_token":                           "TWITCH_OAUTH_TOKEN",
		"chat.refresh_token":                          "TWITCH_REFRESH_TOKEN",
		"chat.client_id":                              "TWITCH_CLIENT_ID",
		"chat.client_secret":                          "TWITCH_CLIENT_SECRET",
		"ingest.stream_id":                            "STREAM_ID",
		"ingest.frame_dir":                            "FRAME_DIR",
		"ingest.pubsub_enabled":                       "PUBSUB_ENABLED",
		"ingest.pubsub.driver":                        "PUBSUB_DRIVER",
		"ingest.pubsub.redis.address":                 "REDIS_ADDRESS",
		"ingest.pubsub.kafka.brokers":                 "KAFKA_BROKERS",
		"archive.driver":                              "ARCHIVE_DRIVER",
		"archive.brokers":                             "KAFKA_BROKERS",
		"archive.frames.enabled":                      "FRAME_ARCHIVE_ENABLED",
		"archive.frames.storage.driver":               "STORAGE_DRIVER",
		"archive.frames.storage.local.base_path":      "STORAGE_LOCAL_PATH",
		"archive.frames.storage.s3.endpoint":          "S3_ENDPOINT",
		"archive.frames.storage.s3.bucket":            "S3_BUCKET",
		"archive.frames.storage.s3.prefix":            "S3_PREFIX",
		"archive.frames.storage.s3.access_key_id":     "S3_ACCESS_KEY_ID",
		"archive.frames.storage.s3.secret_access_key": "S3_SECRET_ACCESS_KEY",
	}); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.Hub.Channel == "" {
		cfg.Hub.Channel = cfg.Chat.Channel
	}
	if len(cfg.Transcript.Denylist) == 0 {
		cfg.Transcript.Denylist = DefaultDenylist
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3847)

	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.send_buffer", 256)

	v.SetDefault("hub.chat_history_size", 100)
	v.SetDefault("hub.state_chat_tail", 20)
	v.SetDefault("hub.liveness_timeout", "60s")
	v.SetDefault("hub.sweep_interval", "30s")

	v.SetDefault("chat.enabled", false)
	v.SetDefault("chat.url", "wss://irc-ws.chat.twitch.tv:443")
	v.SetDefault("chat.token_url", "https://id.twitch.tv/oauth2/token")
	v.SetDefault("chat.validate_url", "https://id.twitch.tv/oauth2/validate")
	v.SetDefault("chat.refresh_interval", "3h")
	v.SetDefault("chat.refresh_retry", "5m")
	v.SetDefault("chat.min_token_life", "30m")
	v.SetDefault("chat.message_prefix", "[Claw]")
	v.SetDefault("chat.dial_timeout", "15s")
	v.SetDefault("chat.read_timeout", "6m")
	v.SetDefault("chat.write_timeout", "10s")
	v.SetDefault("chat.reconnect_max", "2m")

	v.SetDefault("transcript.quiet_period", "1500ms")
	v.SetDefault("transcript.max_buffer", "3s")
	v.SetDefault("transcript.max_fragments", 64)

	v.SetDefault("ingest.stream_id", "main")
	v.SetDefault("ingest.pubsub_enabled", false)
	v.SetDefault("ingest.pubsub.driver", "redis")
	v.SetDefault("ingest.pubsub.redis.address", "localhost:6379")
	v.SetDefault("ingest.pubsub.redis.pool_size", 10)
	v.SetDefault("ingest.pubsub.redis.read_timeout", "3s")
	v.SetDefault("ingest.pubsub.redis.write_timeout", "3s")
	v.SetDefault("ingest.pubsub.kafka.brokers", "localhost:9092")
	v.SetDefault("ingest.pubsub.kafka.group_id", "stream-relay")
	v.SetDefault("ingest.frame_poll", "1s")
	v.SetDefault("ingest.frame_max_width", 1280)
	v.SetDefault("ingest.jpeg_quality", 80)

	v.SetDefault("archive.driver", "none")
	v.SetDefault("archive.brokers", "localhost:9092")
	v.SetDefault("archive.topic", "stream-chat")
	v.SetDefault("archive.partitions", 1)
	v.SetDefault("archive.frames.enabled", false)
	v.SetDefault("archive.frames.interval", "1m")
	v.SetDefault("archive.frames.keep", 1440)
	v.SetDefault("archive.frames.storage.driver", "local")
	v.SetDefault("archive.frames.storage.local.base_path", "./data")
	v.SetDefault("archive.frames.storage.s3.region", "us-east-1")

	v.SetDefault("metrics.namespace", "stream_relay")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.service_name", "stream-relay")
}

// Validate checks the configuration the service cannot start without.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be positive, got %d", c.Server.Port))
	}
	if c.Hub.ChatHistorySize <= 0 {
		errs = append(errs, errors.New("hub.chat_history_size must be positive"))
	}
	if c.Hub.LivenessTimeout <= 0 || c.Hub.SweepInterval <= 0 {
		errs = append(errs, errors.New("hub.liveness_timeout and hub.sweep_interval must be positive"))
	}
	if c.Transcript.QuietPeriod <= 0 || c.Transcript.MaxBuffer <= 0 {
		errs = append(errs, errors.New("transcript.quiet_period and transcript.max_buffer must be positive"))
	}

	if c.Chat.Enabled {
		if c.Chat.Channel == "" {
			errs = append(errs, errors.New("chat.channel (TWITCH_CHANNEL) is required"))
		}
		if c.Chat.Username == "" {
			errs = append(errs, errors.New("chat.username (TWITCH_USERNAME) is required"))
		}
		if c.Chat.AccessToken == "" && c.Chat.RefreshToken == "" {
			errs = append(errs, errors.New("chat.access_token (TWITCH_OAUTH_TOKEN) or chat.refresh_token is required"))
		}
		if c.Chat.RefreshEnabled() {
			if c.Chat.ClientID == "" || c.Chat.ClientSecret == "" {
				errs = append(errs, errors.New("chat.client_id and chat.client_secret are required with a refresh token"))
			}
			if c.Chat.RefreshInterval <= 0 || c.Chat.RefreshRetry <= 0 {
				errs = append(errs, errors.New("chat.refresh_interval and chat.refresh_retry must be positive"))
			}
		}
	}

	switch c.Archive.Driver {
	case "", "none", "kafka":
	default:
		errs = append(errs, fmt.Errorf("archive.driver %q is not supported", c.Archive.Driver))
	}
	if f := c.Archive.Frames; f.Enabled {
		switch f.Storage.Driver {
		case "", "local":
		case "s3":
			if f.Storage.S3.Bucket == "" {
				errs = append(errs, errors.New("archive.frames.storage.s3.bucket (S3_BUCKET) is required"))
			}
		default:
			errs = append(errs, fmt.Errorf("archive.frames.storage.driver %q is not supported", f.Storage.Driver))
		}
	}

	return errors.Join(errs...)
}
