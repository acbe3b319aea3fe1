package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("TWITCH_CHANNEL", "somechannel")
	t.Setenv("TWITCH_REFRESH_TOKEN", "refresh")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, 100, cfg.Hub.ChatHistorySize)
	assert.Equal(t, 1500*time.Millisecond, cfg.Transcript.QuietPeriod)
	assert.Equal(t, 3*time.Second, cfg.Transcript.MaxBuffer)
	assert.Equal(t, 3*time.Hour, cfg.Chat.RefreshInterval)
	assert.Equal(t, "[Claw]", cfg.Chat.MessagePrefix)
	assert.Equal(t, 6*time.Minute, cfg.Chat.ReadTimeout)
	assert.Equal(t, "main", cfg.Ingest.StreamID)
	assert.Equal(t, "none", cfg.Archive.Driver)

	assert.Equal(t, "somechannel", cfg.Hub.Channel, "hub channel follows the chat channel")
	assert.True(t, cfg.Chat.RefreshEnabled())
	assert.Equal(t, DefaultDenylist, cfg.Transcript.Denylist)
}

func validConfig() *Config {
	return &Config{
		Server:     ServerConfig{Port: 3847},
		Hub:        HubConfig{ChatHistorySize: 100, LivenessTimeout: time.Minute, SweepInterval: 30 * time.Second},
		Transcript: TranscriptConfig{QuietPeriod: 1500 * time.Millisecond, MaxBuffer: 3 * time.Second},
		Archive:    ArchiveConfig{Driver: "none"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "zero quiet period",
			mutate:  func(c *Config) { c.Transcript.QuietPeriod = 0 },
			wantErr: "transcript.quiet_period",
		},
		{
			name: "chat without channel",
			mutate: func(c *Config) {
				c.Chat = ChatConfig{Enabled: true, Username: "bot", AccessToken: "tok"}
			},
			wantErr: "chat.channel",
		},
		{
			name: "chat without any token",
			mutate: func(c *Config) {
				c.Chat = ChatConfig{Enabled: true, Channel: "main", Username: "bot"}
			},
			wantErr: "chat.access_token",
		},
		{
			name: "refresh without client credentials",
			mutate: func(c *Config) {
				c.Chat = ChatConfig{
					Enabled: true, Channel: "main", Username: "bot", RefreshToken: "r",
					RefreshInterval: time.Hour, RefreshRetry: time.Minute,
				}
			},
			wantErr: "chat.client_id",
		},
		{
			name: "static token is enough",
			mutate: func(c *Config) {
				c.Chat = ChatConfig{Enabled: true, Channel: "main", Username: "bot", AccessToken: "tok"}
			},
		},
		{
			name:    "unknown archive driver",
			mutate:  func(c *Config) { c.Archive.Driver = "s3" },
			wantErr: "archive.driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
