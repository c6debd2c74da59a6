package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 40000, cfg.Media.PortMin)
	assert.Equal(t, 49999, cfg.Media.PortMax)
	assert.Equal(t, []string{"opus", "vp8", "vp9", "h264"}, cfg.Media.Codecs)
	assert.Equal(t, 0.75, cfg.Media.Bitrate.ScaleFactor)
	assert.Equal(t, 10*time.Second, cfg.Media.RenegotiateTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.SweepInterval)
	assert.Equal(t, 2*time.Hour, cfg.Sessions.Threshold)
	assert.Equal(t, 720*time.Hour, cfg.Archive.MessageRetention)
	assert.Equal(t, time.Hour, cfg.Archive.MessageOffset)
	assert.Equal(t, 50, cfg.Signal.RateLimit)
	assert.Positive(t, cfg.Media.Workers)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"inverted port range", func(c *Config) { c.Media.PortMin, c.Media.PortMax = 5000, 4000 }},
		{"port out of range", func(c *Config) { c.Media.PortMax = 70000 }},
		{"floor above initial", func(c *Config) { c.Media.Bitrate.MinOutgoing = 2_000_000 }},
		{"zero scale factor", func(c *Config) { c.Media.Bitrate.ScaleFactor = 0 }},
		{"room bounds", func(c *Config) { c.Rooms.MinSize = 0 }},
		{"sweep interval", func(c *Config) { c.Sessions.SweepInterval = 0 }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLevel(t *testing.T) {
	cfg := Default()
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
	cfg.LogLevel = "debug"
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	cfg.LogLevel = ""
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
}
