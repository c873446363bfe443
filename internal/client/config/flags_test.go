package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		expected    *Config
		name        string
		args        []string
		expectPanic bool
	}{
		{
			name: "all flags",
			args: []string{"-a", "127.0.0.1:9090", "-w", "ws://rt", "-d", "/tmp/x.db", "-r", "redis:6379", "-i", "10", "-l", "debug"},
			expected: &Config{
				BackendAddr:     "127.0.0.1:9090",
				RealtimeURL:     "ws://rt",
				DataFile:        "/tmp/x.db",
				RedisAddr:       "redis:6379",
				RefreshInterval: 10 * time.Second,
				LogLevel:        "debug",
			},
		},
		{
			name:     "foreign flags ignored",
			args:     []string{"-c", "cfg.json", "-x", "1", "-a", "h:1"},
			expected: &Config{BackendAddr: "h:1"},
		},
		{name: "incorrect refresh interval", args: []string{"-a", "127.0.0.1:9090", "-i", "abc"}, expectPanic: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}

			if tt.expectPanic {
				require.Panics(t, func() { parseFlags(cfg, tt.args) })
				return
			}
			require.NotPanics(t, func() { parseFlags(cfg, tt.args) })
			assert.Empty(t, cmp.Diff(tt.expected, cfg))
		})
	}
}
