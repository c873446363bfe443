package config

import "time"

// Config holds runtime settings of the GophMarket client.
type Config struct {
	// BackendAddr is host:port of the backend gRPC endpoint.
	BackendAddr string
	// RealtimeURL is the websocket endpoint of the push channel. Empty
	// disables live invalidation.
	RealtimeURL string
	// DatabaseURL switches the client to direct Postgres mode for tables
	// and push events.
	DatabaseURL string
	// RedisAddr, when set, keeps session-scoped values (the vault key) in
	// Redis instead of process memory.
	RedisAddr string
	// SessionTTL is how long session-scoped values survive without being
	// read or written.
	SessionTTL time.Duration
	DataFile   string

	LogLevel  string
	LogFormat string

	SafetyTimeout       time.Duration
	RefreshInterval     time.Duration
	ActivityThreshold   time.Duration
	ProfileAttempts     int
	ProfileRetryDelay   time.Duration
	SwitchSettleTimeout time.Duration
	SwitchSettleDelay   time.Duration
	RememberEmail       bool

	S3Endpoint  string
	S3Bucket    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3PublicURL string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.BackendAddr = "127.0.0.1:50051"
	c.DataFile = "gophmarket.db"
	c.LogLevel = "info"
	c.LogFormat = "console"
	c.SafetyTimeout = 5 * time.Second
	c.RefreshInterval = 5 * time.Minute
	c.ActivityThreshold = 25 * time.Minute
	c.SessionTTL = 12 * time.Hour
	c.ProfileAttempts = 3
	c.ProfileRetryDelay = 500 * time.Millisecond
	c.SwitchSettleTimeout = 2 * time.Second
	c.RememberEmail = true
	c.S3Region = "us-east-1"
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig(args []string) *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJSON(cfg, args)
	parseFlags(cfg, args)
	return cfg
}
