package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/gophmarket/internal/flagx"
	"github.com/dmitrijs2005/gophmarket/internal/timex"
)

// JSONConfig is a DTO used exclusively for JSON unmarshalling. Durations
// use timex.Duration so the file may say "5m" or integer nanoseconds.
// Pointer fields distinguish "absent" from a zero value.
type JSONConfig struct {
	BackendAddr string `json:"backend_addr"`
	RealtimeURL string `json:"realtime_url"`
	DatabaseURL string `json:"database_url"`
	RedisAddr   string `json:"redis_addr"`
	DataFile    string `json:"data_file"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	SafetyTimeout       *timex.Duration `json:"safety_timeout"`
	RefreshInterval     *timex.Duration `json:"refresh_interval"`
	ActivityThreshold   *timex.Duration `json:"activity_threshold"`
	SessionTTL          *timex.Duration `json:"session_ttl"`
	ProfileAttempts     *int            `json:"profile_attempts"`
	ProfileRetryDelay   *timex.Duration `json:"profile_retry_delay"`
	SwitchSettleTimeout *timex.Duration `json:"switch_settle_timeout"`
	SwitchSettleDelay   *timex.Duration `json:"switch_settle_delay"`
	RememberEmail       *bool           `json:"remember_email"`

	S3 struct {
		Endpoint  string `json:"endpoint"`
		Bucket    string `json:"bucket"`
		Region    string `json:"region"`
		AccessKey string `json:"access_key"`
		SecretKey string `json:"secret_key"`
		PublicURL string `json:"public_url"`
	} `json:"s3"`
}

// parseJSON overlays cfg with the JSON file named by -c/-config in args.
// Only keys present in the file are applied. Read and unmarshal errors
// panic.
func parseJSON(cfg *Config, args []string) {
	path := flagx.ConfigFilePath(args)
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}
	var jc JSONConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}
	jc.apply(cfg)
}

func (jc *JSONConfig) apply(cfg *Config) {
	setString(&cfg.BackendAddr, jc.BackendAddr)
	setString(&cfg.RealtimeURL, jc.RealtimeURL)
	setString(&cfg.DatabaseURL, jc.DatabaseURL)
	setString(&cfg.RedisAddr, jc.RedisAddr)
	setString(&cfg.DataFile, jc.DataFile)
	setString(&cfg.LogLevel, jc.LogLevel)
	setString(&cfg.LogFormat, jc.LogFormat)

	setDuration(&cfg.SafetyTimeout, jc.SafetyTimeout)
	setDuration(&cfg.RefreshInterval, jc.RefreshInterval)
	setDuration(&cfg.ActivityThreshold, jc.ActivityThreshold)
	setDuration(&cfg.SessionTTL, jc.SessionTTL)
	setDuration(&cfg.ProfileRetryDelay, jc.ProfileRetryDelay)
	setDuration(&cfg.SwitchSettleTimeout, jc.SwitchSettleTimeout)
	setDuration(&cfg.SwitchSettleDelay, jc.SwitchSettleDelay)
	if jc.ProfileAttempts != nil {
		cfg.ProfileAttempts = *jc.ProfileAttempts
	}
	if jc.RememberEmail != nil {
		cfg.RememberEmail = *jc.RememberEmail
	}

	setString(&cfg.S3Endpoint, jc.S3.Endpoint)
	setString(&cfg.S3Bucket, jc.S3.Bucket)
	setString(&cfg.S3Region, jc.S3.Region)
	setString(&cfg.S3AccessKey, jc.S3.AccessKey)
	setString(&cfg.S3SecretKey, jc.S3.SecretKey)
	setString(&cfg.S3PublicURL, jc.S3.PublicURL)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v *timex.Duration) {
	if v != nil {
		*dst = v.Duration
	}
}
