// Package config loads runtime configuration for the GophMarket client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected via -c or -config.
//  3. Command-line flags, which override earlier values.
//
// Supported flags
//
//	-a string   backend gRPC address
//	-w string   realtime websocket URL
//	-d string   local data file
//	-r string   Redis address for session-scoped values
//	-i int      session refresh interval (seconds)
//	-l string   log level
//
// # JSON schema
//
// Durations are timex.Duration values, so "5m" and integer nanoseconds both
// work. Absent keys keep their defaults:
//
//	{
//	  "backend_addr": "127.0.0.1:50051",
//	  "realtime_url": "ws://127.0.0.1:8081/realtime",
//	  "redis_addr": "127.0.0.1:6379",
//	  "data_file": "gophmarket.db",
//	  "log_level": "info",
//	  "log_format": "console",
//	  "safety_timeout": "5s",
//	  "refresh_interval": "5m",
//	  "activity_threshold": "25m",
//	  "session_ttl": "12h",
//	  "profile_attempts": 3,
//	  "profile_retry_delay": "500ms",
//	  "switch_settle_timeout": "2s",
//	  "remember_email": true,
//	  "s3": {"endpoint": "http://127.0.0.1:9000", "bucket": "avatars"}
//	}
//
// The package does not read environment variables.
package config
