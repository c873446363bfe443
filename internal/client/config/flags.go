package config

import (
	"flag"
	"time"

	"github.com/dmitrijs2005/gophmarket/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   backend gRPC address
//	-w string   realtime websocket URL
//	-d string   local data file
//	-r string   Redis address for session-scoped values
//	-i int      session refresh interval in seconds
//	-l string   log level
//
// args are filtered with flagx.FilterArgs first so flags of other
// components do not interfere.
func parseFlags(cfg *Config, args []string) {
	args = flagx.FilterArgs(args, []string{"-a", "-w", "-d", "-r", "-i", "-l"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.BackendAddr, "a", cfg.BackendAddr, "address and port of the backend")
	fs.StringVar(&cfg.RealtimeURL, "w", cfg.RealtimeURL, "realtime websocket URL")
	fs.StringVar(&cfg.DataFile, "d", cfg.DataFile, "local data file")
	fs.StringVar(&cfg.RedisAddr, "r", cfg.RedisAddr, "redis address for session-scoped storage")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level (debug, info, warn, error)")
	refreshInterval := fs.Int("i", int(cfg.RefreshInterval.Seconds()), "session refresh interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.RefreshInterval = time.Duration(*refreshInterval) * time.Second
}
