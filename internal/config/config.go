package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds configuration for the reschedd daemon.
type ServerConfig struct {
	Addr     string
	LogLevel string

	// PolicyFile is an optional YAML policy; the fields below override it
	// when set.
	PolicyFile            string
	MaxDelayablePerClient int
	MaxDelayablePerHost   int
	DelayableThreshold    string
	MultiplexedHosts      []string // host:port pairs known to speak h2/h3

	ProbeHosts    []string // host:port pairs to probe for HTTP/3 at startup
	ProbeInsecure bool     // skip certificate verification when probing

	MaxMessageBytes int64         // max inbound websocket message size
	IdleTimeout     time.Duration // websocket read deadline, refreshed by pongs
	MessageRate     float64       // inbound messages per second per connection
	MessageBurst    int
	FetchTimeout    time.Duration
}

// ClientConfig holds configuration for the reschedctl client.
type ClientConfig struct {
	ServerURL string
	LogLevel  string
	RouteID   int
	URLs      []string // URLs to fetch, in order (repeatable --url)
	Priority  string   // priority for every fetch
	BodyAfter int      // signal will_insert_body after this many completions (0 = never)
	Timeout   time.Duration
	Stats     bool // print the daemon's /stats snapshot instead of fetching
}

// ParseServerConfig parses server configuration from flags and environment variables.
// Flags take precedence over environment variables.
// Defaults: addr=":8080", logLevel="info"
func ParseServerConfig() ServerConfig {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) ServerConfig {
	cfg := ServerConfig{
		Addr:            ":8080",
		LogLevel:        "info",
		MaxMessageBytes: 64 << 10,
		IdleTimeout:     60 * time.Second,
		MessageRate:     200,
		MessageBurst:    400,
		FetchTimeout:    60 * time.Second,
	}

	// Read from environment first
	if addr := os.Getenv("RESCHED_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if logLevel := os.Getenv("RESCHED_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if policyFile := os.Getenv("RESCHED_POLICY_FILE"); policyFile != "" {
		cfg.PolicyFile = policyFile
	}
	if v, ok := envInt("RESCHED_MAX_DELAYABLE_PER_CLIENT"); ok {
		cfg.MaxDelayablePerClient = v
	}
	if v, ok := envInt("RESCHED_MAX_DELAYABLE_PER_HOST"); ok {
		cfg.MaxDelayablePerHost = v
	}
	if threshold := os.Getenv("RESCHED_DELAYABLE_THRESHOLD"); threshold != "" {
		cfg.DelayableThreshold = threshold
	}
	if rate := os.Getenv("RESCHED_MESSAGE_RATE"); rate != "" {
		if v, err := strconv.ParseFloat(rate, 64); err == nil {
			cfg.MessageRate = v
		}
	}

	// Flags override environment
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "server address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.PolicyFile, "policy", cfg.PolicyFile, "YAML scheduling policy file")
	fs.IntVar(&cfg.MaxDelayablePerClient, "max-delayable-per-client", cfg.MaxDelayablePerClient, "delayable requests in flight per client (default 10)")
	fs.IntVar(&cfg.MaxDelayablePerHost, "max-delayable-per-host", cfg.MaxDelayablePerHost, "delayable requests in flight per client and host (default 6)")
	fs.StringVar(&cfg.DelayableThreshold, "delayable-threshold", cfg.DelayableThreshold, "lowest priority that is never delayed (default low)")
	fs.BoolVar(&cfg.ProbeInsecure, "probe-insecure", false, "skip certificate verification for HTTP/3 probes")
	fs.Int64Var(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "max inbound websocket message size")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "websocket idle timeout")
	fs.Float64Var(&cfg.MessageRate, "message-rate", cfg.MessageRate, "inbound messages per second per connection")
	fs.IntVar(&cfg.MessageBurst, "message-burst", cfg.MessageBurst, "inbound message burst per connection")
	fs.DurationVar(&cfg.FetchTimeout, "fetch-timeout", cfg.FetchTimeout, "timeout for a single fetch")

	// Handle repeatable host flags; env lists are comma separated
	multiplexed := make([]string, 0)
	fs.Var((*stringSlice)(&multiplexed), "multiplexed-host", "host:port known to support h2/h3 (repeatable)")
	probe := make([]string, 0)
	fs.Var((*stringSlice)(&probe), "probe-host", "host:port to probe for HTTP/3 at startup (repeatable)")

	fs.Parse(args)

	cfg.MultiplexedHosts = splitList(os.Getenv("RESCHED_MULTIPLEXED_HOSTS"))
	if len(multiplexed) > 0 {
		cfg.MultiplexedHosts = multiplexed
	}
	cfg.ProbeHosts = splitList(os.Getenv("RESCHED_PROBE_HOSTS"))
	if len(probe) > 0 {
		cfg.ProbeHosts = probe
	}

	if cfg.MessageBurst < 1 {
		cfg.MessageBurst = 1
	}

	return cfg
}

// ParseClientConfig parses client configuration from flags and environment variables.
// Flags take precedence over environment variables.
// Defaults: serverURL="http://localhost:8080", logLevel="info", routeID=1, priority="lowest"
func ParseClientConfig() ClientConfig {
	return parseClientConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseClientConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) ClientConfig {
	cfg := ClientConfig{
		ServerURL: "http://localhost:8080",
		LogLevel:  "info",
		RouteID:   1,
		Priority:  "lowest",
		Timeout:   30 * time.Second,
	}

	// Read from environment first
	if serverURL := os.Getenv("RESCHED_SERVER_URL"); serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if logLevel := os.Getenv("RESCHED_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if v, ok := envInt("RESCHED_ROUTE_ID"); ok {
		cfg.RouteID = v
	}

	// Flags override environment
	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "server URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVar(&cfg.RouteID, "route-id", cfg.RouteID, "route identifier for the client")
	fs.StringVar(&cfg.Priority, "priority", cfg.Priority, "priority for every fetch (idle, lowest, low, medium, highest)")
	fs.IntVar(&cfg.BodyAfter, "body-after", 0, "signal body insertion after this many completed fetches (0 = never)")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	fs.BoolVar(&cfg.Stats, "stats", false, "print scheduler stats as JSON and exit")

	// Handle repeatable --url flag
	urls := make([]string, 0)
	fs.Var((*stringSlice)(&urls), "url", "URL to fetch (repeatable)")

	fs.Parse(args)

	cfg.URLs = urls
	if cfg.BodyAfter < 0 {
		cfg.BodyAfter = 0
	}

	return cfg
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return v, true
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func (s *stringSlice) Get() interface{} {
	return []string(*s)
}

func (s *stringSlice) IsBoolFlag() bool {
	return false
}

var _ flag.Value = (*stringSlice)(nil)
var _ flag.Getter = (*stringSlice)(nil)
