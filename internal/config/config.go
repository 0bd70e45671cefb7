package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every flag name to form its environment variable,
// e.g. --send-buffer is read from RELAY_SEND_BUFFER.
const EnvPrefix = "RELAY"

// History drivers.
const (
	HistoryNone    = "none"
	HistorySQLite  = "sqlite"
	HistoryWebhook = "webhook"
)

var ErrInvalid = errors.New("invalid configuration")

// Config holds the relay configuration, parsed from flags, environment and an
// optional config file. The `mapstructure` tags are the flag names.
type Config struct {
	BindAddr       string   `mapstructure:"bind-addr"`
	AllowedOrigins []string `mapstructure:"allowed-origins"`

	// Push channel
	HeartbeatInterval time.Duration `mapstructure:"heartbeat-interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat-timeout"`
	SendBuffer        int           `mapstructure:"send-buffer"`
	WriteTimeout      time.Duration `mapstructure:"write-timeout"`

	// Signaling channel
	WSReadLimit         int64         `mapstructure:"ws-read-limit"`
	WSPongWait          time.Duration `mapstructure:"ws-pong-wait"`
	WSPingInterval      time.Duration `mapstructure:"ws-ping-interval"`
	ICEServers          []string      `mapstructure:"ice-servers"`
	ICEUsername         string        `mapstructure:"ice-username"`
	ICECredential       string        `mapstructure:"ice-credential"`
	MaxPeers            int           `mapstructure:"max-peers"`
	MaxRoomParticipants int           `mapstructure:"max-room-participants"`

	// History
	HistoryDriver        string        `mapstructure:"history-driver"`
	HistorySQLitePath    string        `mapstructure:"history-sqlite-path"`
	HistoryWebhookURL    string        `mapstructure:"history-webhook-url"`
	HistoryWebhookSecret string        `mapstructure:"history-webhook-secret"`
	HistoryWorkers       int           `mapstructure:"history-workers"`
	HistoryQueueSize     int           `mapstructure:"history-queue-size"`
	HistoryTimeout       time.Duration `mapstructure:"history-timeout"`

	// Logging and metrics
	LogLevel      string `mapstructure:"log-level"`
	LogFormat     string `mapstructure:"log-format"`
	MetricsPrefix string `mapstructure:"metrics-prefix"`
}

// BindFlags declares every configuration flag on fs.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Config file (yaml, json or toml).")
	fs.String("bind-addr", ":8787", "HTTP listen address.")
	fs.StringSlice("allowed-origins", []string{"*"}, "Origins allowed to open channels. \"*\" allows any.")

	fs.Duration("heartbeat-interval", 30*time.Second, "Interval between push-channel ping frames.")
	fs.Duration("heartbeat-timeout", 90*time.Second, "Evict a push channel with no successful write for this long. 0 disables.")
	fs.Int("send-buffer", 64, "Outbound frames buffered per connection before it is considered dead.")
	fs.Duration("write-timeout", 10*time.Second, "Deadline for writing one frame.")

	fs.Int64("ws-read-limit", 1024*1024, "Maximum size in bytes of an inbound signaling frame.")
	fs.Duration("ws-pong-wait", 60*time.Second, "Time allowed between pongs on the signaling channel.")
	fs.Duration("ws-ping-interval", 30*time.Second, "Interval between signaling-channel pings. Must be less than ws-pong-wait.")
	fs.StringSlice("ice-servers", nil, "STUN/TURN URLs handed to clients.")
	fs.String("ice-username", "", "TURN username applied to every ICE server.")
	fs.String("ice-credential", "", "TURN credential applied to every ICE server.")
	fs.Int("max-peers", 200, "Maximum open signaling channels. 0 disables the limit.")
	fs.Int("max-room-participants", 60, "Maximum participants in one room. 0 disables the limit.")

	fs.String("history-driver", HistoryNone, "Where history is written: none, sqlite or webhook.")
	fs.String("history-sqlite-path", "relay.db", "SQLite database file for the sqlite driver.")
	fs.String("history-webhook-url", "", "Endpoint receiving signed history events for the webhook driver.")
	fs.String("history-webhook-secret", "", "HMAC secret used to sign webhook events.")
	fs.Int("history-workers", 4, "Number of history writers.")
	fs.Int("history-queue-size", 1024, "History records buffered before new ones are dropped.")
	fs.Duration("history-timeout", 5*time.Second, "Deadline for persisting one history record.")

	fs.String("log-level", "info", "Log level (debug, info, warn, error).")
	fs.String("log-format", "text", "Log format (text, json).")
	fs.String("metrics-prefix", "relay_", "Prefix for Prometheus metric names.")
}

// Load resolves the configuration. Precedence, highest first: flags set on
// the command line, RELAY_* environment variables, the config file, flag
// defaults.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.AllowedOrigins = trimAll(c.AllowedOrigins)
	c.ICEServers = trimAll(c.ICEServers)
	c.ICEUsername = strings.TrimSpace(c.ICEUsername)
	c.ICECredential = strings.TrimSpace(c.ICECredential)
	c.HistoryDriver = strings.ToLower(strings.TrimSpace(c.HistoryDriver))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))

	if c.SendBuffer < 1 {
		c.SendBuffer = 1
	}
	if c.WSPingInterval <= 0 || c.WSPingInterval >= c.WSPongWait {
		c.WSPingInterval = c.WSPongWait / 2
	}
	if c.HistoryWorkers < 1 {
		c.HistoryWorkers = 1
	}
	if c.HistoryQueueSize < 32 {
		c.HistoryQueueSize = 32
	}
	if c.HistoryDriver == "" {
		c.HistoryDriver = HistoryNone
	}
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch {
	case c.BindAddr == "":
		return fmt.Errorf("%w: bind-addr is required", ErrInvalid)
	case c.HeartbeatInterval <= 0:
		return fmt.Errorf("%w: heartbeat-interval must be positive", ErrInvalid)
	case c.HeartbeatTimeout < 0:
		return fmt.Errorf("%w: heartbeat-timeout must not be negative", ErrInvalid)
	case c.HeartbeatTimeout > 0 && c.HeartbeatTimeout <= c.HeartbeatInterval:
		return fmt.Errorf("%w: heartbeat-timeout must exceed heartbeat-interval", ErrInvalid)
	case c.WSPongWait <= 0:
		return fmt.Errorf("%w: ws-pong-wait must be positive", ErrInvalid)
	case c.MaxPeers < 0:
		return fmt.Errorf("%w: max-peers must not be negative", ErrInvalid)
	case c.MaxRoomParticipants < 0:
		return fmt.Errorf("%w: max-room-participants must not be negative", ErrInvalid)
	case c.LogFormat != "text" && c.LogFormat != "json":
		return fmt.Errorf("%w: log-format %q", ErrInvalid, c.LogFormat)
	}

	switch c.HistoryDriver {
	case HistoryNone:
	case HistorySQLite:
		if c.HistorySQLitePath == "" {
			return fmt.Errorf("%w: history-sqlite-path is required for the sqlite driver", ErrInvalid)
		}
	case HistoryWebhook:
		if c.HistoryWebhookURL == "" {
			return fmt.Errorf("%w: history-webhook-url is required for the webhook driver", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: history-driver %q", ErrInvalid, c.HistoryDriver)
	}
	return nil
}

// WebRTCICEServers builds the ICE configuration handed to clients. The TURN
// credentials, when set, apply to every URL.
func (c *Config) WebRTCICEServers() []webrtc.ICEServer {
	if len(c.ICEServers) == 0 {
		return nil
	}

	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, url := range c.ICEServers {
		server := webrtc.ICEServer{URLs: []string{url}}
		if c.ICEUsername != "" {
			server.Username = c.ICEUsername
		}
		if c.ICECredential != "" {
			server.Credential = c.ICECredential
		}
		servers = append(servers, server)
	}
	return servers
}

// OriginAllowed reports whether a browser origin may open a channel. An empty
// origin (non-browser client) is always allowed.
func (c *Config) OriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
