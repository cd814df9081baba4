// Package config loads relay settings from a YAML file, command-line flags and
// RELAY_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen     string `yaml:"listen"`      // HTTP bind address, e.g. ":8080"
	Path       string `yaml:"path"`        // WebSocket endpoint path
	MaxClients int    `yaml:"max_clients"` // 0 means unlimited

	Heartbeat HeartbeatConfig  `yaml:"heartbeat"`
	Conn      ConnectionConfig `yaml:"connection"`
	Auth      AuthConfig       `yaml:"auth"`
	Bus       BusConfig        `yaml:"bus"`
	Log       LogConfig        `yaml:"log"`
	MCP       MCPConfig        `yaml:"mcp"`
	TCP       TCPConfig        `yaml:"tcp"`
	MDNS      MDNSConfig       `yaml:"mdns"`
}

type HeartbeatConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
}

type ConnectionConfig struct {
	SendQueue      int           `yaml:"send_queue"`      // outbound frames buffered per connection
	BusQueue       int           `yaml:"bus_queue"`       // inbound bus envelopes buffered per connection
	MaxFrameBytes  int64         `yaml:"max_frame_bytes"` // read limit per WebSocket frame
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"` // bound on every bus publish, terminal ones included
}

type AuthConfig struct {
	Secret string        `yaml:"secret"`
	Alg    string        `yaml:"alg"`
	Issuer string        `yaml:"issuer"`
	Leeway time.Duration `yaml:"leeway"`
}

type BusConfig struct {
	Driver   string      `yaml:"driver"` // memory | redis | nats
	Attempts uint64      `yaml:"attempts"`
	Redis    RedisConfig `yaml:"redis"`
	NATS     NATSConfig  `yaml:"nats"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type NATSConfig struct {
	Servers       []string `yaml:"servers"`
	Name          string   `yaml:"name"`
	SubjectPrefix string   `yaml:"subject_prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

type MCPConfig struct {
	Enabled bool `yaml:"enabled"` // serve MCP tools on stdio
}

// TCPConfig enables the line-delimited JSON listener for devices without a
// WebSocket stack. An empty Listen disables it.
type TCPConfig struct {
	Listen           string        `yaml:"listen"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type MDNSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"` // advertised instance name, defaults to the hostname
}

func Default() Config {
	return Config{
		Listen:     ":8080",
		Path:       "/ws",
		MaxClients: 0,
		Heartbeat: HeartbeatConfig{
			PingInterval: 30 * time.Second,
			PongTimeout:  10 * time.Second,
		},
		Conn: ConnectionConfig{
			SendQueue:      64,
			BusQueue:       256,
			MaxFrameBytes:  64 * 1024,
			WriteTimeout:   10 * time.Second,
			PublishTimeout: 2 * time.Second,
		},
		Auth: AuthConfig{Alg: "HS256"},
		Bus: BusConfig{
			Driver:   "memory",
			Attempts: 5,
			Redis:    RedisConfig{Addr: "127.0.0.1:6379", Prefix: "devrelay:user:"},
			NATS:     NATSConfig{Servers: []string{"nats://127.0.0.1:4222"}, Name: "devrelay", SubjectPrefix: "devrelay.user"},
		},
		Log: LogConfig{Level: "info", Format: "json"},
		TCP: TCPConfig{HandshakeTimeout: 10 * time.Second},
	}
}

// LoadFile overlays the YAML file at path onto cfg. Keys absent from the file keep their value.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays RELAY_* environment variables. Only secrets and addresses that
// deployments commonly inject are covered.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("RELAY_AUTH_SECRET"); ok {
		cfg.Auth.Secret = v
	}
	if v, ok := lookup("RELAY_BUS_DRIVER"); ok {
		cfg.Bus.Driver = v
	}
	if v, ok := lookup("RELAY_REDIS_ADDR"); ok {
		cfg.Bus.Redis.Addr = v
	}
	if v, ok := lookup("RELAY_REDIS_PASSWORD"); ok {
		cfg.Bus.Redis.Password = v
	}
	if v, ok := lookup("RELAY_TCP_LISTEN"); ok {
		cfg.TCP.Listen = v
	}
	if v, ok := lookup("RELAY_NATS_SERVERS"); ok {
		cfg.Bus.NATS.Servers = strings.Split(v, ",")
	}
}

// RegisterFlags binds the commonly tuned settings to flagSet, using cfg's current
// values as defaults.
func RegisterFlags(flagSet *pflag.FlagSet, cfg *Config) {
	flagSet.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	flagSet.StringVar(&cfg.Path, "path", cfg.Path, "WebSocket endpoint path")
	flagSet.IntVar(&cfg.MaxClients, "max-clients", cfg.MaxClients, "maximum concurrent connections (0 = unlimited)")
	flagSet.DurationVar(&cfg.Heartbeat.PingInterval, "ping-interval", cfg.Heartbeat.PingInterval, "interval between heartbeat pings")
	flagSet.DurationVar(&cfg.Heartbeat.PongTimeout, "pong-timeout", cfg.Heartbeat.PongTimeout, "time allowed for a pong before the peer is declared dead")
	flagSet.StringVar(&cfg.Bus.Driver, "bus", cfg.Bus.Driver, "bus driver: memory, redis or nats")
	flagSet.StringVar(&cfg.Bus.Redis.Addr, "redis-addr", cfg.Bus.Redis.Addr, "redis address")
	flagSet.StringSliceVar(&cfg.Bus.NATS.Servers, "nats-servers", cfg.Bus.NATS.Servers, "NATS server URLs")
	flagSet.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level: debug, info, warn, error")
	flagSet.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "log format: json or text")
	flagSet.BoolVar(&cfg.MCP.Enabled, "mcp", cfg.MCP.Enabled, "serve MCP introspection tools on stdio")
	flagSet.StringVar(&cfg.TCP.Listen, "tcp-listen", cfg.TCP.Listen, "line-delimited TCP listen address for devices (empty = disabled)")
	flagSet.BoolVar(&cfg.MDNS.Enabled, "mdns", cfg.MDNS.Enabled, "advertise the relay over mDNS")
}

// Load builds the effective configuration for a command invocation. A --config flag
// names the YAML file; flags given explicitly on the command line override the file.
func Load(name string, args []string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	// First pass only finds the config file so the file can seed flag defaults.
	var path string
	pre := pflag.NewFlagSet(name, pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.Usage = func() {}
	pre.StringVar(&path, "config", "", "")
	pre.BoolP("help", "h", false, "")
	_ = pre.Parse(args)

	if path != "" {
		if err := LoadFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.String("config", path, "path to YAML config file")
	RegisterFlags(flagSet, &cfg)
	if err := flagSet.Parse(args); err != nil {
		return Config{}, err
	}

	ApplyEnv(&cfg, lookup)
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.Heartbeat.PingInterval <= 0 {
		errs = append(errs, errors.New("heartbeat.ping_interval must be positive"))
	}
	if c.Heartbeat.PongTimeout <= 0 {
		errs = append(errs, errors.New("heartbeat.pong_timeout must be positive"))
	}
	if c.Conn.SendQueue <= 0 || c.Conn.BusQueue <= 0 {
		errs = append(errs, errors.New("connection queues must be positive"))
	}
	if c.Conn.PublishTimeout <= 0 {
		errs = append(errs, errors.New("connection.publish_timeout must be positive"))
	}
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required (or RELAY_AUTH_SECRET)"))
	}
	switch strings.ToLower(c.Bus.Driver) {
	case "memory", "redis", "nats":
	default:
		errs = append(errs, fmt.Errorf("unknown bus driver %q", c.Bus.Driver))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if c.TCP.Listen != "" && c.TCP.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("tcp.handshake_timeout must be positive"))
	}
	if !strings.HasPrefix(c.Path, "/") {
		errs = append(errs, fmt.Errorf("path %q must start with /", c.Path))
	}
	return errors.Join(errs...)
}
