package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"ovpn-node/pkg/supervisor"
)

// Timing is the periodic task and stop escalation policy.
type Timing struct {
	Heartbeat         time.Duration `yaml:"heartbeat"`
	Telemetry         time.Duration `yaml:"telemetry"`
	StatusRefresh     time.Duration `yaml:"status_refresh"`
	StopPollInterval  time.Duration `yaml:"stop_poll_interval"`
	StopPollAttempts  int           `yaml:"stop_poll_attempts"`
	KillRetryInterval time.Duration `yaml:"kill_retry_interval"`
	KillAttempts      int           `yaml:"kill_attempts"`
}

// SupervisorPolicy maps the stop settings onto the supervisor.
func (t Timing) SupervisorPolicy() supervisor.Policy {
	return supervisor.Policy{
		StopPollInterval:  t.StopPollInterval,
		StopPollAttempts:  t.StopPollAttempts,
		KillRetryInterval: t.KillRetryInterval,
		KillAttempts:      t.KillAttempts,
	}
}

type Consul struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

type Interfaces struct {
	Prefix   string `yaml:"prefix"`
	PoolSize int    `yaml:"pool_size"`
}

type OpenVPN struct {
	Binary    string `yaml:"binary"`
	WorkDir   string `yaml:"work_dir"`
	Verbosity int    `yaml:"verbosity"`
}

type Hooks struct {
	Listen       string `yaml:"listen"`
	MasterSecret string `yaml:"master_secret"`
}

type Accounting struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Events struct {
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the agent configuration.
type Config struct {
	HostID      string     `yaml:"host_id"`
	Consul      Consul     `yaml:"consul"`
	Interfaces  Interfaces `yaml:"interfaces"`
	OpenVPN     OpenVPN    `yaml:"openvpn"`
	Hooks       Hooks      `yaml:"hooks"`
	JournalPath string     `yaml:"journal_path"`
	Accounting  Accounting `yaml:"accounting"`
	Events      Events     `yaml:"events"`
	Timing      Timing     `yaml:"timing"`
	Log         Log        `yaml:"log"`
}

func Default() Config {
	host, _ := os.Hostname()
	return Config{
		HostID:     host,
		Consul:     Consul{Addr: "127.0.0.1:8500"},
		Interfaces: Interfaces{Prefix: "tun", PoolSize: 16},
		OpenVPN: OpenVPN{
			Binary:    "/usr/sbin/openvpn",
			WorkDir:   "/var/lib/ovpn-node/run",
			Verbosity: 3,
		},
		Hooks:       Hooks{Listen: "127.0.0.1:7506"},
		JournalPath: "/var/lib/ovpn-node/journal.db",
		Timing: Timing{
			Heartbeat:         10 * time.Second,
			Telemetry:         15 * time.Second,
			StatusRefresh:     5 * time.Second,
			StopPollInterval:  200 * time.Millisecond,
			StopPollAttempts:  25,
			KillRetryInterval: 200 * time.Millisecond,
			KillAttempts:      10,
		},
		Log: Log{Level: "info", Format: "json"},
	}
}

// Load reads the defaults, the optional YAML file at path, then the
// environment. A .env file in the working directory is loaded first.
func Load(path string) (Config, error) {
	_ = loadDotEnv()
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

func (c *Config) applyEnv() {
	setString(&c.HostID, "OVPN_HOST_ID")
	setString(&c.Consul.Addr, "CONSUL_HTTP_ADDR")
	setString(&c.Consul.Token, "CONSUL_HTTP_TOKEN")
	setString(&c.Interfaces.Prefix, "OVPN_IFACE_PREFIX")
	setInt(&c.Interfaces.PoolSize, "OVPN_IFACE_POOL")
	setString(&c.OpenVPN.Binary, "OVPN_BINARY")
	setString(&c.OpenVPN.WorkDir, "OVPN_WORK_DIR")
	setString(&c.Hooks.Listen, "OVPN_HOOK_LISTEN")
	setString(&c.Hooks.MasterSecret, "OVPN_HOOK_SECRET")
	setString(&c.JournalPath, "OVPN_JOURNAL")
	setString(&c.Accounting.DSN, "MYSQL_DSN")
	setString(&c.Events.URL, "OVPN_EVENTS_URL")
	setString(&c.Events.Token, "OVPN_EVENTS_TOKEN")
	setString(&c.Events.CAFile, "OVPN_EVENTS_CA")
	setString(&c.Log.Level, "OVPN_LOG_LEVEL")
	setString(&c.Log.Format, "OVPN_LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		*dst = v
	}
}

// BindFlags registers overrides on fs with the current values as defaults.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.HostID, "host", c.HostID, "host id (env OVPN_HOST_ID)")
	fs.StringVar(&c.Consul.Addr, "consul", c.Consul.Addr, "consul address (env CONSUL_HTTP_ADDR)")
	fs.StringVar(&c.Consul.Token, "consul-token", c.Consul.Token, "consul ACL token (env CONSUL_HTTP_TOKEN)")
	fs.StringVar(&c.Interfaces.Prefix, "iface-prefix", c.Interfaces.Prefix, "tun interface name prefix")
	fs.IntVar(&c.Interfaces.PoolSize, "iface-pool", c.Interfaces.PoolSize, "number of leasable tun interfaces")
	fs.StringVar(&c.OpenVPN.Binary, "openvpn", c.OpenVPN.Binary, "openvpn binary path")
	fs.StringVar(&c.OpenVPN.WorkDir, "work-dir", c.OpenVPN.WorkDir, "parent of per-instance config dirs")
	fs.StringVar(&c.Hooks.Listen, "hook-listen", c.Hooks.Listen, "loopback address of the callout server")
	fs.StringVar(&c.JournalPath, "journal", c.JournalPath, "sqlite journal of applied firewall rules")
	fs.StringVar(&c.Accounting.DSN, "accounting-dsn", c.Accounting.DSN, "bandwidth accounting DSN (env MYSQL_DSN, optional)")
	fs.StringVar(&c.Events.URL, "events-url", c.Events.URL, "control plane websocket base URL (optional)")
	fs.StringVar(&c.Events.CAFile, "events-ca", c.Events.CAFile, "CA file for a wss control plane")
	fs.StringVar(&c.Events.CertFile, "events-cert", c.Events.CertFile, "client TLS certificate (for mTLS)")
	fs.StringVar(&c.Events.KeyFile, "events-key", c.Events.KeyFile, "client TLS key (for mTLS)")
	fs.BoolVar(&c.Events.Insecure, "events-insecure", c.Events.Insecure, "skip TLS verify for the control plane (not recommended)")
	fs.DurationVar(&c.Timing.Heartbeat, "heartbeat", c.Timing.Heartbeat, "heartbeat interval")
	fs.DurationVar(&c.Timing.Telemetry, "telemetry", c.Timing.Telemetry, "status poll interval")
	fs.IntVar(&c.Timing.KillAttempts, "kill-attempts", c.Timing.KillAttempts, "SIGKILL deliveries before giving up")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "log format: json or console")
}

// Validate rejects settings the agent cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.HostID == "" {
		errs = append(errs, errors.New("host id is required"))
	}
	if c.Interfaces.Prefix == "" {
		errs = append(errs, errors.New("interface prefix is required"))
	}
	if c.Interfaces.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("interface pool size must be positive, got %d", c.Interfaces.PoolSize))
	}
	if c.OpenVPN.Binary == "" {
		errs = append(errs, errors.New("openvpn binary is required"))
	}
	if len(c.Hooks.MasterSecret) < 16 {
		errs = append(errs, errors.New("hook master secret must be at least 16 bytes (env OVPN_HOOK_SECRET)"))
	}
	durations := map[string]time.Duration{
		"heartbeat":           c.Timing.Heartbeat,
		"telemetry":           c.Timing.Telemetry,
		"status_refresh":      c.Timing.StatusRefresh,
		"stop_poll_interval":  c.Timing.StopPollInterval,
		"kill_retry_interval": c.Timing.KillRetryInterval,
	}
	for _, name := range []string{"heartbeat", "telemetry", "status_refresh", "stop_poll_interval", "kill_retry_interval"} {
		if durations[name] <= 0 {
			errs = append(errs, fmt.Errorf("timing.%s must be positive", name))
		}
	}
	if c.Timing.StopPollAttempts <= 0 {
		errs = append(errs, errors.New("timing.stop_poll_attempts must be positive"))
	}
	if c.Timing.KillAttempts <= 0 {
		errs = append(errs, errors.New("timing.kill_attempts must be positive"))
	}
	return errors.Join(errs...)
}
