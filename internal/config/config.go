// Package config loads the agentsession TOML configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/agentsession/internal/api"
)

const (
	// FileName is the config file inside the agentsession home directory.
	FileName = "config.toml"

	// HomeEnv overrides the agentsession home directory.
	HomeEnv = "AGENTSESSION_HOME"
	// HostEnv overrides Config.Host.
	HostEnv = "AGENTSESSION_HOST"
	// APIKeyEnv overrides Config.Agent.APIKey.
	APIKeyEnv = "AGENTSESSION_API_KEY"
)

// Defaults applied by the accessors when a value is unset.
const (
	DefaultHost                = "http://127.0.0.1:3000"
	DefaultHealthcheckInterval = 5 * time.Second
	DefaultCreateInterval      = time.Second
	DefaultFatalThreshold      = 10
	DefaultPollInterval        = 2 * time.Second
	DefaultClientTimeout       = 10 * time.Second
	DefaultWebListen           = "127.0.0.1:8765"
	DefaultTransport           = "sse"
)

// Config is the top-level config.toml document.
type Config struct {
	// Host is the remote agent server base URL.
	Host string `toml:"host"`

	Session SessionSettings `toml:"session"`
	Agent   api.AgentConfig `toml:"agent"`
	Retry   RetrySettings   `toml:"retry"`
	Poller  PollerSettings  `toml:"poller"`
	Stream  StreamSettings  `toml:"stream"`
	Client  ClientSettings  `toml:"client"`
	Logs    LogSettings     `toml:"logs"`
	Web     WebSettings     `toml:"web"`
	State   StateSettings   `toml:"state"`
	UI      UISettings      `toml:"ui"`
}

// SessionSettings names the session `agentsession run` drives by default.
type SessionSettings struct {
	// Name of the remote session. Empty generates an adjective-noun name.
	Name string `toml:"name"`
	// Path is the working directory the agent operates in.
	Path string `toml:"path"`
}

// RetrySettings tunes the orchestrator's backoff states.
type RetrySettings struct {
	// HealthcheckIntervalMS is the delay between failed health checks.
	// Default: 5000
	HealthcheckIntervalMS int `toml:"healthcheck_interval_ms"`

	// CreateIntervalMS is the delay before retrying create, start, reset,
	// init and delete. Default: 1000
	CreateIntervalMS int `toml:"create_interval_ms"`

	// FatalThreshold is the consecutive health check failure count at
	// which the host reports the server as down. Default: 10
	FatalThreshold int `toml:"fatal_threshold"`
}

// PollerSettings tunes the state poller.
type PollerSettings struct {
	// IntervalMS between state fetches. Default: 2000
	IntervalMS int `toml:"interval_ms"`
}

// StreamSettings selects the event stream transport.
type StreamSettings struct {
	// Transport is "sse" (default) or "websocket".
	Transport string `toml:"transport"`
}

// ClientSettings tunes the HTTP client.
type ClientSettings struct {
	// TimeoutSecs per request. Default: 10
	TimeoutSecs int `toml:"timeout_secs"`
	// RateLimit is requests per second; 0 disables limiting.
	RateLimit float64 `toml:"rate_limit"`
	// RateBurst defaults to 1 when RateLimit is set.
	RateBurst int `toml:"rate_burst"`
}

// LogSettings configures structured logging.
type LogSettings struct {
	// Dir for agentsession.log. Default: <home>/logs
	Dir string `toml:"dir"`
	// Level is "debug", "info", "warn" or "error". Default: "info"
	Level string `toml:"level"`
	// Format is "json" (default) or "text".
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
	// AggregateIntervalSecs between event_summary flushes. Default: 30
	AggregateIntervalSecs int `toml:"aggregate_interval_secs"`
}

// WebSettings configures `agentsession serve`.
type WebSettings struct {
	// Listen address. Default: 127.0.0.1:8765
	Listen string `toml:"listen"`
	// Token, when set, is required as a bearer token or ?token= parameter.
	Token string `toml:"token"`
	// Push enables web push alerts. VAPID keys are generated on first use
	// and stored in the home directory.
	Push bool `toml:"push"`
	// PushSubject is the VAPID contact. Default: mailto:agentsession@localhost
	PushSubject string `toml:"push_subject"`
}

// StateSettings configures the SQLite registry store.
type StateSettings struct {
	// DBPath defaults to <home>/state.db.
	DBPath string `toml:"db_path"`
	// Disabled keeps the registry in memory only.
	Disabled bool `toml:"disabled"`
}

// UISettings configures `agentsession tui`.
type UISettings struct {
	// Theme is "dark", "light" or "system" (default), which follows the OS.
	Theme string `toml:"theme"`
}

var (
	cache   *Config
	cacheMu sync.RWMutex
)

// Dir returns the agentsession home directory ($AGENTSESSION_HOME or
// ~/.agentsession).
func Dir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: home directory: %w", err)
	}
	return filepath.Join(home, ".agentsession"), nil
}

// Path returns the config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load returns the cached config, reading it on first use. A missing file
// yields the zero Config. Environment overrides are applied on every load.
func Load() (*Config, error) {
	cacheMu.RLock()
	if cache != nil {
		defer cacheMu.RUnlock()
		return cache, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cache != nil {
		return cache, nil
	}

	path, err := Path()
	if err != nil {
		cache = &Config{}
		cache.applyEnv()
		return cache, nil
	}
	cfg, err := LoadFile(path)
	if err != nil {
		// Cache the defaults so a broken file is reported once.
		cache = &Config{}
		cache.applyEnv()
		return cache, err
	}
	cache = cfg
	return cache, nil
}

// Reload drops the cache and loads again.
func Reload() (*Config, error) {
	ClearCache()
	return Load()
}

// ClearCache makes the next Load read from disk.
func ClearCache() {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
}

// LoadFile decodes path without touching the cache.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg.applyEnv()
		return &cfg, nil
	}
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config: %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(HostEnv); v != "" {
		c.Host = v
	}
	if v := os.Getenv(APIKeyEnv); v != "" {
		c.Agent.APIKey = v
	}
}

// Save writes cfg to the default path and clears the cache.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := SaveFile(path, cfg); err != nil {
		return err
	}
	ClearCache()
	return nil
}

// SaveFile writes cfg to path atomically: temp file, fsync, rename.
func SaveFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# agentsession configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("config: write temp file: %w", err)
	}
	_ = f.Sync()
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config: finalize: %w", err)
	}
	return nil
}

// CreateExample writes a commented example config unless one exists.
// Returns the path and whether a file was written.
func CreateExample() (string, bool, error) {
	path, err := Path()
	if err != nil {
		return "", false, err
	}
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", false, fmt.Errorf("config: create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(exampleConfig), 0o600); err != nil {
		return "", false, fmt.Errorf("config: write example: %w", err)
	}
	return path, true, nil
}

const exampleConfig = `# agentsession configuration
# Environment overrides: AGENTSESSION_HOST, AGENTSESSION_API_KEY

# Remote agent server
host = "http://127.0.0.1:3000"

[session]
# name = "brave-falcon"
# path = "/home/me/project"

[agent]
model = "gpt-4o"
# api_key = ""
# prompt_type = "default"
# api_base = ""

[retry]
# healthcheck_interval_ms = 5000
# create_interval_ms = 1000
# fatal_threshold = 10

[poller]
# interval_ms = 2000

[stream]
# transport = "sse"  # or "websocket"

[client]
# timeout_secs = 10
# rate_limit = 0
# rate_burst = 1

[logs]
# level = "info"
# format = "json"
# max_size_mb = 10
# max_backups = 5
# max_age_days = 10
# compress = false

[web]
# listen = "127.0.0.1:8765"
# token = ""
# push = false
# push_subject = "mailto:me@example.com"

[state]
# db_path = ""
# disabled = false

[ui]
# theme = "system"  # or "dark", "light"
`

// HostOrDefault returns Host or DefaultHost.
func (c *Config) HostOrDefault() string {
	if c.Host != "" {
		return strings.TrimRight(c.Host, "/")
	}
	return DefaultHost
}

// HealthcheckInterval returns the health check retry delay.
func (c *Config) HealthcheckInterval() time.Duration {
	return millisOr(c.Retry.HealthcheckIntervalMS, DefaultHealthcheckInterval)
}

// CreateInterval returns the create/start/reset/init/delete retry delay.
func (c *Config) CreateInterval() time.Duration {
	return millisOr(c.Retry.CreateIntervalMS, DefaultCreateInterval)
}

// FatalThreshold returns the health check failure count considered fatal.
func (c *Config) FatalThreshold() int {
	if c.Retry.FatalThreshold > 0 {
		return c.Retry.FatalThreshold
	}
	return DefaultFatalThreshold
}

// PollInterval returns the state poller interval.
func (c *Config) PollInterval() time.Duration {
	return millisOr(c.Poller.IntervalMS, DefaultPollInterval)
}

// ClientTimeout returns the per-request HTTP timeout.
func (c *Config) ClientTimeout() time.Duration {
	if c.Client.TimeoutSecs > 0 {
		return time.Duration(c.Client.TimeoutSecs) * time.Second
	}
	return DefaultClientTimeout
}

// RateBurst returns the limiter burst, at least 1.
func (c *Config) RateBurst() int {
	if c.Client.RateBurst > 0 {
		return c.Client.RateBurst
	}
	return 1
}

// TransportName returns the stream transport name.
func (c *Config) TransportName() string {
	if c.Stream.Transport != "" {
		return strings.ToLower(c.Stream.Transport)
	}
	return DefaultTransport
}

// WebListen returns the bridge listen address.
func (c *Config) WebListen() string {
	if c.Web.Listen != "" {
		return c.Web.Listen
	}
	return DefaultWebListen
}

// LogDir returns the log directory, defaulting to <home>/logs.
func (c *Config) LogDir() string {
	if c.Logs.Dir != "" {
		return c.Logs.Dir
	}
	dir, err := Dir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "logs")
}

// ThemeName returns the configured UI theme, "system" by default.
func (c *Config) ThemeName() string {
	switch c.UI.Theme {
	case "dark", "light":
		return c.UI.Theme
	}
	return "system"
}

// DBPath returns the SQLite path, or "" when persistence is disabled.
func (c *Config) DBPath() string {
	if c.State.Disabled {
		return ""
	}
	if c.State.DBPath != "" {
		return c.State.DBPath
	}
	dir, err := Dir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "state.db")
}

func millisOr(ms int, def time.Duration) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
