package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPollInterval      = 2 * time.Second
	DefaultMaxWait           = 300 * time.Second
	DefaultMaxUploadBytes    = 512 << 20
	DefaultTempCleanInterval = 30 * time.Minute
	DefaultTempFileTTL       = 2 * time.Hour
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Gemini      GeminiConfig              `json:"gemini"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Proxy       ProxyConfig               `json:"proxy"`
	Redis       RedisConfig               `json:"redis"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Tools       ToolsConfig               `json:"tools"`
}

type BasicConfig struct {
	Host              string   `json:"host"`
	Port              int      `json:"port"`
	PollInterval      Duration `json:"poll_interval"`
	MaxWait           Duration `json:"max_wait"`
	MinWorkers        int      `json:"min_workers"`
	MaxWorkers        int      `json:"max_workers"`
	QueueSize         int      `json:"queue_size"`
	UploadDir         string   `json:"upload_dir"`
	MaxUploadBytes    int64    `json:"max_upload_bytes"`
	TempCleanInterval Duration `json:"temp_clean_interval"`
	TempFileTTL       Duration `json:"temp_file_ttl"`
	// Provider selects the chat model behind ungrounded turns.
	Provider string `json:"provider"`
	// Database selects an entry of Databases for the transcript archive; empty disables it.
	Database string `json:"database"`
}

// GeminiConfig drives the media service and grounded generation.
type GeminiConfig struct {
	APIKey string `json:"api_key"`
	Model  string `json:"model"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

// ProxyConfig holds optional outbound proxies.
type ProxyConfig struct {
	HTTP  string `json:"http"`
	HTTPS string `json:"https"`
}

type RedisConfig struct {
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	DB       int      `json:"db"`
	TTL      Duration `json:"ttl"`
}

// Enabled reports whether a redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type ToolsConfig struct {
	GoogleSearchEngineID string `json:"google_search_engine_id"`
	GoogleSearchAPIKey   string `json:"google_search_api_key"`
	WeatherBaseURL       string `json:"weather_base_url"`
}

// Duration unmarshals from either a Go duration string ("2s") or a number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case string:
		parsed, err := parseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads configuration from the provided path (defaults to config.json)
// and applies environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for name, db := range cfg.Databases {
		if db.DSN != "" && db.DSN != ":memory:" && isSQLite(name) && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	c.Gemini.APIKey = getEnvOrDefault("GOOGLE_API_KEY", c.Gemini.APIKey)
	c.Gemini.Model = getEnvOrDefault("VIDEOCHAT_MODEL", c.Gemini.Model)
	c.Tools.GoogleSearchEngineID = getEnvOrDefault("GOOGLE_SEARCH_ENGINE_ID", c.Tools.GoogleSearchEngineID)
	c.Proxy.HTTP = getEnvOrDefault("HTTP_PROXY", c.Proxy.HTTP)
	c.Proxy.HTTPS = getEnvOrDefault("HTTPS_PROXY", c.Proxy.HTTPS)
	c.BasicConfig.Host = getEnvOrDefault("VIDEOCHAT_HOST", c.BasicConfig.Host)
	c.BasicConfig.Provider = getEnvOrDefault("VIDEOCHAT_PROVIDER", c.BasicConfig.Provider)
	c.BasicConfig.Database = getEnvOrDefault("VIDEOCHAT_DB", c.BasicConfig.Database)

	port, err := parseOptionalIntEnv("VIDEOCHAT_PORT")
	if err != nil {
		return err
	}
	if port != nil {
		c.BasicConfig.Port = *port
	}
	interval, err := parseOptionalDurationEnv("VIDEOCHAT_POLL_INTERVAL")
	if err != nil {
		return err
	}
	if interval != nil {
		c.BasicConfig.PollInterval = Duration(*interval)
	}
	maxWait, err := parseOptionalDurationEnv("VIDEOCHAT_MAX_WAIT")
	if err != nil {
		return err
	}
	if maxWait != nil {
		c.BasicConfig.MaxWait = Duration(*maxWait)
	}

	if addr := strings.TrimSpace(os.Getenv("REDIS_ADDR")); addr != "" {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("invalid REDIS_ADDR value %q: %w", addr, err)
		}
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid REDIS_ADDR port %q: %w", portStr, err)
		}
		c.Redis.Host = host
		c.Redis.Port = p
	}
	return nil
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.Host == "" {
		b.Host = "0.0.0.0"
	}
	if b.Port == 0 {
		b.Port = 5000
	}
	if b.PollInterval <= 0 {
		b.PollInterval = Duration(DefaultPollInterval)
	}
	if b.MaxWait <= 0 {
		b.MaxWait = Duration(DefaultMaxWait)
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 1
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = 8
		if b.MaxWorkers < b.MinWorkers {
			b.MaxWorkers = b.MinWorkers
		}
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}
	if b.UploadDir == "" {
		b.UploadDir = filepath.Join(os.TempDir(), "videochat-uploads")
	}
	if b.MaxUploadBytes <= 0 {
		b.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if b.TempCleanInterval <= 0 {
		b.TempCleanInterval = Duration(DefaultTempCleanInterval)
	}
	if b.TempFileTTL <= 0 {
		b.TempFileTTL = Duration(DefaultTempFileTTL)
	}
	if b.Provider == "" {
		b.Provider = "gemini"
	}
	if c.Gemini.Model == "" {
		c.Gemini.Model = "gemini-2.5-flash"
	}
	if c.Redis.Enabled() && c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.TTL <= 0 {
		c.Redis.TTL = Duration(24 * time.Hour)
	}
}

// Validate checks the options the core cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Gemini.APIKey) == "" {
		return errors.New("GOOGLE_API_KEY must be configured")
	}
	if c.BasicConfig.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if c.BasicConfig.MaxWait < c.BasicConfig.PollInterval {
		return fmt.Errorf("max_wait (%s) must not be shorter than poll_interval (%s)",
			c.BasicConfig.MaxWait.Std(), c.BasicConfig.PollInterval.Std())
	}
	if c.BasicConfig.Database != "" {
		if _, ok := c.Databases[c.BasicConfig.Database]; !ok {
			return fmt.Errorf("database config for %s not found", c.BasicConfig.Database)
		}
	}
	return nil
}

// ServerAddress joins the bind host and port.
func (c *Config) ServerAddress() string {
	return net.JoinHostPort(c.BasicConfig.Host, strconv.Itoa(c.BasicConfig.Port))
}

// Enabled reports whether any proxy is configured.
func (p ProxyConfig) Enabled() bool {
	return p.HTTP != "" || p.HTTPS != ""
}

// ExportEnv publishes the proxies to the process environment so SDKs that
// build their own transports pick them up. Must run before the first request.
func (p ProxyConfig) ExportEnv() {
	if p.HTTP != "" {
		_ = os.Setenv("HTTP_PROXY", p.HTTP)
	}
	if p.HTTPS != "" {
		_ = os.Setenv("HTTPS_PROXY", p.HTTPS)
	}
}

// HTTPClient builds the shared outbound client honouring the configured proxies.
func (p ProxyConfig) HTTPClient(timeout time.Duration) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if p.Enabled() {
		httpURL, err := parseProxyURL(p.HTTP)
		if err != nil {
			return nil, err
		}
		httpsURL, err := parseProxyURL(p.HTTPS)
		if err != nil {
			return nil, err
		}
		transport.Proxy = func(req *http.Request) (*url.URL, error) {
			if req.URL.Scheme == "https" && httpsURL != nil {
				return httpsURL, nil
			}
			if httpURL != nil {
				return httpURL, nil
			}
			return httpsURL, nil
		}
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

func parseProxyURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url %q: %w", raw, err)
	}
	return u, nil
}

func isSQLite(name string) bool {
	name = strings.ToLower(name)
	return name == "sqlite" || name == "sqlite3"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalIntEnv(key string) (*int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalDurationEnv(key string) (*time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}
	val, err := parseDuration(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

// parseDuration accepts "2s"-style strings and bare seconds.
func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(value)
}
