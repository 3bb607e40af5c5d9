package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	BrandName string          `yaml:"brand_name"`
	SecretKey string          `yaml:"secret_key"`
	HTTP      HTTPConfig      `yaml:"http"`
	Panel     PanelConfig     `yaml:"panel"`
	Capture   CaptureConfig   `yaml:"capture"`
	Sync      SyncConfig      `yaml:"sync"`
	Probe     ProbeConfig     `yaml:"probe"`
	GeoIP     GeoIPConfig     `yaml:"geoip"`
	Servers   []ServerConfig  `yaml:"servers"`
	Profiles  []ProfileConfig `yaml:"profiles"`
	Notifiers []NotifyConfig  `yaml:"notifiers"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type HTTPConfig struct {
	Listen     string `yaml:"listen"`
	PublicURL  string `yaml:"public_url"` // e.g. https://sub.example.com
	AdminToken string `yaml:"admin_token"`

	// Requests per second per client IP on /sub; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type PanelConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Retries  int           `yaml:"retries"`
	ProxyURL string        `yaml:"proxy_url"` // optional socks5:// or http:// upstream

	// Share links raced through a local xray instance; the first one that
	// passes the probe URL carries panel traffic instead of proxy_url.
	ProxyLinks []string `yaml:"proxy_links"`
}

type CaptureConfig struct {
	SessionTTL time.Duration `yaml:"session_ttl"`
	Validate   bool          `yaml:"validate"`
}

type SyncConfig struct {
	Schedule string `yaml:"schedule"` // cron expression, empty disables
}

type ProbeConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

type GeoIPConfig struct {
	ASNPath     string `yaml:"asn_path"`
	CountryPath string `yaml:"country_path"`
}

type ServerConfig struct {
	Name                string `yaml:"name"`
	PanelType           string `yaml:"panel_type"`
	PanelURL            string `yaml:"panel_url"`
	SubscriptionBaseURL string `yaml:"subscription_base_url"`
	Username            string `yaml:"username"`
	Password            string `yaml:"password"`
	Active              *bool  `yaml:"active"`
	Inbounds            []int  `yaml:"inbounds"`
}

func (s ServerConfig) IsActive() bool {
	return s.Active == nil || *s.Active
}

type ProfileConfig struct {
	Name     string              `yaml:"name"`
	Inbounds []ProfileInboundRef `yaml:"inbounds"`
}

type ProfileInboundRef struct {
	Server    string `yaml:"server"`
	InboundID int    `yaml:"inbound_id"`
}

type NotifyConfig struct {
	Name   string                 `yaml:"name"`
	Type   string                 `yaml:"type"`
	Params map[string]interface{} `yaml:"params"`
}

const secretKeyEnv = "ALAMOR_SECRET_KEY"

func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML bytes on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}

	if v := os.Getenv(secretKeyEnv); v != "" {
		cfg.SecretKey = v
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Default() *Config {
	var cfg Config
	cfg.Database.Path = "alamor.db"
	cfg.BrandName = "alamor"
	cfg.HTTP.Listen = ":8080"
	cfg.HTTP.RateLimit = 5
	cfg.HTTP.RateBurst = 10
	cfg.Panel.Timeout = 10 * time.Second
	cfg.Panel.Retries = 2
	cfg.Capture.SessionTTL = 30 * time.Minute
	cfg.Probe.URL = "https://www.gstatic.com/generate_204"
	cfg.Probe.Timeout = 8 * time.Second
	cfg.Probe.Retries = 1
	cfg.GeoIP.ASNPath = "GeoLite2-ASN.mmdb"
	cfg.GeoIP.CountryPath = "GeoLite2-Country.mmdb"
	return &cfg
}

func (c *Config) validate() error {
	if c.Panel.Timeout <= 0 {
		return fmt.Errorf("panel.timeout must be positive")
	}
	if c.Panel.Retries < 0 {
		c.Panel.Retries = 0
	}
	if c.Capture.SessionTTL <= 0 {
		c.Capture.SessionTTL = 30 * time.Minute
	}
	c.HTTP.PublicURL = strings.TrimRight(c.HTTP.PublicURL, "/")

	seen := make(map[string]bool)
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Name == "" {
			return fmt.Errorf("servers[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("servers[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		if s.PanelType == "" {
			s.PanelType = "x-ui"
		}
		if s.PanelURL == "" {
			return fmt.Errorf("server %s: panel_url is required", s.Name)
		}
	}

	for _, p := range c.Profiles {
		for _, ref := range p.Inbounds {
			if !seen[ref.Server] {
				return fmt.Errorf("profile %s: unknown server %q", p.Name, ref.Server)
			}
		}
	}
	return nil
}

// SubscriptionURL is the public address of a subscription document.
func (c *Config) SubscriptionURL(subID string) string {
	return c.HTTP.PublicURL + "/sub/" + subID
}

func (c *Config) FilterServers(names []string) {
	if len(names) == 0 {
		return
	}
	whitelist := make(map[string]bool)
	for _, n := range names {
		whitelist[n] = true
	}
	var filtered []ServerConfig
	for _, item := range c.Servers {
		if whitelist[item.Name] {
			filtered = append(filtered, item)
		}
	}
	c.Servers = filtered
}

func (c *Config) FilterNotifiers(names []string) {
	if len(names) == 0 {
		return
	}
	whitelist := make(map[string]bool)
	for _, n := range names {
		whitelist[n] = true
	}
	var filtered []NotifyConfig
	for _, item := range c.Notifiers {
		if whitelist[item.Name] {
			filtered = append(filtered, item)
		}
	}
	c.Notifiers = filtered
}
