package uci

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents the geotrack configuration
type Config struct {
	// Main configuration
	DefaultCity      string `json:"default_city"`
	LogLevel         string `json:"log_level"`
	Listen           string `json:"listen"`
	MetricsListen    string `json:"metrics_listen"`
	AgentID          string `json:"agent_id"`
	Device           string `json:"device"`
	StarlinkAddr     string `json:"starlink_addr"`
	CacheTTLS        int    `json:"cache_ttl_s"`
	SearchDebounceMS int    `json:"search_debounce_ms"`
	GPSAttempts      int    `json:"gps_attempts"`
	GPSRetryDelayMS  int    `json:"gps_retry_delay_ms"`
	GPSTimeoutMS     int    `json:"gps_timeout_ms"`
	IPTimeoutMS      int    `json:"ip_timeout_ms"`
	DisableFallback  bool   `json:"disable_fallback"`
	StrictConfig     bool   `json:"strict_config"`
	ReconnectS       int    `json:"reconnect_s"`

	Backend  BackendConfig  `json:"backend"`
	Presence PresenceConfig `json:"presence"`

	// IP geolocation providers, in declaration order
	IPGeo []IPGeoConfig `json:"ipgeo"`
}

// BackendConfig holds connection strings for the stores. Empty means disabled.
type BackendConfig struct {
	ElasticURL   string `json:"elastic_url"`
	ElasticIndex string `json:"elastic_index"`
	GoogleAPIKey string `json:"google_api_key"`
	PostgresDSN  string `json:"postgres_dsn"`
	SQLitePath   string `json:"sqlite_path"`
	RedisURL     string `json:"redis_url"`
	AMQPURL      string `json:"amqp_url"`
	AMQPExchange string `json:"amqp_exchange"`
}

// PresenceConfig selects and configures the realtime presence transport
type PresenceConfig struct {
	Transport   string `json:"transport"`
	MQTTBroker  string `json:"mqtt_broker"`
	MQTTPort    int    `json:"mqtt_port"`
	TopicPrefix string `json:"topic_prefix"`
	WSURL       string `json:"ws_url"`
	Channel     string `json:"channel"`
}

// IPGeoConfig describes one IP geolocation provider
type IPGeoConfig struct {
	Name       string  `json:"name"`
	Format     string  `json:"format"`
	URL        string  `json:"url"`
	Enabled    bool    `json:"enabled"`
	RatePerSec float64 `json:"rate_per_sec"`
}

// Default configuration values
const (
	DefaultCity             = "Kinshasa"
	DefaultLogLevel         = "info"
	DefaultListen           = ":8080"
	DefaultDevice           = "gpsd"
	DefaultStarlinkAddr     = "192.168.100.1:9200"
	DefaultCacheTTLS        = 600
	DefaultSearchDebounceMS = 200
	DefaultGPSAttempts      = 3
	DefaultGPSRetryDelayMS  = 1500
	DefaultGPSTimeoutMS     = 5000
	DefaultIPTimeoutMS      = 2500
	DefaultReconnectS       = 30
	DefaultElasticIndex     = "places"
	DefaultAMQPExchange     = "location_fanout"
	DefaultMQTTPort         = 1883
	DefaultTopicPrefix      = "geotrack"
	DefaultPresenceChannel  = "agents-presence"
)

// LoadConfig loads and validates the geotrack configuration file.
// A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg.finish()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.parseUCI(string(data)); err != nil {
		return nil, fmt.Errorf("failed to parse UCI config: %w", err)
	}
	cfg.finish()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns a validated default configuration
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	cfg.finish()
	return cfg
}

// setDefaults sets default values for the configuration
func (c *Config) setDefaults() {
	c.DefaultCity = DefaultCity
	c.LogLevel = DefaultLogLevel
	c.Listen = DefaultListen
	c.Device = DefaultDevice
	c.StarlinkAddr = DefaultStarlinkAddr
	c.CacheTTLS = DefaultCacheTTLS
	c.SearchDebounceMS = DefaultSearchDebounceMS
	c.GPSAttempts = DefaultGPSAttempts
	c.GPSRetryDelayMS = DefaultGPSRetryDelayMS
	c.GPSTimeoutMS = DefaultGPSTimeoutMS
	c.IPTimeoutMS = DefaultIPTimeoutMS
	c.ReconnectS = DefaultReconnectS
	c.Backend.ElasticIndex = DefaultElasticIndex
	c.Backend.AMQPExchange = DefaultAMQPExchange
	c.Presence.Transport = "none"
	c.Presence.MQTTPort = DefaultMQTTPort
	c.Presence.TopicPrefix = DefaultTopicPrefix
	c.Presence.Channel = DefaultPresenceChannel
}

// finish fills in the stock providers when the file declared none
func (c *Config) finish() {
	if len(c.IPGeo) == 0 {
		c.IPGeo = DefaultIPGeo()
	}
}

// DefaultIPGeo returns the three keyless providers used out of the box
func DefaultIPGeo() []IPGeoConfig {
	return []IPGeoConfig{
		{Name: "ipapi", Format: "ipapi", URL: "https://ipapi.co/json/", Enabled: true, RatePerSec: 1},
		{Name: "ipwhois", Format: "ipwhois", URL: "https://ipwho.is/", Enabled: true, RatePerSec: 1},
		{Name: "freeipapi", Format: "freeipapi", URL: "https://freeipapi.com/api/json", Enabled: true, RatePerSec: 1},
	}
}

// parseUCI parses configuration text in the UCI file format
func (c *Config) parseUCI(data string) error {
	var sectionType, sectionName string

	for n, raw := range strings.Split(data, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := splitFields(line)
		switch parts[0] {
		case "config":
			if len(parts) < 2 {
				return fmt.Errorf("line %d: config without type", n+1)
			}
			sectionType = parts[1]
			sectionName = ""
			if len(parts) >= 3 {
				sectionName = parts[2]
			}
			if sectionType == "ipgeo" {
				c.IPGeo = append(c.IPGeo, IPGeoConfig{Name: sectionName, Format: sectionName, Enabled: true, RatePerSec: 1})
			}
		case "option":
			if len(parts) < 3 {
				return fmt.Errorf("line %d: option without value", n+1)
			}
			c.applyOption(sectionType, parts[1], parts[2])
		case "list":
			// no list-valued options
		default:
			return fmt.Errorf("line %d: unexpected keyword %q", n+1, parts[0])
		}
	}

	return nil
}

// applyOption routes one option to its section
func (c *Config) applyOption(sectionType, option, value string) {
	switch sectionType {
	case "geotrack":
		c.parseMainOption(option, value)
	case "backend":
		c.parseBackendOption(option, value)
	case "presence":
		c.parsePresenceOption(option, value)
	case "ipgeo":
		if len(c.IPGeo) > 0 {
			c.parseIPGeoOption(&c.IPGeo[len(c.IPGeo)-1], option, value)
		}
	}
}

// splitFields splits a UCI line on whitespace, honouring single and double quotes
func splitFields(line string) []string {
	var fields []string
	var cur strings.Builder
	var quote rune
	inField := false

	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inField = true
		case r == ' ' || r == '\t':
			if inField {
				fields = append(fields, cur.String())
				cur.Reset()
				inField = false
			}
		default:
			cur.WriteRune(r)
			inField = true
		}
	}
	if inField {
		fields = append(fields, cur.String())
	}
	return fields
}

// parseMainOption parses a main configuration option
func (c *Config) parseMainOption(option, value string) {
	switch option {
	case "default_city":
		if value != "" {
			c.DefaultCity = value
		}
	case "log_level":
		if isValidLogLevel(value) {
			c.LogLevel = value
		}
	case "listen":
		c.Listen = value
	case "metrics_listen":
		c.MetricsListen = value
	case "agent_id":
		c.AgentID = value
	case "device":
		if isValidDevice(value) {
			c.Device = value
		}
	case "starlink_addr":
		c.StarlinkAddr = value
	case "cache_ttl_s":
		if v, err := strconv.Atoi(value); err == nil {
			c.CacheTTLS = v
		}
	case "search_debounce_ms":
		if v, err := strconv.Atoi(value); err == nil {
			c.SearchDebounceMS = v
		}
	case "gps_attempts":
		if v, err := strconv.Atoi(value); err == nil {
			c.GPSAttempts = v
		}
	case "gps_retry_delay_ms":
		if v, err := strconv.Atoi(value); err == nil {
			c.GPSRetryDelayMS = v
		}
	case "gps_timeout_ms":
		if v, err := strconv.Atoi(value); err == nil {
			c.GPSTimeoutMS = v
		}
	case "ip_timeout_ms":
		if v, err := strconv.Atoi(value); err == nil {
			c.IPTimeoutMS = v
		}
	case "disable_fallback":
		c.DisableFallback = value == "1"
	case "strict_config":
		c.StrictConfig = value == "1"
	case "reconnect_s":
		if v, err := strconv.Atoi(value); err == nil {
			c.ReconnectS = v
		}
	}
}

// parseBackendOption parses a backend section option
func (c *Config) parseBackendOption(option, value string) {
	switch option {
	case "elastic_url":
		c.Backend.ElasticURL = value
	case "elastic_index":
		c.Backend.ElasticIndex = value
	case "google_api_key":
		c.Backend.GoogleAPIKey = value
	case "postgres_dsn":
		c.Backend.PostgresDSN = value
	case "sqlite_path":
		c.Backend.SQLitePath = value
	case "redis_url":
		c.Backend.RedisURL = value
	case "amqp_url":
		c.Backend.AMQPURL = value
	case "amqp_exchange":
		c.Backend.AMQPExchange = value
	}
}

// parsePresenceOption parses a presence section option
func (c *Config) parsePresenceOption(option, value string) {
	switch option {
	case "transport":
		if isValidTransport(value) {
			c.Presence.Transport = value
		}
	case "mqtt_broker":
		c.Presence.MQTTBroker = value
	case "mqtt_port":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.Presence.MQTTPort = v
		}
	case "topic_prefix":
		c.Presence.TopicPrefix = value
	case "ws_url":
		c.Presence.WSURL = value
	case "channel":
		c.Presence.Channel = value
	}
}

// parseIPGeoOption parses an ipgeo provider option
func (c *Config) parseIPGeoOption(p *IPGeoConfig, option, value string) {
	switch option {
	case "url":
		p.URL = value
	case "format":
		p.Format = value
	case "enabled":
		p.Enabled = value == "1"
	case "rate_per_sec":
		if v, err := strconv.ParseFloat(value, 64); err == nil && v > 0 {
			p.RatePerSec = v
		}
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.CacheTTLS < 1 || c.CacheTTLS > 86400 {
		return fmt.Errorf("cache_ttl_s must be between 1 and 86400")
	}

	if c.SearchDebounceMS < 0 || c.SearchDebounceMS > 5000 {
		return fmt.Errorf("search_debounce_ms must be between 0 and 5000")
	}

	if c.GPSAttempts < 1 || c.GPSAttempts > 10 {
		return fmt.Errorf("gps_attempts must be between 1 and 10")
	}

	if c.GPSTimeoutMS < 100 || c.GPSTimeoutMS > 15000 {
		return fmt.Errorf("gps_timeout_ms must be between 100 and 15000")
	}

	if c.IPTimeoutMS < 100 || c.IPTimeoutMS > 30000 {
		return fmt.Errorf("ip_timeout_ms must be between 100 and 30000")
	}

	if c.ReconnectS < 1 || c.ReconnectS > 3600 {
		return fmt.Errorf("reconnect_s must be between 1 and 3600")
	}

	if c.Presence.Transport == "mqtt" && c.Presence.MQTTBroker == "" {
		return fmt.Errorf("presence transport mqtt requires mqtt_broker")
	}

	if c.Presence.Transport == "websocket" && c.Presence.WSURL == "" {
		return fmt.Errorf("presence transport websocket requires ws_url")
	}

	for _, p := range c.IPGeo {
		if p.Enabled && p.URL == "" {
			return fmt.Errorf("ipgeo %q has no url", p.Name)
		}
		if !isValidFormat(p.Format) {
			return fmt.Errorf("ipgeo %q has unknown format %q", p.Name, p.Format)
		}
	}

	return nil
}

// CacheTTL returns the position cache lifetime
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLS) * time.Second
}

// SearchDebounce returns the search debounce window
func (c *Config) SearchDebounce() time.Duration {
	return time.Duration(c.SearchDebounceMS) * time.Millisecond
}

// GPSRetryDelay returns the base GPS backoff delay
func (c *Config) GPSRetryDelay() time.Duration {
	return time.Duration(c.GPSRetryDelayMS) * time.Millisecond
}

// GPSTimeout returns the first-attempt GPS timeout
func (c *Config) GPSTimeout() time.Duration {
	return time.Duration(c.GPSTimeoutMS) * time.Millisecond
}

// IPTimeout returns the per-provider IP lookup bound
func (c *Config) IPTimeout() time.Duration {
	return time.Duration(c.IPTimeoutMS) * time.Millisecond
}

// ReconnectDelay returns the tracker reconnection delay
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectS) * time.Second
}

// Helper functions for validation
func isValidLogLevel(level string) bool {
	return oneOf(level, "debug", "info", "warn", "error")
}

func isValidDevice(device string) bool {
	return oneOf(device, "gpsd", "starlink", "none")
}

func isValidTransport(transport string) bool {
	return oneOf(transport, "mqtt", "websocket", "none")
}

func isValidFormat(format string) bool {
	return oneOf(format, "ipapi", "ipwhois", "freeipapi")
}

func oneOf(v string, valid ...string) bool {
	for _, s := range valid {
		if v == s {
			return true
		}
	}
	return false
}
