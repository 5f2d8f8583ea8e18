package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Node     NodeConfig     `json:"node"`
	Gossip   GossipConfig   `json:"gossip"`
	Provider ProviderConfig `json:"provider"`
	Network  NetworkConfig  `json:"network"`
	Cache    CacheConfig    `json:"cache"`
	Redis    RedisConfig    `json:"redis"`
	GeoIP    GeoIPConfig    `json:"geoip"`
	MongoDB  MongoDBConfig  `json:"mongodb"`
	Discord  DiscordConfig  `json:"discord"`
	Log      LogConfig      `json:"log"`
}

type ServerConfig struct {
	Port           int      `json:"port"`
	Host           string   `json:"host"`
	AllowedOrigins []string `json:"allowed_origins"`
	SeedNodes      []string `json:"seed_nodes"` // ws://host:port/mesh
}

type NodeConfig struct {
	ID              string `json:"id"` // generated when empty
	ProtocolVersion string `json:"protocol_version"`
	MinPeerVersion  string `json:"min_peer_version"`
}

type GossipConfig struct {
	InitialTTL           int     `json:"initial_ttl"`
	DedupCapacity        int     `json:"dedup_capacity"`
	DedupTTL             int     `json:"dedup_ttl_seconds"`
	SendTimeout          int     `json:"send_timeout_seconds"`
	MaxClockSkew         int     `json:"max_clock_skew_seconds"`
	InboundRatePerSecond float64 `json:"inbound_rate_per_second"`
	InboundBurst         int     `json:"inbound_burst"`
	SubscriberBuffer     int     `json:"subscriber_buffer"`
}

type ProviderConfig struct {
	APIKey             string            `json:"api_key"` // enables provider mode at startup when set
	APIBaseURL         string            `json:"api_base_url"`
	Symbols            []string          `json:"symbols"`
	Blockchains        map[string]string `json:"blockchains"` // symbol -> chain name
	FetchInterval      int               `json:"fetch_interval_seconds"`
	FetchTimeout       int               `json:"fetch_timeout_seconds"`
	CoordinationWindow int               `json:"coordination_window_seconds"`
	StaleRecordAfter   int               `json:"stale_record_after_seconds"`
	MaxAttempts        int               `json:"max_attempts"`
	InitialBackoff     int               `json:"initial_backoff_millis"`
	FailureThreshold   int               `json:"failure_threshold"`
	SuccessThreshold   int               `json:"success_threshold"`
	BreakerCooldown    int               `json:"breaker_cooldown_seconds"`
}

type NetworkConfig struct {
	StaleThreshold  int `json:"stale_threshold_minutes"`
	ExtendedOffline int `json:"extended_offline_seconds"`
	ProviderTimeout int `json:"provider_timeout_seconds"`
	DialRetry       int `json:"dial_retry_seconds"`
}

type CacheConfig struct {
	WarmTTL         int `json:"warm_ttl_seconds"`
	PersistInterval int `json:"persist_interval_seconds"`
}

type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Enabled   bool   `json:"enabled"`
	UseTLS    bool   `json:"use_tls"`
	KeyPrefix string `json:"key_prefix"`
}

type GeoIPConfig struct {
	DBPath string `json:"db_path"`
}

type MongoDBConfig struct {
	URI      string `json:"uri"`
	Database string `json:"database"`
	Enabled  bool   `json:"enabled"`
}

type DiscordConfig struct {
	Token     string `json:"token"`
	ChannelID string `json:"channel_id"`
}

type LogConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// Default returns the built-in configuration before file/env/flag overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			Host:           "0.0.0.0",
			AllowedOrigins: []string{"*"},
			SeedNodes:      []string{},
		},
		Node: NodeConfig{
			ProtocolVersion: "1.2.0",
			MinPeerVersion:  "1.0.0",
		},
		Gossip: GossipConfig{
			InitialTTL:           10,
			DedupCapacity:        10000,
			DedupTTL:             300,
			SendTimeout:          5,
			MaxClockSkew:         30,
			InboundRatePerSecond: 50,
			InboundBurst:         100,
			SubscriberBuffer:     64,
		},
		Provider: ProviderConfig{
			APIBaseURL: "https://api.coinmarketcap.com",
			Symbols:    []string{"BTC", "ETH", "SOL", "NEAR", "APT", "SUI"},
			Blockchains: map[string]string{
				"BTC":  "bitcoin",
				"ETH":  "ethereum",
				"SOL":  "solana",
				"NEAR": "near",
				"APT":  "aptos",
				"SUI":  "sui",
			},
			FetchInterval:      30,
			FetchTimeout:       10,
			CoordinationWindow: 5,
			StaleRecordAfter:   300,
			MaxAttempts:        3,
			InitialBackoff:     100,
			FailureThreshold:   5,
			SuccessThreshold:   2,
			BreakerCooldown:    30,
		},
		Network: NetworkConfig{
			StaleThreshold:  60,
			ExtendedOffline: 600,
			ProviderTimeout: 90, // three missed fetch cycles
			DialRetry:       15,
		},
		Cache: CacheConfig{
			WarmTTL:         3600,
			PersistInterval: 300,
		},
		Redis: RedisConfig{
			Address:   "localhost:6379",
			Password:  "",
			DB:        0,
			Enabled:   true,
			UseTLS:    false,
			KeyPrefix: "meshprice:",
		},
		GeoIP: GeoIPConfig{
			DBPath: "",
		},
		MongoDB: MongoDBConfig{
			URI:      "mongodb://localhost:27017",
			Database: "meshprice",
			Enabled:  true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func LoadConfig() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := Default()

	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		configPath = "config/config.json"
	}

	if _, err := os.Stat(configPath); err == nil {
		file, err := os.Open(configPath)
		if err == nil {
			defer file.Close()
			if err := json.NewDecoder(file).Decode(cfg); err != nil {
				return nil, fmt.Errorf("decode config file %s: %w", configPath, err)
			}
		}
	}

	// Environment overrides the config file
	loadEnv(cfg)

	// Command-line flags override everything
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var serverPort int
	var serverHost string
	var providerKey string

	fs.IntVar(&serverPort, "port", 0, "Server port")
	fs.StringVar(&serverHost, "host", "", "Server host")
	fs.StringVar(&providerKey, "provider-key", "", "Upstream price API key (enables provider mode)")

	_ = fs.Parse(os.Args[1:])

	if isFlagPassed(fs, "port") {
		cfg.Server.Port = serverPort
	}
	if isFlagPassed(fs, "host") {
		cfg.Server.Host = serverHost
	}
	if isFlagPassed(fs, "provider-key") {
		cfg.Provider.APIKey = providerKey
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the mesh cannot run with.
func (c *Config) Validate() error {
	if c.Gossip.InitialTTL < 0 || c.Gossip.InitialTTL > 255 {
		return fmt.Errorf("gossip.initial_ttl must be within 0..255, got %d", c.Gossip.InitialTTL)
	}
	if c.Gossip.DedupCapacity <= 0 {
		return fmt.Errorf("gossip.dedup_capacity must be positive, got %d", c.Gossip.DedupCapacity)
	}
	if c.Gossip.DedupTTL <= 0 {
		return fmt.Errorf("gossip.dedup_ttl_seconds must be positive, got %d", c.Gossip.DedupTTL)
	}
	if c.Provider.FetchInterval <= 0 {
		return fmt.Errorf("provider.fetch_interval_seconds must be positive, got %d", c.Provider.FetchInterval)
	}
	if c.Provider.MaxAttempts <= 0 {
		return fmt.Errorf("provider.max_attempts must be positive, got %d", c.Provider.MaxAttempts)
	}
	if len(c.Provider.Symbols) == 0 {
		return fmt.Errorf("provider.symbols must not be empty")
	}
	return nil
}

func isFlagPassed(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if p, err := strconv.Atoi(val); err == nil {
			*dst = p
		}
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(name); val != "" {
		*dst = val == "true" || val == "1"
	}
}

func envString(name string, dst *string) {
	if val := os.Getenv(name); val != "" {
		*dst = val
	}
}

func envList(name string, dst *[]string) {
	if val := os.Getenv(name); val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func loadEnv(cfg *Config) {
	// Server configuration
	envInt("SERVER_PORT", &cfg.Server.Port)
	envString("SERVER_HOST", &cfg.Server.Host)
	envList("ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)
	envList("SEED_NODES", &cfg.Server.SeedNodes)

	// Node identity
	envString("NODE_ID", &cfg.Node.ID)
	envString("PROTOCOL_VERSION", &cfg.Node.ProtocolVersion)
	envString("MIN_PEER_VERSION", &cfg.Node.MinPeerVersion)

	// Gossip
	envInt("GOSSIP_INITIAL_TTL", &cfg.Gossip.InitialTTL)
	envInt("GOSSIP_DEDUP_CAPACITY", &cfg.Gossip.DedupCapacity)
	envInt("GOSSIP_DEDUP_TTL", &cfg.Gossip.DedupTTL)
	envInt("GOSSIP_SEND_TIMEOUT", &cfg.Gossip.SendTimeout)
	envInt("GOSSIP_MAX_CLOCK_SKEW", &cfg.Gossip.MaxClockSkew)
	if val := os.Getenv("GOSSIP_INBOUND_RATE"); val != "" {
		if p, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Gossip.InboundRatePerSecond = p
		}
	}
	envInt("GOSSIP_INBOUND_BURST", &cfg.Gossip.InboundBurst)

	// Provider
	envString("PROVIDER_API_KEY", &cfg.Provider.APIKey)
	envString("PROVIDER_API_URL", &cfg.Provider.APIBaseURL)
	envList("PROVIDER_SYMBOLS", &cfg.Provider.Symbols)
	envInt("PROVIDER_FETCH_INTERVAL", &cfg.Provider.FetchInterval)
	envInt("PROVIDER_FETCH_TIMEOUT", &cfg.Provider.FetchTimeout)
	envInt("COORDINATION_WINDOW", &cfg.Provider.CoordinationWindow)
	envInt("PROVIDER_MAX_ATTEMPTS", &cfg.Provider.MaxAttempts)
	envInt("BREAKER_COOLDOWN", &cfg.Provider.BreakerCooldown)

	// Network health
	envInt("STALE_THRESHOLD", &cfg.Network.StaleThreshold)
	envInt("EXTENDED_OFFLINE_THRESHOLD", &cfg.Network.ExtendedOffline)
	envInt("PROVIDER_TIMEOUT", &cfg.Network.ProviderTimeout)

	// Cache
	envInt("CACHE_WARM_TTL", &cfg.Cache.WarmTTL)
	envInt("CACHE_PERSIST_INTERVAL", &cfg.Cache.PersistInterval)

	// Redis
	envString("REDIS_ADDRESS", &cfg.Redis.Address)
	envString("REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("REDIS_DB", &cfg.Redis.DB)
	envBool("REDIS_ENABLED", &cfg.Redis.Enabled)
	envBool("REDIS_USE_TLS", &cfg.Redis.UseTLS)
	envString("REDIS_KEY_PREFIX", &cfg.Redis.KeyPrefix)

	// GeoIP
	envString("GEOIP_DB_PATH", &cfg.GeoIP.DBPath)

	// MongoDB
	envString("MONGODB_URI", &cfg.MongoDB.URI)
	envString("MONGODB_DATABASE", &cfg.MongoDB.Database)
	envBool("MONGODB_ENABLED", &cfg.MongoDB.Enabled)

	// Discord
	envString("DISCORD_BOT_TOKEN", &cfg.Discord.Token)
	envString("DISCORD_CHANNEL_ID", &cfg.Discord.ChannelID)

	// Logging
	envString("LOG_LEVEL", &cfg.Log.Level)
	envBool("LOG_DEVELOPMENT", &cfg.Log.Development)
}

// Helper methods for duration conversion
func (c *Config) FetchIntervalDuration() time.Duration {
	return time.Duration(c.Provider.FetchInterval) * time.Second
}

func (c *Config) FetchTimeoutDuration() time.Duration {
	return time.Duration(c.Provider.FetchTimeout) * time.Second
}

func (c *Config) CoordinationWindowDuration() time.Duration {
	return time.Duration(c.Provider.CoordinationWindow) * time.Second
}

func (c *Config) StaleRecordDuration() time.Duration {
	return time.Duration(c.Provider.StaleRecordAfter) * time.Second
}

func (c *Config) InitialBackoffDuration() time.Duration {
	return time.Duration(c.Provider.InitialBackoff) * time.Millisecond
}

func (c *Config) BreakerCooldownDuration() time.Duration {
	return time.Duration(c.Provider.BreakerCooldown) * time.Second
}

func (c *Config) DedupTTLDuration() time.Duration {
	return time.Duration(c.Gossip.DedupTTL) * time.Second
}

func (c *Config) SendTimeoutDuration() time.Duration {
	return time.Duration(c.Gossip.SendTimeout) * time.Second
}

func (c *Config) MaxClockSkewDuration() time.Duration {
	return time.Duration(c.Gossip.MaxClockSkew) * time.Second
}

func (c *Config) StaleThresholdDuration() time.Duration {
	return time.Duration(c.Network.StaleThreshold) * time.Minute
}

func (c *Config) ExtendedOfflineDuration() time.Duration {
	return time.Duration(c.Network.ExtendedOffline) * time.Second
}

func (c *Config) ProviderTimeoutDuration() time.Duration {
	return time.Duration(c.Network.ProviderTimeout) * time.Second
}

func (c *Config) DialRetryDuration() time.Duration {
	return time.Duration(c.Network.DialRetry) * time.Second
}

func (c *Config) WarmTTLDuration() time.Duration {
	return time.Duration(c.Cache.WarmTTL) * time.Second
}

func (c *Config) PersistIntervalDuration() time.Duration {
	return time.Duration(c.Cache.PersistInterval) * time.Second
}
