package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "ROOMQUILL_"

type Config struct {
	Log struct {
		Level      string `yaml:"level"`
		ShowCaller bool   `yaml:"show_caller"`
	} `yaml:"log"`

	Redis struct {
		Addr      string `yaml:"addr"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	// Storage selects where room namespaces live: "redis" (default) or "mongo".
	// Membership always uses Redis.
	Storage struct {
		Backend string `yaml:"backend"`
	} `yaml:"storage"`

	Mongo struct {
		URI        string `yaml:"uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	} `yaml:"mongo"`

	Room struct {
		ID          string `yaml:"id"`
		UID         string `yaml:"uid"`
		NickName    string `yaml:"nickname"`
		Writable    bool   `yaml:"writable"`
		StrokeColor []int  `yaml:"stroke_color"`

		MemberTTL         string `yaml:"member_ttl"`
		HeartbeatInterval string `yaml:"heartbeat_interval"`
		PollInterval      string `yaml:"poll_interval"`
	} `yaml:"room"`

	Sync struct {
		OptimizeAt  int    `yaml:"optimize_at"`
		FlagTimeout string `yaml:"flag_timeout"`
	} `yaml:"sync"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

// Default returns a config with every default applied.
func Default() *Config {
	c := &Config{}
	c.Room.Writable = true
	c.applyDefaults()
	return c
}

// Load reads the YAML file at path, then applies environment overrides and defaults.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	c := &Config{}
	c.Room.Writable = true
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadEnvFile loads a .env file into the process environment. A missing file is not an error.
func LoadEnvFile(path string) {
	if path == "" {
		path = ".env"
	}
	_ = godotenv.Load(path)
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "roomquill"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "redis"
	}
	if c.Mongo.URI == "" {
		c.Mongo.URI = "mongodb://localhost:27017/?replicaSet=rs0"
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "roomquill"
	}
	if c.Mongo.Collection == "" {
		c.Mongo.Collection = "rooms"
	}
	if c.Room.ID == "" {
		c.Room.ID = "default"
	}
	if c.Room.MemberTTL == "" {
		c.Room.MemberTTL = "30s"
	}
	if c.Room.HeartbeatInterval == "" {
		c.Room.HeartbeatInterval = "10s"
	}
	if c.Room.PollInterval == "" {
		c.Room.PollInterval = "5s"
	}
	if c.Sync.OptimizeAt == 0 {
		c.Sync.OptimizeAt = 1000
	}
	if c.Sync.FlagTimeout == "" {
		c.Sync.FlagTimeout = "3s"
	}
}

func (c *Config) applyEnv() error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
	str("LOG_LEVEL", &c.Log.Level)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("KEY_PREFIX", &c.Redis.KeyPrefix)
	str("STORAGE", &c.Storage.Backend)
	str("MONGO_URI", &c.Mongo.URI)
	str("MONGO_DATABASE", &c.Mongo.Database)
	str("ROOM", &c.Room.ID)
	str("UID", &c.Room.UID)
	str("NICKNAME", &c.Room.NickName)
	str("FLAG_TIMEOUT", &c.Sync.FlagTimeout)
	str("METRICS_ADDR", &c.Metrics.Addr)

	if v, ok := os.LookupEnv(EnvPrefix + "LOG_SHOW_CALLER"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sLOG_SHOW_CALLER: %w", EnvPrefix, err)
		}
		c.Log.ShowCaller = b
	}
	if v, ok := os.LookupEnv(EnvPrefix + "WRITABLE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sWRITABLE: %w", EnvPrefix, err)
		}
		c.Room.Writable = b
	}
	if v, ok := os.LookupEnv(EnvPrefix + "REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREDIS_DB: %w", EnvPrefix, err)
		}
		c.Redis.DB = n
	}
	if v, ok := os.LookupEnv(EnvPrefix + "OPTIMIZE_AT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sOPTIMIZE_AT: %w", EnvPrefix, err)
		}
		c.Sync.OptimizeAt = n
	}
	// "255,165,0"
	if v, ok := os.LookupEnv(EnvPrefix + "STROKE_COLOR"); ok {
		color, err := parseColor(v)
		if err != nil {
			return fmt.Errorf("%sSTROKE_COLOR: %w", EnvPrefix, err)
		}
		c.Room.StrokeColor = color
	}
	return nil
}

func parseColor(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return nil, fmt.Errorf("want r,g,b, got %q", s)
	}
	out := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 255 {
			return nil, fmt.Errorf("invalid channel %q", p)
		}
		out[i] = n
	}
	return out, nil
}

// Validate checks durations and numeric bounds.
func (c *Config) Validate() error {
	if c.Sync.OptimizeAt <= 0 {
		return fmt.Errorf("sync.optimize_at must be positive, got %d", c.Sync.OptimizeAt)
	}
	switch c.Storage.Backend {
	case "redis", "mongo":
	default:
		return fmt.Errorf("storage.backend must be redis or mongo, got %q", c.Storage.Backend)
	}
	if n := len(c.Room.StrokeColor); n != 0 && n != 3 {
		return fmt.Errorf("room.stroke_color must have 3 channels, got %d", n)
	}
	for name, v := range map[string]string{
		"room.member_ttl":         c.Room.MemberTTL,
		"room.heartbeat_interval": c.Room.HeartbeatInterval,
		"room.poll_interval":      c.Room.PollInterval,
		"sync.flag_timeout":       c.Sync.FlagTimeout,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Duration parses a duration field that already passed Validate.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
