package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/spaces/internal/logging"
	"github.com/dkeye/spaces/internal/ratelimit"
)

type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Log       logging.Config   `mapstructure:"log"`
	Space     SpaceConfig      `mapstructure:"space"`
	RateLimit ratelimit.Config `mapstructure:"ratelimit"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Media     MediaConfig      `mapstructure:"media"`
	Client    ClientConfig     `mapstructure:"client"`
}

type ServerConfig struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`
	Secret     string        `mapstructure:"secret"`
}

// PongWait is how long a signaling connection may stay silent.
func (s ServerConfig) PongWait() time.Duration {
	return s.PingPeriod * 10 / 9
}

type SpaceConfig struct {
	DefaultMaxParticipants int           `mapstructure:"default_max_participants"`
	IdleTimeout            time.Duration `mapstructure:"idle_timeout"`
	SweepInterval          time.Duration `mapstructure:"sweep_interval"`
	PersistQueue           int           `mapstructure:"persist_queue"`
}

type AuthConfig struct {
	TokenSecret  string        `mapstructure:"token_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	TransportURL string        `mapstructure:"transport_url"`
}

// DatabaseConfig selects the document store. An empty Driver keeps
// everything in memory.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	FilePath        string        `mapstructure:"file_path"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Debug           bool          `mapstructure:"debug"`
}

// RedisConfig enables the live summary cache when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type MediaConfig struct {
	ICEServers        []string      `mapstructure:"ice_servers"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff"`
	ReconnectAttempts uint          `mapstructure:"reconnect_attempts"`
}

type ClientConfig struct {
	ServerURL   string        `mapstructure:"server_url"`
	Identity    string        `mapstructure:"identity"`
	Space       string        `mapstructure:"space"`
	JoinTimeout time.Duration `mapstructure:"join_timeout"`
	Speak       bool          `mapstructure:"speak"`
}

// New returns a viper instance with every default set and environment
// overrides enabled (SPACES_SERVER_PORT overrides server.port).
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("spaces")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.mode", "release")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.static_path", "./web")
	v.SetDefault("server.read_limit", 32768)
	v.SetDefault("server.ping_period", "54s")
	v.SetDefault("server.write_wait", "5s")
	v.SetDefault("server.send_buffer", 64)
	v.SetDefault("server.secret", "change-me")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)

	v.SetDefault("space.default_max_participants", 0)
	v.SetDefault("space.idle_timeout", "5m")
	v.SetDefault("space.sweep_interval", "30s")
	v.SetDefault("space.persist_queue", 1024)

	def := ratelimit.DefaultConfig()
	v.SetDefault("ratelimit.default.max", def.Default.Max)
	v.SetDefault("ratelimit.default.window", def.Default.Window)

	v.SetDefault("auth.token_secret", "change-me-too")
	v.SetDefault("auth.token_ttl", "10m")
	v.SetDefault("auth.transport_url", "ws://localhost:8080/api/ws/media")

	v.SetDefault("database.driver", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.file_path", "spaces.db")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "spaces")
	v.SetDefault("redis.ttl", "1m")

	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("media.reconnect_backoff", "1s")
	v.SetDefault("media.reconnect_attempts", 5)

	v.SetDefault("client.server_url", "http://localhost:8080")
	v.SetDefault("client.join_timeout", "5s")
	return v
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default).
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(New(), fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName into v and decodes the result. A missing file is
// not an error: defaults and environment still apply.
func LoadFile(v *viper.Viper, fileName string) (*Config, error) {
	v.SetConfigFile(fileName)
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}
	return Decode(v)
}

func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.RateLimit = cfg.RateLimit.Merge(ratelimit.DefaultConfig())
	if cfg.Server.SendBuffer <= 0 {
		cfg.Server.SendBuffer = 64
	}
	return &cfg, nil
}
