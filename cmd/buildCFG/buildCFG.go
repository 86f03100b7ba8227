package buildCFG

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/config"
	"github.com/wb-go/wbf/dbpg"

	"enrollsync/internal/mailer"
	"enrollsync/internal/remote"
	"enrollsync/internal/session"
)

const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type ServerConfig struct {
	Port            string
	ShutdownTimeout time.Duration
}

type SessionConfig struct {
	Session       session.Config
	JWTSecret     string
	SweepInterval time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type StoreConfig struct {
	Backend string
	Dir     string
	Redis   RedisConfig
}

type RabbitConfig struct {
	Enabled      bool
	Url          string
	Exchange     string
	Queue        string
	ReminderLead time.Duration
}

type MailerConfig struct {
	Enabled bool
	SMTP    mailer.Config
}

// str reads key from the config file; a non-empty env variable wins.
func str(cfg *config.Config, key, env string) string {
	if env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(cfg.GetString(key))
}

func duration(cfg *config.Config, key string, def time.Duration, log *zerolog.Logger) time.Duration {
	raw := cfg.GetString(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("invalid duration, using default")
		return def
	}
	return d
}

func enabled(cfg *config.Config, key string) bool {
	return strings.EqualFold(cfg.GetString(key), "true")
}

func BuildServerConfig(cfg *config.Config, log *zerolog.Logger) ServerConfig {
	port := str(cfg, "server.port", "PORT")
	if port == "" {
		port = "8080"
		log.Warn().Msg("server.port not set, using 8080")
	}
	return ServerConfig{
		Port:            port,
		ShutdownTimeout: duration(cfg, "server.shutdown_timeout", 10*time.Second, log),
	}
}

func BuildRemoteConfig(cfg *config.Config, log *zerolog.Logger) (remote.Config, error) {
	base := str(cfg, "remote.base_url", "REMOTE_BASE_URL")
	if base == "" {
		return remote.Config{}, fmt.Errorf("remote.base_url is required")
	}
	return remote.Config{
		BaseURL:             base,
		Timeout:             duration(cfg, "remote.timeout", 10*time.Second, log),
		UserEnrollmentsPath: cfg.GetString("remote.user_enrollments_path"),
	}, nil
}

func BuildSessionConfig(cfg *config.Config, log *zerolog.Logger) SessionConfig {
	c := SessionConfig{
		Session: session.Config{
			PageSize: cfg.GetInt("session.page_size"),
			IdleTTL:  duration(cfg, "session.idle_ttl", 30*time.Minute, log),
			Payload: remote.EnrollPayload{
				Description:  cfg.GetString("enrollment.description"),
				Observations: cfg.GetString("enrollment.observations"),
			},
		},
		JWTSecret:     str(cfg, "session.jwt_secret", "JWT_SECRET"),
		SweepInterval: duration(cfg, "session.sweep_interval", time.Minute, log),
	}
	if rating := cfg.GetInt("enrollment.rating"); rating > 0 {
		c.Session.Payload.Rating = &rating
	}
	if c.JWTSecret == "" {
		log.Warn().Msg("session.jwt_secret not set, token signatures are left to the events API")
	}
	return c
}

func BuildStoreConfig(cfg *config.Config, log *zerolog.Logger) (StoreConfig, error) {
	c := StoreConfig{
		Backend: strings.ToLower(cfg.GetString("store.backend")),
		Dir:     cfg.GetString("store.dir"),
		Redis: RedisConfig{
			Addr:     str(cfg, "store.redis.addr", "REDIS_ADDR"),
			Password: str(cfg, "store.redis.password", "REDIS_PASSWORD"),
			DB:       cfg.GetInt("store.redis.db"),
			Prefix:   cfg.GetString("store.redis.prefix"),
		},
	}
	switch c.Backend {
	case "":
		c.Backend = BackendMemory
		log.Warn().Msg("store.backend not set, local enrollment cache is kept in memory")
	case BackendMemory, BackendPostgres:
	case BackendFile:
		if c.Dir == "" {
			c.Dir = "data/cache"
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return c, fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	default:
		return c, fmt.Errorf("unknown store.backend %q", c.Backend)
	}
	return c, nil
}

func BuildDBConfig(cfg *config.Config, log *zerolog.Logger) (string, []string, *dbpg.Options, error) {
	master := str(cfg, "db.master_dsn", "DB_MASTER_DSN")
	if master == "" {
		return "", nil, nil, fmt.Errorf("db.master_dsn is required")
	}
	var slaves []string
	for _, dsn := range strings.Split(cfg.GetString("db.slave_dsns"), ",") {
		if dsn = strings.TrimSpace(dsn); dsn != "" {
			slaves = append(slaves, dsn)
		}
	}
	opts := &dbpg.Options{
		MaxOpenConns:    cfg.GetInt("db.max_open_conns"),
		MaxIdleConns:    cfg.GetInt("db.max_idle_conns"),
		ConnMaxLifetime: duration(cfg, "db.conn_max_lifetime", 5*time.Minute, log),
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 10
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 5
	}
	return master, slaves, opts, nil
}

func BuildRabbitConfig(cfg *config.Config, log *zerolog.Logger) (RabbitConfig, error) {
	c := RabbitConfig{
		Enabled:      enabled(cfg, "rabbit.enabled"),
		Url:          str(cfg, "rabbit.url", "RABBIT_URL"),
		Exchange:     cfg.GetString("rabbit.exchange"),
		Queue:        cfg.GetString("rabbit.queue"),
		ReminderLead: duration(cfg, "rabbit.reminder_lead", 24*time.Hour, log),
	}
	if !c.Enabled {
		return c, nil
	}
	if c.Url == "" || c.Exchange == "" || c.Queue == "" {
		return c, fmt.Errorf("rabbit.url, rabbit.exchange and rabbit.queue are required")
	}
	return c, nil
}

func BuildMailerConfig(cfg *config.Config, log *zerolog.Logger) MailerConfig {
	c := MailerConfig{
		Enabled: enabled(cfg, "mailer.enabled"),
		SMTP: mailer.Config{
			Host:     cfg.GetString("mailer.host"),
			Port:     cfg.GetInt("mailer.port"),
			Username: str(cfg, "mailer.username", "SMTP_USERNAME"),
			Password: str(cfg, "mailer.password", "SMTP_PASSWORD"),
			From:     cfg.GetString("mailer.from"),
		},
	}
	if c.Enabled && c.SMTP.Password == "" {
		log.Warn().Msg("mailer enabled without SMTP_PASSWORD")
	}
	return c
}
