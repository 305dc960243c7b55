package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Address  string
		HTTPPort string
	}
	Database struct {
		Driver string // mysql | postgres | sqlite
		DSN    string
	}
	Logging struct {
		Level  string
		Format string
		File   string
	}
	Agent struct {
		// SharedSecret — общий секрет агентского канала (heartbeat/register).
		SharedSecret string
	}
	Auth struct {
		JWTSecret string
		TokenTTL  time.Duration
	}
	Sweep struct {
		// ExpiryInterval — период sweep'а lease-истечения броней.
		ExpiryInterval time.Duration
		// CleanupInterval — период sweep'а staleness/ассоциаций.
		CleanupInterval time.Duration
		// StaleMultiplier — N в правиле "offline после N × heartbeat_interval".
		StaleMultiplier int
		// AssociationRecheck — не перепроверять здоровье ассоциации чаще этого.
		AssociationRecheck time.Duration
		// AssociationInactivity — окно простоя до авто-удаления ассоциации.
		AssociationInactivity time.Duration
	}
	Events struct {
		Buffer int
	}
}

// Load читает конфиг из файла (путь опционален) и окружения DROIDPOOL_*.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.http_port", "8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "droidpool.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("agent.shared_secret", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("sweep.expiry_interval", "1m")
	v.SetDefault("sweep.cleanup_interval", "5m")
	v.SetDefault("sweep.stale_multiplier", 3)
	v.SetDefault("sweep.association_recheck", "5m")
	v.SetDefault("sweep.association_inactivity", "24h")
	v.SetDefault("events.buffer", 256)

	v.SetEnvPrefix("DROIDPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	c := &Config{}
	c.Server.Address = v.GetString("server.address")
	c.Server.HTTPPort = v.GetString("server.http_port")
	c.Database.Driver = v.GetString("database.driver")
	c.Database.DSN = v.GetString("database.dsn")
	c.Logging.Level = v.GetString("logging.level")
	c.Logging.Format = v.GetString("logging.format")
	c.Logging.File = v.GetString("logging.file")
	c.Agent.SharedSecret = v.GetString("agent.shared_secret")
	c.Auth.JWTSecret = v.GetString("auth.jwt_secret")
	c.Auth.TokenTTL = v.GetDuration("auth.token_ttl")
	c.Sweep.ExpiryInterval = v.GetDuration("sweep.expiry_interval")
	c.Sweep.CleanupInterval = v.GetDuration("sweep.cleanup_interval")
	c.Sweep.StaleMultiplier = v.GetInt("sweep.stale_multiplier")
	c.Sweep.AssociationRecheck = v.GetDuration("sweep.association_recheck")
	c.Sweep.AssociationInactivity = v.GetDuration("sweep.association_inactivity")
	c.Events.Buffer = v.GetInt("events.buffer")
	return c, nil
}
