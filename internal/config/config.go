package config

import (
	"fmt"
	"net/url"
	"reflect"
	"time"

	"github.com/caarlos0/env/v11"
	_ "github.com/joho/godotenv/autoload"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port       int    `env:"PORT" envDefault:"8080"`
	Store      string `env:"STORE" envDefault:"postgres"`
	AdminToken string `env:"ADMIN_TOKEN"`

	Database Database
	Redis    Redis
	Game     Game
}

type Database struct {
	Host           string `env:"BLUEPRINT_DB_HOST" envDefault:"localhost"`
	Port           string `env:"BLUEPRINT_DB_PORT" envDefault:"5432"`
	Name           string `env:"BLUEPRINT_DB_DATABASE" envDefault:"crashdb"`
	Username       string `env:"BLUEPRINT_DB_USERNAME" envDefault:"postgres"`
	Password       string `env:"BLUEPRINT_DB_PASSWORD" envDefault:"postgres"`
	Schema         string `env:"BLUEPRINT_DB_SCHEMA" envDefault:"public"`
	MigrationsPath string `env:"MIGRATIONS_PATH"`
	AutoMigrate    bool   `env:"AUTO_MIGRATE" envDefault:"true"`
}

// URL is the pgx connection string for the configured database.
func (d Database) URL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.Username, d.Password),
		Host:   d.Host + ":" + d.Port,
		Path:   d.Name,
	}
	q := url.Values{}
	q.Set("sslmode", "disable")
	q.Set("search_path", d.Schema)
	u.RawQuery = q.Encode()
	return u.String()
}

// Redis is optional; an empty URL runs the server without the event bus and lease.
type Redis struct {
	URL      string `env:"REDIS_URL"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

func (r Redis) Enabled() bool {
	return r.URL != ""
}

type Game struct {
	ServerKey         string          `env:"SERVER_KEY,required,notEmpty"`
	ClientSalt        string          `env:"CLIENT_SALT" envDefault:"default"`
	PreRoundDuration  time.Duration   `env:"PRE_ROUND_DURATION" envDefault:"10s"`
	MaxFlightDuration time.Duration   `env:"MAX_FLIGHT_DURATION" envDefault:"120s"`
	TickInterval      time.Duration   `env:"TICK_INTERVAL" envDefault:"100ms"`
	GracePeriod       time.Duration   `env:"GRACE_PERIOD" envDefault:"3s"`
	MinBet            decimal.Decimal `env:"MIN_BET" envDefault:"1.00"`
	MaxBet            decimal.Decimal `env:"MAX_BET" envDefault:"10000.00"`
	SchedulerLease    time.Duration   `env:"SCHEDULER_LEASE" envDefault:"5s"`
}

var parsers = map[reflect.Type]env.ParserFunc{
	reflect.TypeOf(decimal.Decimal{}): func(v string) (interface{}, error) {
		return decimal.NewFromString(v)
	},
}

// ParseEnv fills target from the process environment.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{FuncMap: parsers}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads the full server configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDatabase reads only the database section, for tools that never run a round.
func LoadDatabase() (Database, error) {
	var db Database
	if err := ParseEnv(&db); err != nil {
		return Database{}, err
	}
	return db, nil
}

func (c Config) validate() error {
	switch c.Store {
	case "postgres", "memory":
	default:
		return fmt.Errorf("config: unknown STORE %q", c.Store)
	}
	if c.Game.PreRoundDuration <= 0 || c.Game.TickInterval <= 0 {
		return fmt.Errorf("config: PRE_ROUND_DURATION and TICK_INTERVAL must be positive")
	}
	if !c.Game.MinBet.IsPositive() || c.Game.MaxBet.LessThan(c.Game.MinBet) {
		return fmt.Errorf("config: bet limits %s..%s are invalid", c.Game.MinBet, c.Game.MaxBet)
	}
	return nil
}
