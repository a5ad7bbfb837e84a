package config

import (
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	Rembg RembgConfig `envPrefix:"REMBG_"`
	Log   LogConfig   `envPrefix:"LOG_"`
	Serve ServeConfig `envPrefix:"SERVE_"`

	// Longest side fed to the model; 0 keeps the decoded size.
	MaxSize int `env:"RMBG_MAX_SIZE" envDefault:"1024"`
	// Largest decoded image accepted, in pixels; 0 disables the check.
	MaxPixels int64 `env:"RMBG_MAX_PIXELS" envDefault:"89478485"`
	// Upper bound for the bytes read from stdin or a request body.
	MaxInputBytes int64 `env:"RMBG_MAX_INPUT_BYTES" envDefault:"52428800"`
}

// RembgConfig points at a rembg HTTP server (`rembg s`).
type RembgConfig struct {
	URL             string        `env:"URL" envDefault:"http://127.0.0.1:7000"`
	HealthPath      string        `env:"HEALTH_PATH" envDefault:"/api"`
	Timeout         time.Duration `env:"TIMEOUT" envDefault:"60s"`
	AlphaMatting    bool          `env:"ALPHA_MATTING" envDefault:"false"`
	PostProcessMask bool          `env:"POST_PROCESS_MASK" envDefault:"false"`
	OnlyMask        bool          `env:"ONLY_MASK" envDefault:"false"`
	FeatherRadius   int           `env:"FEATHER_RADIUS" envDefault:"0"`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"console"`
	Stack  bool   `env:"STACK" envDefault:"false"`
}

type ServeConfig struct {
	Address        string        `env:"ADDRESS" envDefault:":8080"`
	HealthInterval time.Duration `env:"HEALTH_INTERVAL" envDefault:"30s"`
}

// Load loads .env (if present) and parses environment variables into Config.
func Load() (Config, error) {
	// .env is optional
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse env")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Rembg.URL == "" {
		return errors.New("rembg url is empty")
	}
	if c.MaxSize < 0 {
		return errors.Errorf("max size must not be negative, got %d", c.MaxSize)
	}
	if c.MaxPixels < 0 {
		return errors.Errorf("max pixels must not be negative, got %d", c.MaxPixels)
	}
	if c.Rembg.FeatherRadius < 0 {
		return errors.Errorf("feather radius must not be negative, got %d", c.Rembg.FeatherRadius)
	}
	if c.Serve.HealthInterval < time.Second {
		return errors.Errorf("health interval must be at least 1s, got %s", c.Serve.HealthInterval)
	}
	return nil
}
