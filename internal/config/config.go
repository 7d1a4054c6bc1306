// Package config loads kiosk configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	RedisAddr  string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	MySQLDSN   string        `env:"MYSQL_DSN" envDefault:"root:root@tcp(localhost:3306)/kiosk?parseTime=true"`
	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"30m"`

	SerialPort     string `env:"SERIAL_PORT" envDefault:"/dev/ttyUSB0"`
	SerialBaudRate int    `env:"SERIAL_BAUDRATE" envDefault:"9600"`
	UDPAddr        string `env:"UDP_ADDR" envDefault:"127.0.0.1:5004"`

	RegistrationBaseURL string `env:"REGISTRATION_BASE_URL" envDefault:"http://localhost:8080/api/kiosk/form"`
	ShortenerBaseURL    string `env:"SHORTENER_BASE_URL"`
	ShortenerUser       string `env:"SHORTENER_USER"`
	ShortenerPassword   string `env:"SHORTENER_PASSWORD"`

	ReplayGuardTTL time.Duration `env:"REPLAY_GUARD_TTL" envDefault:"4s"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
