// Package config loads the bridge configuration from an optional YAML file,
// environment variables, and built-in defaults. The defaults match the wiring
// this bridge historically ran with: a GRBL controller on /dev/ttyUSB0 at
// 115200 baud and a websocket listener on port 8001.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/openworkshop/grblbridge/internal/serialmux"
)

type Config struct {
	Listen      string        `mapstructure:"listen"`
	SerialPort  string        `mapstructure:"serial_port"`
	BaudRate    int           `mapstructure:"baud_rate"`
	DataBits    int           `mapstructure:"data_bits"`
	StopBits    int           `mapstructure:"stop_bits"`
	Parity      string        `mapstructure:"parity"`
	DBPath      string        `mapstructure:"db_path"`
	MaxClients  int           `mapstructure:"max_clients"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	PortScan    int           `mapstructure:"port_scan"`
}

// Load reads configuration from the given file path (optional; empty string
// skips the file), applying GRBLBRIDGE_* environment variables and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("listen", ":8001")
	v.SetDefault("serial_port", "/dev/ttyUSB0")
	v.SetDefault("baud_rate", 115200)
	v.SetDefault("data_bits", 8)
	v.SetDefault("stop_bits", 1)
	v.SetDefault("parity", "N")
	v.SetDefault("db_path", "grblbridge.db")
	v.SetDefault("max_clients", 1)
	// GRBL prints its banner a couple of seconds after the port opens; give
	// the controller time to boot before the first command.
	v.SetDefault("settle_delay", "3s")
	v.SetDefault("port_scan", 10)

	v.SetEnvPrefix("GRBLBRIDGE")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.MaxClients < 1 {
		return nil, fmt.Errorf("max_clients must be at least 1, got %d", cfg.MaxClients)
	}
	if cfg.PortScan < 1 {
		cfg.PortScan = 1
	}
	if _, err := cfg.PortOptions().Normalize(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// PortOptions returns the serial port options described by the configuration.
func (c *Config) PortOptions() serialmux.PortOptions {
	return serialmux.PortOptions{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		StopBits: c.StopBits,
		Parity:   c.Parity,
	}
}
