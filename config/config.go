// Package config loads the CometBFT node configuration and the milkchain
// application settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	cfg "github.com/cometbft/cometbft/config"
	"github.com/spf13/viper"
)

// Setting keys, also usable as MILKCHAIN_<KEY> environment variables.
const (
	KeyHTTPPort          = "http_port"
	KeyPostgresDSN       = "postgres_dsn"
	KeyGenesisAdmins     = "genesis_admins"
	KeyMaxLotsPerRequest = "max_lots_per_request"
	KeyRequestTimeout    = "request_timeout"
	KeyLogAllTxs         = "log_all_txs"
	KeyProjectionBuffer  = "projection_buffer"
)

const appConfigFile = "milkchain.toml"

// AppConfig holds the application settings of a node.
type AppConfig struct {
	Home              string        `mapstructure:"-"`
	NodeID            string        `mapstructure:"-"`
	HTTPPort          string        `mapstructure:"http_port"`
	PostgresDSN       string        `mapstructure:"postgres_dsn"`
	GenesisAdmins     []string      `mapstructure:"genesis_admins"`
	MaxLotsPerRequest int           `mapstructure:"max_lots_per_request"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	LogAllTxs         bool          `mapstructure:"log_all_txs"`
	ProjectionBuffer  int           `mapstructure:"projection_buffer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyHTTPPort, "5000")
	v.SetDefault(KeyPostgresDSN, "")
	v.SetDefault(KeyGenesisAdmins, []string{})
	v.SetDefault(KeyMaxLotsPerRequest, 50)
	v.SetDefault(KeyRequestTimeout, 30*time.Second)
	v.SetDefault(KeyLogAllTxs, true)
	v.SetDefault(KeyProjectionBuffer, 256)
}

// Load reads <home>/config/milkchain.toml when present, then applies
// MILKCHAIN_* environment variables and finally overrides, usually the flags
// the operator set explicitly.
func Load(home string, overrides map[string]any) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("milkchain")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := filepath.Join(home, "config", appConfigFile)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading %s: %w", path, err)
			}
		}
	}
	for k, val := range overrides {
		v.Set(k, val)
	}

	var c AppConfig
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decoding application config: %w", err)
	}
	// viper returns env lists as a single string
	if len(c.GenesisAdmins) == 1 && strings.Contains(c.GenesisAdmins[0], ",") {
		c.GenesisAdmins = strings.Split(c.GenesisAdmins[0], ",")
	}
	for i := range c.GenesisAdmins {
		c.GenesisAdmins[i] = strings.TrimSpace(c.GenesisAdmins[i])
	}
	c.Home = home
	c.NodeID = filepath.Base(home)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *AppConfig) Validate() error {
	if c.HTTPPort == "" {
		return errors.New("http_port must be set")
	}
	if c.MaxLotsPerRequest < 1 {
		return fmt.Errorf("max_lots_per_request must be positive, got %d", c.MaxLotsPerRequest)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.ProjectionBuffer < 1 {
		return fmt.Errorf("projection_buffer must be positive, got %d", c.ProjectionBuffer)
	}
	return nil
}

// LoadNode decodes <home>/config/config.toml over the CometBFT defaults.
func LoadNode(home string) (*cfg.Config, error) {
	config := cfg.DefaultConfig()
	config.SetRoot(home)

	v := viper.New()
	v.SetConfigFile(filepath.Join(home, "config", "config.toml"))
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	config.SetRoot(home)
	if err := config.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid configuration data: %w", err)
	}
	return config, nil
}
