// Package config provides a reusable loader for node configuration files
// and environment variables.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/tosintaad/ciyam/pkg/utils"
)

// Config mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Network struct {
		MaxPeers       int               `mapstructure:"max_peers" json:"max_peers"`
		DataDir        string            `mapstructure:"data_dir" json:"data_dir"`
		AcceptedIPs    []string          `mapstructure:"accepted_ips" json:"accepted_ips"`
		InitialPeerIPs map[string]string `mapstructure:"initial_peer_ips" json:"initial_peer_ips"`
		ChainPorts     map[string]int    `mapstructure:"chain_ports" json:"chain_ports"`
		StatusAddr     string            `mapstructure:"status_addr" json:"status_addr"`
	} `mapstructure:"network" json:"network"`

	TLS struct {
		Enabled  bool   `mapstructure:"enabled" json:"enabled"`
		CertFile string `mapstructure:"cert_file" json:"cert_file"`
		KeyFile  string `mapstructure:"key_file" json:"key_file"`
	} `mapstructure:"tls" json:"tls"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the CIYAM_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("CIYAM_ENV", ""))
}
