package config

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Defaults are user-level settings merged under any project config and
// CLI flags: `~/.nexus/config.yaml` overridden by NEXUS_* environment
// variables.
type Defaults struct {
	DataDir       string
	SSHUser       string
	Identity      string
	ParallelLimit int
}

// DefaultDataDir resolves ~/.nexus.
func DefaultDataDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return ".nexus"
	}
	return filepath.Join(home, ".nexus")
}

// LoadDefaults reads the user config file (if present) and environment.
// A missing file is not an error.
func LoadDefaults() (Defaults, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(DefaultDataDir())
	v.SetEnvPrefix("NEXUS")
	v.AutomaticEnv()

	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("ssh_user", os.Getenv("USER"))
	v.SetDefault("parallel_limit", 10)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			if !os.IsNotExist(err) {
				return Defaults{}, err
			}
		}
	}

	return Defaults{
		DataDir:       v.GetString("data_dir"),
		SSHUser:       v.GetString("ssh_user"),
		Identity:      v.GetString("identity"),
		ParallelLimit: v.GetInt("parallel_limit"),
	}, nil
}
