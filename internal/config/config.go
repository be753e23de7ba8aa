// Package config loads the pipeline settings from a YAML file with
// "longitudinal" and "general" sections, with environment overrides under
// the PHEME_ prefix (PHEME_LONGITUDINAL_DATABASE_PASSWORD overrides
// longitudinal.database_password).
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the merged view of the longitudinal and general sections.
// Database names arrive as CLI positionals, ports as CLI flags; the file
// holds what stays constant across invocations.
type Config struct {
	DatabaseUser     string
	DatabasePassword string
	WarehouseHost    string
	MartHost         string

	// Workers is the visit worker pool size.
	Workers int

	// TmpDir holds the manager lock file and the countdown date file.
	TmpDir string
	LogDir string

	// InProduction selects error policy: production logs and moves on,
	// development fails loudly.
	InProduction bool
}

func defaults(v *viper.Viper) {
	v.SetDefault("longitudinal.warehouse_host", "localhost")
	v.SetDefault("longitudinal.mart_host", "localhost")
	v.SetDefault("longitudinal.workers", 5)
	v.SetDefault("general.tmp_dir", os.TempDir())
	v.SetDefault("general.log_dir", ".")
	v.SetDefault("general.in_production", false)
}

// Load reads the YAML file at path and applies environment overrides. A
// missing file is an error; credentials have no sane defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	defaults(v)
	v.SetEnvPrefix("PHEME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{
		DatabaseUser:     v.GetString("longitudinal.database_user"),
		DatabasePassword: v.GetString("longitudinal.database_password"),
		WarehouseHost:    v.GetString("longitudinal.warehouse_host"),
		MartHost:         v.GetString("longitudinal.mart_host"),
		Workers:          v.GetInt("longitudinal.workers"),
		TmpDir:           v.GetString("general.tmp_dir"),
		LogDir:           v.GetString("general.log_dir"),
		InProduction:     v.GetBool("general.in_production"),
	}
	if cfg.DatabaseUser == "" {
		return nil, fmt.Errorf("config %s: longitudinal.database_user is required", path)
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("config %s: longitudinal.workers must be positive", path)
	}
	return cfg, nil
}
