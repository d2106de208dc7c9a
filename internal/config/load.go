package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dorcha-inc/burrow/internal/core"
)

// ProjectConfigFile is picked up from the working directory when no explicit
// config path is given.
const ProjectConfigFile = "burrow.yaml"

// envSection is decoded separately because viper lower-cases map keys and
// environment variable names are case sensitive.
type envSection struct {
	Env map[string]string `yaml:"env"`
}

// Load overlays a config file and BURROW_* environment variables on top of
// base. Precedence: environment > file > base. If configPath is empty,
// ./burrow.yaml is used when it exists.
func Load(base Builder, configPath string) (Builder, error) {
	path, err := resolveConfigPath(configPath)
	if err != nil {
		return base, err
	}

	v, err := setupViper(base.settings, path)
	if err != nil {
		return base, err
	}

	s := Settings{}
	if err := v.Unmarshal(&s); err != nil {
		return base, core.NewConfigError("failed to unmarshal config: %v", err)
	}

	s.Env = base.settings.clone().Env
	if path != "" {
		fileEnv, err := readEnvSection(path)
		if err != nil {
			return base, err
		}
		for k, val := range fileEnv {
			s.Env[k] = val
		}
	}

	return Builder{settings: s}, nil
}

// resolveConfigPath returns the file to read, or "" for none.
func resolveConfigPath(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return "", core.NewConfigError("config file %s: %v", configPath, err)
		}
		return configPath, nil
	}
	if _, err := os.Stat(ProjectConfigFile); err == nil {
		zap.L().Info("Found burrow.yaml in current directory, using it")
		return ProjectConfigFile, nil
	}
	return "", nil
}

// setupViper configures a viper instance whose defaults are base, then reads
// path (if any) and binds BURROW_ environment variables.
func setupViper(base Settings, path string) (*viper.Viper, error) {
	v := viper.New()

	defaults, err := settingsMap(base)
	if err != nil {
		return nil, err
	}
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix(core.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, core.NewConfigError("failed to read config file: %v", err)
		}
	}

	return v, nil
}

// settingsMap flattens s into yaml keys, skipping env.
func settingsMap(s Settings) (map[string]any, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal defaults: %w", err)
	}
	m := map[string]any{}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal defaults: %w", err)
	}
	delete(m, "env")
	return m, nil
}

func readEnvSection(path string) (map[string]string, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is supplied by the operator
	if err != nil {
		return nil, core.NewConfigError("failed to read config file: %v", err)
	}
	var section envSection
	if err := yaml.Unmarshal(data, &section); err != nil {
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			return nil, core.NewConfigError("env must be a map of strings: %v", err)
		}
		return nil, core.NewConfigError("failed to parse config file: %v", err)
	}
	return section.Env, nil
}
