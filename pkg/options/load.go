package options

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnsupportedConfig = errors.New("unsupported config file")
)

// Load reads a .yml, .yaml or .toml config file into an OptionValue tree
func Load(configFile string) (*OptionValue, error) {
	var config interface{}

	switch strings.ToLower(filepath.Ext(configFile)) {
	case ".yml", ".yaml":
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, xerrors.Errorf("failed to read config file %s: %w", configFile, err)
		}

		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, xerrors.Errorf("failed to unmarshal config %s: %w", configFile, err)
		}
	case ".toml":
		tomlConfig := map[string]interface{}{}
		if _, err := toml.DecodeFile(configFile, &tomlConfig); err != nil {
			return nil, xerrors.Errorf("failed to decode config %s: %w", configFile, err)
		}
		config = tomlConfig
	default:
		return nil, xerrors.Errorf("%s: %w", configFile, ErrUnsupportedConfig)
	}

	opts := &OptionValue{}
	if err := opts.Set("", config); err != nil {
		return nil, xerrors.Errorf("failed to initialize options: %w", err)
	}

	return opts, nil
}
