package conf

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/squareup/corax/connstring"
	"github.com/squareup/corax/errors"
	"gopkg.in/yaml.v2"
	"muzzammil.xyz/jsonc"
)

// LoadFile reads a config file, overlaying it on the defaults. JSON files may
// carry comments, YAML is accepted for users who keep their client settings
// next to deployment manifests.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	cfg := NewDefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(b), cfg); err != nil {
			return nil, errors.NewInvalidConfigurationError(fmt.Sprintf("%s: %v", path, err))
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, errors.NewInvalidConfigurationError(fmt.Sprintf("%s: %v", path, err))
		}
	default:
		return nil, errors.NewInvalidConfigurationError(fmt.Sprintf("unsupported config file extension: %s", path))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromConnectionString builds a config from a connection string like
// "Url=http://db1:8080;Database=orders;ApiKey=abc/123". Failover servers
// named in the string inherit the primary's API key.
func FromConnectionString(cs string) (*Config, error) {
	parsed, err := connstring.Parse(cs)
	if err != nil {
		return nil, err
	}
	cfg := NewDefaultConfig()
	cfg.ServerURL = parsed.URL
	cfg.Database = parsed.Database
	cfg.APIKey = parsed.APIKey
	for _, u := range parsed.FailoverURLs {
		cfg.FailoverServers = append(cfg.FailoverServers, FailoverServer{URL: u, APIKey: parsed.APIKey})
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
