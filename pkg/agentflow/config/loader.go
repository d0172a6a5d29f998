package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads path over Default, applies environment overrides and
// validates the result.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read config file: %w", err)
	}
	s, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return Settings{}, err
	}
	s.ApplyEnv(os.LookupEnv)
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes data over Default. ext is a file extension such as
// ".yaml" or ".json".
func Parse(data []byte, ext string) (Settings, error) {
	s := Default()
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parse yaml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parse json: %w", err)
		}
	default:
		return Settings{}, fmt.Errorf("unsupported config file extension: %q", ext)
	}
	return s, nil
}

// Environment variables read by ApplyEnv.
const (
	EnvProvider = "AGENTFLOW_PROVIDER"
	EnvModel    = "AGENTFLOW_MODEL"
	EnvBaseURL  = "AGENTFLOW_BASE_URL"
	EnvAPIKey   = "AGENTFLOW_API_KEY"
	EnvLogLevel = "AGENTFLOW_LOG_LEVEL"

	envOpenAIKey = "OPENAI_API_KEY"
)

// ApplyEnv overrides fields from the environment. lookup is usually
// os.LookupEnv; empty values are ignored.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&s.Provider.Kind, EnvProvider)
	set(&s.Provider.Model, EnvModel)
	set(&s.Provider.BaseURL, EnvBaseURL)
	set(&s.Provider.APIKey, EnvAPIKey)
	set(&s.Logging.Level, EnvLogLevel)

	if s.Provider.APIKey == "" {
		set(&s.Provider.APIKey, envOpenAIKey)
	}
}
