package ingest

import (
	"embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed config/sources.yaml
var sourcesYAML embed.FS

// SourceSettings is the parsed form of config/sources.yaml.
type SourceSettings struct {
	Sources []SourceConfig `yaml:"sources"`
}

// SourceFetchConfig holds per-source header overrides.
type SourceFetchConfig struct {
	AcceptLanguage string  `yaml:"accept_language,omitempty"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps,omitempty"`
}

// SourceConfig defines a single provider.
type SourceConfig struct {
	ID              string            `yaml:"id"`
	Name            string            `yaml:"name"`
	Kind            string            `yaml:"kind"` // "eastmoney", "tiantian"
	Enabled         bool              `yaml:"enabled"`
	BaseURL         string            `yaml:"base_url,omitempty"`
	APIURL          string            `yaml:"api_url,omitempty"`
	GzURL           string            `yaml:"gz_url,omitempty"`
	F10URL          string            `yaml:"f10_url,omitempty"`
	CatalogURL      string            `yaml:"catalog_url,omitempty"`
	Referer         string            `yaml:"referer,omitempty"`
	PageSize        int               `yaml:"page_size,omitempty"`
	HoldingsTopline int               `yaml:"holdings_topline,omitempty"`
	Fetch           SourceFetchConfig `yaml:"fetch,omitempty"`
}

// LoadSourceSettings reads provider settings. An empty path uses the
// embedded sources.yaml.
func LoadSourceSettings(path string) (*SourceSettings, error) {
	var (
		data []byte
		err  error
	)
	if path != "" {
		data, err = os.ReadFile(path)
	} else {
		data, err = sourcesYAML.ReadFile("config/sources.yaml")
	}
	if err != nil {
		return nil, fmt.Errorf("read source settings: %w", err)
	}
	return ParseSourceSettings(data)
}

// ParseSourceSettings expands ${VAR} references and decodes the YAML.
func ParseSourceSettings(data []byte) (*SourceSettings, error) {
	expanded := os.ExpandEnv(string(data))

	var settings SourceSettings
	if err := yaml.Unmarshal([]byte(expanded), &settings); err != nil {
		return nil, fmt.Errorf("parse source settings: %w", err)
	}
	for i, s := range settings.Sources {
		if s.ID == "" {
			return nil, fmt.Errorf("source #%d: missing id", i+1)
		}
		if s.Kind == "" {
			settings.Sources[i].Kind = s.ID
		}
	}
	return &settings, nil
}

// Source returns the settings for id.
func (s *SourceSettings) Source(id string) (SourceConfig, bool) {
	for _, src := range s.Sources {
		if src.ID == id {
			return src, true
		}
	}
	return SourceConfig{}, false
}

// FetchConfig overlays the source's header and rate settings on base.
func (c SourceConfig) FetchConfig(base FetchConfig) FetchConfig {
	if c.Referer != "" {
		base.Referer = c.Referer
	}
	if c.Fetch.AcceptLanguage != "" {
		base.AcceptLanguage = c.Fetch.AcceptLanguage
	}
	if c.Fetch.RateLimitRPS > 0 {
		base.RateLimitRPS = c.Fetch.RateLimitRPS
	}
	return base
}
