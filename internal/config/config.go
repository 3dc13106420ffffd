// Package config loads the proxy's startup configuration from a YAML
// file overlaid with environment variables, using Viper so that every
// key bound in bindEnv is also settable as an uppercase, underscored
// environment variable (upstream.type -> UPSTREAM_TYPE).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the typed shape of every key spec.md §6 recognizes.
type Config struct {
	ClusterName string `mapstructure:"cluster_name"`

	Upstream struct {
		Type                   string            `mapstructure:"type"`
		URL                    string            `mapstructure:"url"`
		Project                string            `mapstructure:"project"`
		MaxCatalogEntries      int               `mapstructure:"max_catalog_entries"`
		TokenURL               string            `mapstructure:"token_url"`
		Service                string            `mapstructure:"service"`
		Username               string            `mapstructure:"username"`
		Password               string            `mapstructure:"password"`
		CatalogScope           string            `mapstructure:"catalog_scope"`
		RepositoryScopeActions map[string]string `mapstructure:"repository_scope_actions"`
		Region                 string            `mapstructure:"region"`
		BasicUsername          string            `mapstructure:"basic_username"`
		BasicPassword          string            `mapstructure:"basic_password"`
	} `mapstructure:"upstream"`

	Auth struct {
		URL   string `mapstructure:"url"`
		Token string `mapstructure:"token"`
	} `mapstructure:"auth"`

	Server struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`

	CORS struct {
		Origins []string `mapstructure:"origins"`
	} `mapstructure:"cors"`

	ProjectDeleter struct {
		Enabled             bool   `mapstructure:"enabled"`
		EventsURL           string `mapstructure:"events_url"`
		PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
	} `mapstructure:"project_deleter"`
}

// Load reads path (if it exists) as YAML and overlays environment
// variables (AutomaticEnv with "." replaced by "_", so upstream.type
// is also settable as UPSTREAM_TYPE). An empty path skips the file
// read and loads purely from the environment and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("upstream.max_catalog_entries", 1000)
	v.SetDefault("upstream.catalog_scope", "registry:catalog:*")
	v.SetDefault("server.port", 8080)
	v.SetDefault("project_deleter.poll_interval_seconds", 10)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindEnv registers the keys below explicitly, since AutomaticEnv alone
// only picks up keys that Viper has already seen via a default, a
// config file, or a prior Get/Set call. The map-valued
// upstream.repository_scope_actions is not among them.
func bindEnv(v *viper.Viper) {
	keys := []string{
		"cluster_name",
		"upstream.type", "upstream.url", "upstream.project",
		"upstream.max_catalog_entries", "upstream.token_url", "upstream.service",
		"upstream.username", "upstream.password", "upstream.catalog_scope",
		"upstream.region", "upstream.basic_username", "upstream.basic_password",
		"auth.url", "auth.token",
		"server.port",
		"cors.origins",
		"project_deleter.enabled", "project_deleter.events_url", "project_deleter.poll_interval_seconds",
	}
	for _, k := range keys {
		v.BindEnv(k)
	}
}

func (c *Config) validate() error {
	if c.ClusterName == "" {
		return fmt.Errorf("cluster_name is required")
	}
	switch c.Upstream.Type {
	case "basic", "oauth", "aws_ecr":
	case "":
		return fmt.Errorf("upstream.type is required")
	default:
		return fmt.Errorf("unrecognized upstream.type %q", c.Upstream.Type)
	}
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	if c.ProjectDeleter.Enabled && c.ProjectDeleter.EventsURL == "" {
		return fmt.Errorf("project_deleter.events_url is required when project_deleter.enabled is true")
	}
	return nil
}
