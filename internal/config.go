// Package internal provides the main application initialization and
// runtime logic.
package internal

import (
	"fmt"
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/othala/internal/graph"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Graph   GraphConfig       `yaml:"graph"`
	Vault   VaultConfig       `yaml:"vault"`
	Replica ReplicaConfig     `yaml:"replica"`
	Auth    AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Graph.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns the HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// GraphConfig holds the graph database configuration.
type GraphConfig struct {
	Path      string `yaml:"path"`
	Layout    string `yaml:"layout"`
	Changelog *bool  `yaml:"changelog"`
}

// ChangelogEnabled reports the changelog setting; the default is on.
func (c *GraphConfig) ChangelogEnabled() bool {
	return c.Changelog == nil || *c.Changelog
}

// Validate validates the graph configuration.
func (c *GraphConfig) Validate() error {
	if c.Layout == "" {
		c.Layout = graph.LayoutPerType
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.Layout, validation.In(graph.LayoutPerType, graph.LayoutUnified)),
	)
}

// VaultConfig points at an optional Markdown directory to import. An
// empty path disables the importer; Watch keeps the graph current while
// the directory changes.
type VaultConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// ReplicaConfig points at an optional secondary store for push/pull
// replication. Scope is attached to every replicated row.
type ReplicaConfig struct {
	Path  string            `yaml:"path"`
	Scope map[string]string `yaml:"scope"`
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Graph: GraphConfig{
			Path:   "./othala.db",
			Layout: graph.LayoutPerType,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
