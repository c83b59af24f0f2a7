package internal

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Generator providers.
const (
	ProviderGenAI       = "genai"
	ProviderPlaceholder = "placeholder"
)

// Config is the root of config.yaml.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Gallery   GalleryConfig     `yaml:"gallery"`
	SQLite    SQLiteConfig      `yaml:"sqlite"`
	Auth      AuthConfig        `yaml:"auth"`
	Generator GeneratorConfig   `yaml:"generator"`
	Client    ClientConfig      `yaml:"client"`
}

// Validate checks every section in turn and reports the first failure,
// prefixed with the section name. Some sections normalise their values.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		v    interface{ Validate() error }
	}{
		{"app", &c.App},
		{"gallery", &c.Gallery},
		{"sqlite", &c.SQLite},
		{"generator", &c.Generator},
		{"client", &c.Client},
		{"auth", &c.Auth},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// ApplicationConfig holds process-wide settings.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig is the listen address. An empty Host binds every interface.
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns host:port for http.Server.
func (c *HTTPConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// GalleryConfig locates generated images on disk and in URL space.
type GalleryConfig struct {
	Dir       string `yaml:"dir"`
	URLPrefix string `yaml:"url_prefix"`
}

func (c *GalleryConfig) Validate() error {
	c.URLPrefix = "/" + strings.Trim(c.URLPrefix, "/")
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.Required),
		validation.Field(&c.URLPrefix, validation.Required, validation.Length(2, 0)),
	)
}

// SQLiteConfig points at the gallery index database.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// GeneratorConfig selects and configures the image model.
//
// APIKey is the server-side fallback used when a request carries none;
// GOOGLE_API_KEY from the environment is consulted after it.
type GeneratorConfig struct {
	Provider          string        `yaml:"provider"`
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	DefaultResolution string        `yaml:"default_resolution"`
	Timeout           time.Duration `yaml:"timeout"`
}

func (c *GeneratorConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Provider, validation.Required, validation.In(ProviderGenAI, ProviderPlaceholder)),
		validation.Field(&c.DefaultResolution, validation.Required, validation.In("1K", "2K", "4K")),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	)
}

// ClientConfig configures the CLI client commands.
type ClientConfig struct {
	ServerURL    string `yaml:"server_url"`
	SettingsPath string `yaml:"settings_path"`
}

func (c *ClientConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ServerURL, validation.Required),
		validation.Field(&c.SettingsPath, validation.Required),
	)
}

// AuthConfig guards the API. Mode "disabled" (the default, for local use)
// lets everything through; mode "token" requires Token on every API call.
// The same token is what the CLI client sends.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
		validation.Field(&c.Token, validation.When(c.Mode == AuthModeToken,
			validation.Required.Error("is required when mode is token"))),
	)
}

// AuthEnabled reports whether requests must carry the token.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig mirrors the stock setup: port 8888 on all interfaces,
// images under ./static/generated, no auth.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8888,
			},
		},
		Gallery: GalleryConfig{
			Dir:       "./static/generated",
			URLPrefix: "/static/generated",
		},
		SQLite: SQLiteConfig{
			Path: "./imagestudio.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Generator: GeneratorConfig{
			Provider:          ProviderGenAI,
			Model:             "gemini-3-pro-image-preview",
			DefaultResolution: "2K",
			Timeout:           5 * time.Minute,
		},
		Client: ClientConfig{
			ServerURL:    "http://localhost:8888",
			SettingsPath: "./imagestudio-settings.db",
		},
	}
}
