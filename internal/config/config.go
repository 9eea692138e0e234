// Package config builds the immutable run configuration for preflight.
// Precedence is defaults, then an optional YAML config file, then
// PREFLIGHT_* environment variables, then command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

const (
	// DefaultStackName is the fixed name of the baseline stack.
	DefaultStackName = "preflight-stack"

	// githubTokenEnv is honored in addition to PREFLIGHT_TOKEN for
	// compatibility with CI environments that already export it.
	githubTokenEnv = "GH_SECRET_TOKEN"
)

// Config captures everything a single preflight run needs. It is built once
// at startup and passed by value; nothing mutates it afterwards.
type Config struct {
	// GitHub secret store coordinates.
	Owner string `mapstructure:"owner"`
	Repo  string `mapstructure:"repo"`
	Token string `mapstructure:"token"`

	// AWS coordinates.
	IAMUser      string `mapstructure:"iamUser"`
	Region       string `mapstructure:"region"`
	Profile      string `mapstructure:"profile"`
	StackName    string `mapstructure:"stackName"`
	TemplatePath string `mapstructure:"template"`

	// PruneKeys enables deleting the principal's oldest access keys when
	// the service quota would otherwise reject issuance.
	PruneKeys bool `mapstructure:"pruneKeys"`

	// Out-of-band credential for push-only runs. When set, publishing does
	// not require a fresh key to have been issued in the same run.
	AccessKeyID     string `mapstructure:"accessKeyId"`
	SecretAccessKey string `mapstructure:"secretAccessKey"`

	// HTTPTimeout bounds each secret-store round-trip. Zero means the
	// transport default.
	HTTPTimeout time.Duration `mapstructure:"httpTimeout"`
}

// Defaults returns the built-in configuration baseline.
func Defaults() Config {
	return Config{
		Region:       "us-east-1",
		Profile:      "default",
		StackName:    DefaultStackName,
		TemplatePath: "./aws/preflight.yaml",
	}
}

// DefaultPath returns the default config file location (~/.preflight.yaml),
// or an empty string when the home directory cannot be resolved.
func DefaultPath() string {
	home, err := homedir.Dir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".preflight.yaml")
}

// Load reads configuration from the given file path and the environment,
// layered over Defaults. A missing file is an error only when the path was
// given explicitly.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PREFLIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Registering every key as a default makes AutomaticEnv visible to
	// Unmarshal even when no config file is present.
	def := Defaults()
	v.SetDefault("owner", def.Owner)
	v.SetDefault("repo", def.Repo)
	v.SetDefault("token", def.Token)
	v.SetDefault("iamUser", def.IAMUser)
	v.SetDefault("region", def.Region)
	v.SetDefault("profile", def.Profile)
	v.SetDefault("stackName", def.StackName)
	v.SetDefault("template", def.TemplatePath)
	v.SetDefault("pruneKeys", def.PruneKeys)
	v.SetDefault("accessKeyId", def.AccessKeyID)
	v.SetDefault("secretAccessKey", def.SecretAccessKey)
	v.SetDefault("httpTimeout", def.HTTPTimeout)

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := v.ReadConfig(strings.NewReader(string(raw))); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case explicit:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	// Environment fallback that viper's prefix scheme does not cover.
	if cfg.Token == "" {
		cfg.Token = strings.TrimSpace(os.Getenv(githubTokenEnv))
	}
	return cfg, nil
}

// Merge overlays non-zero values from b onto a and returns the result.
func Merge(a, b Config) Config {
	out := a
	if b.Owner != "" {
		out.Owner = b.Owner
	}
	if b.Repo != "" {
		out.Repo = b.Repo
	}
	if b.Token != "" {
		out.Token = b.Token
	}
	if b.IAMUser != "" {
		out.IAMUser = b.IAMUser
	}
	if b.Region != "" {
		out.Region = b.Region
	}
	if b.Profile != "" {
		out.Profile = b.Profile
	}
	if b.StackName != "" {
		out.StackName = b.StackName
	}
	if b.TemplatePath != "" {
		out.TemplatePath = b.TemplatePath
	}
	if b.PruneKeys {
		out.PruneKeys = true
	}
	if b.AccessKeyID != "" {
		out.AccessKeyID = b.AccessKeyID
	}
	if b.SecretAccessKey != "" {
		out.SecretAccessKey = b.SecretAccessKey
	}
	if b.HTTPTimeout != 0 {
		out.HTTPTimeout = b.HTTPTimeout
	}
	return out
}

// Intents are the independent actions a run may request.
type Intents struct {
	DeployStack bool
	RotateKey   bool
	PushSecrets bool
}

// Any reports whether at least one intent is requested.
func (i Intents) Any() bool {
	return i.DeployStack || i.RotateKey || i.PushSecrets
}

// Validate checks that the configuration is sufficient for the requested
// intents. It runs before any remote call.
func (c Config) Validate(intents Intents) error {
	if strings.TrimSpace(c.Region) == "" {
		return fmt.Errorf("region is required")
	}
	if intents.DeployStack {
		if strings.TrimSpace(c.TemplatePath) == "" {
			return fmt.Errorf("template path is required for stack deployment")
		}
		if strings.TrimSpace(c.StackName) == "" {
			return fmt.Errorf("stack name is required for stack deployment")
		}
	}
	if intents.RotateKey && strings.TrimSpace(c.IAMUser) == "" {
		return fmt.Errorf("iam user is required for key rotation")
	}
	if intents.PushSecrets {
		if strings.TrimSpace(c.Owner) == "" || strings.TrimSpace(c.Repo) == "" {
			return fmt.Errorf("repository owner and name are required for secret publishing")
		}
		if strings.TrimSpace(c.Token) == "" {
			return fmt.Errorf("github token is required for secret publishing (use --gh-token or export %s)", githubTokenEnv)
		}
	}
	return nil
}
