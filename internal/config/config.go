package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// HubType selects how the tool talks to the build system hub
type HubType string

const (
	HubCLI  HubType = "cli"
	HubFile HubType = "file"
)

const (
	defaultKojiCommand = "koji"
	defaultConcurrency = 1
)

// Config represents the complete kojitagsync configuration
type Config struct {
	EnvFile      string             `yaml:"env_file"`
	Hub          HubConfig          `yaml:"hub"`
	Declarations DeclarationsConfig `yaml:"declarations"`
	Repo         RepoConfig         `yaml:"repo"`
	Paths        PathsConfig        `yaml:"paths"`
	Sync         SyncConfig         `yaml:"sync"`
	Auth         AuthConfig         `yaml:"auth"`
	Serve        ServeConfig        `yaml:"serve"`
}

// HubConfig configures the hub session
type HubConfig struct {
	Type      HubType `yaml:"type"`
	Command   string  `yaml:"command"`
	Profile   string  `yaml:"profile"`
	StateFile string  `yaml:"state_file"`
}

// DeclarationsConfig locates the tag declaration files
type DeclarationsConfig struct {
	Path string `yaml:"path"`
}

// RepoConfig configures the optional Git repository holding declarations
type RepoConfig struct {
	URL string `yaml:"url"`
	Ref string `yaml:"ref"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Variables from env_file are visible to the expansion below.
	// Variables already set in the environment win.
	if cfg.EnvFile != "" {
		cfg.EnvFile = os.ExpandEnv(cfg.EnvFile)
		if err := godotenv.Load(cfg.EnvFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", cfg.EnvFile, err)
		}
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Hub.Command = os.ExpandEnv(c.Hub.Command)
	c.Hub.Profile = os.ExpandEnv(c.Hub.Profile)
	c.Hub.StateFile = os.ExpandEnv(c.Hub.StateFile)
	c.Declarations.Path = os.ExpandEnv(c.Declarations.Path)
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Repo.Ref = os.ExpandEnv(c.Repo.Ref)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

func (c *Config) applyDefaults() {
	if c.Hub.Type == "" {
		c.Hub.Type = HubCLI
	}
	if c.Hub.Type == HubCLI && c.Hub.Command == "" {
		c.Hub.Command = defaultKojiCommand
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = defaultConcurrency
	}
}

// HasRepo reports whether declarations are checked out from Git
func (c *Config) HasRepo() bool {
	return c.Repo.URL != ""
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	switch c.Hub.Type {
	case HubCLI:
		if c.Hub.Command == "" {
			return fmt.Errorf("hub.command is required for the cli hub")
		}
	case HubFile:
		if c.Hub.StateFile == "" {
			return fmt.Errorf("hub.state_file is required for the file hub")
		}
		if !filepath.IsAbs(c.Hub.StateFile) {
			return fmt.Errorf("hub.state_file must be an absolute path: %s", c.Hub.StateFile)
		}
	default:
		return fmt.Errorf("invalid hub.type: %s (must be cli or file)", c.Hub.Type)
	}

	if c.Declarations.Path == "" {
		return fmt.Errorf("declarations.path is required")
	}
	if !c.HasRepo() && !filepath.IsAbs(c.Declarations.Path) {
		return fmt.Errorf("declarations.path must be absolute when no repo is configured: %s", c.Declarations.Path)
	}

	if c.HasRepo() && c.Repo.Ref == "" {
		return fmt.Errorf("repo.ref is required when repo.url is set")
	}

	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1, got %d", c.Sync.Concurrency)
	}

	// Only one auth method may be configured, and it must match the URL scheme
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}
	if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
		return fmt.Errorf("auth.ssh_key_file is set but repo.url does not use an SSH scheme (git@ or ssh://)")
	}
	if c.Auth.HTTPSTokenFile != "" && !c.IsHTTPS() {
		return fmt.Errorf("auth.https_token_file is set but repo.url does not use HTTPS scheme")
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
		if !c.HasRepo() {
			return fmt.Errorf("serve requires repo.url to be set")
		}
	}

	return nil
}

// RepoDir returns the path where the git repository is checked out
func (c *Config) RepoDir() string {
	return filepath.Join(c.Paths.StateDir, "repo")
}

// StateFilePath returns the path to the sync state file
func (c *Config) StateFilePath() string {
	return filepath.Join(c.Paths.StateDir, "state.json")
}

// DeclarationsPath returns the file or directory holding declarations.
// Relative paths resolve inside the repository checkout.
func (c *Config) DeclarationsPath() string {
	if filepath.IsAbs(c.Declarations.Path) {
		return c.Declarations.Path
	}
	return filepath.Join(c.RepoDir(), c.Declarations.Path)
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repo.URL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Repo.URL, "git@") || strings.HasPrefix(c.Repo.URL, "ssh://")
}
