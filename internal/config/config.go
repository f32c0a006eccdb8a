// Package config loads the chainbuild configuration: built-in defaults, then
// an optional YAML file, then CHAINBUILD_* environment variables. Command line
// flags are applied on top by the caller.
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env"
	"github.com/go-playground/validator/v10"
	"github.com/maxkimambo/chainbuild/internal/errors"
	"github.com/maxkimambo/chainbuild/internal/remote"
	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of a run
type Config struct {
	Workspace WorkspaceConfig  `yaml:"workspace"`
	Throttle  map[string]int64 `yaml:"throttle" validate:"dive,keys,required,endkeys,gte=1"`
	Notify    NotifyConfig     `yaml:"notify"`
	Remote    RemoteConfig     `yaml:"remote"`
	Handlers  HandlersConfig   `yaml:"handlers"`
	Log       LogConfig        `yaml:"log"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Progress  ProgressConfig   `yaml:"progress"`
}

// WorkspaceConfig locates the directories a run works in
type WorkspaceConfig struct {
	ResultDir    string `yaml:"resultDir" env:"CHAINBUILD_RESULT_DIR" validate:"required"`
	WorkDir      string `yaml:"workDir" env:"CHAINBUILD_WORK_DIR" validate:"required"`
	CacheDir     string `yaml:"cacheDir" env:"CHAINBUILD_CACHE_DIR" validate:"required"`
	WorkflowFile string `yaml:"workflowFile" env:"CHAINBUILD_WORKFLOW"`
}

// NotifyConfig configures the optional HTTP notifier
type NotifyConfig struct {
	URL         string        `yaml:"url" env:"CHAINBUILD_NOTIFY_URL" validate:"omitempty,url"`
	Token       string        `yaml:"token" env:"CHAINBUILD_NOTIFY_TOKEN"`
	MinInterval time.Duration `yaml:"minInterval" validate:"gte=0"`
}

// RemoteConfig selects where handler commands run
type RemoteConfig struct {
	Backend string                      `yaml:"backend" env:"CHAINBUILD_REMOTE_BACKEND" validate:"oneof=local gce"`
	Limits  map[string]remote.Resources `yaml:"limits"`
	GCE     GCEConfig                   `yaml:"gce"`
}

// GCEConfig maps handler keys to Compute Engine build hosts
type GCEConfig struct {
	Project         string            `yaml:"project" env:"CHAINBUILD_GCE_PROJECT"`
	Zone            string            `yaml:"zone" env:"CHAINBUILD_GCE_ZONE"`
	CredentialsFile string            `yaml:"credentialsFile" env:"GOOGLE_APPLICATION_CREDENTIALS"`
	Instances       map[string]string `yaml:"instances"`
	DefaultInstance string            `yaml:"defaultInstance" env:"CHAINBUILD_GCE_INSTANCE"`
	SSHFlags        []string          `yaml:"sshFlags"`
}

// HandlersConfig tunes the built-in handlers
type HandlersConfig struct {
	Git             string        `yaml:"git" env:"CHAINBUILD_GIT"`
	Createrepo      string        `yaml:"createrepo" env:"CHAINBUILD_CREATEREPO"`
	BuildTimeout    time.Duration `yaml:"buildTimeout" validate:"gte=0"`
	DownloadTimeout time.Duration `yaml:"downloadTimeout" validate:"gte=0"`
}

// LogConfig configures the rotating run log
type LogConfig struct {
	File       string `yaml:"file" env:"CHAINBUILD_LOG_FILE"`
	MaxSizeMB  int    `yaml:"maxSizeMB" validate:"gte=1"`
	MaxBackups int    `yaml:"maxBackups" validate:"gte=0"`
}

// MetricsConfig configures the Prometheus exposition endpoint
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"CHAINBUILD_METRICS_ADDR" validate:"omitempty,hostname_port"`
}

// ProgressConfig configures periodic progress reports
type ProgressConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			ResultDir: "~/.chainbuild/results",
			WorkDir:   "~/.chainbuild/work",
			CacheDir:  "~/.chainbuild/cache",
		},
		Throttle: map[string]int64{},
		Notify:   NotifyConfig{MinInterval: 2 * time.Second},
		Remote:   RemoteConfig{Backend: "local"},
		Handlers: HandlersConfig{
			Git:             "git",
			Createrepo:      "createrepo_c",
			DownloadTimeout: 10 * time.Minute,
		},
		Log:      LogConfig{MaxSizeMB: 100, MaxBackups: 3},
		Progress: ProgressConfig{Interval: 30 * time.Second},
	}
}

// Load builds the configuration from defaults, the file at path (optional)
// and the environment, then expands paths and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, errors.NewConfigFileError("environment", err)
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return errors.NewConfigFileError(path, err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return errors.NewConfigFileError(path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return errors.NewConfigFileError(path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	for _, section := range []interface{}{
		&c.Workspace, &c.Notify, &c.Remote, &c.Remote.GCE, &c.Handlers, &c.Log, &c.Metrics,
	} {
		if err := env.Parse(section); err != nil {
			return err
		}
	}
	return nil
}

// Finalize expands ~ in paths and validates. Call it again after applying
// command line overrides.
func (c *Config) Finalize() error {
	for _, p := range []*string{
		&c.Workspace.ResultDir, &c.Workspace.WorkDir, &c.Workspace.CacheDir,
		&c.Workspace.WorkflowFile, &c.Log.File, &c.Remote.GCE.CredentialsFile,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return errors.NewConfigValidationError(err)
		}
		*p = expanded
	}
	if err := newValidator().Struct(c); err != nil {
		return errors.NewConfigValidationError(err)
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(validateRemote, RemoteConfig{})
	return v
}

// validateRemote requires a zone and at least one host for the gce backend.
// An empty project is resolved from the default credentials.
func validateRemote(sl validator.StructLevel) {
	r := sl.Current().Interface().(RemoteConfig)
	if r.Backend != "gce" {
		return
	}
	if r.GCE.Zone == "" {
		sl.ReportError(r.GCE.Zone, "Zone", "zone", "required_with_gce", "")
	}
	if r.GCE.DefaultInstance == "" && len(r.GCE.Instances) == 0 {
		sl.ReportError(r.GCE.Instances, "Instances", "instances", "required_with_gce", "")
	}
}
