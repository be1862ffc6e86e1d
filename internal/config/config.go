// Copyright 2025 GazeQA Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads daemon configuration from the environment with an
// optional YAML file underneath. Environment variables always win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither the environment nor the file sets a value.
const (
	DefaultHost        = "127.0.0.1"
	DefaultPort        = 8787
	DefaultStorageRoot = "artifacts/local"
	DefaultWorkers     = 2
)

// Config is the full daemon configuration.
type Config struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	StorageRoot string `yaml:"storage_root"`
	UIRoot      string `yaml:"ui_root"`
	Workers     int    `yaml:"workers"`

	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	Auth    AuthConfig    `yaml:"auth"`
	Signing SigningConfig `yaml:"signing"`
	CORS    CORSConfig    `yaml:"cors"`

	AlertWebhookToken string  `yaml:"alert_webhook_token"`
	APIRateLimit      float64 `yaml:"api_rate_limit"`

	Exploration ExplorationConfig `yaml:"exploration"`
	Crawl       CrawlConfig       `yaml:"crawl"`

	TraceStdout bool `yaml:"trace_stdout"`
}

// AuthConfig holds token sources for the secrets manager.
type AuthConfig struct {
	DefaultToken      string `yaml:"default_token"`
	TokenRegistryJSON string `yaml:"token_registry_json"`
	TokenRegistryFile string `yaml:"token_registry_file"`
	TokenFile         string `yaml:"token_file"`
	TokenOrganization string `yaml:"token_organization"`
	TokenOrgSlug      string `yaml:"token_org_slug"`
	TokenRole         string `yaml:"token_role"`
}

// SigningConfig holds the artifact URL signing key ring.
type SigningConfig struct {
	Key          string   `yaml:"key"`
	PreviousKeys []string `yaml:"previous_keys"`
	KeyFile      string   `yaml:"key_file"`
	TTLSeconds   int      `yaml:"ttl_seconds"`
}

// TTL returns the configured signing lifetime, zero when unset.
func (s SigningConfig) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

// CORSConfig mirrors the boundary CORS knobs.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	AllowMethods     []string `yaml:"allow_methods"`
	AllowHeaders     []string `yaml:"allow_headers"`
	MaxAgeSeconds    int      `yaml:"max_age_seconds"`
}

// ExplorationConfig tunes the exploration activity.
type ExplorationConfig struct {
	CoverageThreshold float64 `yaml:"coverage_threshold"`
	MaxPagesPerRun    int     `yaml:"max_pages_per_run"`
}

// CrawlConfig tunes the BFS crawl activity.
type CrawlConfig struct {
	MaxDepth       int `yaml:"max_depth"`
	MaxNodesPerRun int `yaml:"max_nodes_per_run"`
}

// Load builds the configuration. An empty path skips the file stage.
func Load(path string) (Config, error) {
	cfg := Config{
		Host:        DefaultHost,
		Port:        DefaultPort,
		StorageRoot: DefaultStorageRoot,
		Workers:     DefaultWorkers,
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if cfg.Port < 1 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.Workers < 1 {
		cfg.Workers = DefaultWorkers
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Host, "GAZEQA_API_HOST")
	setInt(&c.Port, "GAZEQA_API_PORT")
	setString(&c.StorageRoot, "GAZEQA_STORAGE_ROOT")
	setString(&c.UIRoot, "GAZEQA_UI_ROOT")
	setInt(&c.Workers, "GAZEQA_EXECUTOR_WORKERS")

	setString(&c.TLSCertFile, "GAZEQA_TLS_CERTFILE")
	setString(&c.TLSKeyFile, "GAZEQA_TLS_KEYFILE")

	setString(&c.Auth.DefaultToken, "GAZEQA_API_TOKEN")
	setString(&c.Auth.TokenRegistryJSON, "GAZEQA_API_TOKEN_REGISTRY")
	setString(&c.Auth.TokenRegistryFile, "GAZEQA_TOKEN_REGISTRY_FILE")
	setString(&c.Auth.TokenFile, "GAZEQA_API_TOKEN_FILE")
	setString(&c.Auth.TokenOrganization, "GAZEQA_API_TOKEN_ORG")
	setString(&c.Auth.TokenOrgSlug, "GAZEQA_API_TOKEN_ORG_SLUG")
	setString(&c.Auth.TokenRole, "GAZEQA_API_TOKEN_ROLE")

	setString(&c.Signing.Key, "GAZEQA_SIGNING_KEY")
	setList(&c.Signing.PreviousKeys, "GAZEQA_SIGNING_KEY_PREVIOUS")
	setString(&c.Signing.KeyFile, "GAZEQA_SIGNING_KEY_FILE")
	setInt(&c.Signing.TTLSeconds, "GAZEQA_SIGNING_TTL")

	setList(&c.CORS.AllowedOrigins, "GAZEQA_ALLOWED_ORIGINS")
	setBool(&c.CORS.AllowCredentials, "GAZEQA_CORS_ALLOW_CREDENTIALS")
	setList(&c.CORS.AllowMethods, "GAZEQA_CORS_ALLOW_METHODS")
	setList(&c.CORS.AllowHeaders, "GAZEQA_CORS_ALLOW_HEADERS")
	setInt(&c.CORS.MaxAgeSeconds, "GAZEQA_CORS_MAX_AGE")

	setString(&c.AlertWebhookToken, "GAZEQA_ALERT_WEBHOOK_TOKEN")
	setFloat(&c.APIRateLimit, "GAZEQA_API_RATE_LIMIT")

	setFloat(&c.Exploration.CoverageThreshold, "GAZEQA_COVERAGE_THRESHOLD")
	setInt(&c.Exploration.MaxPagesPerRun, "GAZEQA_MAX_PAGES_PER_RUN")
	setInt(&c.Crawl.MaxDepth, "GAZEQA_CRAWL_MAX_DEPTH")
	setInt(&c.Crawl.MaxNodesPerRun, "GAZEQA_CRAWL_MAX_NODES")

	setBool(&c.TraceStdout, "GAZEQA_TRACE_STDOUT")
}

func setString(target *string, key string) {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		*target = value
	}
}

func setInt(target *int, key string) {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func setFloat(target *float64, key string) {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func setBool(target *bool, key string) {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			*target = true
		case "0", "false", "no", "off":
			*target = false
		}
	}
}

// setList splits a comma separated variable, trimming blanks.
func setList(target *[]string, key string) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*target = items
}

// Address is the host:port listen address.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TLSEnabled reports whether both certificate and key are configured.
func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}
