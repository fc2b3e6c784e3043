package util

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const Name = "boardfed"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host          string
		HttpPort      int    `yaml:"httpPort"`
		SslDomain     string `yaml:"sslDomain"`
		DbPath        string `yaml:"dbPath"`
		LogLevel      string `yaml:"logLevel"`
		AllowLoopback bool   `yaml:"allowLoopback"`
	}
	Federation struct {
		DomainPolicyMode     string        `yaml:"domainPolicyMode"`
		PolicyReloadInterval time.Duration `yaml:"policyReloadInterval"`
		ActorTTL             time.Duration `yaml:"actorTTL"`
		DeliveryInterval     time.Duration `yaml:"deliveryInterval"`
		DeliveryBatchSize    int           `yaml:"deliveryBatchSize"`
		DeliveryConcurrency  int           `yaml:"deliveryConcurrency"`
		InboxRateLimit       float64       `yaml:"inboxRateLimit"`
		InboxRateBurst       int           `yaml:"inboxRateBurst"`
		MaxBodyBytes         int64         `yaml:"maxBodyBytes"`
	}
}

// ReadConf loads the configuration from path, or from the resolved default
// location when path is empty. Environment variables override file values.
func ReadConf(path string) (*AppConfig, error) {
	c := &AppConfig{}

	configPath := path
	if configPath == "" {
		configPath = ResolveFilePath(ConfigFileName)
	}

	buf, err := os.ReadFile(configPath)
	if err != nil {
		if path != "" {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		log.Info().Str("path", configPath).Msg("Config file not found, using embedded defaults")
		buf = embeddedConfig
		writeDefaultConf()
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	c.applyDefaults()

	return c, nil
}

// DefaultConf returns the embedded configuration without touching the
// filesystem or the environment.
func DefaultConf() *AppConfig {
	c := &AppConfig{}
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		panic(err)
	}
	c.applyDefaults()
	return c
}

func writeDefaultConf() {
	configDir, err := GetConfigDir()
	if err != nil {
		return
	}
	userConfigPath := filepath.Join(configDir, ConfigFileName)
	if _, err := os.Stat(userConfigPath); err == nil {
		return
	}
	if err := os.WriteFile(userConfigPath, embeddedConfig, 0644); err != nil {
		log.Warn().Err(err).Str("path", userConfigPath).Msg("Could not write default config")
		return
	}
	log.Info().Str("path", userConfigPath).Msg("Created default config file")
}

func (c *AppConfig) applyEnv() error {
	if v := os.Getenv("BOARDFED_HOST"); v != "" {
		c.Conf.Host = v
	}

	if v := os.Getenv("BOARDFED_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BOARDFED_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = port
	}

	if v := os.Getenv("BOARDFED_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}

	if v := os.Getenv("BOARDFED_DBPATH"); v != "" {
		c.Conf.DbPath = v
	}

	if v := os.Getenv("BOARDFED_LOGLEVEL"); v != "" {
		c.Conf.LogLevel = v
	}

	if os.Getenv("BOARDFED_ALLOW_LOOPBACK") == "true" {
		c.Conf.AllowLoopback = true
	}

	if v := os.Getenv("BOARDFED_DOMAIN_POLICY_MODE"); v != "" {
		c.Federation.DomainPolicyMode = v
	}

	if v := os.Getenv("BOARDFED_DELIVERY_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BOARDFED_DELIVERY_CONCURRENCY: %w", err)
		}
		c.Federation.DeliveryConcurrency = n
	}

	return nil
}

func (c *AppConfig) applyDefaults() {
	if c.Conf.HttpPort == 0 {
		c.Conf.HttpPort = 9999
	}
	if c.Conf.DbPath == "" {
		c.Conf.DbPath = "boardfed.db"
	}
	if c.Conf.LogLevel == "" {
		c.Conf.LogLevel = "info"
	}

	f := &c.Federation
	if f.DomainPolicyMode == "" {
		f.DomainPolicyMode = "blocklist"
	}
	if f.PolicyReloadInterval <= 0 {
		f.PolicyReloadInterval = 30 * time.Second
	}
	if f.ActorTTL <= 0 {
		f.ActorTTL = 24 * time.Hour
	}
	if f.DeliveryInterval <= 0 {
		f.DeliveryInterval = 10 * time.Second
	}
	if f.DeliveryBatchSize <= 0 {
		f.DeliveryBatchSize = 50
	}
	if f.DeliveryConcurrency <= 0 {
		f.DeliveryConcurrency = 8
	}
	if f.InboxRateLimit <= 0 {
		f.InboxRateLimit = 5
	}
	if f.InboxRateBurst <= 0 {
		f.InboxRateBurst = 10
	}
	if f.MaxBodyBytes <= 0 {
		f.MaxBodyBytes = 256 * 1024
	}
}
