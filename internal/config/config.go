// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the SMTP relay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Supported values for Store.Driver.
const (
	StoreBadger = "badger"
	StoreMemory = "memory"
)

// Supported values for Relay.Transport.
const (
	TransportDirect = "direct"
	TransportSES    = "ses"
	TransportStdout = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP      SMTPConfig      `yaml:"smtp"`
	Directory DirectoryConfig `yaml:"directory"`
	Store     StoreConfig     `yaml:"store"`
	Relay     RelayConfig     `yaml:"relay"`
	DKIM      DKIMConfig      `yaml:"dkim"`
	SES       SESConfig       `yaml:"ses"`
	TLS       TLSConfig       `yaml:"tls"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen string `yaml:"listen"`
	// Hostname is announced in the greeting and is the local mail domain.
	Hostname       string `yaml:"hostname"`
	MaxMessageSize Size   `yaml:"max_message_size"`
	MaxRecipients  int    `yaml:"max_recipients"`
	// TLSRequired logs AUTH over a plaintext channel. It does not reject.
	TLSRequired bool `yaml:"tls_required"`
}

// DirectoryConfig holds the paths of the user and ban files.
type DirectoryConfig struct {
	UsersFile string `yaml:"users_file"`
	BansFile  string `yaml:"bans_file"`
}

// StoreConfig selects the message store.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	// Path is the badger directory. Empty keeps the database in memory.
	Path string        `yaml:"path"`
	TTL  time.Duration `yaml:"ttl"`
}

// RelayConfig holds outbound delivery configuration.
type RelayConfig struct {
	Transport   string        `yaml:"transport"`
	Port        int           `yaml:"port"`
	Nameservers []string      `yaml:"nameservers"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DKIMConfig holds the optional signing key for direct delivery.
type DKIMConfig struct {
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Size is a byte count that accepts human-readable values such as "25MB".
type Size int64

// UnmarshalYAML accepts either a plain integer or a human-readable size.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	n, err := ParseSize(raw)
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}

// ParseSize parses a byte count such as "26214400", "25MB" or "512KiB".
// Units are binary multiples.
func ParseSize(v string) (int64, error) {
	n, err := units.RAMInBytes(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", v, err)
	}
	return n, nil
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DKIMConfigured returns true if a signing key is configured.
func (c *Config) DKIMConfigured() bool {
	return c.DKIM.Domain != "" && c.DKIM.Selector != "" && c.DKIM.KeyFile != ""
}

// SESConfigured returns true if the SES region is set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// Validate reports every missing or inconsistent setting.
func (c *Config) Validate() error {
	var errs []error

	if c.SMTP.Listen == "" {
		errs = append(errs, errors.New("smtp.listen is required"))
	}
	if c.SMTP.Hostname == "" {
		errs = append(errs, errors.New("smtp.hostname is required"))
	}
	if c.SMTP.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("smtp.max_message_size must be positive"))
	}
	if c.SMTP.MaxRecipients <= 0 {
		errs = append(errs, errors.New("smtp.max_recipients must be positive"))
	}
	if c.Directory.UsersFile == "" {
		errs = append(errs, errors.New("directory.users_file is required"))
	}

	switch c.Store.Driver {
	case StoreBadger, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Store.TTL < 0 {
		errs = append(errs, errors.New("store.ttl must not be negative"))
	}

	switch c.Relay.Transport {
	case TransportDirect, TransportStdout:
	case TransportSES:
		if !c.SESConfigured() {
			errs = append(errs, errors.New("ses.region is required for the ses transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown relay transport %q", c.Relay.Transport))
	}
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		errs = append(errs, fmt.Errorf("relay.port %d out of range", c.Relay.Port))
	}

	dkimSet := 0
	for _, v := range []string{c.DKIM.Domain, c.DKIM.Selector, c.DKIM.KeyFile} {
		if v != "" {
			dkimSet++
		}
	}
	if dkimSet != 0 && dkimSet != 3 {
		errs = append(errs, errors.New("dkim.domain, dkim.selector and dkim.key_file must be set together"))
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}

	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxRecipients = 100
	c.Store.Driver = StoreBadger
	c.Store.Path = "data/messages"
	c.Relay.Transport = TransportDirect
	c.Relay.Port = 25
	c.Relay.Timeout = 30 * time.Second
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString("SMTP_LISTEN", &c.SMTP.Listen)
	setString("SMTP_HOSTNAME", &c.SMTP.Hostname)
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		size, err := ParseSize(v)
		if err != nil {
			return fmt.Errorf("SMTP_MAX_MESSAGE_SIZE: %w", err)
		}
		c.SMTP.MaxMessageSize = Size(size)
	}
	if v := os.Getenv("SMTP_MAX_RECIPIENTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SMTP_MAX_RECIPIENTS: %w", err)
		}
		c.SMTP.MaxRecipients = n
	}
	if v := os.Getenv("SMTP_TLS_REQUIRED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SMTP_TLS_REQUIRED: %w", err)
		}
		c.SMTP.TLSRequired = b
	}

	setString("DIRECTORY_USERS_FILE", &c.Directory.UsersFile)
	setString("DIRECTORY_BANS_FILE", &c.Directory.BansFile)

	if v := os.Getenv("STORE_DRIVER"); v != "" {
		c.Store.Driver = strings.ToLower(v)
	}
	setString("STORE_PATH", &c.Store.Path)
	if v := os.Getenv("STORE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("STORE_TTL: %w", err)
		}
		c.Store.TTL = d
	}

	if v := os.Getenv("RELAY_TRANSPORT"); v != "" {
		c.Relay.Transport = strings.ToLower(v)
	}
	if v := os.Getenv("RELAY_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RELAY_PORT: %w", err)
		}
		c.Relay.Port = n
	}
	if v := os.Getenv("RELAY_NAMESERVERS"); v != "" {
		c.Relay.Nameservers = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				c.Relay.Nameservers = append(c.Relay.Nameservers, s)
			}
		}
	}
	if v := os.Getenv("RELAY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("RELAY_TIMEOUT: %w", err)
		}
		c.Relay.Timeout = d
	}

	setString("DKIM_DOMAIN", &c.DKIM.Domain)
	setString("DKIM_SELECTOR", &c.DKIM.Selector)
	setString("DKIM_KEY_FILE", &c.DKIM.KeyFile)

	setString("SES_REGION", &c.SES.Region)
	setString("SES_ACCESS_KEY_ID", &c.SES.AccessKeyID)
	setString("SES_SECRET_ACCESS_KEY", &c.SES.SecretAccessKey)
	setString("SES_CONFIGURATION_SET", &c.SES.ConfigurationSet)

	setString("TLS_CERT_FILE", &c.TLS.CertFile)
	setString("TLS_KEY_FILE", &c.TLS.KeyFile)
	setString("TLS_CA_FILE", &c.TLS.CAFile)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	return nil
}
