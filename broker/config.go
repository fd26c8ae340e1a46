package broker

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/goccy/go-yaml"
)

// Environment variable keys
const (
	EnvConfigFile         = "BROKER_CONFIG_FILE"
	EnvListenAddr         = "BROKER_LISTEN_ADDR"
	EnvSessionPath        = "BROKER_SESSION_PATH"
	EnvUpstreamTimeout    = "BROKER_UPSTREAM_TIMEOUT"
	EnvRateLimit          = "BROKER_RATE_LIMIT"
	EnvRateBurst          = "BROKER_RATE_BURST"
	EnvDefaultModel       = "BROKER_DEFAULT_MODEL"
	EnvLogFile            = "BROKER_LOG_FILE"
	EnvOpenAIAPIKey       = "OPENAI_API_KEY"
	EnvOpenAIBaseURL      = "OPENAI_BASE_URL"
	EnvGeminiAPIKey       = "GEMINI_API_KEY"
	EnvAWSAccessKeyID     = "AWS_ACCESS_KEY_ID"
	EnvAWSSecretAccessKey = "AWS_SECRET_ACCESS_KEY"
	EnvAWSRegion          = "AWS_REGION"
)

// Defaults
const (
	DefaultListenAddr      = ":8080"
	DefaultSessionPath     = "/session"
	DefaultOpenAIBaseURL   = "https://api.openai.com"
	DefaultModel           = "gpt-realtime"
	DefaultAWSRegion       = "us-east-1"
	DefaultUpstreamTimeout = 15 * time.Second
	DefaultRateLimit       = 5.0
	DefaultRateBurst       = 10
)

type OpenAIConfig struct {
	APIKey       shared.Secret `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
}

type GeminiConfig struct {
	APIKey shared.Secret `yaml:"api_key"`
}

type BedrockConfig struct {
	AccessKeyID     shared.Secret `yaml:"access_key_id"`
	SecretAccessKey shared.Secret `yaml:"secret_access_key"`
	Region          string        `yaml:"region"`
}

// Config is the broker's settings: a YAML file overlaid with the
// environment. Provider secrets live only here.
type Config struct {
	ListenAddr      string        `yaml:"listen_addr"`
	SessionPath     string        `yaml:"session_path"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	RateLimit       float64       `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
	LogFile         string        `yaml:"log_file"`

	OpenAI  OpenAIConfig  `yaml:"openai"`
	Gemini  GeminiConfig  `yaml:"gemini"`
	Bedrock BedrockConfig `yaml:"bedrock"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:      DefaultListenAddr,
		SessionPath:     DefaultSessionPath,
		UpstreamTimeout: DefaultUpstreamTimeout,
		RateLimit:       DefaultRateLimit,
		RateBurst:       DefaultRateBurst,
		OpenAI: OpenAIConfig{
			BaseURL:      DefaultOpenAIBaseURL,
			DefaultModel: DefaultModel,
		},
		Bedrock: BedrockConfig{
			Region: DefaultAWSRegion,
		},
	}
}

// LoadConfig reads the YAML file named by BROKER_CONFIG_FILE, if any, then
// applies environment overrides and validates the result. Missing provider
// secrets are not an error here; they are reported per request.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path, err := shared.Getenv(shared.GetenvString, EnvConfigFile, false, "")
	if err != nil {
		return cfg, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := ParseConfig(data, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ParseConfig decodes YAML over cfg; keys absent from data keep their value.
func ParseConfig(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		v, err := shared.Getenv(shared.GetenvString, key, false, *dst)
		errs = append(errs, err)
		*dst = v
	}
	secret := func(key string, dst *shared.Secret) {
		v, err := shared.Getenv(shared.GetenvString, key, false, dst.Reveal())
		errs = append(errs, err)
		*dst = shared.Secret(v)
	}

	str(EnvListenAddr, &c.ListenAddr)
	str(EnvSessionPath, &c.SessionPath)
	str(EnvLogFile, &c.LogFile)
	str(EnvOpenAIBaseURL, &c.OpenAI.BaseURL)
	str(EnvDefaultModel, &c.OpenAI.DefaultModel)
	str(EnvAWSRegion, &c.Bedrock.Region)
	secret(EnvOpenAIAPIKey, &c.OpenAI.APIKey)
	secret(EnvGeminiAPIKey, &c.Gemini.APIKey)
	secret(EnvAWSAccessKeyID, &c.Bedrock.AccessKeyID)
	secret(EnvAWSSecretAccessKey, &c.Bedrock.SecretAccessKey)

	var err error
	c.UpstreamTimeout, err = shared.Getenv(shared.GetenvDuration, EnvUpstreamTimeout, false, c.UpstreamTimeout)
	errs = append(errs, err)
	c.RateLimit, err = shared.Getenv(shared.GetenvFloat, EnvRateLimit, false, c.RateLimit)
	errs = append(errs, err)
	c.RateBurst, err = shared.Getenv(shared.GetenvInt, EnvRateBurst, false, c.RateBurst)
	errs = append(errs, err)
	return errors.Join(errs...)
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is empty")
	}
	if c.SessionPath == "" || c.SessionPath[0] != '/' {
		return fmt.Errorf("session_path %q must start with /", c.SessionPath)
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream_timeout must be positive, got %s", c.UpstreamTimeout)
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return errors.New("rate_limit and rate_burst must not be negative")
	}
	u, err := url.Parse(c.OpenAI.BaseURL)
	if err != nil {
		return fmt.Errorf("parsing openai base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("openai base_url %q is not absolute", c.OpenAI.BaseURL)
	}
	return nil
}

// Secrets returns every configured long-lived secret, for scrubbing.
func (c Config) Secrets() []shared.Secret {
	var out []shared.Secret
	for _, s := range []shared.Secret{
		c.OpenAI.APIKey,
		c.Gemini.APIKey,
		c.Bedrock.AccessKeyID,
		c.Bedrock.SecretAccessKey,
	} {
		if s.IsSet() {
			out = append(out, s)
		}
	}
	return out
}
