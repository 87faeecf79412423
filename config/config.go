package config

import (
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "BROCA"

type Config struct {
	Addr     string         `mapstructure:"addr"`
	Log      LogConfig      `mapstructure:"log"`
	Speech   SpeechConfig   `mapstructure:"speech"`
	Google   GoogleConfig   `mapstructure:"google"`
	Deepgram DeepgramConfig `mapstructure:"deepgram"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Prompt   PromptConfig   `mapstructure:"prompt"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Database DatabaseConfig `mapstructure:"database"`
	Session  SessionConfig  `mapstructure:"session"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SpeechConfig struct {
	Provider       string `mapstructure:"provider"`
	Language       string `mapstructure:"language"`
	Encoding       string `mapstructure:"encoding"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Model          string `mapstructure:"model"`
	InterimResults bool   `mapstructure:"interim_results"`
}

type GoogleConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"`
}

type DeepgramConfig struct {
	APIKey string `mapstructure:"api_key"`
	URL    string `mapstructure:"url"`
	// Model replaces speech.model, whose default names a Google model.
	Model string `mapstructure:"model"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

type PromptConfig struct {
	Dir string `mapstructure:"dir"`
}

type JournalConfig struct {
	Dir string `mapstructure:"dir"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type SessionConfig struct {
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

var defaults = map[string]interface{}{
	"addr":                    ":8000",
	"log.level":               "info",
	"log.format":              "text",
	"speech.provider":         "google",
	"speech.language":         "en-US",
	"speech.encoding":         "webm_opus",
	"speech.sample_rate":      48000,
	"speech.model":            "latest_long",
	"speech.interim_results":  true,
	"google.credentials_file": "",
	"deepgram.api_key":        "",
	"deepgram.url":            "",
	"deepgram.model":          "nova-2",
	"openai.api_key":          "",
	"openai.base_url":         "",
	"openai.model":            "gpt-3.5-turbo-instruct",
	"prompt.dir":              "./transcripts",
	"journal.dir":             "./logs",
	"database.url":            "",
	"session.drain_timeout":   "10s",
}

// Provider keys that are also read from their conventional variable names.
var bareEnv = map[string]string{
	"openai.api_key":          "OPENAI_API_KEY",
	"deepgram.api_key":        "DEEPGRAM_API_KEY",
	"google.credentials_file": "GOOGLE_APPLICATION_CREDENTIALS",
	"database.url":            "DATABASE_URL",
}

// New returns a viper instance with defaults and environment lookups set
// up. Flags and config files are layered on by the caller.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range bareEnv {
		_ = v.BindEnv(key, envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}
	return v
}

// ReadFile reads path, or ./config.yaml when path is empty. A missing
// default file is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if path == "" && errors.As(err, &notFound) {
		return nil
	}
	return errors.Wrap(err, "read config")
}

// Load decodes and validates the configuration.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.Speech.Provider = strings.ToLower(c.Speech.Provider)
	switch c.Speech.Provider {
	case "google", "mock":
	case "deepgram":
		if c.Deepgram.APIKey == "" {
			return errors.New("deepgram.api_key is required for the deepgram provider")
		}
	default:
		return errors.Errorf("unknown speech.provider %q", c.Speech.Provider)
	}
	if c.Speech.SampleRate <= 0 {
		return errors.Errorf("speech.sample_rate must be positive, got %d", c.Speech.SampleRate)
	}
	if c.Session.DrainTimeout <= 0 {
		return errors.Errorf("session.drain_timeout must be positive, got %s", c.Session.DrainTimeout)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	switch c.Log.Format {
	case "text", "json", "logfmt":
	default:
		return errors.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}
