package speechchat

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/harunnryd/speechchat/pkg/view"
)

type Config struct {
	Environment    string              `mapstructure:"environment"`
	LogLevel       string              `mapstructure:"log_level"`
	LogFormat      string              `mapstructure:"log_format"`
	ConversationID string              `mapstructure:"conversation_id"`
	Dictation      DictationConfig     `mapstructure:"dictation"`
	UI             UIConfig            `mapstructure:"ui"`
	Chat           ChatConfig          `mapstructure:"chat"`
	Vendors        VendorsConfig       `mapstructure:"vendors"`
	Transports     TransportsConfig    `mapstructure:"transports"`
	Observability  ObservabilityConfig `mapstructure:"observability"`
	Privacy        PrivacyConfig       `mapstructure:"privacy"`
	Shutdown       ShutdownConfig      `mapstructure:"shutdown"`
}

type DictationConfig struct {
	Continuous          bool     `mapstructure:"continuous"`
	Language            string   `mapstructure:"language"`
	GrammarList         []string `mapstructure:"grammar_list"`
	SendTypingIndicator bool     `mapstructure:"send_typing_indicator"`
}

type UIConfig struct {
	Disabled    bool   `mapstructure:"disabled"`
	InitialView string `mapstructure:"initial_view"`
}

type ChatConfig struct {
	MaxActivities int `mapstructure:"max_activities"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type ObservabilityConfig struct {
	ArtifactsDir string `mapstructure:"artifacts_dir"`
	MetricsFile  string `mapstructure:"metrics_file"`
	AsyncBuffer  int    `mapstructure:"async_buffer"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type ShutdownConfig struct {
	DrainTimeoutMS int `mapstructure:"drain_timeout_ms"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("dictation.continuous", false)
	v.SetDefault("dictation.language", "en-US")
	v.SetDefault("dictation.send_typing_indicator", true)
	v.SetDefault("ui.disabled", false)
	v.SetDefault("ui.initial_view", string(view.Speech))
	v.SetDefault("chat.max_activities", 200)
	v.SetDefault("vendors.tts.provider", "mock")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.metrics_file", "")
	v.SetDefault("observability.async_buffer", 1024)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("shutdown.drain_timeout_ms", 5000)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if _, err := view.Parse(c.UI.InitialView); err != nil {
		return fmt.Errorf("ui.initial_view: %w", err)
	}
	if c.Chat.MaxActivities < 0 {
		return fmt.Errorf("chat.max_activities must be >= 0, got %d", c.Chat.MaxActivities)
	}
	for i, phrase := range c.Dictation.GrammarList {
		if strings.TrimSpace(phrase) == "" {
			return fmt.Errorf("dictation.grammar_list[%d] is empty", i)
		}
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			expandValue(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
