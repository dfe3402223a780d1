package main

import (
	"fmt"
	"strings"

	"github.com/harunnryd/speechchat/pkg/adapters/stt"
	"github.com/harunnryd/speechchat/pkg/adapters/tts"
	"github.com/harunnryd/speechchat/pkg/configutil"
	"github.com/harunnryd/speechchat/pkg/providers/deepgram"
	"github.com/harunnryd/speechchat/pkg/providers/elevenlabs"
	"github.com/harunnryd/speechchat/pkg/providers/mock"
	"github.com/harunnryd/speechchat/pkg/speechchat"
	"github.com/harunnryd/speechchat/pkg/transports"
	mocktransport "github.com/harunnryd/speechchat/pkg/transports/mock"
	twiliotransport "github.com/harunnryd/speechchat/pkg/transports/twilio"
	"github.com/harunnryd/speechchat/pkg/transports/webchat"
)

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	VADEvents      *bool  `mapstructure:"vad_events"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
	ConnectRetries *int   `mapstructure:"connect_retries"`
}

type mockRecognizerSettings struct {
	Interims   []string `mapstructure:"interims"`
	Transcript string   `mapstructure:"transcript"`
	Confidence float64  `mapstructure:"confidence"`
	ErrorCode  string   `mapstructure:"error_code"`
	EmitVAD    *bool    `mapstructure:"emit_vad"`
	AutoRun    *bool    `mapstructure:"auto_run"`
}

type elevenlabsSettings struct {
	APIKey         string `mapstructure:"api_key"`
	VoiceID        string `mapstructure:"voice_id"`
	ModelID        string `mapstructure:"model_id"`
	OutputFormat   string `mapstructure:"output_format"`
	SampleRate     int    `mapstructure:"sample_rate"`
	BaseURL        string `mapstructure:"base_url"`
	ConnectRetries *int   `mapstructure:"connect_retries"`
}

type mockTTSSettings struct {
	SampleRate     int   `mapstructure:"sample_rate"`
	Channels       int   `mapstructure:"channels"`
	HoldAudioReady *bool `mapstructure:"hold_audio_ready"`
}

func validDeepgramEncoding(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "linear16", "mulaw", "opus":
		return true
	default:
		return false
	}
}

func registerProviders(reg *speechchat.ProviderRegistry) {
	reg.RegisterRecognizer("deepgram", func(cfg speechchat.Config) (stt.Recognizer, error) {
		if err := validateSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "language", "sample_rate", "encoding", "vad_events", "utterance_end_ms", "connect_retries"},
		}); err != nil {
			return nil, err
		}
		var settings deepgramSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return nil, err
		}
		if settings.Language == "" {
			settings.Language = cfg.Dictation.Language
		}
		if settings.Encoding != "" && !validDeepgramEncoding(settings.Encoding) {
			return nil, fmt.Errorf("vendors.stt.settings.encoding must be one of [linear16, mulaw, opus], got %s", settings.Encoding)
		}
		utteranceEnd := configutil.IntValue(settings.UtteranceEndMS, 1000)
		if utteranceEnd < 0 || utteranceEnd > 5000 {
			return nil, fmt.Errorf("vendors.stt.settings.utterance_end_ms must be between 0 and 5000, got %d", utteranceEnd)
		}
		return deepgram.New(deepgram.Config{
			APIKey:         settings.APIKey,
			Model:          settings.Model,
			Language:       settings.Language,
			SampleRate:     settings.SampleRate,
			Encoding:       settings.Encoding,
			StreamID:       cfg.ConversationID,
			VADEvents:      configutil.BoolValue(settings.VADEvents, true),
			UtteranceEndMS: utteranceEnd,
			ConnectRetries: configutil.IntValue(settings.ConnectRetries, 2),
		}), nil
	})

	reg.RegisterRecognizer("mock", func(cfg speechchat.Config) (stt.Recognizer, error) {
		if err := validateSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Optional: []string{"interims", "transcript", "confidence", "error_code", "emit_vad", "auto_run"},
		}); err != nil {
			return nil, err
		}
		var settings mockRecognizerSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		return mock.NewRecognizer(mock.RecognizerConfig{
			StreamID:   cfg.ConversationID,
			Interims:   settings.Interims,
			Transcript: settings.Transcript,
			Confidence: settings.Confidence,
			ErrorCode:  settings.ErrorCode,
			EmitVAD:    configutil.BoolValue(settings.EmitVAD, false),
			AutoRun:    configutil.BoolValue(settings.AutoRun, true),
		}), nil
	})

	reg.RegisterSynthesizer("elevenlabs", func(cfg speechchat.Config) (tts.StreamingTTS, error) {
		if err := validateSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
			Required: []string{"api_key", "voice_id"},
			Optional: []string{"model_id", "output_format", "sample_rate", "base_url", "connect_retries"},
		}); err != nil {
			return nil, err
		}
		var settings elevenlabsSettings
		if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.tts.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.VoiceID, "vendors.tts.settings.voice_id"); err != nil {
			return nil, err
		}
		return elevenlabs.New(elevenlabs.Config{
			APIKey:         settings.APIKey,
			VoiceID:        settings.VoiceID,
			ModelID:        settings.ModelID,
			OutputFormat:   settings.OutputFormat,
			SampleRate:     settings.SampleRate,
			StreamID:       cfg.ConversationID,
			BaseURL:        settings.BaseURL,
			ConnectRetries: configutil.IntValue(settings.ConnectRetries, 1),
		}), nil
	})

	reg.RegisterSynthesizer("mock", func(cfg speechchat.Config) (tts.StreamingTTS, error) {
		if err := validateSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
			Optional: []string{"sample_rate", "channels", "hold_audio_ready"},
		}); err != nil {
			return nil, err
		}
		var settings mockTTSSettings
		if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
			return nil, err
		}
		return mock.NewTTS(mock.TTSConfig{
			StreamID:       cfg.ConversationID,
			SampleRate:     settings.SampleRate,
			Channels:       settings.Channels,
			HoldAudioReady: configutil.BoolValue(settings.HoldAudioReady, false),
		}), nil
	})

	for _, name := range []string{"websocket", "webchat"} {
		reg.RegisterTransport(name, buildWebchat)
	}
	reg.RegisterTransport("twilio", buildTwilio)
	reg.RegisterTransport("mock", func(speechchat.Config) (transports.Transport, error) {
		return mocktransport.New(), nil
	})
}

func buildWebchat(cfg speechchat.Config) (transports.Transport, error) {
	if err := validateSettings("transports.settings", cfg.Transports.Settings, configutil.Schema{
		Optional: []string{"server_addr", "path", "sample_rate", "allow_any_origin", "allowed_origins"},
	}); err != nil {
		return nil, err
	}
	var settings webchat.Config
	if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
		return nil, err
	}
	settings.ConversationID = cfg.ConversationID
	return webchat.New(settings), nil
}

func buildTwilio(cfg speechchat.Config) (transports.Transport, error) {
	if err := validateSettings("transports.settings", cfg.Transports.Settings, configutil.Schema{
		Required: []string{"account_sid", "auth_token", "from", "to"},
		Optional: []string{"public_url", "server_addr", "webhook_path", "max_retries"},
	}); err != nil {
		return nil, err
	}
	var settings twiliotransport.Config
	if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(settings.AccountSID, "transports.settings.account_sid"); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(settings.AuthToken, "transports.settings.auth_token"); err != nil {
		return nil, err
	}
	return twiliotransport.New(settings), nil
}

func validateSettings(path string, input map[string]any, schema configutil.Schema) error {
	schema.Path = path
	return configutil.ValidateSettings(input, schema)
}
