package speechchat

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harunnryd/speechchat/pkg/adapters/stt"
	"github.com/harunnryd/speechchat/pkg/adapters/tts"
	"github.com/harunnryd/speechchat/pkg/transports"
)

type RecognizerFactory func(cfg Config) (stt.Recognizer, error)
type SynthesizerFactory func(cfg Config) (tts.StreamingTTS, error)
type TransportFactory func(cfg Config) (transports.Transport, error)

// ProviderRegistry maps configured provider names to constructors.
type ProviderRegistry struct {
	stt       map[string]RecognizerFactory
	tts       map[string]SynthesizerFactory
	transport map[string]TransportFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt:       make(map[string]RecognizerFactory),
		tts:       make(map[string]SynthesizerFactory),
		transport: make(map[string]TransportFactory),
	}
}

func (r *ProviderRegistry) RegisterRecognizer(name string, factory RecognizerFactory) {
	r.stt[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterSynthesizer(name string, factory SynthesizerFactory) {
	r.tts[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterTransport(name string, factory TransportFactory) {
	r.transport[normalizeName(name)] = factory
}

func (r *ProviderRegistry) BuildRecognizer(cfg Config) (stt.Recognizer, error) {
	fn := r.stt[normalizeName(cfg.Vendors.STT.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s (have %s)", cfg.Vendors.STT.Provider, names(r.stt))
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildSynthesizer(cfg Config) (tts.StreamingTTS, error) {
	fn := r.tts[normalizeName(cfg.Vendors.TTS.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s (have %s)", cfg.Vendors.TTS.Provider, names(r.tts))
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildTransport(cfg Config) (transports.Transport, error) {
	fn := r.transport[normalizeName(cfg.Transports.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("transport provider not registered: %s (have %s)", cfg.Transports.Provider, names(r.transport))
	}
	return fn(cfg)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func names[T any](m map[string]T) string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}
