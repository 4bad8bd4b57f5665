package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bobarin/voxbook/internal/models"
)

// ---------------------------------------------------------------------------
// TTSService: common interface for text-to-speech providers
// The worker picks a provider per dialogue from the voice config's engine,
// so ElevenLabs, OpenAI and the mock narrator are interchangeable.
// ---------------------------------------------------------------------------

// TTSResponse is the common response type from any TTS provider.
type TTSResponse struct {
	AudioData  []byte
	DurationMs int
	Format     string // "mp3", "wav", etc.
}

// SpeechRequest is a provider-neutral synthesis request.
type SpeechRequest struct {
	Text    string
	VoiceID string   // provider voice; empty uses the provider default
	Speed   *float64 // 1.0 is normal
	Pitch   *float64 // semitones; providers without pitch control ignore it
	Volume  *float64 // 0..1; providers without gain control ignore it
}

// SpeechRequestFor builds a request from a resolved voice config.
func SpeechRequestFor(text string, voice models.VoiceConfig) SpeechRequest {
	return SpeechRequest{
		Text:    text,
		VoiceID: voice.VoiceID,
		Speed:   voice.Speed,
		Pitch:   voice.Pitch,
		Volume:  voice.Volume,
	}
}

// TTSService is the interface that any TTS provider must implement.
type TTSService interface {
	// Engine is the voice-config engine name this provider answers to.
	Engine() string
	GenerateSpeech(ctx context.Context, req SpeechRequest) (*TTSResponse, error)
}

// TTSRegistry maps engine names to providers. An empty engine, used for
// narration without a character voice, resolves to the narrator engine.
type TTSRegistry struct {
	mu        sync.RWMutex
	providers map[string]TTSService
	narrator  string
}

func NewTTSRegistry(narrator string) *TTSRegistry {
	return &TTSRegistry{
		providers: make(map[string]TTSService),
		narrator:  narrator,
	}
}

func (r *TTSRegistry) Register(s TTSService) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(s.Engine())] = s
}

// Resolve returns the provider for engine.
func (r *TTSRegistry) Resolve(engine string) (TTSService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := strings.ToLower(strings.TrimSpace(engine))
	if name == "" {
		name = r.narrator
	}
	s, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("no TTS provider registered for engine %q (available: %s)", name, strings.Join(r.enginesLocked(), ", "))
	}
	return s, nil
}

// Narrator is the engine used when a voice config names none.
func (r *TTSRegistry) Narrator() string {
	return r.narrator
}

// Engines lists the registered engine names.
func (r *TTSRegistry) Engines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enginesLocked()
}

func (r *TTSRegistry) enginesLocked() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// estimateAudioDuration approximates spoken length from text at ~15 chars/s,
// adjusted for speed. Used when a provider does not report duration.
func estimateAudioDuration(text string, speed float64) int {
	if speed <= 0 {
		speed = 1.0
	}
	chars := utf8.RuneCountInString(strings.TrimSpace(text))
	ms := int(float64(chars) / 15.0 * 1000.0 / speed)
	if ms < 500 {
		ms = 500
	}
	return ms
}

func speedOr(v *float64, def float64) float64 {
	if v == nil || *v <= 0 {
		return def
	}
	return *v
}
