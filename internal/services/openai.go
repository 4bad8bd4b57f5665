package services

import (
	"context"
	"fmt"
	"io"
	"log"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAISpeechService synthesizes speech with the OpenAI audio API.
type OpenAISpeechService struct {
	client *openai.Client
	model  openai.SpeechModel
	voice  openai.SpeechVoice
}

var _ TTSService = (*OpenAISpeechService)(nil)

func NewOpenAISpeechService(apiKey string) *OpenAISpeechService {
	return &OpenAISpeechService{
		client: openai.NewClient(apiKey),
		model:  openai.TTSModel1,
		voice:  openai.VoiceAlloy,
	}
}

func (s *OpenAISpeechService) Engine() string { return "openai" }

func (s *OpenAISpeechService) GenerateSpeech(ctx context.Context, r SpeechRequest) (*TTSResponse, error) {
	voice := s.voice
	if r.VoiceID != "" {
		voice = openai.SpeechVoice(r.VoiceID)
	}
	// The speech endpoint accepts 0.25 to 4.0.
	speed := clamp(speedOr(r.Speed, 1.0), 0.25, 4.0)

	log.Printf("[OpenAI TTS] Generating speech (voice=%s, model=%s, textLen=%d, speed=%.2f)",
		voice, s.model, len(r.Text), speed)

	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          s.model,
		Input:          r.Text,
		Voice:          voice,
		ResponseFormat: openai.SpeechResponseFormatMp3,
		Speed:          speed,
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech request failed: %w", err)
	}
	defer resp.Close()

	audioData, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read openai speech response: %w", err)
	}
	if len(audioData) == 0 {
		return nil, fmt.Errorf("openai returned empty audio")
	}

	return &TTSResponse{
		AudioData:  audioData,
		DurationMs: estimateAudioDuration(r.Text, speed),
		Format:     "mp3",
	}, nil
}
