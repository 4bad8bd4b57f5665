package services

import (
	"bytes"
	"context"
	"encoding/binary"
)

const mockSampleRate = 16000

// MockTTSService produces silent mono WAV audio whose length follows the
// text. It is the default narrator in development and in tests.
type MockTTSService struct{}

var _ TTSService = MockTTSService{}

func (MockTTSService) Engine() string { return "mock" }

func (MockTTSService) GenerateSpeech(ctx context.Context, r SpeechRequest) (*TTSResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	durationMs := estimateAudioDuration(r.Text, speedOr(r.Speed, 1.0))
	return &TTSResponse{
		AudioData:  silentWAV(durationMs),
		DurationMs: durationMs,
		Format:     "wav",
	}, nil
}

// silentWAV encodes durationMs of 16-bit PCM silence.
func silentWAV(durationMs int) []byte {
	samples := mockSampleRate * durationMs / 1000
	dataLen := samples * 2

	var buf bytes.Buffer
	buf.Grow(44 + dataLen)
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(mockSampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(mockSampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	buf.Write(make([]byte, dataLen))
	return buf.Bytes()
}
