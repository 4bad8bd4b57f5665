package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bobarin/voxbook/internal/models"
)

// ---------------------------------------------------------------------------
// FFmpegService: audio assembly for exports
// ---------------------------------------------------------------------------

const exportSampleRate = 44100

type FFmpegService struct {
	tempDir string
}

func NewFFmpegService(tempDir string) *FFmpegService {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		panic(fmt.Sprintf("failed to create temp dir: %v", err))
	}

	return &FFmpegService{
		tempDir: tempDir,
	}
}

// Segment is one dialogue's audio followed by a pause.
type Segment struct {
	Path    string
	PauseMs int
}

// ConcatenateAudio joins segments in order into outputPath, padding each
// segment but the last with its pause, and encodes to format at quality.
func (s *FFmpegService) ConcatenateAudio(ctx context.Context, segments []Segment, outputPath string, format models.ExportFormat, quality models.ExportQuality) error {
	args, err := buildConcatArgs(segments, outputPath, format, quality)
	if err != nil {
		return err
	}

	log.Printf("[FFmpeg] Concatenating %d segments into %s (%s, %s)", len(segments), filepath.Base(outputPath), format, quality)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg concatenate audio failed: %w", err)
	}

	return nil
}

func buildConcatArgs(segments []Segment, outputPath string, format models.ExportFormat, quality models.ExportQuality) ([]string, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("no audio segments to concatenate")
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	for _, seg := range segments {
		args = append(args, "-i", seg.Path)
	}

	// Normalize every input so concat sees identical streams.
	var filter strings.Builder
	for i, seg := range segments {
		fmt.Fprintf(&filter, "[%d:a]aresample=%d,aformat=sample_fmts=s16:channel_layouts=mono", i, exportSampleRate)
		if i < len(segments)-1 && seg.PauseMs > 0 {
			fmt.Fprintf(&filter, ",apad=pad_dur=%.3f", float64(seg.PauseMs)/1000.0)
		}
		fmt.Fprintf(&filter, "[a%d];", i)
	}
	for i := range segments {
		fmt.Fprintf(&filter, "[a%d]", i)
	}
	fmt.Fprintf(&filter, "concat=n=%d:v=0:a=1[out]", len(segments))

	args = append(args, "-filter_complex", filter.String(), "-map", "[out]")
	args = append(args, codecArgs(format, quality)...)
	args = append(args, "-y", outputPath)
	return args, nil
}

func codecArgs(format models.ExportFormat, quality models.ExportQuality) []string {
	switch format {
	case models.ExportFormatWAV:
		return []string{"-c:a", "pcm_s16le"}
	case models.ExportFormatM4A:
		return []string{"-c:a", "aac", "-b:a", quality.Bitrate(), "-movflags", "+faststart"}
	default:
		return []string{"-c:a", "libmp3lame", "-b:a", quality.Bitrate()}
	}
}

// GetAudioDuration returns the duration of an audio file in milliseconds.
func (s *FFmpegService) GetAudioDuration(ctx context.Context, audioPath string) (int, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		audioPath,
	}

	cmd := exec.CommandContext(ctx, "ffprobe", args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	var durationSec float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%f", &durationSec); err != nil {
		return 0, fmt.Errorf("failed to parse duration: %w", err)
	}

	return int(durationSec * 1000), nil
}

// CreateTempFile returns a path in the service's temp directory.
func (s *FFmpegService) CreateTempFile(filename string) string {
	return filepath.Join(s.tempDir, filename)
}

// Cleanup removes temporary files.
func (s *FFmpegService) Cleanup(paths ...string) {
	for _, path := range paths {
		os.Remove(path)
	}
}
