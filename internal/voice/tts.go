package voice

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/otpgw/otpgw/internal/config"
)

const (
	// synthTimeout bounds a single synthesis round trip.
	synthTimeout = 10 * time.Second

	// promptMaxAge is how long synthesized prompt files are kept on disk.
	// Prompts are throwaway audio; an hour covers any retry of the same code.
	promptMaxAge = time.Hour

	// wavHeaderSize is the canonical 44-byte RIFF/WAVE header length.
	wavHeaderSize = 44

	// wavFormatPCM identifies linear PCM in the WAV fmt chunk.
	wavFormatPCM = 1
)

// synthClient is the part of the Polly API the synthesizer calls.
// Production resolves the real client lazily on first use; tests inject a stub.
type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Synthesizer renders OTP announcements to WAV files in the Asterisk sounds
// directory and returns the media URI to play them with. Files are named by a
// hash of the spoken text, so synthesizing the same code twice reuses the
// existing file.
type Synthesizer struct {
	region    string
	voice     string
	template  string
	soundsDir string
	logger    *slog.Logger

	mu     sync.Mutex
	client synthClient
}

// NewSynthesizer creates a synthesizer from the voice configuration. No AWS
// connection is made until the first Synthesize call.
func NewSynthesizer(cfg *config.Config, logger *slog.Logger) *Synthesizer {
	return &Synthesizer{
		region:    cfg.TTSRegion,
		voice:     cfg.TTSVoice,
		template:  cfg.VoiceTemplate,
		soundsDir: cfg.SoundsDir,
		logger:    logger.With("subsystem", "tts"),
	}
}

// NewSynthesizerWithClient creates a synthesizer backed by the given client.
// Used by tests to avoid real AWS calls.
func NewSynthesizerWithClient(cfg *config.Config, client synthClient, logger *slog.Logger) *Synthesizer {
	s := NewSynthesizer(cfg, logger)
	s.client = client
	return s
}

// Synthesize renders the announcement for the given code and writes it to the
// sounds directory. It returns an Asterisk media URI ("sound:otp/<name>")
// suitable for a channel play operation.
func (s *Synthesizer) Synthesize(ctx context.Context, code string) (string, error) {
	text := s.renderSpoken(code)
	name := promptName(text, s.voice)
	path := filepath.Join(s.soundsDir, name+".wav")

	if _, err := os.Stat(path); err == nil {
		s.logger.Debug("reusing synthesized prompt", "file", name)
		return s.mediaURI(name), nil
	}

	client, err := s.resolveClient(ctx)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, synthTimeout)
	defer cancel()

	sampleRate := "8000"
	out, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       pollytypes.EngineStandard,
		OutputFormat: pollytypes.OutputFormatPcm,
		SampleRate:   &sampleRate,
		Text:         &text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(s.voice),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("synthesizing speech (%s): %w", apiErr.ErrorCode(), err)
		}
		return "", fmt.Errorf("synthesizing speech: %w", err)
	}
	defer out.AudioStream.Close()

	pcm, err := io.ReadAll(out.AudioStream)
	if err != nil {
		return "", fmt.Errorf("reading audio stream: %w", err)
	}
	if len(pcm) == 0 {
		return "", errors.New("synthesis returned empty audio stream")
	}

	if err := s.writePrompt(path, pcm); err != nil {
		return "", err
	}

	s.logger.Info("synthesized voice prompt", "file", name, "bytes", len(pcm))
	return s.mediaURI(name), nil
}

// DigitPrompts returns the built-in Asterisk sound URIs that spell the code
// one digit at a time. Used as the fallback when synthesis fails; the
// orchestrator inserts the configured pause between them.
func DigitPrompts(code string) []string {
	prompts := make([]string, 0, len(code))
	for _, r := range code {
		if r < '0' || r > '9' {
			continue
		}
		prompts = append(prompts, "sound:digits/"+string(r))
	}
	return prompts
}

// StartPromptCleanup runs a background goroutine that removes synthesized
// prompt files older than promptMaxAge. The goroutine stops when the provided
// context is cancelled.
func (s *Synthesizer) StartPromptCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.removeStalePrompts()
			}
		}
	}()
}

func (s *Synthesizer) removeStalePrompts() {
	entries, err := os.ReadDir(s.soundsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("prompt cleanup: failed to read sounds directory", "error", err)
		}
		return
	}

	cutoff := time.Now().Add(-promptMaxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".wav") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		p := filepath.Join(s.soundsDir, entry.Name())
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove prompt file", "path", p, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("prompt cleanup", "removed", removed)
	}
}

// renderSpoken expands the announcement template. The code is spelled with
// pauses between digits so the voice reads "4, 8, 2, 1" rather than a number.
func (s *Synthesizer) renderSpoken(code string) string {
	spelled := strings.Join(strings.Split(code, ""), ", ")
	return strings.ReplaceAll(s.template, "{code}", spelled)
}

// mediaURI builds the Asterisk media URI for a prompt file. Sound names are
// resolved relative to the Asterisk sounds root, so the URI carries the last
// element of the configured directory ("otp" by default).
func (s *Synthesizer) mediaURI(name string) string {
	return "sound:" + filepath.Base(s.soundsDir) + "/" + name
}

func (s *Synthesizer) resolveClient(ctx context.Context) (synthClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if s.region != "" {
		opts = append(opts, awsconfig.WithRegion(s.region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	s.client = polly.NewFromConfig(awsCfg)
	return s.client, nil
}

// writePrompt writes PCM audio wrapped in a WAV container. The file is
// written under a temporary name first so Asterisk never reads a
// half-written prompt.
func (s *Synthesizer) writePrompt(path string, pcm []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating sounds directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating prompt file: %w", err)
	}

	if err := writePromptWAVHeader(f, uint32(len(pcm))); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing wav header: %w", err)
	}
	if _, err := f.Write(pcm); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing audio data: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing prompt file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming prompt file: %w", err)
	}
	return nil
}

// writePromptWAVHeader writes a 44-byte WAV header for linear PCM audio.
// 8000 Hz sample rate, mono, 16 bits per sample, matching Polly's PCM output.
func writePromptWAVHeader(f *os.File, dataSize uint32) error {
	var hdr [wavHeaderSize]byte

	// RIFF header.
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], wavHeaderSize-8+dataSize)
	copy(hdr[8:12], "WAVE")

	// fmt sub-chunk.
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)           // sub-chunk size
	binary.LittleEndian.PutUint16(hdr[20:22], wavFormatPCM) // linear PCM
	binary.LittleEndian.PutUint16(hdr[22:24], 1)            // mono
	binary.LittleEndian.PutUint32(hdr[24:28], 8000)         // sample rate
	binary.LittleEndian.PutUint32(hdr[28:32], 16000)        // byte rate
	binary.LittleEndian.PutUint16(hdr[32:34], 2)            // block align
	binary.LittleEndian.PutUint16(hdr[34:36], 16)           // bits per sample

	// data sub-chunk.
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], dataSize)

	_, err := f.Write(hdr[:])
	return err
}

func promptName(text, voice string) string {
	sum := sha256.Sum256([]byte(voice + "|" + text))
	return "otp-" + hex.EncodeToString(sum[:8])
}
