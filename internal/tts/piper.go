package tts

import (
	"bytes"
	"context"
	"fmt"
	log "log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"
)

var speakerOnce sync.Once

// StopPlayback cuts whatever is currently playing on the shared speaker.
func StopPlayback() {
	speaker.Clear()
}

// Piper synthesizes speech by invoking the piper binary and playing the
// resulting WAV. Only one utterance plays at a time.
type Piper struct {
	mu      sync.Mutex
	binPath string
	voice   string
}

func NewPiper(binPath, voice string) (*Piper, error) {
	if binPath == "" {
		binPath = "piper"
	}
	if _, err := exec.LookPath(binPath); err != nil {
		return nil, fmt.Errorf("piper binary not found: %w", err)
	}
	return &Piper{binPath: binPath, voice: voice}, nil
}

func (p *Piper) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	tmp, err := os.CreateTemp("", "qaia-tts-*.wav")
	if err != nil {
		return fmt.Errorf("tts temp file: %w", err)
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	args := []string{"--output_file", tmp.Name()}
	if p.voice != "" {
		args = append(args, "--model", p.voice)
	}

	cmd := exec.CommandContext(ctx, p.binPath, args...)
	cmd.Stdin = bytes.NewBufferString(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		log.Error("Piper failed", "err", err, "stderr", stderr.String())
		return fmt.Errorf("piper: %w", err)
	}

	return playWAV(ctx, tmp.Name())
}

func playWAV(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	streamer, format, err := wav.Decode(f)
	if err != nil {
		return fmt.Errorf("decode wav: %w", err)
	}
	defer streamer.Close()

	var initErr error
	speakerOnce.Do(func() {
		initErr = speaker.Init(format.SampleRate, format.SampleRate.N(time.Second/10))
	})
	if initErr != nil {
		return fmt.Errorf("speaker init: %w", initErr)
	}

	done := make(chan struct{})
	speaker.Play(beep.Seq(streamer, beep.Callback(func() { close(done) })))

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Clear()
		return ctx.Err()
	}
}
