package tts

import (
	"bytes"
	"context"
	"fmt"
	log "log/slog"
	"os/exec"
	"strings"
	"sync"
)

// ESpeak is the fallback engine: shells out to espeak-ng, which plays
// directly on the default device. Lower quality than piper but always
// available on a stock install.
type ESpeak struct {
	mu       sync.Mutex
	language string
}

func NewESpeak(language string) (*ESpeak, error) {
	if language == "" {
		language = "fr"
	}
	if _, err := exec.LookPath("espeak-ng"); err != nil {
		return nil, fmt.Errorf("espeak-ng binary not found: %w", err)
	}
	return &ESpeak{language: language}, nil
}

func (e *ESpeak) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cmd := exec.CommandContext(ctx, "espeak-ng", "-v", e.language, "--stdin")
	cmd.Stdin = bytes.NewBufferString(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		log.Error("espeak-ng failed", "err", err, "stderr", stderr.String())
		return fmt.Errorf("espeak-ng: %w", err)
	}
	return nil
}
