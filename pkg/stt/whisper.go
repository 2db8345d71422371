// Package stt wraps the whisper.cpp bindings behind the one call the
// agent needs: PCM in, recognized text plus confidence out.
package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"runtime"
	"strings"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

type Options struct {
	Language      string // "auto" when empty
	Threads       int    // <=0 uses NumCPU
	InitialPrompt string
	BeamSize      int // 0 keeps greedy decoding
}

// Result carries the recognized text. Confidence is the mean token
// probability over all segments; the core treats it as informational.
type Result struct {
	Text       string
	Confidence float64
	Language   string
}

type Transcriber struct {
	model whisper.Model
}

func NewTranscriber(modelPath string) (*Transcriber, error) {
	if modelPath == "" {
		return nil, errors.New("empty model path")
	}
	m, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	return &Transcriber{model: m}, nil
}

func (t *Transcriber) Close() error {
	if t.model == nil {
		return nil
	}
	return t.model.Close()
}

// Transcribe runs recognition over mono 16 kHz float32 samples.
func (t *Transcriber) Transcribe(ctx context.Context, pcm16k []float32, opt Options) (Result, error) {
	if t.model == nil {
		return Result{}, errors.New("nil model")
	}
	if len(pcm16k) == 0 {
		return Result{}, errors.New("no audio samples provided")
	}

	wctx, err := t.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("new context: %w", err)
	}

	lang := opt.Language
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return Result{}, fmt.Errorf("set language: %w", err)
	}

	threads := opt.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	wctx.SetThreads(uint(threads))

	if opt.BeamSize > 0 {
		wctx.SetBeamSize(opt.BeamSize)
	}
	if opt.InitialPrompt != "" {
		wctx.SetInitialPrompt(opt.InitialPrompt)
	}

	if err := wctx.Process(pcm16k, nil, nil, nil); err != nil {
		return Result{}, fmt.Errorf("process: %w", err)
	}

	var (
		parts     []string
		probSum   float64
		probCount int
	)
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		seg, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("next segment: %w", err)
		}

		parts = append(parts, seg.Text)
		for _, tok := range seg.Tokens {
			probSum += float64(tok.P)
			probCount++
		}
	}

	confidence := 0.0
	if probCount > 0 {
		confidence = probSum / float64(probCount)
	}

	detected := wctx.DetectedLanguage()
	if detected == "" {
		detected = wctx.Language()
	}

	return Result{
		Text:       NormalizeTranscript(strings.Join(parts, " ")),
		Confidence: confidence,
		Language:   detected,
	}, nil
}

// Non-speech annotations whisper emits for noise, music or silence.
var annotationRe = regexp.MustCompile(`[\[(][^\])]*[\])]`)

// NormalizeTranscript drops bracketed non-speech annotations and
// collapses the whitespace they leave behind.
func NormalizeTranscript(text string) string {
	out := annotationRe.ReplaceAllString(text, " ")
	return strings.Join(strings.Fields(out), " ")
}
