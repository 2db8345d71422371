// Package tts turns reply text into audible speech. Engines are
// interchangeable; playback goes through the shared speaker device.
package tts

import "context"

// Synthesizer speaks one utterance and blocks until playback finishes
// or the context is cancelled.
type Synthesizer interface {
	Speak(ctx context.Context, text string) error
}
