// Package notify plays short cue sounds: the listening chime before a
// capture starts, so the user knows the microphone is live.
package notify

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
)

// Chime plays a preloaded mp3 cue. Decoding happens once at startup so
// a missing or corrupt file fails fast instead of at first use.
type Chime struct {
	mu     sync.Mutex
	buffer *beep.Buffer
}

func LoadChime(path string) (*Chime, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open chime: %w", err)
	}
	defer f.Close()

	streamer, format, err := mp3.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode chime: %w", err)
	}
	defer streamer.Close()

	if err := speaker.Init(format.SampleRate, format.SampleRate.N(time.Second/10)); err != nil {
		return nil, fmt.Errorf("speaker init: %w", err)
	}

	buffer := beep.NewBuffer(format)
	buffer.Append(streamer)

	return &Chime{buffer: buffer}, nil
}

// Play blocks until the cue finished or ctx is cancelled.
func (c *Chime) Play(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	done := make(chan struct{})
	speaker.Play(beep.Seq(
		c.buffer.Streamer(0, c.buffer.Len()),
		beep.Callback(func() { close(done) }),
	))

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
