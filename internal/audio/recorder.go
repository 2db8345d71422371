package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/go-audio/wav"
	"github.com/gordonklaus/portaudio"
)

// InitDevice initializes the shared audio host API. Call once at
// startup, paired with CloseDevice at shutdown.
func InitDevice() error { return portaudio.Initialize() }

func CloseDevice() { portaudio.Terminate() }

// DefaultStrategies returns the capture strategies in priority order:
// VAD streaming, fixed-duration streaming, simplified blocking record,
// then an external recorder as last resort.
func DefaultStrategies() []Strategy {
	return []Strategy{
		&VADStrategy{},
		&FixedStrategy{},
		&BlockingStrategy{},
		&ExecStrategy{},
	}
}

// VADStrategy streams 20ms frames and stops on its own once the
// speaker has been silent for cfg.SilenceHold. Leading silence before
// speech onset is discarded.
type VADStrategy struct{}

func (*VADStrategy) Name() string { return "portaudio-vad" }

func (*VADStrategy) Record(ctx context.Context, cfg Config, started chan<- struct{}) ([]float32, error) {
	frameSize := cfg.SampleRate / 50 // 20ms
	buf := make([]float32, frameSize)

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(cfg.SampleRate), len(buf), buf)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return nil, err
	}
	defer stream.Stop()

	close(started)

	var (
		speaking      bool
		silenceFrames int
	)
	holdFrames := int(cfg.SilenceHold / (20 * time.Millisecond))
	maxFrames := int(cfg.MaxDuration/time.Millisecond) / 20
	out := make([]float32, 0, cfg.SampleRate*3)

	for i := 0; i < maxFrames; i++ {
		select {
		case <-ctx.Done():
			return out, nil
		default:
		}

		if err := stream.Read(); err != nil {
			return out, err
		}

		if frameRMS(buf) > cfg.SilenceRMS {
			speaking = true
			silenceFrames = 0
			out = append(out, buf...)
		} else if speaking {
			silenceFrames++
			if silenceFrames >= holdFrames {
				break
			}
			out = append(out, buf...)
		}
	}

	return out, nil
}

// FixedStrategy streams until cancelled or cfg.MaxDuration elapses,
// keeping everything including silence.
type FixedStrategy struct{}

func (*FixedStrategy) Name() string { return "portaudio-fixed" }

func (*FixedStrategy) Record(ctx context.Context, cfg Config, started chan<- struct{}) ([]float32, error) {
	const frameSize = 1024
	buf := make([]float32, frameSize)

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(cfg.SampleRate), len(buf), buf)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return nil, err
	}
	defer stream.Stop()

	close(started)

	deadline := time.Now().Add(cfg.MaxDuration)
	out := make([]float32, 0, int(float64(cfg.SampleRate)*cfg.MaxDuration.Seconds()))

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return out, nil
		default:
		}

		if err := stream.Read(); err != nil {
			return out, err
		}
		out = append(out, buf...)
	}

	return out, nil
}

// BlockingStrategy reads one large buffer at a time and only notices
// cancellation between reads. Less responsive, fewer moving parts.
type BlockingStrategy struct{}

func (*BlockingStrategy) Name() string { return "portaudio-blocking" }

func (*BlockingStrategy) Record(ctx context.Context, cfg Config, started chan<- struct{}) ([]float32, error) {
	buf := make([]float32, cfg.SampleRate) // 1s chunks
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(cfg.SampleRate), len(buf), buf)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return nil, err
	}
	defer stream.Stop()

	close(started)

	chunks := int(cfg.MaxDuration / time.Second)
	if chunks < 1 {
		chunks = 1
	}
	out := make([]float32, 0, len(buf)*chunks)

	for i := 0; i < chunks; i++ {
		if err := stream.Read(); err != nil {
			return out, err
		}
		out = append(out, buf...)

		select {
		case <-ctx.Done():
			return out, nil
		default:
		}
	}

	return out, nil
}

// ExecStrategy shells out to an external recorder (arecord by default)
// and decodes the resulting WAV. Last resort when the host API refuses
// to open the device directly.
type ExecStrategy struct{}

func (*ExecStrategy) Name() string { return "exec-recorder" }

func (*ExecStrategy) Record(ctx context.Context, cfg Config, started chan<- struct{}) ([]float32, error) {
	if _, err := exec.LookPath(cfg.Recorder); err != nil {
		return nil, fmt.Errorf("%s not found: %w", cfg.Recorder, err)
	}

	tmp, err := os.CreateTemp("", "qaia-rec-*.wav")
	if err != nil {
		return nil, err
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	seconds := int(cfg.MaxDuration.Seconds())
	if seconds < 1 {
		seconds = 1
	}

	cmd := exec.CommandContext(ctx, cfg.Recorder,
		"-q",
		"-f", "S16_LE",
		"-r", strconv.Itoa(cfg.SampleRate),
		"-c", "1",
		"-d", strconv.Itoa(seconds),
		tmp.Name(),
	)
	// SIGTERM so the recorder finalizes the WAV header before exiting.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	close(started)

	err = cmd.Wait()
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("%s: %w", cfg.Recorder, err)
	}

	return decodeWAVFile(tmp.Name())
}

func decodeWAVFile(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if pcm == nil || len(pcm.Data) == 0 {
		return nil, errors.New("no audio recorded")
	}

	bitDepth := pcm.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(int(1) << (bitDepth - 1))

	out := make([]float32, len(pcm.Data))
	for i, v := range pcm.Data {
		out[i] = float32(v) / scale
	}
	return out, nil
}

func frameRMS(f []float32) float64 {
	var s float64
	for _, x := range f {
		s += float64(x * x)
	}
	return math.Sqrt(s / float64(len(f)))
}
