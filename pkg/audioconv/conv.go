// Package audioconv decodes audio files into the mono 16 kHz float32
// PCM the recognizer consumes. Supported containers: WAV, MP3, Ogg
// (Vorbis or Opus).
package audioconv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
	mp3 "github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	"github.com/pekim/opus"
)

const targetRate = 16000

// DecodeFile reads path and returns mono 16 kHz samples in [-1, 1].
// maxSamples truncates the result when positive.
func DecodeFile(path string, maxSamples int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	kind := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if kind == "" || kind == "oga" {
		kind = sniff(f)
	}

	var samples []float32
	switch kind {
	case "wav":
		samples, err = decodeWAV(f)
	case "mp3":
		samples, err = decodeMP3(f)
	case "ogg":
		samples, err = decodeOgg(f)
	default:
		return nil, fmt.Errorf("unsupported audio format %q", kind)
	}
	if err != nil {
		return nil, err
	}

	if maxSamples > 0 && len(samples) > maxSamples {
		samples = samples[:maxSamples]
	}
	return samples, nil
}

// sniff peeks the container magic when the extension is missing or
// ambiguous.
func sniff(r io.ReadSeeker) string {
	magic := make([]byte, 4)
	_, err := io.ReadFull(r, magic)
	r.Seek(0, io.SeekStart)
	if err != nil {
		return ""
	}
	switch {
	case bytes.Equal(magic, []byte("RIFF")):
		return "wav"
	case bytes.Equal(magic, []byte("OggS")):
		return "ogg"
	}
	return ""
}

func decodeWAV(r io.ReadSeeker) ([]float32, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, errors.New("invalid wav file")
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, err
	}
	if pcm == nil || len(pcm.Data) == 0 {
		return nil, errors.New("empty wav file")
	}

	bitDepth := int(dec.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := 1.0 / float64(int64(1)<<(bitDepth-1))

	samples := make([]float32, len(pcm.Data))
	for i, v := range pcm.Data {
		samples[i] = clamp(float32(float64(v) * scale))
	}

	channels, rate := 1, 44100
	if pcm.Format != nil {
		if pcm.Format.NumChannels > 0 {
			channels = pcm.Format.NumChannels
		}
		if pcm.Format.SampleRate > 0 {
			rate = pcm.Format.SampleRate
		}
	}
	return toMono16k(samples, channels, rate), nil
}

func decodeMP3(r io.Reader) ([]float32, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, err
	}

	var raw bytes.Buffer
	if _, err := io.Copy(&raw, dec); err != nil {
		return nil, err
	}

	ints := make([]int16, raw.Len()/2)
	if err := binary.Read(bytes.NewReader(raw.Bytes()), binary.LittleEndian, &ints); err != nil {
		return nil, err
	}

	samples := int16ToFloat32(ints)
	rate := dec.SampleRate()
	if rate <= 0 {
		rate = 44100
	}
	// The decoder always emits interleaved stereo.
	return toMono16k(samples, 2, rate), nil
}

// decodeOgg tries Vorbis first, then Opus on the same stream.
func decodeOgg(r io.ReadSeeker) ([]float32, error) {
	pcm, format, err := oggvorbis.ReadAll(r)
	if err == nil {
		if format == nil || format.Channels <= 0 || format.SampleRate <= 0 {
			return nil, errors.New("invalid vorbis stream")
		}
		return toMono16k(pcm, format.Channels, format.SampleRate), nil
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	samples, opErr := decodeOpus(r)
	if opErr != nil {
		return nil, fmt.Errorf("ogg is neither vorbis nor opus: %w", opErr)
	}
	return samples, nil
}

func decodeOpus(r io.ReadSeeker) ([]float32, error) {
	dec, err := opus.NewDecoder(r)
	if err != nil {
		return nil, err
	}
	defer dec.Destroy()

	channels := dec.ChannelCount()
	if channels <= 0 {
		channels = 1
	}

	// Opus always decodes at 48 kHz.
	var pcm []float32
	buf := make([]int16, 48000*channels/2)
	for {
		n, err := dec.Read(buf)
		if n > 0 {
			pcm = append(pcm, int16ToFloat32(buf[:n*channels])...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	if len(pcm) == 0 {
		return nil, errors.New("empty opus stream")
	}
	return toMono16k(pcm, channels, 48000), nil
}

// toMono16k downmixes interleaved channels and resamples to the target
// rate with linear interpolation.
func toMono16k(in []float32, channels, rate int) []float32 {
	if channels > 1 {
		frames := len(in) / channels
		mono := make([]float32, frames)
		for i := 0; i < frames; i++ {
			var sum float64
			for c := 0; c < channels; c++ {
				sum += float64(in[i*channels+c])
			}
			mono[i] = float32(sum / float64(channels))
		}
		in = mono
	}

	if rate == targetRate || len(in) == 0 {
		return in
	}

	ratio := float64(targetRate) / float64(rate)
	out := make([]float32, int(math.Ceil(float64(len(in))*ratio)))
	for i := range out {
		src := float64(i) / ratio
		i0 := int(src)
		if i0 >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(src - float64(i0))
		out[i] = in[i0]*(1-frac) + in[i0+1]*frac
	}
	return out
}

func int16ToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v) / 32768
	}
	return out
}

func clamp(x float32) float32 {
	if x < -1 {
		return -1
	}
	if x > 1 {
		return 1
	}
	return x
}
