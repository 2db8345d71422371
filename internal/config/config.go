// Package config loads the daemon configuration: built-in defaults,
// overridden by an optional YAML file, overridden by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"qaia/internal/sanitize"
)

type AudioConfig struct {
	SampleRate     int     `yaml:"sample_rate"`
	Channels       int     `yaml:"channels"`
	MaxSeconds     int     `yaml:"max_seconds"`
	SilenceRMS     float64 `yaml:"silence_rms"`
	SilenceHoldMs  int     `yaml:"silence_hold_ms"`
	AttemptTimeout int     `yaml:"attempt_timeout_ms"`
	Recorder       string  `yaml:"recorder"` // external fallback binary
	DuckOthers     bool    `yaml:"duck_others"`
}

type LLMConfig struct {
	Model          string `yaml:"model"`
	MaxTokens      int    `yaml:"max_tokens"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Proxy          string `yaml:"proxy"` // SOCKS5 address, empty = direct
}

type STTConfig struct {
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
}

type TTSConfig struct {
	Engine    string `yaml:"engine"` // "piper" or "espeak"
	PiperPath string `yaml:"piper_path"`
	Voice     string `yaml:"voice"`
}

type PathsConfig struct {
	HistoryFile string `yaml:"history_file"`
	AuditFile   string `yaml:"audit_file"`
	ChimeFile   string `yaml:"chime_file"`
	Socket      string `yaml:"socket"`
}

type Config struct {
	ListenAddr            string          `yaml:"listen_addr"`
	MinIntentConfidence   float64         `yaml:"min_intent_confidence"`
	CommandTimeoutSeconds int             `yaml:"command_timeout_seconds"`
	HistoryWindow         int             `yaml:"history_window"`
	Audio                 AudioConfig     `yaml:"audio"`
	LLM                   LLMConfig       `yaml:"llm"`
	STT                   STTConfig       `yaml:"stt"`
	TTS                   TTSConfig       `yaml:"tts"`
	Paths                 PathsConfig     `yaml:"paths"`
	Sanitize              sanitize.Config `yaml:"sanitize"`
}

func Default() *Config {
	return &Config{
		ListenAddr:            "127.0.0.1:8930",
		MinIntentConfidence:   0.7,
		CommandTimeoutSeconds: 10,
		HistoryWindow:         10,
		Audio: AudioConfig{
			SampleRate:     16000,
			Channels:       1,
			MaxSeconds:     15,
			SilenceRMS:     0.015,
			SilenceHoldMs:  600,
			AttemptTimeout: 5000,
			Recorder:       "arecord",
			DuckOthers:     true,
		},
		LLM: LLMConfig{
			Model:          "gpt-5-nano",
			MaxTokens:      256,
			TimeoutSeconds: 60,
		},
		STT: STTConfig{
			ModelPath: "third_party/whisper.cpp/models/ggml-medium.bin",
			Language:  "fr",
		},
		TTS: TTSConfig{
			Engine:    "piper",
			PiperPath: "piper",
			Voice:     "fr_FR-siwis-medium",
		},
		Paths: PathsConfig{
			HistoryFile: "data/history.jsonl",
			AuditFile:   "data/audit.jsonl",
			ChimeFile:   "assets/chime.mp3",
			Socket:      "/tmp/qaia.sock",
		},
		Sanitize: sanitize.DefaultConfig(),
	}
}

// Load reads the YAML file at path (missing file is fine: defaults apply),
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, cfg.validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv("QAIA_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("QAIA_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("QAIA_LLM_PROXY"); v != "" {
		c.LLM.Proxy = v
	}
	if v := os.Getenv("QAIA_STT_MODEL"); v != "" {
		c.STT.ModelPath = v
	}
	if v := os.Getenv("QAIA_SOCKET"); v != "" {
		c.Paths.Socket = v
	}
	if v := os.Getenv("QAIA_HISTORY_FILE"); v != "" {
		c.Paths.HistoryFile = v
	}
	if v := os.Getenv("QAIA_AUDIT_FILE"); v != "" {
		c.Paths.AuditFile = v
	}
	if v := os.Getenv("QAIA_MIN_CONFIDENCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.MinIntentConfidence = f
		}
	}
}

func (c *Config) validate() error {
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive, got %d", c.Audio.SampleRate)
	}
	if c.Audio.Channels <= 0 {
		return fmt.Errorf("audio.channels must be positive, got %d", c.Audio.Channels)
	}
	if c.MinIntentConfidence < 0 || c.MinIntentConfidence > 1 {
		return fmt.Errorf("min_intent_confidence must be in [0,1], got %f", c.MinIntentConfidence)
	}
	if c.Sanitize.SimilarityThreshold < 0 || c.Sanitize.SimilarityThreshold > 1 {
		return fmt.Errorf("sanitize.similarity_threshold must be in [0,1], got %f",
			c.Sanitize.SimilarityThreshold)
	}
	return nil
}

func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

func (c *Config) CaptureAttemptTimeout() time.Duration {
	return time.Duration(c.Audio.AttemptTimeout) * time.Millisecond
}
