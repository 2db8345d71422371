// Package audio owns microphone access. A Manager tries capture
// strategies in priority order and guarantees the device is released on
// every exit path; the microphone is an exclusive resource, so at most
// one Session is live at a time.
package audio

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"math"
	"sync"
	"time"

	"qaia/internal/bus"
)

var (
	// ErrBusy is returned by Start while another session is live.
	ErrBusy = errors.New("capture already in progress")
	// ErrNoStrategy is returned when every strategy failed or timed out.
	ErrNoStrategy = errors.New("all capture strategies failed")
)

// Config bounds one capture session.
type Config struct {
	SampleRate     int
	MaxDuration    time.Duration
	SilenceRMS     float64
	SilenceHold    time.Duration
	AttemptTimeout time.Duration
	Recorder       string // external recorder binary for the last-resort strategy
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 15 * time.Second
	}
	if c.SilenceRMS <= 0 {
		c.SilenceRMS = 0.015
	}
	if c.SilenceHold <= 0 {
		c.SilenceHold = 600 * time.Millisecond
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Second
	}
	if c.Recorder == "" {
		c.Recorder = "arecord"
	}
	return c
}

// Strategy is one way of getting samples off the device. Record must
// close started once the stream is live, capture until ctx is cancelled
// or the strategy decides the utterance ended, and release the device
// before returning.
type Strategy interface {
	Name() string
	Record(ctx context.Context, cfg Config, started chan<- struct{}) ([]float32, error)
}

// Session is one live capture. Stop is idempotent; Wait blocks until
// the samples are available.
type Session struct {
	Strategy  string
	StartedAt time.Time

	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	samples []float32
	err     error
}

// Stop requests the session to end. Safe to call any number of times,
// including after the strategy already stopped on its own.
func (s *Session) Stop() {
	s.once.Do(s.cancel)
}

// Wait blocks until capture finished and returns the recorded samples.
func (s *Session) Wait(ctx context.Context) ([]float32, error) {
	select {
	case <-s.done:
		return s.samples, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the device has been released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Quality diagnostics computed after a session ends. They never gate
// capture success; a poor reading only produces a warning event.
type Quality struct {
	RMS           float64 `json:"rms"`
	ClippingRatio float64 `json:"clipping_ratio"`
	Samples       int     `json:"samples"`
}

type Manager struct {
	mu         sync.Mutex
	cfg        Config
	strategies []Strategy
	bus        *bus.Bus
	active     *Session
}

// NewManager builds a capture manager over the given strategies, tried
// in slice order. The bus is optional and only receives quality
// warnings.
func NewManager(cfg Config, strategies []Strategy, b *bus.Bus) *Manager {
	return &Manager{
		cfg:        cfg.withDefaults(),
		strategies: strategies,
		bus:        b,
	}
}

// Start tries each strategy until one has a live stream, then returns
// the session. A second call while a session is live fails fast with
// ErrBusy instead of queuing.
func (m *Manager) Start(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	// Reserve the slot before releasing the lock so concurrent Start
	// calls fail fast while we negotiate with the device.
	placeholder := &Session{done: make(chan struct{})}
	m.active = placeholder
	m.mu.Unlock()

	for _, strat := range m.strategies {
		sess, err := m.attempt(ctx, strat)
		if err != nil {
			log.Warn("Capture strategy failed", "strategy", strat.Name(), "err", err)
			continue
		}

		m.mu.Lock()
		select {
		case <-sess.done:
			// Strategy already finished (very short utterance); the
			// slot stays free.
			m.active = nil
		default:
			m.active = sess
		}
		m.mu.Unlock()
		close(placeholder.done)

		log.Info("Capture started", "strategy", strat.Name())
		return sess, nil
	}

	m.mu.Lock()
	m.active = nil
	m.mu.Unlock()
	close(placeholder.done)

	return nil, ErrNoStrategy
}

func (m *Manager) attempt(ctx context.Context, strat Strategy) (*Session, error) {
	recCtx, cancel := context.WithCancel(ctx)
	started := make(chan struct{})

	sess := &Session{
		Strategy: strat.Name(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go func() {
		samples, err := strat.Record(recCtx, m.cfg, started)
		cancel()

		sess.samples = samples
		sess.err = err
		close(sess.done)

		m.finish(sess)
	}()

	select {
	case <-started:
		sess.StartedAt = time.Now()
		return sess, nil
	case <-sess.done:
		if sess.err == nil {
			return nil, fmt.Errorf("strategy %s ended before streaming", strat.Name())
		}
		return nil, sess.err
	case <-time.After(m.cfg.AttemptTimeout):
		cancel()
		<-sess.done // device release before the next attempt
		return nil, fmt.Errorf("strategy %s: attempt timed out", strat.Name())
	case <-ctx.Done():
		cancel()
		<-sess.done
		return nil, ctx.Err()
	}
}

// finish clears the active slot and reports quality once a session's
// strategy returned.
func (m *Manager) finish(sess *Session) {
	m.mu.Lock()
	if m.active == sess {
		m.active = nil
	}
	m.mu.Unlock()

	if sess.err != nil || len(sess.samples) == 0 {
		return
	}

	q := ComputeQuality(sess.samples)
	log.Debug("Capture quality", "rms", q.RMS, "clipping", q.ClippingRatio, "samples", q.Samples)

	if m.bus != nil && (q.RMS < m.cfg.SilenceRMS || q.ClippingRatio > 0.05) {
		m.bus.Publish(bus.TopicCaptureQuality, q)
	}
}

// Stop ends the active session, if any. Idempotent by construction.
func (m *Manager) Stop() {
	m.mu.Lock()
	sess := m.active
	m.mu.Unlock()

	if sess != nil && sess.cancel != nil {
		sess.Stop()
	}
}

// Busy reports whether a session is currently live.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// ComputeQuality measures signal level and clipping over raw samples.
func ComputeQuality(samples []float32) Quality {
	if len(samples) == 0 {
		return Quality{}
	}

	var sum float64
	clipped := 0
	for _, x := range samples {
		sum += float64(x) * float64(x)
		if x >= 0.999 || x <= -0.999 {
			clipped++
		}
	}
	return Quality{
		RMS:           math.Sqrt(sum / float64(len(samples))),
		ClippingRatio: float64(clipped) / float64(len(samples)),
		Samples:       len(samples),
	}
}
