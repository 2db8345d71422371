package dialogue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qaia/internal/bus"
	"qaia/internal/command"
	"qaia/internal/guard"
	"qaia/internal/intent"
	"qaia/internal/llm"
	"qaia/internal/sanitize"
)

type fakeGenerator struct {
	mu     sync.Mutex
	calls  int
	last   llm.Request
	script []llm.Event
}

func (f *fakeGenerator) Generate(_ context.Context, req llm.Request) (<-chan llm.Event, error) {
	f.mu.Lock()
	f.calls++
	f.last = req
	f.mu.Unlock()

	ch := make(chan llm.Event, len(f.script)+1)
	for _, ev := range f.script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeGenerator) lastRequest() llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fakeSynth struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeSynth) Speak(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSynth) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func tokens(parts ...string) []llm.Event {
	evs := make([]llm.Event, 0, len(parts)+1)
	for _, p := range parts {
		evs = append(evs, llm.Event{Kind: llm.EventToken, Token: p})
	}
	return append(evs, llm.Event{Kind: llm.EventDone})
}

func newTestOrchestrator(t *testing.T, gen llm.Generator, synth *fakeSynth, b *bus.Bus) (*Orchestrator, *command.Executor) {
	t.Helper()

	s, err := sanitize.New(sanitize.DefaultConfig())
	require.NoError(t, err)

	exec := command.NewExecutor(time.Second)
	o, err := NewOrchestrator(Options{
		Bus:        b,
		Classifier: intent.NewClassifier(),
		Gate:       guard.NewGate(nil),
		Executor:   exec,
		Generator:  gen,
		Synth:      synth,
		Sanitizer:  s,
	})
	require.NoError(t, err)
	return o, exec
}

func TestFarewellShortCircuitsGeneration(t *testing.T) {
	gen := &fakeGenerator{script: tokens("jamais")}
	synth := &fakeSynth{}
	o, _ := newTestOrchestrator(t, gen, synth, nil)

	out := o.HandleUtterance(context.Background(), "Au revoir")
	assert.Equal(t, replyFarewell, out)
	assert.Equal(t, 0, gen.callCount())
	assert.Equal(t, []string{replyFarewell}, synth.spoken())
	assert.Equal(t, StateIdle, o.State())
}

func TestDirectCommandExecutes(t *testing.T) {
	synth := &fakeSynth{}
	o, exec := newTestOrchestrator(t, &fakeGenerator{}, synth, nil)

	ran := false
	exec.Register("arrete", "enregistrement", func(context.Context) (string, error) {
		ran = true
		return "Enregistrement arrêté.", nil
	})

	out := o.HandleUtterance(context.Background(), "arrête l'enregistrement")
	assert.True(t, ran)
	assert.Equal(t, "Enregistrement arrêté.", out)
	assert.Equal(t, []string{"Enregistrement arrêté."}, synth.spoken())
}

func TestConfirmationAccepted(t *testing.T) {
	synth := &fakeSynth{}
	o, exec := newTestOrchestrator(t, &fakeGenerator{}, synth, nil)

	ran := false
	exec.Register("ferme", "application", func(context.Context) (string, error) {
		ran = true
		return "Application fermée.", nil
	})

	prompt := o.HandleUtterance(context.Background(), "ferme l'application")
	assert.Contains(t, prompt, "oui")
	assert.False(t, ran)
	assert.Equal(t, StateAwaiting, o.State())

	out := o.HandleUtterance(context.Background(), "oui")
	assert.True(t, ran)
	assert.Equal(t, "Application fermée.", out)
	assert.Equal(t, StateIdle, o.State())

	// One synthesis per turn: the prompt and the result.
	assert.Len(t, synth.spoken(), 2)
}

func TestConfirmationDeclined(t *testing.T) {
	synth := &fakeSynth{}
	o, exec := newTestOrchestrator(t, &fakeGenerator{}, synth, nil)

	ran := false
	exec.Register("ferme", "application", func(context.Context) (string, error) {
		ran = true
		return "Application fermée.", nil
	})

	o.HandleUtterance(context.Background(), "ferme l'application")
	out := o.HandleUtterance(context.Background(), "non")

	assert.False(t, ran)
	assert.Equal(t, replyCancelled, out)
	assert.Equal(t, StateIdle, o.State())
}

func TestUnrelatedUtteranceClearsPending(t *testing.T) {
	synth := &fakeSynth{}
	o, exec := newTestOrchestrator(t, &fakeGenerator{}, synth, nil)

	ran := false
	exec.Register("ferme", "application", func(context.Context) (string, error) {
		ran = true
		return "", nil
	})

	o.HandleUtterance(context.Background(), "ferme l'application")
	assert.Equal(t, StateAwaiting, o.State())

	// A topic change clears the pending item and is handled normally.
	out := o.HandleUtterance(context.Background(), "Bonjour")
	assert.Equal(t, replyGreeting, out)
	assert.False(t, ran)
	assert.Equal(t, StateIdle, o.State())

	// A later "oui" no longer refers to anything.
	out = o.HandleUtterance(context.Background(), "oui")
	assert.Equal(t, replyNothingPending, out)
	assert.False(t, ran)
}

func TestHighRiskCommandDenied(t *testing.T) {
	synth := &fakeSynth{}
	o, _ := newTestOrchestrator(t, &fakeGenerator{}, synth, nil)

	out := o.HandleUtterance(context.Background(), "fais un paiement")
	assert.Equal(t, "Cette commande n'est pas autorisée.", out)
	// Denial never leaves a confirmation pending.
	assert.Equal(t, StateIdle, o.State())

	out = o.HandleUtterance(context.Background(), "oui")
	assert.Equal(t, replyNothingPending, out)
}

func TestGenerationStreamsAndFinalizes(t *testing.T) {
	gen := &fakeGenerator{script: tokens("(16:15)", "QAIA:", "Bonjour", ",", " je", " vous", " écoute", ".")}
	synth := &fakeSynth{}
	o, _ := newTestOrchestrator(t, gen, synth, nil)

	out := o.HandleUtterance(context.Background(), "Quelle heure est-il ?")
	assert.Equal(t, "Bonjour, je vous écoute.", out)
	assert.Equal(t, 1, gen.callCount())
	assert.Equal(t, []string{"Bonjour, je vous écoute."}, synth.spoken())
}

func TestDuplicateCompletionSynthesizesOnce(t *testing.T) {
	script := tokens("Bonjour", ".")
	// Three completion signals for the same logical turn.
	script = append(script,
		llm.Event{Kind: llm.EventDone},
		llm.Event{Kind: llm.EventDone})

	synth := &fakeSynth{}
	o, _ := newTestOrchestrator(t, &fakeGenerator{script: script}, synth, nil)

	o.HandleUtterance(context.Background(), "Comment vas-tu ?")
	assert.Equal(t, []string{"Bonjour."}, synth.spoken())
}

func TestGenerationErrorIsGeneric(t *testing.T) {
	gen := &fakeGenerator{script: []llm.Event{
		{Kind: llm.EventToken, Token: "Bon"},
		{Kind: llm.EventError, Err: errors.New("CUDA out of memory at 0xdeadbeef")},
	}}
	synth := &fakeSynth{}
	o, _ := newTestOrchestrator(t, gen, synth, nil)

	out := o.HandleUtterance(context.Background(), "Quelle heure est-il ?")
	assert.Equal(t, replyGenerationFail, out)
	assert.NotContains(t, out, "CUDA")
	assert.Equal(t, []string{replyGenerationFail}, synth.spoken())
}

func TestLowConfidenceDefaultsToGeneration(t *testing.T) {
	gen := &fakeGenerator{script: tokens("D'accord.")}
	o, _ := newTestOrchestrator(t, gen, &fakeSynth{}, nil)

	o.HandleUtterance(context.Background(), "les chaussettes sont dans le tiroir")
	assert.Equal(t, 1, gen.callCount())
}

func TestContaminatedHistoryNeverReachesPrompt(t *testing.T) {
	gen := &fakeGenerator{script: tokens("réponse", " <|assistant|>", " polluée")}
	o, _ := newTestOrchestrator(t, gen, &fakeSynth{}, nil)

	// First turn stores a reply carrying role-delimiter leakage.
	o.HandleUtterance(context.Background(), "Première question ?")

	gen.script = tokens("Propre.")
	o.HandleUtterance(context.Background(), "Deuxième question ?")

	for _, m := range gen.lastRequest().History {
		assert.NotContains(t, m.Content, "<|assistant|>")
	}
}

func TestTokensRepublishedOnBus(t *testing.T) {
	b := bus.New()

	var mu sync.Mutex
	var got []string
	b.Subscribe(bus.TopicToken, func(ev bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Payload.(Token).Text)
	})

	gen := &fakeGenerator{script: tokens("Bonjour", ",", " oui", ".")}
	o, _ := newTestOrchestrator(t, gen, &fakeSynth{}, b)

	out := o.HandleUtterance(context.Background(), "Tu m'entends ?")
	b.Stop() // drain deliveries before asserting

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, out, strings.TrimSpace(strings.Join(got, "")))
}

func TestEmptyUtteranceIsIgnored(t *testing.T) {
	gen := &fakeGenerator{}
	synth := &fakeSynth{}
	o, _ := newTestOrchestrator(t, gen, synth, nil)

	out := o.HandleUtterance(context.Background(), "   ")
	assert.Empty(t, out)
	assert.Equal(t, 0, gen.callCount())
	assert.Empty(t, synth.spoken())
}
