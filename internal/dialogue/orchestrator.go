// Package dialogue sequences one conversation: it routes each utterance
// through classification, authorization and execution or generation, and
// guarantees exactly one synthesis pass per logical turn.
package dialogue

import (
	"context"
	"fmt"
	log "log/slog"
	"strings"
	"sync"
	"time"

	"qaia/internal/bus"
	"qaia/internal/command"
	"qaia/internal/guard"
	"qaia/internal/history"
	"qaia/internal/intent"
	"qaia/internal/llm"
	"qaia/internal/sanitize"
	"qaia/internal/tts"
)

type State string

const (
	StateIdle        State = "IDLE"
	StateClassifying State = "CLASSIFYING"
	StateGenerating  State = "GENERATING"
	StateAwaiting    State = "AWAITING_CONFIRMATION"
	StateExecuting   State = "EXECUTING"
	StateReplyCanned State = "REPLYING_CANNED"
	StateEmitting    State = "EMITTING"
)

// Reply is the payload published on reply.complete and reply.error.
type Reply struct {
	Turn  int    `json:"turn"`
	Text  string `json:"text"`
	IsErr bool   `json:"is_err,omitempty"`
}

// Token is the payload published per generation token.
type Token struct {
	Turn int    `json:"turn"`
	Text string `json:"text"`
}

const (
	replyGreeting       = "Bonjour ! Comment puis-je vous aider ?"
	replyFarewell       = "Au revoir, à bientôt."
	replyCancelled      = "D'accord, j'annule."
	replyNothingPending = "Il n'y a rien à confirmer."
	replyGenerationFail = "Je n'ai pas pu générer de réponse."
	defaultSystemPrompt = "Tu es QAIA, un assistant vocal local. Réponds en français, brièvement et sans préfixe d'horodatage ni de nom."
)

type pendingConfirmation struct {
	verb      string
	target    string
	createdAt time.Time
}

type Options struct {
	Bus        *bus.Bus
	Classifier *intent.Classifier
	Gate       *guard.Gate
	Executor   *command.Executor
	Generator  llm.Generator
	Synth      tts.Synthesizer
	Sanitizer  *sanitize.Sanitizer

	// Store is an optional append-only sink; nil disables persistence.
	Store     *history.Store
	SpeakerID string

	SystemPrompt  string
	MinConfidence float64
	HistoryWindow int // turns kept as generation context
}

// Orchestrator is the top-level state sequencer. One utterance is
// handled at a time; HandleUtterance callers serialize through runMu.
type Orchestrator struct {
	opts Options

	runMu sync.Mutex // one turn in flight at a time

	mu      sync.Mutex // guards state, pending, window
	state   State
	pending *pendingConfirmation
	window  []llm.Message

	// Exactly-one-synthesis guard. finishTurn sets spoken the first
	// time a completion signal for the current turn arrives; duplicates
	// are no-ops. Reset when the next turn starts.
	ttsMu   sync.Mutex
	turnSeq int
	spoken  bool
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Classifier == nil || opts.Gate == nil || opts.Executor == nil || opts.Sanitizer == nil {
		return nil, fmt.Errorf("missing orchestrator dependency")
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = 0.7
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 10
	}
	return &Orchestrator{opts: opts, state: StateIdle}, nil
}

// SeedHistory loads the tail of the persistent store into the context
// window. Called once at startup.
func (o *Orchestrator) SeedHistory() error {
	if o.opts.Store == nil {
		return nil
	}
	turns, err := o.opts.Store.Load(o.opts.HistoryWindow * 2)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range turns {
		role := llm.RoleUser
		if t.Role == history.RoleAgent {
			role = llm.RoleAssistant
		}
		o.window = append(o.window, llm.Message{Role: role, Content: t.Text})
	}
	return nil
}

// State returns the current machine state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// HandleUtterance runs one full turn and blocks until the reply has
// been emitted and spoken. Returns the emitted reply text.
func (o *Orchestrator) HandleUtterance(ctx context.Context, raw string) string {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	utt := o.opts.Sanitizer.NormalizeUtterance(raw)
	if utt == "" {
		return ""
	}

	turn := o.beginTurn()
	o.setState(StateClassifying)
	defer func() {
		// A stored confirmation keeps the machine waiting for the next
		// utterance; everything else collapses back to idle.
		if o.hasPending() {
			o.setState(StateAwaiting)
		} else {
			o.setState(StateIdle)
		}
	}()

	// Context for a possible generation is snapshotted before the current
	// utterance joins the window: the generator receives it separately.
	prior := o.snapshotWindow()
	o.appendTurn(history.RoleUser, utt)

	// A pending confirmation claims the next utterance; anything that is
	// neither an accept nor a decline clears it and classifies normally.
	if p := o.takePending(); p != nil {
		switch {
		case intent.IsAffirmative(utt):
			return o.execute(ctx, turn, p.verb, p.target)
		case intent.IsNegative(utt):
			return o.emitCanned(ctx, turn, replyCancelled)
		default:
			log.Info("Pending confirmation cleared by unrelated utterance",
				"verb", p.verb, "target", p.target)
		}
	}

	res := o.opts.Classifier.Classify(utt)
	log.Debug("Utterance classified",
		"category", res.Category, "confidence", res.Confidence)

	if res.Confidence >= o.opts.MinConfidence {
		switch res.Category {
		case intent.Greeting:
			return o.emitCanned(ctx, turn, replyGreeting)
		case intent.Farewell:
			return o.emitCanned(ctx, turn, replyFarewell)
		case intent.Confirmation:
			return o.emitCanned(ctx, turn, replyNothingPending)
		case intent.Command:
			return o.handleCommand(ctx, turn, res)
		}
	}

	return o.generate(ctx, turn, utt, prior)
}

func (o *Orchestrator) handleCommand(ctx context.Context, turn int, res intent.Result) string {
	verdict := o.opts.Gate.Evaluate(res.Verb, res.Target)

	if !verdict.Allowed {
		// The gate's reason is user-facing; no pending item is created.
		return o.emitCanned(ctx, turn, verdict.Reason)
	}

	if verdict.RequiresConfirmation {
		o.mu.Lock()
		o.pending = &pendingConfirmation{
			verb:      res.Verb,
			target:    res.Target,
			createdAt: time.Now(),
		}
		o.state = StateAwaiting
		o.mu.Unlock()
		o.publishState(StateAwaiting)

		prompt := fmt.Sprintf("Confirmez-vous la commande « %s %s » ? Répondez oui ou non.",
			res.Verb, res.Target)
		return o.finishTurn(ctx, turn, prompt, false)
	}

	return o.execute(ctx, turn, res.Verb, res.Target)
}

func (o *Orchestrator) execute(ctx context.Context, turn int, verb, target string) string {
	o.setState(StateExecuting)
	result := o.opts.Executor.Execute(ctx, verb, target)
	return o.finishTurn(ctx, turn, result.Message, !result.Succeeded)
}

func (o *Orchestrator) emitCanned(ctx context.Context, turn int, text string) string {
	o.setState(StateReplyCanned)
	return o.finishTurn(ctx, turn, text, false)
}

// generate streams tokens from the generator, filtering each through
// the sanitizer and republishing it, then finalizes the accumulated
// buffer. Duplicate completion signals collapse into one emission.
func (o *Orchestrator) generate(ctx context.Context, turn int, utt string, prior []llm.Message) string {
	o.setState(StateGenerating)

	if o.opts.Generator == nil {
		return o.finishTurn(ctx, turn, replyGenerationFail, true)
	}

	req := llm.Request{
		System:    o.opts.SystemPrompt,
		History:   o.scrubContext(prior),
		Utterance: utt,
	}

	o.publish(bus.TopicReplyStart, Reply{Turn: turn})

	events, err := o.opts.Generator.Generate(ctx, req)
	if err != nil {
		log.Error("Generation failed to start", "err", err)
		return o.finishTurn(ctx, turn, replyGenerationFail, true)
	}

	var buffer strings.Builder
	emitted := ""

	for ev := range events {
		switch ev.Kind {
		case llm.EventToken:
			filtered, ok := o.opts.Sanitizer.FilterToken(ev.Token, buffer.String())
			if !ok {
				continue
			}
			buffer.WriteString(filtered)
			o.publish(bus.TopicToken, Token{Turn: turn, Text: filtered})

		case llm.EventDone:
			final := o.opts.Sanitizer.Finalize(buffer.String())
			if final == "" {
				emitted = o.finishTurn(ctx, turn, replyGenerationFail, true)
				continue
			}
			emitted = o.finishTurn(ctx, turn, final, false)

		case llm.EventError:
			log.Error("Generation failed", "err", ev.Err)
			emitted = o.finishTurn(ctx, turn, replyGenerationFail, true)
		}
	}

	if emitted == "" {
		// Stream closed without a terminal event.
		emitted = o.finishTurn(ctx, turn, replyGenerationFail, true)
	}
	return emitted
}

// finishTurn publishes the terminal reply and dispatches synthesis.
// For any one turn only the first call does anything; later calls for
// the same turn return the already-emitted text untouched.
func (o *Orchestrator) finishTurn(ctx context.Context, turn int, text string, isErr bool) string {
	o.ttsMu.Lock()
	if turn != o.turnSeq || o.spoken {
		o.ttsMu.Unlock()
		log.Debug("Duplicate completion signal ignored", "turn", turn)
		return text
	}
	o.spoken = true
	o.ttsMu.Unlock()

	o.setState(StateEmitting)

	topic := bus.TopicReplyComplete
	if isErr {
		topic = bus.TopicReplyError
	}
	o.publish(topic, Reply{Turn: turn, Text: text, IsErr: isErr})

	if !isErr {
		o.appendTurn(history.RoleAgent, text)
	}

	if o.opts.Synth != nil {
		if err := o.opts.Synth.Speak(ctx, text); err != nil {
			// Reported, never retried; the user can re-request.
			log.Error("Synthesis failed", "err", err)
		}
	}
	return text
}

func (o *Orchestrator) beginTurn() int {
	o.ttsMu.Lock()
	defer o.ttsMu.Unlock()
	o.turnSeq++
	o.spoken = false
	return o.turnSeq
}

func (o *Orchestrator) hasPending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending != nil
}

func (o *Orchestrator) takePending() *pendingConfirmation {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.pending
	o.pending = nil
	return p
}

func (o *Orchestrator) snapshotWindow() []llm.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]llm.Message(nil), o.window...)
}

// scrubContext filters prompt-leakage fragments out of the history copy,
// so a contaminated turn is never replayed into a future prompt.
func (o *Orchestrator) scrubContext(window []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(window))
	for _, m := range window {
		clean, ok := o.opts.Sanitizer.ScrubTurn(m.Content)
		if !ok {
			log.Warn("Dropped contaminated history turn")
			continue
		}
		out = append(out, llm.Message{Role: m.Role, Content: clean})
	}
	return out
}

func (o *Orchestrator) appendTurn(role history.Role, text string) {
	msgRole := llm.RoleUser
	if role == history.RoleAgent {
		msgRole = llm.RoleAssistant
	}

	o.mu.Lock()
	o.window = append(o.window, llm.Message{Role: msgRole, Content: text})
	if limit := o.opts.HistoryWindow * 2; len(o.window) > limit {
		o.window = o.window[len(o.window)-limit:]
	}
	o.mu.Unlock()

	if o.opts.Store != nil {
		if err := o.opts.Store.Append(history.NewTurn(role, text, o.opts.SpeakerID)); err != nil {
			log.Error("Failed to persist turn", "err", err)
		}
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.publishState(s)
}

func (o *Orchestrator) publishState(s State) {
	o.publish(bus.TopicAgentState, string(s))
}

func (o *Orchestrator) publish(topic string, payload any) {
	if o.opts.Bus == nil {
		return
	}
	if err := o.opts.Bus.Publish(topic, payload); err != nil {
		log.Debug("Publish failed", "topic", topic, "err", err)
	}
}
