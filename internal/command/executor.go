// Package command dispatches authorized (verb, target) pairs to registered
// actions. Command identity is always resolved through the fixed vocabulary;
// nothing here ever interpolates user text into a shell.
package command

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"
	"time"
)

// Action performs one side effect and returns a user-facing confirmation
// message.
type Action func(ctx context.Context) (string, error)

// Result is what the orchestrator gets back. A failed action yields a
// generic message; the underlying error is logged, never surfaced.
type Result struct {
	Message   string
	Succeeded bool
}

const (
	msgNotImplemented = "Cette commande n'est pas encore disponible."
	msgFailed         = "Une erreur s'est produite pendant l'exécution de la commande."
)

const defaultTimeout = 10 * time.Second

type pair struct {
	verb, target string
}

type Executor struct {
	mu      sync.RWMutex
	actions map[pair]Action
	timeout time.Duration
}

func NewExecutor(timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Executor{
		actions: make(map[pair]Action),
		timeout: timeout,
	}
}

// Register binds an action to a canonical (verb, target) pair. Registering
// the same pair again replaces the previous action.
func (e *Executor) Register(verb, target string, a Action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions[pair{verb, target}] = a
	log.Debug("Command registered", "verb", verb, "target", target)
}

// RegisterMessage binds a pair to a fixed reply with no side effect.
func (e *Executor) RegisterMessage(verb, target, message string) {
	e.Register(verb, target, func(context.Context) (string, error) {
		return message, nil
	})
}

// Execute runs the action registered for the pair under a bounded timeout.
// A panicking, failing or timed-out action is converted to a failure result;
// no error ever propagates to the caller.
func (e *Executor) Execute(ctx context.Context, verb, target string) Result {
	e.mu.RLock()
	a, ok := e.actions[pair{verb, target}]
	e.mu.RUnlock()

	if !ok {
		log.Warn("No action registered", "verb", verb, "target", target)
		return Result{Message: msgNotImplemented}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		msg string
		err error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("action panicked: %v", r)}
			}
		}()
		msg, err := a(ctx)
		ch <- outcome{msg: msg, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			log.Error("Command failed", "verb", verb, "target", target, "err", out.err)
			return Result{Message: msgFailed}
		}
		log.Info("Command executed", "verb", verb, "target", target)
		return Result{Message: out.msg, Succeeded: true}
	case <-ctx.Done():
		log.Error("Command timed out", "verb", verb, "target", target)
		return Result{Message: msgFailed}
	}
}
