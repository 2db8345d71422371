// Package llm defines the text-generation collaborator. The core consumes
// an ordered token-event stream; the terminal Done or Error event is always
// delivered after every token of the same generation.
package llm

import "context"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Request carries the sanitized history and the current utterance. History
// is a copy owned by the generation goroutine.
type Request struct {
	System    string
	History   []Message
	Utterance string
}

type EventKind int

const (
	EventToken EventKind = iota
	EventDone
	EventError
)

type Event struct {
	Kind  EventKind
	Token string
	Err   error
}

// Generator produces a token stream for one request. The returned channel
// is closed after the terminal event. Cancelling the context aborts the
// stream at the next token boundary.
type Generator interface {
	Generate(ctx context.Context, req Request) (<-chan Event, error)
}
