package llm

import (
	"context"
	"fmt"
	log "log/slog"
	"net/http"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIGenerator streams completions from an OpenAI-compatible endpoint.
type OpenAIGenerator struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

type OpenAIOptions struct {
	APIKey     string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client // optional, e.g. a SOCKS-proxied client
}

func NewOpenAIGenerator(opts OpenAIOptions) (*OpenAIGenerator, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("missing API key")
	}
	if opts.Model == "" {
		opts.Model = "gpt-5-nano"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}

	return &OpenAIGenerator{
		client:  openai.NewClient(reqOpts...),
		model:   opts.Model,
		timeout: opts.Timeout,
	}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (<-chan Event, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.History {
		switch m.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.Utterance))

	events := make(chan Event, 64)

	go func() {
		defer close(events)

		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		stream := g.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
			Messages: messages,
			Model:    g.model,
		})

		count := 0
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			count++
			select {
			case events <- Event{Kind: EventToken, Token: delta}:
			case <-ctx.Done():
				events <- Event{Kind: EventError, Err: ctx.Err()}
				return
			}
		}

		if err := stream.Err(); err != nil {
			log.Error("Generation stream failed", "err", err, "tokens", count)
			events <- Event{Kind: EventError, Err: err}
			return
		}
		log.Debug("Generation complete", "tokens", count)
		events <- Event{Kind: EventDone}
	}()

	return events, nil
}
