package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// AlternateAProvider calls OpenAI's Chat Completions API, streamed, with the
// observation/summary schema forced through a JSON-schema response format
// instead of Anthropic's tool-use forcing.
type AlternateAProvider struct {
	apiKey string
	model  string
}

// NewOpenAI constructs the alternateA provider. apiKey may be empty, in
// which case Available reports ErrMissingKey.
func NewOpenAI(apiKey, model string) *AlternateAProvider {
	return &AlternateAProvider{apiKey: apiKey, model: model}
}

func (p *AlternateAProvider) Kind() Kind { return KindAlternateA }

func (p *AlternateAProvider) Available() error {
	if p.apiKey == "" {
		return &ErrMissingKey{Provider: KindAlternateA}
	}
	return nil
}

var memoryRecordSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"kind":        map[string]any{"type": "string", "enum": []string{"observation", "summary"}},
		"observation": observationToolSchema["properties"].(map[string]any)["observation"],
		"summary":     observationToolSchema["properties"].(map[string]any)["summary"],
	},
	"required":             []string{"kind"},
	"additionalProperties": false,
}

func (p *AlternateAProvider) Call(ctx context.Context, in Input) (<-chan Event, error) {
	if err := p.Available(); err != nil {
		return nil, err
	}

	client := openai.NewClient(option.WithAPIKey(p.apiKey))
	events := make(chan Event, 4)

	go func() {
		defer close(events)

		messages := toOpenAIMessages(in)
		stream := client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
			Model:    p.model,
			Messages: messages,
			ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
					JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
						Name:   "memory_record",
						Schema: memoryRecordSchema,
						Strict: openai.Bool(true),
					},
				},
			},
		})

		var content string
		for stream.Next() {
			chunk := stream.Current()
			for _, choice := range chunk.Choices {
				content += choice.Delta.Content
			}
		}
		if err := stream.Err(); err != nil {
			events <- Event{Kind: EventError, Err: fmt.Errorf("openai chat completions stream: %w", err)}
			return
		}

		if content != "" {
			emitJSONRecord(events, []byte(content))
		}

		// alternateA has no resumable conversation identity upstream; a
		// synthetic id is assigned by the generator's fallback-chain logic
		// only when switching providers mid-session, not here.
		events <- Event{Kind: EventDone}
	}()

	return events, nil
}

func toOpenAIMessages(in Input) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(in.ConversationHistory)+2)
	msgs = append(msgs, openai.SystemMessage(anthropicSystemPrompt))
	for _, turn := range in.ConversationHistory {
		if turn.Role == RoleUser {
			msgs = append(msgs, openai.UserMessage(turn.Text))
		} else {
			msgs = append(msgs, openai.AssistantMessage(turn.Text))
		}
	}
	msgs = append(msgs, openai.UserMessage(renderTurnPrompt(in)))
	return msgs
}

func emitJSONRecord(events chan<- Event, raw []byte) {
	var payload struct {
		Kind        string           `json:"kind"`
		Observation *json.RawMessage `json:"observation"`
		Summary     *json.RawMessage `json:"summary"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		events <- Event{Kind: EventError, Err: fmt.Errorf("decode memory record: %w", err)}
		return
	}

	switch payload.Kind {
	case "observation":
		if payload.Observation == nil {
			return
		}
		var o Observation
		if err := json.Unmarshal(*payload.Observation, &o); err != nil {
			events <- Event{Kind: EventError, Err: fmt.Errorf("decode observation: %w", err)}
			return
		}
		events <- Event{Kind: EventObservation, Observation: &o}
	case "summary":
		if payload.Summary == nil {
			return
		}
		var s Summary
		if err := json.Unmarshal(*payload.Summary, &s); err != nil {
			events <- Event{Kind: EventError, Err: fmt.Errorf("decode summary: %w", err)}
			return
		}
		events <- Event{Kind: EventSummary, Summary: &s}
	}
}
