package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// observationToolSchema forces the model's structured output through
// tool-use rather than free-text parsing, the same shape alternateA forces
// through a JSON-schema response format.
var observationToolSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"kind": map[string]any{"type": "string", "enum": []string{"observation", "summary"}},
		"observation": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"type":            map[string]any{"type": "string"},
				"title":           map[string]any{"type": "string"},
				"subtitle":        map[string]any{"type": "string"},
				"narrative":       map[string]any{"type": "string"},
				"facts":           map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"concepts":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"filesRead":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"filesModified":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"discoveryTokens": map[string]any{"type": "integer"},
			},
		},
		"summary": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"request":         map[string]any{"type": "string"},
				"investigated":    map[string]any{"type": "string"},
				"learned":         map[string]any{"type": "string"},
				"completed":       map[string]any{"type": "string"},
				"nextSteps":       map[string]any{"type": "string"},
				"filesRead":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"filesEdited":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"notes":           map[string]any{"type": "string"},
				"discoveryTokens": map[string]any{"type": "integer"},
			},
		},
	},
	"required": []string{"kind"},
}

const observationToolName = "record_memory"

const anthropicSystemPrompt = "You observe a coding session and record durable memories about it. " +
	"Call record_memory exactly once per turn with either an observation or a session summary, " +
	"never both, capturing only facts worth remembering for future sessions."

// AnthropicProvider is the primary provider: direct calls to the Anthropic
// Messages API, streamed, with the observation/summary schema forced
// through tool-use.
type AnthropicProvider struct {
	apiKey string
	model  string
}

// NewAnthropic constructs the primary provider. apiKey may be empty, in
// which case Available reports ErrMissingKey.
func NewAnthropic(apiKey, model string) *AnthropicProvider {
	return &AnthropicProvider{apiKey: apiKey, model: model}
}

func (p *AnthropicProvider) Kind() Kind { return KindPrimary }

func (p *AnthropicProvider) Available() error {
	if p.apiKey == "" {
		return &ErrMissingKey{Provider: KindPrimary}
	}
	return nil
}

func (p *AnthropicProvider) Call(ctx context.Context, in Input) (<-chan Event, error) {
	if err := p.Available(); err != nil {
		return nil, err
	}

	client := anthropic.NewClient(option.WithAPIKey(p.apiKey))
	events := make(chan Event, 4)

	go func() {
		defer close(events)

		messages := toAnthropicMessages(in)
		stream := client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(p.model),
			MaxTokens: 1024,
			System: []anthropic.TextBlockParam{
				{Text: anthropicSystemPrompt},
			},
			Messages: messages,
			Tools: []anthropic.ToolUnionParam{
				{
					OfTool: &anthropic.ToolParam{
						Name:        observationToolName,
						InputSchema: anthropic.ToolInputSchemaParam{Properties: observationToolSchema["properties"]},
					},
				},
			},
			ToolChoice: anthropic.ToolChoiceUnionParam{
				OfTool: &anthropic.ToolChoiceToolParam{Name: observationToolName},
			},
		})

		acc := anthropic.Message{}
		for stream.Next() {
			chunk := stream.Current()
			if err := acc.Accumulate(chunk); err != nil {
				events <- Event{Kind: EventError, Err: fmt.Errorf("anthropic accumulate: %w", err)}
				return
			}
		}
		if err := stream.Err(); err != nil {
			events <- Event{Kind: EventError, Err: fmt.Errorf("anthropic messages stream: %w", err)}
			return
		}

		for _, block := range acc.Content {
			if block.Type != "tool_use" || block.Name != observationToolName {
				continue
			}
			emitToolPayload(events, block.Input)
		}

		memSessionID := acc.ID
		events <- Event{Kind: EventMemorySession, MemorySessionID: &memSessionID}
		events <- Event{Kind: EventDone}
	}()

	return events, nil
}

func toAnthropicMessages(in Input) []anthropic.MessageParam {
	msgs := make([]anthropic.MessageParam, 0, len(in.ConversationHistory)+1)
	for _, turn := range in.ConversationHistory {
		if turn.Role == RoleUser {
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Text)))
		} else {
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Text)))
		}
	}
	msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(renderTurnPrompt(in))))
	return msgs
}

func renderTurnPrompt(in Input) string {
	if in.MessageType == "summarize" {
		if in.LastAssistantMessage != nil {
			return "Summarize this turn. Final assistant message: " + *in.LastAssistantMessage
		}
		return "Summarize this turn."
	}
	var toolName, toolInput, toolResponse string
	if in.ToolName != nil {
		toolName = *in.ToolName
	}
	if in.ToolInput != nil {
		toolInput = *in.ToolInput
	}
	if in.ToolResponse != nil {
		toolResponse = *in.ToolResponse
	}
	return fmt.Sprintf("Tool %q was invoked with input %s and returned %s. Record any durable observation.", toolName, toolInput, toolResponse)
}

func emitToolPayload(events chan<- Event, raw json.RawMessage) {
	var payload struct {
		Kind        string `json:"kind"`
		Observation *struct {
			Type            string   `json:"type"`
			Title           string   `json:"title"`
			Subtitle        string   `json:"subtitle"`
			Narrative       string   `json:"narrative"`
			Facts           []string `json:"facts"`
			Concepts        []string `json:"concepts"`
			FilesRead       []string `json:"filesRead"`
			FilesModified   []string `json:"filesModified"`
			DiscoveryTokens int      `json:"discoveryTokens"`
		} `json:"observation"`
		Summary *struct {
			Request         string   `json:"request"`
			Investigated    string   `json:"investigated"`
			Learned         string   `json:"learned"`
			Completed       string   `json:"completed"`
			NextSteps       string   `json:"nextSteps"`
			FilesRead       []string `json:"filesRead"`
			FilesEdited     []string `json:"filesEdited"`
			Notes           string   `json:"notes"`
			DiscoveryTokens int      `json:"discoveryTokens"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		events <- Event{Kind: EventError, Err: fmt.Errorf("decode tool payload: %w", err)}
		return
	}

	switch payload.Kind {
	case "observation":
		if payload.Observation == nil {
			return
		}
		o := payload.Observation
		events <- Event{Kind: EventObservation, Observation: &Observation{
			Type: o.Type, Title: o.Title, Subtitle: o.Subtitle, Narrative: o.Narrative,
			Facts: o.Facts, Concepts: o.Concepts, FilesRead: o.FilesRead, FilesModified: o.FilesModified,
			DiscoveryTokens: o.DiscoveryTokens,
		}}
	case "summary":
		if payload.Summary == nil {
			return
		}
		s := payload.Summary
		events <- Event{Kind: EventSummary, Summary: &Summary{
			Request: s.Request, Investigated: s.Investigated, Learned: s.Learned, Completed: s.Completed,
			NextSteps: s.NextSteps, FilesRead: s.FilesRead, FilesEdited: s.FilesEdited, Notes: s.Notes,
			DiscoveryTokens: s.DiscoveryTokens,
		}}
	}
}
