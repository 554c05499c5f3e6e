package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"syscall"

	"github.com/localmem/memoryd/internal/subprocess"
)

// AlternateBProvider runs a locally-installed agent CLI as a subprocess,
// configured via settings (binary path + args), and parses NDJSON
// "stream-json" events on stdout — the exact wire format the ambient stack's
// CLI-runner pattern already knows how to parse.
type AlternateBProvider struct {
	binary   string
	args     []string
	registry *subprocess.Registry
}

// NewCLI constructs the alternateB provider. If binary cannot be resolved on
// PATH, Available reports ErrMissingRuntime.
func NewCLI(binary string, args []string, registry *subprocess.Registry) *AlternateBProvider {
	return &AlternateBProvider{binary: binary, args: args, registry: registry}
}

func (p *AlternateBProvider) Kind() Kind { return KindAlternateB }

func (p *AlternateBProvider) Available() error {
	if p.binary == "" {
		return &ErrMissingRuntime{Provider: KindAlternateB, Detail: "no binary configured"}
	}
	if _, err := exec.LookPath(p.binary); err != nil {
		return &ErrMissingRuntime{Provider: KindAlternateB, Detail: err.Error()}
	}
	return nil
}

func (p *AlternateBProvider) Call(ctx context.Context, in Input) (<-chan Event, error) {
	if err := p.Available(); err != nil {
		return nil, err
	}

	args := append([]string{}, p.args...)
	args = append(args, "-p", renderTurnPrompt(in), "--output-format", "stream-json", "--verbose")
	if in.MemorySessionID != nil {
		args = append(args, "--resume", *in.MemorySessionID)
	}

	cmd := exec.CommandContext(ctx, p.binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, &ErrMissingRuntime{Provider: KindAlternateB, Detail: err.Error()}
	}

	tracked := p.registry.Track(in.SessionDbID, cmd)

	events := make(chan Event, 8)
	go func() {
		defer close(events)
		defer p.registry.Untrack(tracked)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

		var memorySessionID string
		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			var evt cliStreamEvent
			if err := json.Unmarshal([]byte(line), &evt); err != nil {
				continue
			}

			switch evt.Type {
			case "system":
				if evt.SessionID != "" {
					memorySessionID = evt.SessionID
				}
			case "assistant":
				for _, block := range evt.Message.Content {
					if block.Type == "tool_use" && block.Name == observationToolName {
						emitToolPayload(events, block.Input)
					}
				}
			}
		}

		if err := cmd.Wait(); err != nil {
			events <- Event{Kind: EventError, Err: fmt.Errorf("alternateB process exited: %w", err)}
			return
		}

		if memorySessionID != "" {
			events <- Event{Kind: EventMemorySession, MemorySessionID: &memorySessionID}
		}
		events <- Event{Kind: EventDone}
	}()

	return events, nil
}

// cliStreamEvent is a minimal representation of the stream-json NDJSON
// line format.
type cliStreamEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Message   struct {
		Content []cliContentBlock `json:"content"`
	} `json:"message,omitempty"`
}

type cliContentBlock struct {
	Type  string          `json:"type"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}
