package stream

import (
	"strings"
	"sync"

	"github.com/steveyegge/tower/internal/eventbus"
)

// Translator converts one agent's stream-json lines into bus events
// and state updates. Each process handle owns one translator; a
// translator may span several turns when commands are injected into a
// running process.
//
// The translator itself is side-effect free. Translate returns an
// Outcome describing what the caller should publish and persist, so
// tests can drive it with canned lines and assert on the results.
type Translator struct {
	mu         sync.Mutex
	agent      string
	sessionID  string
	turnActive bool
}

// NewTranslator returns a translator for the named agent.
func NewTranslator(agent string) *Translator {
	return &Translator{agent: agent}
}

// Outcome is everything one stream line asks of the supervisor.
// Zero-value fields mean "nothing to do" for that concern.
type Outcome struct {
	// Events to publish on the bus, in order.
	Events []eventbus.Event

	// SessionID is non-empty when an init message carried one.
	SessionID string

	// Tool is non-empty when a tool invocation started.
	Tool string

	// ToolDone is true when a tool finished and its result was echoed
	// back into the conversation.
	ToolDone bool

	// Stats is non-nil when fresh usage figures should be persisted.
	Stats *Usage

	// Completed is non-nil when the turn finished. The supervisor
	// schedules the idle flip (or marks the error) from this.
	Completed *Completion
}

// Completion is the outcome of one finished turn.
type Completion struct {
	Text  string
	Usage Usage
	// Failed is true when the turn ended in an error rather than an
	// answer. Err holds the message to surface.
	Failed bool
	Err    string
}

// BeginTurn marks the start of a new command. Must be called once per
// send before lines for that turn arrive; it arms the completion
// guard so a process exit mid-turn is reported as a failure.
func (t *Translator) BeginTurn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turnActive = true
}

// SessionID returns the most recent session identifier seen on the
// stream, or "" before the init handshake.
func (t *Translator) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Translate processes one decoded message.
func (t *Translator) Translate(m *Message) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch m.Type {
	case "system":
		return t.translateSystem(m)
	case "assistant":
		return t.translateAssistant(m)
	case "user":
		return t.translateUser(m)
	case "result":
		return t.translateResult(m)
	}
	return Outcome{}
}

func (t *Translator) translateSystem(m *Message) Outcome {
	if !m.IsInit() {
		return Outcome{}
	}
	sid := m.SessionID()
	if sid != "" {
		t.sessionID = sid
	}
	return Outcome{
		SessionID: sid,
		Events: []eventbus.Event{{
			Kind:  eventbus.KindEvent,
			Type:  "init",
			Agent: t.agent,
			Data:  map[string]interface{}{"session_id": sid},
		}},
	}
}

func (t *Translator) translateAssistant(m *Message) Outcome {
	var out Outcome

	if call, ok := m.ToolUse(); ok {
		out.Tool = call.Name
		out.Events = append(out.Events, eventbus.Event{
			Kind:  eventbus.KindEvent,
			Type:  "tool_start",
			Agent: t.agent,
			Text:  call.Name,
			Data:  map[string]interface{}{"input": call.Input},
		})
	}

	if text := m.AssistantText(); text != "" {
		out.Events = append(out.Events, eventbus.Event{
			Kind:  eventbus.KindOutput,
			Type:  "output",
			Agent: t.agent,
			Text:  text,
		})
	}

	if usage, ok := m.MessageUsage(); ok && usage.ContextTokens() > 0 {
		out.Stats = &usage
		out.Events = append(out.Events, eventbus.Event{
			Kind:  eventbus.KindEvent,
			Type:  "stats_snapshot",
			Agent: t.agent,
			Data: map[string]interface{}{
				"context_tokens": usage.ContextTokens(),
			},
		})
	}

	return out
}

func (t *Translator) translateUser(m *Message) Outcome {
	if !m.HasToolResult() {
		return Outcome{}
	}
	return Outcome{
		ToolDone: true,
		Events: []eventbus.Event{{
			Kind:  eventbus.KindEvent,
			Type:  "tool_result",
			Agent: t.agent,
		}},
	}
}

func (t *Translator) translateResult(m *Message) Outcome {
	if !t.turnActive {
		// A result with no turn begun belongs to a command this
		// translator never saw dispatched. Dropping it keeps stray
		// completions from re-settling a finished turn.
		return Outcome{}
	}
	t.turnActive = false

	usage := m.ResultUsage()
	text := m.ResultText()
	failed := m.IsError() || strings.HasPrefix(m.Subtype(), "error")

	comp := &Completion{Text: text, Usage: usage, Failed: failed}
	out := Outcome{Completed: comp}

	if failed {
		errText := text
		if errText == "" {
			errText = "turn failed: " + m.Subtype()
		}
		comp.Err = errText
		out.Events = append(out.Events, eventbus.Event{
			Kind:  eventbus.KindError,
			Type:  "error",
			Agent: t.agent,
			Text:  errText,
		})
		return out
	}

	if text != "" {
		out.Events = append(out.Events, eventbus.Event{
			Kind:  eventbus.KindOutput,
			Type:  "output",
			Agent: t.agent,
			Text:  text,
			Final: true,
		})
	}
	out.Events = append(out.Events, eventbus.Event{
		Kind:  eventbus.KindComplete,
		Type:  "step_complete",
		Agent: t.agent,
		Data: map[string]interface{}{
			"context_tokens": usage.ContextTokens(),
			"cost_usd":       usage.CostUSD,
		},
	})
	return out
}

// ExitFallback reports the turn as failed when the process exits
// before a result line arrived. Returns nil when the turn already
// completed normally (or no turn was active), so the two completion
// paths never both fire.
func (t *Translator) ExitFallback(exitErr error) *Completion {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.turnActive {
		return nil
	}
	t.turnActive = false

	errText := "process exited before completing"
	if exitErr != nil {
		errText = "process exited before completing: " + exitErr.Error()
	}
	return &Completion{Failed: true, Err: errText}
}
