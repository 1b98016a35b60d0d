package session

import (
	"encoding/json"
	"strings"

	"github.com/dadfix/homefix/pkg/provider/s2s"
)

// interruptedMarker is emitted by the model as text when the user barges in.
const interruptedMarker = `{ "interrupted" : true }`

// knownEvents are the event names accepted from a pre-decoded event map.
var knownEvents = []string{
	EventSessionStart, EventPromptStart, EventContentStart, EventTextOutput,
	EventAudioOutput, EventContentEnd, EventPromptEnd, EventSessionEnd,
	"completionStart", "completionEnd", "usageEvent", "toolUse",
}

// decodeEnvelope extracts the event map from an inbound envelope. Raw bytes
// are tried first, then the "output" form, then a direct event map.
func decodeEnvelope(env s2s.Envelope) (map[string]json.RawMessage, error) {
	if len(env.Bytes) > 0 {
		var wrapper struct {
			Event map[string]json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal(env.Bytes, &wrapper); err == nil && len(wrapper.Event) > 0 {
			return wrapper.Event, nil
		}
	}
	if len(env.Output) > 0 {
		return env.Output, nil
	}
	for _, name := range knownEvents {
		if _, ok := env.Event[name]; ok {
			return env.Event, nil
		}
	}
	reason := "empty envelope"
	if len(env.Bytes) > 0 {
		reason = "undecodable bytes"
	} else if len(env.Event) > 0 {
		reason = "no known event"
	}
	return nil, &ProtocolError{Reason: reason, Raw: env.Bytes}
}

// inboundKind classifies a decoded event map.
type inboundKind int

const (
	kindOther inboundKind = iota
	kindContentStart
	kindTextOutput
	kindAudioOutput
	kindContentEnd
)

// inbound is one interpreted event.
type inbound struct {
	kind inboundKind
	name string

	role  Role   // contentStart
	stage string // contentStart: SPECULATIVE or FINAL
	text  string // textOutput / audioOutput content
	stop  string // contentEnd stopReason
}

type contentStartIn struct {
	Role                  string `json:"role"`
	Type                  string `json:"type"`
	AdditionalModelFields string `json:"additionalModelFields"`
}

type contentIn struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

type contentEndIn struct {
	StopReason string `json:"stopReason"`
}

// interpret picks the recognised event out of ev.
func interpret(ev map[string]json.RawMessage) inbound {
	if raw, ok := ev[EventContentStart]; ok {
		var p contentStartIn
		_ = json.Unmarshal(raw, &p)
		in := inbound{kind: kindContentStart, name: EventContentStart}
		switch strings.ToLower(p.Role) {
		case "user":
			in.role = RoleUser
		case "assistant":
			in.role = RoleAssistant
		}
		if p.AdditionalModelFields != "" {
			var extra struct {
				GenerationStage string `json:"generationStage"`
			}
			if json.Unmarshal([]byte(p.AdditionalModelFields), &extra) == nil {
				in.stage = extra.GenerationStage
			}
		}
		return in
	}
	if raw, ok := ev[EventTextOutput]; ok {
		var p contentIn
		_ = json.Unmarshal(raw, &p)
		return inbound{kind: kindTextOutput, name: EventTextOutput, text: p.Content}
	}
	if raw, ok := ev[EventAudioOutput]; ok {
		var p contentIn
		_ = json.Unmarshal(raw, &p)
		return inbound{kind: kindAudioOutput, name: EventAudioOutput, text: p.Content}
	}
	if raw, ok := ev[EventContentEnd]; ok {
		var p contentEndIn
		_ = json.Unmarshal(raw, &p)
		return inbound{kind: kindContentEnd, name: EventContentEnd, stop: p.StopReason}
	}
	for name := range ev {
		return inbound{kind: kindOther, name: name}
	}
	return inbound{kind: kindOther}
}

// isInterrupt reports whether a textOutput fragment is the barge-in marker.
func isInterrupt(text string) bool {
	return strings.Contains(text, interruptedMarker)
}
