package session

import (
	"encoding/json"
	"strings"

	"github.com/zhouzirui/assistant-harness/backend/internal/model/session"
)

// TextPayload builds a MESSAGE envelope whose data is the typed text.
func TextPayload(text string) (string, error) {
	return encode(session.EventMessage, text)
}

// AudioPayload builds an AUDIO envelope around a base64 data URI.
func AudioPayload(dataURI string) (string, error) {
	return encode(session.EventAudio, dataURI)
}

// AuthPayload builds the AUTH envelope sent in reply to RENEW_TOKEN.
func AuthPayload(sessionID string) (string, error) {
	return encode(session.EventAuth, sessionID)
}

// ActionPayload builds the wire payload for a message action.
func ActionPayload(action session.MessageAction, messageID string) (string, error) {
	switch action.Event {
	case session.EventRate:
		helpful := "no"
		if action.ValueString() == "yes" {
			helpful = "yes"
		}
		return encode(session.EventRate, session.RateData{MessageID: messageID, IsHelpful: helpful})
	case session.EventEndSession:
		return encode(session.EventEndSession, struct{}{})
	default:
		return session.Envelope{Event: action.Event, Data: action.Value}.Encode()
	}
}

func encode(event session.EventType, data any) (string, error) {
	env, err := session.NewEnvelope(event, data)
	if err != nil {
		return "", err
	}
	return env.Encode()
}

// displayFor derives the optimistic echo for an outbound payload.
// ok is false when nothing should be echoed (audio uploads).
func displayFor(payload string) (text string, event session.EventType, ok bool) {
	var env session.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return payload, "", true
	}
	if env.Event == session.EventAudio {
		return "", env.Event, false
	}
	if s, isString := stringData(env.Data); isString {
		return s, env.Event, true
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &fields); err == nil {
		if raw, present := fields["message"]; present {
			if s, isString := stringData(raw); isString {
				return s, env.Event, true
			}
			return string(raw), env.Event, true
		}
	}
	return payload, env.Event, true
}

// displayText extracts the human readable text of an inbound payload:
// the data itself when it is a string, else data.message.
func displayText(data json.RawMessage) string {
	if s, ok := stringData(data); ok {
		return s
	}
	var msg session.MessageData
	if err := json.Unmarshal(data, &msg); err == nil {
		return msg.Message
	}
	return ""
}

func stringData(raw json.RawMessage) (string, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, `"`) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
