package session

import "encoding/json"

// EventType tags the purpose of every envelope on the duplex channel.
type EventType string

const (
	EventAuth             EventType = "AUTH"
	EventMessage          EventType = "MESSAGE"
	EventAudio            EventType = "AUDIO"
	EventRate             EventType = "RATE"
	EventLanguage         EventType = "LANGUAGE"
	EventAssistance       EventType = "ASSISTANCE"
	EventDeleteAudio      EventType = "DELETEAUDIO"
	EventUserRateReply    EventType = "USERRATEREPLY"
	EventError            EventType = "ERROR"
	EventAlert            EventType = "ALERT"
	EventRenewToken       EventType = "RENEW_TOKEN"
	EventEndSession       EventType = "ENDSESSION"
	EventLiveAgentMessage EventType = "LIVE_AGENT_MESSAGE"
	EventNavigate         EventType = "NAVIGATE"
	EventHistoryMessage   EventType = "HISTORYMESSAGE"
	EventSessionLanguage  EventType = "SESSION_LANGUAGE"
)

// EventTypes lists the closed enumeration in wire order of the protocol docs.
var EventTypes = []EventType{
	EventAuth,
	EventMessage,
	EventAudio,
	EventRate,
	EventLanguage,
	EventAssistance,
	EventDeleteAudio,
	EventUserRateReply,
	EventError,
	EventAlert,
	EventRenewToken,
	EventEndSession,
	EventLiveAgentMessage,
	EventNavigate,
	EventHistoryMessage,
	EventSessionLanguage,
}

// Known reports whether the event belongs to the protocol enumeration.
func (e EventType) Known() bool {
	for _, known := range EventTypes {
		if e == known {
			return true
		}
	}
	return false
}

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope marshals data into an envelope.
func NewEnvelope(event EventType, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Encode renders the envelope as the wire string.
func (e Envelope) Encode() (string, error) {
	if len(e.Data) == 0 {
		e.Data = json.RawMessage("null")
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// MessageData is the common shape of MESSAGE-like payloads.
type MessageData struct {
	Type     string          `json:"type,omitempty"`
	Message  string          `json:"message,omitempty"`
	ChatID   string          `json:"chatId,omitempty"`
	ID       string          `json:"id,omitempty"`
	Actions  []MessageAction `json:"actions,omitempty"`
	ExtraMsg json.RawMessage `json:"extra_msg,omitempty"`
}

// HistoryItem is one entry of a HISTORYMESSAGE payload.
type HistoryItem struct {
	Type      string          `json:"type"`
	Message   string          `json:"message"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// RateData is the payload of an outbound RATE action.
type RateData struct {
	MessageID string `json:"messageId"`
	IsHelpful string `json:"isHelpful"`
}
