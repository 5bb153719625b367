package assistant

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zhouzirui/assistant-harness/backend/internal/analysis/sentiment"
	"github.com/zhouzirui/assistant-harness/backend/internal/model/chat"
	"github.com/zhouzirui/assistant-harness/backend/internal/model/session"
	"github.com/zhouzirui/assistant-harness/backend/internal/service/audio"
)

var ErrInvalidAudio = errors.New("invalid audio payload")

// Reply is the assistant's answer to one user turn.
type Reply struct {
	Message chat.Message
	Actions []session.MessageAction
	// Renewed is set when the session id rotated after this turn.
	Renewed *chat.Conversation
}

var liveAgentAction = session.MessageAction{
	Name:        "Talk to an agent",
	Event:       session.EventAssistance,
	Value:       json.RawMessage(`"live_agent"`),
	Description: "Hand the conversation over to a live agent",
}

type intent struct {
	keywords []string
	answer   string
	actions  []session.MessageAction
}

var intents = []intent{
	{
		keywords: []string{"balance", "رصيد"},
		answer:   "Your current account balance is 12,450.00 AED.",
	},
	{
		keywords: []string{"card", "بطاقة"},
		answer:   "I can help with your cards. Would you like to block or replace a card?",
		actions: []session.MessageAction{
			{Name: "Block card", Event: session.EventAssistance, Value: json.RawMessage(`"block_card"`)},
			{Name: "Replace card", Event: session.EventAssistance, Value: json.RawMessage(`"replace_card"`)},
		},
	},
	{
		keywords: []string{"transfer", "تحويل"},
		answer:   "Transfers can be made to saved beneficiaries. Shall I open the transfer screen?",
		actions: []session.MessageAction{
			{Name: "Open transfers", Event: session.EventNavigate, Value: json.RawMessage(`"transfers"`)},
		},
	},
	{
		keywords: []string{"bye", "goodbye", "end chat"},
		answer:   "Thank you for banking with us. Is there anything else?",
		actions: []session.MessageAction{
			{Name: "End chat", Event: session.EventEndSession},
		},
	},
}

// Respond stores the user turn and produces the assistant reply. Every reply
// offers helpful/not helpful rating actions bound to its message id; upset
// customers are also offered a live agent.
func (s *Service) Respond(ctx context.Context, chatID, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if _, err := s.SaveMessage(ctx, chat.Message{ChatID: chatID, Direction: chat.DirectionTo, Content: text}); err != nil {
		return Reply{}, err
	}

	answer, actions := answerFor(text)
	if mood := sentiment.Analyze(text); mood.Escalate {
		answer = "I'm sorry for the trouble. " + answer
		actions = append([]session.MessageAction{liveAgentAction}, actions...)
	}
	msg, err := s.SaveMessage(ctx, chat.Message{ChatID: chatID, Direction: chat.DirectionFrom, Content: answer})
	if err != nil {
		return Reply{}, err
	}

	reply := Reply{
		Message: msg,
		Actions: append(actions,
			session.MessageAction{Name: "Helpful", Event: session.EventRate, Value: json.RawMessage(`"yes"`)},
			session.MessageAction{Name: "Not helpful", Event: session.EventRate, Value: json.RawMessage(`"no"`)},
		),
	}

	if s.renewDue(chatID) {
		conv, err := s.RenewSession(ctx, chatID)
		if err != nil {
			return Reply{}, err
		}
		reply.Renewed = &conv
	}
	return reply, nil
}

func answerFor(text string) (string, []session.MessageAction) {
	lower := strings.ToLower(text)
	for _, in := range intents {
		for _, kw := range in.keywords {
			if strings.Contains(lower, kw) {
				return in.answer, append([]session.MessageAction(nil), in.actions...)
			}
		}
	}
	return fmt.Sprintf("You said %q. How else can I help?", text), nil
}

// TranscribeAudio stands in for speech recognition: it validates the WAV
// payload and describes what was received.
func (s *Service) TranscribeAudio(dataURI string) (string, error) {
	encoded := dataURI
	if strings.HasPrefix(dataURI, "data:") {
		idx := strings.Index(dataURI, ",")
		if idx < 0 || !strings.Contains(dataURI[:idx], ";base64") {
			return "", fmt.Errorf("%w: malformed data uri", ErrInvalidAudio)
		}
		encoded = dataURI[idx+1:]
	}

	wav, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidAudio, err)
	}
	header, err := audio.ReadWAVHeader(wav)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidAudio, err)
	}

	layout := "mono"
	if header.Channels > 1 {
		layout = fmt.Sprintf("%d channels", header.Channels)
	}
	return fmt.Sprintf("[voice message %.1fs, %d Hz %s]", float64(header.Duration())/1000, header.SampleRate, layout), nil
}
