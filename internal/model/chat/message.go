package chat

import "time"

// Direction values follow the history wire format: "to" for user turns,
// "from" for assistant turns.
const (
	DirectionTo   = "to"
	DirectionFrom = "from"
)

// Message persists individual turns so a resumed session can replay history.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Direction string    `json:"type"`
	Content   string    `json:"message"`
	Helpful   *bool     `json:"helpful,omitempty"`
	CreatedAt time.Time `json:"timestamp"`
}
