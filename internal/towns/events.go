package towns

// Event types delivered over the webhook.
const (
	EventTypeMessage      = "message"
	EventTypeSlashCommand = "slash_command"
	EventTypeReaction     = "reaction"
)

// Event is the decoded webhook payload envelope. Exactly one of Message or
// Command is populated, selected by Type.
type Event struct {
	Type      string        `json:"type"`
	SpaceID   string        `json:"space_id"`
	ChannelID string        `json:"channel_id"`
	UserID    string        `json:"user_id"`
	EventID   string        `json:"event_id"`
	ThreadID  string        `json:"thread_id,omitempty"`
	Message   *MessageEvent `json:"message,omitempty"`
	Command   *CommandEvent `json:"command,omitempty"`
}

// MessageEvent carries a plain channel message.
type MessageEvent struct {
	Text        string `json:"text"`
	IsMentioned bool   `json:"is_mentioned"`
	ReplyID     string `json:"reply_id,omitempty"`
}

// CommandEvent carries a slash-command invocation.
type CommandEvent struct {
	Name string   `json:"name"`
	Args []string `json:"args"`
}

// SlashCommand describes one entry of a bot's registered command list, as
// pushed to the app registry metadata.
type SlashCommand struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}
