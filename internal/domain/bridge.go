package domain

// Chat roles carried by chat frames.
const (
	ChatRoleBrowser   = "browser"
	ChatRoleAssistant = "assistant"
	ChatRoleUser      = "user"
)

// Event names pushed to remote clients.
const (
	EventActiveTab  = "activeTab"
	EventToolCall   = "toolCall"
	EventToolResult = "toolResult"
	EventFeature    = "feature"
	EventProvider   = "provider"

	// EventChatRetracted withdraws a streamed message, data {"id": ...}.
	EventChatRetracted = "chatRetracted"
)

// Broadcaster fans chat and event frames out to remote clients.
type Broadcaster interface {
	// BroadcastChat sends a chat frame. An empty id is replaced by a fresh one.
	BroadcastChat(id, role, text string)
	BroadcastEvent(name string, data any)
}

// NopBroadcaster discards everything.
type NopBroadcaster struct{}

func (NopBroadcaster) BroadcastChat(string, string, string) {}
func (NopBroadcaster) BroadcastEvent(string, any)           {}
