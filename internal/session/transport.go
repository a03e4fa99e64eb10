package session

import "context"

// ToolHandler services one client-tool call from the remote agent.
type ToolHandler func(ctx context.Context, params map[string]any) map[string]any

// AgentMessage is an inbound transcript or control message from the agent.
type AgentMessage struct {
	Type string
	Text string
}

// Callbacks deliver transport events. They may fire on arbitrary goroutines
// in arbitrary interleaving with user actions; the controller guards every
// transition against its current state.
type Callbacks struct {
	// OnDisconnect fires once when the remote side ends the conversation.
	OnDisconnect func(reason string)
	// OnError fires on transport failures after the dial succeeded.
	OnError func(err error)
	// OnMessage fires per inbound agent message.
	OnMessage func(msg AgentMessage)
	// OnSpeaking reports the agent's audio-activity signal.
	OnSpeaking func(speaking bool)
}

// ConversationConfig describes one realtime conversation to open.
type ConversationConfig struct {
	AgentID        string
	ConnectionType string
	Tools          map[string]ToolHandler
	Callbacks      Callbacks
}

// Conversation is one live realtime connection to the hosted agent.
type Conversation interface {
	// ID is the platform-assigned conversation identifier.
	ID() string
	// Close tears the conversation down. Safe to call more than once.
	Close(ctx context.Context) error
}

// Dialer opens realtime conversations. Dial blocks until the conversation
// is established or ctx expires; client tools are registered as part of
// establishment.
type Dialer interface {
	Dial(ctx context.Context, cfg ConversationConfig) (Conversation, error)
}
