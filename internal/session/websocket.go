package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/axiestudio/voicebridge/pkg/logging"
)

const (
	defaultEndpoint   = "wss://api.elevenlabs.io/v1/convai/conversation"
	writeWait         = 5 * time.Second
	initiationTimeout = 8 * time.Second
)

// WebSocketDialer opens realtime conversations over the agent platform's
// websocket protocol.
type WebSocketDialer struct {
	endpoint string
	dialer   *websocket.Dialer
	logger   *logging.Logger
}

// NewWebSocketDialer creates a dialer for the given endpoint; an empty
// endpoint uses the hosted platform default.
func NewWebSocketDialer(endpoint string, logger *logging.Logger) *WebSocketDialer {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &WebSocketDialer{
		endpoint: endpoint,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Dial connects, performs conversation initiation, registers the client
// tool set, and starts the event loop. It blocks until the platform
// acknowledges the conversation or ctx expires.
func (d *WebSocketDialer) Dial(ctx context.Context, cfg ConversationConfig) (Conversation, error) {
	u := fmt.Sprintf("%s?agent_id=%s&connection_type=%s",
		d.endpoint, url.QueryEscape(cfg.AgentID), url.QueryEscape(cfg.ConnectionType))

	conn, _, err := d.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("session: dial agent platform: %w", err)
	}

	c := &wsConversation{
		conn:   conn,
		cfg:    cfg,
		logger: d.logger,
		done:   make(chan struct{}),
	}

	if err := c.initiate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

type wsConversation struct {
	conn   *websocket.Conn
	cfg    ConversationConfig
	logger *logging.Logger

	writeMu sync.Mutex
	id      string

	closeOnce sync.Once
	done      chan struct{}
}

// serverEvent is the envelope for every inbound platform event.
type serverEvent struct {
	Type string `json:"type"`

	ConversationInitiationMetadata *struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	AgentResponse *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	UserTranscript *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	ClientToolCall *struct {
		ToolName   string         `json:"tool_name"`
		ToolCallID string         `json:"tool_call_id"`
		Parameters map[string]any `json:"parameters"`
	} `json:"client_tool_call,omitempty"`

	Ping *struct {
		EventID int `json:"event_id"`
	} `json:"ping_event,omitempty"`
}

func (c *wsConversation) ID() string { return c.id }

// initiate sends the client initiation and waits for the platform to assign
// a conversation id.
func (c *wsConversation) initiate(ctx context.Context) error {
	init := map[string]any{
		"type": "conversation_initiation_client_data",
	}
	if err := c.writeJSON(init); err != nil {
		return fmt.Errorf("session: conversation initiation: %w", err)
	}

	deadline := time.Now().Add(initiationTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		var ev serverEvent
		if err := c.conn.ReadJSON(&ev); err != nil {
			return fmt.Errorf("session: awaiting initiation metadata: %w", err)
		}
		if ev.Type == "conversation_initiation_metadata" && ev.ConversationInitiationMetadata != nil {
			c.id = ev.ConversationInitiationMetadata.ConversationID
			return nil
		}
		// ignore audio or transcript events racing ahead of the metadata
	}
}

func (c *wsConversation) readLoop() {
	for {
		var ev serverEvent
		if err := c.conn.ReadJSON(&ev); err != nil {
			select {
			case <-c.done:
				// closed locally; not a transport failure
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.dispatchDisconnect(err.Error())
			} else {
				c.dispatchError(err)
			}
			return
		}
		c.handleEvent(ev)
	}
}

func (c *wsConversation) handleEvent(ev serverEvent) {
	switch ev.Type {
	case "audio":
		c.dispatchSpeaking(true)
	case "agent_response_end", "interruption":
		c.dispatchSpeaking(false)
	case "agent_response":
		if ev.AgentResponse != nil {
			c.dispatchMessage(AgentMessage{Type: ev.Type, Text: ev.AgentResponse.AgentResponse})
		}
	case "user_transcript":
		if ev.UserTranscript != nil {
			c.dispatchMessage(AgentMessage{Type: ev.Type, Text: ev.UserTranscript.UserTranscript})
		}
	case "ping":
		if ev.Ping != nil {
			c.pong(ev.Ping.EventID)
		}
	case "client_tool_call":
		if ev.ClientToolCall != nil {
			go c.invokeTool(ev.ClientToolCall.ToolName, ev.ClientToolCall.ToolCallID, ev.ClientToolCall.Parameters)
		}
	default:
		c.logger.Debug("unhandled platform event", "type", ev.Type)
	}
}

// invokeTool services one client tool call and sends the correlated result.
// Unknown tools produce an error result rather than silence so the agent
// does not stall waiting.
func (c *wsConversation) invokeTool(name, callID string, params map[string]any) {
	handler, ok := c.cfg.Tools[name]
	if !ok {
		c.logger.Warn("agent requested unknown tool", "tool", name)
		c.sendToolResult(callID, map[string]any{"error": fmt.Sprintf("unknown tool %q", name)}, true)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result := handler(ctx, params)
	c.sendToolResult(callID, result, false)
}

func (c *wsConversation) sendToolResult(callID string, result map[string]any, isError bool) {
	msg := map[string]any{
		"type":         "client_tool_result",
		"tool_call_id": callID,
		"result":       result,
		"is_error":     isError,
	}
	if err := c.writeJSON(msg); err != nil {
		c.logger.Warn("tool result send failed", "tool_call_id", callID, "error", err)
	}
}

func (c *wsConversation) pong(eventID int) {
	if err := c.writeJSON(map[string]any{"type": "pong", "event_id": eventID}); err != nil {
		c.logger.Debug("pong send failed", "error", err)
	}
}

func (c *wsConversation) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close ends the conversation. Safe to call more than once; after Close the
// read loop stops dispatching events.
func (c *wsConversation) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(writeWait)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"), deadline)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsConversation) dispatchDisconnect(reason string) {
	if c.cfg.Callbacks.OnDisconnect != nil {
		c.cfg.Callbacks.OnDisconnect(reason)
	}
}

func (c *wsConversation) dispatchError(err error) {
	if c.cfg.Callbacks.OnError != nil {
		c.cfg.Callbacks.OnError(err)
	}
}

func (c *wsConversation) dispatchMessage(msg AgentMessage) {
	if c.cfg.Callbacks.OnMessage != nil {
		c.cfg.Callbacks.OnMessage(msg)
	}
}

func (c *wsConversation) dispatchSpeaking(speaking bool) {
	if c.cfg.Callbacks.OnSpeaking != nil {
		c.cfg.Callbacks.OnSpeaking(speaking)
	}
}
