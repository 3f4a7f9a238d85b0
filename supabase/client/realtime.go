// Realtime subscription support for auth state-change events. The gate's
// session state refreshes when the backend reports a sign-in, sign-out or
// user update; this client delivers those events over the backend's
// websocket channel.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// AuthEventType classifies auth state changes.
type AuthEventType string

const (
	AuthEventSignedIn       AuthEventType = "SIGNED_IN"
	AuthEventSignedOut      AuthEventType = "SIGNED_OUT"
	AuthEventUserUpdated    AuthEventType = "USER_UPDATED"
	AuthEventTokenRefreshed AuthEventType = "TOKEN_REFRESHED"
)

// AuthEvent is a state-change notification for one identity.
type AuthEvent struct {
	Type   AuthEventType  `json:"type"`
	UserID string         `json:"user_id"`
	Record map[string]any `json:"record,omitempty"`
}

// AuthEventHandler handles auth state-change events.
type AuthEventHandler func(event *AuthEvent)

// realtimeMessage is the wire envelope on the websocket channel.
type realtimeMessage struct {
	Topic   string         `json:"topic"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref"`
	JoinRef string         `json:"join_ref,omitempty"`
}

// RealtimeClient subscribes to the backend's realtime websocket and
// dispatches auth state-change events.
type RealtimeClient struct {
	mu       sync.RWMutex
	url      string
	conn     *websocket.Conn
	handlers []AuthEventHandler
	done     chan struct{}
	ref      int
	joined   bool
}

const authEventsTopic = "realtime:auth:state_change"

// NewRealtimeClient creates a realtime client for the given backend URL.
func NewRealtimeClient(backendURL, apiKey string) *RealtimeClient {
	wsURL := backendURL
	if strings.HasPrefix(wsURL, "https") {
		wsURL = "wss" + wsURL[5:]
	} else if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + wsURL[4:]
	}
	wsURL += "/realtime/v1/websocket?apikey=" + apiKey + "&vsn=1.0.0"

	return &RealtimeClient{
		url:  wsURL,
		done: make(chan struct{}),
	}
}

// OnAuthEvent registers a handler for auth state-change events. Handlers
// run on their own goroutine; a slow handler never blocks the read loop.
func (r *RealtimeClient) OnAuthEvent(handler AuthEventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
}

// Connect establishes the websocket connection and joins the auth
// state-change channel.
func (r *RealtimeClient) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	r.conn = conn
	r.done = make(chan struct{})

	if err := r.joinLocked(); err != nil {
		conn.Close()
		r.conn = nil
		return err
	}

	go r.readLoop()
	go r.heartbeat()

	return nil
}

func (r *RealtimeClient) joinLocked() error {
	r.ref++
	ref := fmt.Sprintf("%d", r.ref)
	msg := realtimeMessage{
		Topic:   authEventsTopic,
		Event:   "phx_join",
		Payload: map[string]any{},
		Ref:     ref,
		JoinRef: ref,
	}
	if err := r.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send join: %w", err)
	}
	r.joined = true
	return nil
}

// Disconnect closes the websocket connection.
func (r *RealtimeClient) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return nil
	}

	close(r.done)

	err := r.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	r.conn.Close()
	r.conn = nil
	r.joined = false
	if err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return nil
}

func (r *RealtimeClient) readLoop() {
	for {
		select {
		case <-r.done:
			return
		default:
		}

		r.mu.RLock()
		conn := r.conn
		r.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg realtimeMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Topic != authEventsTopic {
			continue
		}

		event := parseAuthEvent(msg.Payload)
		if event == nil {
			continue
		}

		r.mu.RLock()
		handlers := make([]AuthEventHandler, len(r.handlers))
		copy(handlers, r.handlers)
		r.mu.RUnlock()

		for _, handler := range handlers {
			go handler(event)
		}
	}
}

// parseAuthEvent extracts a typed event from the loose payload, or nil
// when the payload carries no recognizable auth event.
func parseAuthEvent(payload map[string]any) *AuthEvent {
	eventType, _ := payload["type"].(string)
	switch AuthEventType(eventType) {
	case AuthEventSignedIn, AuthEventSignedOut, AuthEventUserUpdated, AuthEventTokenRefreshed:
	default:
		return nil
	}

	userID, _ := payload["user_id"].(string)
	if userID == "" {
		if record, ok := payload["record"].(map[string]any); ok {
			userID, _ = record["id"].(string)
		}
	}
	if userID == "" {
		return nil
	}

	record, _ := payload["record"].(map[string]any)
	return &AuthEvent{
		Type:   AuthEventType(eventType),
		UserID: userID,
		Record: record,
	}
}

func (r *RealtimeClient) heartbeat() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.mu.Lock()
			if r.conn != nil {
				r.ref++
				msg := realtimeMessage{
					Topic:   "phoenix",
					Event:   "heartbeat",
					Payload: map[string]any{},
					Ref:     fmt.Sprintf("%d", r.ref),
				}
				_ = r.conn.WriteJSON(msg)
			}
			r.mu.Unlock()
		}
	}
}
