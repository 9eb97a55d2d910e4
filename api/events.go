package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowforge-ai/flowforge/metrics"
)

// Event is a dashboard notification pushed over /ws/events.
type Event struct {
	Type       string    `json:"type"` // "workflow.generated", "generation.denied", "usage.updated"
	Platform   string    `json:"platform,omitempty"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	Used       int       `json:"used,omitempty"`
	Remaining  int       `json:"remaining,omitempty"`
	Trigger    string    `json:"trigger,omitempty"`
	Time       time.Time `json:"time"`
}

const (
	// Max concurrent event streams per user.
	eventsMaxPerUser = 3
	// Buffered events per subscriber; slow consumers drop the oldest.
	eventsBufferSize = 16
	eventsWriteWait  = 10 * time.Second
	eventsPingPeriod = 30 * time.Second
)

var eventsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventHub fans events out to a user's connected dashboard sessions.
type eventHub struct {
	mu   sync.Mutex
	subs map[string][]chan Event // userID → subscriber channels
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[string][]chan Event)}
}

// Publish delivers an event to every open stream for the user. Full
// subscriber buffers are skipped rather than blocking the publisher.
func (h *eventHub) Publish(userID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[userID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *eventHub) subscribe(userID string) (chan Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs[userID]) >= eventsMaxPerUser {
		return nil, false
	}
	ch := make(chan Event, eventsBufferSize)
	h.subs[userID] = append(h.subs[userID], ch)
	metrics.ActiveEventSubscribers.Inc()
	return ch, true
}

func (h *eventHub) unsubscribe(userID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[userID]
	for i, c := range subs {
		if c == ch {
			h.subs[userID] = append(subs[:i], subs[i+1:]...)
			metrics.ActiveEventSubscribers.Dec()
			break
		}
	}
	if len(h.subs[userID]) == 0 {
		delete(h.subs, userID)
	}
}

// handleEventsWS streams generation and usage events to the dashboard.
// Browsers cannot set headers on WebSocket requests, so the token arrives
// via ?token= with the Authorization header as a fallback.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = r.Header.Get("Authorization")
		if strings.HasPrefix(tokenStr, "Bearer ") {
			tokenStr = tokenStr[7:]
		}
	}
	if tokenStr == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	identity, err := s.authProvider.ValidateToken(r.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	user, err := s.userForIdentity(r.Context(), identity)
	if err != nil || user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ch, ok := s.events.subscribe(user.ID)
	if !ok {
		http.Error(w, "too many event streams", http.StatusTooManyRequests)
		return
	}
	defer s.events.unsubscribe(user.ID, ch)

	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("events: upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(512)
	s.logger.Info("events: connected", "user", user.Username)

	// Reader drains control frames and signals close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
