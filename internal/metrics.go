package internal

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

type Metrics struct {
	signups         atomic.Uint64
	logins          atomic.Uint64
	channelMessages atomic.Uint64
	directMessages  atomic.Uint64
	droppedEvents   atomic.Uint64
	activeConns     atomic.Int64
	presence        *PresenceTracker
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// WithPresence lets /metrics report the number of online identities.
func (m *Metrics) WithPresence(presence *PresenceTracker) *Metrics {
	m.presence = presence
	return m
}

func (m *Metrics) IncSignup() {
	m.signups.Add(1)
}

func (m *Metrics) IncLogin() {
	m.logins.Add(1)
}

func (m *Metrics) IncChannelMessage() {
	m.channelMessages.Add(1)
}

func (m *Metrics) IncDirectMessage() {
	m.directMessages.Add(1)
}

func (m *Metrics) IncDroppedEvent() {
	m.droppedEvents.Add(1)
}

func (m *Metrics) IncConn() {
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

func (m *Metrics) Snapshot() map[string]any {
	online := 0
	if m.presence != nil {
		online = m.presence.ActiveCount()
	}
	return map[string]any{
		"signups_total":          m.signups.Load(),
		"logins_total":           m.logins.Load(),
		"channel_messages_total": m.channelMessages.Load(),
		"direct_messages_total":  m.directMessages.Load(),
		"dropped_events_total":   m.droppedEvents.Load(),
		"active_connections":     m.activeConns.Load(),
		"online_users":           online,
	}
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.Snapshot())
}
