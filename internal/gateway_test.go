package internal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dashchat/internal/storage"
)

type gatewayFixture struct {
	gateway  *Gateway
	hub      *Hub
	presence *PresenceTracker
	metrics  *Metrics
	store    *storage.Store
}

func newGatewayFixture(t *testing.T, verifier TokenVerifier, opts GatewayOptions) *gatewayFixture {
	t.Helper()
	store := newTestStore(t)
	seedUsers(t, store, "alice", "bob", "observer")
	ctx := context.Background()
	require.NoError(t, store.CreateChannel(ctx, "c1", "One", "alice"))
	require.NoError(t, store.CreateChannel(ctx, "c2", "Two", "bob"))

	hub := NewHub(nil)
	presence := NewPresenceTracker()
	metrics := NewMetrics().WithPresence(presence)
	channels := NewChannelRouter(store, hub, metrics, nil, ChannelRouterOptions{})
	direct := NewDirectMessenger(store, hub, metrics, nil, 0)
	return &gatewayFixture{
		gateway:  NewGateway(hub, presence, channels, direct, store, verifier, metrics, nil, opts),
		hub:      hub,
		presence: presence,
		metrics:  metrics,
		store:    store,
	}
}

// connect attaches a connection without a socket; events are fed through handle.
func (f *gatewayFixture) connect() *Client {
	client := newClient(nil, 64)
	f.gateway.attach(client)
	return client
}

func (f *gatewayFixture) send(t *testing.T, client *Client, eventType string, data any) {
	t.Helper()
	payload, err := encodeInbound(eventType, data)
	require.NoError(t, err)
	f.gateway.handle(context.Background(), client, payload)
}

func (f *gatewayFixture) register(t *testing.T, client *Client, identity string) {
	t.Helper()
	f.send(t, client, EventRegister, RegisterEvent{Identity: identity})
	require.Equal(t, identity, client.identity)
}

// drain returns every queued outbound frame of the given type.
func drain(t *testing.T, client *Client, eventType string) []json.RawMessage {
	t.Helper()
	var out []json.RawMessage
	for {
		select {
		case frame := <-client.send:
			var env Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			if env.Type == eventType {
				out = append(out, env.Data)
			}
		default:
			return out
		}
	}
}

func TestGatewayMultiTabPresence(t *testing.T) {
	req := require.New(t)
	f := newGatewayFixture(t, nil, GatewayOptions{})

	observer := f.connect()
	f.register(t, observer, "observer")
	drain(t, observer, EventUserOnline)

	tab1, tab2 := f.connect(), f.connect()
	f.register(t, tab1, "alice")
	f.register(t, tab2, "alice")

	online := drain(t, observer, EventUserOnline)
	req.Len(online, 1, "second tab is not a transition")
	req.JSONEq(`{"identity":"alice"}`, string(online[0]))
	req.Equal(2, f.presence.Connections("alice"))

	snapshots := drain(t, tab2, EventPresence)
	req.Len(snapshots, 1)
	req.JSONEq(`{"online":["alice","observer"]}`, string(snapshots[0]))

	f.gateway.onDisconnect(tab1)
	req.True(f.presence.Online("alice"))
	req.Empty(drain(t, observer, EventUserOffline))

	f.gateway.onDisconnect(tab2)
	req.False(f.presence.Online("alice"))
	offline := drain(t, observer, EventUserOffline)
	req.Len(offline, 1)
	var payload UserOfflinePayload
	req.NoError(json.Unmarshal(offline[0], &payload))
	req.Equal("alice", payload.Identity)
	req.False(payload.LastSeen.IsZero())
	req.False(f.hub.Exists(userRoom("alice")))
}

func TestGatewayChannelIsolation(t *testing.T) {
	req := require.New(t)
	f := newGatewayFixture(t, nil, GatewayOptions{})

	alice, bob := f.connect(), f.connect()
	f.register(t, alice, "alice")
	f.register(t, bob, "bob")
	f.send(t, alice, EventJoinChannel, JoinChannelEvent{ChannelID: "c1"})
	f.send(t, bob, EventJoinChannel, JoinChannelEvent{ChannelID: "c2"})

	f.send(t, alice, EventChannelMessage, PostChannelMessageEvent{ChannelID: "c1", Text: "only c1"})

	req.Len(drain(t, alice, EventChannelMessage), 1)
	req.Empty(drain(t, bob, EventChannelMessage))

	f.send(t, alice, EventLeaveChannel, LeaveChannelEvent{ChannelID: "c1"})
	req.False(f.hub.Exists(channelRoom("c1")))
	f.send(t, bob, EventChannelMessage, PostChannelMessageEvent{ChannelID: "c1", Text: "posting without joining"})
	req.Empty(drain(t, alice, EventChannelMessage))

	history, err := f.store.ChannelHistory(context.Background(), "c1", storage.Cursor{}, 10)
	req.NoError(err)
	req.Len(history, 2)
}

func TestGatewayDropsEventsBeforeRegister(t *testing.T) {
	req := require.New(t)
	f := newGatewayFixture(t, nil, GatewayOptions{})

	anon := f.connect()
	f.send(t, anon, EventJoinChannel, JoinChannelEvent{ChannelID: "c1"})
	f.gateway.handle(context.Background(), anon, []byte(`{"type":"bogus","data":{}}`))
	f.gateway.handle(context.Background(), anon, []byte(`not json`))

	req.False(f.hub.Exists(channelRoom("c1")))
	req.EqualValues(3, f.metrics.Snapshot()["dropped_events_total"])

	f.gateway.onDisconnect(anon)
	req.Zero(f.hub.ConnectionCount())
	req.Zero(f.presence.ActiveCount())
}

func TestGatewayRegisterRules(t *testing.T) {
	req := require.New(t)
	f := newGatewayFixture(t, nil, GatewayOptions{})

	client := f.connect()
	f.send(t, client, EventRegister, RegisterEvent{Identity: "stranger"})
	req.Empty(client.identity)

	f.register(t, client, "alice")
	f.send(t, client, EventRegister, RegisterEvent{Identity: "alice"})
	req.Equal(1, f.presence.Connections("alice"), "same identity is a no-op")

	f.send(t, client, EventRegister, RegisterEvent{Identity: "bob"})
	req.Equal("alice", client.identity)
	req.False(f.presence.Online("bob"))
}

func TestGatewayRequiresMatchingToken(t *testing.T) {
	req := require.New(t)
	authority, err := NewTokenAuthority(testSecret, time.Hour)
	req.NoError(err)
	f := newGatewayFixture(t, authority, GatewayOptions{RequireToken: true})

	bobToken, _, err := authority.Issue(Identity{Name: "bob"})
	req.NoError(err)
	aliceToken, _, err := authority.Issue(Identity{Name: "alice"})
	req.NoError(err)

	client := f.connect()
	f.send(t, client, EventRegister, RegisterEvent{Identity: "alice"})
	req.Empty(client.identity)
	f.send(t, client, EventRegister, RegisterEvent{Identity: "alice", Token: bobToken})
	req.Empty(client.identity)
	f.send(t, client, EventRegister, RegisterEvent{Identity: "alice", Token: aliceToken})
	req.Equal("alice", client.identity)
}

func TestGatewayDirectMessageAndReadReceipt(t *testing.T) {
	req := require.New(t)
	f := newGatewayFixture(t, nil, GatewayOptions{})

	alice := f.connect()
	f.register(t, alice, "alice")
	f.send(t, alice, EventDirectMessage, SendDirectMessageEvent{To: "bob", Text: "are you there?"})
	req.Len(drain(t, alice, EventDirectMessage), 1)

	f.send(t, alice, EventDirectMessage, SendDirectMessageEvent{From: "bob", To: "alice", Text: "spoofed"})
	req.Empty(drain(t, alice, EventDirectMessage))

	bob := f.connect()
	f.register(t, bob, "bob")
	_, err := f.gateway.direct.OpenConversation(context.Background(), "bob", "alice", storage.Cursor{}, 20)
	req.NoError(err)

	receipts := drain(t, alice, EventMessagesSeen)
	req.Len(receipts, 1)
	req.JSONEq(`{"from":"alice","by":"bob","count":1}`, string(receipts[0]))
	req.Len(drain(t, bob, EventMessagesSeen), 1)

	f.send(t, alice, EventDirectMessage, SendDirectMessageEvent{To: "bob", Text: "again"})
	req.Len(drain(t, bob, EventDirectMessage), 1)
	f.send(t, bob, EventMarkSeen, MarkSeenEvent{With: "alice"})
	req.Len(drain(t, alice, EventMessagesSeen), 1)
}

func TestGatewayMessageBurst(t *testing.T) {
	req := require.New(t)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newGatewayFixture(t, nil, GatewayOptions{
		MessageBurst:  2,
		MessageWindow: time.Minute,
		Now:           func() time.Time { return now },
	})
	alice := f.connect()
	f.register(t, alice, "alice")
	f.send(t, alice, EventJoinChannel, JoinChannelEvent{ChannelID: "c1"})
	for i := 0; i < 4; i++ {
		f.send(t, alice, EventChannelMessage, PostChannelMessageEvent{ChannelID: "c1", Text: "flood"})
	}
	req.Len(drain(t, alice, EventChannelMessage), 2)
}

func TestSlowConsumerIsClosed(t *testing.T) {
	req := require.New(t)
	hub := NewHub(nil)
	slow := newClient(nil, 1)
	hub.attach(slow)
	hub.join(userRoom("slow"), slow)

	req.Equal(1, hub.Emit(userRoom("slow"), Outbound{Type: EventUserOnline, Data: UserOnlinePayload{Identity: "x"}}))
	req.Zero(hub.Emit(userRoom("slow"), Outbound{Type: EventUserOnline, Data: UserOnlinePayload{Identity: "y"}}))
	req.True(slow.closed())
	req.Zero(hub.EmitAll(Outbound{Type: EventUserOnline, Data: UserOnlinePayload{Identity: "z"}}))
}
