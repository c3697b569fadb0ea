package internal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dashchat/internal/storage"
)

func newTestMessenger(t *testing.T) (*DirectMessenger, *UnreadAggregator, *recordingBroadcaster) {
	t.Helper()
	store := newTestStore(t)
	seedUsers(t, store, "alice", "bob", "carol")
	broadcast := &recordingBroadcaster{}
	direct := NewDirectMessenger(store, broadcast, nil, nil, 0)
	direct.now = steppingClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	return direct, NewUnreadAggregator(store), broadcast
}

func TestDirectSendEmitsToBothParticipants(t *testing.T) {
	req := require.New(t)
	direct, _, broadcast := newTestMessenger(t)

	msg, err := direct.Send(context.Background(), "alice", "bob", "hi bob", "")
	req.NoError(err)
	req.False(msg.Seen)

	events := broadcast.ofType(EventDirectMessage)
	req.Len(events, 2)
	req.ElementsMatch([]string{userRoom("alice"), userRoom("bob")}, []string{events[0].key, events[1].key})
}

func TestDirectSendRejections(t *testing.T) {
	req := require.New(t)
	direct, _, broadcast := newTestMessenger(t)
	ctx := context.Background()

	_, err := direct.Send(ctx, "alice", "alice", "me", "")
	req.ErrorIs(err, ErrValidation)
	_, err = direct.Send(ctx, "alice", "nobody", "hello?", "")
	req.ErrorIs(err, ErrValidation)
	_, err = direct.Send(ctx, "alice", "bob", "\t\n", "")
	req.ErrorIs(err, ErrValidation)
	req.Empty(broadcast.events)
}

func TestOpenConversationFlipsSeenAndNotifies(t *testing.T) {
	req := require.New(t)
	direct, unread, broadcast := newTestMessenger(t)
	ctx := context.Background()

	_, err := direct.Send(ctx, "alice", "bob", "one", "")
	req.NoError(err)
	_, err = direct.Send(ctx, "alice", "bob", "two", "")
	req.NoError(err)
	_, err = direct.Send(ctx, "carol", "bob", "three", "")
	req.NoError(err)

	counts, err := unread.Counts(ctx, "bob")
	req.NoError(err)
	req.Equal(map[string]int{"alice": 2, "carol": 1}, counts)

	page, err := direct.OpenConversation(ctx, "bob", "alice", storage.Cursor{}, 0)
	req.NoError(err)
	req.Len(page, 2)
	req.Equal("two", page[0].Text)
	for _, msg := range page {
		req.True(msg.Seen)
	}

	seen := broadcast.ofType(EventMessagesSeen)
	req.Len(seen, 2)
	req.ElementsMatch([]string{userRoom("alice"), userRoom("bob")}, []string{seen[0].key, seen[1].key})
	req.Equal(MessagesSeenPayload{From: "alice", By: "bob", Count: 2}, seen[0].evt.Data)

	counts, err = unread.Counts(ctx, "bob")
	req.NoError(err)
	req.Equal(map[string]int{"carol": 1}, counts)

	_, err = direct.OpenConversation(ctx, "bob", "alice", storage.Cursor{}, 0)
	req.NoError(err)
	req.Len(broadcast.ofType(EventMessagesSeen), 2, "nothing left to flip")
}

func TestOpenConversationLeavesOutgoingUnseen(t *testing.T) {
	req := require.New(t)
	direct, unread, _ := newTestMessenger(t)
	ctx := context.Background()

	_, err := direct.Send(ctx, "alice", "bob", "ping", "")
	req.NoError(err)

	// alice looking at her own outgoing message must not mark it seen for bob.
	_, err = direct.OpenConversation(ctx, "alice", "bob", storage.Cursor{}, 0)
	req.NoError(err)
	total, err := unread.Total(ctx, "bob")
	req.NoError(err)
	req.Equal(1, total)
}

func TestRetriedDirectSendKeepsSeen(t *testing.T) {
	req := require.New(t)
	direct, unread, broadcast := newTestMessenger(t)
	ctx := context.Background()
	const id = "0b6f3b7e-33a1-4f43-8f58-7f3f0b4f6b6d"

	_, err := direct.Send(ctx, "alice", "bob", "hello", id)
	req.NoError(err)
	n, err := direct.MarkSeen(ctx, "bob", "alice")
	req.NoError(err)
	req.Equal(1, n)

	again, err := direct.Send(ctx, "alice", "bob", "hello", id)
	req.NoError(err)
	req.True(again.Seen)
	req.Len(broadcast.ofType(EventDirectMessage), 2, "retry does not fan out again")

	total, err := unread.Total(ctx, "bob")
	req.NoError(err)
	req.Zero(total)
}
