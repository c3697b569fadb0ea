package storage

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestUserLifecycle(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateUser(ctx, "alice", []byte("hash"), "")
	req.NoError(err)
	req.NotZero(id)

	_, err = store.CreateUser(ctx, "alice", []byte("hash2"), RoleMember)
	req.ErrorIs(err, ErrUserExists)

	user, err := store.GetUserByUsername(ctx, "alice")
	req.NoError(err)
	req.NotNil(user)
	req.Equal("alice", user.Username)
	req.Equal(RoleMember, user.Role)

	missing, err := store.GetUserByUsername(ctx, "nobody")
	req.NoError(err)
	req.Nil(missing)

	exists, err := store.UserExists(ctx, "alice")
	req.NoError(err)
	req.True(exists)

	req.NoError(store.SetRole(ctx, "alice", RoleAdmin))
	user, err = store.GetUserByUsername(ctx, "alice")
	req.NoError(err)
	req.Equal(RoleAdmin, user.Role)
}

func TestChannels(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()

	req.NoError(store.CreateChannel(ctx, "general", "General", "alice"))
	req.ErrorIs(store.CreateChannel(ctx, "general", "Again", "bob"), ErrChannelExists)

	ch, err := store.GetChannel(ctx, "general")
	req.NoError(err)
	req.NotNil(ch)
	req.Equal("General", ch.Name)

	member, err := store.IsChannelMember(ctx, "general", "alice")
	req.NoError(err)
	req.True(member, "creator is enrolled")

	member, err = store.IsChannelMember(ctx, "general", "bob")
	req.NoError(err)
	req.False(member)
	req.NoError(store.AddChannelMember(ctx, "general", "bob"))
	req.NoError(store.AddChannelMember(ctx, "general", "bob"))
	member, err = store.IsChannelMember(ctx, "general", "bob")
	req.NoError(err)
	req.True(member)

	channels, err := store.ListChannels(ctx)
	req.NoError(err)
	req.Len(channels, 1)

	missing, err := store.GetChannel(ctx, "random")
	req.NoError(err)
	req.Nil(missing)
}

func TestChannelMessageInsertIsIdempotent(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()
	req.NoError(store.CreateChannel(ctx, "general", "General", "alice"))

	msg := ChannelMessage{ID: uuid.NewString(), ChannelID: "general", Sender: "alice", Text: "hello", CreatedAt: time.Now()}
	first, created, err := store.InsertChannelMessage(ctx, msg)
	req.NoError(err)
	req.True(created)
	req.NotZero(first.Seq)

	msg.Text = "hello again"
	second, created, err := store.InsertChannelMessage(ctx, msg)
	req.NoError(err)
	req.False(created)
	req.Equal(first.Seq, second.Seq)
	req.Equal("hello", second.Text)
}

func TestChannelMessageRequiresChannel(t *testing.T) {
	store := newTestStore(t)
	msg := ChannelMessage{ID: uuid.NewString(), ChannelID: "ghost", Sender: "alice", Text: "hi", CreatedAt: time.Now()}
	_, _, err := store.InsertChannelMessage(context.Background(), msg)
	require.Error(t, err)
}

func TestChannelMessageEditAndDelete(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()
	req.NoError(store.CreateChannel(ctx, "general", "General", "alice"))

	msg, _, err := store.InsertChannelMessage(ctx, ChannelMessage{ID: "m1", ChannelID: "general", Sender: "alice", Text: "draft", CreatedAt: time.Now()})
	req.NoError(err)

	editedAt := time.Now().Add(time.Second)
	req.NoError(store.UpdateChannelMessageText(ctx, msg.ID, "final", editedAt))
	stored, err := store.GetChannelMessage(ctx, msg.ID)
	req.NoError(err)
	req.Equal("final", stored.Text)
	req.NotNil(stored.EditedAt)
	req.Equal(editedAt.UnixMilli(), stored.EditedAt.UnixMilli())

	req.NoError(store.DeleteChannelMessage(ctx, msg.ID))
	stored, err = store.GetChannelMessage(ctx, msg.ID)
	req.NoError(err)
	req.Nil(stored)
	req.Error(store.DeleteChannelMessage(ctx, msg.ID))
}

func TestChannelHistoryPagesPartitionHistory(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()
	req.NoError(store.CreateChannel(ctx, "general", "General", "alice"))

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		// every third message shares its timestamp with the previous one.
		at := base.Add(time.Duration(i-i/3) * time.Second)
		_, _, err := store.InsertChannelMessage(ctx, ChannelMessage{
			ID: fmt.Sprintf("m%02d", i), ChannelID: "general", Sender: "alice", Text: fmt.Sprintf("#%d", i), CreatedAt: at,
		})
		req.NoError(err)
	}

	var (
		all    []ChannelMessage
		cursor Cursor
	)
	for {
		page, err := store.ChannelHistory(ctx, "general", cursor, 7)
		req.NoError(err)
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		oldest := page[len(page)-1]
		cursor = Cursor{Before: oldest.CreatedAt, BeforeSeq: oldest.Seq}
	}
	req.Len(all, 25)
	seen := make(map[string]bool)
	for i, msg := range all {
		req.False(seen[msg.ID], "duplicate %s", msg.ID)
		seen[msg.ID] = true
		req.Equal(fmt.Sprintf("m%02d", 24-i), msg.ID)
	}
}

func TestChannelHistorySubMillisecondCursor(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()
	req.NoError(store.CreateChannel(ctx, "general", "General", "alice"))

	base := time.UnixMilli(10).UTC()
	for i, at := range []time.Time{base, base.Add(time.Millisecond)} {
		_, _, err := store.InsertChannelMessage(ctx, ChannelMessage{
			ID: fmt.Sprintf("m%d", i), ChannelID: "general", Sender: "alice", Text: "x", CreatedAt: at,
		})
		req.NoError(err)
	}

	page, err := store.ChannelHistory(ctx, "general", Cursor{Before: base.Add(500 * time.Microsecond)}, 10)
	req.NoError(err)
	req.Len(page, 1)
	req.Equal("m0", page[0].ID)

	page, err = store.ChannelHistory(ctx, "general", Cursor{Before: base.Add(500 * time.Microsecond), BeforeSeq: 99}, 10)
	req.NoError(err)
	req.Len(page, 1)
	req.Equal("m0", page[0].ID)
}

func TestDirectMessagesSeenAndUnread(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, pair := range [][2]string{{"alice", "bob"}, {"alice", "bob"}, {"carol", "bob"}, {"bob", "alice"}} {
		_, created, err := store.InsertDirectMessage(ctx, DirectMessage{
			ID: fmt.Sprintf("d%d", i), From: pair[0], To: pair[1], Text: "hey", CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
		})
		req.NoError(err)
		req.True(created)
	}

	counts, err := store.UnreadCounts(ctx, "bob")
	req.NoError(err)
	req.Equal(map[string]int{"alice": 2, "carol": 1}, counts)

	flipped, err := store.MarkSeen(ctx, "alice", "bob")
	req.NoError(err)
	req.EqualValues(2, flipped)
	flipped, err = store.MarkSeen(ctx, "alice", "bob")
	req.NoError(err)
	req.Zero(flipped)

	// a retried insert must not reset the flag.
	stored, created, err := store.InsertDirectMessage(ctx, DirectMessage{ID: "d0", From: "alice", To: "bob", Text: "hey", CreatedAt: now})
	req.NoError(err)
	req.False(created)
	req.True(stored.Seen)

	counts, err = store.UnreadCounts(ctx, "bob")
	req.NoError(err)
	req.Equal(map[string]int{"carol": 1}, counts)

	convo, err := store.Conversation(ctx, "bob", "alice", Cursor{}, 10)
	req.NoError(err)
	req.Len(convo, 3)
	req.Equal("d3", convo[0].ID)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	path := "sqlite://file:" + name + "?mode=memory&cache=shared"
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}
